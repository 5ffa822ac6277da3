package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the health of a running avatarlink control API",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	host, port, err := net.SplitHostPort(cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("parsing server.address: %w", err)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s/health", net.JoinHostPort(host, port))

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "status: control API is not running")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(cmd.OutOrStdout(), "status: control API returned %s\n", resp.Status)
		return nil
	}

	var health struct {
		Uptime       string `json:"uptime"`
		Provider     string `json:"provider"`
		EventClients int    `json:"event_clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "status: control API is healthy")
		return nil
	}

	provider := health.Provider
	if provider == "" {
		provider = "none"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "status: control API is healthy (uptime %s, provider %s, %d event clients)\n",
		health.Uptime, provider, health.EventClients)
	return nil
}
