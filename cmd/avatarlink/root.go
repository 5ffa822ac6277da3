package main

import (
	"fmt"

	"avatarlink/pkg/config"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

var cfgFile string

// configPaths are tried in order when --config is not given.
var configPaths = []string{
	"configs/config.yaml",
	"/etc/avatarlink/config.yaml",
	"config.yaml",
}

var rootCmd = &cobra.Command{
	Use:   "avatarlink",
	Short: "avatarlink - control plane for real-time streaming avatars",
	Long: "avatarlink drives avatar sessions over Agora, LiveKit or TRTC and exposes " +
		"a control API for starting sessions, switching vendors and chatting with the avatar.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(tokenCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of avatarlink",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "avatarlink v%s\n", version)
	},
}

// loadConfig reads --config, or the first default path that loads. With
// no file at all the defaults plus environment overrides apply.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	var lastErr error
	for _, path := range configPaths {
		cfg, err := config.Load(path)
		if err == nil {
			return cfg, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("loading config: %w", lastErr)
}
