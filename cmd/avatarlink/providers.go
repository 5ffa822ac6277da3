package main

import (
	"fmt"
	"text/tabwriter"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/providers"
	"avatarlink/pkg/config"

	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the streaming providers and their configuration",
	RunE:  runProviders,
}

func runProviders(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	factory := providers.NewDefaultFactory(providers.SettingsFromConfig(cfg, nil, nil))

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tDEFAULT\tSIGNALING")
	for _, t := range factory.SupportedTypes() {
		def := ""
		if string(t) == cfg.Providers.Default {
			def = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", t, def, signalingURL(cfg, t))
	}
	return w.Flush()
}

func signalingURL(cfg *config.Config, t domain.ProviderType) string {
	var u string
	switch t {
	case domain.ProviderAgora:
		u = cfg.Providers.Agora.SignalingURL
	case domain.ProviderLiveKit:
		u = cfg.Providers.LiveKit.SignalingURL
		if u == "" {
			return "(from session credentials)"
		}
	case domain.ProviderTRTC:
		u = cfg.Providers.TRTC.SignalingURL
	}
	if u == "" {
		return "(not configured)"
	}
	return u
}
