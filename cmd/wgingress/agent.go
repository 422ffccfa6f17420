package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wgingress/wgingress/internal/agent"
	"github.com/wgingress/wgingress/internal/config"
	"github.com/wgingress/wgingress/internal/svc"
	"github.com/wgingress/wgingress/internal/wireguard"
)

var (
	agentHub       string
	agentToken     string
	agentInterface string
	agentTunnel    string
)

func newAgentCmd() *cobra.Command {
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Join a hub and keep the tunnel to it up",
		Long: `Run the agent side of the mesh. On first start the agent generates a
WireGuard key, activates with the hub using the one-time setup token and
brings the tunnel up. Later starts re-attach with the stored key, so the
token is only needed once.

Settings come from the config file, then the WGINGRESS_HUB and
WGINGRESS_TOKEN environment variables, then flags.

Examples:
  sudo wgingress agent --hub https://hub.example.com --token 3f9c...
  sudo wgingress agent --config /etc/wgingress/agent.yaml
  sudo wgingress service install --mode agent --hub https://hub.example.com --token 3f9c...`,
		RunE: runAgent,
	}
	agentCmd.Flags().StringVar(&agentHub, "hub", "", "hub base URL")
	agentCmd.Flags().StringVarP(&agentToken, "token", "t", "", "one-time setup token")
	agentCmd.Flags().StringVar(&agentInterface, "interface", "", "tunnel interface (default wg0)")
	agentCmd.Flags().StringVar(&agentTunnel, "tunnel", "", `tunnel mode: "wg-quick" (default) or "kernel"`)
	agentCmd.Flags().BoolVar(&serviceRun, "service-run", false, "run under the system service manager")
	_ = agentCmd.Flags().MarkHidden("service-run")
	return agentCmd
}

// loadAgentConfig merges the config file, the environment and flags, in
// that order of precedence.
func loadAgentConfig() (*config.AgentConfig, error) {
	cfg := &config.AgentConfig{}
	if cfgFile != "" {
		loaded, err := config.LoadAgentConfig(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if v := os.Getenv(svc.EnvHub); v != "" {
		cfg.Hub = v
	}
	if v := os.Getenv(svc.EnvToken); v != "" {
		cfg.SetupToken = v
	}
	if agentHub != "" {
		cfg.Hub = agentHub
	}
	if agentToken != "" {
		cfg.SetupToken = agentToken
	}
	if agentInterface != "" {
		cfg.Interface = agentInterface
	}
	if agentTunnel != "" {
		cfg.Tunnel = agentTunnel
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	if serviceRun {
		return svc.Run(
			&svc.Program{Mode: svc.ModeAgent, ConfigPath: cfgFile, RunAgent: agentFromService},
			&svc.Config{Mode: svc.ModeAgent, ConfigPath: cfgFile},
		)
	}

	cfg, err := loadAgentConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runAgentWithConfig(ctx, cfg)
}

func agentFromService(ctx context.Context, configPath string) error {
	cfgFile = configPath
	cfg, err := loadAgentConfig()
	if err != nil {
		return err
	}
	return runAgentWithConfig(ctx, cfg)
}

// runAgentWithConfig runs the agent until ctx is cancelled.
func runAgentWithConfig(ctx context.Context, cfg *config.AgentConfig) error {
	var tunnel agent.Tunnel
	switch cfg.Tunnel {
	case config.TunnelKernel:
		iface := wireguard.NewInterface(cfg.Interface)
		defer func() { _ = iface.Close() }()
		tunnel = agent.NewKernel(iface, cfg.IPPath)
	default:
		tunnel = agent.NewWGQuick(cfg.Interface, cfg.ConfigDir, cfg.WGQuickPath)
	}

	log.Info().
		Str("version", Version).
		Str("hub", cfg.Hub).
		Str("interface", cfg.Interface).
		Str("tunnel", cfg.Tunnel).
		Msg("starting wgingress agent")

	a := agent.New(agent.NewClient(cfg.Hub), tunnel, agent.Options{
		SetupToken:        cfg.SetupToken,
		KeyPath:           cfg.KeyPath,
		ReconnectInterval: cfg.ReconnectIntervalDuration(),
	})
	if err := a.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("wgingress agent stopped")
	return nil
}
