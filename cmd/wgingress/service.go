package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wgingress/wgingress/internal/svc"
)

var (
	serviceMode  string
	serviceName  string
	serviceUser  string
	serviceHub   string
	serviceToken string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the wgingress system service",
		Long: `Install, control and inspect wgingress as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo wgingress service install --config /etc/wgingress/wgingress.yaml
  sudo wgingress service start
  sudo wgingress service logs --follow

  sudo wgingress service install --mode agent --hub https://hub.example.com --token 3f9c...
  sudo wgingress service start --mode agent`,
	}
	serviceCmd.PersistentFlags().StringVarP(&serviceMode, "mode", "m", svc.ModeServe, `what the service runs: "serve" or "agent"`)
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "service name (default wgingress, or wgingress-agent in agent mode)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install wgingress as a service that starts at boot",
		RunE:  runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run the service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "reinstall if the service already exists")
	installCmd.Flags().StringVar(&serviceHub, "hub", "", "hub base URL (agent mode)")
	installCmd.Flags().StringVarP(&serviceToken, "token", "t", "", "one-time setup token (agent mode)")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			cfg, err := serviceConfig()
			if err != nil {
				return err
			}
			if err := svc.Uninstall(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service %q removed.\n", cfg.Name)
			return nil
		},
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the service", action),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				cfg, err := serviceConfig()
				if err != nil {
					return err
				}
				return svc.Control(cfg, action)
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := serviceConfig()
			if err != nil {
				return err
			}
			status, err := svc.Status(cfg)
			if err != nil {
				return fmt.Errorf("service %q: %w", cfg.Name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service: %s\nStatus:  %s\n", cfg.Name, status)
			return nil
		},
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the service logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := serviceConfig()
			if err != nil {
				return err
			}
			return svc.ViewLogs(cmd.Context(), svc.LogOptions{
				ServiceName: cfg.Name,
				Follow:      logsFollow,
				Lines:       logsLines,
			})
		},
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

// serviceConfig resolves the service definition from the flags. The agent
// only gets a config path when --config was given; otherwise it runs from
// the hub URL and token in its environment.
func serviceConfig() (*svc.Config, error) {
	if serviceMode != svc.ModeServe && serviceMode != svc.ModeAgent {
		return nil, fmt.Errorf("unknown mode %q: use %q or %q", serviceMode, svc.ModeServe, svc.ModeAgent)
	}

	name := serviceName
	if name == "" {
		name = svc.DefaultServiceName(serviceMode)
	}
	path := cfgFile
	if path == "" && serviceMode == svc.ModeServe {
		path = svc.DefaultConfigPath(svc.ModeServe)
	}
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	return &svc.Config{
		Name:       name,
		Mode:       serviceMode,
		ConfigPath: path,
		UserName:   serviceUser,
		Hub:        serviceHub,
		Token:      serviceToken,
	}, nil
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg, err := serviceConfig()
	if err != nil {
		return err
	}
	if err := checkServiceConfig(cfg); err != nil {
		return err
	}

	log.Info().Str("name", cfg.Name).Str("mode", cfg.Mode).Str("config", cfg.ConfigPath).Msg("installing service")
	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Service %q installed.\n", cfg.Name)
	fmt.Fprintf(out, "\nTo start it:\n  wgingress service start --mode %s --name %s\n", cfg.Mode, cfg.Name)
	fmt.Fprintf(out, "\nTo view logs:\n  wgingress service logs --mode %s --name %s\n", cfg.Mode, cfg.Name)
	return nil
}

// checkServiceConfig refuses to install a service that would crash on start.
func checkServiceConfig(cfg *svc.Config) error {
	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s; create it first or pass --config", cfg.ConfigPath)
		}
		cfgFile = cfg.ConfigPath
	}

	if cfg.Mode == svc.ModeAgent {
		agentHub, agentToken = cfg.Hub, cfg.Token
		_, err := loadAgentConfig()
		return err
	}
	_, err := loadConfig()
	return err
}
