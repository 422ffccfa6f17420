// wgingress is the WireGuard ingress hub: it activates agents, exposes their
// services through port forwards and tracks their traffic. The same binary
// runs the agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wgingress/wgingress/internal/config"
	"github.com/wgingress/wgingress/internal/coord"
	"github.com/wgingress/wgingress/internal/logging/loki"
	"github.com/wgingress/wgingress/internal/monitor"
	"github.com/wgingress/wgingress/internal/notify"
	"github.com/wgingress/wgingress/internal/policy"
	"github.com/wgingress/wgingress/internal/store"
	"github.com/wgingress/wgingress/internal/svc"
	"github.com/wgingress/wgingress/internal/wireguard"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	checkOnly bool

	// set when the service manager starts the hub or the agent
	serviceRun bool
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wgingress",
		Short: "wgingress - WireGuard ingress hub",
		Long: `wgingress runs the hub of a WireGuard mesh. Agents activate with a
one-time setup token, the hub forwards public ports to them through nftables
and reports their traffic and online state.

QUICK START:

  # Start the hub with a config file:
  wgingress serve --config /etc/wgingress/wgingress.yaml

  # Print the ruleset the hub would load:
  wgingress rules --config /etc/wgingress/wgingress.yaml

  # Join a hub from the machine running the services:
  sudo wgingress agent --hub https://hub.example.com --token <setup-token>`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hub API and peer monitor",
		RunE:  runServe,
	}
	serveCmd.Flags().BoolVar(&serviceRun, "service-run", false, "run under the system service manager")
	_ = serveCmd.Flags().MarkHidden("service-run")
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(newAgentCmd())
	rootCmd.AddCommand(newServiceCmd())

	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Print the nftables ruleset for the current forwards",
		RunE:  runRules,
	}
	rulesCmd.Flags().BoolVar(&checkOnly, "check", false, "validate the ruleset with nft -c instead of printing it")
	rootCmd.AddCommand(rulesCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wgingress %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  Commit:     %s\n", Commit)
			fmt.Fprintf(cmd.OutOrStdout(), "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(cmd.OutOrStdout(), "  Go:         %s\n", runtime.Version())
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func loadConfig() (*config.ServerConfig, error) {
	if cfgFile == "" {
		return nil, errors.New("--config is required")
	}
	cfg, err := config.LoadServerConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if serviceRun {
		path := cfgFile
		if path == "" {
			path = svc.DefaultConfigPath(svc.ModeServe)
		}
		return svc.Run(
			&svc.Program{Mode: svc.ModeServe, ConfigPath: path, RunServe: serveHub},
			&svc.Config{Mode: svc.ModeServe, ConfigPath: path},
		)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serveHub(ctx, cfgFile)
}

// serveHub runs the API and the peer monitor until ctx is cancelled.
func serveHub(ctx context.Context, configPath string) error {
	cfgFile = configPath
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	stopShipping := setupLogShipping(cfg)
	defer stopShipping()

	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("listen", cfg.Listen).
		Str("interface", cfg.WireGuard.Interface).
		Str("mesh", cfg.MeshPrefix().String()).
		Msg("starting wgingress")

	st, err := store.Open(store.FileDSN(cfg.Database))
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close database")
		}
	}()

	iface := wireguard.NewInterface(cfg.WireGuard.Interface)
	defer func() { _ = iface.Close() }()

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	stats := monitor.NewStatsHub()
	mon := monitor.New(st, iface, notify.NewWebhook(cfg.Notify.TimeoutDuration()), stats, monitor.Options{
		TickInterval:     cfg.Monitor.TickIntervalDuration(),
		RefreshInterval:  cfg.Monitor.RefreshIntervalDuration(),
		FlushInterval:    cfg.Monitor.FlushIntervalDuration(),
		OfflineThreshold: cfg.Monitor.OfflineThresholdDuration(),
	})

	srv, err := coord.NewServer(cfg, coord.Deps{
		Store:        st,
		Driver:       iface,
		Inspector:    iface,
		Stats:        stats,
		Applier:      policy.NewApplier(cfg.Firewall.NftPath, cfg.Firewall.RulesDir),
		PeersChanged: mon.Invalidate,
	})
	if err != nil {
		return err
	}
	srv.SetVersion(Version)

	added, err := srv.Connect().Resync(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to resync peers with interface")
	} else {
		log.Info().Int("peers", added).Msg("interface resynced")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = mon.Run(ctx)
	}()

	serveErr := srv.ListenAndServe(ctx)
	// a failed listener must still stop the monitor
	stop()
	wg.Wait()

	if serveErr != nil {
		return serveErr
	}
	log.Info().Msg("wgingress stopped")
	return nil
}

func runRules(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(store.FileDSN(cfg.Database))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	synth, err := policy.NewSynthesizer(cfg.MeshPrefix())
	if err != nil {
		return err
	}
	rs, err := synth.Generate(cmd.Context(), st)
	if err != nil {
		return err
	}
	if rs.Skipped > 0 {
		log.Warn().Int("skipped", rs.Skipped).Msg("invalid forwards left out of the ruleset")
	}

	if checkOnly {
		applier := policy.NewApplier(cfg.Firewall.NftPath, cfg.Firewall.RulesDir)
		if err := applier.Check(cmd.Context(), rs.Text); err != nil {
			return err
		}
		log.Info().Int("forwards", rs.Rules).Msg("ruleset is valid")
		return nil
	}

	_, err = fmt.Fprint(cmd.OutOrStdout(), rs.Text)
	return err
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// setupLogShipping tees the log to Loki when configured and returns the
// function that flushes and stops it.
func setupLogShipping(cfg *config.ServerConfig) func() {
	if cfg.Logging.LokiURL == "" {
		return func() {}
	}

	labels := map[string]string{"interface": cfg.WireGuard.Interface}
	if host, err := os.Hostname(); err == nil {
		labels["host"] = host
	}
	for k, v := range cfg.Logging.LokiLabels {
		labels[k] = v
	}

	writer := loki.NewWriter(loki.Config{URL: cfg.Logging.LokiURL, Labels: labels})
	writer.Start()

	console := log.Logger
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr}, writer)).
		With().Timestamp().Logger()
	log.Info().Str("url", cfg.Logging.LokiURL).Msg("shipping logs to loki")

	return func() {
		log.Logger = console
		writer.Stop()
	}
}
