// Package svc installs and runs the hub or the agent as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// Service modes. The installed service re-invokes the binary with the
// matching subcommand.
const (
	ModeServe = "serve"
	ModeAgent = "agent"
)

// Environment variables carrying the agent's hub URL and setup token. They
// keep the token out of process listings.
const (
	EnvHub   = "WGINGRESS_HUB"
	EnvToken = "WGINGRESS_TOKEN"
)

// RunFunc runs the hub or the agent until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program adapts the mode's RunFunc to the service manager's start/stop calls.
type Program struct {
	Mode       string  // "serve" or "agent"
	ConfigPath string  // Empty when the agent is configured from the environment
	RunServe   RunFunc // Runs the hub
	RunAgent   RunFunc // Runs the agent

	cancel context.CancelFunc
	done   chan error
}

func (p *Program) runFunc() (RunFunc, error) {
	switch p.Mode {
	case ModeServe:
		if p.RunServe == nil {
			return nil, errors.New("serve function not configured")
		}
		return p.RunServe, nil
	case ModeAgent:
		if p.RunAgent == nil {
			return nil, errors.New("agent function not configured")
		}
		return p.RunAgent, nil
	default:
		return nil, fmt.Errorf("unknown mode: %s", p.Mode)
	}
}

// Start launches the mode's RunFunc in the background. The service manager
// requires it to return immediately.
func (p *Program) Start(service.Service) error {
	run, err := p.runFunc()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)

	go func() {
		p.done <- run(ctx, p.ConfigPath)
	}()
	return nil
}

// Stop cancels the running mode and waits for it to finish shutting down.
func (p *Program) Stop(service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config describes the installed service.
type Config struct {
	Name       string
	Mode       string // "serve" (default) or "agent"
	ConfigPath string
	UserName   string // Linux/macOS only
	Hub        string // agent mode only
	Token      string // agent mode only
}

// DefaultServiceName returns the default service name for mode.
func DefaultServiceName(mode string) string {
	if mode == ModeAgent {
		return "wgingress-agent"
	}
	return "wgingress"
}

// DefaultDisplayName returns a human-readable display name for mode.
func DefaultDisplayName(mode string) string {
	if mode == ModeAgent {
		return "wgingress agent"
	}
	return "wgingress hub"
}

// DefaultDescription returns the service description for mode.
func DefaultDescription(mode string) string {
	if mode == ModeAgent {
		return "WireGuard ingress agent: joins a wgingress hub and keeps the tunnel up"
	}
	return "WireGuard ingress hub: agent activation, port forwards and usage accounting"
}

// DefaultConfigPath returns the platform's default config path for mode.
func DefaultConfigPath(mode string) string {
	dir := "/etc/wgingress"
	if runtime.GOOS == "windows" {
		dir = filepath.Join(os.Getenv("ProgramData"), "wgingress")
	}
	if mode == ModeAgent {
		return filepath.Join(dir, "agent.yaml")
	}
	return filepath.Join(dir, "wgingress.yaml")
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Mode == "" {
		out.Mode = ModeServe
	}
	if out.Name == "" {
		out.Name = DefaultServiceName(out.Mode)
	}
	// the agent can run from hub and token alone
	if out.ConfigPath == "" && out.Mode == ModeServe {
		out.ConfigPath = DefaultConfigPath(out.Mode)
	}
	return &out
}

// ServiceConfig builds the service manager definition for goos. The service
// re-invokes the binary as "<mode> --service-run".
func ServiceConfig(cfg *Config, goos string) *service.Config {
	cfg = cfg.withDefaults()

	args := []string{cfg.Mode}
	if cfg.ConfigPath != "" {
		args = append(args, "--config", cfg.ConfigPath)
	}
	args = append(args, "--service-run")

	env := make(map[string]string)
	if cfg.Hub != "" {
		env[EnvHub] = cfg.Hub
	}
	if cfg.Token != "" {
		env[EnvToken] = cfg.Token
	}

	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: DefaultDisplayName(cfg.Mode),
		Description: DefaultDescription(cfg.Mode),
		Arguments:   args,
		EnvVars:     env,
	}

	switch goos {
	case "linux":
		// nft and the wireguard interface need the network up
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}
	return svcCfg
}

func newService(prg *Program, cfg *Config) (service.Service, error) {
	s, err := service.New(prg, ServiceConfig(cfg, runtime.GOOS))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

func control(cfg *Config) (service.Service, error) {
	cfg = cfg.withDefaults()
	return newService(&Program{Mode: cfg.Mode, ConfigPath: cfg.ConfigPath}, cfg)
}

// Install registers the service. With force an existing installation is
// stopped and replaced.
func Install(cfg *Config, force bool) error {
	s, err := control(cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.withDefaults().Name)
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func Uninstall(cfg *Config) error {
	s, err := control(cfg)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control sends action (start, stop or restart) to the service manager.
func Control(cfg *Config, action string) error {
	s, err := control(cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status reports the service state as running, stopped or unknown.
func Status(cfg *Config) (string, error) {
	s, err := control(cfg)
	if err != nil {
		return "", err
	}
	status, err := s.Status()
	if err != nil {
		return "", err
	}
	return StatusString(status), nil
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands control to the service manager until it stops the service.
func Run(prg *Program, cfg *Config) error {
	s, err := newService(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges reports whether the caller may manage services.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return errors.New("root privileges required (use sudo)")
	}
	return nil
}
