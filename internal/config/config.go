// Package config handles configuration loading and validation for wgingress.
package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WireGuardConfig describes the hub's tunnel interface.
type WireGuardConfig struct {
	Interface string `yaml:"interface"`  // Interface name (default: "wg0")
	Endpoint  string `yaml:"endpoint"`   // Public endpoint handed to agents (host:port)
	PublicKey string `yaml:"public_key"` // Fallback when the server_public_key setting is empty
}

// MonitorConfig holds the peer monitor timings. Values are duration strings, e.g. "60s".
type MonitorConfig struct {
	TickInterval     string `yaml:"tick_interval"`
	RefreshInterval  string `yaml:"refresh_interval"`
	FlushInterval    string `yaml:"flush_interval"`
	OfflineThreshold string `yaml:"offline_threshold"`
}

// FirewallConfig controls how generated rulesets are loaded.
type FirewallConfig struct {
	NftPath  string `yaml:"nft_path"`  // Loader binary (default: "nft")
	RulesDir string `yaml:"rules_dir"` // Directory for the transient ruleset file
}

// NotifyConfig controls outbound webhook delivery.
type NotifyConfig struct {
	Timeout string `yaml:"timeout"`
}

// LoggingConfig controls optional log shipping.
type LoggingConfig struct {
	LokiURL    string            `yaml:"loki_url"`    // Push logs to this Loki instance when set
	LokiLabels map[string]string `yaml:"loki_labels"` // Extra stream labels
}

// ServerConfig holds configuration for the hub.
type ServerConfig struct {
	Listen     string          `yaml:"listen"`
	AdminToken string          `yaml:"admin_token"`
	Database   string          `yaml:"database"`
	MeshCIDR   string          `yaml:"mesh_cidr"`
	WireGuard  WireGuardConfig `yaml:"wireguard"`
	Monitor    MonitorConfig   `yaml:"monitor"`
	Firewall   FirewallConfig  `yaml:"firewall"`
	Notify     NotifyConfig    `yaml:"notify"`
	Logging    LoggingConfig   `yaml:"logging"`
}

// LoadServerConfig loads server configuration from a YAML file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &ServerConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func (c *ServerConfig) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Database == "" {
		c.Database = "/var/lib/wgingress/wgingress.db"
	}
	if strings.HasPrefix(c.Database, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.Database = filepath.Join(homeDir, c.Database[2:])
		}
	}
	if c.MeshCIDR == "" {
		c.MeshCIDR = "10.8.0.0/24"
	}
	if c.WireGuard.Interface == "" {
		c.WireGuard.Interface = "wg0"
	}
	if c.Monitor.TickInterval == "" {
		c.Monitor.TickInterval = "1s"
	}
	if c.Monitor.RefreshInterval == "" {
		c.Monitor.RefreshInterval = "60s"
	}
	if c.Monitor.FlushInterval == "" {
		c.Monitor.FlushInterval = "60s"
	}
	if c.Monitor.OfflineThreshold == "" {
		c.Monitor.OfflineThreshold = "180s"
	}
	if c.Firewall.NftPath == "" {
		c.Firewall.NftPath = "nft"
	}
	if c.Firewall.RulesDir == "" {
		c.Firewall.RulesDir = os.TempDir()
	}
	if c.Notify.Timeout == "" {
		c.Notify.Timeout = "10s"
	}
}

// Validate checks if the server configuration is valid.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.AdminToken == "" {
		return fmt.Errorf("admin_token is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	prefix, err := netip.ParsePrefix(c.MeshCIDR)
	if err != nil {
		return fmt.Errorf("invalid mesh_cidr: %w", err)
	}
	if !prefix.Addr().Is4() {
		return fmt.Errorf("mesh_cidr must be an IPv4 prefix")
	}
	if prefix.Bits() > 30 {
		return fmt.Errorf("mesh_cidr /%d leaves no room for peers", prefix.Bits())
	}
	if strings.ContainsAny(c.WireGuard.Interface, " \t\n/") {
		return fmt.Errorf("invalid wireguard.interface %q", c.WireGuard.Interface)
	}

	if c.Logging.LokiURL != "" {
		u, err := url.Parse(c.Logging.LokiURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("logging.loki_url must be an http or https URL")
		}
	}

	durations := map[string]string{
		"monitor.tick_interval":     c.Monitor.TickInterval,
		"monitor.refresh_interval":  c.Monitor.RefreshInterval,
		"monitor.flush_interval":    c.Monitor.FlushInterval,
		"monitor.offline_threshold": c.Monitor.OfflineThreshold,
		"notify.timeout":            c.Notify.Timeout,
	}
	for name, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// MeshPrefix returns the parsed mesh subnet, masked to its network address.
// Call Validate first.
func (c *ServerConfig) MeshPrefix() netip.Prefix {
	prefix, _ := netip.ParsePrefix(c.MeshCIDR)
	return prefix.Masked()
}

// TickIntervalDuration returns the monitor tick interval.
func (c *MonitorConfig) TickIntervalDuration() time.Duration {
	return mustDuration(c.TickInterval, time.Second)
}

// RefreshIntervalDuration returns the peer cache staleness window.
func (c *MonitorConfig) RefreshIntervalDuration() time.Duration {
	return mustDuration(c.RefreshInterval, time.Minute)
}

// FlushIntervalDuration returns how often usage is written to the ledger.
func (c *MonitorConfig) FlushIntervalDuration() time.Duration {
	return mustDuration(c.FlushInterval, time.Minute)
}

// OfflineThresholdDuration returns the handshake age after which a peer is offline.
func (c *MonitorConfig) OfflineThresholdDuration() time.Duration {
	return mustDuration(c.OfflineThreshold, 3*time.Minute)
}

// TimeoutDuration returns the webhook request timeout.
func (c *NotifyConfig) TimeoutDuration() time.Duration {
	return mustDuration(c.Timeout, 10*time.Second)
}

func mustDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Agent tunnel modes.
const (
	TunnelWGQuick = "wg-quick" // write <config_dir>/<interface>.conf and run wg-quick
	TunnelKernel  = "kernel"   // configure an existing interface through netlink
)

// AgentConfig holds configuration for an agent joining a hub.
type AgentConfig struct {
	Hub               string `yaml:"hub"`                // Hub base URL, e.g. https://hub.example.com
	SetupToken        string `yaml:"setup_token"`        // One-time token; not needed once the key is bound
	Interface         string `yaml:"interface"`          // Tunnel interface (default: "wg0")
	KeyPath           string `yaml:"key_path"`           // Private key file (default: <config_dir>/<interface>.key)
	ConfigDir         string `yaml:"config_dir"`         // wg-quick config directory (default: /etc/wireguard)
	Tunnel            string `yaml:"tunnel"`             // "wg-quick" (default) or "kernel"
	WGQuickPath       string `yaml:"wg_quick_path"`      // default: "wg-quick"
	IPPath            string `yaml:"ip_path"`            // default: "ip", kernel mode only
	ReconnectInterval string `yaml:"reconnect_interval"` // default: "5m"
}

// LoadAgentConfig loads agent configuration from a YAML file.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &AgentConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func (c *AgentConfig) ApplyDefaults() {
	if c.Interface == "" {
		c.Interface = "wg0"
	}
	if c.ConfigDir == "" {
		c.ConfigDir = "/etc/wireguard"
	}
	if c.KeyPath == "" {
		c.KeyPath = filepath.Join(c.ConfigDir, c.Interface+".key")
	}
	if c.Tunnel == "" {
		c.Tunnel = TunnelWGQuick
	}
	if c.WGQuickPath == "" {
		c.WGQuickPath = "wg-quick"
	}
	if c.IPPath == "" {
		c.IPPath = "ip"
	}
	if c.ReconnectInterval == "" {
		c.ReconnectInterval = "5m"
	}
	c.Hub = strings.TrimRight(c.Hub, "/")
}

// Validate checks if the agent configuration is valid.
func (c *AgentConfig) Validate() error {
	if c.Hub == "" {
		return fmt.Errorf("hub URL is required")
	}
	u, err := url.Parse(c.Hub)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("hub must be an http or https URL")
	}
	if c.Interface == "" || strings.ContainsAny(c.Interface, " \t\n/") {
		return fmt.Errorf("invalid interface %q", c.Interface)
	}
	if c.Tunnel != TunnelWGQuick && c.Tunnel != TunnelKernel {
		return fmt.Errorf("tunnel must be %q or %q", TunnelWGQuick, TunnelKernel)
	}
	d, err := time.ParseDuration(c.ReconnectInterval)
	if err != nil {
		return fmt.Errorf("invalid reconnect_interval: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("reconnect_interval must be positive")
	}
	return nil
}

// ReconnectIntervalDuration returns how often the agent re-attaches to the hub.
func (c *AgentConfig) ReconnectIntervalDuration() time.Duration {
	return mustDuration(c.ReconnectInterval, 5*time.Minute)
}
