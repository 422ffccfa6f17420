package agent

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/wgingress/wgingress/internal/wireguard"
	"github.com/wgingress/wgingress/pkg/proto"
)

// ErrHubNotConfigured means the hub answered without a public key, so no
// tunnel can be built yet.
var ErrHubNotConfigured = errors.New("hub public key is not configured")

// Settings is the agent's side of the tunnel.
type Settings struct {
	PrivateKey  string
	Address     string // assigned tunnel address
	HubKey      string
	HubEndpoint string
	AllowedIPs  string // routed to the hub
}

// settingsFrom builds tunnel settings from a connect response. Hubs that do
// not report their mesh subnet are reached through their .1 address only.
func settingsFrom(privateKey string, resp *proto.ConnectResponse) (Settings, error) {
	if resp.HubPublicKey == "" {
		return Settings{}, ErrHubNotConfigured
	}
	addr, err := netip.ParseAddr(resp.AssignedAddress)
	if err != nil || !addr.Is4() {
		return Settings{}, fmt.Errorf("hub assigned an invalid address %q", resp.AssignedAddress)
	}

	allowed := resp.MeshCIDR
	if allowed == "" {
		hub := netip.PrefixFrom(addr, 24).Masked().Addr().Next()
		allowed = netip.PrefixFrom(hub, 32).String()
	} else if _, err := netip.ParsePrefix(allowed); err != nil {
		return Settings{}, fmt.Errorf("hub reported an invalid mesh subnet %q", allowed)
	}

	return Settings{
		PrivateKey:  privateKey,
		Address:     addr.String(),
		HubKey:      resp.HubPublicKey,
		HubEndpoint: resp.HubEndpoint,
		AllowedIPs:  allowed,
	}, nil
}

// Tunnel brings the agent's interface up and down.
type Tunnel interface {
	Up(ctx context.Context, s Settings) error
	Down(ctx context.Context) error
}

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func runCommand(ctx context.Context, run Runner, name string, args ...string) error {
	out, err := run(ctx, name, args...)
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
}

// WGQuick writes a wg-quick config file and (re)starts the interface with it.
type WGQuick struct {
	iface   string
	dir     string
	wgQuick string
	run     Runner
}

// NewWGQuick creates a wg-quick tunnel for iface with its config in dir.
func NewWGQuick(iface, dir, wgQuickPath string) *WGQuick {
	if wgQuickPath == "" {
		wgQuickPath = "wg-quick"
	}
	return &WGQuick{iface: iface, dir: dir, wgQuick: wgQuickPath, run: execRunner}
}

// WithRunner replaces the command runner.
func (q *WGQuick) WithRunner(run Runner) *WGQuick {
	q.run = run
	return q
}

// ConfigPath returns the config file wg-quick is pointed at.
func (q *WGQuick) ConfigPath() string {
	return filepath.Join(q.dir, q.iface+".conf")
}

// Up implements Tunnel.
func (q *WGQuick) Up(ctx context.Context, s Settings) error {
	text := wireguard.GenerateClientConfig(wireguard.ClientConfigParams{
		ClientPrivateKey: s.PrivateKey,
		ClientAddress:    s.Address,
		ServerPublicKey:  s.HubKey,
		ServerEndpoint:   s.HubEndpoint,
		MeshCIDR:         s.AllowedIPs,
	})
	if err := q.writeConfig(text); err != nil {
		return err
	}

	// an interface left over from a previous run is replaced
	if err := runCommand(ctx, q.run, q.wgQuick, "down", q.ConfigPath()); err != nil {
		log.Debug().Err(err).Msg("wg-quick down before up")
	}
	return runCommand(ctx, q.run, q.wgQuick, "up", q.ConfigPath())
}

// Down implements Tunnel.
func (q *WGQuick) Down(ctx context.Context) error {
	return runCommand(ctx, q.run, q.wgQuick, "down", q.ConfigPath())
}

// writeConfig replaces the config file through a private temp file so the
// private key is never readable by others.
func (q *WGQuick) writeConfig(text string) error {
	if err := os.MkdirAll(q.dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.CreateTemp(q.dir, "."+q.iface+"-*.conf")
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if err := f.Chmod(0600); err != nil {
		_ = f.Close()
		return fmt.Errorf("chmod config file: %w", err)
	}
	if _, err := f.WriteString(text); err != nil {
		_ = f.Close()
		return fmt.Errorf("write config file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close config file: %w", err)
	}
	if err := os.Rename(tmp, q.ConfigPath()); err != nil {
		return fmt.Errorf("install config file: %w", err)
	}
	return nil
}

// Device is the netlink view of an existing WireGuard interface.
type Device interface {
	Name() string
	SetPrivateKey(privateKey string) error
	AddPeerWithEndpoint(publicKey, endpoint string, allowed netip.Prefix) error
	RemovePeer(publicKey string) error
}

// Kernel configures an interface that was created out of band (for example
// by systemd-networkd): key and hub peer through wgctrl, address and route
// through ip.
type Kernel struct {
	dev    Device
	ipPath string
	run    Runner
	hubKey string
}

// NewKernel creates a tunnel on dev.
func NewKernel(dev Device, ipPath string) *Kernel {
	if ipPath == "" {
		ipPath = "ip"
	}
	return &Kernel{dev: dev, ipPath: ipPath, run: execRunner}
}

// WithRunner replaces the command runner.
func (k *Kernel) WithRunner(run Runner) *Kernel {
	k.run = run
	return k
}

// Up implements Tunnel.
func (k *Kernel) Up(ctx context.Context, s Settings) error {
	allowed, err := netip.ParsePrefix(s.AllowedIPs)
	if err != nil {
		return fmt.Errorf("parse allowed IPs: %w", err)
	}

	if err := k.dev.SetPrivateKey(s.PrivateKey); err != nil {
		return err
	}
	if k.hubKey != "" && k.hubKey != s.HubKey {
		if err := k.dev.RemovePeer(k.hubKey); err != nil {
			log.Warn().Err(err).Msg("failed to remove previous hub peer")
		}
	}
	if err := k.dev.AddPeerWithEndpoint(s.HubKey, s.HubEndpoint, allowed); err != nil {
		return err
	}
	k.hubKey = s.HubKey

	name := k.dev.Name()
	steps := [][]string{
		{"address", "flush", "dev", name},
		{"address", "add", s.Address + "/32", "dev", name},
		{"link", "set", "up", "dev", name},
		{"route", "replace", allowed.Masked().String(), "dev", name},
	}
	for _, args := range steps {
		if err := runCommand(ctx, k.run, k.ipPath, args...); err != nil {
			return err
		}
	}
	return nil
}

// Down implements Tunnel. The interface itself is left in place.
func (k *Kernel) Down(ctx context.Context) error {
	if k.hubKey != "" {
		if err := k.dev.RemovePeer(k.hubKey); err != nil {
			return err
		}
		k.hubKey = ""
	}
	return runCommand(ctx, k.run, k.ipPath, "link", "set", "down", "dev", k.dev.Name())
}
