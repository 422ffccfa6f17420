// Package wireguard talks to the hub's kernel WireGuard interface.
package wireguard

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// ErrInterfaceDown is returned when the interface does not exist or cannot be read.
var ErrInterfaceDown = errors.New("wireguard interface unavailable")

// Sample is one peer's live counters at a poll instant.
type Sample struct {
	PublicKey     string
	LastHandshake int64 // epoch seconds, 0 if never
	RX            uint64
	TX            uint64
}

// Driver is the tunnel capability the monitor and connect handshake need.
type Driver interface {
	// QueryPeers returns live counters for every peer on the interface.
	QueryPeers() ([]Sample, error)
	// AddPeer adds or updates a peer, restricting it to allowed.
	AddPeer(publicKey string, allowed netip.Prefix) error
}

// Remover is implemented by drivers that can drop a peer.
type Remover interface {
	RemovePeer(publicKey string) error
}

// Inspector reports on the interface itself.
type Inspector interface {
	Status() Status
	PublicKey() (string, error)
}

// Status describes the interface for the settings page.
type Status struct {
	Up        bool
	PublicKey string
	Peers     int
	Error     string
}

// Interface drives a kernel WireGuard device through wgctrl.
type Interface struct {
	name string

	mu     sync.Mutex
	client *wgctrl.Client
}

// NewInterface returns a driver for the named device. The netlink client is
// opened lazily so the hub can start before the interface exists.
func NewInterface(name string) *Interface {
	return &Interface{name: name}
}

// Name returns the interface name.
func (i *Interface) Name() string { return i.name }

func (i *Interface) device() (*wgtypes.Device, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.client == nil {
		c, err := wgctrl.New()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInterfaceDown, err)
		}
		i.client = c
	}

	dev, err := i.client.Device(i.name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s not found", ErrInterfaceDown, i.name)
		}
		return nil, fmt.Errorf("%w: %v", ErrInterfaceDown, err)
	}
	return dev, nil
}

// QueryPeers implements Driver.
func (i *Interface) QueryPeers() ([]Sample, error) {
	dev, err := i.device()
	if err != nil {
		return nil, err
	}
	return samplesFromDevice(dev), nil
}

func samplesFromDevice(dev *wgtypes.Device) []Sample {
	samples := make([]Sample, 0, len(dev.Peers))
	for _, p := range dev.Peers {
		var hs int64
		if !p.LastHandshakeTime.IsZero() {
			hs = p.LastHandshakeTime.Unix()
		}
		samples = append(samples, Sample{
			PublicKey:     p.PublicKey.String(),
			LastHandshake: hs,
			RX:            uint64(p.ReceiveBytes),
			TX:            uint64(p.TransmitBytes),
		})
	}
	return samples
}

// AddPeer implements Driver. Re-adding an existing key replaces its
// allowed IPs, so the call is idempotent.
func (i *Interface) AddPeer(publicKey string, allowed netip.Prefix) error {
	return i.AddPeerWithEndpoint(publicKey, "", allowed)
}

// AddPeerWithEndpoint adds or updates a peer reachable at endpoint
// (host:port). An empty endpoint leaves the peer to initiate.
func (i *Interface) AddPeerWithEndpoint(publicKey, endpoint string, allowed netip.Prefix) error {
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}
	var udpAddr *net.UDPAddr
	if endpoint != "" {
		udpAddr, err = net.ResolveUDPAddr("udp", endpoint)
		if err != nil {
			return fmt.Errorf("resolve endpoint %s: %w", endpoint, err)
		}
	}
	if _, err := i.device(); err != nil {
		return err
	}

	keepalive := 25 * time.Second
	cfg := wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{
			PublicKey:                   key,
			Endpoint:                    udpAddr,
			ReplaceAllowedIPs:           true,
			AllowedIPs:                  []net.IPNet{prefixToIPNet(allowed)},
			PersistentKeepaliveInterval: &keepalive,
		}},
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.client.ConfigureDevice(i.name, cfg); err != nil {
		return fmt.Errorf("configure %s: %w", i.name, err)
	}
	return nil
}

// SetPrivateKey replaces the interface's own key.
func (i *Interface) SetPrivateKey(privateKey string) error {
	key, err := wgtypes.ParseKey(privateKey)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}
	if _, err := i.device(); err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.client.ConfigureDevice(i.name, wgtypes.Config{PrivateKey: &key}); err != nil {
		return fmt.Errorf("configure %s: %w", i.name, err)
	}
	return nil
}

// RemovePeer implements Remover. Removing an unknown key is not an error.
func (i *Interface) RemovePeer(publicKey string) error {
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}
	if _, err := i.device(); err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	cfg := wgtypes.Config{Peers: []wgtypes.PeerConfig{{PublicKey: key, Remove: true}}}
	if err := i.client.ConfigureDevice(i.name, cfg); err != nil {
		return fmt.Errorf("configure %s: %w", i.name, err)
	}
	return nil
}

// Status reports whether the interface is reachable.
func (i *Interface) Status() Status {
	dev, err := i.device()
	if err != nil {
		return Status{Error: err.Error()}
	}
	return Status{
		Up:        true,
		PublicKey: dev.PublicKey.String(),
		Peers:     len(dev.Peers),
	}
}

// PublicKey returns the interface's own public key.
func (i *Interface) PublicKey() (string, error) {
	dev, err := i.device()
	if err != nil {
		return "", err
	}
	return dev.PublicKey.String(), nil
}

// Close releases the netlink client.
func (i *Interface) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.client == nil {
		return nil
	}
	err := i.client.Close()
	i.client = nil
	return err
}

func prefixToIPNet(p netip.Prefix) net.IPNet {
	addr := p.Addr()
	return net.IPNet{
		IP:   net.IP(addr.AsSlice()),
		Mask: net.CIDRMask(p.Bits(), addr.BitLen()),
	}
}
