package wireguard

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// DefaultMTU is written into generated client configs.
const DefaultMTU = 1420

// ClientConfigParams contains the parameters for generating a device config.
type ClientConfigParams struct {
	ClientPrivateKey string // Device's WireGuard private key (base64)
	ClientAddress    string // Device's tunnel address
	ServerPublicKey  string // Hub's WireGuard public key (base64)
	ServerEndpoint   string // Hub's public endpoint (host:port)
	MeshCIDR         string // Routed through the tunnel
	MTU              int
}

// Validate validates the client config parameters.
func (p *ClientConfigParams) Validate() error {
	if p.ClientPrivateKey == "" {
		return errors.New("client private key is required")
	}
	if p.ClientAddress == "" {
		return errors.New("client address is required")
	}
	if p.ServerPublicKey == "" {
		return errors.New("server public key is required")
	}
	if p.MeshCIDR == "" {
		return errors.New("mesh CIDR is required")
	}
	return nil
}

// GenerateClientConfig renders a wg-quick configuration for a device.
func GenerateClientConfig(params ClientConfigParams) string {
	var sb strings.Builder

	sb.WriteString("[Interface]\n")
	sb.WriteString(fmt.Sprintf("PrivateKey = %s\n", params.ClientPrivateKey))
	sb.WriteString(fmt.Sprintf("Address = %s/32\n", params.ClientAddress))

	mtu := params.MTU
	if mtu == 0 {
		mtu = DefaultMTU
	}
	sb.WriteString(fmt.Sprintf("MTU = %d\n", mtu))

	sb.WriteString("\n[Peer]\n")
	sb.WriteString(fmt.Sprintf("PublicKey = %s\n", params.ServerPublicKey))
	if params.ServerEndpoint != "" {
		sb.WriteString(fmt.Sprintf("Endpoint = %s\n", params.ServerEndpoint))
	}
	sb.WriteString(fmt.Sprintf("AllowedIPs = %s\n", params.MeshCIDR))

	// Devices usually sit behind NAT
	sb.WriteString("PersistentKeepalive = 25\n")

	return sb.String()
}

// GenerateQRCodeDataURL encodes content as a PNG QR code data URL.
func GenerateQRCodeDataURL(content string, size int) (string, error) {
	if content == "" {
		return "", fmt.Errorf("content cannot be empty")
	}

	png, err := qrcode.Encode(content, qrcode.Medium, size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// GenerateKeyPair returns a new base64 private/public key pair.
func GenerateKeyPair() (privateKey, publicKey string, err error) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate private key: %w", err)
	}
	return key.String(), key.PublicKey().String(), nil
}

// ValidPublicKey reports whether s is a well-formed base64 WireGuard key.
func ValidPublicKey(s string) bool {
	_, err := wgtypes.ParseKey(s)
	return err == nil
}
