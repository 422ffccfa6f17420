// Package proto defines the JSON messages exchanged with agents and the admin API.
package proto

// ConnectRequest is sent by an agent to activate or re-attach itself to the hub.
type ConnectRequest struct {
	SetupToken string `json:"setupToken"`
	PublicKey  string `json:"publicKey"`
}

// ForwardInfo describes one port forward owned by a peer.
type ForwardInfo struct {
	Protocol    string `json:"protocol"`
	PublicPort  int    `json:"publicPort"`
	PrivatePort int    `json:"privatePort"`
}

// ConnectResponse is returned after a successful activation or reconnect.
type ConnectResponse struct {
	Success         bool          `json:"success"`
	PeerID          string        `json:"peerId"`
	AssignedAddress string        `json:"assignedAddress"`
	HubPublicKey    string        `json:"hubPublicKey"`
	HubEndpoint     string        `json:"hubEndpoint"`
	Forwards        []ForwardInfo `json:"forwards"`
	MeshCIDR        string        `json:"meshCidr,omitempty"` // routed through the agent's tunnel
}

// PeerStats is the live view of one peer emitted on every monitor tick.
type PeerStats struct {
	RX            uint64 `json:"rx"`
	TX            uint64 `json:"tx"`
	LastHandshake int64  `json:"lastHandshakeEpoch"` // epoch seconds
	Online        bool   `json:"online"`
}

// StatsSnapshot maps peer id to its live stats.
type StatsSnapshot map[uint]PeerStats

// Peer is the admin view of a mesh endpoint. The setup token is only
// returned once, when a pending agent is created.
type Peer struct {
	ID        uint   `json:"id"`
	Name      string `json:"name"`
	Address   string `json:"address"`
	PublicKey string `json:"publicKey,omitempty"`
	Status    string `json:"status"`
	Kind      string `json:"kind"`
}

// CreatePeerRequest creates a pending agent or a ready-to-use device.
type CreatePeerRequest struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"` // optional, auto-assigned when empty
	Kind    string `json:"kind,omitempty"`    // "agent" (default) or "device"
}

// CreatePeerResponse carries the one-time secrets for a new peer.
type CreatePeerResponse struct {
	Peer       Peer   `json:"peer"`
	SetupToken string `json:"setupToken,omitempty"` // agents only
	PrivateKey string `json:"privateKey,omitempty"` // devices only
	Config     string `json:"config,omitempty"`     // devices only
	QRCode     string `json:"qrCode,omitempty"`     // devices only, PNG data URL
}

// Forward is the admin view of a port forward joined with its peer.
type Forward struct {
	ID          uint   `json:"id"`
	PeerID      uint   `json:"peerId"`
	PeerName    string `json:"peerName"`
	PeerAddress string `json:"peerAddress"`
	Protocol    string `json:"protocol"`
	PublicPort  int    `json:"publicPort"`
	PrivatePort int    `json:"privatePort"`
}

// CreateForwardRequest creates a new port forward.
type CreateForwardRequest struct {
	PeerID      uint   `json:"peerId"`
	Protocol    string `json:"protocol"`
	PublicPort  int    `json:"publicPort"`
	PrivatePort int    `json:"privatePort"`
}

// UsageBucket is one hourly or monthly ledger row.
type UsageBucket struct {
	Period string `json:"period"` // RFC3339 hour start or YYYY-MM
	RX     uint64 `json:"rx"`
	TX     uint64 `json:"tx"`
}

// UsageHistoryResponse returns a peer's recent ledger, oldest first.
type UsageHistoryResponse struct {
	PeerID  uint          `json:"peerId"`
	Hourly  []UsageBucket `json:"hourly"`
	Monthly []UsageBucket `json:"monthly"`
}

// RulesResponse returns the generated ruleset without applying it.
type RulesResponse struct {
	Rules string `json:"rules"`
}

// ApplyResponse reports the outcome of loading the ruleset.
type ApplyResponse struct {
	Applied bool   `json:"applied"`
	Message string `json:"message,omitempty"`
}

// Settings holds the hub settings editable through the admin API.
type Settings struct {
	ServerPublicKey  *string `json:"serverPublicKey,omitempty"`
	ServerEndpoint   *string `json:"serverEndpoint,omitempty"`
	MatrixWebhookURL *string `json:"matrixWebhookUrl,omitempty"`
}

// InterfaceStatus reports whether the tunnel interface can be queried.
type InterfaceStatus struct {
	Interface string `json:"interface"`
	Up        bool   `json:"up"`
	PublicKey string `json:"publicKey,omitempty"`
	Peers     int    `json:"peers"`
	Error     string `json:"error,omitempty"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}
