package store

import "time"

// Peer status values.
const (
	StatusPending = "pending"
	StatusActive  = "active"
)

// Peer kinds. Agents self-register with a setup token; devices are created
// active with a hub-generated key.
const (
	KindAgent  = "agent"
	KindDevice = "device"
)

// Setting keys.
const (
	SettingServerPublicKey  = "server_public_key"
	SettingServerEndpoint   = "server_endpoint"
	SettingMatrixWebhookURL = "matrix_webhook_url"
)

// Peer is a mesh endpoint with a fixed tunnel address.
type Peer struct {
	ID         uint    `gorm:"primaryKey"`
	Name       string  `gorm:"not null"`
	Address    string  `gorm:"not null;uniqueIndex"`
	PublicKey  *string `gorm:"uniqueIndex"`
	SetupToken *string `gorm:"uniqueIndex"`
	Status     string  `gorm:"not null;default:pending;index"`
	Kind       string  `gorm:"not null;default:agent"`
	CreatedAt  time.Time
}

// Key returns the stored public key or "" when the peer has not activated.
func (p *Peer) Key() string {
	if p.PublicKey == nil {
		return ""
	}
	return *p.PublicKey
}

// Forward exposes PublicPort on the hub as PrivatePort on the peer.
type Forward struct {
	ID          uint   `gorm:"primaryKey"`
	PeerID      uint   `gorm:"not null;index"`
	Protocol    string `gorm:"not null;uniqueIndex:idx_forward_proto_port"`
	PublicPort  int    `gorm:"not null;uniqueIndex:idx_forward_proto_port"`
	PrivatePort int    `gorm:"not null"`
	CreatedAt   time.Time
}

// ForwardRow is a forward joined with its peer's name and address.
type ForwardRow struct {
	ID          uint
	PeerID      uint
	Protocol    string
	PublicPort  int
	PrivatePort int
	PeerName    string
	PeerAddress string
}

// Setting is a key/value hub setting.
type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string `gorm:"not null"`
}

// HourlyUsage accumulates a peer's traffic for one UTC hour.
type HourlyUsage struct {
	ID        uint   `gorm:"primaryKey"`
	PeerID    uint   `gorm:"not null;uniqueIndex:idx_hourly_peer_hour"`
	HourStart int64  `gorm:"not null;uniqueIndex:idx_hourly_peer_hour"` // epoch seconds
	RX        uint64 `gorm:"column:rx;not null;default:0"`
	TX        uint64 `gorm:"column:tx;not null;default:0"`
}

// TableName implements gorm's tabler.
func (HourlyUsage) TableName() string { return "peer_usage_hourly" }

// MonthlyUsage accumulates a peer's traffic for one UTC calendar month.
type MonthlyUsage struct {
	ID     uint   `gorm:"primaryKey"`
	PeerID uint   `gorm:"not null;uniqueIndex:idx_monthly_peer_month"`
	Month  string `gorm:"not null;uniqueIndex:idx_monthly_peer_month"` // YYYY-MM
	RX     uint64 `gorm:"column:rx;not null;default:0"`
	TX     uint64 `gorm:"column:tx;not null;default:0"`
}

// TableName implements gorm's tabler.
func (MonthlyUsage) TableName() string { return "peer_usage_monthly" }

// HourKey returns the hourly bucket key for t.
func HourKey(t time.Time) int64 {
	return t.UTC().Truncate(time.Hour).Unix()
}

// MonthKey returns the monthly bucket key for t.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
