// Package store persists peers, forwards, settings and the usage ledger in sqlite.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when a peer or forward does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique constraint would be violated.
	ErrDuplicate = errors.New("already exists")
	// ErrAddressExhausted is returned when the mesh subnet has no free host.
	ErrAddressExhausted = errors.New("no available addresses in mesh subnet")
)

// Store is the hub's configuration store.
type Store struct {
	db *gorm.DB
}

// FileDSN builds a sqlite DSN for an on-disk database.
func FileDSN(path string) string {
	return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

// Open opens the database at dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         newLogger(),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	// sqlite has a single writer; serializing here turns lock contention
	// into queueing instead of SQLITE_BUSY errors.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Peer{}, &Forward{}, &Setting{}, &HourlyUsage{}, &MonthlyUsage{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ListPeers returns all peers ordered by id.
func (s *Store) ListPeers(ctx context.Context) ([]Peer, error) {
	var peers []Peer
	if err := s.db.WithContext(ctx).Order("id").Find(&peers).Error; err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	return peers, nil
}

// GetPeer returns the peer with the given id.
func (s *Store) GetPeer(ctx context.Context, id uint) (*Peer, error) {
	var peer Peer
	if err := s.db.WithContext(ctx).First(&peer, id).Error; err != nil {
		return nil, translate("get peer", err)
	}
	return &peer, nil
}

// CreatePeer inserts a new peer.
func (s *Store) CreatePeer(ctx context.Context, peer *Peer) error {
	if err := s.db.WithContext(ctx).Create(peer).Error; err != nil {
		return translate("create peer", err)
	}
	return nil
}

// DeletePeer removes a peer together with its forwards.
func (s *Store) DeletePeer(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("peer_id = ?", id).Delete(&Forward{}).Error; err != nil {
			return fmt.Errorf("delete forwards: %w", err)
		}
		res := tx.Delete(&Peer{}, id)
		if res.Error != nil {
			return fmt.Errorf("delete peer: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// FindPendingByToken returns the pending peer holding setupToken.
func (s *Store) FindPendingByToken(ctx context.Context, setupToken string) (*Peer, error) {
	var peer Peer
	err := s.db.WithContext(ctx).
		Where("setup_token = ? AND status = ?", setupToken, StatusPending).
		First(&peer).Error
	if err != nil {
		return nil, translate("find peer by token", err)
	}
	return &peer, nil
}

// FindByPublicKey returns the peer bound to publicKey.
func (s *Store) FindByPublicKey(ctx context.Context, publicKey string) (*Peer, error) {
	var peer Peer
	if err := s.db.WithContext(ctx).Where("public_key = ?", publicKey).First(&peer).Error; err != nil {
		return nil, translate("find peer by key", err)
	}
	return &peer, nil
}

// ActivatePeer moves a pending peer to active, binding publicKey and
// consuming its setup token, in one conditional UPDATE. It reports false
// when the peer was no longer pending, so concurrent callers holding the
// same token cannot both succeed.
func (s *Store) ActivatePeer(ctx context.Context, id uint, publicKey string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&Peer{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"status":      StatusActive,
			"public_key":  publicKey,
			"setup_token": nil,
		})
	if res.Error != nil {
		return false, translate("activate peer", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// NextFreeAddress returns the lowest unassigned host in prefix, starting
// at the second host (the first is the hub).
func (s *Store) NextFreeAddress(ctx context.Context, prefix netip.Prefix) (netip.Addr, error) {
	var used []string
	if err := s.db.WithContext(ctx).Model(&Peer{}).Pluck("address", &used).Error; err != nil {
		return netip.Addr{}, fmt.Errorf("list addresses: %w", err)
	}
	inUse := make(map[string]bool, len(used))
	for _, a := range used {
		inUse[a] = true
	}

	prefix = prefix.Masked()
	// network, hub (.1), then peers
	addr := prefix.Addr().Next().Next()
	for ; addr.IsValid() && prefix.Contains(addr); addr = addr.Next() {
		if !prefix.Contains(addr.Next()) {
			break // broadcast
		}
		if !inUse[addr.String()] {
			return addr, nil
		}
	}
	return netip.Addr{}, ErrAddressExhausted
}

// ListForwards returns every forward joined with its peer, ordered by id.
func (s *Store) ListForwards(ctx context.Context) ([]ForwardRow, error) {
	var rows []ForwardRow
	err := s.db.WithContext(ctx).
		Table("forwards").
		Select("forwards.id, forwards.peer_id, forwards.protocol, forwards.public_port, " +
			"forwards.private_port, peers.name AS peer_name, peers.address AS peer_address").
		Joins("JOIN peers ON peers.id = forwards.peer_id").
		Order("forwards.id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list forwards: %w", err)
	}
	return rows, nil
}

// ForwardsForPeer returns the forwards owned by a peer.
func (s *Store) ForwardsForPeer(ctx context.Context, peerID uint) ([]Forward, error) {
	var forwards []Forward
	if err := s.db.WithContext(ctx).Where("peer_id = ?", peerID).Order("id").Find(&forwards).Error; err != nil {
		return nil, fmt.Errorf("list peer forwards: %w", err)
	}
	return forwards, nil
}

// CreateForward inserts a forward after checking its peer exists.
func (s *Store) CreateForward(ctx context.Context, fwd *Forward) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Peer{}).Where("id = ?", fwd.PeerID).Count(&count).Error; err != nil {
			return fmt.Errorf("check peer: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}
		if err := tx.Create(fwd).Error; err != nil {
			return translate("create forward", err)
		}
		return nil
	})
}

// DeleteForward removes a forward.
func (s *Store) DeleteForward(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&Forward{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete forward: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Settings returns all settings as a map.
func (s *Store) Settings(ctx context.Context) (map[string]string, error) {
	var rows []Setting
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	settings := make(map[string]string, len(rows))
	for _, r := range rows {
		settings[r.Key] = r.Value
	}
	return settings, nil
}

// SetSetting inserts or replaces a setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).
		Create(&Setting{Key: key, Value: value}).Error
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// AddUsage adds rx/tx to the hourly and monthly buckets containing at.
// Both buckets are updated in one transaction so they never diverge.
func (s *Store) AddUsage(ctx context.Context, peerID uint, at time.Time, rx, tx uint64) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		hourly := HourlyUsage{PeerID: peerID, HourStart: HourKey(at), RX: rx, TX: tx}
		err := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "peer_id"}, {Name: "hour_start"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"rx": gorm.Expr("rx + ?", rx),
				"tx": gorm.Expr("tx + ?", tx),
			}),
		}).Create(&hourly).Error
		if err != nil {
			return fmt.Errorf("upsert hourly usage: %w", err)
		}

		monthly := MonthlyUsage{PeerID: peerID, Month: MonthKey(at), RX: rx, TX: tx}
		err = db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "peer_id"}, {Name: "month"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"rx": gorm.Expr("rx + ?", rx),
				"tx": gorm.Expr("tx + ?", tx),
			}),
		}).Create(&monthly).Error
		if err != nil {
			return fmt.Errorf("upsert monthly usage: %w", err)
		}
		return nil
	})
}

// HourlyUsageFor returns up to limit most recent hourly buckets, oldest first.
func (s *Store) HourlyUsageFor(ctx context.Context, peerID uint, limit int) ([]HourlyUsage, error) {
	var rows []HourlyUsage
	err := s.db.WithContext(ctx).
		Where("peer_id = ?", peerID).
		Order("hour_start DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("hourly usage: %w", err)
	}
	reverse(rows)
	return rows, nil
}

// MonthlyUsageFor returns up to limit most recent monthly buckets, oldest first.
func (s *Store) MonthlyUsageFor(ctx context.Context, peerID uint, limit int) ([]MonthlyUsage, error) {
	var rows []MonthlyUsage
	err := s.db.WithContext(ctx).
		Where("peer_id = ?", peerID).
		Order("month DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("monthly usage: %w", err)
	}
	reverse(rows)
	return rows, nil
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// translate maps driver errors onto the package sentinels.
func translate(op string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
