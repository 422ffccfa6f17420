// Package policy turns stored port forwards into an nftables ruleset and
// loads it into the kernel.
package policy

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wgingress/wgingress/internal/store"
)

// nftables hook priorities (dstnat, srcnat, filter).
const (
	priorityDstNAT = -100
	prioritySrcNAT = 100
	priorityFilter = 0
)

// ForwardSource lists forwards joined with their peers.
type ForwardSource interface {
	ListForwards(ctx context.Context) ([]store.ForwardRow, error)
}

// Ruleset is a synthesized script.
type Ruleset struct {
	Text    string
	Rules   int // forwards included
	Skipped int // rows rejected by validation
}

// Synthesizer builds the hub's firewall policy.
type Synthesizer struct {
	mesh netip.Prefix
	now  func() time.Time
}

// NewSynthesizer creates a synthesizer for the given mesh subnet.
func NewSynthesizer(mesh netip.Prefix) (*Synthesizer, error) {
	if !mesh.IsValid() || !mesh.Addr().Is4() {
		return nil, errors.New("mesh subnet must be an IPv4 prefix")
	}
	return &Synthesizer{mesh: mesh.Masked(), now: time.Now}, nil
}

// Generate reads the forwards from src and synthesizes a ruleset. Only a
// failure to read the store is an error; invalid rows are skipped.
func (s *Synthesizer) Generate(ctx context.Context, src ForwardSource) (*Ruleset, error) {
	rows, err := src.ListForwards(ctx)
	if err != nil {
		return nil, fmt.Errorf("load forwards: %w", err)
	}
	rs := s.Synthesize(rows)
	return &rs, nil
}

// Synthesize builds a default-deny ruleset exposing each valid forward.
// Apart from the timestamp comment the output depends only on rows.
func (s *Synthesizer) Synthesize(rows []store.ForwardRow) Ruleset {
	valid := make([]store.ForwardRow, 0, len(rows))
	skipped := 0
	for _, r := range rows {
		if err := ValidateForward(r.Protocol, r.PublicPort, r.PrivatePort, r.PeerAddress); err != nil {
			skipped++
			metrics().SkippedRows.Inc()
			log.Warn().Err(err).Uint("forward_id", r.ID).Uint("peer_id", r.PeerID).Msg("skipping invalid forward")
			continue
		}
		valid = append(valid, r)
	}

	sort.Slice(valid, func(i, j int) bool {
		a, b := valid[i], valid[j]
		if a.Protocol != b.Protocol {
			return a.Protocol < b.Protocol
		}
		if a.PublicPort != b.PublicPort {
			return a.PublicPort < b.PublicPort
		}
		return a.ID < b.ID
	})

	mesh := s.mesh.String()
	sb := newScriptBuilder()
	sb.AddLine("#!/usr/sbin/nft -f")
	sb.AddLine("# wgingress generated ruleset, do not edit")
	sb.AddLine("# generated at " + s.now().UTC().Format(time.RFC3339))
	sb.AddLine("flush ruleset")

	sb.AddTable("ip", "nat")
	sb.AddChain("ip", "nat", "prerouting", "nat", "prerouting", priorityDstNAT, "accept")
	sb.AddChain("ip", "nat", "postrouting", "nat", "postrouting", prioritySrcNAT, "accept")
	sb.AddTable("ip", "filter")
	sb.AddChain("ip", "filter", "forward", "filter", "forward", priorityFilter, "drop")

	sb.AddRule("ip", "filter", "forward", "ct state established,related accept")

	included := 0
	seen := make(map[string]bool, len(valid))
	for _, f := range valid {
		key := fmt.Sprintf("%s/%d", f.Protocol, f.PublicPort)
		if seen[key] {
			skipped++
			metrics().SkippedRows.Inc()
			log.Warn().Uint("forward_id", f.ID).Str("port", key).Msg("skipping duplicate public port")
			continue
		}
		seen[key] = true
		included++

		sb.AddRule("ip", "nat", "prerouting",
			fmt.Sprintf("%s dport %d dnat to %s:%d comment \"forward %d\"",
				f.Protocol, f.PublicPort, f.PeerAddress, f.PrivatePort, f.ID))
		sb.AddRule("ip", "filter", "forward",
			fmt.Sprintf("ip daddr %s %s dport %d accept comment \"forward %d\"",
				f.PeerAddress, f.Protocol, f.PrivatePort, f.ID))
	}

	sb.AddRule("ip", "nat", "postrouting", fmt.Sprintf("ip daddr %s masquerade", mesh))
	sb.AddRule("ip", "filter", "forward", fmt.Sprintf("ip daddr %s drop", mesh))

	return Ruleset{Text: sb.Build(), Rules: included, Skipped: skipped}
}
