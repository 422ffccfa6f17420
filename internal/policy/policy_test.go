package policy

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgingress/wgingress/internal/store"
	"github.com/wgingress/wgingress/testutil"
)

func TestValidateAddress(t *testing.T) {
	valid := []string{"10.8.0.2", "0.0.0.0", "255.255.255.255", "192.168.1.10"}
	for _, a := range valid {
		assert.NoError(t, ValidateAddress(a), a)
	}

	invalid := []string{
		"", "10.8.0", "10.8.0.2.1", "10.8.0.256", "10.8.0.-1", "10.8.0.02",
		"10.8.0.2; flush ruleset", "10.8.0.2 ", " 10.8.0.2", "a.b.c.d",
		"10.8.0.1/24", "::1", "1e1.0.0.1", "10.8.0.2\n",
	}
	for _, a := range invalid {
		err := ValidateAddress(a)
		require.Error(t, err, "%q", a)
		var ve *ValidationError
		assert.True(t, errors.As(err, &ve))
		assert.Equal(t, "address", ve.Field)
	}
}

func TestValidatePortAndProtocol(t *testing.T) {
	assert.NoError(t, ValidatePort("port", 1))
	assert.NoError(t, ValidatePort("port", 65535))
	assert.Error(t, ValidatePort("port", 0))
	assert.Error(t, ValidatePort("port", 65536))
	assert.Error(t, ValidatePort("port", -5))

	assert.NoError(t, ValidateProtocol("tcp"))
	assert.NoError(t, ValidateProtocol("udp"))
	for _, p := range []string{"TCP", "icmp", "", "tcp ", "tcp;", "sctp"} {
		assert.Error(t, ValidateProtocol(p), p)
	}
}

func newSynth(t *testing.T) *Synthesizer {
	t.Helper()
	s, err := NewSynthesizer(netip.MustParsePrefix("10.8.0.0/24"))
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return s
}

func row(id uint, proto string, pub, priv int, addr string) store.ForwardRow {
	return store.ForwardRow{ID: id, PeerID: 1, Protocol: proto, PublicPort: pub, PrivatePort: priv, PeerName: "web", PeerAddress: addr}
}

func TestSynthesize_Shape(t *testing.T) {
	rs := newSynth(t).Synthesize([]store.ForwardRow{
		row(1, "tcp", 443, 8443, "10.8.0.2"),
		row(2, "udp", 51000, 51000, "10.8.0.3"),
	})

	assert.Equal(t, 2, rs.Rules)
	assert.Equal(t, 0, rs.Skipped)

	text := rs.Text
	assert.True(t, strings.HasPrefix(text, "#!/usr/sbin/nft -f\n"))
	assert.Contains(t, text, "# generated at 2026-01-02T03:04:05Z")
	assert.Contains(t, text, "flush ruleset")
	assert.Contains(t, text, "add chain ip filter forward { type filter hook forward priority 0; policy drop; }")
	assert.Contains(t, text, "add rule ip filter forward ct state established,related accept")
	assert.Contains(t, text, `add rule ip nat prerouting tcp dport 443 dnat to 10.8.0.2:8443 comment "forward 1"`)
	assert.Contains(t, text, `add rule ip nat prerouting udp dport 51000 dnat to 10.8.0.3:51000 comment "forward 2"`)
	assert.Contains(t, text, `add rule ip filter forward ip daddr 10.8.0.2 tcp dport 8443 accept comment "forward 1"`)
	assert.Contains(t, text, "add rule ip nat postrouting ip daddr 10.8.0.0/24 masquerade")

	// the mesh drop rule comes after every accept
	lines := strings.Split(strings.TrimSpace(text), "\n")
	assert.Equal(t, "add rule ip filter forward ip daddr 10.8.0.0/24 drop", lines[len(lines)-1])
	assert.Less(t, strings.Index(text, "established,related accept"), strings.Index(text, "tcp dport 8443 accept"))
}

func TestSynthesize_EmptyIsDefaultDeny(t *testing.T) {
	rs := newSynth(t).Synthesize(nil)
	assert.Equal(t, 0, rs.Rules)
	assert.Contains(t, rs.Text, "policy drop;")
	assert.Contains(t, rs.Text, "ip daddr 10.8.0.0/24 drop")
	assert.NotContains(t, rs.Text, "dnat")
}

func TestSynthesize_SkipsInvalidRows(t *testing.T) {
	rows := []store.ForwardRow{
		row(1, "tcp", 80, 8080, "10.8.0.2"),
		row(2, "tcp", 81, 80, "1.2.3.4; flush ruleset"),
		row(3, "tcp", 70000, 80, "10.8.0.2"),
		row(4, "udp", 53, 0, "10.8.0.2"),
		row(5, "icmp", 1, 1, "10.8.0.2"),
		row(6, "tcp", 82, 80, "10.8.0.300"),
		row(7, "tcp dport 22 accept", 83, 80, "10.8.0.2"),
		row(8, "udp", 53, 53, "10.8.0.4"),
	}

	rs := newSynth(t).Synthesize(rows)
	assert.Equal(t, 2, rs.Rules)
	assert.Equal(t, 6, rs.Skipped)

	assert.NotContains(t, rs.Text, "1.2.3.4")
	assert.NotContains(t, rs.Text, "70000")
	assert.NotContains(t, rs.Text, "icmp")
	assert.NotContains(t, rs.Text, "10.8.0.300")
	assert.NotContains(t, rs.Text, "dport 22")
	assert.Equal(t, 1, strings.Count(rs.Text, "flush ruleset"))
	assert.Contains(t, rs.Text, "dnat to 10.8.0.2:8080")
	assert.Contains(t, rs.Text, "dnat to 10.8.0.4:53")
}

func TestSynthesize_NeverEmitsOutOfRangeValues(t *testing.T) {
	var rows []store.ForwardRow
	ports := []int{-1, 0, 1, 80, 65535, 65536, 99999}
	addrs := []string{"10.8.0.2", "10.8.0.256", "300.1.1.1", "10.8.0.255"}
	id := uint(0)
	for _, p := range ports {
		for _, a := range addrs {
			id++
			rows = append(rows, row(id, "tcp", p, p, a))
		}
	}

	rs := newSynth(t).Synthesize(rows)

	octet := regexp.MustCompile(`\b(\d+)\.(\d+)\.(\d+)\.(\d+)\b`)
	for _, m := range octet.FindAllStringSubmatch(rs.Text, -1) {
		for _, o := range m[1:] {
			n, err := strconv.Atoi(o)
			require.NoError(t, err)
			assert.LessOrEqual(t, n, 255, m[0])
		}
	}
	port := regexp.MustCompile(`dport (-?\d+)|:(-?\d+) comment`)
	for _, m := range port.FindAllStringSubmatch(rs.Text, -1) {
		s := m[1]
		if s == "" {
			s = m[2]
		}
		n, err := strconv.Atoi(s)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)
		assert.LessOrEqual(t, n, 65535)
	}
}

func TestSynthesize_Deterministic(t *testing.T) {
	s := newSynth(t)
	a := []store.ForwardRow{
		row(3, "udp", 53, 53, "10.8.0.4"),
		row(1, "tcp", 443, 8443, "10.8.0.2"),
		row(2, "tcp", 80, 8080, "10.8.0.3"),
	}
	b := []store.ForwardRow{a[1], a[2], a[0]}

	assert.Equal(t, s.Synthesize(a).Text, s.Synthesize(b).Text)
	assert.Equal(t, s.Synthesize(a).Text, s.Synthesize(a).Text)
}

func TestSynthesize_DuplicatePublicPort(t *testing.T) {
	rs := newSynth(t).Synthesize([]store.ForwardRow{
		row(2, "tcp", 80, 9000, "10.8.0.3"),
		row(1, "tcp", 80, 8080, "10.8.0.2"),
	})
	assert.Equal(t, 1, rs.Rules)
	assert.Equal(t, 1, rs.Skipped)
	assert.Contains(t, rs.Text, "dnat to 10.8.0.2:8080")
	assert.NotContains(t, rs.Text, "10.8.0.3")
}

type rowSource struct {
	rows []store.ForwardRow
	err  error
}

func (r rowSource) ListForwards(context.Context) ([]store.ForwardRow, error) {
	return r.rows, r.err
}

func TestGenerate(t *testing.T) {
	s := newSynth(t)
	rs, err := s.Generate(context.Background(), rowSource{rows: []store.ForwardRow{row(1, "tcp", 22, 22, "10.8.0.9")}})
	require.NoError(t, err)
	assert.Equal(t, 1, rs.Rules)

	_, err = s.Generate(context.Background(), rowSource{err: errors.New("db closed")})
	assert.Error(t, err)
}

func TestNewSynthesizer_RejectsIPv6(t *testing.T) {
	_, err := NewSynthesizer(netip.MustParsePrefix("fd00::/64"))
	assert.Error(t, err)
}

func TestApplier_Apply(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	var gotName string
	var gotArgs []string
	var gotContent string
	var gotMode os.FileMode
	a := NewApplier("/usr/sbin/nft", dir).WithRunner(func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName = name
		gotArgs = args
		path := args[len(args)-1]
		info, err := os.Lstat(path)
		require.NoError(t, err)
		gotMode = info.Mode().Perm()
		b, err := os.ReadFile(path)
		require.NoError(t, err)
		gotContent = string(b)
		return nil, nil
	})

	require.NoError(t, a.Apply(context.Background(), "flush ruleset\n"))

	assert.Equal(t, "/usr/sbin/nft", gotName)
	require.Len(t, gotArgs, 2)
	assert.Equal(t, "-f", gotArgs[0])
	assert.Equal(t, dir, filepath.Dir(gotArgs[1]))
	assert.True(t, strings.HasPrefix(filepath.Base(gotArgs[1]), "wgingress-"))
	assert.Equal(t, os.FileMode(0600), gotMode)
	assert.Equal(t, "flush ruleset\n", gotContent)

	_, err := os.Stat(gotArgs[1])
	assert.True(t, os.IsNotExist(err), "ruleset file removed after success")
}

func TestApplier_FailureStillRemovesFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	var path string
	a := NewApplier("nft", dir).WithRunner(func(_ context.Context, _ string, args ...string) ([]byte, error) {
		path = args[len(args)-1]
		return []byte("Error: syntax error\n"), errors.New("exit status 1")
	})

	err := a.Apply(context.Background(), "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "syntax error")

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "ruleset file removed after failure")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestApplier_Check(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	var gotArgs []string
	a := NewApplier("", dir).WithRunner(func(_ context.Context, _ string, args ...string) ([]byte, error) {
		gotArgs = args
		return nil, nil
	})

	require.NoError(t, a.Check(context.Background(), "flush ruleset\n"))
	require.Len(t, gotArgs, 3)
	assert.Equal(t, "-c", gotArgs[0])
	assert.Equal(t, "-f", gotArgs[1])
}

func TestApplier_MissingDir(t *testing.T) {
	a := NewApplier("nft", "/nonexistent/wgingress").WithRunner(func(context.Context, string, ...string) ([]byte, error) {
		t.Fatal("runner must not be called")
		return nil, nil
	})
	assert.Error(t, a.Apply(context.Background(), "flush ruleset\n"))
}
