package wireguard

import (
	"net/netip"
	"sync"
)

// Fake is an in-memory Driver, Remover and Inspector for tests.
type Fake struct {
	mu       sync.Mutex
	samples  []Sample
	peers    map[string]netip.Prefix
	queryErr error
	addErr   error
	adds     int
	key      string
}

// NewFake returns an empty fake driver.
func NewFake() *Fake {
	return &Fake{peers: make(map[string]netip.Prefix)}
}

// SetSamples sets what the next QueryPeers returns.
func (f *Fake) SetSamples(samples ...Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append([]Sample(nil), samples...)
}

// SetQueryError makes QueryPeers fail with err until cleared with nil.
func (f *Fake) SetQueryError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryErr = err
}

// SetAddError makes AddPeer fail with err until cleared with nil.
func (f *Fake) SetAddError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addErr = err
}

// QueryPeers implements Driver.
func (f *Fake) QueryPeers() ([]Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return append([]Sample(nil), f.samples...), nil
}

// AddPeer implements Driver.
func (f *Fake) AddPeer(publicKey string, allowed netip.Prefix) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adds++
	if f.addErr != nil {
		return f.addErr
	}
	f.peers[publicKey] = allowed
	return nil
}

// RemovePeer implements Remover.
func (f *Fake) RemovePeer(publicKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.peers, publicKey)
	return nil
}

// SetPublicKey sets the key reported by PublicKey and Status.
func (f *Fake) SetPublicKey(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.key = key
}

// PublicKey implements Inspector.
func (f *Fake) PublicKey() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return "", f.queryErr
	}
	return f.key, nil
}

// Status implements Inspector.
func (f *Fake) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return Status{Error: f.queryErr.Error()}
	}
	return Status{Up: true, PublicKey: f.key, Peers: len(f.peers)}
}

// Peers returns a copy of the registered peers.
func (f *Fake) Peers() map[string]netip.Prefix {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]netip.Prefix, len(f.peers))
	for k, v := range f.peers {
		out[k] = v
	}
	return out
}

// AddCalls returns how many times AddPeer was called.
func (f *Fake) AddCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adds
}
