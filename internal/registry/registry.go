// Package registry tracks the peers a process knows about and assigns GUIDs.
package registry

import (
	crand "crypto/rand"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/1ureka/peermesh/internal/conntable"
	"github.com/1ureka/peermesh/internal/protocol"
)

// DefaultCapacity is the number of peers a registry holds when unconfigured.
const DefaultCapacity = 32

var ErrRegistryFull = errors.New("registry: peer capacity exceeded")

// Entry is one known remote peer. DialerConn and ListenerConn are the
// connections reaching that peer through each role's table; zero means none.
type Entry struct {
	GUID         protocol.GUID
	DialerConn   conntable.ConnID
	ListenerConn conntable.ConnID
}

// Registry is safe for concurrent use: both role loops update it.
// Entries are never deleted.
type Registry struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	rng      *rand.Rand

	local    protocol.GUID
	hasLocal bool
}

// New creates an empty registry. A nil rng is replaced by a ChaCha8 generator
// seeded from crypto/rand.
func New(capacity int, rng *rand.Rand) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if rng == nil {
		rng = newSeededRand()
	}
	return &Registry{capacity: capacity, rng: rng}
}

func newSeededRand() *rand.Rand {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(fmt.Sprintf("registry: seeding rng: %v", err))
	}
	return rand.New(rand.NewChaCha8(seed))
}

// LocalGUID returns this process's GUID and whether it has one yet.
func (r *Registry) LocalGUID() (protocol.GUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local, r.hasLocal
}

// SetLocalGUID records this process's GUID.
func (r *Registry) SetLocalGUID(g protocol.GUID) {
	r.mu.Lock()
	r.local = g
	r.hasLocal = true
	r.mu.Unlock()
}

// GenerateGUID draws a uniform GUID in [0, MaxGUID], resampling while it
// collides with a known peer or the local GUID.
func (r *Registry) GenerateGUID() protocol.GUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		g := protocol.GUID(r.rng.Uint32N(uint32(protocol.MaxGUID) + 1))
		if r.hasLocal && g == r.local {
			continue
		}
		if r.indexByGUID(g) >= 0 {
			continue
		}
		return g
	}
}

// Upsert inserts e, or replaces the entry with the same GUID. Zero connection
// fields of an existing entry are kept.
func (r *Registry) Upsert(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i := r.indexByGUID(e.GUID); i >= 0 {
		cur := &r.entries[i]
		if e.DialerConn != 0 {
			cur.DialerConn = e.DialerConn
		}
		if e.ListenerConn != 0 {
			cur.ListenerConn = e.ListenerConn
		}
		return nil
	}

	if len(r.entries) >= r.capacity {
		return fmt.Errorf("%w: %d peers", ErrRegistryFull, r.capacity)
	}
	r.entries = append(r.entries, e)
	return nil
}

// AttachDialer binds a dialer-table connection to guid, creating the entry if needed.
func (r *Registry) AttachDialer(guid protocol.GUID, conn conntable.ConnID) error {
	return r.Upsert(Entry{GUID: guid, DialerConn: conn})
}

// AttachListener binds a listener-table connection to guid, creating the entry if needed.
func (r *Registry) AttachListener(guid protocol.GUID, conn conntable.ConnID) error {
	return r.Upsert(Entry{GUID: guid, ListenerConn: conn})
}

func (r *Registry) FindByGUID(g protocol.GUID) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexByGUID(g); i >= 0 {
		return r.entries[i], true
	}
	return Entry{}, false
}

func (r *Registry) FindByDialerConn(conn conntable.ConnID) (Entry, bool) {
	return r.find(func(e Entry) bool { return conn != 0 && e.DialerConn == conn })
}

func (r *Registry) FindByListenerConn(conn conntable.ConnID) (Entry, bool) {
	return r.find(func(e Entry) bool { return conn != 0 && e.ListenerConn == conn })
}

// Entries returns a copy of every known peer in insertion order.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) Capacity() int { return r.capacity }

func (r *Registry) find(match func(Entry) bool) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if match(e) {
			return e, true
		}
	}
	return Entry{}, false
}

// must be called with mu held
func (r *Registry) indexByGUID(g protocol.GUID) int {
	for i, e := range r.entries {
		if e.GUID == g {
			return i
		}
	}
	return -1
}
