package comms

import (
	"sync"
	"sync/atomic"

	"ecbus-go/errcode"
)

// registry maps endpoint identities to mailboxes. Entries are added only
// while the broker is Initializing; freeze makes the table immutable, after
// which lookups take no lock. Entry slots come from a fixed array and are
// never removed individually.
type registry struct {
	mu      sync.Mutex
	entries []regEntry
	n       int
	frozen  atomic.Bool
}

type regEntry struct {
	id   EndpointID
	mbox *Mailbox
	caps CapMask
}

func newRegistry(maxEndpoints int) *registry {
	return &registry{entries: make([]regEntry, maxEndpoints)}
}

// register reserves an identity. Registration is single-threaded at boot by
// contract; the lock is kept anyway because it is off the hot path and lets
// tests boot topologies concurrently.
func (r *registry) register(id EndpointID, mbox *Mailbox, caps CapMask) error {
	if !id.Valid() {
		return &errcode.E{C: errcode.InvalidParams, Op: "registry.register", Msg: "invalid endpoint id"}
	}
	if r.frozen.Load() {
		return errcode.RegistryClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.n; i++ {
		if r.entries[i].id == id {
			return &errcode.E{C: errcode.DuplicateIdentity, Op: "registry.register", Msg: id.String()}
		}
	}
	if r.n == len(r.entries) {
		return &errcode.E{C: errcode.CapacityExhausted, Op: "registry.register", Msg: "no free registry slots"}
	}
	r.entries[r.n] = regEntry{id: id, mbox: mbox, caps: caps}
	r.n++
	return nil
}

// lookup resolves an identity to its mailbox. Lock-free once frozen: the
// freeze store publishes all prior writes, and nothing mutates afterwards.
// The table is small and fixed, so a linear scan is the whole cost.
func (r *registry) lookup(id EndpointID) (*Mailbox, error) {
	if r.frozen.Load() {
		for i := range r.entries[:r.n] {
			if r.entries[i].id == id {
				return r.entries[i].mbox, nil
			}
		}
		return nil, errcode.NotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.n; i++ {
		if r.entries[i].id == id {
			return r.entries[i].mbox, nil
		}
	}
	return nil, errcode.NotFound
}

// capsOf returns the capability mask recorded at registration.
func (r *registry) capsOf(id EndpointID) (CapMask, error) {
	if !r.frozen.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	for i := 0; i < r.n; i++ {
		if r.entries[i].id == id {
			return r.entries[i].caps, nil
		}
	}
	return 0, errcode.NotFound
}

// each visits every entry. Init-phase/frozen use only.
func (r *registry) each(fn func(id EndpointID, caps CapMask)) {
	for i := 0; i < r.n; i++ {
		fn(r.entries[i].id, r.entries[i].caps)
	}
}

func (r *registry) freeze() { r.frozen.Store(true) }
