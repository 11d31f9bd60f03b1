package comms

import (
	"context"
	"sync"

	"ecbus-go/errcode"
)

// Mailbox is a bounded FIFO of envelopes with one consuming owner and many
// producers. The ring is a fixed window carved from the broker's arena; a
// full mailbox is a steady-state outcome, never a trigger to grow.
//
// The mutex guards only the head/count bookkeeping and the slot copy, so
// the critical section stays a small constant regardless of what producers
// or the consumer do with the message afterwards.
type Mailbox struct {
	owner EndpointID

	mu    sync.Mutex
	ring  []Envelope
	head  int
	count int

	// Capacity-1 edge signals. A producer parks on hasRoom, the owner parks
	// on hasData; both re-check under the lock after waking, so a stolen
	// token costs a retry, never a lost message.
	hasData chan struct{}
	hasRoom chan struct{}
}

func newMailbox(owner EndpointID, ring []Envelope) *Mailbox {
	return &Mailbox{
		owner:   owner,
		ring:    ring,
		hasData: make(chan struct{}, 1),
		hasRoom: make(chan struct{}, 1),
	}
}

// Owner returns the identity of the single consuming service.
func (m *Mailbox) Owner() EndpointID { return m.owner }

// Cap returns the fixed capacity.
func (m *Mailbox) Cap() int { return len(m.ring) }

// Len returns the current queue depth.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	n := m.count
	m.mu.Unlock()
	return n
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// push inserts at the tail. spare reports whether free slots remain after
// the insert.
func (m *Mailbox) push(env Envelope) (spare bool, err error) {
	m.mu.Lock()
	if m.count == len(m.ring) {
		m.mu.Unlock()
		return false, errcode.Full
	}
	m.ring[(m.head+m.count)%len(m.ring)] = env
	m.count++
	spare = m.count < len(m.ring)
	m.mu.Unlock()
	signal(m.hasData)
	return spare, nil
}

// TrySend inserts at the tail without blocking. A saturated mailbox yields
// Full; nothing is dropped or overwritten.
func (m *Mailbox) TrySend(env Envelope) error {
	_, err := m.push(env)
	return err
}

// Send inserts at the tail, waiting for free capacity if needed. This is
// the back-pressure path: producer progress is tied to the owner's draining
// rate. Context cancellation surfaces as Cancelled.
func (m *Mailbox) Send(ctx context.Context, env Envelope) error {
	for {
		spare, err := m.push(env)
		if err == nil {
			if spare {
				// One token can stand for several freed slots when the owner
				// drains faster than parked producers wake. Hand it on so no
				// producer stays parked against free capacity.
				signal(m.hasRoom)
			}
			return nil
		}
		select {
		case <-m.hasRoom:
			// Room was freed; it may already be taken again, so loop.
		case <-ctx.Done():
			return errcode.Cancelled
		}
	}
}

// TryReceive removes the head envelope without blocking.
// Only the owning service's task may call the receive side.
func (m *Mailbox) TryReceive() (Envelope, bool) {
	m.mu.Lock()
	if m.count == 0 {
		m.mu.Unlock()
		return Envelope{}, false
	}
	env := m.ring[m.head]
	m.ring[m.head] = Envelope{} // drop payload reference
	m.head = (m.head + 1) % len(m.ring)
	m.count--
	m.mu.Unlock()
	signal(m.hasRoom)
	return env, true
}

// Receive removes and returns the head envelope, waiting for one if the
// mailbox is empty. Strict per-mailbox FIFO.
func (m *Mailbox) Receive(ctx context.Context) (Envelope, error) {
	for {
		if env, ok := m.TryReceive(); ok {
			return env, nil
		}
		select {
		case <-m.hasData:
		case <-ctx.Done():
			return Envelope{}, errcode.Cancelled
		}
	}
}
