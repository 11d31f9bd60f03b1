package comms

import (
	"sync"

	"ecbus-go/errcode"
)

// correlator pairs outgoing requests with their replies. The table is a
// fixed array of slots shared by all senders; claim and resolve are each a
// single short critical section. A slot's reply channel is allocated once
// at construction and reused, so steady-state operation allocates nothing.
type correlator struct {
	mu    sync.Mutex
	slots []corrSlot
	// per-sender monotonic id counters; same fixed sizing as the registry
	senders []corrSender
	nsend   int
}

type corrSlot struct {
	inUse    bool
	resolved bool
	sender   EndpointID
	corr     CorrID
	reply    chan Envelope // cap 1
}

type corrSender struct {
	id   EndpointID
	next CorrID
}

func newCorrelator(slots, maxSenders int) *correlator {
	c := &correlator{
		slots:   make([]corrSlot, slots),
		senders: make([]corrSender, maxSenders),
	}
	for i := range c.slots {
		c.slots[i].reply = make(chan Envelope, 1)
	}
	return c
}

// nextID returns the sender's next correlation id, skipping zero and any id
// still live in the table. Wraparound is therefore safe: a numeric reuse can
// only happen once the prior entry has resolved, and it names a distinct,
// freshly registered entry.
func (c *correlator) nextID(sender EndpointID) CorrID {
	var s *corrSender
	for i := 0; i < c.nsend; i++ {
		if c.senders[i].id == sender {
			s = &c.senders[i]
			break
		}
	}
	if s == nil {
		// Sender table is sized to the registry, which bounds senders.
		c.senders[c.nsend] = corrSender{id: sender}
		s = &c.senders[c.nsend]
		c.nsend++
	}
	for {
		s.next++
		if s.next == 0 {
			continue
		}
		live := false
		for i := range c.slots {
			if c.slots[i].inUse && c.slots[i].sender == sender && c.slots[i].corr == s.next {
				live = true
				break
			}
		}
		if !live {
			return s.next
		}
	}
}

// claim reserves a slot for a new outstanding request. maxOutstanding is
// the per-sender budget; Busy tells the caller to resolve something first.
func (c *correlator) claim(sender EndpointID, maxOutstanding int) (*corrSlot, CorrID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	outstanding := 0
	var free *corrSlot
	for i := range c.slots {
		if c.slots[i].inUse {
			if c.slots[i].sender == sender {
				outstanding++
			}
		} else if free == nil {
			free = &c.slots[i]
		}
	}
	if outstanding >= maxOutstanding {
		return nil, 0, errcode.Busy
	}
	if free == nil {
		return nil, 0, &errcode.E{C: errcode.CapacityExhausted, Op: "correlator.claim", Msg: "no free correlation slots"}
	}
	corr := c.nextID(sender)
	free.inUse = true
	free.resolved = false
	free.sender = sender
	free.corr = corr
	return free, corr, nil
}

// resolve matches a reply envelope to its waiter. Exactly-once: the first
// matching reply wins the slot under the lock; anything after that reports
// false and the caller drops the envelope as stale. The waiter, not the
// resolver, frees the slot, so the id cannot be reissued while a reply is
// still parked in the channel.
func (c *correlator) resolve(env Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		s := &c.slots[i]
		if s.inUse && !s.resolved && s.sender == env.To && s.corr == env.Corr {
			s.resolved = true
			s.reply <- env // cap 1, guaranteed empty
			return true
		}
	}
	return false
}

// release frees a slot after its waiter has consumed the outcome.
func (c *correlator) release(s *corrSlot) {
	c.mu.Lock()
	select {
	case <-s.reply:
	default:
	}
	s.inUse = false
	s.resolved = false
	c.mu.Unlock()
}

// abandon ends a wait on timeout or cancellation. If a reply squeaked in
// between the waiter's select and this call, the reply wins and is returned;
// otherwise the slot is freed and a late reply will be dropped as stale.
func (c *correlator) abandon(s *corrSlot, cause errcode.Code) (Envelope, error) {
	c.mu.Lock()
	select {
	case env := <-s.reply:
		s.inUse = false
		s.resolved = false
		c.mu.Unlock()
		return env, nil
	default:
	}
	s.inUse = false
	s.resolved = false
	c.mu.Unlock()
	return Envelope{}, cause
}
