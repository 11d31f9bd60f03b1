package comms

import (
	"sync"
	"sync/atomic"

	"ecbus-go/errcode"
)

// topicTable holds the broadcast topics and their subscriber lists. Like
// the registry it is writable only while Initializing and frozen for the
// rest of the run, so publish-time snapshots are just reads of the fixed
// lists.
type topicTable struct {
	mu     sync.Mutex
	topics []topicEntry
	n      int
	frozen atomic.Bool
}

type topicEntry struct {
	name  Topic
	kinds CapMask // kinds that imply subscription by capability
	subs  []EndpointID
	nsubs int
}

func newTopicTable(maxTopics, maxSubscribers int) *topicTable {
	t := &topicTable{topics: make([]topicEntry, maxTopics)}
	for i := range t.topics {
		t.topics[i].subs = make([]EndpointID, maxSubscribers)
	}
	return t
}

func (t *topicTable) find(name Topic) *topicEntry {
	for i := 0; i < t.n; i++ {
		if t.topics[i].name == name {
			return &t.topics[i]
		}
	}
	return nil
}

// declare creates a topic, optionally with a kind mask: at finalize, every
// endpoint whose capabilities intersect the mask is subscribed implicitly.
// Declaring an existing topic ORs the masks.
func (t *topicTable) declare(name Topic, kinds CapMask) error {
	if name == "" {
		return &errcode.E{C: errcode.InvalidParams, Op: "topics.declare", Msg: "empty topic"}
	}
	if t.frozen.Load() {
		return errcode.RegistryClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.find(name); e != nil {
		e.kinds |= kinds
		return nil
	}
	if t.n == len(t.topics) {
		return &errcode.E{C: errcode.CapacityExhausted, Op: "topics.declare", Msg: "no free topic slots"}
	}
	t.topics[t.n].name = name
	t.topics[t.n].kinds = kinds
	t.topics[t.n].nsubs = 0
	t.n++
	return nil
}

// subscribe adds id to the topic's list, declaring the topic if needed.
// Subscribing twice is a no-op.
func (t *topicTable) subscribe(name Topic, id EndpointID) error {
	if t.frozen.Load() {
		return errcode.RegistryClosed
	}
	if err := t.declare(name, 0); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.find(name)
	for i := 0; i < e.nsubs; i++ {
		if e.subs[i] == id {
			return nil
		}
	}
	if e.nsubs == len(e.subs) {
		return &errcode.E{C: errcode.CapacityExhausted, Op: "topics.subscribe", Msg: "no free subscriber slots on " + string(name)}
	}
	e.subs[e.nsubs] = id
	e.nsubs++
	return nil
}

// snapshot returns the subscriber list as of now. After freeze the list is
// immutable, so the backing slice itself is the snapshot; before freeze a
// publish sees whatever was subscribed at call time, which is the contract.
// Unknown topics have zero subscribers, which is not an error.
func (t *topicTable) snapshot(name Topic) []EndpointID {
	if !t.frozen.Load() {
		t.mu.Lock()
		defer t.mu.Unlock()
	}
	e := t.find(name)
	if e == nil {
		return nil
	}
	return e.subs[:e.nsubs]
}

// freeze resolves capability-implied subscriptions against the registry and
// then seals the table.
func (t *topicTable) freeze(reg *registry) error {
	t.mu.Lock()
	for i := 0; i < t.n; i++ {
		e := &t.topics[i]
		if e.kinds == 0 {
			continue
		}
		var err error
		reg.each(func(id EndpointID, caps CapMask) {
			if err != nil || !caps.Intersects(e.kinds) {
				return
			}
			for j := 0; j < e.nsubs; j++ {
				if e.subs[j] == id {
					return
				}
			}
			if e.nsubs == len(e.subs) {
				err = &errcode.E{C: errcode.CapacityExhausted, Op: "topics.freeze", Msg: "no free subscriber slots on " + string(e.name)}
				return
			}
			e.subs[e.nsubs] = id
			e.nsubs++
		})
		if err != nil {
			t.mu.Unlock()
			return err
		}
	}
	t.mu.Unlock()
	t.frozen.Store(true)
	return nil
}
