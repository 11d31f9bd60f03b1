package comms

import (
	"log/slog"
	"sync/atomic"
	"time"

	"ecbus-go/errcode"
	"ecbus-go/x/mathx"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config fixes every capacity at construction. Nothing here is runtime
// tunable; exhausting any of these is a reported error, never a silent
// reallocation.
type Config struct {
	// MaxEndpoints bounds registry entries (and therefore request senders).
	MaxEndpoints int
	// MaxTopics and MaxSubscribers bound the broadcast tables.
	MaxTopics      int
	MaxSubscribers int // per topic
	// ArenaSlots is the total envelope storage shared by all mailboxes.
	ArenaSlots int
	// CorrelationSlots bounds outstanding requests across all senders;
	// MaxOutstanding bounds them per sender.
	CorrelationSlots int
	MaxOutstanding   int
	// MaxFrameSize bounds envelope payloads, in bytes.
	MaxFrameSize int
	// DefaultDeadline applies to Request when the caller sets none.
	DefaultDeadline time.Duration

	Logger *slog.Logger
}

// DefaultConfig is a small topology suitable for selftests.
func DefaultConfig() Config {
	return Config{
		MaxEndpoints:     8,
		MaxTopics:        8,
		MaxSubscribers:   8,
		ArenaSlots:       64,
		CorrelationSlots: 16,
		MaxOutstanding:   4,
		MaxFrameSize:     256,
		DefaultDeadline:  time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	c.MaxEndpoints = mathx.Clamp(pick(c.MaxEndpoints, d.MaxEndpoints), 1, 255)
	c.MaxTopics = mathx.Clamp(pick(c.MaxTopics, d.MaxTopics), 1, 255)
	c.MaxSubscribers = mathx.Clamp(pick(c.MaxSubscribers, d.MaxSubscribers), 1, 255)
	c.ArenaSlots = mathx.Max(pick(c.ArenaSlots, d.ArenaSlots), 1)
	c.CorrelationSlots = mathx.Max(pick(c.CorrelationSlots, d.CorrelationSlots), 1)
	c.MaxOutstanding = mathx.Clamp(pick(c.MaxOutstanding, d.MaxOutstanding), 1, c.CorrelationSlots)
	c.MaxFrameSize = mathx.Max(pick(c.MaxFrameSize, d.MaxFrameSize), 1)
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = d.DefaultDeadline
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func pick(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// -----------------------------------------------------------------------------
// Lifecycle phases
// -----------------------------------------------------------------------------

// Phase is the broker lifecycle state. The only transition is
// Initializing -> Running; a full reset is a fresh New, not a transition.
type Phase uint32

const (
	Initializing Phase = iota
	Running
)

func (p Phase) String() string {
	if p == Running {
		return "running"
	}
	return "initializing"
}

// -----------------------------------------------------------------------------
// Broker
// -----------------------------------------------------------------------------

// Broker is the service registry and message bus. Subsystems register
// during Initializing, FinalizeTopology seals the tables, and from then on
// every interaction is an envelope. Brokers are instances: tests get a
// fresh bus with New, there is no package-level state to reset.
type Broker struct {
	cfg    Config
	arena  *Arena
	reg    *registry
	topics *topicTable
	corr   *correlator
	rt     router
	phase  atomic.Uint32
	log    *slog.Logger
}

// New builds a broker with all storage allocated up front.
func New(cfg Config) *Broker {
	cfg = cfg.withDefaults()
	b := &Broker{
		cfg:    cfg,
		arena:  newArena(cfg.ArenaSlots),
		reg:    newRegistry(cfg.MaxEndpoints),
		topics: newTopicTable(cfg.MaxTopics, cfg.MaxSubscribers),
		corr:   newCorrelator(cfg.CorrelationSlots, cfg.MaxEndpoints),
		log:    cfg.Logger,
	}
	b.rt = router{reg: b.reg, topics: b.topics, corr: b.corr, log: b.log}
	return b
}

// Phase returns the current lifecycle phase.
func (b *Broker) Phase() Phase { return Phase(b.phase.Load()) }

// Running reports whether the topology has been finalized.
func (b *Broker) Running() bool { return b.Phase() == Running }

// Config returns the fixed capacities the broker was built with.
func (b *Broker) Config() Config { return b.cfg }

// Register reserves an identity and carves its mailbox from the arena.
// Initializing phase only; afterwards it fails with RegistryClosed. The
// first registration of an identity stays valid when a duplicate is
// rejected.
func (b *Broker) Register(id EndpointID, capacity int, caps CapMask) (*Port, error) {
	if b.Running() {
		return nil, errcode.RegistryClosed
	}
	ring, err := b.arena.carve(capacity)
	if err != nil {
		return nil, err
	}
	mbox := newMailbox(id, ring)
	if err := b.reg.register(id, mbox, caps); err != nil {
		// The carved ring is intentionally not reclaimed: arena reservations
		// are permanent and a failed boot is rebuilt from scratch anyway.
		return nil, err
	}
	return &Port{broker: b, id: id, mbox: mbox}, nil
}

// DeclareTopic creates a broadcast topic. Endpoints whose capability masks
// intersect kinds are subscribed implicitly at FinalizeTopology.
func (b *Broker) DeclareTopic(topic Topic, kinds CapMask) error {
	if b.Running() {
		return errcode.RegistryClosed
	}
	return b.topics.declare(topic, kinds)
}

// Subscribe adds an explicit subscription. Initializing phase only.
func (b *Broker) Subscribe(topic Topic, id EndpointID) error {
	if b.Running() {
		return errcode.RegistryClosed
	}
	if _, err := b.reg.lookup(id); err != nil {
		return err
	}
	return b.topics.subscribe(topic, id)
}

// Lookup reports the capability mask of a registered identity. Callable in
// any phase; lock-free once Running.
func (b *Broker) Lookup(id EndpointID) (CapMask, error) {
	return b.reg.capsOf(id)
}

// FinalizeTopology transitions to Running. Capability-implied subscriptions
// are resolved, then the registry and subscriber lists become immutable and
// lock-free-readable. Idempotent calls after the first fail closed.
func (b *Broker) FinalizeTopology() error {
	if b.Running() {
		return errcode.RegistryClosed
	}
	if err := b.topics.freeze(b.reg); err != nil {
		// Inconsistent static topology: the caller must treat this as a
		// fatal boot error, not proceed with an undersized system.
		return err
	}
	b.reg.freeze()
	b.phase.Store(uint32(Running))
	b.log.Info("topology finalized",
		"endpoints", b.reg.n, "topics", b.topics.n, "arena_free", b.arena.Free())
	return nil
}
