// Package bridge carries envelopes between controllers. It owns one
// external endpoint on the local bus: anything addressed to that endpoint
// is framed and written to the link, and every well-formed inbound frame is
// re-dispatched locally with its original sender identity. The bus core
// never sees the wire; encoding happens entirely at this boundary.
package bridge

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ecbus-go/codec"
	"ecbus-go/comms"
	"ecbus-go/errcode"
)

// StateTopic carries link state transitions: [state byte].
const StateTopic = comms.Topic("bridge/state")

// Link states.
const (
	StateIdle byte = iota
	StateUp
	StateDegraded
)

// -----------------------------------------------------------------------------
// Transport registry
// -----------------------------------------------------------------------------

// Transport is a pluggable link dialler/owner. Platform code injects the
// real UART/TCP dial; tests hand in pipes.
type Transport interface {
	Open(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

type transportFactory func() (Transport, error)

var (
	regMu    sync.RWMutex
	registry = map[string]transportFactory{}
)

// RegisterTransport allows external packages to add transports (eg. "uart",
// "tcp"). Registration happens in init functions, before any bridge runs.
func RegisterTransport(name string, f transportFactory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = f
}

// NewTransport instantiates a registered transport by name.
func NewTransport(name string) (Transport, error) {
	regMu.RLock()
	f, ok := registry[name]
	regMu.RUnlock()
	if !ok {
		return nil, &errcode.E{C: errcode.NotFound, Op: "bridge.NewTransport", Msg: "unknown transport " + name}
	}
	return f()
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

// Config fixes the link parameters at construction.
type Config struct {
	// MaxFrame bounds decoded payloads; usually the broker's frame size.
	MaxFrame int
	// PingEvery is the keepalive period on an established link.
	PingEvery time.Duration
	// BackoffMin/Max bound the reconnect delay.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.PingEvery <= 0 {
		c.PingEvery = 5 * time.Second
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 250 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = 5 * time.Second
	}
	return c
}

// Service owns one link.
type Service struct {
	port *comms.Port
	tr   Transport
	cfg  Config
	cdc  codec.Codec
	log  *slog.Logger

	session string // this side's session id, sent in the hello frame
}

func New(port *comms.Port, tr Transport, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Service{
		port:    port,
		tr:      tr,
		cfg:     cfg,
		cdc:     codec.Codec{MaxFrame: cfg.MaxFrame},
		log:     log.With("service", "bridge"),
		session: uuid.NewString(),
	}
}

// Run supervises the link until ctx ends, reconnecting with backoff.
func (s *Service) Run(ctx context.Context) error {
	backoff := backoffSeq(s.cfg.BackoffMin, s.cfg.BackoffMax)
	s.publishState(StateIdle)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		rwc, err := s.tr.Open(ctx)
		if err != nil {
			delay := backoff()
			s.log.Warn("dial failed", "transport", s.tr.String(), "retry_in", delay, "err", err)
			s.publishState(StateDegraded)
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}

		s.publishState(StateUp)
		s.log.Info("link established", "transport", s.tr.String(), "session", s.session)
		err = s.handleLink(ctx, rwc)
		_ = rwc.Close()
		if ctx.Err() != nil {
			return nil
		}
		delay := backoff()
		s.log.Warn("link lost", "retry_in", delay, "err", err)
		s.publishState(StateDegraded)
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// handleLink owns one established link lifetime.
func (s *Service) handleLink(ctx context.Context, rwc io.ReadWriteCloser) error {
	rd := newFramedReader(rwc)

	var wrMu sync.Mutex // writer shared by the pump loop and the ping tick
	wr := newFramedWriter(rwc)
	write := func(f frame) error {
		wrMu.Lock()
		defer wrMu.Unlock()
		return wr.writeFrame(f)
	}

	linkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Inbound: decode and re-dispatch locally. Started before our hello so
	// a peer's hello write never blocks against ours on a synchronous pipe.
	errCh := make(chan error, 1)
	go func() {
		defer cancel()
		errCh <- s.readLoop(linkCtx, rd, write)
	}()

	if err := write(frame{typ: frameHello, payload: []byte(s.session)}); err != nil {
		return err
	}

	// Outbound: drain our mailbox onto the wire.
	go func() {
		for {
			env, err := s.port.Receive(linkCtx)
			if err != nil {
				return
			}
			data, err := s.cdc.Encode(env)
			if err != nil {
				s.log.Warn("encode failed, envelope dropped", "err", err)
				continue
			}
			if err := write(frame{typ: frameEnvelope, payload: data}); err != nil {
				cancel()
				return
			}
		}
	}()

	tick := time.NewTicker(s.cfg.PingEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = write(frame{typ: frameClose})
			return nil
		case err := <-errCh:
			return err
		case <-tick.C:
			if err := write(frame{typ: framePing}); err != nil {
				return err
			}
		}
	}
}

func (s *Service) readLoop(ctx context.Context, rd *framedReader, write func(frame) error) error {
	sawHello := false
	for {
		f, err := rd.readFrame()
		if err != nil {
			return err
		}
		switch f.typ {
		case frameHello:
			sawHello = true
			s.log.Info("peer hello", "peer_session", string(f.payload))
		case frameEnvelope:
			if !sawHello {
				return &errcode.E{C: errcode.MalformedEnvelope, Op: "bridge.read", Msg: "envelope before hello"}
			}
			env, err := s.cdc.Decode(f.payload)
			if err != nil {
				// A malformed frame is reported and skipped; it is never
				// coerced into a valid envelope.
				s.log.Warn("malformed inbound frame dropped", "err", err)
				continue
			}
			if err := s.port.Forward(ctx, env); err != nil {
				s.log.Warn("inbound dispatch failed", "to", env.To.String(), "err", err)
			}
		case framePing:
			if err := write(frame{typ: framePong}); err != nil {
				return err
			}
		case framePong:
			// Keepalive only.
		case frameClose:
			return io.EOF
		default:
			s.log.Debug("unknown frame type ignored", "type", f.typ)
		}
	}
}

func (s *Service) publishState(state byte) {
	if _, err := s.port.Publish(StateTopic, comms.KindEvent, []byte{state}); err != nil {
		s.log.Debug("state publish dropped", "err", err)
	}
}

// -----------------------------------------------------------------------------
// Utilities
// -----------------------------------------------------------------------------

func backoffSeq(min, max time.Duration) func() time.Duration {
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
