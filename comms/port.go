package comms

import (
	"context"
	"time"

	"ecbus-go/errcode"
)

// Port is a service's handle on the bus: its identity, its mailbox's
// receive side, and the send/publish/request surface. Exactly one task owns
// a port's receive side; any task may use its send side.
type Port struct {
	broker *Broker
	id     EndpointID
	mbox   *Mailbox
}

// ID returns the owning service's identity.
func (p *Port) ID() EndpointID { return p.id }

// Broker returns the bus the port is attached to.
func (p *Port) Broker() *Broker { return p.broker }

// Receive waits for and removes the head envelope of the owning mailbox.
func (p *Port) Receive(ctx context.Context) (Envelope, error) {
	return p.mbox.Receive(ctx)
}

// TryReceive removes the head envelope if one is queued.
func (p *Port) TryReceive() (Envelope, bool) {
	return p.mbox.TryReceive()
}

// Pending returns the current depth of the owning mailbox.
func (p *Port) Pending() int { return p.mbox.Len() }

// Send enqueues a fire-and-forget envelope without blocking. A saturated
// destination yields Full; the caller decides to retry, drop, or switch to
// SendWait.
func (p *Port) Send(to EndpointID, kind Kind, payload []byte) error {
	env, err := p.build(to, "", kind, payload)
	if err != nil {
		return err
	}
	return p.broker.rt.dispatch(context.Background(), env, false)
}

// SendWait enqueues an envelope, suspending until the destination has free
// capacity. Prefer this for back-pressure-sensitive traffic.
func (p *Port) SendWait(ctx context.Context, to EndpointID, kind Kind, payload []byte) error {
	env, err := p.build(to, "", kind, payload)
	if err != nil {
		return err
	}
	return p.broker.rt.dispatch(ctx, env, true)
}

// Publish fans an envelope out to the topic's current subscribers. Returns
// how many deliveries succeeded and the first per-subscriber error; zero
// subscribers is success. Payload bytes are shared across copies.
func (p *Port) Publish(topic Topic, kind Kind, payload []byte) (int, error) {
	env, err := p.build(EndpointID{}, topic, kind, payload)
	if err != nil {
		return 0, err
	}
	return p.broker.rt.publish(env)
}

// Request sends a correlated request and waits for the reply, the broker's
// default deadline, or ctx cancellation, whichever comes first.
func (p *Port) Request(ctx context.Context, to EndpointID, kind Kind, payload []byte) (Envelope, error) {
	return p.RequestTimeout(ctx, to, kind, payload, p.broker.cfg.DefaultDeadline)
}

// RequestTimeout is Request with an explicit deadline. The deadline bounds
// the whole round trip, the suspending enqueue included: a request to a
// saturated destination that never drains still resolves as Timeout.
// Timeout and Cancelled are ordinary outcomes; either way the correlation
// slot is released and a late reply is dropped as stale. Retry policy
// belongs to the caller.
func (p *Port) RequestTimeout(ctx context.Context, to EndpointID, kind Kind, payload []byte, deadline time.Duration) (Envelope, error) {
	env, err := p.build(to, "", kind, payload)
	if err != nil {
		return Envelope{}, err
	}
	slot, corr, err := p.broker.corr.claim(p.id, p.broker.cfg.MaxOutstanding)
	if err != nil {
		return Envelope{}, err
	}
	env.Corr = corr
	dctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	if err := p.broker.rt.dispatch(dctx, env, true); err != nil {
		p.broker.corr.release(slot)
		if errcode.Of(err) == errcode.Cancelled && ctx.Err() == nil {
			// The deadline, not the caller, ended the enqueue.
			return Envelope{}, errcode.Timeout
		}
		return Envelope{}, err
	}
	select {
	case reply := <-slot.reply:
		p.broker.corr.release(slot)
		return reply, nil
	case <-dctx.Done():
		if ctx.Err() != nil {
			return p.broker.corr.abandon(slot, errcode.Cancelled)
		}
		return p.broker.corr.abandon(slot, errcode.Timeout)
	}
}

// Reply answers a correlated request, preserving its correlation id. It is
// dispatched as a normal envelope and resolved by the sender's correlator;
// replying to an uncorrelated envelope is an error.
func (p *Port) Reply(req Envelope, payload []byte) error {
	if req.Corr == 0 {
		return &errcode.E{C: errcode.InvalidParams, Op: "port.Reply", Msg: "envelope carries no correlation id"}
	}
	if err := checkFrame(payload, p.broker.cfg.MaxFrameSize); err != nil {
		return err
	}
	env := Envelope{
		From:    p.id,
		To:      req.From,
		Kind:    KindReply,
		Corr:    req.Corr,
		Payload: payload,
	}
	return p.broker.rt.dispatch(context.Background(), env, false)
}

// Forward re-dispatches an externally decoded envelope as-is, keeping its
// original sender identity. For transport bridges only.
func (p *Port) Forward(ctx context.Context, env Envelope) error {
	if err := checkFrame(env.Payload, p.broker.cfg.MaxFrameSize); err != nil {
		return err
	}
	if env.Broadcast() {
		_, err := p.broker.rt.publish(env)
		return err
	}
	return p.broker.rt.dispatch(ctx, env, true)
}

func (p *Port) build(to EndpointID, topic Topic, kind Kind, payload []byte) (Envelope, error) {
	if !KindValid(kind) {
		return Envelope{}, &errcode.E{C: errcode.InvalidParams, Op: "port.send", Msg: "invalid message kind"}
	}
	if err := checkFrame(payload, p.broker.cfg.MaxFrameSize); err != nil {
		return Envelope{}, err
	}
	return Envelope{From: p.id, To: to, Topic: topic, Kind: kind, Payload: payload}, nil
}
