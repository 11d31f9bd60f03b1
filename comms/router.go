package comms

import (
	"context"
	"log/slog"

	"ecbus-go/errcode"
)

// router resolves destinations and enqueues envelopes. It owns no state of
// its own; it reads the frozen registry/topic tables and hands replies to
// the correlator.
type router struct {
	reg    *registry
	topics *topicTable
	corr   *correlator
	log    *slog.Logger
}

// dispatch delivers a point-to-point envelope. wait selects the suspending
// send; otherwise a saturated destination yields Full. Reply envelopes
// short-circuit into the correlation table and never hit a mailbox, with one
// exception: an endpoint that declares the reply capability is a proxy for a
// remote requester (a transport bridge) and takes unresolved replies in its
// mailbox. A reply with no waiter and no proxy is stale and is dropped here.
func (r *router) dispatch(ctx context.Context, env Envelope, wait bool) error {
	if env.Kind == KindReply && env.Corr != 0 {
		if r.corr.resolve(env) {
			return nil
		}
		if caps, err := r.reg.capsOf(env.To); err == nil && caps.Has(KindReply) {
			mbox, err := r.reg.lookup(env.To)
			if err == nil {
				if wait {
					return mbox.Send(ctx, env)
				}
				return mbox.TrySend(env)
			}
		}
		r.log.Debug("dropping stale reply",
			"from", env.From.String(), "to", env.To.String(), "corr", uint32(env.Corr))
		return nil
	}
	mbox, err := r.reg.lookup(env.To)
	if err != nil {
		return err
	}
	caps, err := r.reg.capsOf(env.To)
	if err != nil {
		return err
	}
	if !caps.Has(env.Kind) {
		return &errcode.E{C: errcode.Unsupported, Op: "router.dispatch",
			Msg: env.To.String() + " does not accept " + env.Kind.String()}
	}
	if wait {
		return mbox.Send(ctx, env)
	}
	return mbox.TrySend(env)
}

// publish fans an envelope out to the topic's subscribers as of this call.
// Each delivery is an independent non-blocking enqueue: one full subscriber
// never blocks or fails the others. Returns the delivered count and the
// first per-subscriber error, if any; zero subscribers is a normal outcome.
func (r *router) publish(env Envelope) (int, error) {
	subs := r.topics.snapshot(env.Topic)
	delivered := 0
	var firstErr error
	for _, id := range subs {
		mbox, err := r.reg.lookup(id)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		copy := env
		copy.To = id
		if err := mbox.TrySend(copy); err != nil {
			r.log.Debug("broadcast delivery dropped",
				"topic", string(env.Topic), "subscriber", id.String(), "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delivered++
	}
	return delivered, firstErr
}
