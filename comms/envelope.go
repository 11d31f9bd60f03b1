package comms

import "ecbus-go/errcode"

// -----------------------------------------------------------------------------
// Message kinds
// -----------------------------------------------------------------------------

// Kind is the closed set of message type tags. Receivers match on it;
// capability masks are indexed by it. New kinds append, never renumber.
type Kind uint8

const (
	KindNone Kind = iota
	KindCommand
	KindStatus
	KindEvent
	KindReply
	KindConfig
	KindFirmware
	KindDebug

	numKinds
)

// KindValid reports whether k is a known tag.
func KindValid(k Kind) bool { return k > KindNone && k < numKinds }

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindStatus:
		return "status"
	case KindEvent:
		return "event"
	case KindReply:
		return "reply"
	case KindConfig:
		return "config"
	case KindFirmware:
		return "firmware"
	case KindDebug:
		return "debug"
	}
	return "none"
}

// ParseKind resolves the textual form used in topology files.
func ParseKind(s string) (Kind, error) {
	for k := KindCommand; k < numKinds; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return KindNone, &errcode.E{C: errcode.InvalidParams, Op: "comms.ParseKind", Msg: "unknown kind " + s}
}

// -----------------------------------------------------------------------------
// Envelopes
// -----------------------------------------------------------------------------

// Topic is a broadcast fan-out destination.
type Topic string

// CorrID pairs a request envelope with its reply. Zero means uncorrelated.
// IDs are unique among one sender's in-flight requests only.
type CorrID uint32

// Envelope is the unit of transfer. Exactly one of To and Topic is set.
// Payload bytes are shared between broadcast copies and must be treated as
// read-only by receivers.
type Envelope struct {
	From     EndpointID
	To       EndpointID
	Topic    Topic
	Kind     Kind
	Corr     CorrID
	Priority uint8
	Payload  []byte
}

// Broadcast reports whether the envelope targets a topic.
func (e *Envelope) Broadcast() bool { return e.Topic != "" }

// checkFrame rejects payloads beyond the fixed frame limit. Oversized
// payloads are refused outright, never truncated.
func checkFrame(payload []byte, maxFrame int) error {
	if len(payload) > maxFrame {
		return &errcode.E{C: errcode.InvalidPayload, Op: "comms.send", Msg: "payload exceeds frame limit"}
	}
	return nil
}
