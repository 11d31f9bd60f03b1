// Package codec applies a self-describing binary encoding to envelopes
// crossing a physical transport boundary. The bus core never interprets
// payload bytes; this package is the pluggable boundary collaborator.
package codec

import (
	"github.com/fxamacker/cbor/v2"

	"ecbus-go/comms"
	"ecbus-go/errcode"
)

// wireEnvelope is the on-the-wire shape. Integer keys keep frames compact
// on slow links; field numbers are part of the inter-controller contract.
type wireEnvelope struct {
	From     uint16 `cbor:"1,keyasint"`
	To       uint16 `cbor:"2,keyasint,omitempty"`
	Topic    string `cbor:"3,keyasint,omitempty"`
	Kind     uint8  `cbor:"4,keyasint"`
	Corr     uint32 `cbor:"5,keyasint,omitempty"`
	Priority uint8  `cbor:"6,keyasint,omitempty"`
	Payload  []byte `cbor:"7,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{IndefLength: cbor.IndefLengthForbidden}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Codec frames envelopes for one link. MaxFrame bounds decoded payloads the
// same way the broker bounds locally built ones.
type Codec struct {
	MaxFrame int
}

// Encode serializes env into a self-describing frame.
func (c Codec) Encode(env comms.Envelope) ([]byte, error) {
	if c.MaxFrame > 0 && len(env.Payload) > c.MaxFrame {
		return nil, &errcode.E{C: errcode.InvalidPayload, Op: "codec.Encode", Msg: "payload exceeds frame limit"}
	}
	w := wireEnvelope{
		From:     env.From.Wire(),
		To:       env.To.Wire(),
		Topic:    string(env.Topic),
		Kind:     uint8(env.Kind),
		Corr:     uint32(env.Corr),
		Priority: env.Priority,
	}
	w.Payload = env.Payload
	out, err := encMode.Marshal(w)
	if err != nil {
		return nil, &errcode.E{C: errcode.Error, Op: "codec.Encode", Err: err}
	}
	return out, nil
}

// Decode parses a frame back into an envelope. Any decode failure or
// post-decode invariant violation (invalid identity, unknown kind,
// oversized payload) surfaces MalformedEnvelope; a bad frame is never
// coerced into a valid envelope.
func (c Codec) Decode(data []byte) (comms.Envelope, error) {
	var w wireEnvelope
	if err := decMode.Unmarshal(data, &w); err != nil {
		return comms.Envelope{}, &errcode.E{C: errcode.MalformedEnvelope, Op: "codec.Decode", Err: err}
	}
	env := comms.Envelope{
		From:     comms.EndpointFromWire(w.From),
		To:       comms.EndpointFromWire(w.To),
		Topic:    comms.Topic(w.Topic),
		Kind:     comms.Kind(w.Kind),
		Corr:     comms.CorrID(w.Corr),
		Priority: w.Priority,
	}
	env.Payload = w.Payload
	if !env.From.Valid() {
		return comms.Envelope{}, &errcode.E{C: errcode.MalformedEnvelope, Op: "codec.Decode", Msg: "invalid sender identity"}
	}
	if env.Topic == "" && !env.To.Valid() {
		return comms.Envelope{}, &errcode.E{C: errcode.MalformedEnvelope, Op: "codec.Decode", Msg: "invalid destination"}
	}
	if !comms.KindValid(env.Kind) {
		return comms.Envelope{}, &errcode.E{C: errcode.MalformedEnvelope, Op: "codec.Decode", Msg: "unknown message kind"}
	}
	if c.MaxFrame > 0 && len(env.Payload) > c.MaxFrame {
		return comms.Envelope{}, &errcode.E{C: errcode.MalformedEnvelope, Op: "codec.Decode", Msg: "payload exceeds frame limit"}
	}
	return env, nil
}
