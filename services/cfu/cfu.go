// Package cfu orchestrates component firmware updates over the bus. Every
// leg of the exchange is a correlated request with a deadline; retry on
// timeout lives here, in the caller, never in the bus core.
package cfu

import (
	"context"
	"encoding/binary"
	"log/slog"
	"time"

	"ecbus-go/comms"
	"ecbus-go/errcode"
)

// Opcodes (first payload byte of a KindFirmware request).
const (
	OpOffer    byte = 0x01 // offer: [op, version u32]
	OpWrite    byte = 0x02 // write: [op, offset u32, data...]
	OpFinalize byte = 0x03 // finalize: [op, checksum u32]
	OpAbort    byte = 0x04
)

// Offer responses (first byte of the reply payload).
const (
	OfferAccept byte = 0x00
	OfferReject byte = 0x01
	OfferBusy   byte = 0x02
	WriteOK     byte = 0x00
	WriteFailed byte = 0x01
)

// Config bounds one update run.
type Config struct {
	ChunkSize int
	Deadline  time.Duration
	Retries   int // per request leg, on Timeout only
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 32
	}
	if c.Deadline <= 0 {
		c.Deadline = 500 * time.Millisecond
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	return c
}

// Orchestrator drives updates from the firmware endpoint.
type Orchestrator struct {
	port *comms.Port
	cfg  Config
	log  *slog.Logger
}

func New(port *comms.Port, cfg Config, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{port: port, cfg: cfg.withDefaults(), log: log.With("service", "cfu")}
}

// Update offers version to target and, if accepted, streams image in
// chunks and finalizes with a checksum. The target's own processing is
// never interrupted; only our waits are bounded.
func (o *Orchestrator) Update(ctx context.Context, target comms.EndpointID, version uint32, image []byte) error {
	offer := make([]byte, 5)
	offer[0] = OpOffer
	binary.LittleEndian.PutUint32(offer[1:], version)
	reply, err := o.request(ctx, target, offer)
	if err != nil {
		return err
	}
	if len(reply.Payload) < 1 || reply.Payload[0] != OfferAccept {
		o.log.Info("offer declined", "target", target.String(), "version", version)
		return &errcode.E{C: errcode.Busy, Op: "cfu.Update", Msg: "offer not accepted"}
	}

	for off := 0; off < len(image); off += o.cfg.ChunkSize {
		end := off + o.cfg.ChunkSize
		if end > len(image) {
			end = len(image)
		}
		chunk := make([]byte, 5+end-off)
		chunk[0] = OpWrite
		binary.LittleEndian.PutUint32(chunk[1:], uint32(off))
		copy(chunk[5:], image[off:end])
		reply, err = o.request(ctx, target, chunk)
		if err != nil {
			o.abort(target)
			return err
		}
		if len(reply.Payload) < 1 || reply.Payload[0] != WriteOK {
			o.abort(target)
			return &errcode.E{C: errcode.Error, Op: "cfu.Update", Msg: "write rejected"}
		}
	}

	fin := make([]byte, 5)
	fin[0] = OpFinalize
	binary.LittleEndian.PutUint32(fin[1:], Checksum(image))
	reply, err = o.request(ctx, target, fin)
	if err != nil {
		o.abort(target)
		return err
	}
	if len(reply.Payload) < 1 || reply.Payload[0] != WriteOK {
		return &errcode.E{C: errcode.Error, Op: "cfu.Update", Msg: "finalize rejected"}
	}
	o.log.Info("update complete", "target", target.String(), "version", version, "bytes", len(image))
	return nil
}

// request is one correlated leg with timeout retries.
func (o *Orchestrator) request(ctx context.Context, target comms.EndpointID, payload []byte) (comms.Envelope, error) {
	var reply comms.Envelope
	var err error
	for attempt := 0; attempt <= o.cfg.Retries; attempt++ {
		reply, err = o.port.RequestTimeout(ctx, target, comms.KindFirmware, payload, o.cfg.Deadline)
		if errcode.Of(err) != errcode.Timeout {
			return reply, err
		}
		o.log.Warn("request timed out", "target", target.String(), "attempt", attempt+1)
	}
	return reply, err
}

func (o *Orchestrator) abort(target comms.EndpointID) {
	// Best effort; the target also self-aborts on the next offer.
	_ = o.port.Send(target, comms.KindFirmware, []byte{OpAbort})
}

// Checksum is the additive checksum sealed by OpFinalize.
func Checksum(data []byte) uint32 {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return sum
}
