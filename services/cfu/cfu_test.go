package cfu

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"ecbus-go/comms"
	"ecbus-go/errcode"
)

// fakeTarget is a minimal updatable component living on the usbc endpoint.
type fakeTarget struct {
	port *comms.Port

	accept  bool
	dropped int // requests to ignore before responding (timeout injection)

	image    []byte
	finalCRC uint32
	done     bool
}

func (f *fakeTarget) run(ctx context.Context) {
	for {
		req, err := f.port.Receive(ctx)
		if err != nil {
			return
		}
		if req.Kind != comms.KindFirmware || len(req.Payload) == 0 {
			continue
		}
		if f.dropped > 0 {
			f.dropped--
			continue
		}
		switch req.Payload[0] {
		case OpOffer:
			resp := OfferReject
			if f.accept {
				resp = OfferAccept
				f.image = f.image[:0]
			}
			_ = f.port.Reply(req, []byte{resp})
		case OpWrite:
			off := binary.LittleEndian.Uint32(req.Payload[1:])
			if int(off) != len(f.image) {
				_ = f.port.Reply(req, []byte{WriteFailed})
				continue
			}
			f.image = append(f.image, req.Payload[5:]...)
			_ = f.port.Reply(req, []byte{WriteOK})
		case OpFinalize:
			f.finalCRC = binary.LittleEndian.Uint32(req.Payload[1:])
			if f.finalCRC == Checksum(f.image) {
				f.done = true
				_ = f.port.Reply(req, []byte{WriteOK})
			} else {
				_ = f.port.Reply(req, []byte{WriteFailed})
			}
		case OpAbort:
			f.image = f.image[:0]
		}
	}
}

func boot(t *testing.T, target *fakeTarget) *Orchestrator {
	t.Helper()
	cfg := comms.DefaultConfig()
	cfg.MaxFrameSize = 64
	b := comms.New(cfg)

	fw, err := b.Register(comms.Firmware, 8, comms.Caps(comms.KindFirmware))
	if err != nil {
		t.Fatalf("register firmware: %v", err)
	}
	tp, err := b.Register(comms.Usbc, 8, comms.Caps(comms.KindFirmware))
	if err != nil {
		t.Fatalf("register usbc: %v", err)
	}
	if err := b.FinalizeTopology(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	target.port = tp
	ctx, cancel := context.WithCancel(context.Background())
	go target.run(ctx)
	t.Cleanup(cancel)

	return New(fw, Config{ChunkSize: 8, Deadline: 50 * time.Millisecond, Retries: 2}, nil)
}

func TestUpdate_HappyPath(t *testing.T) {
	target := &fakeTarget{accept: true}
	o := boot(t, target)

	image := make([]byte, 20) // 3 chunks: 8+8+4
	for i := range image {
		image[i] = byte(i * 7)
	}
	if err := o.Update(context.Background(), comms.Usbc, 0x0102, image); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !target.done {
		t.Fatal("target never finalized")
	}
	if len(target.image) != len(image) {
		t.Fatalf("image truncated: %d of %d", len(target.image), len(image))
	}
}

func TestUpdate_OfferRejected(t *testing.T) {
	target := &fakeTarget{accept: false}
	o := boot(t, target)
	err := o.Update(context.Background(), comms.Usbc, 1, []byte{1, 2, 3})
	if !errors.Is(err, errcode.Busy) {
		t.Fatalf("expected Busy for rejected offer, got %v", err)
	}
}

func TestUpdate_RetriesThroughTimeout(t *testing.T) {
	// The first offer is swallowed; the retry must carry the update through.
	target := &fakeTarget{accept: true, dropped: 1}
	o := boot(t, target)
	if err := o.Update(context.Background(), comms.Usbc, 2, []byte{9, 9}); err != nil {
		t.Fatalf("update with one dropped request: %v", err)
	}
	if !target.done {
		t.Fatal("target never finalized")
	}
}

func TestUpdate_TimeoutExhausted(t *testing.T) {
	// Target never answers: every retry times out and the error surfaces.
	target := &fakeTarget{accept: true, dropped: 1 << 20}
	o := boot(t, target)
	err := o.Update(context.Background(), comms.Usbc, 3, []byte{1})
	if !errors.Is(err, errcode.Timeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
}
