// Host self-test: boots the full topology, runs the real services against
// each other, and exercises the bus end to end. Exits non-zero on the first
// behavioural divergence so it can gate CI.
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"ecbus-go/comms"
	"ecbus-go/errcode"
	"ecbus-go/services/battery"
	"ecbus-go/services/cfu"
	"ecbus-go/services/config"
	"ecbus-go/services/console"
	"ecbus-go/services/powerpolicy"
	"ecbus-go/services/thermal"
)

const topology = `
arena:
  slots: 64
  max_endpoints: 8
  max_topics: 8
  max_subscribers: 8
  correlation_slots: 16
  max_frame: 128
defaults:
  mailbox_capacity: 8
  max_outstanding: 4
  request_deadline_ms: 500
services:
  - endpoint: internal/power
    capabilities: [command]
  - endpoint: internal/battery
    capabilities: [status, event]
    subscribe: [power/state]
  - endpoint: internal/thermal
    capabilities: [status]
  - endpoint: internal/firmware
    capabilities: [firmware]
  - endpoint: internal/usbc
    capabilities: [firmware]
  - endpoint: internal/debug
    capabilities: [debug]
  - endpoint: external/host
    capacity: 4
    capabilities: [event]
    subscribe: [power/state, thermal/alerts]
  - endpoint: external/companion
    capabilities: [status]
topics:
  - name: power/state
  - name: thermal/alerts
`

type harness struct {
	ports map[string]*comms.Port
	log   *slog.Logger
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(log)

	topo, err := config.Load(strings.NewReader(topology))
	if err != nil {
		fatal(log, "topology parse", err)
	}
	if err := topo.Validate(); err != nil {
		fatal(log, "topology validate", err)
	}
	b := comms.New(topo.BrokerConfig())
	ports, err := topo.Apply(b)
	if err != nil {
		fatal(log, "topology apply", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	temp := int32(30_000)
	go func() { _ = powerpolicy.New(ports["internal/power"], log).Run(ctx) }()
	go func() { _ = battery.New(ports["internal/battery"], func() (uint8, uint16) { return 80, 4100 }, log).Run(ctx) }()
	go func() {
		_ = thermal.New(ports["internal/thermal"], func() int32 { return temp }, thermal.Config{
			Period: 10 * time.Millisecond,
		}, log).Run(ctx)
	}()
	go firmwareSink(ctx, ports["internal/usbc"])

	h := &harness{ports: ports, log: log}
	checks := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"request_round_trip", h.requestRoundTrip},
		{"broadcast_fanout", h.broadcastFanout},
		{"mailbox_backpressure", h.mailboxBackpressure},
		{"request_timeout", h.requestTimeout},
		{"firmware_update", h.firmwareUpdate},
		{"console_status", h.consoleStatus},
	}

	failed := 0
	println("== bus self-test starting ==")
	for _, c := range checks {
		cctx, ccancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.fn(cctx)
		ccancel()
		if err != nil {
			println("[FAIL] " + c.name + ": " + err.Error())
			failed++
			continue
		}
		println("[PASS] " + c.name)
	}
	if failed > 0 {
		println("== self-test FAILED ==")
		os.Exit(1)
	}
	println("== self-test passed ==")
}

func fatal(log *slog.Logger, what string, err error) {
	log.Error(what, "err", err)
	os.Exit(1)
}

// requestRoundTrip asks the battery service for a status snapshot.
func (h *harness) requestRoundTrip(ctx context.Context) error {
	host := h.ports["external/host"]
	reply, err := host.Request(ctx, comms.Battery, comms.KindStatus, nil)
	if err != nil {
		return err
	}
	st, err := battery.DecodeStatus(reply.Payload)
	if err != nil {
		return err
	}
	if st.Percent != 80 || st.MilliVolts != 4100 {
		return errors.New("battery reported a gauge value it was not given")
	}
	return nil
}

// broadcastFanout drives the power policy through attach/connect and
// checks that both subscribers of power/state observe the transitions.
func (h *harness) broadcastFanout(ctx context.Context) error {
	host := h.ports["external/host"]
	drain(host)

	cap := powerpolicy.Capability{MilliVolts: 5000, MilliAmps: 1500}
	for _, cmd := range []byte{powerpolicy.CmdAttach, powerpolicy.CmdConnectConsumer} {
		reply, err := host.Request(ctx, comms.PowerPolicy, comms.KindCommand, powerpolicy.EncodeCommand(cmd, cap))
		if err != nil {
			return err
		}
		if reply.Payload[0] != powerpolicy.RespComplete {
			return errors.New("power command refused")
		}
	}

	// Host hears the transitions on the topic.
	sawConnected := false
	for !sawConnected {
		env, err := host.Receive(ctx)
		if err != nil {
			return err
		}
		if env.Topic != powerpolicy.StateTopic {
			continue
		}
		state, got, err := powerpolicy.DecodeState(env.Payload)
		if err != nil {
			return err
		}
		sawConnected = state == powerpolicy.ConnectedConsumer && got == cap
	}

	// Battery heard the same broadcast and flipped its charging flag.
	deadline := time.Now().Add(2 * time.Second)
	for {
		reply, err := host.Request(ctx, comms.Battery, comms.KindStatus, nil)
		if err != nil {
			return err
		}
		st, err := battery.DecodeStatus(reply.Payload)
		if err != nil {
			return err
		}
		if st.Charging {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("battery never observed the consumer contract")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// mailboxBackpressure saturates the host mailbox (capacity 4), checks the
// overflow is refused, and that draining restores capacity in FIFO order.
func (h *harness) mailboxBackpressure(ctx context.Context) error {
	host := h.ports["external/host"]
	power := h.ports["internal/power"]
	drain(host)

	for i := byte(1); i <= 4; i++ {
		if err := power.Send(comms.Host, comms.KindEvent, []byte{i}); err != nil {
			return err
		}
	}
	if err := power.Send(comms.Host, comms.KindEvent, []byte{5}); !errors.Is(err, errcode.Full) {
		return errors.New("saturated mailbox accepted a fifth envelope")
	}
	env, ok := host.TryReceive()
	if !ok || env.Payload[0] != 1 {
		return errors.New("head of queue was not the oldest envelope")
	}
	if err := power.Send(comms.Host, comms.KindEvent, []byte{5}); err != nil {
		return err
	}
	drain(host)
	return nil
}

// requestTimeout targets a registered endpoint nobody services.
func (h *harness) requestTimeout(ctx context.Context) error {
	host := h.ports["external/host"]
	start := time.Now()
	_, err := host.RequestTimeout(ctx, comms.Companion, comms.KindStatus, nil, 100*time.Millisecond)
	if !errors.Is(err, errcode.Timeout) {
		return errors.New("expected a deadline expiry")
	}
	if time.Since(start) > time.Second {
		return errors.New("timeout fired far too late")
	}
	return nil
}

// firmwareUpdate streams an image to the usbc sink and verifies delivery.
func (h *harness) firmwareUpdate(ctx context.Context) error {
	image := make([]byte, 100)
	for i := range image {
		image[i] = byte(i)
	}
	o := cfu.New(h.ports["internal/firmware"], cfu.Config{ChunkSize: 16}, h.log)
	return o.Update(ctx, comms.Usbc, 0x0100, image)
}

// consoleStatus runs a debug-console command against the live battery
// service and checks the rendered output.
func (h *harness) consoleStatus(ctx context.Context) error {
	var out bytes.Buffer
	sh := console.New(h.ports["internal/debug"], &out, h.log)
	if err := sh.HandleLine(ctx, "status internal/battery"); err != nil {
		return err
	}
	if !strings.Contains(out.String(), "internal/battery:") {
		return errors.New("console printed nothing for the status request")
	}
	return nil
}

// firmwareSink is a minimal update target: accepts every offer, writes
// chunks in order, verifies the checksum at finalize.
func firmwareSink(ctx context.Context, port *comms.Port) {
	var image []byte
	for {
		req, err := port.Receive(ctx)
		if err != nil {
			return
		}
		if req.Kind != comms.KindFirmware || len(req.Payload) == 0 {
			continue
		}
		switch req.Payload[0] {
		case cfu.OpOffer:
			image = image[:0]
			_ = port.Reply(req, []byte{cfu.OfferAccept})
		case cfu.OpWrite:
			if int(binary.LittleEndian.Uint32(req.Payload[1:])) != len(image) {
				_ = port.Reply(req, []byte{cfu.WriteFailed})
				continue
			}
			image = append(image, req.Payload[5:]...)
			_ = port.Reply(req, []byte{cfu.WriteOK})
		case cfu.OpFinalize:
			if binary.LittleEndian.Uint32(req.Payload[1:]) == cfu.Checksum(image) {
				_ = port.Reply(req, []byte{cfu.WriteOK})
			} else {
				_ = port.Reply(req, []byte{cfu.WriteFailed})
			}
		case cfu.OpAbort:
			image = image[:0]
		}
	}
}

func drain(p *comms.Port) {
	for {
		if _, ok := p.TryReceive(); !ok {
			return
		}
	}
}
