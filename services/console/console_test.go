package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"ecbus-go/comms"
	"ecbus-go/errcode"
)

func boot(t *testing.T) (*Service, *bytes.Buffer, *comms.Port) {
	t.Helper()
	cfg := comms.DefaultConfig()
	cfg.DefaultDeadline = 500 * time.Millisecond
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	b := comms.New(cfg)

	dbg, err := b.Register(comms.Debug, 8, comms.Caps(comms.KindDebug))
	if err != nil {
		t.Fatalf("register debug: %v", err)
	}
	batt, err := b.Register(comms.Battery, 8, comms.Caps(comms.KindStatus, comms.KindEvent))
	if err != nil {
		t.Fatalf("register battery: %v", err)
	}
	if err := b.Subscribe("power/state", comms.Battery); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.FinalizeTopology(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	out := &bytes.Buffer{}
	return New(dbg, out, slog.New(slog.NewTextHandler(io.Discard, nil))), out, batt
}

func TestStatusCommand(t *testing.T) {
	svc, out, batt := boot(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		req, err := batt.Receive(ctx)
		if err != nil {
			return
		}
		_ = batt.Reply(req, []byte{0x4B, 0x46, 0x0F})
	}()

	if err := svc.HandleLine(ctx, "status internal/battery"); err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := out.String(); !strings.Contains(got, "internal/battery: 4b460f") {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestSendAndPublish(t *testing.T) {
	svc, out, batt := boot(t)
	ctx := context.Background()

	if err := svc.HandleLine(ctx, "send internal/battery event 0102"); err != nil {
		t.Fatalf("send: %v", err)
	}
	env, ok := batt.TryReceive()
	if !ok || env.Kind != comms.KindEvent || env.Payload[1] != 0x02 {
		t.Fatalf("send did not arrive: %v %v", env, ok)
	}

	out.Reset()
	if err := svc.HandleLine(ctx, "publish power/state event ff"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := out.String(); !strings.Contains(got, "delivered to 1") {
		t.Fatalf("unexpected output %q", got)
	}
	if env, ok = batt.TryReceive(); !ok || env.Topic != "power/state" {
		t.Fatalf("broadcast did not arrive: %v %v", env, ok)
	}
}

func TestLookupCommand(t *testing.T) {
	svc, out, _ := boot(t)
	if err := svc.HandleLine(context.Background(), "lookup internal/battery"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "status") || !strings.Contains(got, "event") {
		t.Fatalf("capability listing incomplete: %q", got)
	}
}

func TestBadInput(t *testing.T) {
	svc, _, _ := boot(t)
	ctx := context.Background()

	cases := []string{
		"frobnicate",
		"status",
		"status nowhere/nothing",
		"send internal/battery event zz",
		"send internal/battery nokind",
		`status "unterminated`,
	}
	for _, line := range cases {
		if err := svc.HandleLine(ctx, line); !errors.Is(err, errcode.InvalidParams) {
			t.Fatalf("%q: expected InvalidParams, got %v", line, err)
		}
	}

	// Blank lines are ignored.
	if err := svc.HandleLine(ctx, "   "); err != nil {
		t.Fatalf("blank line: %v", err)
	}
}

func TestRunReadsUntilEOF(t *testing.T) {
	svc, out, _ := boot(t)
	in := strings.NewReader("help\nbogus\n")
	if err := svc.Run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "commands:") {
		t.Fatalf("help output missing: %q", got)
	}
	if !strings.Contains(got, "error:") {
		t.Fatalf("command error not surfaced: %q", got)
	}
}
