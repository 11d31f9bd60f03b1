package config

import (
	"errors"
	"strings"
	"testing"

	"ecbus-go/comms"
	"ecbus-go/errcode"
)

const sampleTopology = `
arena:
  slots: 32
  max_endpoints: 8
  max_topics: 4
  max_subscribers: 4
  correlation_slots: 8
  max_frame: 128
defaults:
  mailbox_capacity: 4
  max_outstanding: 2
  request_deadline_ms: 250
services:
  - endpoint: internal/power
    capacity: 8
    capabilities: [command, status]
  - endpoint: internal/battery
    capabilities: [status, event]
    subscribe: [power/state]
  - endpoint: external/host
    capabilities: [event, reply]
topics:
  - name: power/state
    kinds: [event]
  - name: thermal/alerts
`

func TestLoadApply(t *testing.T) {
	topo, err := Load(strings.NewReader(sampleTopology))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := topo.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	cfg := topo.BrokerConfig()
	if cfg.ArenaSlots != 32 || cfg.MaxFrameSize != 128 {
		t.Fatalf("broker config not carried over: %+v", cfg)
	}

	b := comms.New(cfg)
	ports, err := topo.Apply(b)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !b.Running() {
		t.Fatal("broker not running after apply")
	}
	if len(ports) != 3 {
		t.Fatalf("expected 3 ports, got %d", len(ports))
	}

	// Explicit subscription from the services section.
	host := ports["external/host"]
	n, err := host.Publish("power/state", comms.KindEvent, []byte{1})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	// battery subscribes explicitly; battery and host also match the
	// topic's event capability mask, so host gets its own broadcast too.
	if n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if _, ok := ports["internal/battery"].TryReceive(); !ok {
		t.Fatal("explicit subscriber missed the broadcast")
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	_, err := Load(strings.NewReader("arena:\n  slotz: 9\n"))
	if !errors.Is(err, errcode.InvalidTopology) {
		t.Fatalf("expected InvalidTopology, got %v", err)
	}
}

func TestValidate_Oversubscribed(t *testing.T) {
	doc := `
arena:
  slots: 8
services:
  - endpoint: internal/power
    capacity: 6
    capabilities: [command]
  - endpoint: internal/battery
    capacity: 6
    capabilities: [status]
`
	topo, err := Load(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := topo.Validate(); !errors.Is(err, errcode.InvalidTopology) {
		t.Fatalf("expected InvalidTopology for oversubscribed arena, got %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	cases := map[string]string{
		"no services":        `topics: [{name: a}]`,
		"duplicate endpoint": "services:\n  - endpoint: internal/power\n    capabilities: [command]\n  - endpoint: internal/power\n    capabilities: [command]\n",
		"unknown endpoint":   "services:\n  - endpoint: internal/toaster\n    capabilities: [command]\n",
		"unknown kind":       "services:\n  - endpoint: internal/power\n    capabilities: [telepathy]\n",
		"unnamed topic":      "services:\n  - endpoint: internal/power\n    capabilities: [command]\ntopics:\n  - kinds: [event]\n",
	}
	for name, doc := range cases {
		topo, err := Load(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("%s: load: %v", name, err)
		}
		if err := topo.Validate(); !errors.Is(err, errcode.InvalidTopology) {
			t.Errorf("%s: expected InvalidTopology, got %v", name, err)
		}
	}
}
