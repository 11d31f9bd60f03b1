// Package config boots a broker from a declared topology. The topology is
// fixed data: it is validated as a whole before any registration happens,
// because the memory layout cannot be corrected once tasks are running.
package config

import (
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"ecbus-go/comms"
	"ecbus-go/errcode"
)

// Topology is the YAML-declared static topology.
type Topology struct {
	Arena    ArenaSpec     `yaml:"arena"`
	Defaults Defaults      `yaml:"defaults"`
	Services []ServiceSpec `yaml:"services"`
	Topics   []TopicSpec   `yaml:"topics"`
}

// ArenaSpec fixes the build-time capacities.
type ArenaSpec struct {
	Slots            int `yaml:"slots"`
	MaxEndpoints     int `yaml:"max_endpoints"`
	MaxTopics        int `yaml:"max_topics"`
	MaxSubscribers   int `yaml:"max_subscribers"`
	CorrelationSlots int `yaml:"correlation_slots"`
	MaxFrame         int `yaml:"max_frame"`
}

// Defaults apply where a service omits a value.
type Defaults struct {
	MailboxCapacity   int `yaml:"mailbox_capacity"`
	MaxOutstanding    int `yaml:"max_outstanding"`
	RequestDeadlineMS int `yaml:"request_deadline_ms"`
}

// ServiceSpec declares one endpoint.
type ServiceSpec struct {
	Endpoint     string   `yaml:"endpoint"` // e.g. "internal/battery"
	Capacity     int      `yaml:"capacity,omitempty"`
	Capabilities []string `yaml:"capabilities"`
	Subscribe    []string `yaml:"subscribe,omitempty"`
}

// TopicSpec declares a broadcast topic; kinds trigger implicit subscription
// by capability at finalize.
type TopicSpec struct {
	Name  string   `yaml:"name"`
	Kinds []string `yaml:"kinds,omitempty"`
}

// Load parses a topology document.
func Load(r io.Reader) (*Topology, error) {
	var t Topology
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, &errcode.E{C: errcode.InvalidTopology, Op: "config.Load", Err: err}
	}
	return &t, nil
}

// Validate checks the topology as a whole. Any failure here is a fatal
// boot misconfiguration: the caller must halt initialization rather than
// bring up an undersized system.
func (t *Topology) Validate() error {
	if len(t.Services) == 0 {
		return &errcode.E{C: errcode.InvalidTopology, Op: "config.Validate", Msg: "no services declared"}
	}
	if t.Arena.MaxEndpoints > 0 && len(t.Services) > t.Arena.MaxEndpoints {
		return &errcode.E{C: errcode.InvalidTopology, Op: "config.Validate", Msg: "more services than registry slots"}
	}
	seen := map[string]bool{}
	total := 0
	for _, s := range t.Services {
		if seen[s.Endpoint] {
			return &errcode.E{C: errcode.InvalidTopology, Op: "config.Validate", Msg: "duplicate endpoint " + s.Endpoint}
		}
		seen[s.Endpoint] = true
		if _, err := comms.ParseEndpoint(s.Endpoint); err != nil {
			return &errcode.E{C: errcode.InvalidTopology, Op: "config.Validate", Err: err}
		}
		for _, k := range s.Capabilities {
			if _, err := comms.ParseKind(k); err != nil {
				return &errcode.E{C: errcode.InvalidTopology, Op: "config.Validate", Err: err}
			}
		}
		total += t.capacityOf(s)
	}
	if t.Arena.Slots > 0 && total > t.Arena.Slots {
		// Configured mailbox capacities sum beyond the fixed arena.
		return &errcode.E{C: errcode.InvalidTopology, Op: "config.Validate", Msg: "mailbox capacities exceed arena slots"}
	}
	for _, tp := range t.Topics {
		if tp.Name == "" {
			return &errcode.E{C: errcode.InvalidTopology, Op: "config.Validate", Msg: "unnamed topic"}
		}
		for _, k := range tp.Kinds {
			if _, err := comms.ParseKind(k); err != nil {
				return &errcode.E{C: errcode.InvalidTopology, Op: "config.Validate", Err: err}
			}
		}
	}
	return nil
}

func (t *Topology) capacityOf(s ServiceSpec) int {
	if s.Capacity > 0 {
		return s.Capacity
	}
	if t.Defaults.MailboxCapacity > 0 {
		return t.Defaults.MailboxCapacity
	}
	return 4
}

// BrokerConfig maps the arena section onto broker capacities.
func (t *Topology) BrokerConfig() comms.Config {
	cfg := comms.Config{
		MaxEndpoints:     t.Arena.MaxEndpoints,
		MaxTopics:        t.Arena.MaxTopics,
		MaxSubscribers:   t.Arena.MaxSubscribers,
		ArenaSlots:       t.Arena.Slots,
		CorrelationSlots: t.Arena.CorrelationSlots,
		MaxOutstanding:   t.Defaults.MaxOutstanding,
		MaxFrameSize:     t.Arena.MaxFrame,
	}
	if t.Defaults.RequestDeadlineMS > 0 {
		cfg.DefaultDeadline = time.Duration(t.Defaults.RequestDeadlineMS) * time.Millisecond
	}
	return cfg
}

// Apply performs every registration and subscription, then finalizes the
// topology. It returns the port for each endpoint, keyed by its declared
// name. Call once, during boot, after Validate.
func (t *Topology) Apply(b *comms.Broker) (map[string]*comms.Port, error) {
	ports := make(map[string]*comms.Port, len(t.Services))
	for _, tp := range t.Topics {
		var mask comms.CapMask
		for _, k := range tp.Kinds {
			kind, err := comms.ParseKind(k)
			if err != nil {
				return nil, err
			}
			mask |= comms.Caps(kind)
		}
		if err := b.DeclareTopic(comms.Topic(tp.Name), mask); err != nil {
			return nil, err
		}
	}
	for _, s := range t.Services {
		id, err := comms.ParseEndpoint(s.Endpoint)
		if err != nil {
			return nil, err
		}
		var caps comms.CapMask
		for _, k := range s.Capabilities {
			kind, err := comms.ParseKind(k)
			if err != nil {
				return nil, err
			}
			caps |= comms.Caps(kind)
		}
		port, err := b.Register(id, t.capacityOf(s), caps)
		if err != nil {
			return nil, err
		}
		for _, topic := range s.Subscribe {
			if err := b.Subscribe(comms.Topic(topic), id); err != nil {
				return nil, err
			}
		}
		ports[s.Endpoint] = port
	}
	if err := b.FinalizeTopology(); err != nil {
		return nil, err
	}
	return ports, nil
}
