// Package powerpolicy is the power-delivery policy subsystem. It consumes
// the bus API only: connect/disconnect commands arrive as correlated
// requests, state changes go out as broadcasts on the power topic.
package powerpolicy

import (
	"context"
	"encoding/binary"
	"log/slog"

	"ecbus-go/comms"
	"ecbus-go/errcode"
)

// StateTopic carries state-change events.
const StateTopic = comms.Topic("power/state")

// State of the managed power port.
type State uint8

const (
	Detached State = iota
	Idle
	ConnectedProvider
	ConnectedConsumer
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ConnectedProvider:
		return "connected_provider"
	case ConnectedConsumer:
		return "connected_consumer"
	}
	return "detached"
}

// Command opcodes (first payload byte of a KindCommand request).
const (
	CmdAttach          byte = 0x01
	CmdDetach          byte = 0x02
	CmdConnectConsumer byte = 0x03 // followed by capability
	CmdConnectProvider byte = 0x04 // followed by capability
	CmdDisconnect      byte = 0x05
)

// Reply status bytes.
const (
	RespComplete byte = 0x00
	RespInvalid  byte = 0x01
	RespDenied   byte = 0x02
)

// Capability is a negotiated power contract.
type Capability struct {
	MilliVolts uint16
	MilliAmps  uint16
}

// EncodeCommand builds the payload for a connect/disconnect request.
func EncodeCommand(op byte, cap Capability) []byte {
	buf := make([]byte, 5)
	buf[0] = op
	binary.LittleEndian.PutUint16(buf[1:], cap.MilliVolts)
	binary.LittleEndian.PutUint16(buf[3:], cap.MilliAmps)
	return buf
}

func decodeCommand(p []byte) (byte, Capability, error) {
	if len(p) < 1 {
		return 0, Capability{}, errcode.InvalidPayload
	}
	op := p[0]
	switch op {
	case CmdConnectConsumer, CmdConnectProvider:
		if len(p) < 5 {
			return 0, Capability{}, errcode.InvalidPayload
		}
		return op, Capability{
			MilliVolts: binary.LittleEndian.Uint16(p[1:]),
			MilliAmps:  binary.LittleEndian.Uint16(p[3:]),
		}, nil
	case CmdAttach, CmdDetach, CmdDisconnect:
		return op, Capability{}, nil
	}
	return 0, Capability{}, errcode.InvalidPayload
}

// Service runs the policy state machine over one port.
type Service struct {
	port *comms.Port
	log  *slog.Logger

	state    State
	contract Capability
}

func New(port *comms.Port, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{port: port, log: log.With("service", "powerpolicy")}
}

// State returns the current state. Owner-task use only.
func (s *Service) State() State { return s.state }

// Run services the mailbox until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	for {
		env, err := s.port.Receive(ctx)
		if err != nil {
			if errcode.Of(err) == errcode.Cancelled {
				return nil
			}
			return err
		}
		switch env.Kind {
		case comms.KindCommand:
			s.handleCommand(env)
		default:
			s.log.Debug("ignoring envelope", "kind", env.Kind.String(), "from", env.From.String())
		}
	}
}

func (s *Service) handleCommand(env comms.Envelope) {
	op, cap, err := decodeCommand(env.Payload)
	if err != nil {
		s.respond(env, RespInvalid)
		return
	}

	next := s.state
	resp := RespComplete
	switch op {
	case CmdAttach:
		if s.state == Detached {
			next = Idle
		}
	case CmdDetach:
		next = Detached
	case CmdConnectConsumer:
		if s.state == Detached {
			resp = RespDenied
		} else {
			next = ConnectedConsumer
			s.contract = cap
		}
	case CmdConnectProvider:
		if s.state == Detached {
			resp = RespDenied
		} else {
			next = ConnectedProvider
			s.contract = cap
		}
	case CmdDisconnect:
		if s.state == Detached {
			resp = RespDenied
		} else {
			next = Idle
			s.contract = Capability{}
		}
	}
	s.respond(env, resp)
	if resp == RespComplete && next != s.state {
		s.transition(next)
	}
}

func (s *Service) respond(env comms.Envelope, status byte) {
	if env.Corr == 0 {
		return // fire-and-forget command, nothing to answer
	}
	if err := s.port.Reply(env, []byte{status}); err != nil {
		s.log.Warn("reply failed", "err", err)
	}
}

// transition broadcasts the new state: [state, mV lo, mV hi, mA lo, mA hi].
func (s *Service) transition(next State) {
	s.state = next
	payload := make([]byte, 5)
	payload[0] = byte(next)
	binary.LittleEndian.PutUint16(payload[1:], s.contract.MilliVolts)
	binary.LittleEndian.PutUint16(payload[3:], s.contract.MilliAmps)
	n, err := s.port.Publish(StateTopic, comms.KindEvent, payload)
	if err != nil {
		s.log.Debug("state broadcast partially dropped", "delivered", n, "err", err)
	}
	s.log.Info("state change", "state", next.String(), "mv", s.contract.MilliVolts, "ma", s.contract.MilliAmps)
}

// DecodeState parses a StateTopic event payload.
func DecodeState(p []byte) (State, Capability, error) {
	if len(p) < 5 {
		return Detached, Capability{}, errcode.InvalidPayload
	}
	return State(p[0]), Capability{
		MilliVolts: binary.LittleEndian.Uint16(p[1:]),
		MilliAmps:  binary.LittleEndian.Uint16(p[3:]),
	}, nil
}
