// Package battery is the charging/fuel-gauge subsystem. It follows power
// state broadcasts to track whether the pack is charging and answers
// status requests from other subsystems.
package battery

import (
	"context"
	"encoding/binary"
	"log/slog"

	"ecbus-go/comms"
	"ecbus-go/errcode"
	"ecbus-go/services/powerpolicy"
)

// Status is the fuel-gauge snapshot returned to status requests.
type Status struct {
	Percent    uint8
	MilliVolts uint16
	Charging   bool
}

// EncodeStatus packs s as [percent, mV lo, mV hi, charging].
func EncodeStatus(s Status) []byte {
	buf := make([]byte, 4)
	buf[0] = s.Percent
	binary.LittleEndian.PutUint16(buf[1:], s.MilliVolts)
	if s.Charging {
		buf[3] = 1
	}
	return buf
}

// DecodeStatus is the inverse of EncodeStatus.
func DecodeStatus(p []byte) (Status, error) {
	if len(p) < 4 {
		return Status{}, errcode.InvalidPayload
	}
	return Status{Percent: p[0], MilliVolts: binary.LittleEndian.Uint16(p[1:]), Charging: p[3] == 1}, nil
}

// Gauge supplies measurements. The hardware fuel gauge driver plugs in
// here; tests inject fixed readings.
type Gauge func() (percent uint8, milliVolts uint16)

// Service owns the battery endpoint.
type Service struct {
	port  *comms.Port
	gauge Gauge
	log   *slog.Logger

	charging bool
}

func New(port *comms.Port, gauge Gauge, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if gauge == nil {
		gauge = func() (uint8, uint16) { return 0, 0 }
	}
	return &Service{port: port, gauge: gauge, log: log.With("service", "battery")}
}

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
		switch {
		case env.Kind == comms.KindStatus && env.Corr != 0:
			s.answerStatus(env)
		case env.Kind == comms.KindEvent && env.Topic == powerpolicy.StateTopic:
			s.onPowerState(env)
		default:
			s.log.Debug("ignoring envelope", "kind", env.Kind.String(), "from", env.From.String())
		}
	}
}

func (s *Service) answerStatus(env comms.Envelope) {
	percent, mv := s.gauge()
	reply := EncodeStatus(Status{Percent: percent, MilliVolts: mv, Charging: s.charging})
	if err := s.port.Reply(env, reply); err != nil {
		s.log.Warn("status reply failed", "err", err)
	}
}

func (s *Service) onPowerState(env comms.Envelope) {
	state, contract, err := powerpolicy.DecodeState(env.Payload)
	if err != nil {
		s.log.Warn("bad power state payload", "err", err)
		return
	}
	charging := state == powerpolicy.ConnectedConsumer && contract.MilliAmps > 0
	if charging != s.charging {
		s.charging = charging
		s.log.Info("charging state", "charging", charging, "ma", contract.MilliAmps)
	}
}
