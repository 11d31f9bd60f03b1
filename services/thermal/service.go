// Package thermal samples a temperature source on a fixed period and
// broadcasts threshold crossings. Alerts are fire-and-forget events; a
// full subscriber misses the alert and catches up on the next sample.
package thermal

import (
	"context"
	"encoding/binary"
	"log/slog"
	"time"

	"ecbus-go/comms"
	"ecbus-go/errcode"
)

// AlertTopic carries threshold events: [level, milliC lo..hi (int32 LE)].
const AlertTopic = comms.Topic("thermal/alerts")

// Alert levels.
const (
	LevelNormal byte = iota
	LevelWarn
	LevelCritical
)

// Sampler supplies the current temperature in millidegrees Celsius.
type Sampler func() (milliC int32)

// Config fixes thresholds and the sample period at construction.
type Config struct {
	Period     time.Duration
	WarnMilliC int32
	CritMilliC int32
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = time.Second
	}
	if c.WarnMilliC == 0 {
		c.WarnMilliC = 45_000
	}
	if c.CritMilliC == 0 {
		c.CritMilliC = 60_000
	}
	return c
}

// Service owns the thermal endpoint.
type Service struct {
	port   *comms.Port
	sample Sampler
	cfg    Config
	log    *slog.Logger

	level byte
}

func New(port *comms.Port, sample Sampler, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{port: port, sample: sample, cfg: cfg.withDefaults(), log: log.With("service", "thermal")}
}

// Run services the mailbox and the sample tick until ctx ends. Both are
// suspension points: a status request arriving mid-period is answered
// immediately, not at the next tick.
func (s *Service) Run(ctx context.Context) error {
	envs := make(chan comms.Envelope)
	go func() {
		defer close(envs)
		for {
			env, err := s.port.Receive(ctx)
			if err != nil {
				return
			}
			select {
			case envs <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	tick := time.NewTicker(s.cfg.Period)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-envs:
			if !ok {
				return nil
			}
			s.handle(env)
		case <-tick.C:
			s.evaluate(s.sample())
		}
	}
}

func (s *Service) handle(env comms.Envelope) {
	if env.Kind == comms.KindStatus && env.Corr != 0 {
		payload := make([]byte, 5)
		payload[0] = s.level
		binary.LittleEndian.PutUint32(payload[1:], uint32(s.sample()))
		if err := s.port.Reply(env, payload); err != nil {
			s.log.Warn("status reply failed", "err", err)
		}
		return
	}
	s.log.Debug("ignoring envelope", "kind", env.Kind.String(), "from", env.From.String())
}

func (s *Service) evaluate(milliC int32) {
	level := LevelNormal
	switch {
	case milliC >= s.cfg.CritMilliC:
		level = LevelCritical
	case milliC >= s.cfg.WarnMilliC:
		level = LevelWarn
	}
	if level == s.level {
		return
	}
	s.level = level

	payload := make([]byte, 5)
	payload[0] = level
	binary.LittleEndian.PutUint32(payload[1:], uint32(milliC))
	n, err := s.port.Publish(AlertTopic, comms.KindEvent, payload)
	if err != nil {
		s.log.Debug("alert partially dropped", "delivered", n, "err", err)
	}
	s.log.Info("thermal level", "level", level, "milli_c", milliC)
}

// DecodeAlert parses an AlertTopic payload.
func DecodeAlert(p []byte) (level byte, milliC int32, err error) {
	if len(p) < 5 {
		return 0, 0, errcode.InvalidPayload
	}
	return p[0], int32(binary.LittleEndian.Uint32(p[1:])), nil
}
