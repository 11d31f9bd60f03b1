// Package console is the debug shell. It owns the debug endpoint and turns
// command lines into bus operations; output goes to whatever writer the
// platform hands in (USB CDC, UART, a test buffer).
package console

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/shlex"

	"ecbus-go/comms"
	"ecbus-go/errcode"
)

// Service owns the debug endpoint.
type Service struct {
	port *comms.Port
	out  io.Writer
	log  *slog.Logger
}

func New(port *comms.Port, out io.Writer, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{port: port, out: out, log: log.With("service", "console")}
}

// Run reads command lines from r until EOF or ctx cancellation.
func (s *Service) Run(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.HandleLine(ctx, sc.Text()); err != nil {
			fmt.Fprintf(s.out, "error: %s\n", err)
		}
	}
	return sc.Err()
}

// HandleLine parses and executes one command line.
//
// Commands:
//
//	status <endpoint>                correlated status request
//	send <endpoint> <kind> [hex]     fire-and-forget envelope
//	publish <topic> <kind> [hex]     broadcast
//	lookup <endpoint>                registry query
func (s *Service) HandleLine(ctx context.Context, line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return &errcode.E{C: errcode.InvalidParams, Op: "console", Err: err}
	}
	if len(args) == 0 {
		return nil
	}
	switch args[0] {
	case "status":
		return s.cmdStatus(ctx, args[1:])
	case "send":
		return s.cmdSend(args[1:])
	case "publish":
		return s.cmdPublish(args[1:])
	case "lookup":
		return s.cmdLookup(args[1:])
	case "help":
		fmt.Fprintln(s.out, "commands: status, send, publish, lookup, help")
		return nil
	}
	return &errcode.E{C: errcode.InvalidParams, Op: "console", Msg: "unknown command " + args[0]}
}

func (s *Service) cmdStatus(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("status <endpoint>")
	}
	id, err := comms.ParseEndpoint(args[0])
	if err != nil {
		return err
	}
	reply, err := s.port.Request(ctx, id, comms.KindStatus, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s: %s\n", id, hex.EncodeToString(reply.Payload))
	return nil
}

func (s *Service) cmdSend(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return usage("send <endpoint> <kind> [hex]")
	}
	id, err := comms.ParseEndpoint(args[0])
	if err != nil {
		return err
	}
	kind, payload, err := kindAndPayload(args[1:])
	if err != nil {
		return err
	}
	if err := s.port.Send(id, kind, payload); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "ok")
	return nil
}

func (s *Service) cmdPublish(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return usage("publish <topic> <kind> [hex]")
	}
	kind, payload, err := kindAndPayload(args[1:])
	if err != nil {
		return err
	}
	n, err := s.port.Publish(comms.Topic(args[0]), kind, payload)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "delivered to %d\n", n)
	return nil
}

func (s *Service) cmdLookup(args []string) error {
	if len(args) != 1 {
		return usage("lookup <endpoint>")
	}
	id, err := comms.ParseEndpoint(args[0])
	if err != nil {
		return err
	}
	caps, err := s.port.Broker().Lookup(id)
	if err != nil {
		return err
	}
	var kinds []string
	for k := comms.KindCommand; ; k++ {
		if !comms.KindValid(k) {
			break
		}
		if caps.Has(k) {
			kinds = append(kinds, k.String())
		}
	}
	fmt.Fprintf(s.out, "%s accepts: %s\n", id, strings.Join(kinds, ","))
	return nil
}

func kindAndPayload(args []string) (comms.Kind, []byte, error) {
	kind, err := comms.ParseKind(args[0])
	if err != nil {
		return comms.KindNone, nil, err
	}
	var payload []byte
	if len(args) == 2 {
		payload, err = hex.DecodeString(args[1])
		if err != nil {
			return comms.KindNone, nil, &errcode.E{C: errcode.InvalidParams, Op: "console", Err: err}
		}
	}
	return kind, payload, nil
}

func usage(u string) error {
	return &errcode.E{C: errcode.InvalidParams, Op: "console", Msg: "usage: " + u}
}
