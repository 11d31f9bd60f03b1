package battery

import (
	"context"
	"testing"
	"time"

	"ecbus-go/comms"
	"ecbus-go/services/powerpolicy"
)

func boot(t *testing.T, gauge Gauge) (host *comms.Port, power *comms.Port) {
	t.Helper()
	cfg := comms.DefaultConfig()
	cfg.DefaultDeadline = 500 * time.Millisecond
	b := comms.New(cfg)

	batt, err := b.Register(comms.Battery, 8, comms.Caps(comms.KindStatus, comms.KindEvent))
	if err != nil {
		t.Fatalf("register battery: %v", err)
	}
	power, err = b.Register(comms.PowerPolicy, 8, comms.Caps(comms.KindCommand))
	if err != nil {
		t.Fatalf("register power: %v", err)
	}
	host, err = b.Register(comms.Host, 8, comms.Caps(comms.KindEvent))
	if err != nil {
		t.Fatalf("register host: %v", err)
	}
	if err := b.Subscribe(powerpolicy.StateTopic, comms.Battery); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.FinalizeTopology(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	svc := New(batt, gauge, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = svc.Run(ctx) }()
	t.Cleanup(cancel)
	return host, power
}

func status(t *testing.T, host *comms.Port) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := host.Request(ctx, comms.Battery, comms.KindStatus, nil)
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	st, err := DecodeStatus(reply.Payload)
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return st
}

func TestStatusRequest(t *testing.T) {
	host, _ := boot(t, func() (uint8, uint16) { return 73, 3910 })
	st := status(t, host)
	if st.Percent != 73 || st.MilliVolts != 3910 || st.Charging {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestChargingFollowsPowerState(t *testing.T) {
	host, power := boot(t, func() (uint8, uint16) { return 50, 3800 })

	// Power policy announces a consumer contract with real current.
	payload := []byte{byte(powerpolicy.ConnectedConsumer), 0x88, 0x13, 0xDC, 0x05} // 5000mV, 1500mA
	if n, err := power.Publish(powerpolicy.StateTopic, comms.KindEvent, payload); err != nil || n != 1 {
		t.Fatalf("publish: n=%d err=%v", n, err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if st := status(t, host); st.Charging {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("charging never observed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Disconnect clears it.
	payload = []byte{byte(powerpolicy.Idle), 0, 0, 0, 0}
	if _, err := power.Publish(powerpolicy.StateTopic, comms.KindEvent, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
	deadline = time.Now().Add(time.Second)
	for {
		if st := status(t, host); !st.Charging {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("charging never cleared")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDecodeStatus_Short(t *testing.T) {
	if _, err := DecodeStatus([]byte{1, 2}); err == nil {
		t.Fatal("expected error for short payload")
	}
}
