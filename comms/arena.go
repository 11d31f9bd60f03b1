package comms

import "ecbus-go/errcode"

// Arena is the build-time slot store for mailbox rings. All envelope
// storage is one contiguous backing array sized at construction; mailboxes
// carve fixed windows out of it during registration and nothing is ever
// returned or resized. Tear-down is whole-arena only.
type Arena struct {
	slots []Envelope
	used  int
}

func newArena(total int) *Arena {
	return &Arena{slots: make([]Envelope, total)}
}

// carve reserves n contiguous slots.
func (a *Arena) carve(n int) ([]Envelope, error) {
	if n <= 0 {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "arena.carve", Msg: "capacity must be positive"}
	}
	if a.used+n > len(a.slots) {
		return nil, &errcode.E{C: errcode.CapacityExhausted, Op: "arena.carve", Msg: "no free mailbox slots"}
	}
	ring := a.slots[a.used : a.used+n : a.used+n]
	a.used += n
	return ring, nil
}

// Free returns the number of unreserved slots.
func (a *Arena) Free() int { return len(a.slots) - a.used }
