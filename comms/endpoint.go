package comms

import "ecbus-go/errcode"

// -----------------------------------------------------------------------------
// Endpoint identities
// -----------------------------------------------------------------------------

// EndpointID identifies a registered service. IDs are small comparable
// values fixed at build time; the zero value is invalid.
type EndpointID struct {
	space uint8
	index uint8
}

const (
	spaceNone     uint8 = 0
	spaceInternal uint8 = 1 // subsystems on this controller
	spaceExternal uint8 = 2 // endpoints reached through a transport bridge
)

// Internal returns the identity of an on-controller subsystem.
func Internal(index uint8) EndpointID { return EndpointID{space: spaceInternal, index: index} }

// External returns the identity of an off-controller endpoint.
func External(index uint8) EndpointID { return EndpointID{space: spaceExternal, index: index} }

// Well-known endpoints. Indexes are part of the wire contract between
// controllers and must not be renumbered.
var (
	PowerPolicy = Internal(0)
	Battery     = Internal(1)
	Thermal     = Internal(2)
	Firmware    = Internal(3)
	Usbc        = Internal(4)
	Debug       = Internal(5)

	Host      = External(0)
	Companion = External(1)
)

// Valid reports whether e names a real endpoint space.
func (e EndpointID) Valid() bool { return e.space == spaceInternal || e.space == spaceExternal }

// Wire packs e into its 16-bit transport representation.
func (e EndpointID) Wire() uint16 { return uint16(e.space)<<8 | uint16(e.index) }

// EndpointFromWire is the inverse of Wire. The result may be invalid;
// callers at a transport boundary must check Valid.
func EndpointFromWire(w uint16) EndpointID {
	return EndpointID{space: uint8(w >> 8), index: uint8(w)}
}

func (e EndpointID) String() string {
	switch e {
	case PowerPolicy:
		return "internal/power"
	case Battery:
		return "internal/battery"
	case Thermal:
		return "internal/thermal"
	case Firmware:
		return "internal/firmware"
	case Usbc:
		return "internal/usbc"
	case Debug:
		return "internal/debug"
	case Host:
		return "external/host"
	case Companion:
		return "external/companion"
	}
	switch e.space {
	case spaceInternal:
		return "internal/" + itoa(e.index)
	case spaceExternal:
		return "external/" + itoa(e.index)
	}
	return "invalid"
}

// ParseEndpoint resolves the textual form used in topology files.
func ParseEndpoint(s string) (EndpointID, error) {
	named := map[string]EndpointID{
		"internal/power":     PowerPolicy,
		"internal/battery":   Battery,
		"internal/thermal":   Thermal,
		"internal/firmware":  Firmware,
		"internal/usbc":      Usbc,
		"internal/debug":     Debug,
		"external/host":      Host,
		"external/companion": Companion,
	}
	if id, ok := named[s]; ok {
		return id, nil
	}
	return EndpointID{}, &errcode.E{C: errcode.InvalidParams, Op: "comms.ParseEndpoint", Msg: "unknown endpoint " + s}
}

func itoa(v uint8) string {
	if v == 0 {
		return "0"
	}
	var buf [3]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// -----------------------------------------------------------------------------
// Capability masks
// -----------------------------------------------------------------------------

// CapMask is a bitset of message kinds an endpoint accepts, one bit per Kind.
type CapMask uint32

// Caps builds a mask from a list of kinds.
func Caps(kinds ...Kind) CapMask {
	var m CapMask
	for _, k := range kinds {
		m |= 1 << k
	}
	return m
}

// Has reports whether k is in the mask.
func (m CapMask) Has(k Kind) bool { return m&(1<<k) != 0 }

// Intersects reports whether the two masks share any kind.
func (m CapMask) Intersects(o CapMask) bool { return m&o != 0 }
