// Package telemetry holds the protocol-neutral observation record shared
// by every codec and consumed by the store gateway.
package telemetry

import "time"

// OptionalBool is a tri-state boolean. Protocols that can fail to report a
// flag (e.g. TFMS90's ignition bit on a malformed status byte) must be able
// to say so explicitly instead of defaulting to false.
type OptionalBool int

const (
	BoolUnknown OptionalBool = iota
	BoolTrue
	BoolFalse
)

// Ptr returns the value as a *bool, or nil when unknown.
func (b OptionalBool) Ptr() *bool {
	switch b {
	case BoolTrue:
		v := true
		return &v
	case BoolFalse:
		v := false
		return &v
	default:
		return nil
	}
}

func BoolFrom(v bool) OptionalBool {
	if v {
		return BoolTrue
	}
	return BoolFalse
}

// Protocol tags a record with the wire protocol it was parsed from.
type Protocol string

const (
	ProtocolTFMS90    Protocol = "tfms90"
	ProtocolTeltonika Protocol = "teltonika"
)

// MessageType enumerates the message kinds named in the spec.
type MessageType string

const (
	MsgTD      MessageType = "TD"
	MsgTS      MessageType = "TS"
	MsgTE      MessageType = "TE"
	MsgHB      MessageType = "HB"
	MsgFLF     MessageType = "FLF"
	MsgFLD     MessageType = "FLD"
	MsgHA2     MessageType = "HA2"
	MsgHB2     MessageType = "HB2"
	MsgHC2     MessageType = "HC2"
	MsgOS3     MessageType = "OS3"
	MsgSTAT    MessageType = "STAT"
	MsgLG      MessageType = "LG"
	MsgCodec8x MessageType = "codec_0x8"
)

// Record is one parsed observation, protocol-agnostic.
type Record struct {
	DeviceKey string // canonical device key
	Timestamp time.Time

	Latitude  *float64
	Longitude *float64
	Altitude  *float64
	Speed     *float64
	Heading   *float64
	Satellite int

	FuelLevel *float64
	Ignition  OptionalBool

	Protocol    Protocol
	MessageType MessageType

	// Extras is a free-form bag of protocol-specific values. It is never
	// expanded into top-level columns by the store gateway.
	Extras map[string]any

	// Trip-end promoted fields. Only populated for MsgTE.
	StartTimestamp  *time.Time
	EndTimestamp    *time.Time
	DurationSeconds *float64
	StartFuel       *float64
	EndFuel         *float64
	DistanceKM      *float64
	StartLatitude   *float64
	StartLongitude  *float64
}

// HasValidCoordinates reports whether both coordinates are present and not
// the (0,0) sentinel the spec asks downstream mirrors to skip. The core
// still persists the raw row regardless of this result (spec.md 3.
// Invariants).
func (r *Record) HasValidCoordinates() bool {
	if r.Latitude == nil || r.Longitude == nil {
		return false
	}
	return *r.Latitude != 0 || *r.Longitude != 0
}
