// Package tfms90 implements the TFMS90 text-framed codec (spec.md 4.2):
// stream parsing of "$...#?" frames, per-message-type telemetry
// extraction, the LG login sub-protocol, and the acknowledgement
// contract.
package tfms90

import "github.com/trackcore/ingestd/internal/telemetry"

// LoginIntent is handed up to the Connection Handler for a parsed LG
// frame. The codec never talks to the Store Gateway itself (spec.md 4.5
// keeps identity-lifecycle decisions in the Handler).
type LoginIntent struct {
	Token       string
	IMEI        string
	Firmware    string
	SimICCID    string
}

// Frame is one successfully split "$...#?" (or "$...#") frame, decoded
// far enough to know its kind but not yet resolved against device
// identity.
type Frame struct {
	Token       string
	MessageType string // upper-cased, e.g. "TD", "LG", or the as-seen type for unknown ones
	DeviceField string // raw parts[3]: IMEI for LG, short id string otherwise

	Login   *LoginIntent         // set only when MessageType == "LG"
	Records []*telemetry.Record  // parsed telemetry, empty for LG or malformed frames

	Malformed bool // true when the frame's payload could not be parsed at all; no ack is sent for it

	rawTripNumber string
}

// AckToken is the value the handler should echo back in a data-frame ACK.
// Grounded on the reference implementation's connection handler, which
// echoes the message's trip number rather than its raw token field (see
// DESIGN.md, "TFMS90 ack token").
func (f *Frame) AckToken() string {
	if f.Login != nil {
		return "0"
	}
	if v, ok := f.tripNumber(); ok {
		return v
	}
	return f.Token
}

func (f *Frame) tripNumber() (string, bool) {
	if f.rawTripNumber == "" {
		return "", false
	}
	return f.rawTripNumber, true
}
