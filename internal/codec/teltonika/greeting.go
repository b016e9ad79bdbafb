// Package teltonika implements the Teltonika Codec 8E binary codec
// (spec.md 4.3): the IMEI greeting handshake and the AVL record batch
// framing, parsing, and acknowledgement.
package teltonika

// ParseGreeting reads the two-byte big-endian length prefix followed by
// that many ASCII digits (the IMEI) from buf. It returns the IMEI, the
// number of bytes consumed, and false if buf does not yet hold a
// complete greeting.
func ParseGreeting(buf []byte) (imei string, consumed int, ok bool) {
	if len(buf) < 2 {
		return "", 0, false
	}
	length := int(buf[0])<<8 | int(buf[1])
	if len(buf) < 2+length {
		return "", 0, false
	}
	return string(buf[2 : 2+length]), 2 + length, true
}

// AckGreeting renders the single-byte greeting acknowledgement: 0x01 to
// accept, 0x00 to reject and close (spec.md 4.3).
func AckGreeting(accept bool) []byte {
	if accept {
		return []byte{0x01}
	}
	return []byte{0x00}
}
