package tfms90

import "fmt"

// BuildLoginAck renders the login acknowledgement: $,0,ACK,<short_id>,#?
// (spec.md 4.2).
func BuildLoginAck(shortID string) []byte {
	return []byte(fmt.Sprintf("$,0,ACK,%s,#?", shortID))
}

// BuildDataAck renders the acknowledgement for a non-LG frame:
// $,<token>,ACK,<short_id>,<record_count>,#? where <token> echoes the
// frame's trip number (see DESIGN.md, "TFMS90 ack token") and
// <record_count> is the number of records the frame produced.
func BuildDataAck(f *Frame, shortID string) []byte {
	return []byte(fmt.Sprintf("$,%s,ACK,%s,%d,#?", f.AckToken(), shortID, len(f.Records)))
}
