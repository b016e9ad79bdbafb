// Package router implements the protocol router named in spec.md 4.4: it
// peeks the first bytes of a newly accepted connection and decides which
// codec should own it, without discarding what it read.
package router

import (
	"bufio"
	"context"
	"errors"
	"net"
	"time"
)

type Protocol int

const (
	Unknown Protocol = iota
	TFMS90
	Teltonika
)

func (p Protocol) String() string {
	switch p {
	case TFMS90:
		return "tfms90"
	case Teltonika:
		return "teltonika"
	default:
		return "unknown"
	}
}

// ErrNoMatch is returned when neither protocol recognizes the peeked
// bytes within the peek budget (spec.md 4.4, "close with no ack").
var ErrNoMatch = errors.New("router: no protocol matched peeked bytes")

const peekBudget = 64

// Decision carries the selected protocol plus the bytes that were
// consumed to decide it — these MUST be replayed as the start of the
// codec's input stream (spec.md 4.4, "never discarded").
type Decision struct {
	Protocol Protocol
	Peeked   []byte
}

// Route reads up to peekBudget bytes from conn under the given deadline
// and classifies the connection (spec.md 4.4's decision rule).
func Route(ctx context.Context, conn net.Conn, peekDeadline time.Duration) (Decision, error) {
	if err := conn.SetReadDeadline(time.Now().Add(peekDeadline)); err != nil {
		return Decision{}, err
	}
	defer conn.SetReadDeadline(time.Time{})

	reader := bufio.NewReaderSize(conn, peekBudget)

	if _, err := reader.Peek(1); err != nil {
		return Decision{}, err
	}

	if looksLikeTFMS90(reader) {
		return consumeAs(reader, TFMS90)
	}

	if looksLikeTeltonikaGreeting(reader) {
		return consumeAs(reader, Teltonika)
	}

	return Decision{}, ErrNoMatch
}

// looksLikeTFMS90 matches a leading '$', or '\n'/'\r' immediately
// preceding one — TFMS90 devices are known to emit a stray line ending
// before the first frame.
func looksLikeTFMS90(reader *bufio.Reader) bool {
	for n := 1; n <= peekBudget; n++ {
		b, err := reader.Peek(n)
		if err != nil {
			return false
		}
		switch b[n-1] {
		case '$':
			return true
		case '\n', '\r':
			continue
		default:
			return false
		}
	}
	return false
}

// looksLikeTeltonikaGreeting peeks the two-byte length prefix and
// confirms the following bytes are 15 ASCII digits (an IMEI).
func looksLikeTeltonikaGreeting(reader *bufio.Reader) bool {
	header, err := reader.Peek(2 + 15)
	if err != nil {
		return false
	}

	length := int(header[0])<<8 | int(header[1])
	if length != 15 {
		return false
	}

	for _, c := range header[2:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func consumeAs(reader *bufio.Reader, p Protocol) (Decision, error) {
	buffered := reader.Buffered()
	peeked, err := reader.Peek(buffered)
	if err != nil {
		return Decision{}, err
	}
	out := make([]byte, len(peeked))
	copy(out, peeked)
	return Decision{Protocol: p, Peeked: out}, nil
}
