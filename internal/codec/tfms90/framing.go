package tfms90

import (
	"bytes"
	"strings"
)

// Parser accumulates bytes across reads and splits out complete "$...#?"
// (or "$...#") frames, tolerating concatenation, fragmentation across
// reads, leading garbage, and interleaved whitespace (spec.md 4.2).
type Parser struct {
	buf []byte
}

func NewParser() *Parser {
	return &Parser{}
}

// Feed appends newly-read bytes and returns every complete frame that can
// now be extracted, in order. Any trailing partial frame stays buffered
// for the next call — this is what makes fragmentation-closure hold
// (spec.md 8, property 5).
func (p *Parser) Feed(data []byte) []*Frame {
	p.buf = append(p.buf, data...)

	var frames []*Frame
	for {
		start := bytes.IndexByte(p.buf, '$')
		if start == -1 {
			// no frame start buffered at all; drop garbage and wait
			p.buf = p.buf[:0]
			break
		}
		if start > 0 {
			p.buf = p.buf[start:]
		}

		end, complete := findTerminator(p.buf)
		if !complete {
			break // partial frame, wait for more bytes
		}

		raw := p.buf[:end]
		p.buf = p.buf[end:]

		frames = append(frames, parseFrame(raw))
	}

	return frames
}

// findTerminator looks for "#?" or a standalone "#" and returns the index
// just past the terminator. If the buffer ends right on a lone '#' it is
// ambiguous whether a trailing '?' is still in flight, so the caller must
// wait for more bytes.
func findTerminator(buf []byte) (int, bool) {
	for i := 1; i < len(buf); i++ {
		if buf[i] != '#' {
			continue
		}
		if i+1 < len(buf) {
			if buf[i+1] == '?' {
				return i + 2, true
			}
			return i + 1, true
		}
		// '#' is the last buffered byte: might still become "#?"
		return 0, false
	}
	return 0, false
}

func parseFrame(raw []byte) *Frame {
	text := strings.TrimRight(string(raw), "\r\n \t")
	text = strings.TrimSuffix(text, "#?")
	text = strings.TrimSuffix(text, "#")

	if !strings.HasPrefix(text, "$") {
		return &Frame{Malformed: true}
	}

	parts := strings.Split(text, ",")
	if len(parts) < 4 {
		return &Frame{Malformed: true}
	}

	f := &Frame{
		Token:       parts[1],
		MessageType: strings.ToUpper(parts[2]),
		DeviceField: parts[3],
	}

	parseByMessageType(f, parts)

	return f
}
