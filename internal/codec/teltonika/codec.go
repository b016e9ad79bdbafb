package teltonika

import (
	"encoding/binary"
	"errors"

	"github.com/trackcore/ingestd/internal/telemetry"
)

const preambleLength = 4
const codecIDCodec8E = 0x8E

var (
	errShortDataField   = errors.New("teltonika: data field shorter than declared length")
	errUnsupportedCodec = errors.New("teltonika: unsupported codec id")
)

// Batch is one decoded (or rejected) AVL packet.
type Batch struct {
	Records  []*telemetry.Record
	Ack      []byte // 4-byte big-endian count; all-zero on CRC mismatch
	CRCValid bool
}

// Parser accumulates bytes across reads and splits out complete AVL
// packets, tolerating fragmentation the same way the TFMS90 parser does
// (spec.md 8, property 5 applies to both codecs).
type Parser struct {
	buf []byte
}

func NewParser() *Parser {
	return &Parser{}
}

// Feed appends newly read bytes and returns every complete AVL batch
// that can now be extracted. A trailing partial packet stays buffered.
func (p *Parser) Feed(data []byte) []*Batch {
	p.buf = append(p.buf, data...)

	var batches []*Batch
	for {
		batch, consumed, ok := p.tryExtract()
		if !ok {
			break
		}
		p.buf = p.buf[consumed:]
		batches = append(batches, batch)
	}

	return batches
}

func (p *Parser) tryExtract() (*Batch, int, bool) {
	buf := p.buf
	if len(buf) < preambleLength+4+1+1 {
		return nil, 0, false
	}

	dataFieldLen := int(binary.BigEndian.Uint32(buf[preambleLength : preambleLength+4]))
	// total on-wire length: preamble + length field + data field + trailing 4-byte CRC
	total := preambleLength + 4 + dataFieldLen + 4
	if len(buf) < total {
		return nil, 0, false
	}

	dataField := buf[preambleLength+4 : preambleLength+4+dataFieldLen]
	crcRaw := buf[preambleLength+4+dataFieldLen : total]
	wantCRC := uint32(crcRaw[0])<<24 | uint32(crcRaw[1])<<16 | uint32(crcRaw[2])<<8 | uint32(crcRaw[3])

	gotCRC := uint32(crc16IBM(dataField))
	if gotCRC != wantCRC {
		return &Batch{Ack: []byte{0, 0, 0, 0}, CRCValid: false}, total, true
	}

	records, recordCount, err := decodeDataField(dataField)
	if err != nil {
		// malformed despite a valid CRC: treat like a CRC failure so the
		// device retries rather than silently losing the batch.
		return &Batch{Ack: []byte{0, 0, 0, 0}, CRCValid: false}, total, true
	}

	ack := make([]byte, 4)
	binary.BigEndian.PutUint32(ack, uint32(recordCount))

	return &Batch{Records: records, Ack: ack, CRCValid: true}, total, true
}

// decodeDataField parses codec id + record count + records + trailing
// repeated record count from the CRC-covered data field.
func decodeDataField(dataField []byte) ([]*telemetry.Record, int, error) {
	if len(dataField) < 2 {
		return nil, 0, errShortDataField
	}
	if dataField[0] != codecIDCodec8E {
		return nil, 0, errUnsupportedCodec
	}
	count := int(dataField[1])

	records, consumed, err := parseAVLRecords(dataField[2:], count)
	if err != nil {
		return nil, 0, err
	}

	// trailing repeated record count, one byte, right after the records.
	trailerOffset := 2 + consumed
	if len(dataField) < trailerOffset+1 {
		return nil, 0, errShortDataField
	}

	return records, count, nil
}
