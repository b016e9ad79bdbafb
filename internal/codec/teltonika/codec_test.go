package teltonika

import (
	"encoding/hex"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex fixture: %v", err)
	}
	return b
}

func TestParseGreeting(t *testing.T) {
	data := mustHex(t, "000f383637373632303430333939303339")

	imei, consumed, ok := ParseGreeting(data)
	if !ok {
		t.Fatalf("expected complete greeting")
	}
	if imei != "867762040399039" {
		t.Errorf("imei = %q", imei)
	}
	if consumed != len(data) {
		t.Errorf("consumed = %d, want %d", consumed, len(data))
	}
}

func TestParseGreeting_Partial(t *testing.T) {
	data := mustHex(t, "000f3836373736323034")

	_, _, ok := ParseGreeting(data)
	if ok {
		t.Fatalf("expected incomplete greeting to report not-ok")
	}
}

// validBatchHex is one AVL batch with a single record: lat=25.180430,
// lon=51.414085, altitude=100, heading=180, satellites=9, speed=87,
// no IO elements, correct CRC16/IBM trailer (spec.md 8, Scenario F).
const validBatchHex = "000000000000001f8e010000018bcfe56800010f023a8c1ea52ab2006400b409005700000000010000c38c"

// invalidCRCBatchHex is the same batch with the final CRC byte flipped
// (spec.md 8, Scenario G).
const invalidCRCBatchHex = "000000000000001f8e010000018bcfe56800010f023a8c1ea52ab2006400b409005700000000010000c373"

func TestParser_ValidBatch(t *testing.T) {
	p := NewParser()
	batches := p.Feed(mustHex(t, validBatchHex))

	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	b := batches[0]
	if !b.CRCValid {
		t.Fatalf("expected valid CRC")
	}
	if len(b.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(b.Records))
	}
	r := b.Records[0]

	if r.Latitude == nil || round4(*r.Latitude) != 25.1804 {
		t.Errorf("lat = %v", r.Latitude)
	}
	if r.Longitude == nil || round4(*r.Longitude) != 51.4141 {
		t.Errorf("lon = %v", r.Longitude)
	}
	if r.Speed == nil || *r.Speed != 87 {
		t.Errorf("speed = %v", r.Speed)
	}
	if r.Heading == nil || *r.Heading != 180 {
		t.Errorf("heading = %v", r.Heading)
	}

	wantAck := []byte{0x00, 0x00, 0x00, 0x01}
	if string(b.Ack) != string(wantAck) {
		t.Errorf("ack = %x, want %x", b.Ack, wantAck)
	}
}

func TestParser_BadCRC(t *testing.T) {
	p := NewParser()
	batches := p.Feed(mustHex(t, invalidCRCBatchHex))

	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	b := batches[0]
	if b.CRCValid {
		t.Fatalf("expected CRC mismatch")
	}
	if len(b.Records) != 0 {
		t.Fatalf("expected zero records on CRC mismatch, got %d", len(b.Records))
	}
	wantAck := []byte{0x00, 0x00, 0x00, 0x00}
	if string(b.Ack) != string(wantAck) {
		t.Errorf("ack = %x, want %x", b.Ack, wantAck)
	}
}

func TestParser_FragmentationClosure(t *testing.T) {
	whole := mustHex(t, validBatchHex)

	full := NewParser()
	wholeBatches := full.Feed(whole)

	for split := 1; split < len(whole); split++ {
		split := split
		t.Run("", func(t *testing.T) {
			p := NewParser()
			var got []*Batch
			got = append(got, p.Feed(whole[:split])...)
			got = append(got, p.Feed(whole[split:])...)

			if len(got) != len(wholeBatches) {
				t.Fatalf("split %d: got %d batches, want %d", split, len(got), len(wholeBatches))
			}
			if len(got) == 0 {
				return
			}
			if string(got[0].Ack) != string(wholeBatches[0].Ack) {
				t.Errorf("split %d: ack mismatch", split)
			}
			if len(got[0].Records) != len(wholeBatches[0].Records) {
				t.Errorf("split %d: record count mismatch", split)
			}
		})
	}
}

func round4(v float64) float64 {
	return float64(int(v*10000+0.5)) / 10000
}
