package tfms90

import "testing"

func scenarioBInput() []byte {
	return []byte("$,0,TD,100,1,1A2B3C4D,13.067439,80.237617,45,270,12,1.2,45.5,123456,0F,03,0.0,12.8,22,#?")
}

func TestParser_LoginFrame(t *testing.T) {
	p := NewParser()
	frames := p.Feed([]byte("$,0,LG,867762040399039,2.0.1,89970000000000000000,#?"))

	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	f := frames[0]
	if f.Malformed {
		t.Fatalf("frame unexpectedly malformed")
	}
	if f.MessageType != "LG" {
		t.Fatalf("expected LG, got %s", f.MessageType)
	}
	if f.Login == nil {
		t.Fatalf("expected login intent")
	}
	if f.Login.IMEI != "867762040399039" {
		t.Errorf("imei = %q", f.Login.IMEI)
	}
	if f.Login.Firmware != "2.0.1" {
		t.Errorf("firmware = %q", f.Login.Firmware)
	}
	if f.Login.SimICCID != "89970000000000000000" {
		t.Errorf("iccid = %q", f.Login.SimICCID)
	}
	if got := BuildLoginAck("100"); string(got) != "$,0,ACK,100,#?" {
		t.Errorf("login ack = %q", got)
	}
}

func TestParser_TDIgnitionOn(t *testing.T) {
	p := NewParser()
	frames := p.Feed(scenarioBInput())

	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	f := frames[0]
	if len(f.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(f.Records))
	}
	r := f.Records[0]

	if r.Latitude == nil || *r.Latitude != 13.067439 {
		t.Errorf("lat = %v", r.Latitude)
	}
	if r.Longitude == nil || *r.Longitude != 80.237617 {
		t.Errorf("lon = %v", r.Longitude)
	}
	if r.Speed == nil || *r.Speed != 45 {
		t.Errorf("speed = %v", r.Speed)
	}
	if r.Heading == nil || *r.Heading != 270 {
		t.Errorf("heading = %v", r.Heading)
	}
	if r.Satellite != 12 {
		t.Errorf("satellites = %v", r.Satellite)
	}
	if r.FuelLevel == nil || *r.FuelLevel != 45.5 {
		t.Errorf("fuel level = %v", r.FuelLevel)
	}
	if b := r.Ignition.Ptr(); b == nil || !*b {
		t.Errorf("ignition = %v, want true", r.Ignition)
	}

	ack := BuildDataAck(f, "100")
	if string(ack) != "$,1,ACK,100,1,#?" {
		t.Errorf("ack = %q", ack)
	}
}

func TestParser_TDIgnitionOff(t *testing.T) {
	p := NewParser()
	input := []byte("$,0,TD,100,1,1A2B3C4D,13.067439,80.237617,45,270,12,1.2,45.5,123456,0E,03,0.0,12.8,22,#?")
	frames := p.Feed(input)

	r := frames[0].Records[0]
	if b := r.Ignition.Ptr(); b == nil || *b {
		t.Errorf("ignition = %v, want false", r.Ignition)
	}
}

func TestParser_FragmentationClosure(t *testing.T) {
	whole := scenarioBInput()

	full := NewParser()
	wholeFrames := full.Feed(whole)

	for split := 1; split < len(whole); split++ {
		split := split
		t.Run("", func(t *testing.T) {
			p := NewParser()
			var got []*Frame
			got = append(got, p.Feed(whole[:split])...)
			got = append(got, p.Feed(whole[split:])...)

			if len(got) != len(wholeFrames) {
				t.Fatalf("split %d: got %d frames, want %d", split, len(got), len(wholeFrames))
			}
			if len(got) == 0 {
				return
			}
			if got[0].MessageType != wholeFrames[0].MessageType {
				t.Errorf("split %d: message type mismatch", split)
			}
			if got[0].AckToken() != wholeFrames[0].AckToken() {
				t.Errorf("split %d: ack token mismatch", split)
			}
			if len(got[0].Records) != len(wholeFrames[0].Records) {
				t.Errorf("split %d: record count mismatch", split)
			}
		})
	}
}

func TestParser_UnknownMessageType(t *testing.T) {
	p := NewParser()
	frames := p.Feed([]byte("$,0,GEO,100,1,#?"))

	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	f := frames[0]
	if f.MessageType != "GEO" {
		t.Errorf("message type = %q", f.MessageType)
	}
	if len(f.Records) != 1 {
		t.Fatalf("expected 1 empty-telemetry record, got %d", len(f.Records))
	}
	if f.Records[0].Latitude != nil {
		t.Errorf("expected no coordinates for unknown type")
	}
}

func TestParser_MalformedFrameNoAck(t *testing.T) {
	p := NewParser()
	frames := p.Feed([]byte("garbage$bad#?$,0,TD,100,1,#?"))

	// the leading "garbage" byte run has no '$' of its own attached to a
	// well-formed frame; only the trailing frame should parse.
	var nonMalformed, malformed int
	for _, f := range frames {
		if !f.Malformed {
			nonMalformed++
		} else {
			malformed++
		}
	}
	if nonMalformed != 1 {
		t.Fatalf("expected exactly one well-formed frame, got %d out of %d", nonMalformed, len(frames))
	}
	// a Malformed frame is the one the handler sends no ack for.
	if malformed == 0 {
		t.Fatalf("expected the \"$bad#?\" frame to be marked malformed")
	}
}
