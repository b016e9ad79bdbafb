package tfms90

import (
	"strconv"
	"strings"
	"time"

	"github.com/trackcore/ingestd/internal/telemetry"
)

// epoch2000 anchors the hex-encoded seconds-since fields used throughout
// TFMS90 payloads (spec.md 4.2's timestamp encoding, confirmed against
// the reference adapter).
var epoch2000 = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// field indexes are 0-based into the full comma-split frame, with parts[0]
// being the literal "$". This is the indexing spec.md 4.2 uses when it
// calls out "field index 14" as the TD status-flags byte.
const (
	idxToken       = 1
	idxMsgType     = 2
	idxDeviceField = 3
	idxTripNumber  = 4
	idxTimestamp   = 5
)

func parseByMessageType(f *Frame, parts []string) {
	if idxTripNumber < len(parts) {
		f.rawTripNumber = parts[idxTripNumber]
	}

	switch f.MessageType {
	case "LG":
		parseLogin(f, parts)
	case "TD":
		f.Records = append(f.Records, parseTD(f, parts))
	case "TS":
		f.Records = append(f.Records, parseTS(f, parts))
	case "TE":
		f.Records = append(f.Records, parseTE(f, parts))
	case "HB":
		f.Records = append(f.Records, parseHB(f, parts))
	case "FLF", "FLD":
		f.Records = append(f.Records, parseFuelEvent(f, parts))
	case "HA2", "HB2", "HC2", "OS3", "STAT":
		f.Records = append(f.Records, parseGenericEvent(f, parts))
	default:
		// Unknown message type: stored with message_type=<as-seen> and
		// empty telemetry so device-side retries cease (spec.md 9).
		f.Records = append(f.Records, &telemetry.Record{
			DeviceKey:   f.DeviceField,
			Protocol:    telemetry.ProtocolTFMS90,
			MessageType: telemetry.MessageType(f.MessageType),
			Extras:      map[string]any{},
		})
	}
}

func parseLogin(f *Frame, parts []string) {
	// $,<token>,LG,<imei>,<firmware>,<iccid>,#?
	login := &LoginIntent{Token: f.Token, IMEI: f.DeviceField}
	if len(parts) > 4 {
		login.Firmware = parts[4]
	}
	if len(parts) > 5 {
		login.SimICCID = parts[5]
	}
	f.Login = login
}

func baseRecord(f *Frame, msgType telemetry.MessageType, parts []string) *telemetry.Record {
	r := &telemetry.Record{
		DeviceKey:   f.DeviceField,
		Protocol:    telemetry.ProtocolTFMS90,
		MessageType: msgType,
		Extras:      map[string]any{},
	}
	if len(parts) > idxTimestamp {
		if ts, ok := decodeHexTimestamp(parts[idxTimestamp]); ok {
			r.Timestamp = ts
		}
	}
	return r
}

// parseTD parses tracking-data messages:
// $,<token>,TD,<id>,<trip>,<ts>,<lat>,<lon>,<speed>,<heading>,<sat>,<alt>,
//   <fuel>,<odometer>,<status>,<aux1>,<aux2>,<aux3>,<aux4>,#?
func parseTD(f *Frame, parts []string) *telemetry.Record {
	r := baseRecord(f, telemetry.MsgTD, parts)

	setAt(parts, 6, func(v string) { r.Latitude = parseCoordinate(v, 90) })
	setAt(parts, 7, func(v string) { r.Longitude = parseCoordinate(v, 180) })
	setAt(parts, 8, func(v string) { r.Speed = parseFloatPtr(v) })
	setAt(parts, 9, func(v string) { r.Heading = parseFloatPtr(v) })
	setAt(parts, 10, func(v string) { r.Satellite = parseIntSafe(v) })
	setAt(parts, 11, func(v string) { r.Altitude = parseFloatPtr(v) })
	setAt(parts, 12, func(v string) {
		r.FuelLevel = parseFloatPtr(v)
		if r.FuelLevel != nil {
			r.Extras["fuel_level"] = *r.FuelLevel
		}
	})
	setAt(parts, 13, func(v string) { r.Extras["odometer"] = v })
	setAt(parts, 14, func(v string) { r.Ignition = parseIgnitionByte(v) })
	for i, name := range []string{"aux1", "aux2", "aux3", "aux4"} {
		setAt(parts, 15+i, func(v string) { r.Extras[name] = v })
	}

	return r
}

// parseTS parses trip-start messages, a lighter-weight variant of TD
// without fuel/odometer/status fields.
func parseTS(f *Frame, parts []string) *telemetry.Record {
	r := baseRecord(f, telemetry.MsgTS, parts)

	setAt(parts, 6, func(v string) { r.Latitude = parseCoordinate(v, 90) })
	setAt(parts, 7, func(v string) { r.Longitude = parseCoordinate(v, 180) })
	setAt(parts, 8, func(v string) { r.Speed = parseFloatPtr(v) })
	setAt(parts, 9, func(v string) { r.Heading = parseFloatPtr(v) })
	setAt(parts, 10, func(v string) { r.Satellite = parseIntSafe(v) })

	return r
}

// parseTE parses trip-end messages and promotes the trip summary fields
// to top-level Record attributes (spec.md 4.2 "TE promotion"). The exact
// slot layout is not documented in the wire spec; this order follows the
// natural start/end pairing used elsewhere in the protocol (see
// DESIGN.md, "TFMS90 TE (trip-end) field layout").
func parseTE(f *Frame, parts []string) *telemetry.Record {
	r := baseRecord(f, telemetry.MsgTE, parts)

	if len(parts) > 5 {
		if ts, ok := decodeHexTimestamp(parts[5]); ok {
			r.StartTimestamp = &ts
		}
	}
	if len(parts) > 6 {
		if ts, ok := decodeHexTimestamp(parts[6]); ok {
			r.EndTimestamp = &ts
			r.Timestamp = ts
		}
	}
	setAt(parts, 7, func(v string) { r.DurationSeconds = parseFloatPtr(v) })
	setAt(parts, 8, func(v string) { r.StartLatitude = parseCoordinate(v, 90) })
	setAt(parts, 9, func(v string) { r.StartLongitude = parseCoordinate(v, 180) })
	setAt(parts, 10, func(v string) { r.Latitude = parseCoordinate(v, 90) })
	setAt(parts, 11, func(v string) { r.Longitude = parseCoordinate(v, 180) })
	setAt(parts, 12, func(v string) { r.StartFuel = parseFloatPtr(v) })
	setAt(parts, 13, func(v string) { r.EndFuel = parseFloatPtr(v) })
	setAt(parts, 14, func(v string) { r.DistanceKM = parseFloatPtr(v) })

	return r
}

func parseHB(f *Frame, parts []string) *telemetry.Record {
	return baseRecord(f, telemetry.MsgHB, parts)
}

// parseFuelEvent handles FLF (fuel fill) and FLD (fuel drain):
// $,<token>,<FLF|FLD>,<id>,<trip>,<ts>,<fuel_before>,<fuel_after>,<amount>,#?
func parseFuelEvent(f *Frame, parts []string) *telemetry.Record {
	msgType := telemetry.MsgFLF
	if f.MessageType == "FLD" {
		msgType = telemetry.MsgFLD
	}
	r := baseRecord(f, msgType, parts)

	setAt(parts, 6, func(v string) { r.Extras["fuel_before"] = parseFloatOrRaw(v) })
	setAt(parts, 7, func(v string) { r.Extras["fuel_after"] = parseFloatOrRaw(v) })
	setAt(parts, 8, func(v string) { r.Extras["amount"] = parseFloatOrRaw(v) })

	return r
}

// parseGenericEvent handles HA2/HB2/HC2/OS3/STAT: one record whose extras
// carry whatever numeric fields the event line up (spec.md 4.2).
func parseGenericEvent(f *Frame, parts []string) *telemetry.Record {
	r := baseRecord(f, telemetry.MessageType(f.MessageType), parts)

	for i := idxTimestamp + 1; i < len(parts); i++ {
		v := strings.TrimSpace(parts[i])
		if v == "" {
			continue
		}
		r.Extras["field_"+strconv.Itoa(i)] = parseFloatOrRaw(v)
	}

	return r
}

func setAt(parts []string, i int, apply func(string)) {
	if i < 0 || i >= len(parts) {
		return
	}
	v := strings.TrimSpace(parts[i])
	if v == "" {
		return
	}
	apply(v)
}

func decodeHexTimestamp(hexVal string) (time.Time, bool) {
	seconds, err := strconv.ParseInt(hexVal, 16, 64)
	if err != nil {
		return time.Time{}, false
	}
	return epoch2000.Add(time.Duration(seconds) * time.Second), true
}

// parseCoordinate returns nil when the value is out of [-bound, bound] or
// unparseable, rather than dropping the record (spec.md 8, invariant 6).
func parseCoordinate(v string, bound float64) *float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	if f < -bound || f > bound {
		return nil
	}
	return &f
}

func parseFloatPtr(v string) *float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

func parseFloatOrRaw(v string) any {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

func parseIntSafe(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// parseIgnitionByte decodes the TD status-flags hex byte at field index
// 14: bit 0 set means ignition on. Invalid hex yields BoolUnknown rather
// than a silent false (spec.md 9, "error-by-absence").
func parseIgnitionByte(hexVal string) telemetry.OptionalBool {
	n, err := strconv.ParseUint(hexVal, 16, 8)
	if err != nil {
		return telemetry.BoolUnknown
	}
	return telemetry.BoolFrom(n&0x01 == 1)
}
