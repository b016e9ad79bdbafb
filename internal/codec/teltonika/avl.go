package teltonika

import (
	"fmt"
	"time"

	"github.com/filipkroca/b2n"
	"github.com/trackcore/ingestd/internal/telemetry"
)

// recordBuilder accumulates one AVL record's fields before it is
// converted into a telemetry.Record; applyIOElement writes into it
// directly so the IO-id switch stays free of telemetry-package imports
// beyond what's needed here.
type recordBuilder struct {
	timestamp time.Time
	priority  uint8
	latitude  *float64
	longitude *float64
	altitude  float64
	heading   float64
	satellite int
	speed     float64

	ignition    bool
	ignitionSet bool
	fuelLevel   *float64
	extras      map[string]any
}

func msToTime(ms uint64) time.Time {
	return time.UnixMilli(int64(ms)).UTC()
}

// parseAVLRecords decodes count consecutive AVL records starting at
// offset 0 of data and returns the parsed records plus the total number
// of bytes consumed (spec.md 4.3, "AVL record").
func parseAVLRecords(data []byte, count int) ([]*telemetry.Record, int, error) {
	records := make([]*telemetry.Record, 0, count)
	offset := 0

	for i := 0; i < count; i++ {
		rb := &recordBuilder{extras: map[string]any{}}

		tsRaw, err := b2n.ParseBs2Uint64(&data, offset)
		if err != nil {
			return nil, offset, fmt.Errorf("record %d: timestamp: %w", i, err)
		}
		rb.timestamp = msToTime(tsRaw)
		offset += 8

		priority, err := b2n.ParseBs2Uint8(&data, offset)
		if err != nil {
			return nil, offset, fmt.Errorf("record %d: priority: %w", i, err)
		}
		rb.priority = priority
		offset++

		latRaw, err := b2n.ParseBs2Int32TwoComplement(&data, offset)
		if err != nil {
			return nil, offset, fmt.Errorf("record %d: latitude: %w", i, err)
		}
		offset += 4
		lat := float64(latRaw) / 1e7
		if lat >= -90 && lat <= 90 {
			rb.latitude = &lat
		}

		lonRaw, err := b2n.ParseBs2Int32TwoComplement(&data, offset)
		if err != nil {
			return nil, offset, fmt.Errorf("record %d: longitude: %w", i, err)
		}
		offset += 4
		lon := float64(lonRaw) / 1e7
		if lon >= -180 && lon <= 180 {
			rb.longitude = &lon
		}

		altRaw, err := b2n.ParseBs2Uint16(&data, offset)
		if err != nil {
			return nil, offset, fmt.Errorf("record %d: altitude: %w", i, err)
		}
		rb.altitude = float64(altRaw)
		offset += 2

		angleRaw, err := b2n.ParseBs2Uint16(&data, offset)
		if err != nil {
			return nil, offset, fmt.Errorf("record %d: angle: %w", i, err)
		}
		rb.heading = float64(angleRaw)
		offset += 2

		sat, err := b2n.ParseBs2Uint8(&data, offset)
		if err != nil {
			return nil, offset, fmt.Errorf("record %d: satellites: %w", i, err)
		}
		rb.satellite = int(sat)
		offset++

		speedRaw, err := b2n.ParseBs2Uint16(&data, offset)
		if err != nil {
			return nil, offset, fmt.Errorf("record %d: speed: %w", i, err)
		}
		rb.speed = float64(speedRaw)
		offset += 2

		if _, err := parseIOGroups(data, &offset, rb); err != nil {
			return nil, offset, fmt.Errorf("record %d: io elements: %w", i, err)
		}

		records = append(records, rb.toRecord())
	}

	return records, offset, nil
}

// parseIOGroups walks the four fixed-width IO element groups (1, 2, 4,
// and 8 byte values), each introduced by a one-byte element count, each
// element keyed by a 2-byte id (the Codec 8E id width).
func parseIOGroups(data []byte, offset *int, rb *recordBuilder) (int, error) {
	total := 0

	widths := []int{1, 2, 4, 8}
	for _, width := range widths {
		count, err := b2n.ParseBs2Uint8(&data, *offset)
		if err != nil {
			return total, fmt.Errorf("group count (width %d): %w", width, err)
		}
		*offset++

		for i := 0; i < int(count); i++ {
			id, err := b2n.ParseBs2Uint16(&data, *offset)
			if err != nil {
				return total, fmt.Errorf("element id (width %d): %w", width, err)
			}
			*offset += 2

			var value int64
			switch width {
			case 1:
				v, err := b2n.ParseBs2Uint8(&data, *offset)
				if err != nil {
					return total, fmt.Errorf("element value (width 1): %w", err)
				}
				value = int64(v)
			case 2:
				v, err := b2n.ParseBs2Uint16(&data, *offset)
				if err != nil {
					return total, fmt.Errorf("element value (width 2): %w", err)
				}
				value = int64(v)
			case 4:
				v, err := b2n.ParseBs2Uint32(&data, *offset)
				if err != nil {
					return total, fmt.Errorf("element value (width 4): %w", err)
				}
				value = int64(v)
			case 8:
				v, err := b2n.ParseBs2Uint64(&data, *offset)
				if err != nil {
					return total, fmt.Errorf("element value (width 8): %w", err)
				}
				value = int64(v)
			}
			*offset += width

			applyIOElement(rb, id, value)
			total++
		}
	}

	return total, nil
}

func (rb *recordBuilder) toRecord() *telemetry.Record {
	r := &telemetry.Record{
		Timestamp:   rb.timestamp,
		Latitude:    rb.latitude,
		Longitude:   rb.longitude,
		Altitude:    floatPtr(rb.altitude),
		Speed:       floatPtr(rb.speed),
		Heading:     floatPtr(rb.heading),
		Satellite:   rb.satellite,
		FuelLevel:   rb.fuelLevel,
		Protocol:    telemetry.ProtocolTeltonika,
		MessageType: telemetry.MsgCodec8x,
		Extras:      rb.extras,
	}
	if rb.ignitionSet {
		r.Ignition = telemetry.BoolFrom(rb.ignition)
	} else {
		r.Ignition = telemetry.BoolUnknown
	}
	r.Extras["priority"] = rb.priority
	return r
}

func floatPtr(v float64) *float64 {
	return &v
}
