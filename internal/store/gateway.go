// Package store is the Store Gateway: the only component in the core that
// knows about SQL, JSONB, or the shape of the devices/telemetry_data
// tables. Nothing else in the core imports database/sql directly.
package store

import (
	"context"
	"fmt"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/trackcore/ingestd/internal/telemetry"
)

// ErrAbsent is returned by LookupByIMEI when no device row matches.
var ErrAbsent = fmt.Errorf("device not found")

// Gateway is the narrow data-access surface named in spec.md 4.1. Every
// method must be safe for concurrent callers.
type Gateway interface {
	// LookupByIMEI returns the device row for a 15-digit IMEI, or
	// ErrAbsent if none exists.
	LookupByIMEI(ctx context.Context, imei string) (*Device, error)

	// AllocateShortID hands out the next unused short ID for a protocol,
	// starting at 100, monotonically increasing, never reused.
	AllocateShortID(ctx context.Context, protocol telemetry.Protocol) (int, error)

	// RegisterDevice commits an identity patch for an existing device
	// row, addressed by its internal UUID.
	RegisterDevice(ctx context.Context, deviceUUID uuid.UUID, patch RegisterPatch) error

	// TouchLastSeen updates last_seen for the device with the given
	// canonical key. Coalesced by the caller (handler), not here.
	TouchLastSeen(ctx context.Context, canonicalKey string, ts time.Time) error

	// InsertTelemetry persists one telemetry row and returns its row id.
	// Must not fail because of unknown top-level keys in Extras: extras
	// are always serialized to a single JSON column.
	InsertTelemetry(ctx context.Context, rec *telemetry.Record) (int64, error)

	// RegisteredIMEIs returns the set of IMEIs currently known to the
	// store. Nothing in the core calls it: the handlers accept or reject
	// a device with LookupByIMEI.
	RegisteredIMEIs(ctx context.Context) (map[string]bool, error)
}
