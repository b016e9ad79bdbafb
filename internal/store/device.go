package store

import (
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/trackcore/ingestd/internal/telemetry"
)

// Device mirrors one row of the external "devices" table (spec.md 6).
type Device struct {
	ID            uuid.UUID
	CanonicalKey  string
	IMEI          string
	Protocol      telemetry.Protocol
	ShortDeviceID *int
	FirmwareVer   string
	SimICCID      string
	LastSeen      time.Time
	IsActive      bool
}

// RegisterPatch is the mutation applied by RegisterDevice. Every field is
// written to the device row, zero values included.
type RegisterPatch struct {
	CanonicalKey string
	ShortDeviceID int
	FirmwareVer   string
	SimICCID      string
	LastSeen      time.Time
	Active        bool
}
