package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	uuid "github.com/satori/go.uuid"

	"github.com/trackcore/ingestd/internal/telemetry"
)

// Postgres is the production Gateway, a constructed collaborator wrapping
// a *sqlx.DB. Unlike the teacher's ambient package-global client, it is
// built once in main and passed explicitly down through the Listener to
// every Handler (spec.md 9, "ambient global store client in the source").
type Postgres struct {
	db *sqlx.DB
}

// Config holds the connection parameters required to dial the store.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func Open(cfg Config) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to store. %v", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

type deviceRow struct {
	ID            uuid.UUID      `db:"id"`
	CanonicalKey  string         `db:"canonical_key"`
	IMEI          string         `db:"imei"`
	Protocol      string         `db:"protocol"`
	ShortDeviceID sql.NullInt64  `db:"short_device_id"`
	FirmwareVer   sql.NullString `db:"firmware_version"`
	SimICCID      sql.NullString `db:"sim_iccid"`
	LastSeen      sql.NullTime   `db:"last_seen"`
	IsActive      bool           `db:"is_active"`
}

func (r deviceRow) toDevice() *Device {
	d := &Device{
		ID:           r.ID,
		CanonicalKey: r.CanonicalKey,
		IMEI:         r.IMEI,
		Protocol:     telemetry.Protocol(r.Protocol),
		FirmwareVer:  r.FirmwareVer.String,
		SimICCID:     r.SimICCID.String,
		IsActive:     r.IsActive,
	}
	if r.ShortDeviceID.Valid {
		v := int(r.ShortDeviceID.Int64)
		d.ShortDeviceID = &v
	}
	if r.LastSeen.Valid {
		d.LastSeen = r.LastSeen.Time
	}
	return d
}

func (p *Postgres) LookupByIMEI(ctx context.Context, imei string) (*Device, error) {
	var row deviceRow
	err := p.db.GetContext(ctx, &row, `
		SELECT id, canonical_key, imei, protocol, short_device_id, firmware_version, sim_iccid, last_seen, is_active
		FROM devices WHERE imei = $1 LIMIT 1`, imei)
	if err == sql.ErrNoRows {
		return nil, ErrAbsent
	}
	if err != nil {
		return nil, fmt.Errorf("lookup by imei failed. %v", err)
	}
	return row.toDevice(), nil
}

// AllocateShortID serializes allocation per protocol behind a row lock on
// a dedicated counter table, so two first-contact devices racing on the
// same protocol cannot receive the same short ID (spec.md 5).
func (p *Postgres) AllocateShortID(ctx context.Context, protocol telemetry.Protocol) (int, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start allocation transaction. %v", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO short_id_counters (protocol, next_value) VALUES ($1, 100)
		ON CONFLICT (protocol) DO NOTHING`, protocol)
	if err != nil {
		return 0, fmt.Errorf("failed to seed short id counter. %v", err)
	}

	var next int
	err = tx.GetContext(ctx, &next, `
		SELECT next_value FROM short_id_counters WHERE protocol = $1 FOR UPDATE`, protocol)
	if err != nil {
		return 0, fmt.Errorf("failed to lock short id counter. %v", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE short_id_counters SET next_value = next_value + 1 WHERE protocol = $1`, protocol)
	if err != nil {
		return 0, fmt.Errorf("failed to advance short id counter. %v", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit short id allocation. %v", err)
	}

	return next, nil
}

func (p *Postgres) RegisterDevice(ctx context.Context, deviceUUID uuid.UUID, patch RegisterPatch) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE devices
		SET canonical_key = $1, short_device_id = $2, firmware_version = $3, sim_iccid = $4, last_seen = $5, is_active = $6
		WHERE id = $7`,
		patch.CanonicalKey, patch.ShortDeviceID, patch.FirmwareVer, patch.SimICCID, patch.LastSeen, patch.Active, deviceUUID)
	if err != nil {
		return fmt.Errorf("failed to register device %s. %v", deviceUUID, err)
	}
	return nil
}

func (p *Postgres) TouchLastSeen(ctx context.Context, canonicalKey string, ts time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE devices SET last_seen = $1 WHERE canonical_key = $2`, ts, canonicalKey)
	if err != nil {
		return fmt.Errorf("failed to touch last_seen for %s. %v", canonicalKey, err)
	}
	return nil
}

// InsertTelemetry writes one row. Extras is the ONLY place a free-form map
// is serialized; it is written to a single JSONB column and every
// promoted top-level attribute is written to its own column explicitly —
// never derived by unnesting Extras (spec.md 4.1, 9).
func (p *Postgres) InsertTelemetry(ctx context.Context, rec *telemetry.Record) (int64, error) {
	extrasJSON, err := json.Marshal(rec.Extras)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize extras. %v", err)
	}

	var id int64
	err = p.db.GetContext(ctx, &id, `
		INSERT INTO telemetry_data (
			device_key, timestamp, latitude, longitude, altitude, speed, heading, satellites,
			fuel_level, ignition, protocol, message_type,
			start_timestamp, end_timestamp, duration_seconds, start_fuel, end_fuel, distance_km,
			start_latitude, start_longitude, io_elements
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18,
			$19, $20, $21
		) RETURNING id`,
		rec.DeviceKey, rec.Timestamp, rec.Latitude, rec.Longitude, rec.Altitude, rec.Speed, rec.Heading, rec.Satellite,
		rec.FuelLevel, rec.Ignition.Ptr(), string(rec.Protocol), string(rec.MessageType),
		rec.StartTimestamp, rec.EndTimestamp, rec.DurationSeconds, rec.StartFuel, rec.EndFuel, rec.DistanceKM,
		rec.StartLatitude, rec.StartLongitude, []byte(extrasJSON))
	if err != nil {
		return 0, fmt.Errorf("failed to insert telemetry row for %s. %v", rec.DeviceKey, err)
	}
	return id, nil
}

func (p *Postgres) RegisteredIMEIs(ctx context.Context) (map[string]bool, error) {
	var imeis []string
	err := p.db.SelectContext(ctx, &imeis, `SELECT imei FROM devices WHERE imei IS NOT NULL AND imei != ''`)
	if err != nil {
		return nil, fmt.Errorf("failed to list registered imeis. %v", err)
	}

	set := make(map[string]bool, len(imeis))
	for _, imei := range imeis {
		set[imei] = true
	}
	return set, nil
}
