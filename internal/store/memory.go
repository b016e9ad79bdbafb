package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/trackcore/ingestd/internal/telemetry"
)

// MemoryGateway is a hand-written test double implementing Gateway,
// grounded on the teacher's own style of fakes (uds/multiServerMock.go)
// rather than a mocking library. It backs the handler/listener test suites.
type MemoryGateway struct {
	mu sync.Mutex

	devicesByIMEI map[string]*Device
	devicesByUUID map[uuid.UUID]*Device
	counters      map[telemetry.Protocol]int
	inserted      []*telemetry.Record

	insertFailuresRemaining int
	blockGate               chan struct{}
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		devicesByIMEI: make(map[string]*Device),
		devicesByUUID: make(map[uuid.UUID]*Device),
		counters:      make(map[telemetry.Protocol]int),
	}
}

// Seed registers a pre-existing device row, as if created externally by
// the portal before the device's first connection.
func (m *MemoryGateway) Seed(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.devicesByIMEI[d.IMEI] = d
	m.devicesByUUID[d.ID] = d
}

func (m *MemoryGateway) LookupByIMEI(_ context.Context, imei string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devicesByIMEI[imei]
	if !ok {
		return nil, ErrAbsent
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryGateway) AllocateShortID(_ context.Context, protocol telemetry.Protocol) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.counters[protocol]
	if next == 0 {
		next = 100
	}
	m.counters[protocol] = next + 1
	return next, nil
}

func (m *MemoryGateway) RegisterDevice(_ context.Context, deviceUUID uuid.UUID, patch RegisterPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devicesByUUID[deviceUUID]
	if !ok {
		return fmt.Errorf("device %s not found", deviceUUID)
	}

	d.CanonicalKey = patch.CanonicalKey
	d.ShortDeviceID = &patch.ShortDeviceID
	d.FirmwareVer = patch.FirmwareVer
	d.SimICCID = patch.SimICCID
	d.LastSeen = patch.LastSeen
	d.IsActive = patch.Active
	return nil
}

func (m *MemoryGateway) TouchLastSeen(_ context.Context, canonicalKey string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.devicesByUUID {
		if d.CanonicalKey == canonicalKey {
			d.LastSeen = ts
			return nil
		}
	}
	return fmt.Errorf("device with canonical key %s not found", canonicalKey)
}

func (m *MemoryGateway) InsertTelemetry(_ context.Context, rec *telemetry.Record) (int64, error) {
	m.mu.Lock()
	gate := m.blockGate
	m.blockGate = nil
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.insertFailuresRemaining > 0 {
		m.insertFailuresRemaining--
		return 0, fmt.Errorf("simulated transient store failure")
	}

	cp := *rec
	m.inserted = append(m.inserted, &cp)
	return int64(len(m.inserted)), nil
}

// FailNextInserts makes the next n calls to InsertTelemetry return an
// error before insertion resumes, for exercising retry/backpressure
// behavior in callers.
func (m *MemoryGateway) FailNextInserts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertFailuresRemaining = n
}

// BlockNextInsert makes the single next call to InsertTelemetry block
// until the returned release func is called, for deterministically
// saturating a bounded insert queue in tests.
func (m *MemoryGateway) BlockNextInsert() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.blockGate = gate
	m.mu.Unlock()
	return func() { close(gate) }
}

func (m *MemoryGateway) RegisteredIMEIs(_ context.Context) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := make(map[string]bool, len(m.devicesByIMEI))
	for imei := range m.devicesByIMEI {
		set[imei] = true
	}
	return set, nil
}

// Inserted returns the telemetry rows accepted so far, for test
// assertions.
func (m *MemoryGateway) Inserted() []*telemetry.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*telemetry.Record, len(m.inserted))
	copy(out, m.inserted)
	return out
}

// DeviceByUUID returns the current state of a seeded device, for test
// assertions after a registration.
func (m *MemoryGateway) DeviceByUUID(id uuid.UUID) (*Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devicesByUUID[id]
	if !ok {
		return nil, false
	}
	cp := *d
	return &cp, true
}
