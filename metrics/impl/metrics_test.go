package impl

import (
	"context"
	"testing"
)

const (
	metricsFilename = "/tmp/ingestd.met"
)

func TestPersistency(t *testing.T) {
	// Save

	m := Metrics{
		ctx:      context.Background(),
		fileName: metricsFilename,
		values: &persistentMetrics{
			ReceivedBytes:       1,
			ReceivedFrames:      2,
			MalformedFrames:     4,
			RejectedConnections: 5,
			StoreDrops:          6,
			ResentFrames:        7,
			CoalescedTouches:    8,
		},
	}

	err := m.save()
	if err != nil {
		t.Logf("Failed to save. %v", err)
		t.Fail()
	}

	// Load

	m2 := Metrics{
		ctx:      context.Background(),
		fileName: metricsFilename,
		values:   &persistentMetrics{},
	}
	if err := m2.load(); err != nil {
		t.Fatalf("Failed to load. %v", err)
	}

	// Compare

	if m.GetMalformedFrames() != m2.GetMalformedFrames() ||
		m.GetReceivedBytes() != m2.GetReceivedBytes() ||
		m.GetReceivedFrames() != m2.GetReceivedFrames() ||
		m.GetRejectedConnections() != m2.GetRejectedConnections() ||
		m.GetStoreDrops() != m2.GetStoreDrops() ||
		m.GetResentFrames() != m2.GetResentFrames() ||
		m.GetCoalescedTouches() != m2.GetCoalescedTouches() {
		t.Logf("Expected values: %+v, actual values: %+v", m.values, m2.values)
		t.Fail()
	}
}
