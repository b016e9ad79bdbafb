package impl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trackcore/ingestd/config"

	"github.com/sirupsen/logrus"
)

type Metrics struct {
	ctx      context.Context
	wg       *sync.WaitGroup
	values   *persistentMetrics
	fileName string
}

type persistentMetrics struct {
	ReceivedBytes       uint64
	ReceivedFrames      uint64
	MalformedFrames     uint64
	RejectedConnections uint64
	StoreDrops          uint64
	ResentFrames        uint64
	CoalescedTouches    uint64
}

func NewMetrics(ctx context.Context, wg *sync.WaitGroup, fileName string) *Metrics {
	metrics := &Metrics{
		ctx:      ctx,
		wg:       wg,
		fileName: fileName,
		values:   &persistentMetrics{},
	}

	ticker := time.NewTicker(60 * time.Second)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := metrics.save()
				if err != nil {
					logrus.Errorf("Failed to save metrics. %v", err)
				}
			}
		}
	}()

	err := metrics.load()
	if err != nil {
		logrus.Errorf("Warn to load previously saved metrics. %v", err)
	}

	return metrics
}

func (m *Metrics) Close() error {
	err := m.save()
	if err != nil {
		return fmt.Errorf("failed to save metrics data. %v", err)
	}

	return nil
}

func (m *Metrics) AddReceivedBytes(count uint64) {
	atomic.AddUint64(&m.values.ReceivedBytes, count)
}

func (m *Metrics) GetReceivedBytes() uint64 {
	return atomic.AddUint64(&m.values.ReceivedBytes, 0)
}

func (m *Metrics) AddReceivedFrames(count uint64) {
	atomic.AddUint64(&m.values.ReceivedFrames, count)
}

func (m *Metrics) GetReceivedFrames() uint64 {
	return atomic.AddUint64(&m.values.ReceivedFrames, 0)
}

func (m *Metrics) AddMalformedFrames(count uint64) {
	atomic.AddUint64(&m.values.MalformedFrames, count)
}

func (m *Metrics) GetMalformedFrames() uint64 {
	return atomic.AddUint64(&m.values.MalformedFrames, 0)
}

func (m *Metrics) AddRejectedConnections(count uint64) {
	atomic.AddUint64(&m.values.RejectedConnections, count)
}

func (m *Metrics) GetRejectedConnections() uint64 {
	return atomic.AddUint64(&m.values.RejectedConnections, 0)
}

func (m *Metrics) AddStoreDrops(count uint64) {
	atomic.AddUint64(&m.values.StoreDrops, count)
}

func (m *Metrics) GetStoreDrops() uint64 {
	return atomic.AddUint64(&m.values.StoreDrops, 0)
}

func (m *Metrics) AddResentFrames(count uint64) {
	atomic.AddUint64(&m.values.ResentFrames, count)
}

func (m *Metrics) GetResentFrames() uint64 {
	return atomic.AddUint64(&m.values.ResentFrames, 0)
}

func (m *Metrics) AddCoalescedTouches(count uint64) {
	atomic.AddUint64(&m.values.CoalescedTouches, count)
}

func (m *Metrics) GetCoalescedTouches() uint64 {
	return atomic.AddUint64(&m.values.CoalescedTouches, 0)
}

// MetricRendererHandler provides metrics in InfluxDB line protocol format.
func (m *Metrics) MetricRendererHandler() (string, map[string]uint64) {
	log := config.GetLogger(m.ctx)

	err := m.save()
	if err != nil {
		log.Errorf("Failed to persist metric counters! %v", err)
	}

	metricName := "ingestd"
	metrics := map[string]uint64{
		"ReceivedBytes":       m.GetReceivedBytes(),
		"ReceivedFrames":      m.GetReceivedFrames(),
		"MalformedFrames":     m.GetMalformedFrames(),
		"RejectedConnections": m.GetRejectedConnections(),
		"StoreDrops":          m.GetStoreDrops(),
		"ResentFrames":        m.GetResentFrames(),
		"CoalescedTouches":    m.GetCoalescedTouches(),
	}

	return metricName, metrics
}

func (m *Metrics) save() error {
	if m.fileName == "" {
		return fmt.Errorf("filename must not be empty")
	}

	jsonData, err := json.MarshalIndent(m.values, "", " ")
	if err != nil {
		return fmt.Errorf("failed to serialize metric data into json format. %v", err)
	}

	err = os.WriteFile(m.fileName, jsonData, 0600)
	if err != nil {
		return fmt.Errorf("failed to write metric data into file. %v", err)
	}

	return nil
}

func (m *Metrics) load() error {
	if m.fileName == "" {
		return fmt.Errorf("filename must not be empty")
	}

	jsonData, err := os.ReadFile(m.fileName)
	if err != nil {
		return fmt.Errorf("failed to read metric data file. %v", err)
	}

	err = json.Unmarshal(jsonData, m.values)
	if err != nil {
		return fmt.Errorf("failed to unmarshal metric json. %v", err)
	}

	return nil
}
