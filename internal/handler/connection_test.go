package handler

import (
	"context"
	"encoding/hex"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	uuid "github.com/satori/go.uuid"

	"github.com/trackcore/ingestd/config"
	"github.com/trackcore/ingestd/internal/store"
	"github.com/trackcore/ingestd/internal/telemetry"
)

// testMetrics is a hand-written IngestMetricsInterface double (teacher's
// fakes-over-mocking-library style, e.g. uds/multiServerMock.go) used to
// assert on counted drops without wiring the full metrics/impl collector.
type testMetrics struct {
	storeDrops atomic.Uint64
}

func newTestMetrics() *testMetrics { return &testMetrics{} }

func (m *testMetrics) AddReceivedBytes(uint64)       {}
func (m *testMetrics) AddReceivedFrames(uint64)      {}
func (m *testMetrics) AddMalformedFrames(uint64)     {}
func (m *testMetrics) AddRejectedConnections(uint64) {}
func (m *testMetrics) AddStoreDrops(count uint64)    { m.storeDrops.Add(count) }
func (m *testMetrics) AddResentFrames(uint64)        {}
func (m *testMetrics) AddCoalescedTouches(uint64)    {}

func testContext() context.Context {
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	cfg := config.NewConfig(log, nil, nil, nil, nil, nil)
	return context.WithValue(context.Background(), config.ContextConfigKey, cfg)
}

func testHandlerConfig() *config.HandlerConfig {
	return &config.HandlerConfig{
		RouterPeekTimeout:     time.Second,
		IdentificationTimeout: time.Second,
		IdleTimeoutTFMS90:     time.Second,
		IdleTimeoutTeltonika:  time.Second,
		StoreCallTimeout:      time.Second,
		CoalesceInterval:      10 * time.Second,
		DropQueueSize:         64,
		ShutdownDrainTimeout:  time.Second,
	}
}

func TestHandler_TFMS90LoginAndData(t *testing.T) {
	ctx := testContext()
	gw := store.NewMemoryGateway()
	deviceID, err := uuid.NewV4()
	if err != nil {
		t.Fatalf("uuid: %v", err)
	}
	gw.Seed(&store.Device{
		ID:       deviceID,
		IMEI:     "867762040399039",
		Protocol: telemetry.ProtocolTFMS90,
	})

	client, server := net.Pipe()
	defer client.Close()

	h := New(ctx, server, gw, nil, testHandlerConfig(), nil)

	done := make(chan struct{})
	go func() {
		h.Serve()
		close(done)
	}()

	client.Write([]byte("$,0,LG,867762040399039,2.0.1,89970000000000000000,#?"))

	readResponse := func() string {
		buf := make([]byte, 256)
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := client.Read(buf)
		if err != nil {
			t.Fatalf("read ack: %v", err)
		}
		return string(buf[:n])
	}

	loginAck := readResponse()
	if loginAck != "$,0,ACK,100,#?" {
		t.Fatalf("login ack = %q", loginAck)
	}

	client.Write([]byte("$,0,TD,100,1,1A2B3C4D,13.067439,80.237617,45,270,12,1.2,45.5,123456,0F,03,0.0,12.8,22,#?"))

	dataAck := readResponse()
	if dataAck != "$,1,ACK,100,1,#?" {
		t.Fatalf("data ack = %q", dataAck)
	}

	inserted := waitForInserts(t, gw, 1)
	if inserted[0].DeviceKey != "TFMS90_100" {
		t.Errorf("device key = %q", inserted[0].DeviceKey)
	}

	client.Close()
	<-done
}

// waitForInserts polls the gateway until it has at least n inserted
// records: inserts now land via the handler's own drain goroutine
// (internal/handler/connection.go's insert queue), asynchronously with
// respect to the wire ack, so a bare Inserted() call right after reading
// an ack can race the insert.
func waitForInserts(t *testing.T, gw *store.MemoryGateway, n int) []*telemetry.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if inserted := gw.Inserted(); len(inserted) >= n {
			return inserted
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected at least %d inserted records, got %d", n, len(gw.Inserted()))
	return nil
}

func TestHandler_TFMS90RejectsUnregisteredIMEI(t *testing.T) {
	ctx := testContext()
	gw := store.NewMemoryGateway()

	client, server := net.Pipe()
	defer client.Close()

	h := New(ctx, server, gw, nil, testHandlerConfig(), nil)

	done := make(chan struct{})
	go func() {
		h.Serve()
		close(done)
	}()

	client.Write([]byte("$,0,LG,999999999999999,2.0.1,8997,#?"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not close connection for unregistered IMEI")
	}

	if len(gw.Inserted()) != 0 {
		t.Fatalf("expected no telemetry for unregistered device")
	}
}

func TestHandler_TeltonikaGreetingAndBatch(t *testing.T) {
	ctx := testContext()
	gw := store.NewMemoryGateway()
	deviceID, err := uuid.NewV4()
	if err != nil {
		t.Fatalf("uuid: %v", err)
	}
	gw.Seed(&store.Device{
		ID:           deviceID,
		IMEI:         "867762040399039",
		CanonicalKey: "867762040399039",
		Protocol:     telemetry.ProtocolTeltonika,
	})

	client, server := net.Pipe()
	defer client.Close()

	h := New(ctx, server, gw, nil, testHandlerConfig(), nil)

	done := make(chan struct{})
	go func() {
		h.Serve()
		close(done)
	}()

	greeting, _ := hex.DecodeString("000f383637373632303430333939303339")
	client.Write(greeting)

	readN := func(n int) []byte {
		buf := make([]byte, n)
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := readFull(client, buf); err != nil {
			t.Fatalf("read: %v", err)
		}
		return buf
	}

	greetingAck := readN(1)
	if greetingAck[0] != 0x01 {
		t.Fatalf("greeting ack = %x, want 0x01", greetingAck)
	}

	batch, _ := hex.DecodeString(validBatchHexForTest)
	client.Write(batch)

	batchAck := readN(4)
	if hex.EncodeToString(batchAck) != "00000001" {
		t.Fatalf("batch ack = %x", batchAck)
	}

	waitForInserts(t, gw, 1)

	client.Close()
	<-done
}

// TestHandler_InsertRetriesOnceThenSucceeds exercises spec.md 7(iv):
// a single transient store failure is retried immediately, and the
// record still lands without ever being counted as a drop.
func TestHandler_InsertRetriesOnceThenSucceeds(t *testing.T) {
	ctx := testContext()
	gw := store.NewMemoryGateway()
	deviceID, err := uuid.NewV4()
	if err != nil {
		t.Fatalf("uuid: %v", err)
	}
	gw.Seed(&store.Device{
		ID:       deviceID,
		IMEI:     "867762040399039",
		Protocol: telemetry.ProtocolTFMS90,
	})
	gw.FailNextInserts(1)

	metrics := newTestMetrics()

	client, server := net.Pipe()
	defer client.Close()

	h := New(ctx, server, gw, metrics, testHandlerConfig(), nil)

	done := make(chan struct{})
	go func() {
		h.Serve()
		close(done)
	}()

	readResponse := func() string {
		buf := make([]byte, 256)
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := client.Read(buf)
		if err != nil {
			t.Fatalf("read ack: %v", err)
		}
		return string(buf[:n])
	}

	client.Write([]byte("$,0,LG,867762040399039,2.0.1,89970000000000000000,#?"))
	if loginAck := readResponse(); loginAck != "$,0,ACK,100,#?" {
		t.Fatalf("login ack = %q", loginAck)
	}

	client.Write([]byte("$,0,TD,100,1,1A2B3C4D,13.067439,80.237617,45,270,12,1.2,45.5,123456,0F,03,0.0,12.8,22,#?"))
	if dataAck := readResponse(); dataAck != "$,1,ACK,100,1,#?" {
		t.Fatalf("data ack = %q", dataAck)
	}

	waitForInserts(t, gw, 1)
	if got := metrics.storeDrops.Load(); got != 0 {
		t.Fatalf("expected no counted store drops after a successful retry, got %d", got)
	}

	client.Close()
	<-done
}

// TestHandler_InsertDropsWhenQueueFull exercises spec.md 5's
// backpressure contract: once the bounded per-connection insert queue
// is full, parsing and acking continue but further records are counted
// as drops instead of blocking the connection.
func TestHandler_InsertDropsWhenQueueFull(t *testing.T) {
	ctx := testContext()
	gw := store.NewMemoryGateway()
	deviceID, err := uuid.NewV4()
	if err != nil {
		t.Fatalf("uuid: %v", err)
	}
	gw.Seed(&store.Device{
		ID:       deviceID,
		IMEI:     "867762040399039",
		Protocol: telemetry.ProtocolTFMS90,
	})

	cfg := testHandlerConfig()
	cfg.DropQueueSize = 1

	metrics := newTestMetrics()

	client, server := net.Pipe()
	defer client.Close()

	h := New(ctx, server, gw, metrics, cfg, nil)

	// Block the drain goroutine mid-insert so the one-deep queue stays
	// saturated across two records: the first fills the freed buffer
	// slot, the second has nowhere to go and must be counted as a drop.
	release := gw.BlockNextInsert()
	h.insertQueue <- &telemetry.Record{}

	done := make(chan struct{})
	go func() {
		h.Serve()
		close(done)
	}()

	readResponse := func() string {
		buf := make([]byte, 256)
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := client.Read(buf)
		if err != nil {
			t.Fatalf("read ack: %v", err)
		}
		return string(buf[:n])
	}

	client.Write([]byte("$,0,LG,867762040399039,2.0.1,89970000000000000000,#?"))
	if loginAck := readResponse(); loginAck != "$,0,ACK,100,#?" {
		t.Fatalf("login ack = %q", loginAck)
	}

	tdFrame := "$,0,TD,100,1,1A2B3C4D,13.067439,80.237617,45,270,12,1.2,45.5,123456,0F,03,0.0,12.8,22,#?"
	client.Write([]byte(tdFrame))
	if dataAck := readResponse(); dataAck != "$,1,ACK,100,1,#?" {
		t.Fatalf("data ack = %q, expected an ack despite the saturated queue", dataAck)
	}

	client.Write([]byte(tdFrame))
	if dataAck := readResponse(); dataAck != "$,1,ACK,100,1,#?" {
		t.Fatalf("data ack = %q, expected an ack despite the saturated queue", dataAck)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && metrics.storeDrops.Load() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := metrics.storeDrops.Load(); got == 0 {
		t.Fatalf("expected at least 1 counted store drop, got %d", got)
	}

	release()
	client.Close()
	<-done
}

const validBatchHexForTest = "000000000000001f8e010000018bcfe56800010f023a8c1ea52ab2006400b409005700000000010000c38c"

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
