// Package handler implements the per-connection state machine named in
// spec.md 4.5: Routing, Identifying, Running, Closing.
package handler

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/trackcore/ingestd/config"
	"github.com/trackcore/ingestd/internal/codec/teltonika"
	"github.com/trackcore/ingestd/internal/codec/tfms90"
	"github.com/trackcore/ingestd/internal/registry"
	"github.com/trackcore/ingestd/internal/router"
	"github.com/trackcore/ingestd/internal/store"
	"github.com/trackcore/ingestd/internal/telemetry"
	"github.com/trackcore/ingestd/metrics"
)

type state int

const (
	stateRouting state = iota
	stateIdentifying
	stateRunning
	stateClosing
)

// Handler owns one accepted TCP connection end to end. One goroutine per
// connection runs Handler.Serve (spec.md 5, "one logical task per
// connection").
type Handler struct {
	ctx      context.Context
	conn     net.Conn
	gateway  store.Gateway
	metrics  metrics.IngestMetricsInterface
	cfg      *config.HandlerConfig
	registry *registry.Registry

	state state

	protocol     router.Protocol
	canonicalKey string
	deviceUUID   uuid.UUID
	shortID      int

	tfmsParser      *tfms90.Parser
	teltonikaParser *teltonika.Parser

	lastActivity time.Time
	lastTouch    time.Time

	closeOnce    sync.Once
	closeRequest chan struct{}

	insertQueue chan *telemetry.Record
	insertDone  chan struct{}
}

func New(ctx context.Context, conn net.Conn, gateway store.Gateway, m metrics.IngestMetricsInterface, cfg *config.HandlerConfig, reg *registry.Registry) *Handler {
	queueSize := cfg.DropQueueSize
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Handler{
		ctx:          ctx,
		conn:         conn,
		gateway:      gateway,
		metrics:      m,
		cfg:          cfg,
		registry:     reg,
		state:        stateRouting,
		closeRequest: make(chan struct{}),
		insertQueue:  make(chan *telemetry.Record, queueSize),
		insertDone:   make(chan struct{}),
	}
}

// markIdentified records the handler's canonical key and, if a registry
// was supplied, registers it there for diagnostics and shutdown
// broadcast (spec.md 5). Must be called exactly once, right after a
// successful login/greeting.
func (h *Handler) markIdentified(canonicalKey string) {
	h.canonicalKey = canonicalKey
	if h.registry != nil {
		h.registry.Register(h)
	}
}

// CanonicalKey implements registry.Handle. Before identification it is
// empty; the registry only ever sees it after Register is called.
func (h *Handler) CanonicalKey() string {
	return h.canonicalKey
}

// RequestClose implements registry.Handle: asks the handler to stop at
// its next suspension point (spec.md 4.6 shutdown drain).
func (h *Handler) RequestClose() {
	h.closeOnce.Do(func() { close(h.closeRequest) })
}

// Serve runs the full Routing -> Identifying -> Running -> Closing
// lifecycle. It always returns after the connection is closed.
func (h *Handler) Serve() {
	log := config.GetLogger(h.ctx)

	go h.runInsertLoop()
	defer func() {
		close(h.insertQueue)
		<-h.insertDone
	}()

	defer h.conn.Close()
	defer func() {
		if h.registry != nil && h.canonicalKey != "" {
			h.registry.Unregister(h.canonicalKey)
		}
	}()

	decision, err := router.Route(h.ctx, h.conn, h.cfg.RouterPeekTimeout)
	if err != nil {
		log.Debugf("Router could not classify connection from %v: %v", h.conn.RemoteAddr(), err)
		if h.metrics != nil {
			h.metrics.AddRejectedConnections(1)
		}
		return
	}
	h.protocol = decision.Protocol
	h.state = stateIdentifying

	switch h.protocol {
	case router.TFMS90:
		h.tfmsParser = tfms90.NewParser()
		h.runTFMS90(decision.Peeked)
	case router.Teltonika:
		h.teltonikaParser = teltonika.NewParser()
		h.runTeltonika(decision.Peeked)
	}
}

func (h *Handler) touchActivity() {
	h.lastActivity = time.Now()
	if h.registry != nil && h.canonicalKey != "" {
		h.registry.Touch(h.canonicalKey)
	}
}

// coalescedTouch calls TouchLastSeen at most once per CoalesceInterval
// (spec.md 4.5, "Coalescing").
func (h *Handler) coalescedTouch(ts time.Time) {
	now := time.Now()
	if now.Sub(h.lastTouch) < h.cfg.CoalesceInterval {
		if h.metrics != nil {
			h.metrics.AddCoalescedTouches(1)
		}
		return
	}
	h.lastTouch = now

	callCtx, cancel := context.WithTimeout(h.ctx, h.cfg.StoreCallTimeout)
	defer cancel()

	if err := h.gateway.TouchLastSeen(callCtx, h.canonicalKey, ts); err != nil {
		config.GetLogger(h.ctx).Warningf("TouchLastSeen failed for %s: %v", h.canonicalKey, err)
	}
}

// insertRecord hands a parsed record to the per-connection insert queue
// (spec.md 5, "bounded queue-per-connection"). A full queue means the
// store cannot keep up: the codec keeps parsing and acking regardless,
// the record is counted as a drop and never retried, matching the
// backpressure policy ("stop emitting inserts... excess records are
// counted as drops").
func (h *Handler) insertRecord(rec *telemetry.Record) {
	rec.DeviceKey = h.canonicalKey

	select {
	case h.insertQueue <- rec:
	default:
		if h.metrics != nil {
			h.metrics.AddStoreDrops(1)
		}
	}
}

// runInsertLoop drains the insert queue on its own goroutine so a slow
// store never blocks the connection's read loop (spec.md 5, suspension
// points are scoped to store-gateway calls, not to parsing). It keeps
// running past the point Serve() stops reading so writes already
// queued get a chance to land (spec.md 5, "Cancellation").
func (h *Handler) runInsertLoop() {
	defer close(h.insertDone)
	for rec := range h.insertQueue {
		h.persistRecord(rec)
	}
}

// persistRecord retries once immediately on a transient store failure
// before dropping and counting (spec.md 7, "Store transient failure").
func (h *Handler) persistRecord(rec *telemetry.Record) {
	log := config.GetLogger(h.ctx)

	err := h.tryInsert(rec)
	if err != nil {
		if h.metrics != nil {
			h.metrics.AddResentFrames(1)
		}
		err = h.tryInsert(rec)
	}
	if err != nil {
		log.Errorf("InsertTelemetry failed for %s: %v", h.canonicalKey, err)
		if h.metrics != nil {
			h.metrics.AddStoreDrops(1)
		}
		return
	}

	h.coalescedTouch(rec.Timestamp)
}

func (h *Handler) tryInsert(rec *telemetry.Record) error {
	callCtx, cancel := context.WithTimeout(h.ctx, h.cfg.StoreCallTimeout)
	defer cancel()

	_, err := h.gateway.InsertTelemetry(callCtx, rec)
	return err
}

// shouldStop reports whether the handler has been asked to close, used
// at every suspension point (spec.md 5, "suspension points").
func (h *Handler) shouldStop() bool {
	select {
	case <-h.closeRequest:
		return true
	case <-h.ctx.Done():
		return true
	default:
		return false
	}
}

var errIdle = errors.New("handler: idle timeout")

// readChunk reads up to len(buf) bytes, honoring idle timeout and EOF as
// the fatal errors spec.md 4.5 names.
func (h *Handler) readChunk(buf []byte, idleTimeout time.Duration) (int, error) {
	if err := h.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
		return 0, err
	}
	n, err := h.conn.Read(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return n, errIdle
		}
		if errors.Is(err, io.EOF) {
			return n, io.EOF
		}
		return n, err
	}
	h.touchActivity()
	return n, nil
}
