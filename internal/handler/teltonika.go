package handler

import (
	"context"
	"time"

	"github.com/trackcore/ingestd/config"
	"github.com/trackcore/ingestd/internal/codec/teltonika"
)

func (h *Handler) runTeltonika(initial []byte) {
	log := config.GetLogger(h.ctx)

	imei, consumed, ok := teltonika.ParseGreeting(initial)
	var rest []byte
	if ok {
		rest = initial[consumed:]
	} else {
		// greeting spans past the peek buffer; keep reading until it's
		// whole, bounded by the identification timeout.
		buf := make([]byte, 4096)
		acc := append([]byte{}, initial...)
		for !ok {
			if h.shouldStop() {
				return
			}
			n, err := h.readChunk(buf, h.cfg.IdentificationTimeout)
			if err != nil {
				log.Debugf("Teltonika greeting incomplete from %v: %v", h.conn.RemoteAddr(), err)
				return
			}
			acc = append(acc, buf[:n]...)
			imei, consumed, ok = teltonika.ParseGreeting(acc)
		}
		rest = acc[consumed:]
	}

	if !h.acceptTeltonikaGreeting(imei) {
		return
	}

	if len(rest) > 0 {
		h.drainTeltonikaBatches(h.teltonikaParser.Feed(rest))
		if h.state == stateClosing {
			return
		}
	}

	buf := make([]byte, 8192)
	for {
		if h.shouldStop() {
			h.state = stateClosing
			return
		}

		n, err := h.readChunk(buf, h.cfg.IdleTimeoutTeltonika)
		if err != nil {
			log.Debugf("Teltonika connection from %v closing: %v", h.conn.RemoteAddr(), err)
			return
		}
		if h.metrics != nil {
			h.metrics.AddReceivedBytes(uint64(n))
		}

		h.drainTeltonikaBatches(h.teltonikaParser.Feed(buf[:n]))
		if h.state == stateClosing {
			return
		}
	}
}

// acceptTeltonikaGreeting looks the IMEI up and acks accordingly
// (spec.md 4.3). Rejection is fatal: no ack beyond the single reject
// byte, and the connection is closed.
func (h *Handler) acceptTeltonikaGreeting(imei string) bool {
	log := config.GetLogger(h.ctx)

	lookupCtx, cancel := context.WithTimeout(h.ctx, h.cfg.StoreCallTimeout)
	dev, err := h.gateway.LookupByIMEI(lookupCtx, imei)
	cancel()

	if err != nil {
		log.Infof("Rejecting Teltonika greeting for unregistered IMEI %s from %v.", imei, h.conn.RemoteAddr())
		_ = h.writeAck(teltonika.AckGreeting(false))
		return false
	}

	h.markIdentified(imei)
	h.deviceUUID = dev.ID
	h.state = stateRunning

	touchCtx, cancel := context.WithTimeout(h.ctx, h.cfg.StoreCallTimeout)
	if err := h.gateway.TouchLastSeen(touchCtx, h.canonicalKey, time.Now()); err != nil {
		log.Warningf("TouchLastSeen failed for %s: %v", h.canonicalKey, err)
	}
	cancel()

	if err := h.writeAck(teltonika.AckGreeting(true)); err != nil {
		log.Errorf("Failed to write Teltonika greeting ack to %v: %v", h.conn.RemoteAddr(), err)
		h.state = stateClosing
		return false
	}

	return true
}

func (h *Handler) drainTeltonikaBatches(batches []*teltonika.Batch) {
	log := config.GetLogger(h.ctx)

	for _, b := range batches {
		if !b.CRCValid {
			if h.metrics != nil {
				h.metrics.AddMalformedFrames(1)
			}
		} else {
			if h.metrics != nil {
				h.metrics.AddReceivedFrames(uint64(len(b.Records)))
			}
			for _, rec := range b.Records {
				h.insertRecord(rec)
			}
		}

		if err := h.writeAck(b.Ack); err != nil {
			log.Errorf("Failed to write Teltonika ack to %v: %v", h.conn.RemoteAddr(), err)
			h.state = stateClosing
			return
		}
	}
}
