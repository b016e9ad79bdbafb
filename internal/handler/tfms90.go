package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/trackcore/ingestd/config"
	"github.com/trackcore/ingestd/internal/codec/tfms90"
	"github.com/trackcore/ingestd/internal/store"
	"github.com/trackcore/ingestd/internal/telemetry"
)

func (h *Handler) runTFMS90(initial []byte) {
	log := config.GetLogger(h.ctx)

	if len(initial) > 0 {
		h.handleTFMS90Frames(h.tfmsParser.Feed(initial))
	}
	if h.state == stateClosing {
		return
	}

	buf := make([]byte, 4096)
	for {
		if h.shouldStop() {
			h.state = stateClosing
			return
		}

		idleTimeout := h.cfg.IdleTimeoutTFMS90
		if h.state == stateIdentifying {
			idleTimeout = h.cfg.IdentificationTimeout
		}

		n, err := h.readChunk(buf, idleTimeout)
		if err != nil {
			log.Debugf("TFMS90 connection from %v closing: %v", h.conn.RemoteAddr(), err)
			h.state = stateClosing
			return
		}
		if h.metrics != nil {
			h.metrics.AddReceivedBytes(uint64(n))
		}

		h.handleTFMS90Frames(h.tfmsParser.Feed(buf[:n]))

		if h.state == stateClosing {
			return
		}
	}
}

func (h *Handler) handleTFMS90Frames(frames []*tfms90.Frame) {
	for _, f := range frames {
		if h.state == stateClosing {
			return
		}
		h.handleTFMS90Frame(f)
	}
}

func (h *Handler) handleTFMS90Frame(f *tfms90.Frame) {
	log := config.GetLogger(h.ctx)

	if f.Malformed {
		log.Warningf("Malformed TFMS90 frame from %v, resynchronizing.", h.conn.RemoteAddr())
		if h.metrics != nil {
			h.metrics.AddMalformedFrames(1)
		}
		return
	}

	if h.metrics != nil {
		h.metrics.AddReceivedFrames(1)
	}

	if f.Login != nil {
		h.handleTFMS90Login(f.Login)
		return
	}

	if h.state == stateIdentifying {
		log.Debugf("Ignoring non-login TFMS90 frame before identification from %v.", h.conn.RemoteAddr())
		return
	}

	for _, rec := range f.Records {
		h.insertRecord(rec)
	}

	ack := tfms90.BuildDataAck(f, h.shortIDString())
	if err := h.writeAck(ack); err != nil {
		log.Errorf("Failed to write TFMS90 ack to %v: %v", h.conn.RemoteAddr(), err)
		h.state = stateClosing
	}
}

// handleTFMS90Login resolves an LG frame against the Store Gateway
// (spec.md 4.2): an unregistered IMEI is fatal for the connection; a
// registered one binds (or reuses) the short id and transitions to
// Running.
func (h *Handler) handleTFMS90Login(login *tfms90.LoginIntent) {
	log := config.GetLogger(h.ctx)

	lookupCtx, cancel := context.WithTimeout(h.ctx, h.cfg.StoreCallTimeout)
	dev, err := h.gateway.LookupByIMEI(lookupCtx, login.IMEI)
	cancel()
	if err != nil {
		log.Infof("Rejecting TFMS90 login for unregistered IMEI %s from %v.", login.IMEI, h.conn.RemoteAddr())
		h.state = stateClosing
		return
	}

	shortID := 0
	if dev.ShortDeviceID != nil {
		shortID = *dev.ShortDeviceID
	} else {
		allocCtx, cancel := context.WithTimeout(h.ctx, h.cfg.StoreCallTimeout)
		id, err := h.gateway.AllocateShortID(allocCtx, telemetry.ProtocolTFMS90)
		cancel()
		if err != nil {
			log.Errorf("Failed to allocate TFMS90 short id for %s: %v", login.IMEI, err)
			h.state = stateClosing
			return
		}
		shortID = id
	}

	canonicalKey := fmt.Sprintf("TFMS90_%d", shortID)
	patch := store.RegisterPatch{
		CanonicalKey:  canonicalKey,
		ShortDeviceID: shortID,
		FirmwareVer:   login.Firmware,
		SimICCID:      login.SimICCID,
		LastSeen:      time.Now(),
		Active:        true,
	}

	registerCtx, cancel := context.WithTimeout(h.ctx, h.cfg.StoreCallTimeout)
	err = h.gateway.RegisterDevice(registerCtx, dev.ID, patch)
	cancel()
	if err != nil {
		log.Errorf("Failed to register device %s: %v", login.IMEI, err)
		h.state = stateClosing
		return
	}

	h.markIdentified(canonicalKey)
	h.deviceUUID = dev.ID
	h.shortID = shortID
	h.state = stateRunning

	if err := h.writeAck(tfms90.BuildLoginAck(h.shortIDString())); err != nil {
		log.Errorf("Failed to write TFMS90 login ack to %v: %v", h.conn.RemoteAddr(), err)
		h.state = stateClosing
	}
}

func (h *Handler) shortIDString() string {
	return fmt.Sprintf("%d", h.shortID)
}

func (h *Handler) writeAck(ack []byte) error {
	if err := h.conn.SetWriteDeadline(time.Now().Add(h.cfg.StoreCallTimeout)); err != nil {
		return err
	}
	_, err := h.conn.Write(ack)
	return err
}
