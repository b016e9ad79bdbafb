package config

import "time"

// StoreConfig carries the store endpoint and credentials (spec.md 6,
// "Required: store endpoint + credentials").
type StoreConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ListenerConfig describes one TCP listening endpoint. TFMS90 and
// Teltonika each get one; both may point at the same host:port since the
// router discriminates by content (spec.md 6).
type ListenerConfig struct {
	Host string
	Port int
}

type MetricsConfig struct {
	Host                string
	Port                int
	MetricsFileName     string
}

// HandlerConfig carries the optional, defaulted knobs named in spec.md 6
// and the timeouts named in spec.md 5.
type HandlerConfig struct {
	RouterPeekTimeout      time.Duration
	IdentificationTimeout  time.Duration
	IdleTimeoutTFMS90      time.Duration
	IdleTimeoutTeltonika   time.Duration
	StoreCallTimeout       time.Duration
	CoalesceInterval       time.Duration
	DropQueueSize          int
	ShutdownDrainTimeout   time.Duration
}
