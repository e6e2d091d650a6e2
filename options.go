package wsbridge

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// ServerOption configures a Server (§6.3 configuration surface).
type ServerOption struct {
	// InsecureSkipOriginCheck disables WebSocket origin validation.
	// Development only.
	InsecureSkipOriginCheck bool
	// MaxPayloadSize caps a single frame's payload (default 4 MiB).
	MaxPayloadSize uint32
	// MaxConcurrentStreams caps open streams per connection (default 100).
	MaxConcurrentStreams int
	// IdleTimeout forcibly resets streams idle longer than this (default 5m).
	IdleTimeout time.Duration
	// IdleCheckInterval is the idle-sweep period (default 1m).
	IdleCheckInterval time.Duration
	// EnableLogging turns on structured trace logging.
	EnableLogging bool
	// Clock is the time source for the idle sweeper; overridable in
	// tests via clockwork.NewFakeClock().
	Clock clockwork.Clock
}

func defaultServerOption() ServerOption {
	return ServerOption{
		InsecureSkipOriginCheck: false,
		MaxPayloadSize:          defaultMaxPayloadSize,
		MaxConcurrentStreams:    100,
		IdleTimeout:             5 * time.Minute,
		IdleCheckInterval:       1 * time.Minute,
		EnableLogging:           false,
		Clock:                   clockwork.NewRealClock(),
	}
}

func (o ServerOption) withDefaults() ServerOption {
	d := defaultServerOption()
	if o.MaxPayloadSize != 0 {
		d.MaxPayloadSize = o.MaxPayloadSize
	}
	if o.MaxConcurrentStreams != 0 {
		d.MaxConcurrentStreams = o.MaxConcurrentStreams
	}
	if o.IdleTimeout != 0 {
		d.IdleTimeout = o.IdleTimeout
	}
	if o.IdleCheckInterval != 0 {
		d.IdleCheckInterval = o.IdleCheckInterval
	}
	if o.Clock != nil {
		d.Clock = o.Clock
	}
	d.InsecureSkipOriginCheck = o.InsecureSkipOriginCheck
	d.EnableLogging = o.EnableLogging
	return d
}

// ClientOption configures a Client (§6.3, plus the client-only knobs
// from §4.7/§6.2: reconnection backoff and the UI event scheduler).
type ClientOption struct {
	// PingInterval is the period between client PINGs (default 30s).
	PingInterval time.Duration
	// PongTimeout is the watchdog deadline after each PING (default 5s).
	PongTimeout time.Duration
	// BaseReconnectDelay is the backoff base (default 1s).
	BaseReconnectDelay time.Duration
	// MaxReconnectDelay is the backoff cap (default 30s).
	MaxReconnectDelay time.Duration
	// MaxPayloadSize caps a single received frame's payload (default 4 MiB).
	MaxPayloadSize uint32
	// DisableReconnect turns off automatic reconnection (§4.7 step 4).
	DisableReconnect bool
	// AuthToken, if set, is sent as "authorization: Bearer <token>" on
	// every new stream's HEADERS frame (§4.5 step 3).
	AuthToken string
	// EnableLogging turns on structured trace logging.
	EnableLogging bool
	// Scheduler hops decoded-message delivery onto a caller-supplied
	// scheduler (§6.2); nil means deliver inline on the goroutine that
	// Call.Subscribe starts (the "headless target" case).
	Scheduler EventScheduler
	// Clock is the time source for ping scheduling, the pong watchdog,
	// and reconnect backoff; overridable in tests.
	Clock clockwork.Clock
}

func defaultClientOption() ClientOption {
	return ClientOption{
		PingInterval:       30 * time.Second,
		PongTimeout:        5 * time.Second,
		BaseReconnectDelay: 1 * time.Second,
		MaxReconnectDelay:  30 * time.Second,
		MaxPayloadSize:     defaultMaxPayloadSize,
		EnableLogging:      false,
		Clock:              clockwork.NewRealClock(),
	}
}

func (o ClientOption) withDefaults() ClientOption {
	d := defaultClientOption()
	if o.PingInterval != 0 {
		d.PingInterval = o.PingInterval
	}
	if o.PongTimeout != 0 {
		d.PongTimeout = o.PongTimeout
	}
	if o.BaseReconnectDelay != 0 {
		d.BaseReconnectDelay = o.BaseReconnectDelay
	}
	if o.MaxReconnectDelay != 0 {
		d.MaxReconnectDelay = o.MaxReconnectDelay
	}
	if o.MaxPayloadSize != 0 {
		d.MaxPayloadSize = o.MaxPayloadSize
	}
	if o.Clock != nil {
		d.Clock = o.Clock
	}
	d.DisableReconnect = o.DisableReconnect
	d.AuthToken = o.AuthToken
	d.EnableLogging = o.EnableLogging
	d.Scheduler = o.Scheduler
	return d
}

// EventScheduler delivers a decoded message to its eventual subscriber
// (§6.2). The core never runs protocol work on it; it exists solely to
// hop final delivery onto e.g. a UI change-detection zone.
type EventScheduler interface {
	RunOnUIScheduler(fn func())
}

// inlineScheduler runs fn synchronously on the calling goroutine; it
// is the zero-value behavior for headless clients (no Scheduler set).
type inlineScheduler struct{}

func (inlineScheduler) RunOnUIScheduler(fn func()) { fn() }
