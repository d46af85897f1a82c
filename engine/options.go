package engine

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Default timeouts. Zero values in Options fall back to these.
const (
	DefaultAuthTimeout  = 30 * time.Second
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultCloseTimeout = 5 * time.Second

	// DefaultReadLimit caps a single inbound transport message.
	DefaultReadLimit = 1 << 20
)

// Options holds engine-wide settings shared by every connection attempt.
type Options struct {
	HeartbeatInterval time.Duration
	AuthTimeout       time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	CloseTimeout      time.Duration
	ReadLimit         int64

	// RelayCapacity bounds the number of undelivered events.
	RelayCapacity int

	// Header is sent with the WebSocket upgrade request.
	Header http.Header

	// Registerer receives the engine's collectors when non-nil.
	Registerer prometheus.Registerer

	// Logger defaults to logx.Log.
	Logger *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = DefaultAuthTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.RelayCapacity <= 0 {
		o.RelayCapacity = DefaultRelayCapacity
	}
	return o
}

// Session is the connection config for one attempt as handed out by the
// session REST layer. It is immutable once passed to Start.
type Session struct {
	Endpoint    string
	AuthPayload string
}
