package engine

import "time"

// DefaultHeartbeatInterval is the keep-alive period while streaming.
const DefaultHeartbeatInterval = 20 * time.Second

// heartbeat is the keep-alive ticker of one connection. It is driven from
// the connection goroutine's select loop, so sends are serialized with
// inbound frame handling. While stopped, C returns nil, which blocks
// forever inside a select.
type heartbeat struct {
	interval time.Duration
	ticker   *time.Ticker
}

func newHeartbeat(interval time.Duration) *heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &heartbeat{interval: interval}
}

// start begins ticking relative to now. It is a no-op when already running.
func (h *heartbeat) start() {
	if h.ticker != nil {
		return
	}
	h.ticker = time.NewTicker(h.interval)
}

// stop cancels the ticker. A tick that was already due is discarded.
func (h *heartbeat) stop() {
	if h.ticker == nil {
		return
	}
	h.ticker.Stop()
	h.ticker = nil
}

func (h *heartbeat) running() bool { return h.ticker != nil }

func (h *heartbeat) C() <-chan time.Time {
	if h.ticker == nil {
		return nil
	}
	return h.ticker.C
}
