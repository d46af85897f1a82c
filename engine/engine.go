// Package engine maintains an authenticated push connection to a live event
// server and relays decoded events to the host.
//
// An Engine runs at most one connection attempt at a time on its own
// goroutine. The host calls Start and Stop and drains Events; it never
// touches the connection directly. A Disconnected event is terminal for the
// attempt: the engine does not reconnect on its own, the host decides
// whether to call Start again.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/livelink/core/logx"
	"github.com/gaspardpetit/livelink/core/secret"
)

// Engine is the facade the host uses to drive connection attempts.
type Engine struct {
	opts    Options
	log     zerolog.Logger
	metrics *metrics
	relay   *relay
	status  statusStore

	mu     sync.Mutex
	cur    *attempt
	closed bool
}

type attempt struct {
	conn   *conn
	cancel context.CancelFunc
	done   chan struct{}
}

func (a *attempt) finished() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// New returns an idle engine.
func New(opts Options) *Engine {
	opts = opts.withDefaults()
	log := logx.For("engine")
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "engine").Logger()
	}
	e := &Engine{
		opts:    opts,
		log:     log,
		metrics: newMetrics(opts.Registerer),
	}
	e.relay = newRelay(opts.RelayCapacity, e.metrics.eventsDropped.Inc)
	return e
}

// Start begins a connection attempt on a background goroutine and returns
// immediately.
func (e *Engine) Start(s Session) error {
	if strings.TrimSpace(s.Endpoint) == "" {
		return fmt.Errorf("%w: empty endpoint", ErrInvalidSession)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.cur != nil && !e.cur.finished() {
		return ErrAlreadyRunning
	}

	id := uuid.NewString()
	log := e.log.With().Str("session", id).Logger()
	e.status.update(func(snap *Snapshot) {
		*snap = Snapshot{State: StateIdle, SessionID: id, Endpoint: s.Endpoint}
	})
	c := newConn(e.opts, s, log, e.relay, e.metrics, &e.status)
	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{conn: c, cancel: cancel, done: make(chan struct{})}
	e.cur = a
	e.metrics.attempts.Inc()
	log.Info().Str("endpoint", s.Endpoint).Str("auth", secret.Mask(s.AuthPayload)).Msg("starting connection")

	go func() {
		defer close(a.done)
		defer cancel()
		c.run(ctx)
	}()
	return nil
}

// Stop requests the Closing transition and waits for the background
// goroutine to exit. When it returns, the attempt's Disconnected event is
// queued and no further heartbeat or event is produced. Stop is a no-op
// when no attempt is active.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	a := e.cur
	if a == nil {
		return
	}
	a.cancel()
	<-a.done
}

// Running reports whether a connection attempt is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur != nil && !e.cur.finished()
}

// SendHeartbeatNow sends an out-of-schedule HEARTBEAT. It fails with
// ErrNotRunning without an active attempt and ErrNotStreaming before
// authentication completes.
func (e *Engine) SendHeartbeatNow(ctx context.Context) error {
	e.mu.Lock()
	a := e.cur
	e.mu.Unlock()
	if a == nil || a.finished() {
		return ErrNotRunning
	}
	if e.status.load().State != StateStreaming {
		return ErrNotStreaming
	}
	reply := make(chan error, 1)
	select {
	case a.conn.beatNow <- reply:
	case <-a.done:
		return ErrNotStreaming
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the relay output. The channel is shared by successive
// attempts and closed by Close once drained.
func (e *Engine) Events() <-chan Event { return e.relay.out }

// Snapshot returns the current status.
func (e *Engine) Snapshot() Snapshot {
	s := e.status.load()
	s.EventsDropped = e.relay.dropCount()
	return s
}

// Close stops any active attempt and closes the event channel after the
// queued events are consumed.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.stopLocked()
	e.relay.close()
}

// CloseNow is like Close but drops events the host has not received yet,
// closing the event channel immediately.
func (e *Engine) CloseNow() {
	e.Close()
	e.relay.discard()
}
