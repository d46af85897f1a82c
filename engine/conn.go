package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/livelink/protocol"
)

type inbound struct {
	typ  websocket.MessageType
	data []byte
}

// conn drives one connection attempt from Connecting to Closed. All of its
// fields are owned by the goroutine running run; the facade talks to it
// only through beatNow and the shared statusStore.
type conn struct {
	opts    Options
	sess    Session
	log     zerolog.Logger
	relay   *relay
	metrics *metrics
	status  *statusStore
	beatNow chan chan error

	ws       *websocket.Conn
	hb       *heartbeat
	state    State
	authDone bool
	authErr  string

	// awaitingReply is set from a heartbeat send until its reply.
	awaitingReply bool
}

func newConn(opts Options, sess Session, log zerolog.Logger, r *relay, m *metrics, st *statusStore) *conn {
	return &conn{
		opts:    opts,
		sess:    sess,
		log:     log,
		relay:   r,
		metrics: m,
		status:  st,
		beatNow: make(chan chan error),
		hb:      newHeartbeat(opts.HeartbeatInterval),
	}
}

// run executes the attempt and always finishes with exactly one
// Disconnected event.
func (c *conn) run(ctx context.Context) {
	reason, err := c.serve(ctx)
	c.hb.stop()
	c.metrics.setStreaming(false)
	c.metrics.disconnects.Inc()
	c.setState(StateClosed, reason)
	if errors.Is(err, ErrStopped) {
		c.log.Info().Msg("connection stopped")
	} else {
		c.log.Warn().Str("reason", reason).Msg("connection closed")
	}
	c.emit(disconnectedEvent(reason, err))
}

func (c *conn) serve(ctx context.Context) (string, error) {
	c.setState(StateConnecting, "")
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	ws, _, err := websocket.Dial(dialCtx, c.sess.Endpoint, &websocket.DialOptions{HTTPHeader: c.opts.Header})
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ReasonStopped, ErrStopped
		}
		return failure(ErrTransport, "dial: %v", err)
	}
	ws.SetReadLimit(c.opts.ReadLimit)
	c.ws = ws
	defer func() { _ = ws.CloseNow() }()
	c.log.Info().Str("endpoint", c.sess.Endpoint).Msg("transport open")

	// The reader must not use ctx: cancelling a Read aborts the socket,
	// and stop wants a close handshake first.
	readCtx, stopRead := context.WithCancel(context.Background())
	in := make(chan inbound)
	readErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.readLoop(readCtx, in, readErr)
	}()
	defer func() {
		stopRead()
		wg.Wait()
	}()

	c.setState(StateAuthenticating, "")
	auth := protocol.Encode(protocol.OpAuth, protocol.VersionHeartbeat, 1, []byte(c.sess.AuthPayload))
	if err := c.write(auth); err != nil {
		return failure(ErrTransport, "write auth: %v", err)
	}

	authTimer := time.NewTimer(c.opts.AuthTimeout)
	defer authTimer.Stop()
	for !c.authDone {
		select {
		case <-ctx.Done():
			return c.shutdown()
		case <-authTimer.C:
			c.log.Warn().Dur("timeout", c.opts.AuthTimeout).Msg("no AUTH_REPLY")
			c.closeTransport(websocket.StatusPolicyViolation, "auth timeout")
			return ReasonTimeout, ErrHandshakeTimeout
		case err := <-readErr:
			return readFailure(err)
		case m := <-in:
			c.handle(m)
		}
	}
	if c.state != StateStreaming {
		c.closeTransport(websocket.StatusPolicyViolation, "auth rejected")
		return c.authErr, fmt.Errorf("%w: %s", ErrHandshake, c.authErr)
	}

	for {
		select {
		case <-ctx.Done():
			return c.shutdown()
		case <-c.hb.C():
			// A tick and a stop can be ready together; stop wins.
			if ctx.Err() != nil {
				return c.shutdown()
			}
			if err := c.sendHeartbeat(); err != nil {
				return failure(ErrTransport, "write heartbeat: %v", err)
			}
		case reply := <-c.beatNow:
			err := c.sendHeartbeat()
			reply <- err
			if err != nil {
				return failure(ErrTransport, "write heartbeat: %v", err)
			}
		case err := <-readErr:
			return readFailure(err)
		case m := <-in:
			c.handle(m)
		}
	}
}

func (c *conn) readLoop(ctx context.Context, out chan<- inbound, errc chan<- error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			errc <- err
			return
		}
		select {
		case out <- inbound{typ: typ, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *conn) handle(m inbound) {
	if m.typ != websocket.MessageBinary {
		c.debug(fmt.Sprintf("ignored text message (%d bytes)", len(m.data)))
		return
	}
	demultiplex(m.data, c)
}

// shutdown performs the Closing transition requested by stop.
func (c *conn) shutdown() (string, error) {
	c.hb.stop()
	c.metrics.setStreaming(false)
	c.setState(StateClosing, "")
	c.closeTransport(websocket.StatusNormalClosure, ReasonStopped)
	return ReasonStopped, ErrStopped
}

// closeTransport runs the close handshake, bounded by CloseTimeout.
func (c *conn) closeTransport(code websocket.StatusCode, reason string) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.ws.Close(code, reason)
	}()
	t := time.NewTimer(c.opts.CloseTimeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		c.log.Debug().Msg("close handshake timed out")
		_ = c.ws.CloseNow()
		<-done
	}
}

func (c *conn) write(b []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageBinary, b)
}

func (c *conn) sendHeartbeat() error {
	if err := c.write(protocol.Encode(protocol.OpHeartbeat, protocol.VersionHeartbeat, 1, nil)); err != nil {
		return err
	}
	c.metrics.heartbeats.Inc()
	missed := c.awaitingReply
	c.awaitingReply = true
	c.status.update(func(s *Snapshot) {
		s.HeartbeatsSent++
		if missed {
			s.MissedHeartbeats++
		}
	})
	c.log.Trace().Msg("heartbeat sent")
	return nil
}

func (c *conn) enterStreaming() {
	now := time.Now()
	c.setState(StateStreaming, "")
	c.status.update(func(s *Snapshot) { s.ConnectedAt = now })
	c.hb.start()
	c.metrics.setStreaming(true)
	c.log.Info().Msg("authenticated")
	c.emit(connectedEvent())
}

func (c *conn) setState(s State, reason string) {
	c.state = s
	c.status.update(func(snap *Snapshot) {
		snap.State = s
		snap.Reason = reason
	})
	c.log.Debug().Stringer("state", s).Msg("state changed")
}

func (c *conn) emit(ev Event) { c.relay.push(ev) }

// frameHandler

func (c *conn) authReply(body []byte) {
	if c.state != StateAuthenticating {
		c.debug("ignored AUTH_REPLY while " + c.state.String())
		return
	}
	c.authDone = true
	ok, why := parseAuthReply(body)
	if !ok {
		c.authErr = why
		return
	}
	// Switching here keeps Connected ahead of any MESSAGE that shares the
	// transport message with the reply.
	c.enterStreaming()
}

func (c *conn) heartbeatReply([]byte) {
	now := time.Now()
	c.metrics.heartbeatAcks.Inc()
	c.awaitingReply = false
	c.status.update(func(s *Snapshot) {
		s.LastHeartbeatReply = now
		s.MissedHeartbeats = 0
	})
}

func (c *conn) message(cmd, payload string) {
	if c.state != StateStreaming {
		c.debug(fmt.Sprintf("dropped %s message received while %s", cmd, c.state))
		return
	}
	c.metrics.messages.WithLabelValues(cmd).Inc()
	c.status.update(func(s *Snapshot) { s.MessagesReceived++ })
	c.emit(messageEvent(cmd, payload))
}

func (c *conn) frameError(err error) {
	c.metrics.frameErrors.Inc()
	c.status.update(func(s *Snapshot) { s.FrameErrors++ })
	c.log.Warn().Err(err).Msg("dropped inbound frame")
	c.emit(errorEvent(err.Error()))
}

func (c *conn) debug(msg string) {
	c.log.Debug().Msg(msg)
	c.emit(debugEvent(msg))
}

func failure(kind error, format string, args ...any) (string, error) {
	err := fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
	return err.Error(), err
}

func readFailure(err error) (string, error) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		reason := strings.TrimSpace(fmt.Sprintf("closed by server: %s %s", ce.Code, ce.Reason))
		return reason, fmt.Errorf("%w: %s", ErrTransport, reason)
	}
	return failure(ErrTransport, "read: %v", err)
}
