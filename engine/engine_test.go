package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gaspardpetit/livelink/protocol"
)

// fakeServer is a minimal push server: it accepts WebSocket connections and
// hands them to the test, which scripts the conversation.
type fakeServer struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{conns: make(chan *websocket.Conn, 4)}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		fs.conns <- c
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) url() string { return "ws://" + fs.Listener.Addr().String() }

func (fs *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fs.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for client connection")
	}
	return nil
}

func readFrame(t *testing.T, c *websocket.Conn) protocol.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	f, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("server decode: %v", err)
	}
	return f
}

func writeRaw(t *testing.T, c *websocket.Conn, b []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageBinary, b); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func replyAuth(t *testing.T, c *websocket.Conn, body string) protocol.Frame {
	t.Helper()
	f := readFrame(t, c)
	if f.Op != protocol.OpAuth {
		t.Fatalf("expected AUTH frame, got %s", f.Op)
	}
	writeRaw(t, c, protocol.Encode(protocol.OpAuthReply, protocol.VersionHeartbeat, 1, []byte(body)))
	return f
}

// serveFrames keeps reading so close handshakes complete, forwarding every
// decoded frame until the connection ends.
func serveFrames(c *websocket.Conn) <-chan protocol.Frame {
	ch := make(chan protocol.Frame, 1024)
	go func() {
		defer close(ch)
		for {
			_, data, err := c.Read(context.Background())
			if err != nil {
				return
			}
			if f, err := protocol.Decode(data); err == nil {
				ch <- f
			}
		}
	}()
	return ch
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.CloseTimeout == 0 {
		opts.CloseTimeout = 500 * time.Millisecond
	}
	e := New(opts)
	t.Cleanup(e.Close)
	return e
}

// nextEvent returns the next event that is not Debug.
func nextEvent(t *testing.T, e *Engine) Event {
	t.Helper()
	for {
		ev := recvEvent(t, e.Events())
		if ev.Kind != EventDebug {
			return ev
		}
	}
}

func expectKind(t *testing.T, e *Engine, kind EventKind) Event {
	t.Helper()
	ev := nextEvent(t, e)
	if ev.Kind != kind {
		t.Fatalf("expected %s event, got %s", kind, ev)
	}
	return ev
}

func expectQuiet(t *testing.T, e *Engine, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev, ok := <-e.Events():
			if ok && ev.Kind != EventDebug {
				t.Fatalf("unexpected event %s", ev)
			}
		case <-deadline:
			return
		}
	}
}

func connect(t *testing.T, fs *fakeServer, e *Engine) *websocket.Conn {
	t.Helper()
	if err := e.Start(Session{Endpoint: fs.url(), AuthPayload: `{"key":"A"}`}); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv := fs.accept(t)
	replyAuth(t, srv, `{"code":0}`)
	expectKind(t, e, EventConnected)
	return srv
}

func TestEndToEndMessage(t *testing.T) {
	fs := newFakeServer(t)
	reg := prometheus.NewRegistry()
	e := newTestEngine(t, Options{Registerer: reg})

	if err := e.Start(Session{Endpoint: fs.url(), AuthPayload: `{"key":"A"}`}); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv := fs.accept(t)
	auth := replyAuth(t, srv, `{"code":0}`)
	if string(auth.Body) != `{"key":"A"}` {
		t.Fatalf("auth body = %q", auth.Body)
	}
	expectKind(t, e, EventConnected)

	body := `{"cmd":"X","data":{}}`
	writeRaw(t, srv, protocol.Encode(protocol.OpMessage, protocol.VersionRaw, 0, []byte(body)))
	ev := expectKind(t, e, EventMessage)
	if ev.Command != "X" || ev.Payload != body {
		t.Fatalf("unexpected message %+v", ev)
	}

	st := e.Snapshot()
	if st.State != StateStreaming || st.MessagesReceived != 1 || st.SessionID == "" {
		t.Fatalf("unexpected snapshot %+v", st)
	}
	if v := testutil.ToFloat64(e.metrics.messages.WithLabelValues("X")); v != 1 {
		t.Fatalf("messages metric = %v", v)
	}
	if v := testutil.ToFloat64(e.metrics.streaming); v != 1 {
		t.Fatalf("streaming gauge = %v", v)
	}

	_ = serveFrames(srv)
	e.Stop()
	ev = expectKind(t, e, EventDisconnected)
	if ev.Reason != ReasonStopped || !errors.Is(ev.Err, ErrStopped) {
		t.Fatalf("unexpected disconnect %+v", ev)
	}
	if st := e.Snapshot(); st.State != StateClosed {
		t.Fatalf("state after stop = %s", st.State)
	}
	if v := testutil.ToFloat64(e.metrics.streaming); v != 0 {
		t.Fatalf("streaming gauge after stop = %v", v)
	}
}

func TestAuthTimeout(t *testing.T) {
	fs := newFakeServer(t)
	e := newTestEngine(t, Options{AuthTimeout: 100 * time.Millisecond})
	if err := e.Start(Session{Endpoint: fs.url(), AuthPayload: "A"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv := fs.accept(t)
	if f := readFrame(t, srv); f.Op != protocol.OpAuth {
		t.Fatalf("expected AUTH, got %s", f.Op)
	}
	_ = serveFrames(srv)

	ev := nextEvent(t, e)
	if ev.Kind != EventDisconnected || ev.Reason != ReasonTimeout {
		t.Fatalf("expected timeout disconnect, got %s", ev)
	}
	if !errors.Is(ev.Err, ErrHandshake) {
		t.Fatalf("expected handshake error, got %v", ev.Err)
	}
	expectQuiet(t, e, 100*time.Millisecond)
}

func TestAuthRejected(t *testing.T) {
	fs := newFakeServer(t)
	e := newTestEngine(t, Options{})
	if err := e.Start(Session{Endpoint: fs.url(), AuthPayload: "A"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv := fs.accept(t)
	replyAuth(t, srv, `{"code":-101}`)
	_ = serveFrames(srv)

	ev := expectKind(t, e, EventDisconnected)
	if ev.Reason != "auth rejected: code -101" || !errors.Is(ev.Err, ErrHandshake) {
		t.Fatalf("unexpected disconnect %+v", ev)
	}
}

func TestConnectedPrecedesMessageInSameTransportMessage(t *testing.T) {
	fs := newFakeServer(t)
	e := newTestEngine(t, Options{})
	if err := e.Start(Session{Endpoint: fs.url(), AuthPayload: "A"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv := fs.accept(t)
	readFrame(t, srv)
	buf := protocol.Encode(protocol.OpAuthReply, protocol.VersionHeartbeat, 1, []byte(`{"code":0}`))
	buf = append(buf, protocol.Encode(protocol.OpMessage, protocol.VersionRaw, 0, []byte(`{"cmd":"EARLY"}`))...)
	writeRaw(t, srv, buf)

	expectKind(t, e, EventConnected)
	if ev := expectKind(t, e, EventMessage); ev.Command != "EARLY" {
		t.Fatalf("unexpected message %+v", ev)
	}
	_ = serveFrames(srv)
}

func TestCorruptFrameKeepsStreaming(t *testing.T) {
	fs := newFakeServer(t)
	e := newTestEngine(t, Options{})
	srv := connect(t, fs, e)

	writeRaw(t, srv, protocol.Encode(protocol.OpMessage, protocol.VersionZlib, 0, []byte("bad zlib stream")))
	ev := expectKind(t, e, EventError)
	if !strings.Contains(ev.Message, "decompress") {
		t.Fatalf("unexpected error message %q", ev.Message)
	}

	writeRaw(t, srv, []byte{0, 0, 0, 99, 0, 3})
	expectKind(t, e, EventError)

	writeRaw(t, srv, protocol.Encode(protocol.OpMessage, protocol.VersionRaw, 0, []byte(`{"cmd":"AFTER"}`)))
	if ev := expectKind(t, e, EventMessage); ev.Command != "AFTER" {
		t.Fatalf("unexpected message %+v", ev)
	}
	if st := e.Snapshot(); st.State != StateStreaming || st.FrameErrors != 2 {
		t.Fatalf("unexpected snapshot %+v", st)
	}
	_ = serveFrames(srv)
}

func TestCompressedFramesYieldOrderedMessages(t *testing.T) {
	fs := newFakeServer(t)
	e := newTestEngine(t, Options{})
	srv := connect(t, fs, e)

	inner := append(msgFrame(`{"cmd":"ONE"}`), msgFrame(`{"cmd":"TWO"}`)...)
	writeRaw(t, srv, zlibFrame(t, inner))
	if ev := expectKind(t, e, EventMessage); ev.Command != "ONE" {
		t.Fatalf("first message %+v", ev)
	}
	if ev := expectKind(t, e, EventMessage); ev.Command != "TWO" {
		t.Fatalf("second message %+v", ev)
	}
	_ = serveFrames(srv)
}

func TestHeartbeatCadenceAndStop(t *testing.T) {
	const interval = 50 * time.Millisecond
	fs := newFakeServer(t)
	e := newTestEngine(t, Options{HeartbeatInterval: interval})
	srv := connect(t, fs, e)
	connectedAt := time.Now()
	frames := serveFrames(srv)

	var stamps []time.Time
	for len(stamps) < 3 {
		select {
		case f := <-frames:
			if f.Op != protocol.OpHeartbeat {
				t.Fatalf("unexpected frame %s", f.Op)
			}
			if len(f.Body) != 0 {
				t.Fatalf("heartbeat must have an empty body")
			}
			stamps = append(stamps, time.Now())
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for heartbeat %d", len(stamps)+1)
		}
	}
	if stamps[0].Sub(connectedAt) < interval/2 {
		t.Fatalf("first heartbeat came too early: %v", stamps[0].Sub(connectedAt))
	}
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < interval/2 {
			t.Fatalf("heartbeats %d and %d only %v apart", i-1, i, gap)
		}
	}

	e.Stop()
	sent := e.Snapshot().HeartbeatsSent
	if sent < 3 {
		t.Fatalf("heartbeats sent = %d", sent)
	}
	time.Sleep(4 * interval)
	if got := e.Snapshot().HeartbeatsSent; got != sent {
		t.Fatalf("heartbeats sent after stop: %d -> %d", sent, got)
	}

	received := uint64(len(stamps))
	for f := range frames {
		if f.Op == protocol.OpHeartbeat {
			received++
		}
	}
	if received != sent {
		t.Fatalf("server received %d heartbeats; client sent %d", received, sent)
	}
	expectKind(t, e, EventDisconnected)
}

func TestHeartbeatReplyResetsMissed(t *testing.T) {
	fs := newFakeServer(t)
	e := newTestEngine(t, Options{})
	srv := connect(t, fs, e)
	frames := serveFrames(srv)

	beat := func() {
		t.Helper()
		if err := e.SendHeartbeatNow(context.Background()); err != nil {
			t.Fatalf("send heartbeat: %v", err)
		}
		select {
		case f := <-frames:
			if f.Op != protocol.OpHeartbeat {
				t.Fatalf("unexpected frame %s", f.Op)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("heartbeat not received")
		}
	}

	beat()
	if st := e.Snapshot(); st.MissedHeartbeats != 0 || st.HeartbeatsSent != 1 {
		t.Fatalf("an outstanding heartbeat is not missed yet: %+v", st)
	}
	beat()
	if st := e.Snapshot(); st.MissedHeartbeats != 1 || st.HeartbeatsSent != 2 {
		t.Fatalf("second unacknowledged heartbeat should count a miss: %+v", st)
	}

	writeRaw(t, srv, protocol.Encode(protocol.OpHeartbeatReply, protocol.VersionHeartbeat, 1, []byte{0, 0, 0, 1}))
	// The reply produces no event; a following message proves it was handled.
	writeRaw(t, srv, protocol.Encode(protocol.OpMessage, protocol.VersionRaw, 0, []byte(`{"cmd":"SYNC"}`)))
	expectKind(t, e, EventMessage)
	if st := e.Snapshot(); st.MissedHeartbeats != 0 || st.LastHeartbeatReply.IsZero() {
		t.Fatalf("reply not recorded: %+v", st)
	}

	beat()
	if st := e.Snapshot(); st.MissedHeartbeats != 0 {
		t.Fatalf("heartbeat after a reply is not missed: %+v", st)
	}
}

func TestStopBeforeAuthentication(t *testing.T) {
	fs := newFakeServer(t)
	e := newTestEngine(t, Options{})
	if err := e.Start(Session{Endpoint: fs.url(), AuthPayload: "A"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv := fs.accept(t)
	readFrame(t, srv)
	_ = serveFrames(srv)

	if err := e.SendHeartbeatNow(context.Background()); !errors.Is(err, ErrNotStreaming) {
		t.Fatalf("expected ErrNotStreaming, got %v", err)
	}
	e.Stop()
	ev := nextEvent(t, e)
	if ev.Kind != EventDisconnected || ev.Reason != ReasonStopped {
		t.Fatalf("expected stopped disconnect, got %s", ev)
	}
	expectQuiet(t, e, 100*time.Millisecond)
	e.Stop()
	expectQuiet(t, e, 50*time.Millisecond)
}

func TestStopWhileConnecting(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	e := newTestEngine(t, Options{})
	if err := e.Start(Session{Endpoint: "ws://" + srv.Listener.Addr().String()}); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if st := e.Snapshot(); st.State != StateConnecting {
		t.Fatalf("state = %s", st.State)
	}
	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stop did not return")
	}
	if ev := nextEvent(t, e); ev.Kind != EventDisconnected || ev.Reason != ReasonStopped {
		t.Fatalf("expected stopped disconnect, got %s", ev)
	}
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws://" + srv.Listener.Addr().String()
	srv.Close()

	e := newTestEngine(t, Options{DialTimeout: time.Second})
	if err := e.Start(Session{Endpoint: url}); err != nil {
		t.Fatalf("start: %v", err)
	}
	ev := nextEvent(t, e)
	if ev.Kind != EventDisconnected || !errors.Is(ev.Err, ErrTransport) {
		t.Fatalf("expected transport disconnect, got %s (%v)", ev, ev.Err)
	}
	if e.Running() {
		// run may still be unwinding; it must finish promptly.
		time.Sleep(50 * time.Millisecond)
		if e.Running() {
			t.Fatalf("engine still running after terminal event")
		}
	}
}

func TestServerCloseIsTerminal(t *testing.T) {
	fs := newFakeServer(t)
	e := newTestEngine(t, Options{})
	srv := connect(t, fs, e)

	go func() { _ = srv.Close(websocket.StatusGoingAway, "bye") }()
	ev := expectKind(t, e, EventDisconnected)
	if !strings.Contains(ev.Reason, "closed by server") || !errors.Is(ev.Err, ErrTransport) {
		t.Fatalf("unexpected disconnect %+v", ev)
	}
	select {
	case <-fs.conns:
		t.Fatalf("engine must not reconnect on its own")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStartGuards(t *testing.T) {
	fs := newFakeServer(t)
	e := newTestEngine(t, Options{})

	if err := e.Start(Session{}); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
	if err := e.SendHeartbeatNow(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}

	srv := connect(t, fs, e)
	first := e.Snapshot().SessionID
	if err := e.Start(Session{Endpoint: fs.url()}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	_ = serveFrames(srv)
	e.Stop()
	expectKind(t, e, EventDisconnected)

	srv2 := connect(t, fs, e)
	if e.Snapshot().SessionID == first {
		t.Fatalf("restart must use a new session id")
	}
	_ = serveFrames(srv2)

	e.Close()
	if err := e.Start(Session{Endpoint: fs.url()}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	for range e.Events() {
	}
}

func TestCloseNowDropsUndelivered(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws://" + srv.Listener.Addr().String()
	srv.Close()

	e := newTestEngine(t, Options{DialTimeout: time.Second})
	for i := 0; i < 3; i++ {
		if err := e.Start(Session{Endpoint: url}); err != nil {
			t.Fatalf("start: %v", err)
		}
		e.Stop()
	}
	e.CloseNow()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-e.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("events channel not closed")
		}
	}
}
