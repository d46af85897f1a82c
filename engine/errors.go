package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Start while a connection attempt is active.
	ErrAlreadyRunning = errors.New("engine: already running")
	// ErrNotRunning is returned by operations that need an active attempt.
	ErrNotRunning = errors.New("engine: not running")
	// ErrNotStreaming is returned by SendHeartbeatNow outside the Streaming state.
	ErrNotStreaming = errors.New("engine: not streaming")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("engine: closed")
	// ErrInvalidSession is returned by Start for a session without an endpoint.
	ErrInvalidSession = errors.New("engine: invalid session")

	// ErrTransport marks connect, read and write failures and server closes.
	ErrTransport = errors.New("engine: transport error")
	// ErrHandshake marks a rejected or timed out authentication.
	ErrHandshake = errors.New("engine: handshake failed")
	// ErrHandshakeTimeout is reported when no AUTH_REPLY arrives in time.
	ErrHandshakeTimeout = fmt.Errorf("%w: timeout", ErrHandshake)
	// ErrMessageFormat marks a MESSAGE body that is not a usable JSON event.
	ErrMessageFormat = errors.New("engine: bad message format")
	// ErrStopped is attached to the terminal event of a stopped attempt.
	ErrStopped = errors.New("engine: stopped")
)
