// Package agent is the host loop around the engine: it starts connection
// attempts, drains events and applies the reconnect policy.
package agent

import (
	"context"
	"errors"

	"github.com/gaspardpetit/livelink/core/logx"
	"github.com/gaspardpetit/livelink/engine"
)

// Handler receives every event drained from the engine.
type Handler func(context.Context, engine.Event)

// Config controls the host loop.
type Config struct {
	Session   engine.Session
	Reconnect bool
	OnEvent   Handler
}

// Run drives connection attempts until ctx is done, the engine is stopped,
// or an attempt fails and Reconnect is false. Cancelling ctx stops the
// engine and waits for its terminal event.
func Run(ctx context.Context, eng *engine.Engine, cfg Config) error {
	return runWithReconnect(ctx, cfg.Reconnect, func(ctx context.Context) (bool, error) {
		if err := eng.Start(cfg.Session); err != nil {
			return false, permanentError{err}
		}
		streamed, ev, err := drain(ctx, eng, cfg.OnEvent)
		if err != nil {
			return streamed, permanentError{err}
		}
		if errors.Is(ev.Err, engine.ErrStopped) {
			return streamed, nil
		}
		return streamed, ev.Err
	})
}

// drain forwards events until the attempt's Disconnected arrives. It
// reports whether the attempt reached Streaming.
func drain(ctx context.Context, eng *engine.Engine, h Handler) (bool, engine.Event, error) {
	streamed := false
	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			go eng.Stop()
		case ev, ok := <-eng.Events():
			if !ok {
				return streamed, engine.Event{}, engine.ErrClosed
			}
			logEvent(ev)
			if h != nil {
				h(ctx, ev)
			}
			switch ev.Kind {
			case engine.EventConnected:
				streamed = true
			case engine.EventDisconnected:
				return streamed, ev, nil
			}
		}
	}
}

func logEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventConnected:
		logx.Log.Info().Msg("connected")
	case engine.EventDisconnected:
		logx.Log.Info().Str("reason", ev.Reason).Msg("disconnected")
	case engine.EventMessage:
		logx.Log.Debug().Str("cmd", ev.Command).Int("bytes", len(ev.Payload)).Msg("message")
	case engine.EventError:
		logx.Log.Warn().Str("error", ev.Message).Msg("engine error")
	case engine.EventDebug:
		logx.Log.Trace().Msg(ev.Message)
	}
}
