package agent

import (
	"context"
	"errors"

	"github.com/gaspardpetit/livelink/core/logx"
	"github.com/gaspardpetit/livelink/core/reconnect"
)

// permanentError ends the retry loop regardless of the reconnect setting.
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// runWithReconnect repeatedly invokes connect until it returns nil, the
// context ends, or reconnecting is disabled. connect reports whether the
// attempt was established before it failed; an established attempt resets
// the backoff.
func runWithReconnect(ctx context.Context, shouldReconnect bool, connect func(context.Context) (bool, error)) error {
	attempt := 0
	for {
		connected, err := connect(ctx)
		var p permanentError
		if errors.As(err, &p) {
			return p.err
		}
		if err == nil || !shouldReconnect {
			return err
		}
		if connected {
			attempt = 0
		}
		logx.Log.Warn().Dur("backoff", reconnect.Delay(attempt)).Err(err).Msg("connection lost; retrying")
		if !reconnect.Wait(ctx, attempt) {
			return nil
		}
		attempt++
	}
}
