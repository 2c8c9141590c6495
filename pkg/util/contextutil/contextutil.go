// Package contextutil ties process signals to context cancellation.
package contextutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

var ErrShutdown = errors.New("otelfleet shutdown requested")

// SetupSignals returns a context canceled on the first SIGINT or SIGTERM, with a cause
// wrapping ErrShutdown. Signal handling reverts to the default afterwards, so a second
// signal kills the process if shutdown hangs.
func SetupSignals(ctx context.Context, logger *slog.Logger) context.Context {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	ctxCa, ca := context.WithCancelCause(ctx)
	go func() {
		defer signal.Stop(sig)
		select {
		case s := <-sig:
			logger.With("signal", s.String()).Info("interrupt received, send again to force exit")
			ca(fmt.Errorf("signal %s received: %w", s, ErrShutdown))
		case <-ctxCa.Done():
			ca(nil)
		}
	}()
	return ctxCa
}
