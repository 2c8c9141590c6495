package logutil

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/open-telemetry/opamp-go/client/types"
)

type opampLogger struct {
	l *slog.Logger
}

// NewOpAMPLogger adapts l to the printf-style logger taken by the opamp-go client and server.
func NewOpAMPLogger(l *slog.Logger) types.Logger {
	return opampLogger{l: l}
}

func (o opampLogger) Debugf(ctx context.Context, format string, args ...any) {
	o.logf(ctx, LevelDebug, format, args)
}

func (o opampLogger) Errorf(ctx context.Context, format string, args ...any) {
	o.logf(ctx, LevelError, format, args)
}

func (o opampLogger) logf(ctx context.Context, lvl slog.Level, format string, args []any) {
	if !o.l.Enabled(ctx, lvl) {
		return
	}
	o.l.Log(ctx, lvl, fmt.Sprintf(format, args...))
}
