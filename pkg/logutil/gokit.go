package logutil

import (
	"io"

	"github.com/go-kit/log"
	kitlevel "github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// GoKitLevel maps a level name onto dskit's levels. Levels dskit does not know, such as
// trace, fall back to debug.
func GoKitLevel(lvl string) dslog.Level {
	var l dslog.Level
	if err := l.Set(lvl); err != nil {
		_ = l.Set("debug")
	}
	return l
}

// NewGoKitLogger builds the logfmt logger handed to dskit components.
func NewGoKitLogger(w io.Writer, lvl dslog.Level) log.Logger {
	gl := dslog.NewGoKitWithWriter(dslog.LogfmtFormat, log.NewSyncWriter(w))
	// Use UTC timestamps and skip 5 stack frames.
	gl = log.With(gl, "ts", log.DefaultTimestampUTC, "caller", log.Caller(5))
	// Must put the level filter last for efficiency.
	return kitlevel.NewFilter(gl, lvl.Option)
}
