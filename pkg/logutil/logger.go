package logutil

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

const (
	attrMethod    = "method"
	attrTransport = "transport"
)

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
)

// ANSI colors for attrs that are worth spotting in a busy terminal.
var attrColors = map[string]map[string]uint8{
	attrMethod: {
		http.MethodGet:    12,
		http.MethodDelete: 9,
		http.MethodPost:   14,
		http.MethodPatch:  13,
		http.MethodPut:    10,
	},
	attrTransport: {
		"websocket": 14,
		"http":      13,
	},
}

// level is shared by the default handler so the threshold can change after init.
var level = new(slog.LevelVar)

func WithMethod(logger *slog.Logger, method string) *slog.Logger {
	return logger.With(attrMethod, method)
}

// ParseLevel accepts the slog level names plus "trace".
func ParseLevel(s string) (slog.Level, error) {
	if strings.EqualFold(s, "trace") {
		return LevelTrace, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

// SetLevel changes the threshold of the default logger.
func SetLevel(s string) error {
	l, err := ParseLevel(s)
	if err != nil {
		return err
	}
	level.Set(l)
	return nil
}

func replaceAttr(_ []string, attr slog.Attr) slog.Attr {
	if attr.Key == slog.LevelKey {
		if lvl, ok := attr.Value.Any().(slog.Level); ok && lvl < LevelDebug {
			attr.Value = slog.StringValue("TRACE")
		}
		return attr
	}
	if color, ok := attrColors[attr.Key][attr.Value.String()]; ok {
		return tint.Attr(color, attr)
	}
	return attr
}

func init() {
	level.Set(LevelTrace)
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:       level,
		TimeFormat:  time.Kitchen,
		ReplaceAttr: replaceAttr,
	})))
}
