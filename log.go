package dnssd

import (
	"io"
	"log"
	"os"
)

// level is one of the independently-silenceable logging channels used
// across the package. Each defaults to discarding output; a caller wires a
// destination with (*loggers).SetOutput.
type level struct {
	*log.Logger
}

func newLevel(prefix string) *level {
	return &level{log.New(io.Discard, prefix, log.LstdFlags)}
}

// loggers groups the leveled channels a component writes to. Every
// component in this package writes to the single package-level instance,
// dnssdlog.
type loggers struct {
	Debug *level
	Info  *level
	Warn  *level
	Error *level
}

func newLoggers(name string) *loggers {
	return &loggers{
		Debug: newLevel("[DEBUG] " + name + ": "),
		Info:  newLevel("[INFO] " + name + ": "),
		Warn:  newLevel("[WARN] " + name + ": "),
		Error: newLevel("[ERROR] " + name + ": "),
	}
}

// SetOutput directs every level at or above minLevel to w, and silences the
// rest. minLevel is one of "debug", "info", "warn", "error".
func (l *loggers) SetOutput(w io.Writer, minLevel string) {
	levels := []*level{l.Debug, l.Info, l.Warn, l.Error}
	names := []string{"debug", "info", "warn", "error"}
	enable := false
	for i, n := range names {
		if n == minLevel {
			enable = true
		}
		if enable {
			levels[i].SetOutput(w)
		} else {
			levels[i].SetOutput(io.Discard)
		}
	}
}

// dnssdlog is the logger every component in this package writes to; no
// constructor accepts a different *loggers. Set DNSSD_DEBUG to any value to enable debug output during development.
var dnssdlog = newLoggers("dnssd")

func init() {
	if os.Getenv("DNSSD_DEBUG") != "" {
		dnssdlog.SetOutput(os.Stderr, "debug")
	}
}
