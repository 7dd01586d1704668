package core

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// LockedLogger writes one JSON line per entry with a millisecond
// timestamp and a severity tag. A single lock keeps lines atomic
// when the transport dispatches handlers concurrently. Error and
// Fatal go to stderr, everything else to stdout.
type LockedLogger struct {
	mu  sync.Mutex
	out zerolog.Logger
	err zerolog.Logger
}

func NewLockedLogger(extensionName string) *LockedLogger {
	base := func(w *os.File) zerolog.Logger {
		return zerolog.New(w).With().
			Timestamp().
			Str("extension", extensionName).
			Logger()
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerolog.LevelFieldName = "severity"
	return &LockedLogger{
		out: base(os.Stdout),
		err: base(os.Stderr),
	}
}

func (l *LockedLogger) Info(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Info().Msg(msg)
}

func (l *LockedLogger) Debug(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Debug().Msg(msg)
}

func (l *LockedLogger) Warn(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Warn().Msg(msg)
}

func (l *LockedLogger) Trace(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Trace().Msg(msg)
}

func (l *LockedLogger) Error(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err.Error().Msg(msg)
}

func (l *LockedLogger) Fatal(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err.Fatal().Msg(msg)
}
