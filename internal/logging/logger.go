package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stderr).With().Timestamp().Logger()
	sink io.Closer
)

// Init configures the process logger. Writes go through a diode buffer so a
// slow terminal never blocks workers; overflowing messages are dropped.
func Init(level string, json bool) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if !json {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	}
	d := diode.NewWriter(out, 1000, 10*time.Millisecond, func(missed int) {
		fmt.Fprintf(os.Stderr, "logger dropped %d messages\n", missed)
	})

	mu.Lock()
	defer mu.Unlock()
	if sink != nil {
		sink.Close()
	}
	sink = d
	base = zerolog.New(d).Level(lvl).With().Timestamp().Logger()
	return nil
}

// SetOutput replaces the writer synchronously. Used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = zerolog.New(w).With().Timestamp().Logger()
}

// Close flushes buffered messages.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if sink == nil {
		return nil
	}
	err := sink.Close()
	sink = nil
	base = zerolog.New(os.Stderr).With().Timestamp().Logger()
	return err
}

func WithComponent(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With().Str("component", name).Logger()
}

func Printf(format string, args ...interface{}) {
	mu.RLock()
	l := base
	mu.RUnlock()
	l.Info().Msgf(format, args...)
}
