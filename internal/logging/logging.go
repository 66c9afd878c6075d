// Package logging sets up the process logger of the binaries.
package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParseLevel maps a config level name to a zerolog level, info when unknown.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Setup returns a console logger writing to out at the given level.
func Setup(level string, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// Zerolog adapts a zerolog.Logger to the key/value logger of the
// network core.
type Zerolog struct {
	l zerolog.Logger
}

// NewZerolog wraps l.
func NewZerolog(l zerolog.Logger) *Zerolog {
	return &Zerolog{l: l}
}

// Debug logs msg with key/value args at debug level.
func (z *Zerolog) Debug(msg string, args ...any) {
	write(z.l.Debug(), msg, args)
}

// Info logs msg with key/value args at info level.
func (z *Zerolog) Info(msg string, args ...any) {
	write(z.l.Info(), msg, args)
}

// Warn logs msg with key/value args at warn level.
func (z *Zerolog) Warn(msg string, args ...any) {
	write(z.l.Warn(), msg, args)
}

// Error logs msg with key/value args at error level.
func (z *Zerolog) Error(msg string, args ...any) {
	write(z.l.Error(), msg, args)
}

func write(e *zerolog.Event, msg string, args []any) {
	if e == nil {
		return
	}

	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if i+1 == len(args) {
			e = e.Str("!BADKEY", key)
			break
		}

		switch v := args[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case fmt.Stringer:
			e = e.Stringer(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	e.Msg(msg)
}
