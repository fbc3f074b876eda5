package syslog

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// L is the process-wide logger. Components log through the builder:
//
//	syslog.L.Error(err).WithField("dir", alias).WithMessage("scan failed").Write()
var L *Logger

func init() {
	logger := zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
		w.NoColor = true
	})).With().Timestamp().Logger()

	L = &Logger{zlog: &logger}
}

// SetOutput redirects the system log, typically to $WORK/log/system.log once
// the work dir is known.
func SetOutput(w io.Writer) {
	L.mu.Lock()
	defer L.mu.Unlock()

	logger := zerolog.New(zerolog.NewConsoleWriter(func(cw *zerolog.ConsoleWriter) {
		cw.Out = w
		cw.NoColor = true
	})).With().Timestamp().Logger()
	L.zlog = &logger
}

type Logger struct {
	zlog *zerolog.Logger
	mu   sync.RWMutex
}

// LogEntry accumulates one record before Write finalizes it.
type LogEntry struct {
	logger  *Logger
	Level   string
	Err     error
	Message string
	Fields  map[string]any
}

func (l *Logger) entry(level string, err error) *LogEntry {
	return &LogEntry{
		logger: l,
		Level:  level,
		Err:    err,
		Fields: make(map[string]any),
	}
}

func (l *Logger) Debug() *LogEntry          { return l.entry("debug", nil) }
func (l *Logger) Info() *LogEntry           { return l.entry("info", nil) }
func (l *Logger) Warn() *LogEntry           { return l.entry("warn", nil) }
func (l *Logger) Error(err error) *LogEntry { return l.entry("error", err) }
func (l *Logger) Fatal(err error) *LogEntry { return l.entry("fatal", err) }

func (e *LogEntry) WithMessage(msg string) *LogEntry {
	e.Message = msg
	return e
}

func (e *LogEntry) WithMessagef(format string, args ...any) *LogEntry {
	e.Message = fmt.Sprintf(format, args...)
	return e
}

func (e *LogEntry) WithField(key string, value any) *LogEntry {
	e.Fields[key] = value
	return e
}

// Write finalizes the LogEntry and emits it through the zerolog logger. A
// fatal entry terminates the process after the record is flushed.
func (e *LogEntry) Write() {
	e.logger.mu.RLock()
	defer e.logger.mu.RUnlock()

	switch e.Level {
	case "debug":
		e.logger.zlog.Debug().Fields(e.Fields).Msg(e.Message)
	case "warn":
		e.logger.zlog.Warn().Fields(e.Fields).Msg(e.Message)
	case "error":
		e.logger.zlog.Error().Err(e.Err).Fields(e.Fields).Msg(e.Message)
	case "fatal":
		e.logger.zlog.Error().Err(e.Err).Fields(e.Fields).Msg(e.Message)
		os.Exit(1)
	default:
		e.logger.zlog.Info().Fields(e.Fields).Msg(e.Message)
	}
}
