// Package logging builds the zerolog loggers used across patternscan and
// carries request-scoped fields through contexts.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig selects the log sinks and the rotation policy of the file sink.
type LogConfig struct {
	Level      string
	Console    bool
	JSON       bool // plain JSON on stderr instead of the console writer
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// NewLoggerWithConfig builds the root logger. With no sink enabled the logger
// discards everything.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	sinks := make([]io.Writer, 0, 2)
	if cfg.JSON {
		sinks = append(sinks, os.Stderr)
	} else if cfg.Console {
		sinks = append(sinks, zerolog.ConsoleWriter{
			Out:         os.Stderr,
			TimeFormat:  time.RFC3339,
			FormatLevel: consoleLevel,
		})
	}
	if cfg.File {
		if rotating := fileSink(cfg); rotating != nil {
			sinks = append(sinks, rotating)
		}
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	return zerolog.New(combine(sinks)).With().Timestamp().Caller().Logger()
}

// fileSink returns a rotating writer, or nil when the log directory cannot be
// created.
func fileSink(cfg LogConfig) io.Writer {
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
		return nil
	}
	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   true,
	}
}

func combine(sinks []io.Writer) io.Writer {
	switch len(sinks) {
	case 0:
		return io.Discard
	case 1:
		return sinks[0]
	}
	return zerolog.MultiLevelWriter(sinks...)
}

var levelTags = map[string]string{
	"debug": "\033[36mDBG\033[0m",
	"info":  "\033[32mINF\033[0m",
	"warn":  "\033[33mWRN\033[0m",
	"error": "\033[31mERR\033[0m",
}

func consoleLevel(i interface{}) string {
	name, ok := i.(string)
	if !ok {
		return "???"
	}
	if tag, ok := levelTags[name]; ok {
		return tag
	}
	return name
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		if strings.EqualFold(level, "warning") {
			return zerolog.WarnLevel
		}
		return zerolog.InfoLevel
	}
	return lvl
}

// SetDebugLevel lowers the global level to debug.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID stores the HTTP request ID in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request ID stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// FromRequest tags logger with the request ID of ctx. Outside a request it
// returns logger unchanged.
func FromRequest(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if id := RequestID(ctx); id != "" {
		return logger.With().Str("request_id", id).Logger()
	}
	return logger
}

func WithSymbol(logger zerolog.Logger, symbol string) zerolog.Logger {
	return logger.With().Str("symbol", symbol).Logger()
}

func WithRunID(logger zerolog.Logger, runID int64) zerolog.Logger {
	return logger.With().Int64("run_id", runID).Logger()
}

func WithPattern(logger zerolog.Logger, pattern string) zerolog.Logger {
	return logger.With().Str("pattern", pattern).Logger()
}

// LogScan records a finished scan.
func LogScan(logger zerolog.Logger, pattern, universe, timeframe string, count int, duration time.Duration) {
	logger.Info().
		Str("event", "scan").
		Str("pattern", pattern).
		Str("universe", universe).
		Str("timeframe", timeframe).
		Int("count", count).
		Dur("duration", duration).
		Msg("scan finished")
}

// LogRunTransition records a run moving between lifecycle states.
func LogRunTransition(logger zerolog.Logger, runID int64, from, to string) {
	logger.Info().
		Str("event", "run_status").
		Int64("run_id", runID).
		Str("from", from).
		Str("to", to).
		Msg("run status changed")
}

// LogProviderCall records one upstream price fetch at debug level.
func LogProviderCall(logger zerolog.Logger, symbol, interval string, duration time.Duration, err error) {
	ev := logger.Debug().
		Str("event", "provider_call").
		Str("symbol", symbol).
		Str("interval", interval).
		Dur("duration", duration)
	if err != nil {
		ev.Err(err).Msg("provider call failed")
		return
	}
	ev.Msg("provider call ok")
}
