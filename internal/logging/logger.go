package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

type Config struct {
	// Level is the minimum log level
	Level slog.Level

	// Format is FormatJSON or FormatText
	Format string

	// OutputFile, when set, receives a rotated copy of every record
	OutputFile string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of rotated files to keep
	MaxBackups int

	// MaxAge is the maximum days to keep rotated files
	MaxAge int

	Compress bool
}

func DefaultConfig() Config {
	return Config{
		Level:      slog.LevelInfo,
		Format:     FormatJSON,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// ParseLevel maps debug, info, warn and error (any case) to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// ValidFormat reports whether format names a supported handler.
func ValidFormat(format string) bool {
	switch strings.ToLower(format) {
	case "", FormatJSON, FormatText:
		return true
	}
	return false
}

// New builds a logger writing to stdout and, if configured, a rotating file.
// The returned closer releases the file and is a no-op otherwise.
func New(cfg Config) (*slog.Logger, io.Closer) {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter is New with w in place of stdout.
func NewWithWriter(cfg Config, w io.Writer) (*slog.Logger, io.Closer) {
	writers := []io.Writer{w}
	var closer io.Closer = nopCloser{}

	if cfg.OutputFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.OutputFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		writers = append(writers, rotator)
		closer = rotator
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	writer := io.MultiWriter(writers...)

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, FormatText) {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	return slog.New(handler), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
