package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a JSON slog.Logger configured for the given service name.
func New(service string, level slog.Level) *slog.Logger {
	return NewWithWriter(os.Stdout, service, level)
}

// NewWithWriter returns a JSON slog.Logger writing to w.
func NewWithWriter(w io.Writer, service string, level slog.Level) *slog.Logger {
	return NewWithTimeFormat(w, service, level, "")
}

// NewWithTimeFormat is NewWithWriter with the record time rendered using a Go
// time layout. An empty layout keeps slog's default RFC 3339 output.
func NewWithTimeFormat(w io.Writer, service string, level slog.Level, layout string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if layout != "" {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
				return slog.String(slog.TimeKey, a.Value.Time().Format(layout))
			}
			return a
		}
	}
	h := slog.NewJSONHandler(w, opts)
	return slog.New(h).With("service", service)
}

// RotateOptions controls the rolling log file.
type RotateOptions struct {
	// MaxSizeMB rotates the file once it grows past this size.
	MaxSizeMB int
	// MaxAgeDays deletes rotated files older than this. Zero keeps them.
	MaxAgeDays int
	// MaxBackups caps the number of rotated files kept. Zero keeps them all.
	MaxBackups int
	Compress   bool
	// Daily also rotates at local midnight, so each file holds one day.
	Daily bool
}

// FileSink is a rotating log file mirrored to stdout.
type FileSink struct {
	file *lumberjack.Logger
	out  io.Writer
	stop chan struct{}
	once sync.Once
}

// OpenFileSink opens (creating directories as needed) the log file at path
// and returns a sink that writes every record to stdout and to the file.
func OpenFileSink(path string, opts RotateOptions) (*FileSink, error) {
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 100
	}
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxAge:     opts.MaxAgeDays,
		MaxBackups: opts.MaxBackups,
		Compress:   opts.Compress,
		LocalTime:  true,
	}
	// lumberjack opens lazily; surface permission problems at startup.
	if _, err := file.Write(nil); err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	s := &FileSink{file: file, out: io.MultiWriter(os.Stdout, file), stop: make(chan struct{})}
	if opts.Daily {
		go s.rotateDaily(time.Now)
	}
	return s, nil
}

// Write implements io.Writer.
func (s *FileSink) Write(p []byte) (int, error) {
	return s.out.Write(p)
}

// Rotate closes the current file and starts a new one.
func (s *FileSink) Rotate() error {
	return s.file.Rotate()
}

// Close stops daily rotation and closes the file.
func (s *FileSink) Close() error {
	s.once.Do(func() { close(s.stop) })
	return s.file.Close()
}

func (s *FileSink) rotateDaily(now func() time.Time) {
	for {
		timer := time.NewTimer(untilMidnight(now()))
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
			_ = s.file.Rotate()
		}
	}
}

func untilMidnight(now time.Time) time.Duration {
	y, m, d := now.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	return next.Sub(now)
}

// ParseLevel maps a textual level to slog.Level, falling back to info.
func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
