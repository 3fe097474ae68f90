package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	OutputStderr  = "stderr"
	OutputStdout  = "stdout"
	OutputDiscard = "discard"
)

type slogKeyT struct{}

var slogKey slogKeyT

// ContextHandler adds attributes stored by ContextAttrs to every record.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, ok := ctx.Value(slogKey).([]slog.Attr)
	if !ok || a == nil {
		a = make([]slog.Attr, 0, len(attrs))
	} else {
		a = append(make([]slog.Attr, 0, len(a)+len(attrs)), a...)
	}
	a = append(a, attrs...)
	return context.WithValue(ctx, slogKey, a)
}

// WithJob attaches the job identity to every record logged with the returned context.
func WithJob(ctx context.Context, jobID, family string) context.Context {
	attrs := []slog.Attr{slog.String("job_id", jobID)}
	if family != "" {
		attrs = append(attrs, slog.String("job_directory", family))
	}
	return ContextAttrs(ctx, attrs...)
}

// Open returns the writer for a log output setting: stderr, stdout, discard or
// a file path opened for appending. The returned close func is never nil.
func Open(output string) (io.Writer, func() error, error) {
	nop := func() error { return nil }
	switch output {
	case "", OutputStderr:
		return os.Stderr, nop, nil
	case OutputStdout:
		return os.Stdout, nop, nil
	case OutputDiscard:
		return io.Discard, nop, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nop, fmt.Errorf("opening log file: %w", err)
	}
	return f, f.Close, nil
}

func New(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
	})
	return slog.New(NewContextHandler(base))
}

// Every rate-limits messages sharing a key to one per interval.
type Every struct {
	mx       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
}

func NewEvery(interval time.Duration) *Every {
	return &Every{
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

// Allow reports whether a message with key may be logged at now.
func (e *Every) Allow(key string, now time.Time) bool {
	if e == nil || e.interval <= 0 {
		return true
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	if last, ok := e.last[key]; ok && now.Sub(last) < e.interval {
		return false
	}
	e.last[key] = now
	return true
}
