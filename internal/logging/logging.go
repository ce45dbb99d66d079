// Package logging constructs the single *slog.Logger threaded through
// every component. It de-duplicates identical consecutive messages emitted
// within the same wall-clock minute via a slog.Handler wrapper (the one
// choke point every record passes through regardless of call site) and
// supports swapping the file sink out from under the logger for external
// log rotation.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"log/syslog"
	"os"
	"sync"
	"time"
)

// Facility selects where log records ultimately go. It mirrors the
// logfacility config option.
type Facility string

const (
	FacilityFile   Facility = "file"
	FacilityStdout Facility = "stdout"
	FacilitySystem Facility = "system"
)

// Sink owns the live output destination for FacilityFile and exposes Reopen
// so SIGHUP can support external log rotation of the daemon's own logs
// without replacing the *slog.Logger value every component already holds a
// reference to.
type Sink struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Write(p)
}

// Reopen closes the current file descriptor and reopens path, picking up a
// file that logrotate (or an operator's `mv`) has moved out from under it.
func (s *Sink) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("logging: reopen %q: %w", s.path, err)
	}
	old := s.f
	s.f = f
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// New builds a *slog.Logger for the given facility. For FacilityFile it also
// returns the Sink so the caller can wire SIGHUP to Sink.Reopen; for every
// other facility the returned Sink is nil. An optional level argument (only
// the first is used) lowers the minimum level below the default Info, for
// --verbose.
func New(facility Facility, logfile string, level ...slog.Level) (*slog.Logger, *Sink, error) {
	var (
		handler slog.Handler
		sink    *Sink
	)

	opts := &slog.HandlerOptions{}
	if len(level) > 0 {
		opts.Level = level[0]
	}

	switch facility {
	case FacilityFile:
		if logfile == "" {
			return nil, nil, fmt.Errorf("logging: logfacility=file requires logfile")
		}
		f, err := os.OpenFile(logfile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: open %q: %w", logfile, err)
		}
		sink = &Sink{path: logfile, f: f}
		handler = slog.NewTextHandler(sink, opts)
	case FacilitySystem:
		w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, "lognotd")
		if err != nil {
			return nil, nil, fmt.Errorf("logging: dial syslog: %w", err)
		}
		handler = slog.NewTextHandler(w, opts)
	case FacilityStdout, "":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, nil, fmt.Errorf("logging: unknown logfacility %q", facility)
	}

	return slog.New(newDedupHandler(handler)), sink, nil
}

// dedupHandler suppresses an identical consecutive message occurring within
// the same wall-clock minute, collapsing any run of suppressed duplicates
// into a single "Last message repeated N times" record emitted once the run
// ends. Identity is the record's level and message text; attrs
// are deliberately not part of the key; a message carrying per-event detail
// in its attrs but a fixed message string is exactly the flood this exists
// to collapse.
type dedupHandler struct {
	next slog.Handler

	mu      sync.Mutex
	key     string
	minute  int64
	count   int
	lastRec slog.Record
}

func newDedupHandler(next slog.Handler) *dedupHandler {
	return &dedupHandler{next: next}
}

func (h *dedupHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *dedupHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &dedupHandler{next: h.next.WithAttrs(attrs)}
}

func (h *dedupHandler) WithGroup(name string) slog.Handler {
	return &dedupHandler{next: h.next.WithGroup(name)}
}

func (h *dedupHandler) Handle(ctx context.Context, r slog.Record) error {
	key := fmt.Sprintf("%d|%s", r.Level, r.Message)
	minute := r.Time.Unix() / 60

	h.mu.Lock()
	if key == h.key && minute == h.minute {
		h.count++
		h.lastRec = r
		h.mu.Unlock()
		return nil
	}

	pending := h.count
	pendingRec := h.lastRec
	h.key, h.minute, h.count, h.lastRec = key, minute, 0, r
	h.mu.Unlock()

	if pending > 0 {
		summary := slog.Record{Time: pendingRec.Time, Level: pendingRec.Level, Message: fmt.Sprintf("Last message repeated %d times.", pending)}
		if err := h.next.Handle(ctx, summary); err != nil {
			return err
		}
	}
	return h.next.Handle(ctx, r)
}

// Flush looks up the dedupHandler installed by New on logger and emits any
// pending "repeated N times" summary immediately, rather than waiting for
// the next distinct message to trigger it. Call this right before process
// exit so a trailing run of suppressed duplicates is never silently lost.
// It is a no-op for a *slog.Logger not constructed by New.
func Flush(ctx context.Context, logger *slog.Logger) {
	if h, ok := logger.Handler().(*dedupHandler); ok {
		h.Flush(ctx)
	}
}

// Flush emits any pending "repeated N times" summary without waiting for
// the next distinct message; callers should invoke it on clean shutdown so
// a trailing run of suppressed duplicates is never silently lost.
func (h *dedupHandler) Flush(ctx context.Context) {
	h.mu.Lock()
	pending := h.count
	pendingRec := h.lastRec
	h.count = 0
	h.mu.Unlock()

	if pending > 0 {
		summary := slog.Record{Time: time.Now(), Level: pendingRec.Level, Message: fmt.Sprintf("Last message repeated %d times.", pending)}
		_ = h.next.Handle(ctx, summary)
	}
}
