package worker

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/lognot/lognotd/internal/actionqueue"
	"github.com/lognot/lognotd/internal/monitor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeHistory struct {
	mu      sync.Mutex
	records []ActionRecord
}

func (f *fakeHistory) Record(rec ActionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
}

func (f *fakeHistory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeRuleSource struct {
	rules  []*monitor.Rule
	cmdFor map[*monitor.Rule]string
}

func (f *fakeRuleSource) Rules() []*monitor.Rule             { return f.rules }
func (f *fakeRuleSource) DownCommand(r *monitor.Rule) string { return f.cmdFor[r] }

func TestPoolExecutesQueuedCommands(t *testing.T) {
	q := actionqueue.New()
	hist := &fakeHistory{}
	rs := &fakeRuleSource{}
	p := New(testLogger(), q, rs, hist, 2)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	q.Push("true")
	q.Push("false")

	deadline := time.After(3 * time.Second)
	for hist.count() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for actions to execute")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	p.Stop()

	if got := hist.count(); got != 2 {
		t.Fatalf("history count = %d, want 2", got)
	}
}

func TestPoolSweeperFiresDownBound(t *testing.T) {
	re := regexp.MustCompile(`x`)
	down := monitor.NewWindow(monitor.Freq{Count: 1, Period: 1})
	r := monitor.NewRule("r1", re, nil, down, false)

	q := actionqueue.New()
	rs := &fakeRuleSource{
		rules:  []*monitor.Rule{r},
		cmdFor: map[*monitor.Rule]string{r: "echo down"},
	}
	p := New(testLogger(), q, rs, nil, 1)
	p.startedAt = time.Now().Add(-10 * time.Second) // well past the 1s down period
	p.sweep(time.Now())

	if got := q.Len(); got != 1 {
		t.Fatalf("queue len = %d, want 1 (down-action enqueued)", got)
	}
	cmd, ok := q.Pop()
	if !ok || cmd != "echo down" {
		t.Fatalf("expected the down-action to be enqueued, got %q, %v", cmd, ok)
	}
}

func TestPoolSweeperDoesNotFireWithinUptimeGate(t *testing.T) {
	re := regexp.MustCompile(`x`)
	down := monitor.NewWindow(monitor.Freq{Count: 1, Period: 60})
	r := monitor.NewRule("r1", re, nil, down, false)

	q := actionqueue.New()
	rs := &fakeRuleSource{
		rules:  []*monitor.Rule{r},
		cmdFor: map[*monitor.Rule]string{r: "echo down"},
	}
	p := New(testLogger(), q, rs, nil, 1)
	p.startedAt = time.Now().Add(-time.Second) // well under the 60s period
	p.sweep(time.Now())

	if got := q.Len(); got != 0 {
		t.Fatalf("queue len = %d, want 0 (uptime gate should suppress firing)", got)
	}
}
