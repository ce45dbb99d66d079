package history

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/lognot/lognotd/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStoreRecordAndRecent(t *testing.T) {
	s, err := Open(":memory:", testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	s.Record(worker.ActionRecord{
		RuleName:  "high-error-rate",
		Kind:      "up",
		Command:   "echo hi",
		StartedAt: time.Now(),
		Duration:  5 * time.Millisecond,
		ExitCode:  0,
	})
	s.Record(worker.ActionRecord{
		RuleName:  "silence-watch",
		Kind:      "down",
		Command:   "echo bye",
		StartedAt: time.Now(),
		Duration:  2 * time.Millisecond,
		ExitCode:  1,
		Err:       "exit status 1",
	})

	rows, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Recent returned %d rows, want 2", len(rows))
	}
	// Most recent first.
	if rows[0].RuleName != "silence-watch" || rows[0].Kind != "down" {
		t.Fatalf("rows[0] = %+v, want the second-recorded action first", rows[0])
	}
	if rows[1].RuleName != "high-error-rate" {
		t.Fatalf("rows[1] = %+v, want the first-recorded action", rows[1])
	}
}

func TestStoreRecentLimit(t *testing.T) {
	s, err := Open(":memory:", testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 5; i++ {
		s.Record(worker.ActionRecord{RuleName: "r", Kind: "up", Command: "true", StartedAt: time.Now()})
	}

	rows, err := s.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Recent(limit=2) returned %d rows, want 2", len(rows))
	}
}
