package source

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestOpenFetchNextBasic(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "app.log", "one\ntwo\nthr")

	s, err := Open(path, KindFile, `\n`, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	item, ok, err := s.FetchNext()
	if err != nil || !ok || item != "one" {
		t.Fatalf("FetchNext #1 = %q, %v, %v; want \"one\", true, nil", item, ok, err)
	}

	item, ok, err = s.FetchNext()
	if err != nil || !ok || item != "two" {
		t.Fatalf("FetchNext #2 = %q, %v, %v; want \"two\", true, nil", item, ok, err)
	}

	// "thr" has no trailing separator yet; should report no item.
	_, ok, err = s.FetchNext()
	if err != nil || ok {
		t.Fatalf("FetchNext #3 = ok=%v err=%v; want ok=false, err=nil (incomplete item)", ok, err)
	}
}

func TestOpenSeekEnd(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "app.log", "preexisting\n")

	s, err := Open(path, KindFile, `\n`, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	_, ok, err := s.FetchNext()
	if err != nil || ok {
		t.Fatalf("expected no items to replay when opened with seekEnd, got ok=%v err=%v", ok, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("OpenFile for append: %v", err)
	}
	if _, err := f.WriteString("fresh\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	item, ok, err := s.FetchNext()
	if err != nil || !ok || item != "fresh" {
		t.Fatalf("FetchNext after append = %q, %v, %v; want \"fresh\", true, nil", item, ok, err)
	}
}

func TestCarryOverflow(t *testing.T) {
	dir := t.TempDir()
	// No separator ever appears, so the carry buffer grows without bound.
	content := make([]byte, maxLogItemSize+readBufferSize+1)
	for i := range content {
		content[i] = 'x'
	}
	path := writeFile(t, dir, "app.log", string(content))

	s, err := Open(path, KindFile, `\n`, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	var lastErr error
	for i := 0; i < 10; i++ {
		_, _, err := s.FetchNext()
		if err != nil {
			lastErr = err
			break
		}
	}
	if lastErr == nil {
		t.Fatal("expected ErrCarryOverflow once the carry exceeds maxLogItemSize")
	}
}

func TestHandleIfTruncatedRepositionsToEnd(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "app.log", "0123456789\n")

	s, err := Open(path, KindFile, `\n`, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if _, _, err := s.FetchNext(); err != nil {
		t.Fatalf("FetchNext: %v", err)
	}

	if err := os.Truncate(path, 2); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	if err := s.HandleIfTruncated(); err != nil {
		t.Fatalf("HandleIfTruncated: %v", err)
	}

	pos, err := s.Position()
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if pos != 2 {
		t.Fatalf("Position after truncate-handling = %d, want 2 (new EOF)", pos)
	}
}

func TestReopenClearsCarryAndSeeksEnd(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "app.log", "abc") // no separator, left in carry

	s, err := Open(path, KindFile, `\n`, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if _, _, err := s.FetchNext(); err != nil {
		t.Fatalf("FetchNext: %v", err)
	}
	if got := s.CarryLen(); got == 0 {
		t.Fatalf("expected non-empty carry before reopen")
	}

	if err := os.WriteFile(path, []byte("replaced\n"), 0644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	if err := s.Reopen(true); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if got := s.CarryLen(); got != 0 {
		t.Fatalf("CarryLen after Reopen = %d, want 0", got)
	}
	pos, err := s.Position()
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if want := int64(len("replaced\n")); pos != want {
		t.Fatalf("Position after Reopen(true) = %d, want %d (end of file)", pos, want)
	}
}

func TestEnsureExistsCreatesFIFO(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipe")

	if err := EnsureExists(path, KindFIFO); err != nil {
		t.Fatalf("EnsureExists: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode()&os.ModeNamedPipe == 0 {
		t.Fatalf("expected a FIFO at %q, got mode %v", path, info.Mode())
	}

	// Calling it again should be a no-op, not an error.
	if err := EnsureExists(path, KindFIFO); err != nil {
		t.Fatalf("EnsureExists (idempotent): %v", err)
	}
}

func TestEmbeddedNulFlushesCarry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s, err := Open(path, KindFile, `\n`, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString("partial-no-sep"); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	if _, ok, err := s.FetchNext(); err != nil || ok {
		t.Fatalf("expected incomplete item before nul byte, got ok=%v err=%v", ok, err)
	}

	f, err = os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.Write([]byte{0x00, 'j', 'u', 'n', 'k'}); err != nil {
		t.Fatalf("write nul: %v", err)
	}
	f.Close()

	item, ok, err := s.FetchNext()
	if err != nil || !ok {
		t.Fatalf("expected the nul-byte read to flush the carry, got ok=%v err=%v", ok, err)
	}
	if item != "partial-no-sep" {
		t.Fatalf("item = %q, want %q (carry flushed, junk after nul discarded)", item, "partial-no-sep")
	}
}
