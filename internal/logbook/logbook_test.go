package logbook

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestTailReturnsRecentLinesAndTotal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.log")
	book, err := New(path)
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	for i := 0; i < 5; i++ {
		book.Info("entry-%d", i)
	}
	lines, total := book.Tail(3)
	if total != 5 {
		t.Fatalf("total lines = %d, want 5", total)
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	for idx, want := range []string{"entry-2", "entry-3", "entry-4"} {
		if !strings.Contains(lines[idx], want) {
			t.Fatalf("line %d = %q, missing %s", idx, lines[idx], want)
		}
	}
}

func TestEntriesFiltersByLevel(t *testing.T) {
	dir := t.TempDir()
	book, err := ForRun(dir, "r1")
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	book.Info("stage source-minor dispatched")
	book.Warn("source-minor (minor): no source bundle supplied")
	book.Warn("run degraded: no variant has source evidence")
	book.Error("stage terraform-major failed")

	warns := book.Entries(LevelWarn)
	if len(warns) != 2 {
		t.Fatalf("len(warns) = %d, want 2", len(warns))
	}
	for _, line := range warns {
		if !strings.Contains(line, "WARN") {
			t.Fatalf("warn line missing level marker: %q", line)
		}
	}
	if got := book.Path(); !strings.HasSuffix(got, "run-r1.log") {
		t.Fatalf("journal path = %q, want run-r1.log suffix", got)
	}
}
