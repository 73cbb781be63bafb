package retention

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"patchcast/pkg/config"
	"patchcast/pkg/journal"
)

func openJournal(t *testing.T) {
	t.Helper()
	if err := journal.Open(filepath.Join(t.TempDir(), "journal")); err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })
}

func fill(t *testing.T, sid string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		if err := journal.Append(sid, uint64(i), []byte(fmt.Sprintf("p%d", i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func TestRunOnceTrimsToKeep(t *testing.T) {
	openJournal(t)
	fill(t, "a", 10)
	fill(t, "b", 3)

	removed, err := runOnce(context.Background(), config.RetentionConfig{Keep: 5}, t.TempDir())
	if err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if removed != 5 {
		t.Fatalf("removed = %d, want 5", removed)
	}
	if n, _ := journal.Count("a"); n != 5 {
		t.Fatalf("count a = %d, want 5", n)
	}
	// sessions under the cap are untouched
	if n, _ := journal.Count("b"); n != 3 {
		t.Fatalf("count b = %d, want 3", n)
	}
}

func TestRunOnceDryRun(t *testing.T) {
	openJournal(t)
	fill(t, "a", 10)

	removed, err := runOnce(context.Background(), config.RetentionConfig{Keep: 2, DryRun: true}, t.TempDir())
	if err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if removed != 0 {
		t.Fatalf("dry run removed %d entries", removed)
	}
	if n, _ := journal.Count("a"); n != 10 {
		t.Fatalf("count = %d, want 10", n)
	}
}

func TestRunOncePaused(t *testing.T) {
	openJournal(t)
	fill(t, "a", 10)
	removed, err := runOnce(context.Background(), config.RetentionConfig{Keep: 1, Paused: true}, t.TempDir())
	if err != nil || removed != 0 {
		t.Fatalf("paused run: removed=%d err=%v", removed, err)
	}
}

func TestStartRejectsInvalidCron(t *testing.T) {
	if _, err := Start(context.Background(), config.RetentionConfig{Enabled: true, Cron: "not a cron"}); err == nil {
		t.Fatal("invalid cron accepted")
	}
}
