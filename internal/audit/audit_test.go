package audit

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("opening audit log: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAssignsSequentialIDs(t *testing.T) {
	l := openTestLog(t)

	for i := 1; i <= 3; i++ {
		r := &Record{Path: "/tmp/x", RequestedAt: time.Now()}
		if err := l.Append(r); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if r.ID != uint64(i) {
			t.Errorf("Append %d: got ID %d", i, r.ID)
		}
	}

	count, err := l.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 3 {
		t.Errorf("Count = %d", count)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	l := openTestLog(t)

	paths := []string{"/a", "/b", "/c", "/d"}
	for _, p := range paths {
		if err := l.Append(&Record{Path: p, RequestedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := l.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records", len(got))
	}
	if got[0].Path != "/d" || got[1].Path != "/c" {
		t.Errorf("order wrong: %q then %q", got[0].Path, got[1].Path)
	}
}

func TestRecentLimitLargerThanStore(t *testing.T) {
	l := openTestLog(t)
	if err := l.Append(&Record{Path: "/only", RequestedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	got, err := l.Recent(100)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d records", len(got))
	}
}

func TestPrune(t *testing.T) {
	l := openTestLog(t)
	now := time.Now()

	old := &Record{Path: "/old", RequestedAt: now.Add(-48 * time.Hour)}
	older := &Record{Path: "/older", RequestedAt: now.Add(-72 * time.Hour)}
	fresh := &Record{Path: "/fresh", RequestedAt: now}
	for _, r := range []*Record{old, older, fresh} {
		if err := l.Append(r); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := l.Prune(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d", removed)
	}

	got, err := l.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Path != "/fresh" {
		t.Errorf("surviving records: %+v", got)
	}
}

func TestPruneEmptyStore(t *testing.T) {
	l := openTestLog(t)
	removed, err := l.Prune(time.Now())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d", removed)
	}
}

func TestRecordOutcomeFields(t *testing.T) {
	l := openTestLog(t)

	if err := l.Append(&Record{
		Path:        "/etc/shadow",
		Flags:       0,
		Forwarded:   false,
		Error:       "failed to open /etc/shadow",
		RequestedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	got, err := l.Recent(1)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Forwarded {
		t.Error("Forwarded should be false")
	}
	if got[0].Error == "" {
		t.Error("Error not persisted")
	}
}

func TestNewPruner(t *testing.T) {
	l := openTestLog(t)

	t.Run("valid schedule", func(t *testing.T) {
		if _, err := NewPruner(l, "0 3 * * *", 30, nopLogger()); err != nil {
			t.Errorf("NewPruner failed: %v", err)
		}
	})

	t.Run("descriptor schedule", func(t *testing.T) {
		if _, err := NewPruner(l, "@daily", 30, nopLogger()); err != nil {
			t.Errorf("NewPruner failed: %v", err)
		}
	})

	t.Run("invalid schedule", func(t *testing.T) {
		if _, err := NewPruner(l, "not a schedule", 30, nopLogger()); err == nil {
			t.Error("expected error for invalid cron expression")
		}
	})
}
