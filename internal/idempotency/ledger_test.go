package idempotency

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLedgerRecordAndLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idempotency.json")
	l, err := Open(path, time.Hour)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, ok := l.Lookup("reply:wamid.1"); ok {
		t.Fatal("empty ledger reported a hit")
	}
	if err := l.Record("reply:wamid.1", "whatsapp", "wamid.OUT1"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	rec, ok := l.Lookup("reply:wamid.1")
	if !ok {
		t.Fatal("recorded key not found")
	}
	if rec.ResultID != "wamid.OUT1" || rec.Channel != "whatsapp" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestLedgerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idempotency.json")
	l, err := Open(path, time.Hour)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Record("campaign:c1:r1:5511988887777", "whatsapp", "wamid.OUT2"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	reopened, err := Open(path, time.Hour)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rec, ok := reopened.Lookup("campaign:c1:r1:5511988887777")
	if !ok || rec.ResultID != "wamid.OUT2" {
		t.Fatalf("reopened lookup = %+v, %v", rec, ok)
	}
}

func TestLedgerExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idempotency.json")
	l, err := Open(path, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Record("k", "whatsapp", "id"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok := l.Lookup("k"); ok {
		t.Fatal("expired record still returned")
	}
	if n := l.Len(); n != 0 {
		t.Fatalf("Len = %d after expiry, want 0", n)
	}
}

func TestLedgerSweepRewritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idempotency.json")
	l, err := Open(path, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.Record("a", "whatsapp", "1")
	l.Record("b", "whatsapp", "2")
	time.Sleep(50 * time.Millisecond)
	l.Sweep()

	reopened, err := Open(path, time.Hour)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if n := reopened.Len(); n != 0 {
		t.Fatalf("swept ledger still has %d records on disk", n)
	}
}

func TestLedgerCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idempotency.json")
	if err := os.WriteFile(path, []byte("{{{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	l, err := Open(path, time.Hour)
	if err != nil {
		t.Fatalf("Open on corrupt file: %v", err)
	}
	if n := l.Len(); n != 0 {
		t.Fatalf("Len = %d for corrupt file, want 0", n)
	}
	// The ledger must still accept writes afterwards.
	if err := l.Record("k", "whatsapp", "id"); err != nil {
		t.Fatalf("Record after corrupt open: %v", err)
	}
}

func TestLedgerMissingDirectoryCreatedOnFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "idempotency.json")
	l, err := Open(path, time.Hour)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Record("k", "whatsapp", "id"); err != nil {
		t.Fatalf("Record into missing directory: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("ledger file not created: %v", err)
	}
}

func TestLedgerFlushLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idempotency.json")
	l, err := Open(path, time.Hour)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := l.Record("k", "whatsapp", "id"); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}
