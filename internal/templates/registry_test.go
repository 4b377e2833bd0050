package templates

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleCatalog = `{
	// Operator-maintained catalog.
	"templates": [
		{
			"name": "order_update",
			"language": "pt_BR",
			"body": "Oi {{1}}, seu pedido {{2}} saiu para entrega.",
		},
		{
			"name": "welcome",
			"language": "pt_BR",
			"body": "Bem-vindo!",
			"params": 0,
		},
	],
}`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "templates.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestOpenParsesJSON5(t *testing.T) {
	r, err := Open(writeCatalog(t, sampleCatalog))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	tpl, ok := r.Get("order_update")
	if !ok {
		t.Fatal("order_update not found")
	}
	if tpl.Language != "pt_BR" {
		t.Errorf("Language = %q", tpl.Language)
	}
	if tpl.Params != 2 {
		t.Errorf("Params = %d, want 2 inferred from the body", tpl.Params)
	}
	if got := r.Names(); len(got) != 2 || got[0] != "order_update" || got[1] != "welcome" {
		t.Errorf("Names = %v", got)
	}
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestOpenRejectsBadCatalogs(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed", `{"templates": [`},
		{"empty name", `{"templates": [{"name": "", "body": "x"}]}`},
		{"empty body", `{"templates": [{"name": "a", "body": ""}]}`},
		{"duplicate", `{"templates": [{"name": "a", "body": "x"}, {"name": "a", "body": "y"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(writeCatalog(t, tt.content)); err == nil {
				t.Error("Open accepted a bad catalog")
			}
		})
	}
}

func TestRender(t *testing.T) {
	r, err := Open(writeCatalog(t, sampleCatalog))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	got, err := r.Render("order_update", []string{"Maria", "1234"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if want := "Oi Maria, seu pedido 1234 saiu para entrega."; got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}

	if _, err := r.Render("order_update", []string{"Maria"}); err == nil {
		t.Error("Render accepted a short parameter list")
	} else {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("error = %T, want *ValidationError", err)
		}
	}

	var verr *ValidationError
	if _, err := r.Render("nope", nil); !errors.As(err, &verr) {
		t.Errorf("unknown template error = %v, want *ValidationError", err)
	}
}

func TestReloadKeepsOldCatalogOnError(t *testing.T) {
	path := writeCatalog(t, sampleCatalog)
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := os.WriteFile(path, []byte(`{"templates": [`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := r.Reload(); err == nil {
		t.Fatal("Reload accepted a malformed catalog")
	}
	if _, ok := r.Get("order_update"); !ok {
		t.Error("previous catalog was discarded after a failed reload")
	}
}

func TestReloadSwapsCatalog(t *testing.T) {
	path := writeCatalog(t, sampleCatalog)
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	next := `{"templates": [{"name": "promo", "language": "pt_BR", "body": "Cupom {{1}}"}]}`
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, ok := r.Get("order_update"); ok {
		t.Error("stale template survived the reload")
	}
	if _, ok := r.Get("promo"); !ok {
		t.Error("new template missing after reload")
	}
}

func TestWatchPicksUpAtomicReplace(t *testing.T) {
	path := writeCatalog(t, sampleCatalog)
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	// Atomic save: write a temp file in the same directory, then rename
	// over the catalog.
	next := `{"templates": [{"name": "promo", "body": "Cupom {{1}}"}]}`
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(next), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := r.Get("promo"); ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher never reloaded the replaced catalog")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
