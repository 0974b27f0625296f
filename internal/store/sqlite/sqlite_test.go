package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/haukened/teleprint/internal/app"
	"github.com/haukened/teleprint/internal/domain"
)

// openTestDB opens a transient SQLite database file in a temp dir with WAL enabled.
func openTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err = db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=FULL;"); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestLoadEmpty(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "access.db"))
	p, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, found, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if found {
		t.Fatalf("expected found=false on empty database")
	}
}

func TestSaveLoadAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.db")
	ctx := context.Background()

	db := openTestDB(t, path)
	p, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first := app.AccessRecord{Admin: 100, Users: []domain.Identity{42, 7}, MailTokens: []string{"b-tok", "a-tok"}}
	if err := p.Save(ctx, first); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// wholesale rewrite: the second save drops 7 and a-tok
	second := app.AccessRecord{Admin: 100, Users: []domain.Identity{42}, MailTokens: []string{"b-tok"}}
	if err := p.Save(ctx, second); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	p2, err := New(openTestDB(t, path))
	if err != nil {
		t.Fatalf("New reopen: %v", err)
	}
	got, found, err := p2.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !found {
		t.Fatalf("expected stored record")
	}
	if got.Admin != 100 {
		t.Fatalf("admin mismatch: %d", got.Admin)
	}
	if len(got.Users) != 1 || got.Users[0] != 42 {
		t.Fatalf("users mismatch: %v", got.Users)
	}
	if len(got.MailTokens) != 1 || got.MailTokens[0] != "b-tok" {
		t.Fatalf("tokens mismatch: %v", got.MailTokens)
	}
}

func TestSaveDeduplicates(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "access.db"))
	p, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	rec := app.AccessRecord{Admin: 1, Users: []domain.Identity{5, 5}, MailTokens: []string{"t1", "t1"}}
	if err := p.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, _, err := p.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Users) != 1 || len(got.MailTokens) != 1 {
		t.Fatalf("duplicates stored: %+v", got)
	}
}

func TestSaveCanceledContext(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "access.db"))
	p, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Save(ctx, app.AccessRecord{Admin: 1}); err == nil {
		t.Fatalf("expected error with canceled context")
	}
}
