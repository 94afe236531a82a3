package fsbackend

import (
	"context"
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"
)

func openTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStoreBackend_WriteReadEdit(t *testing.T) {
	ctx := context.Background()

	t.Run("write then read", func(t *testing.T) {
		db := openTestDB(t)
		b, err := NewStoreBackend(db, "memories")
		if err != nil {
			t.Fatal(err)
		}
		if err := b.Write(ctx, "/note.txt", "remember this"); err != nil {
			t.Fatal(err)
		}
		content, err := b.Read(ctx, "/note.txt", 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		if content != "remember this" {
			t.Fatalf("expected 'remember this', got %q", content)
		}
	})

	t.Run("persists across backend instances sharing db", func(t *testing.T) {
		db := openTestDB(t)
		b1, _ := NewStoreBackend(db, "memories")
		b1.Write(ctx, "/persist.txt", "durable")

		b2, err := NewStoreBackend(db, "memories")
		if err != nil {
			t.Fatal(err)
		}
		content, err := b2.Read(ctx, "/persist.txt", 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		if content != "durable" {
			t.Fatalf("expected 'durable', got %q", content)
		}
	})

	t.Run("separate namespaces do not collide", func(t *testing.T) {
		db := openTestDB(t)
		a, _ := NewStoreBackend(db, "ns-a")
		b, _ := NewStoreBackend(db, "ns-b")
		a.Write(ctx, "/x.txt", "from-a")
		ok, _ := b.Exists(ctx, "/x.txt")
		if ok {
			t.Fatal("expected namespaces to be isolated")
		}
	})

	t.Run("edit non-unique fails", func(t *testing.T) {
		db := openTestDB(t)
		b, _ := NewStoreBackend(db, "ns")
		b.Write(ctx, "/f.txt", "dup dup")
		_, err := b.Edit(ctx, "/f.txt", "dup", "single", false)
		if err == nil {
			t.Fatal("expected error for non-unique old_string")
		}
	})

	t.Run("read missing key", func(t *testing.T) {
		db := openTestDB(t)
		b, _ := NewStoreBackend(db, "ns")
		_, err := b.Read(ctx, "/missing.txt", 0, 0)
		if err == nil {
			t.Fatal("expected error for missing key")
		}
	})
}

func TestStoreBackend_GlobGrep(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	b, _ := NewStoreBackend(db, "ns")
	b.Write(ctx, "/notes/a.md", "todo: buy milk")
	b.Write(ctx, "/notes/b.md", "todo: walk dog")

	t.Run("glob under prefix", func(t *testing.T) {
		matches, err := b.Glob(ctx, "notes/*.md", "/")
		if err != nil {
			t.Fatal(err)
		}
		if len(matches) != 2 {
			t.Fatalf("expected 2 matches, got %d: %v", len(matches), matches)
		}
	})

	t.Run("grep finds both", func(t *testing.T) {
		hits, err := b.Grep(ctx, "todo", "/", GrepOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if len(hits) != 2 {
			t.Fatalf("expected 2 hits, got %d", len(hits))
		}
	})
}
