package fsbackend

import (
	"context"
	"testing"
)

func TestStateBackend_WriteReadEdit(t *testing.T) {
	ctx := context.Background()

	t.Run("write then read", func(t *testing.T) {
		b := NewStateBackend()
		if err := b.Write(ctx, "/notes.txt", "hello world"); err != nil {
			t.Fatal(err)
		}
		content, err := b.Read(ctx, "/notes.txt", 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		if content != "hello world" {
			t.Fatalf("expected 'hello world', got %q", content)
		}
	})

	t.Run("read nonexistent", func(t *testing.T) {
		b := NewStateBackend()
		_, err := b.Read(ctx, "/missing.txt", 0, 0)
		if err == nil {
			t.Fatal("expected error for missing file")
		}
	})

	t.Run("edit unique occurrence", func(t *testing.T) {
		b := NewStateBackend()
		b.Write(ctx, "/f.txt", "hello world")
		n, err := b.Edit(ctx, "/f.txt", "world", "go", false)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("expected 1 replacement, got %d", n)
		}
		content, _ := b.Read(ctx, "/f.txt", 0, 0)
		if content != "hello go" {
			t.Fatalf("expected 'hello go', got %q", content)
		}
	})

	t.Run("edit non-unique without replace_all fails", func(t *testing.T) {
		b := NewStateBackend()
		b.Write(ctx, "/f.txt", "foo foo")
		_, err := b.Edit(ctx, "/f.txt", "foo", "bar", false)
		if err == nil {
			t.Fatal("expected error for non-unique old_string")
		}
	})

	t.Run("edit replace_all", func(t *testing.T) {
		b := NewStateBackend()
		b.Write(ctx, "/f.txt", "foo foo")
		n, err := b.Edit(ctx, "/f.txt", "foo", "bar", true)
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Fatalf("expected 2 replacements, got %d", n)
		}
	})

	t.Run("offset and limit paginate lines", func(t *testing.T) {
		b := NewStateBackend()
		b.Write(ctx, "/f.txt", "a\nb\nc\nd")
		content, err := b.Read(ctx, "/f.txt", 1, 2)
		if err != nil {
			t.Fatal(err)
		}
		if content != "b\nc" {
			t.Fatalf("expected 'b\\nc', got %q", content)
		}
	})
}

func TestStateBackend_LsInfoGlobGrep(t *testing.T) {
	ctx := context.Background()
	b := NewStateBackend()
	b.Write(ctx, "/a.go", "package a\nfunc Foo() {}")
	b.Write(ctx, "/sub/b.go", "package sub\nfunc Bar() {}")
	b.Write(ctx, "/sub/c.txt", "not go")

	t.Run("ls_info lists direct children", func(t *testing.T) {
		entries, err := b.LsInfo(ctx, "/")
		if err != nil {
			t.Fatal(err)
		}
		found := map[string]bool{}
		for _, e := range entries {
			found[e.Name] = e.IsDir
		}
		if _, ok := found["a.go"]; !ok {
			t.Errorf("expected a.go in listing")
		}
		if dir, ok := found["sub"]; !ok || !dir {
			t.Errorf("expected sub as dir")
		}
	})

	t.Run("glob doublestar", func(t *testing.T) {
		matches, err := b.Glob(ctx, "**/*.go", "/")
		if err != nil {
			t.Fatal(err)
		}
		if len(matches) != 2 {
			t.Fatalf("expected 2 matches, got %d: %v", len(matches), matches)
		}
	})

	t.Run("grep finds hits sorted", func(t *testing.T) {
		hits, err := b.Grep(ctx, "func", "/", GrepOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if len(hits) != 2 {
			t.Fatalf("expected 2 hits, got %d", len(hits))
		}
		if hits[0].Path != "/a.go" {
			t.Errorf("expected first hit in /a.go, got %s", hits[0].Path)
		}
	})

	t.Run("exists", func(t *testing.T) {
		ok, err := b.Exists(ctx, "/a.go")
		if err != nil || !ok {
			t.Fatalf("expected /a.go to exist")
		}
		ok, err = b.Exists(ctx, "/missing.go")
		if err != nil || ok {
			t.Fatalf("expected /missing.go to not exist")
		}
	})
}

func TestStateBackend_Snapshot(t *testing.T) {
	ctx := context.Background()
	b := NewStateBackend()
	b.Write(ctx, "/a.txt", "1")
	b.Write(ctx, "/b.txt", "2")

	snap := b.Snapshot()
	if snap["/a.txt"] != "1" || snap["/b.txt"] != "2" {
		t.Fatalf("unexpected snapshot: %v", snap)
	}
}
