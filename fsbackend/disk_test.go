package fsbackend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFilesystemBackend_WriteReadEdit(t *testing.T) {
	ctx := context.Background()

	t.Run("write then read", func(t *testing.T) {
		root := t.TempDir()
		b, err := NewFilesystemBackend(root)
		if err != nil {
			t.Fatal(err)
		}
		if err := b.Write(ctx, "/a.txt", "hello"); err != nil {
			t.Fatal(err)
		}
		content, err := b.Read(ctx, "/a.txt", 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		if content != "hello" {
			t.Fatalf("expected 'hello', got %q", content)
		}
		data, _ := os.ReadFile(filepath.Join(root, "a.txt"))
		if string(data) != "hello" {
			t.Fatalf("expected file on disk to contain 'hello', got %q", data)
		}
	})

	t.Run("creates parent dirs", func(t *testing.T) {
		root := t.TempDir()
		b, _ := NewFilesystemBackend(root)
		if err := b.Write(ctx, "/a/b/c.txt", "nested"); err != nil {
			t.Fatal(err)
		}
		data, err := os.ReadFile(filepath.Join(root, "a", "b", "c.txt"))
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "nested" {
			t.Fatalf("expected 'nested', got %q", data)
		}
	})

	t.Run("path traversal rejected", func(t *testing.T) {
		root := t.TempDir()
		b, _ := NewFilesystemBackend(root)
		if err := b.Write(ctx, "/../escape.txt", "x"); err == nil {
			t.Fatal("expected error for path traversal")
		}
	})

	t.Run("symlink escape rejected", func(t *testing.T) {
		root := t.TempDir()
		outside := t.TempDir()
		if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
			t.Skipf("symlinks unsupported: %v", err)
		}
		b, _ := NewFilesystemBackend(root)
		if err := b.Write(ctx, "/link/escape.txt", "x"); err == nil {
			t.Fatal("expected error for symlink escape")
		}
	})

	t.Run("edit non-unique fails, replace_all succeeds", func(t *testing.T) {
		root := t.TempDir()
		b, _ := NewFilesystemBackend(root)
		b.Write(ctx, "/f.txt", "foo foo")

		if _, err := b.Edit(ctx, "/f.txt", "foo", "bar", false); err == nil {
			t.Fatal("expected error for non-unique old_string")
		}
		n, err := b.Edit(ctx, "/f.txt", "foo", "bar", true)
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Fatalf("expected 2 replacements, got %d", n)
		}
	})
}

func TestFilesystemBackend_GlobGrepLsInfo(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	b, _ := NewFilesystemBackend(root)
	b.Write(ctx, "/a.go", "package a\nfunc Foo() {}")
	b.Write(ctx, "/sub/b.go", "package sub\nfunc Bar() {}")

	t.Run("glob doublestar", func(t *testing.T) {
		matches, err := b.Glob(ctx, "**/*.go", "/")
		if err != nil {
			t.Fatal(err)
		}
		if len(matches) != 2 {
			t.Fatalf("expected 2 matches, got %d: %v", len(matches), matches)
		}
	})

	t.Run("grep sorted by path then line", func(t *testing.T) {
		hits, err := b.Grep(ctx, "func", "/", GrepOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if len(hits) != 2 {
			t.Fatalf("expected 2 hits, got %d", len(hits))
		}
		if hits[0].Path != "/a.go" {
			t.Errorf("expected /a.go first, got %s", hits[0].Path)
		}
	})

	t.Run("ls_info root", func(t *testing.T) {
		entries, err := b.LsInfo(ctx, "/")
		if err != nil {
			t.Fatal(err)
		}
		found := map[string]bool{}
		for _, e := range entries {
			found[e.Name] = e.IsDir
		}
		if dir, ok := found["sub"]; !ok || !dir {
			t.Errorf("expected sub dir in listing")
		}
	})
}

func TestFilesystemBackend_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("no executor configured", func(t *testing.T) {
		root := t.TempDir()
		b, _ := NewFilesystemBackend(root)
		if SupportsExecute(b) {
			t.Fatal("expected SupportsExecute false without WithExecutor")
		}
		_, err := b.Execute(ctx, "echo hi", root, 0)
		if err == nil {
			t.Fatal("expected error when no executor attached")
		}
	})

	t.Run("shell executor runs command", func(t *testing.T) {
		root := t.TempDir()
		b, _ := NewFilesystemBackend(root)
		b.WithExecutor(NewShellExecutor())
		if !SupportsExecute(b) {
			t.Fatal("expected SupportsExecute true after WithExecutor")
		}
		res, err := b.Execute(ctx, "echo hello", root, 0)
		if err != nil {
			t.Fatal(err)
		}
		if res.Stdout != "hello\n" {
			t.Fatalf("expected 'hello\\n', got %q", res.Stdout)
		}
		if res.ExitCode != 0 {
			t.Fatalf("expected exit 0, got %d", res.ExitCode)
		}
	})

	t.Run("shell executor nonzero exit", func(t *testing.T) {
		root := t.TempDir()
		b, _ := NewFilesystemBackend(root)
		b.WithExecutor(NewShellExecutor())
		res, err := b.Execute(ctx, "exit 7", root, 0)
		if err != nil {
			t.Fatal(err)
		}
		if res.ExitCode != 7 {
			t.Fatalf("expected exit 7, got %d", res.ExitCode)
		}
	})
}
