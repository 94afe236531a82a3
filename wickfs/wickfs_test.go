package wickfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalFSLs(t *testing.T) {
	fs := NewLocalFS()
	ctx := context.Background()

	t.Run("empty dir", func(t *testing.T) {
		entries, err := fs.Ls(ctx, t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			t.Fatalf("expected 0 entries, got %d", len(entries))
		}
	})

	t.Run("mixed entries", func(t *testing.T) {
		dir := t.TempDir()
		os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi"), 0o644)
		os.Mkdir(filepath.Join(dir, "subdir"), 0o755)

		entries, err := fs.Ls(ctx, dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(entries))
		}

		byName := map[string]string{}
		for _, e := range entries {
			byName[e.Name] = e.Type
		}
		if byName["hello.txt"] != "file" {
			t.Errorf("hello.txt: expected file, got %q", byName["hello.txt"])
		}
		if byName["subdir"] != "dir" {
			t.Errorf("subdir: expected dir, got %q", byName["subdir"])
		}
	})

	t.Run("missing path", func(t *testing.T) {
		if _, err := fs.Ls(ctx, "/nonexistent-path-12345"); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestLocalFSReadFile(t *testing.T) {
	fs := NewLocalFS()
	ctx := context.Background()

	t.Run("text", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.txt")
		os.WriteFile(path, []byte("hello world"), 0o644)

		content, err := fs.ReadFile(ctx, path)
		if err != nil {
			t.Fatal(err)
		}
		if content != "hello world" {
			t.Fatalf("got %q", content)
		}
	})

	t.Run("binary is base64-wrapped", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.bin")
		os.WriteFile(path, []byte{0xff, 0xfe, 0x00, 0x01}, 0o644)

		content, err := fs.ReadFile(ctx, path)
		if err != nil {
			t.Fatal(err)
		}
		if content[:7] != "base64:" {
			t.Fatalf("expected base64: prefix, got %q", content[:7])
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := fs.ReadFile(ctx, "/nonexistent-file-12345"); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestLocalFSWriteFile(t *testing.T) {
	fs := NewLocalFS()
	ctx := context.Background()

	t.Run("writes and reports byte count", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out.txt")

		result, err := fs.WriteFile(ctx, path, "hello")
		if err != nil {
			t.Fatal(err)
		}
		if result.BytesWritten != 5 {
			t.Fatalf("expected 5 bytes, got %d", result.BytesWritten)
		}
		data, _ := os.ReadFile(path)
		if string(data) != "hello" {
			t.Fatalf("got %q", string(data))
		}
	})

	t.Run("creates missing parent directories", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "a", "b", "c.txt")

		if _, err := fs.WriteFile(ctx, path, "nested"); err != nil {
			t.Fatal(err)
		}
		data, _ := os.ReadFile(path)
		if string(data) != "nested" {
			t.Fatalf("got %q", string(data))
		}
	})
}

func TestLocalFSEditFile(t *testing.T) {
	fs := NewLocalFS()
	ctx := context.Background()

	t.Run("replaces first occurrence", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "edit.txt")
		os.WriteFile(path, []byte("hello world"), 0o644)

		result, err := fs.EditFile(ctx, path, "world", "go")
		if err != nil {
			t.Fatal(err)
		}
		if result.Replacements != 1 {
			t.Fatalf("expected 1 replacement, got %d", result.Replacements)
		}
		data, _ := os.ReadFile(path)
		if string(data) != "hello go" {
			t.Fatalf("got %q", string(data))
		}
	})

	t.Run("old_text missing errors", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "edit2.txt")
		os.WriteFile(path, []byte("hello"), 0o644)

		if _, err := fs.EditFile(ctx, path, "xyz", "abc"); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("empty old_text errors", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "edit3.txt")
		os.WriteFile(path, []byte("hello"), 0o644)

		if _, err := fs.EditFile(ctx, path, "", "abc"); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestLocalFSGrep(t *testing.T) {
	fs := NewLocalFS()
	ctx := context.Background()

	t.Run("finds every matching line", func(t *testing.T) {
		dir := t.TempDir()
		os.WriteFile(filepath.Join(dir, "a.txt"), []byte("line1 foo\nline2 bar\nline3 foo"), 0o644)

		result, err := fs.Grep(ctx, "foo", dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(result.Matches) != 2 {
			t.Fatalf("expected 2 matches, got %d", len(result.Matches))
		}
		if result.Matches[0].Line != 1 || result.Matches[1].Line != 3 {
			t.Errorf("unexpected line numbers: %+v", result.Matches)
		}
	})

	t.Run("no matches", func(t *testing.T) {
		dir := t.TempDir()
		os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644)

		result, err := fs.Grep(ctx, "xyz", dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(result.Matches) != 0 {
			t.Fatalf("expected 0 matches, got %d", len(result.Matches))
		}
	})

	t.Run("bad regex errors", func(t *testing.T) {
		if _, err := fs.Grep(ctx, "[invalid", t.TempDir()); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("hidden directories are skipped", func(t *testing.T) {
		dir := t.TempDir()
		hidden := filepath.Join(dir, ".hidden")
		os.Mkdir(hidden, 0o755)
		os.WriteFile(filepath.Join(hidden, "a.txt"), []byte("match_me"), 0o644)
		os.WriteFile(filepath.Join(dir, "b.txt"), []byte("match_me"), 0o644)

		result, err := fs.Grep(ctx, "match_me", dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(result.Matches) != 1 {
			t.Fatalf("expected 1 match (hidden dir skipped), got %d", len(result.Matches))
		}
	})
}

func TestLocalFSGlob(t *testing.T) {
	fs := NewLocalFS()
	ctx := context.Background()

	t.Run("matches by extension", func(t *testing.T) {
		dir := t.TempDir()
		os.WriteFile(filepath.Join(dir, "a.go"), nil, 0o644)
		os.WriteFile(filepath.Join(dir, "b.go"), nil, 0o644)
		os.WriteFile(filepath.Join(dir, "c.txt"), nil, 0o644)

		result, err := fs.Glob(ctx, "*.go", dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(result.Files) != 2 {
			t.Fatalf("expected 2 files, got %d", len(result.Files))
		}
	})

	t.Run("no matches", func(t *testing.T) {
		dir := t.TempDir()
		os.WriteFile(filepath.Join(dir, "a.txt"), nil, 0o644)

		result, err := fs.Glob(ctx, "*.go", dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(result.Files) != 0 {
			t.Fatalf("expected 0 files, got %d", len(result.Files))
		}
	})
}

func TestLocalFSExec(t *testing.T) {
	fs := NewLocalFS()
	ctx := context.Background()

	t.Run("captures stdout and zero exit", func(t *testing.T) {
		result, err := fs.Exec(ctx, "echo hello")
		if err != nil {
			t.Fatal(err)
		}
		if result.ExitCode != 0 {
			t.Fatalf("expected exit 0, got %d", result.ExitCode)
		}
		if result.Stdout != "hello\n" {
			t.Fatalf("got %q", result.Stdout)
		}
	})

	t.Run("propagates nonzero exit", func(t *testing.T) {
		result, err := fs.Exec(ctx, "exit 42")
		if err != nil {
			t.Fatal(err)
		}
		if result.ExitCode != 42 {
			t.Fatalf("expected exit 42, got %d", result.ExitCode)
		}
	})
}
