package pathfs

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Run("rejects relative path as not absolute", func(t *testing.T) {
		_, err := Normalize("foo/bar")
		if err == nil {
			t.Fatal("expected error")
		}
		var pe *PathError
		if !errors.As(err, &pe) || pe.Kind != NotAbsolute {
			t.Fatalf("expected NotAbsolute, got %v", err)
		}
	})

	t.Run("collapses dot segments and repeated separators", func(t *testing.T) {
		got, err := Normalize("/./foo//bar")
		if err != nil {
			t.Fatal(err)
		}
		if got != "/foo/bar" {
			t.Fatalf("expected /foo/bar, got %q", got)
		}
	})

	t.Run("rejects relative traversal as not absolute", func(t *testing.T) {
		_, err := Normalize("../etc/passwd")
		if err == nil {
			t.Fatal("expected error")
		}
		var pe *PathError
		if !errors.As(err, &pe) || pe.Kind != NotAbsolute {
			t.Fatalf("expected NotAbsolute, got %v", err)
		}
	})

	t.Run("rejects absolute traversal as outside root", func(t *testing.T) {
		_, err := Normalize("/../etc/passwd")
		if err == nil {
			t.Fatal("expected error")
		}
		var pe *PathError
		if !errors.As(err, &pe) || pe.Kind != PathOutsideRoot {
			t.Fatalf("expected PathOutsideRoot, got %v", err)
		}
	})

	t.Run("rejects home reference", func(t *testing.T) {
		_, err := Normalize("~/secrets")
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("rejects windows drive paths", func(t *testing.T) {
		_, err := Normalize(`C:\Users\file.txt`)
		if err == nil {
			t.Fatal("expected error")
		}
		var pe *PathError
		if !errors.As(err, &pe) || pe.Kind != NotAbsolute {
			t.Fatalf("expected NotAbsolute, got %v", err)
		}
	})
}

func TestSafeJoin(t *testing.T) {
	t.Run("joins within root", func(t *testing.T) {
		got, err := SafeJoin("/work", "/a/b.txt")
		if err != nil {
			t.Fatal(err)
		}
		if got != "/work/a/b.txt" {
			t.Fatalf("expected /work/a/b.txt, got %q", got)
		}
	})

	t.Run("rejects traversal before join", func(t *testing.T) {
		_, err := SafeJoin("/work", "/../etc/passwd")
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestApplyEdit(t *testing.T) {
	t.Run("unique replace", func(t *testing.T) {
		res, err := ApplyEdit("hello world", "world", "go", false)
		if err != nil {
			t.Fatal(err)
		}
		if res.Content != "hello go" || res.Replacements != 1 {
			t.Fatalf("unexpected result: %+v", res)
		}
	})

	t.Run("not found", func(t *testing.T) {
		_, err := ApplyEdit("hello", "xyz", "abc", false)
		var ee *EditError
		if !errors.As(err, &ee) || ee.Kind != OldNotFound {
			t.Fatalf("expected OldNotFound, got %v", err)
		}
	})

	t.Run("not unique without replace_all", func(t *testing.T) {
		_, err := ApplyEdit("foo foo", "foo", "bar", false)
		var ee *EditError
		if !errors.As(err, &ee) || ee.Kind != OldNotUnique {
			t.Fatalf("expected OldNotUnique, got %v", err)
		}
	})

	t.Run("replace_all replaces every occurrence", func(t *testing.T) {
		res, err := ApplyEdit("foo foo", "foo", "bar", true)
		if err != nil {
			t.Fatal(err)
		}
		if res.Content != "bar bar" || res.Replacements != 2 {
			t.Fatalf("unexpected result: %+v", res)
		}
	})

	t.Run("empty old_string", func(t *testing.T) {
		_, err := ApplyEdit("hello", "", "abc", false)
		var ee *EditError
		if !errors.As(err, &ee) || ee.Kind != EmptyOldString {
			t.Fatalf("expected EmptyOldString, got %v", err)
		}
	})

	t.Run("no change when old equals new", func(t *testing.T) {
		_, err := ApplyEdit("hello", "hello", "hello", false)
		var ee *EditError
		if !errors.As(err, &ee) || ee.Kind != NoChange {
			t.Fatalf("expected NoChange, got %v", err)
		}
	})
}

func TestDoublestarMatch(t *testing.T) {
	cases := []struct {
		name, pattern, path string
		want                bool
	}{
		{"exact file at root", "*.go", "a.go", true},
		{"star does not cross segments", "*.go", "sub/a.go", false},
		{"double star matches nested", "**/*.go", "sub/a.go", true},
		{"double star matches zero segments", "**/*.go", "a.go", true},
		{"double star matches deep nesting", "**/*.go", "a/b/c/d.go", true},
		{"question mark matches one char", "a?.txt", "ab.txt", true},
		{"question mark rejects two chars", "a?.txt", "abc.txt", false},
		{"non matching extension", "*.go", "a.txt", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := DoublestarMatch(c.pattern, c.path)
			if got != c.want {
				t.Fatalf("DoublestarMatch(%q, %q) = %v, want %v", c.pattern, c.path, got, c.want)
			}
		})
	}
}

func TestStructuralGrep(t *testing.T) {
	re, err := CompileGrep("foo", false)
	if err != nil {
		t.Fatal(err)
	}
	hits := StructuralGrep("line1 foo\nline2 bar\nline3 foo", re, 0)
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Line != 1 || hits[1].Line != 3 {
		t.Fatalf("unexpected line numbers: %+v", hits)
	}
}
