package fsbackend

import (
	"context"
	"testing"
)

func TestCompositeBackend_Routing(t *testing.T) {
	ctx := context.Background()

	t.Run("unmatched path goes to default", func(t *testing.T) {
		def := NewStateBackend()
		mem := NewStateBackend()
		c := NewCompositeBackend(def, map[string]Backend{"/memories/": mem})

		if err := c.Write(ctx, "/scratch.txt", "hi"); err != nil {
			t.Fatal(err)
		}
		if ok, _ := def.Exists(ctx, "/scratch.txt"); !ok {
			t.Fatal("expected write to land in default backend")
		}
		if ok, _ := mem.Exists(ctx, "/scratch.txt"); ok {
			t.Fatal("expected route backend to be untouched")
		}
	})

	t.Run("routed path uses longest matching prefix", func(t *testing.T) {
		def := NewStateBackend()
		mem := NewStateBackend()
		nested := NewStateBackend()
		c := NewCompositeBackend(def, map[string]Backend{
			"/memories/":       mem,
			"/memories/pinned/": nested,
		})

		c.Write(ctx, "/memories/pinned/x.txt", "pinned")
		c.Write(ctx, "/memories/y.txt", "loose")

		if ok, _ := nested.Exists(ctx, "/memories/pinned/x.txt"); !ok {
			t.Fatal("expected longest-prefix route to nested backend")
		}
		if ok, _ := mem.Exists(ctx, "/memories/y.txt"); !ok {
			t.Fatal("expected shorter-prefix route to mem backend")
		}
	})

	t.Run("path retains full form for the child, nothing stripped", func(t *testing.T) {
		def := NewStateBackend()
		mem := NewStateBackend()
		c := NewCompositeBackend(def, map[string]Backend{"/memories/": mem})

		c.Write(ctx, "/memories/note.txt", "content")
		content, err := mem.Read(ctx, "/memories/note.txt", 0, 0)
		if err != nil {
			t.Fatalf("expected child to see full path, got err: %v", err)
		}
		if content != "content" {
			t.Fatalf("expected 'content', got %q", content)
		}
	})

	t.Run("glob fans out and merges across backends", func(t *testing.T) {
		def := NewStateBackend()
		mem := NewStateBackend()
		c := NewCompositeBackend(def, map[string]Backend{"/memories/": mem})

		def.Write(ctx, "/a.md", "default content")
		mem.Write(ctx, "/memories/b.md", "memory content")

		matches, err := c.Glob(ctx, "**/*.md", "/")
		if err != nil {
			t.Fatal(err)
		}
		if len(matches) != 2 {
			t.Fatalf("expected 2 matches across backends, got %d: %v", len(matches), matches)
		}
	})

	t.Run("grep fans out sorted by path then line", func(t *testing.T) {
		def := NewStateBackend()
		mem := NewStateBackend()
		c := NewCompositeBackend(def, map[string]Backend{"/memories/": mem})

		def.Write(ctx, "/z.txt", "needle here")
		mem.Write(ctx, "/memories/a.txt", "needle there")

		hits, err := c.Grep(ctx, "needle", "/", GrepOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if len(hits) != 2 {
			t.Fatalf("expected 2 hits, got %d", len(hits))
		}
		if hits[0].Path != "/memories/a.txt" {
			t.Errorf("expected sorted path first, got %s", hits[0].Path)
		}
	})

	t.Run("execute delegates to default backend only", func(t *testing.T) {
		def := NewStateBackend()
		mem := NewStateBackend()
		c := NewCompositeBackend(def, map[string]Backend{"/memories/": mem})

		if SupportsExecute(c) {
			t.Fatal("expected no execute support when default lacks Executor")
		}
	})
}
