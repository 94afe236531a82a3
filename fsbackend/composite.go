package fsbackend

import (
	"context"
	"sort"
	"strings"
	"time"

	"deepagent/pathfs"
)

// CompositeBackend routes each path to a child backend by longest
// matching prefix, falling back to Default for unmatched paths. It owns
// references to its children but never mutates their state directly;
// each child is responsible for its own locking.
type CompositeBackend struct {
	Default Backend
	Routes  map[string]Backend
}

// NewCompositeBackend builds a router. routes maps a path prefix (e.g.
// "/memories/") to the backend that should own everything beneath it.
func NewCompositeBackend(def Backend, routes map[string]Backend) *CompositeBackend {
	return &CompositeBackend{Default: def, Routes: routes}
}

// route picks the child backend for path by longest matching prefix.
func (c *CompositeBackend) route(path string) Backend {
	norm, err := pathfs.Normalize(path)
	if err != nil {
		return c.Default
	}
	best := ""
	var backend Backend = c.Default
	for prefix, b := range c.Routes {
		if strings.HasPrefix(norm, prefix) && len(prefix) > len(best) {
			best = prefix
			backend = b
		}
	}
	return backend
}

func (c *CompositeBackend) LsInfo(ctx context.Context, path string) ([]Entry, error) {
	return c.route(path).LsInfo(ctx, path)
}

func (c *CompositeBackend) Read(ctx context.Context, path string, offset, limit int) (string, error) {
	return c.route(path).Read(ctx, path, offset, limit)
}

func (c *CompositeBackend) Write(ctx context.Context, path, content string) error {
	return c.route(path).Write(ctx, path, content)
}

func (c *CompositeBackend) Edit(ctx context.Context, path, old, new string, replaceAll bool) (int, error) {
	return c.route(path).Edit(ctx, path, old, new, replaceAll)
}

// Glob fans out to every distinct backend reachable under root (the
// default plus any route whose prefix falls beneath root, or which
// root falls beneath) and merges results, since a glob root may span
// more than one routed subtree.
func (c *CompositeBackend) Glob(ctx context.Context, pattern, root string) ([]string, error) {
	backends := c.backendsFor(root)
	seen := map[Backend]bool{}
	var all []string
	for _, b := range backends {
		if seen[b] {
			continue
		}
		seen[b] = true
		matches, err := b.Glob(ctx, pattern, root)
		if err != nil {
			return nil, err
		}
		all = append(all, matches...)
	}
	sort.Strings(all)
	return dedupeSorted(all), nil
}

func (c *CompositeBackend) Grep(ctx context.Context, pattern, root string, opts GrepOptions) ([]Hit, error) {
	backends := c.backendsFor(root)
	seen := map[Backend]bool{}
	var all []Hit
	for _, b := range backends {
		if seen[b] {
			continue
		}
		seen[b] = true
		hits, err := b.Grep(ctx, pattern, root, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, hits...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Path != all[j].Path {
			return all[i].Path < all[j].Path
		}
		return all[i].Line < all[j].Line
	})
	return all, nil
}

func (c *CompositeBackend) Exists(ctx context.Context, path string) (bool, error) {
	return c.route(path).Exists(ctx, path)
}

// Execute delegates to Default's Executor capability, per §4.A: only
// the default backend of a composite may support execution.
func (c *CompositeBackend) Execute(ctx context.Context, command, cwd string, timeout time.Duration) (*ExecResult, error) {
	ex, ok := c.Default.(Executor)
	if !ok {
		return nil, newBackendError(CapabilityUnavailable, "default backend does not support execute")
	}
	return ex.Execute(ctx, command, cwd, timeout)
}

// backendsFor returns every backend that could plausibly hold matches
// under root: the routed backend for root itself, plus any route whose
// prefix is nested beneath root (root is an ancestor of the route).
func (c *CompositeBackend) backendsFor(root string) []Backend {
	norm, err := pathfs.Normalize(root)
	if err != nil {
		norm = root
	}
	backends := []Backend{c.route(root)}
	for prefix, b := range c.Routes {
		if strings.HasPrefix(prefix, strings.TrimRight(norm, "/")+"/") {
			backends = append(backends, b)
		}
	}
	return backends
}

func dedupeSorted(s []string) []string {
	if len(s) == 0 {
		return s
	}
	out := s[:1]
	for _, v := range s[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
