package fsbackend

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"deepagent/pathfs"
)

// FileRecord is a single in-state file: content plus creation/modification
// timestamps, matching the original deepagents FileData shape.
type FileRecord struct {
	Content    []string // lines, matching FileData.content
	CreatedAt  time.Time
	ModifiedAt time.Time
}

func joinLines(lines []string) string  { return strings.Join(lines, "\n") }
func splitLines(content string) []string {
	if content == "" {
		return []string{}
	}
	return strings.Split(content, "\n")
}

// StateBackend stores files in a plain in-memory map, making a run
// hermetic and checkpointable — it is the default backend. It never
// implements Executor.
type StateBackend struct {
	mu    sync.RWMutex
	files map[string]*FileRecord
}

// NewStateBackend creates an empty in-memory backend.
func NewStateBackend() *StateBackend {
	return &StateBackend{files: make(map[string]*FileRecord)}
}

// Snapshot returns a shallow copy of path -> joined content, suitable for
// mirroring into AgentState.Files.
func (b *StateBackend) Snapshot() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(b.files))
	for p, r := range b.files {
		out[p] = joinLines(r.Content)
	}
	return out
}

func (b *StateBackend) LsInfo(_ context.Context, path string) ([]Entry, error) {
	norm, err := pathfs.Normalize(path)
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimRight(norm, "/") + "/"
	if norm == "/" {
		prefix = "/"
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := map[string]Entry{}
	for p, rec := range b.files {
		if p == norm {
			seen[p] = Entry{Name: lastSegment(p), IsDir: false, Size: int64(len(joinLines(rec.Content))), ModTime: timePtr(rec.ModifiedAt)}
			continue
		}
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		seg := rest
		isDir := false
		if idx := strings.Index(rest, "/"); idx >= 0 {
			seg = rest[:idx]
			isDir = true
		}
		key := prefix + seg
		if isDir {
			seen[key] = Entry{Name: seg, IsDir: true}
		} else if _, exists := seen[key]; !exists {
			seen[key] = Entry{Name: seg, IsDir: false, Size: int64(len(joinLines(rec.Content))), ModTime: timePtr(rec.ModifiedAt)}
		}
	}

	entries := make([]Entry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (b *StateBackend) Read(_ context.Context, path string, offset, limit int) (string, error) {
	norm, err := pathfs.Normalize(path)
	if err != nil {
		return "", err
	}
	b.mu.RLock()
	rec, ok := b.files[norm]
	b.mu.RUnlock()
	if !ok {
		return "", &pathfs.PathError{Kind: pathfs.NotFound, Path: norm}
	}
	lines := rec.Content
	if offset < 0 {
		offset = 0
	}
	if offset > len(lines) {
		offset = len(lines)
	}
	end := len(lines)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return joinLines(lines[offset:end]), nil
}

func (b *StateBackend) Write(_ context.Context, path, content string) error {
	norm, err := pathfs.Normalize(path)
	if err != nil {
		return err
	}
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	created := now
	if existing, ok := b.files[norm]; ok {
		created = existing.CreatedAt
	}
	b.files[norm] = &FileRecord{Content: splitLines(content), CreatedAt: created, ModifiedAt: now}
	return nil
}

func (b *StateBackend) Edit(_ context.Context, path, old, new string, replaceAll bool) (int, error) {
	norm, err := pathfs.Normalize(path)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.files[norm]
	if !ok {
		return 0, &pathfs.PathError{Kind: pathfs.NotFound, Path: norm}
	}
	res, err := pathfs.ApplyEdit(joinLines(rec.Content), old, new, replaceAll)
	if err != nil {
		return 0, err
	}
	rec.Content = splitLines(res.Content)
	rec.ModifiedAt = time.Now()
	return res.Replacements, nil
}

func (b *StateBackend) Glob(_ context.Context, pattern, root string) ([]string, error) {
	normRoot, err := pathfs.Normalize(root)
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimRight(normRoot, "/")

	b.mu.RLock()
	defer b.mu.RUnlock()

	var matches []string
	for p := range b.files {
		if prefix != "" && prefix != "/" && !strings.HasPrefix(p, prefix+"/") && p != prefix {
			continue
		}
		rel := strings.TrimPrefix(p, prefix)
		rel = strings.TrimPrefix(rel, "/")
		if pathfs.DoublestarMatch(pattern, rel) {
			matches = append(matches, p)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

func (b *StateBackend) Grep(_ context.Context, pattern, root string, opts GrepOptions) ([]Hit, error) {
	normRoot, err := pathfs.Normalize(root)
	if err != nil {
		return nil, err
	}
	re, err := pathfs.CompileGrep(pattern, opts.CaseInsensitive)
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimRight(normRoot, "/")

	b.mu.RLock()
	defer b.mu.RUnlock()

	var hits []Hit
	var paths []string
	for p := range b.files {
		if prefix != "" && prefix != "/" && !strings.HasPrefix(p, prefix+"/") && p != prefix {
			continue
		}
		if opts.Include != "" {
			rel := strings.TrimPrefix(strings.TrimPrefix(p, prefix), "/")
			if !pathfs.DoublestarMatch(opts.Include, rel) {
				continue
			}
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		rec := b.files[p]
		for _, h := range pathfs.StructuralGrep(joinLines(rec.Content), re, 0) {
			hits = append(hits, Hit{Path: p, Line: h.Line, Text: h.Text})
			if opts.MaxHits > 0 && len(hits) >= opts.MaxHits {
				return hits, nil
			}
		}
	}
	return hits, nil
}

func (b *StateBackend) Exists(_ context.Context, path string) (bool, error) {
	norm, err := pathfs.Normalize(path)
	if err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.files[norm]
	return ok, nil
}

func lastSegment(p string) string {
	p = strings.TrimRight(p, "/")
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		return p[idx+1:]
	}
	return p
}

func timePtr(t time.Time) *time.Time { return &t }
