package fsbackend

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"deepagent/pathfs"
)

// FilesystemBackend stores files on real disk beneath root. All virtual
// paths are resolved relative to root after the leading "/"; the
// resolved realpath (after symlink resolution) must stay within root or
// the operation fails PathOutsideRoot.
type FilesystemBackend struct {
	root     string
	executor Executor // nil unless constructed WithExecutor

	// writeMu serializes all Write/Edit calls on this backend, so two
	// sibling tool calls touching the same file don't interleave writes,
	// per the "backends guarantee per-call atomicity" design note.
	writeMu sync.Mutex

	watcher  *fsnotify.Watcher
	cacheMu  sync.RWMutex
	rootList []Entry // cached LsInfo("/") result, nil when stale
}

// NewFilesystemBackend creates a disk-backed backend rooted at root.
// root is created if it does not already exist. A best-effort fsnotify
// watch on root is started so an external change (an operator editing a
// file directly, a process other than this backend writing to root)
// invalidates the cached root listing instead of going stale.
func NewFilesystemBackend(root string) (*FilesystemBackend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	b := &FilesystemBackend{root: abs}
	b.startWatcher()
	return b, nil
}

// startWatcher attempts to watch root for external changes. Watching is
// best-effort: on a platform or filesystem where fsnotify can't attach,
// the backend simply never populates rootList and LsInfo always stats
// disk directly.
func (b *FilesystemBackend) startWatcher() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("fsbackend: fsnotify unavailable, ls_info caching disabled", "error", err)
		return
	}
	if err := w.Add(b.root); err != nil {
		slog.Warn("fsbackend: failed to watch root", "root", b.root, "error", err)
		w.Close()
		return
	}
	b.watcher = w
	go func() {
		for {
			select {
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				b.cacheMu.Lock()
				b.rootList = nil
				b.cacheMu.Unlock()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("fsbackend: watcher error", "root", b.root, "error", err)
			}
		}
	}()
}

// Close stops the backend's fsnotify watcher, if one was started.
func (b *FilesystemBackend) Close() error {
	if b.watcher == nil {
		return nil
	}
	return b.watcher.Close()
}

// WithExecutor attaches an Executor, making this backend advertise the
// optional execute capability.
func (b *FilesystemBackend) WithExecutor(e Executor) *FilesystemBackend {
	b.executor = e
	return b
}

func (b *FilesystemBackend) Execute(ctx context.Context, command, cwd string, timeout time.Duration) (*ExecResult, error) {
	if b.executor == nil {
		return nil, newBackendError(CapabilityUnavailable, "backend does not support execute")
	}
	return b.executor.Execute(ctx, command, cwd, timeout)
}

// resolve maps a virtual path to a real path beneath root, verifying via
// symlink resolution that it cannot escape root.
func (b *FilesystemBackend) resolve(p string) (string, error) {
	joined, err := pathfs.SafeJoin(b.root, p)
	if err != nil {
		return "", err
	}
	if joined == b.root {
		return joined, nil // "/" is root itself, never outside it
	}
	// Resolve symlinks on the deepest existing ancestor so a symlink
	// planted inside root cannot redirect writes outside it.
	dir := filepath.Dir(joined)
	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return joined, nil // parent doesn't exist yet; write will create it
		}
		return "", err
	}
	rootReal, err := filepath.EvalSymlinks(b.root)
	if err != nil {
		return "", err
	}
	if realDir != rootReal && !strings.HasPrefix(realDir, rootReal+string(filepath.Separator)) {
		return "", &pathfs.PathError{Kind: pathfs.PathOutsideRoot, Path: p, Msg: "resolved path escapes root via symlink"}
	}
	return filepath.Join(realDir, filepath.Base(joined)), nil
}

func (b *FilesystemBackend) LsInfo(_ context.Context, path string) ([]Entry, error) {
	if path == "/" {
		b.cacheMu.RLock()
		cached := b.rootList
		b.cacheMu.RUnlock()
		if cached != nil {
			return cached, nil
		}
	}
	resolved, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &pathfs.PathError{Kind: pathfs.NotFound, Path: path}
		}
		return nil, newBackendError(IOError, err.Error())
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		mt := info.ModTime()
		entries = append(entries, Entry{Name: de.Name(), IsDir: de.IsDir(), Size: info.Size(), ModTime: &mt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	if path == "/" {
		b.cacheMu.Lock()
		b.rootList = entries
		b.cacheMu.Unlock()
	}
	return entries, nil
}

func (b *FilesystemBackend) Read(_ context.Context, path string, offset, limit int) (string, error) {
	resolved, err := b.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &pathfs.PathError{Kind: pathfs.NotFound, Path: path}
		}
		return "", newBackendError(IOError, err.Error())
	}
	if offset == 0 && limit <= 0 {
		return string(data), nil
	}
	lines := strings.Split(string(data), "\n")
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
	return strings.Join(lines[offset:end], "\n"), nil
}

func (b *FilesystemBackend) Write(_ context.Context, path, content string) error {
	resolved, err := b.resolve(path)
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return newBackendError(IOError, err.Error())
	}
	tmp, err := os.CreateTemp(filepath.Dir(resolved), ".deepagent-tmp-*")
	if err != nil {
		return newBackendError(IOError, err.Error())
	}
	tmpName := tmp.Name()
	_, werr := tmp.WriteString(content)
	tmp.Close()
	if werr != nil {
		os.Remove(tmpName)
		return newBackendError(IOError, werr.Error())
	}
	if err := os.Rename(tmpName, resolved); err != nil {
		os.Remove(tmpName)
		return newBackendError(IOError, err.Error())
	}
	return nil
}

func (b *FilesystemBackend) Edit(_ context.Context, path, old, new string, replaceAll bool) (int, error) {
	resolved, err := b.resolve(path)
	if err != nil {
		return 0, err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, &pathfs.PathError{Kind: pathfs.NotFound, Path: path}
		}
		return 0, newBackendError(IOError, err.Error())
	}
	res, err := pathfs.ApplyEdit(string(data), old, new, replaceAll)
	if err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(resolved), ".deepagent-tmp-*")
	if err != nil {
		return 0, newBackendError(IOError, err.Error())
	}
	tmpName := tmp.Name()
	_, werr := tmp.WriteString(res.Content)
	tmp.Close()
	if werr != nil {
		os.Remove(tmpName)
		return 0, newBackendError(IOError, werr.Error())
	}
	if err := os.Rename(tmpName, resolved); err != nil {
		os.Remove(tmpName)
		return 0, newBackendError(IOError, err.Error())
	}
	return res.Replacements, nil
}

func (b *FilesystemBackend) Glob(_ context.Context, pattern, root string) ([]string, error) {
	resolvedRoot, err := b.resolve(root)
	if err != nil {
		return nil, err
	}
	var matches []string
	filepath.WalkDir(resolvedRoot, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(resolvedRoot, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if pathfs.DoublestarMatch(pattern, rel) {
			virt, verr := b.toVirtual(p)
			if verr == nil {
				matches = append(matches, virt)
			}
		}
		return nil
	})
	sort.Strings(matches)
	return matches, nil
}

func (b *FilesystemBackend) Grep(_ context.Context, pattern, root string, opts GrepOptions) ([]Hit, error) {
	resolvedRoot, err := b.resolve(root)
	if err != nil {
		return nil, err
	}
	re, err := pathfs.CompileGrep(pattern, opts.CaseInsensitive)
	if err != nil {
		return nil, err
	}

	var hits []Hit
	filepath.WalkDir(resolvedRoot, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		if opts.MaxHits > 0 && len(hits) >= opts.MaxHits {
			return filepath.SkipAll
		}
		if opts.Include != "" {
			rel, _ := filepath.Rel(resolvedRoot, p)
			if !pathfs.DoublestarMatch(opts.Include, filepath.ToSlash(rel)) {
				return nil
			}
		}
		f, err := os.Open(p)
		if err != nil {
			return nil
		}
		defer f.Close()
		virt, verr := b.toVirtual(p)
		if verr != nil {
			return nil
		}
		scanner := bufio.NewScanner(f)
		line := 0
		for scanner.Scan() {
			line++
			text := scanner.Text()
			if re.MatchString(text) {
				hits = append(hits, Hit{Path: virt, Line: line, Text: text})
				if opts.MaxHits > 0 && len(hits) >= opts.MaxHits {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Path != hits[j].Path {
			return hits[i].Path < hits[j].Path
		}
		return hits[i].Line < hits[j].Line
	})
	return hits, nil
}

func (b *FilesystemBackend) Exists(_ context.Context, path string) (bool, error) {
	resolved, err := b.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(resolved)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, newBackendError(IOError, err.Error())
}

// toVirtual converts a real disk path beneath root back to a "/"-rooted
// virtual path, for returning glob/grep hits to the caller.
func (b *FilesystemBackend) toVirtual(real string) (string, error) {
	rel, err := filepath.Rel(b.root, real)
	if err != nil {
		return "", err
	}
	return "/" + filepath.ToSlash(rel), nil
}

// shellExecutor runs commands via "sh -c" with separate stdout and stderr
// pipes. It is the non-PTY Executor a caller can attach with
// FilesystemBackend.WithExecutor.
type shellExecutor struct{}

// NewShellExecutor returns a plain, non-interactive command executor.
func NewShellExecutor() Executor { return shellExecutor{} }

func (shellExecutor) Execute(ctx context.Context, command, cwd string, timeout time.Duration) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	if cwd != "" {
		cmd.Dir = cwd
	}
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if runCtx.Err() != nil {
			return nil, newBackendError(IOError, "command timed out")
		} else {
			return nil, newBackendError(IOError, err.Error())
		}
	}
	return &ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}
