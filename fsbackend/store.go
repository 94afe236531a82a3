package fsbackend

import (
	"context"
	"sort"
	"strings"

	"deepagent/pathfs"

	"go.etcd.io/bbolt"
)

// StoreBackend persists files in a namespaced bucket of an embedded
// key-value store, giving durability across process restarts that
// StateBackend deliberately lacks. Keys are the normalized path with
// the leading "/" stripped; ls_info is a cursor prefix scan.
type StoreBackend struct {
	db        *bbolt.DB
	namespace string
}

// NewStoreBackend opens (creating if needed) a namespaced bucket in db.
// db is owned by the caller — typically one per harness instance, never
// a package-level singleton.
func NewStoreBackend(db *bbolt.DB, namespace string) (*StoreBackend, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(namespace))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &StoreBackend{db: db, namespace: namespace}, nil
}

func storeKey(normPath string) []byte {
	return []byte(strings.TrimPrefix(normPath, "/"))
}

func (b *StoreBackend) bucket(tx *bbolt.Tx) *bbolt.Bucket {
	return tx.Bucket([]byte(b.namespace))
}

func (b *StoreBackend) LsInfo(_ context.Context, path string) ([]Entry, error) {
	norm, err := pathfs.Normalize(path)
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimPrefix(strings.TrimRight(norm, "/")+"/", "/")
	if norm == "/" {
		prefix = ""
	}

	seen := map[string]Entry{}
	err = b.db.View(func(tx *bbolt.Tx) error {
		c := b.bucket(tx).Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			rest := strings.TrimPrefix(string(k), prefix)
			seg := rest
			isDir := false
			if idx := strings.Index(rest, "/"); idx >= 0 {
				seg = rest[:idx]
				isDir = true
			}
			if seg == "" {
				continue
			}
			key := prefix + seg
			if isDir {
				seen[key] = Entry{Name: seg, IsDir: true}
			} else if _, exists := seen[key]; !exists {
				seen[key] = Entry{Name: seg, IsDir: false, Size: int64(len(v))}
			}
		}
		return nil
	})
	if err != nil {
		return nil, newBackendError(IOError, err.Error())
	}

	entries := make([]Entry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (b *StoreBackend) Read(_ context.Context, path string, offset, limit int) (string, error) {
	norm, err := pathfs.Normalize(path)
	if err != nil {
		return "", err
	}
	var content string
	var found bool
	err = b.db.View(func(tx *bbolt.Tx) error {
		v := b.bucket(tx).Get(storeKey(norm))
		if v != nil {
			content = string(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", newBackendError(IOError, err.Error())
	}
	if !found {
		return "", &pathfs.PathError{Kind: pathfs.NotFound, Path: path}
	}
	if offset == 0 && limit <= 0 {
		return content, nil
	}
	lines := strings.Split(content, "\n")
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

func (b *StoreBackend) Write(_ context.Context, path, content string) error {
	norm, err := pathfs.Normalize(path)
	if err != nil {
		return err
	}
	err = b.db.Update(func(tx *bbolt.Tx) error {
		return b.bucket(tx).Put(storeKey(norm), []byte(content))
	})
	if err != nil {
		return newBackendError(IOError, err.Error())
	}
	return nil
}

func (b *StoreBackend) Edit(_ context.Context, path, old, new string, replaceAll bool) (int, error) {
	norm, err := pathfs.Normalize(path)
	if err != nil {
		return 0, err
	}
	var replacements int
	err = b.db.Update(func(tx *bbolt.Tx) error {
		bkt := b.bucket(tx)
		v := bkt.Get(storeKey(norm))
		if v == nil {
			return &pathfs.PathError{Kind: pathfs.NotFound, Path: path}
		}
		res, editErr := pathfs.ApplyEdit(string(v), old, new, replaceAll)
		if editErr != nil {
			return editErr
		}
		replacements = res.Replacements
		return bkt.Put(storeKey(norm), []byte(res.Content))
	})
	if err != nil {
		return 0, err
	}
	return replacements, nil
}

func (b *StoreBackend) Glob(_ context.Context, pattern, root string) ([]string, error) {
	normRoot, err := pathfs.Normalize(root)
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimPrefix(strings.TrimRight(normRoot, "/"), "/")

	var matches []string
	err = b.db.View(func(tx *bbolt.Tx) error {
		c := b.bucket(tx).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			key := string(k)
			if prefix != "" && !strings.HasPrefix(key, prefix+"/") && key != prefix {
				continue
			}
			rel := strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
			if pathfs.DoublestarMatch(pattern, rel) {
				matches = append(matches, "/"+key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, newBackendError(IOError, err.Error())
	}
	sort.Strings(matches)
	return matches, nil
}

func (b *StoreBackend) Grep(_ context.Context, pattern, root string, opts GrepOptions) ([]Hit, error) {
	normRoot, err := pathfs.Normalize(root)
	if err != nil {
		return nil, err
	}
	re, err := pathfs.CompileGrep(pattern, opts.CaseInsensitive)
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimPrefix(strings.TrimRight(normRoot, "/"), "/")

	var hits []Hit
	err = b.db.View(func(tx *bbolt.Tx) error {
		c := b.bucket(tx).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			key := string(k)
			if prefix != "" && !strings.HasPrefix(key, prefix+"/") && key != prefix {
				continue
			}
			if opts.Include != "" {
				rel := strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
				if !pathfs.DoublestarMatch(opts.Include, rel) {
					continue
				}
			}
			for _, h := range pathfs.StructuralGrep(string(v), re, 0) {
				hits = append(hits, Hit{Path: "/" + key, Line: h.Line, Text: h.Text})
				if opts.MaxHits > 0 && len(hits) >= opts.MaxHits {
					return nil
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, newBackendError(IOError, err.Error())
	}
	return hits, nil
}

func (b *StoreBackend) Exists(_ context.Context, path string) (bool, error) {
	norm, err := pathfs.Normalize(path)
	if err != nil {
		return false, err
	}
	var found bool
	err = b.db.View(func(tx *bbolt.Tx) error {
		found = b.bucket(tx).Get(storeKey(norm)) != nil
		return nil
	})
	if err != nil {
		return false, newBackendError(IOError, err.Error())
	}
	return found, nil
}
