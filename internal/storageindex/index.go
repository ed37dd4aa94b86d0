// Package storageindex implements the small embedded key-value index
// persisted at <data-dir>/storage/index.db: peer registry entries,
// interface metadata, and pending-packet state that needs to survive a
// restart. There is no natural third-party engine in this codebase's
// dependency stack for an index this size, so it follows the same
// write-temp-then-rename-then-fsync durability idiom internal/eventlog
// uses for its own small on-disk records, with JSON in place of a
// hand-rolled binary layout since the values here are heterogeneous
// records rather than a fixed wire format.
package storageindex

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Index is a flat key-value store backed by one file, fully loaded into
// memory and rewritten atomically on every mutation. It is sized for a
// peer registry and pending-packet table, not bulk data.
type Index struct {
	mu   sync.Mutex
	path string
	data map[string]json.RawMessage
}

// Open loads path if it exists, or starts an empty index otherwise.
func Open(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storageindex: mkdir: %w", err)
	}
	ix := &Index{path: path, data: make(map[string]json.RawMessage)}

	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ix, nil
		}
		return nil, fmt.Errorf("storageindex: read %s: %w", path, err)
	}
	if len(buf) == 0 {
		return ix, nil
	}
	if err := json.Unmarshal(buf, &ix.data); err != nil {
		return nil, fmt.Errorf("storageindex: parse %s: %w", path, err)
	}
	return ix, nil
}

// Put encodes value as JSON and stores it under key, persisting the
// whole index before returning.
func (ix *Index) Put(key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storageindex: encode %q: %w", key, err)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.data[key] = encoded
	return ix.save()
}

// Get decodes the value stored under key into out, reporting whether
// the key was present.
func (ix *Index) Get(key string, out any) (bool, error) {
	ix.mu.Lock()
	raw, ok := ix.data[key]
	ix.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("storageindex: decode %q: %w", key, err)
	}
	return true, nil
}

// Delete removes key, persisting the index before returning. Deleting
// an absent key is a no-op.
func (ix *Index) Delete(key string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.data[key]; !ok {
		return nil
	}
	delete(ix.data, key)
	return ix.save()
}

// Keys returns every key with the given prefix, sorted.
func (ix *Index) Keys(prefix string) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]string, 0, len(ix.data))
	for k := range ix.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// save rewrites the index file via temp-write, rename, directory fsync,
// so a crash mid-write never leaves a torn file in place.
func (ix *Index) save() error {
	encoded, err := json.Marshal(ix.data)
	if err != nil {
		return fmt.Errorf("storageindex: encode index: %w", err)
	}
	tmp := ix.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return fmt.Errorf("storageindex: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, ix.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storageindex: rename %s: %w", tmp, err)
	}
	d, err := os.Open(filepath.Dir(ix.path))
	if err != nil {
		return fmt.Errorf("storageindex: open dir for fsync: %w", err)
	}
	defer d.Close()
	return d.Sync()
}
