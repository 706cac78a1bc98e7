package recordstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// IndexVersion is the current session index schema version.
const IndexVersion = 2

// IndexEntry is one session's entry in the per-domain index, reflecting
// the latest persisted status of the record.
type IndexEntry struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"status"`
}

// Index is the versioned per-domain session index. Sessions are kept in
// insertion order.
type Index struct {
	Version  int          `json:"version"`
	Sessions []IndexEntry `json:"sessions"`
}

// Upsert inserts entry or, if an entry with the same id exists, updates
// it in place. Insertion order is preserved.
func (ix *Index) Upsert(entry IndexEntry) {
	for i := range ix.Sessions {
		if ix.Sessions[i].ID == entry.ID {
			ix.Sessions[i] = entry
			return
		}
	}
	ix.Sessions = append(ix.Sessions, entry)
}

// Lookup returns the entry with the given id, or false if absent.
func (ix *Index) Lookup(id string) (IndexEntry, bool) {
	for _, e := range ix.Sessions {
		if e.ID == id {
			return e, true
		}
	}
	return IndexEntry{}, false
}

// loadIndex reads the index file at path. A missing file yields an
// empty index at the current version.
func loadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Index{Version: IndexVersion}, nil
		}
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	var ix Index
	if err := json.Unmarshal(data, &ix); err != nil {
		return nil, fmt.Errorf("failed to parse index: %w", err)
	}
	if ix.Version == 0 {
		ix.Version = IndexVersion
	}
	return &ix, nil
}

// saveIndex atomically rewrites the index file at path.
func saveIndex(path string, ix *Index) error {
	ix.Version = IndexVersion
	data, err := json.MarshalIndent(ix, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}
	return atomicWriteFile(path, data, 0o644)
}

// atomicWriteFile writes data to a temp file in path's directory and
// renames it into place, so readers never observe a partial write.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
