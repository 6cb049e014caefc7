package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// IndexVersion is the current schema version for the global index.
	IndexVersion = "1.0"
)

// Index is the cross-task listing: one record per known task. Listing
// operations read this file instead of scanning individual task registries.
type Index struct {
	// Version is the schema version for forward compatibility.
	Version string `json:"version"`

	// Tasks is the list of all known tasks.
	Tasks []IndexEntry `json:"tasks"`
}

// IndexEntry contains summary information about a single task.
type IndexEntry struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	Status      TaskStatus `json:"status"`
}

// LoadIndex loads the global index from the given path. A missing file
// yields an empty index with the current version.
func LoadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is trusted input from caller
	if err != nil {
		if os.IsNotExist(err) {
			return &Index{Version: IndexVersion, Tasks: []IndexEntry{}}, nil
		}
		return nil, fmt.Errorf("reading global index: %w", err)
	}

	var index Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parsing global index: %w", err)
	}
	return &index, nil
}

// SaveIndex writes the global index using atomic rename so readers never see
// a partially written file.
func SaveIndex(path string, index *Index) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling global index: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, IndexFilename+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary index file: %w", err)
	}
	tmpPath := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temporary index: %w", writeErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temporary index: %w", closeErr)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming index: %w", err)
	}
	return nil
}

// ListTasks returns all index entries, newest first.
func (s *Store) ListTasks() ([]IndexEntry, error) {
	index, err := s.withIndexLock(unix.LOCK_SH, func(idx *Index) error { return nil })
	if err != nil {
		return nil, err
	}
	entries := make([]IndexEntry, len(index.Tasks))
	copy(entries, index.Tasks)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// upsertIndex records the task's current summary in the global index.
func (s *Store) upsertIndex(task *Task) error {
	_, err := s.withIndexLock(unix.LOCK_EX, func(idx *Index) error {
		for i := range idx.Tasks {
			if idx.Tasks[i].ID == task.ID {
				idx.Tasks[i].Status = task.Status
				idx.Tasks[i].Description = task.Description
				return nil
			}
		}
		idx.Tasks = append(idx.Tasks, IndexEntry{
			ID:          task.ID,
			Description: task.Description,
			CreatedAt:   task.CreatedAt,
			Status:      task.Status,
		})
		return nil
	})
	return err
}

// withIndexLock runs fn with the index loaded under an advisory lock and,
// for exclusive locks, saves it afterwards.
func (s *Store) withIndexLock(how int, fn func(*Index) error) (*Index, error) {
	path := s.ws.IndexPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	lock, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // G304: path derived from workspace base
	if err != nil {
		return nil, fmt.Errorf("opening index lock: %w", err)
	}
	defer func() { _ = lock.Close() }()
	if err := unix.Flock(int(lock.Fd()), how); err != nil {
		return nil, fmt.Errorf("flock index: %w", err)
	}

	index, err := LoadIndex(path)
	if err != nil {
		return nil, err
	}
	if err := fn(index); err != nil {
		return nil, err
	}
	if how == unix.LOCK_EX {
		if err := SaveIndex(path, index); err != nil {
			return nil, err
		}
	}
	return index, nil
}
