package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// RecordFileName is the tracking file kept in the data directory.
const RecordFileName = "downloaded_attachments.json"

// Record is the persisted list of attachment file names that have been
// materialized locally. It is safe for concurrent use and meant to be shared
// by every session of a client.
type Record struct {
	mu    sync.Mutex
	path  string
	names []string
	// busy holds names with a transfer running in any manager sharing the
	// record; they all write under the same data directory.
	busy map[string]struct{}
}

// OpenRecord loads the record in dir, creating dir and an empty record file
// when they are missing.
func OpenRecord(dir string) (*Record, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	r := &Record{path: filepath.Join(dir, RecordFileName)}

	data, err := os.ReadFile(r.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := r.persistLocked(); err != nil {
			return nil, err
		}
		return r, nil
	case err != nil:
		return nil, fmt.Errorf("read download record: %w", err)
	}

	if err := json.Unmarshal(data, &r.names); err != nil {
		return nil, fmt.Errorf("parse download record %s: %w", r.path, err)
	}
	r.names = dedupe(r.names)
	return r, nil
}

// Path is the location of the tracking file.
func (r *Record) Path() string {
	return r.path
}

func (r *Record) Contains(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexLocked(name) >= 0
}

// Add records name and persists. Adding a name twice is a no-op.
func (r *Record) Add(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(name) >= 0 {
		return nil
	}
	r.names = append(r.names, name)
	if err := r.persistLocked(); err != nil {
		r.names = r.names[:len(r.names)-1]
		return err
	}
	return nil
}

// Remove drops name and persists. Removing an unknown name is a no-op.
func (r *Record) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(name)
	if i < 0 {
		return nil
	}
	prev := append([]string(nil), r.names...)
	r.names = append(r.names[:i], r.names[i+1:]...)
	if err := r.persistLocked(); err != nil {
		r.names = prev
		return err
	}
	return nil
}

// Names returns the recorded names in insertion order.
func (r *Record) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

// claim marks name busy. It reports false when another transfer holds it.
func (r *Record) claim(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.busy[name]; ok {
		return false
	}
	if r.busy == nil {
		r.busy = make(map[string]struct{})
	}
	r.busy[name] = struct{}{}
	return true
}

func (r *Record) release(name string) {
	r.mu.Lock()
	delete(r.busy, name)
	r.mu.Unlock()
}

func (r *Record) indexLocked(name string) int {
	for i, n := range r.names {
		if n == name {
			return i
		}
	}
	return -1
}

// persistLocked writes a sibling temp file and renames it over the record so
// readers never observe a partial file.
func (r *Record) persistLocked() error {
	names := r.names
	if names == nil {
		names = []string{}
	}
	data, err := json.Marshal(names)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), RecordFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("persist download record: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("persist download record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("persist download record: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("persist download record: %w", err)
	}
	return nil
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := names[:0]
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
