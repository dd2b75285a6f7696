// Package quarantine isolates infected files under a permission-restricted
// root and keeps a durable manifest of what is held.
//
// On-disk layout:
//
//	{root}/                      mode 0700, owner root
//	{root}/.manifest             JSON document, mode 0600
//	{root}/{id}_{basename}       isolated content, mode 0000
//
// Manifest document:
//
//	{"entries":[{"id":...,"original_path":...,"quarantine_path":...,
//	             "threat_name":...,"timestamp":...}, ...]}
//
// Consistency model:
//   - All operations serialise on a single engine mutex, including the
//     cross-filesystem copy fallback (linearisability over throughput).
//   - Every mutation is flushed to disk; the flush writes a temp file
//     inside the root and renames it over .manifest. Quarantine returns
//     success only after the flush. Restore and Delete log a flush
//     failure and still return success, because the file has already
//     been moved or unlinked; the manifest on disk then still lists the
//     entry until the next successful flush.
//   - A corrupt manifest on load is replaced in memory by an empty
//     sequence with a warning; the daemon continues.
//
// Failure modes:
//   - Relocation failure: no manifest entry is created; the caller locks
//     the original down.
//   - Restrict/flush failure after relocation: the destination is
//     unlinked and the entry is not committed. Infected content is
//     destroyed rather than left reachable.
//   - Restore/delete failure: the quarantined file is re-restricted to
//     0000 and the entry is kept.

package quarantine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ManifestName is the hidden manifest document inside the quarantine root.
const ManifestName = ".manifest"

// ErrNotFound is returned when no entry matches the requested id.
var ErrNotFound = errors.New("quarantine: no such entry")

// ErrRestoreCollision is returned when a file already exists at the
// entry's original path. Restore refuses rather than overwriting.
var ErrRestoreCollision = errors.New("quarantine: file exists at original path")

// Entry is the durable record of one isolated file.
type Entry struct {
	// ID is an opaque identifier, unique for the lifetime of the store.
	ID string `json:"id"`

	// OriginalPath is where the file lived before isolation.
	OriginalPath string `json:"original_path"`

	// QuarantinePath is where the content now resides.
	QuarantinePath string `json:"quarantine_path"`

	// ThreatName is the signature string reported by the scanner.
	ThreatName string `json:"threat_name"`

	// Timestamp is seconds since epoch at isolation time.
	Timestamp int64 `json:"timestamp"`
}

type manifestDoc struct {
	Entries []Entry `json:"entries"`
}

// Engine owns the quarantine root and the manifest.
type Engine struct {
	mu      sync.Mutex
	root    string
	entries []Entry
	log     *zap.Logger
}

// NewEngine creates the quarantine root (0700) if missing and loads the
// manifest. A corrupt manifest is recovered as empty with a warning.
func NewEngine(root string, log *zap.Logger) (*Engine, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("quarantine.NewEngine: mkdir %q: %w", root, err)
	}
	// Re-assert the mode: MkdirAll leaves an existing directory alone.
	if err := os.Chmod(root, 0o700); err != nil {
		return nil, fmt.Errorf("quarantine.NewEngine: chmod %q: %w", root, err)
	}

	e := &Engine{root: root, log: log}
	e.load()
	return e, nil
}

// Root returns the quarantine root path.
func (e *Engine) Root() string {
	return e.root
}

// load reads the manifest from disk. Missing file means an empty store;
// a parse failure is logged and recovered as empty.
func (e *Engine) load() {
	path := filepath.Join(e.root, ManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			e.log.Warn("manifest unreadable, starting empty",
				zap.String("path", path), zap.Error(err))
		}
		e.entries = nil
		return
	}
	var doc manifestDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		e.log.Warn("manifest corrupt, starting empty",
			zap.String("path", path), zap.Error(err))
		e.entries = nil
		return
	}
	e.entries = doc.Entries
}

// flush persists the manifest. Called with the engine lock held.
// Writes a temp file inside the root and renames it over .manifest so a
// crash never leaves a torn document.
func (e *Engine) flush() error {
	doc := manifestDoc{Entries: e.entries}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest marshal: %w", err)
	}
	path := filepath.Join(e.root, ManifestName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("manifest write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("manifest rename: %w", err)
	}
	return nil
}

// Quarantine relocates an infected file into the root and commits a
// manifest entry. Returns the new entry id.
func (e *Engine) Quarantine(path, signature string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Neutralise the source first so nothing executes it mid-move.
	if err := os.Chmod(path, 0o000); err != nil {
		e.log.Warn("pre-quarantine lockdown failed",
			zap.String("path", path), zap.Error(err))
	}

	id := uuid.NewString()
	dest := filepath.Join(e.root, id+"_"+filepath.Base(path))

	if err := e.relocate(path, dest, 0o400); err != nil {
		return "", fmt.Errorf("quarantine.Quarantine: relocate %q: %w", path, err)
	}

	entry := Entry{
		ID:             id,
		OriginalPath:   path,
		QuarantinePath: dest,
		ThreatName:     signature,
		Timestamp:      time.Now().Unix(),
	}

	if err := os.Chmod(dest, 0o000); err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("quarantine.Quarantine: restrict %q: %w", dest, err)
	}

	e.entries = append(e.entries, entry)
	if err := e.flush(); err != nil {
		e.entries = e.entries[:len(e.entries)-1]
		_ = os.Remove(dest)
		return "", fmt.Errorf("quarantine.Quarantine: commit: %w", err)
	}

	e.log.Info("file quarantined",
		zap.String("id", id),
		zap.String("path", path),
		zap.String("threat", signature))
	return id, nil
}

// Restore returns a quarantined file to its original path with mode 0644
// and removes its manifest entry. Refuses if a file already exists at the
// original path. On any failure the quarantined file is re-restricted to
// 0000 and the entry kept.
func (e *Engine) Restore(id string) (Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.find(id)
	if idx < 0 {
		return Entry{}, ErrNotFound
	}
	entry := e.entries[idx]

	if _, err := os.Lstat(entry.OriginalPath); err == nil {
		return Entry{}, fmt.Errorf("quarantine.Restore %s: %w", id, ErrRestoreCollision)
	}

	// Widen for the move; re-restrict on every failure path.
	if err := os.Chmod(entry.QuarantinePath, 0o400); err != nil {
		return Entry{}, fmt.Errorf("quarantine.Restore %s: widen: %w", id, err)
	}

	if err := e.relocate(entry.QuarantinePath, entry.OriginalPath, 0o400); err != nil {
		_ = os.Chmod(entry.QuarantinePath, 0o000)
		return Entry{}, fmt.Errorf("quarantine.Restore %s: relocate: %w", id, err)
	}

	if err := os.Chmod(entry.OriginalPath, 0o644); err != nil {
		e.log.Warn("restored file mode not set",
			zap.String("path", entry.OriginalPath), zap.Error(err))
	}

	e.entries = append(e.entries[:idx], e.entries[idx+1:]...)
	if err := e.flush(); err != nil {
		e.log.Error("manifest flush failed after restore", zap.Error(err))
	}

	e.log.Info("file restored",
		zap.String("id", id),
		zap.String("path", entry.OriginalPath))
	return entry, nil
}

// Delete permanently removes a quarantined file and its manifest entry.
// On unlink failure the file stays locked at 0000 and the entry is kept.
func (e *Engine) Delete(id string) (Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.find(id)
	if idx < 0 {
		return Entry{}, ErrNotFound
	}
	entry := e.entries[idx]

	if err := os.Chmod(entry.QuarantinePath, 0o600); err != nil {
		e.log.Warn("pre-delete widen failed",
			zap.String("path", entry.QuarantinePath), zap.Error(err))
	}
	if err := os.Remove(entry.QuarantinePath); err != nil && !os.IsNotExist(err) {
		_ = os.Chmod(entry.QuarantinePath, 0o000)
		return Entry{}, fmt.Errorf("quarantine.Delete %s: unlink: %w", id, err)
	}

	e.entries = append(e.entries[:idx], e.entries[idx+1:]...)
	if err := e.flush(); err != nil {
		e.log.Error("manifest flush failed after delete", zap.Error(err))
	}

	e.log.Info("quarantined file deleted",
		zap.String("id", id),
		zap.String("path", entry.OriginalPath))
	return entry, nil
}

// List returns an owned snapshot of the manifest, safe to read outside
// the engine lock.
func (e *Engine) List() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Entry, len(e.entries))
	copy(out, e.entries)
	return out
}

// Len returns the number of live entries.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// find returns the index of the entry with the given id, or -1.
// Called with the engine lock held.
func (e *Engine) find(id string) int {
	for i := range e.entries {
		if e.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// relocate moves src to dest, preferring an atomic rename and falling
// back to a byte copy plus unlink across filesystem boundaries. During
// the fallback the source is temporarily widened to srcMode so it can be
// read, and re-restricted to 0000 if the copy fails.
func (e *Engine) relocate(src, dest string, srcMode os.FileMode) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}

	if err := os.Chmod(src, srcMode); err != nil {
		return fmt.Errorf("widen source: %w", err)
	}

	if err := copyFile(src, dest); err != nil {
		_ = os.Chmod(src, 0o000)
		_ = os.Remove(dest)
		return fmt.Errorf("copy fallback: %w", err)
	}
	if err := os.Remove(src); err != nil {
		_ = os.Chmod(src, 0o000)
		_ = os.Remove(dest)
		return fmt.Errorf("unlink source: %w", err)
	}
	return nil
}

// copyFile copies src to dest byte-for-byte, syncing before close.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
