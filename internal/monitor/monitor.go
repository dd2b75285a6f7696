// Package monitor observes configured directory trees recursively and
// emits candidate paths for regular files that were created, written, or
// moved into a watched subtree.
//
// Built on fsnotify (inotify on Linux). Watches are installed on every
// reachable subdirectory at startup and on any directory creation or
// move-in event. Hidden entries (leading dot) are skipped both during
// the walk and in event dispatch.
//
// Graceful degradation: when the kernel refuses a watch with ENOSPC
// (fs.inotify.max_user_watches exhausted), the monitor records the
// failure, keeps installing watches for the rest of the tree, and warns
// exactly once per run with the sysctl remediation. Watch exhaustion is
// never fatal.
//
// The run loop exits only on context cancellation or an unrecoverable
// failure of the underlying notification channel.

package monitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Monitor watches a set of root directories recursively.
type Monitor struct {
	watcher *fsnotify.Watcher
	onFile  func(path string)
	log     *zap.Logger

	watchCount      atomic.Int64
	installFailures atomic.Uint64
	enospcWarnOnce  sync.Once
}

// New creates a Monitor over the given roots and installs the initial
// watch tree. onFile is invoked from the Run goroutine with absolute
// paths to regular files.
func New(roots []string, onFile func(path string), log *zap.Logger) (*Monitor, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("monitor.New: inotify init: %w", err)
	}
	m := &Monitor{watcher: w, onFile: onFile, log: log}

	for _, root := range roots {
		if err := m.installTree(root); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("monitor.New: watch root %q: %w", root, err)
		}
	}

	log.Info("filesystem monitor initialised",
		zap.Strings("roots", roots),
		zap.Int64("watches", m.watchCount.Load()))
	return m, nil
}

// Run consumes notification events until ctx is cancelled or the event
// channel fails. Blocking; call from a dedicated goroutine.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-m.watcher.Events:
			if !ok {
				return fmt.Errorf("monitor.Run: event channel closed")
			}
			m.handleEvent(ev)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return fmt.Errorf("monitor.Run: error channel closed")
			}
			m.log.Warn("monitor: notification error", zap.Error(err))
		}
	}
}

// Close releases the underlying notification descriptor.
func (m *Monitor) Close() error {
	return m.watcher.Close()
}

// WatchCount returns the number of directory watches installed.
func (m *Monitor) WatchCount() int64 {
	return m.watchCount.Load()
}

// InstallFailures returns the number of failed watch registrations.
func (m *Monitor) InstallFailures() uint64 {
	return m.installFailures.Load()
}

// handleEvent routes one notification: directory creations expand the
// watch tree, file creations and writes dispatch to the callback.
func (m *Monitor) handleEvent(ev fsnotify.Event) {
	if hidden(ev.Name) {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		// Moves into a watched directory surface as Create.
		info, err := os.Lstat(ev.Name)
		if err != nil {
			return // Already gone; transient.
		}
		if info.IsDir() {
			if err := m.installTree(ev.Name); err != nil {
				m.log.Warn("monitor: recursive watch install failed",
					zap.String("dir", ev.Name), zap.Error(err))
			}
			return
		}
	}

	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	// Dispatch filter: only paths that currently are regular files.
	info, err := os.Lstat(ev.Name)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	m.onFile(ev.Name)
}

// installTree walks dir and installs a watch on every reachable
// subdirectory, skipping hidden entries. Per-directory failures degrade
// rather than abort; only a missing or unreadable top-level dir is
// returned as an error.
func (m *Monitor) installTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			m.log.Debug("monitor: walk error, skipping",
				zap.String("path", path), zap.Error(err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		m.addWatch(path)
		return nil
	})
}

// addWatch registers one directory, degrading gracefully on watch
// exhaustion.
func (m *Monitor) addWatch(dir string) {
	err := m.watcher.Add(dir)
	if err == nil {
		m.watchCount.Add(1)
		return
	}
	m.installFailures.Add(1)

	if errors.Is(err, unix.ENOSPC) {
		m.enospcWarnOnce.Do(func() {
			m.log.Warn("inotify watch limit reached; coverage is partial. "+
				"Raise the per-user limit with: sysctl fs.inotify.max_user_watches=524288",
				zap.String("dir", dir))
		})
		return
	}
	m.log.Warn("monitor: watch install failed",
		zap.String("dir", dir), zap.Error(err))
}

// hidden reports whether the basename of path is dot-led. Parent
// directories are not inspected.
func hidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
