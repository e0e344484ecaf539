/**
 * Crash recovery for batch runs
 *
 * Every file is registered before processing starts and cleared once it
 * reaches a terminal state. The in-flight set is persisted after every
 * change, so after a crash the survivors are the files that were being
 * processed when the process died. They are quarantined on the next run
 * instead of being retried into another crash.
 */

package recovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/adverant/nexus/digitizer-worker/internal/errors"
	"github.com/adverant/nexus/digitizer-worker/internal/fsutil"
	"github.com/adverant/nexus/digitizer-worker/internal/logging"
)

// Default locations, relative to the configured folders
const (
	DefaultStateFile     = "recovery_state.json"
	QuarantineFolderName = "CRASH_QUARANTINE"
)

// Manager tracks in-flight files. It is safe for concurrent use.
type Manager struct {
	mu            sync.Mutex
	statePath     string
	quarantineDir string
	inFlight      map[string]struct{}
	move          func(src, dest string) error
	logger        *logging.Logger
}

// NewManager loads the in-flight set left by a previous run. An unreadable
// or corrupt state file is logged and treated as empty.
func NewManager(statePath, quarantineDir string) *Manager {
	m := &Manager{
		statePath:     statePath,
		quarantineDir: quarantineDir,
		inFlight:      make(map[string]struct{}),
		move:          fsutil.Rename,
		logger:        logging.NewLogger("RecoveryManager"),
	}
	m.load()
	return m
}

func (m *Manager) load() {
	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("Failed to read recovery state", "path", m.statePath, "error", err)
		}
		return
	}

	var paths []string
	if err := json.Unmarshal(data, &paths); err != nil {
		m.logger.Warn("Failed to parse recovery state, starting empty", "path", m.statePath, "error", err)
		return
	}
	for _, p := range paths {
		m.inFlight[p] = struct{}{}
	}
}

// RegisterStart marks path as in flight and persists before returning
func (m *Manager) RegisterStart(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return apperrors.NewRecoveryStateError(path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight[abs] = struct{}{}
	return m.persistLocked()
}

// RegisterComplete clears path; unknown paths are a no-op
func (m *Manager) RegisterComplete(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return apperrors.NewRecoveryStateError(path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inFlight[abs]; !ok {
		return nil
	}
	delete(m.inFlight, abs)
	return m.persistLocked()
}

// InFlight returns the tracked paths in sorted order
func (m *Manager) InFlight() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked()
}

// Recover quarantines every file left in flight by a previous run and
// returns their new locations. Files that no longer exist are dropped. A
// file that cannot be moved stays tracked and is reported in the error;
// Tracked keeps it out of new work until a later Recover moves it.
// It must run before any new work is registered.
func (m *Manager) Recover() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.inFlight) == 0 {
		return nil, nil
	}
	m.logger.Warn("Found files from a crashed run, moving to quarantine",
		"count", len(m.inFlight),
		"quarantine", m.quarantineDir)

	if err := os.MkdirAll(m.quarantineDir, 0o755); err != nil {
		return nil, apperrors.NewRecoveryStateError(m.quarantineDir, err)
	}

	var (
		moved  []string
		failed []string
	)
	for _, path := range m.sortedLocked() {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			m.logger.Info("In-flight file no longer exists, dropping", "file", path)
			delete(m.inFlight, path)
			continue
		}

		dest := m.quarantinePath(path)
		if err := m.move(path, dest); err != nil {
			m.logger.Error("Failed to quarantine file, keeping it tracked", "file", path, "error", err)
			failed = append(failed, path)
			continue
		}
		delete(m.inFlight, path)
		m.logger.Error("QUARANTINED suspected poison pill",
			"file", filepath.Base(path),
			"destination", dest)
		moved = append(moved, dest)
	}

	if err := m.persistLocked(); err != nil {
		return moved, err
	}
	if len(failed) > 0 {
		return moved, apperrors.NewQuarantineError(failed,
			fmt.Errorf("%d file(s) left in place", len(failed)))
	}
	return moved, nil
}

// Tracked reports whether path is still in flight, which after Recover
// means a survivor that could not be quarantined
func (m *Manager) Tracked(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inFlight[abs]
	return ok
}

// quarantinePath keeps earlier quarantined files with the same name
func (m *Manager) quarantinePath(path string) string {
	dest := filepath.Join(m.quarantineDir, filepath.Base(path))
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		return dest
	}
	ext := filepath.Ext(dest)
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(dest, ext), time.Now().UnixNano(), ext)
}

func (m *Manager) sortedLocked() []string {
	out := make([]string, 0, len(m.inFlight))
	for p := range m.inFlight {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// persistLocked writes the set with temp file, fsync and rename
func (m *Manager) persistLocked() error {
	data, err := json.Marshal(m.sortedLocked())
	if err != nil {
		return apperrors.NewRecoveryStateError(m.statePath, err)
	}
	if err := fsutil.WriteFileAtomic(m.statePath, data, 0o644); err != nil {
		return apperrors.NewRecoveryStateError(m.statePath, err)
	}
	return nil
}
