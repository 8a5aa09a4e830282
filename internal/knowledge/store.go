// Package knowledge persists per-entity fact files and keeps the knowledge
// base in sync with them.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"qcselect/internal/logging"
	"qcselect/internal/mangle"
	"qcselect/internal/metrics"
)

// FileExt is the extension of fact files.
const FileExt = ".mg"

// StaticPrefix starts the file id of every static rule file. Entity writes
// may not use it.
const StaticPrefix = "_static."

// ErrInvalidFileID is returned for ids that are empty or would escape the base directory.
var ErrInvalidFileID = errors.New("invalid fact file id")

// ErrReservedFileID is returned when an entity write targets a static rule file.
var ErrReservedFileID = errors.New("fact file id is reserved")

// Store maps fact file ids to files under a base directory and activates
// them in a knowledge base.
type Store struct {
	baseDir string
	kb      *mangle.KnowledgeBase
	metrics metrics.Collector

	// fileLocks serialises mutations of the same id
	fileLocks   map[string]*sync.Mutex
	fileLocksMu sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) StoreOption {
	return func(s *Store) {
		if c != nil {
			s.metrics = c
		}
	}
}

// NewStore creates a store rooted at baseDir. The directory is created lazily.
func NewStore(baseDir string, kb *mangle.KnowledgeBase, opts ...StoreOption) *Store {
	s := &Store{
		baseDir:   baseDir,
		kb:        kb,
		metrics:   metrics.NewNoopCollector(),
		fileLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BaseDir returns the directory holding the fact files.
func (s *Store) BaseDir() string { return s.baseDir }

// KnowledgeBase returns the knowledge base the store activates into.
func (s *Store) KnowledgeBase() *mangle.KnowledgeBase { return s.kb }

// getFileLock returns a per-id mutex.
func (s *Store) getFileLock(fileID string) *sync.Mutex {
	s.fileLocksMu.Lock()
	defer s.fileLocksMu.Unlock()

	if lock, ok := s.fileLocks[fileID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.fileLocks[fileID] = lock
	return lock
}

// ValidateFileID checks that fileID names a file directly under the base directory.
func ValidateFileID(fileID string) error {
	if strings.TrimSpace(fileID) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFileID)
	}
	if strings.ContainsAny(fileID, `/\`) || strings.Contains(fileID, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidFileID, fileID)
	}
	return nil
}

// StaticFileID returns the file id of the static rule file name.
func StaticFileID(name string) string {
	return StaticPrefix + name
}

// validateEntityID checks a file id used for entity writes.
func validateEntityID(fileID string) error {
	if err := ValidateFileID(fileID); err != nil {
		return err
	}
	if strings.HasPrefix(fileID, StaticPrefix) {
		return fmt.Errorf("%w: %q", ErrReservedFileID, fileID)
	}
	return nil
}

// Path returns the fact file path for fileID.
func (s *Store) Path(fileID string) string {
	return filepath.Join(s.baseDir, fileID+FileExt)
}

// Exists reports whether the fact file for fileID is present on disk.
func (s *Store) Exists(fileID string) bool {
	if ValidateFileID(fileID) != nil {
		return false
	}
	info, err := os.Stat(s.Path(fileID))
	return err == nil && !info.IsDir()
}

// Persist writes content as the fact file for fileID. The write goes through
// a temp file and a rename, so readers never see a partial file.
func (s *Store) Persist(content, fileID string) error {
	if err := validateEntityID(fileID); err != nil {
		return err
	}
	lock := s.getFileLock(fileID)
	lock.Lock()
	defer lock.Unlock()
	return s.persistLocked(content, fileID)
}

func (s *Store) persistLocked(content, fileID string) error {
	if err := os.MkdirAll(s.baseDir, 0755); err != nil {
		return fmt.Errorf("failed to create knowledge dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.baseDir, "."+fileID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", fileID, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", fileID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", fileID, err)
	}
	if err := os.Rename(tmpName, s.Path(fileID)); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", fileID, err)
	}
	return nil
}

// Activate loads the fact file for fileID into the knowledge base.
// Re-activating unchanged content is a no-op with respect to the fact set.
func (s *Store) Activate(fileID string) error {
	if err := ValidateFileID(fileID); err != nil {
		return err
	}
	lock := s.getFileLock(fileID)
	lock.Lock()
	defer lock.Unlock()
	return s.activateLocked(fileID)
}

func (s *Store) activateLocked(fileID string) error {
	start := time.Now()
	content, err := os.ReadFile(s.Path(fileID))
	if err != nil {
		s.record("activate", metrics.StatusError, start)
		return fmt.Errorf("failed to read fact file %s: %w", fileID, err)
	}
	if err := s.kb.Activate(fileID, string(content)); err != nil {
		s.record("activate", metrics.StatusError, start)
		return err
	}
	s.record("activate", metrics.StatusSuccess, start)
	return nil
}

// Delete deactivates fileID and removes its file. A missing or inactive
// file counts as already deleted.
func (s *Store) Delete(fileID string) error {
	if err := validateEntityID(fileID); err != nil {
		return err
	}
	lock := s.getFileLock(fileID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	removed, err := s.kb.Deactivate(fileID)
	if err != nil {
		s.record("delete", metrics.StatusError, start)
		return err
	}
	if err := os.Remove(s.Path(fileID)); err != nil && !os.IsNotExist(err) {
		s.record("delete", metrics.StatusError, start)
		return fmt.Errorf("failed to remove fact file %s: %w", fileID, err)
	}
	if !removed {
		logging.KnowledgeDebug("fact file %s was not active", fileID)
	}
	s.record("delete", metrics.StatusSuccess, start)
	return nil
}

// Replace atomically swaps the fact file for fileID: the new content is
// validated against the live program, written, then activated. Readers see
// the old facts until the swap. On failure the previous file and facts stay.
func (s *Store) Replace(fileID, content string) error {
	if err := validateEntityID(fileID); err != nil {
		return err
	}
	lock := s.getFileLock(fileID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	if err := s.kb.Validate(fileID, content); err != nil {
		s.record("replace", metrics.StatusError, start)
		s.metrics.RecordError(context.Background(), "replace", "validation")
		return fmt.Errorf("fact file %s rejected: %w", fileID, err)
	}

	previous, readErr := os.ReadFile(s.Path(fileID))
	if err := s.persistLocked(content, fileID); err != nil {
		s.record("replace", metrics.StatusError, start)
		return err
	}
	if err := s.kb.Activate(fileID, content); err != nil {
		// Put the old file back so disk and memory agree.
		if readErr == nil {
			_ = s.persistLocked(string(previous), fileID)
		} else {
			_ = os.Remove(s.Path(fileID))
		}
		s.record("replace", metrics.StatusError, start)
		return fmt.Errorf("fact file %s not activated: %w", fileID, err)
	}
	s.record("replace", metrics.StatusSuccess, start)
	return nil
}

// Deactivate removes fileID from the knowledge base and leaves its file alone.
// It returns false when the unit was not active.
func (s *Store) Deactivate(fileID string) (bool, error) {
	if err := ValidateFileID(fileID); err != nil {
		return false, err
	}
	lock := s.getFileLock(fileID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	removed, err := s.kb.Deactivate(fileID)
	if err != nil {
		s.record("deactivate", metrics.StatusError, start)
		return false, err
	}
	s.record("deactivate", metrics.StatusSuccess, start)
	return removed, nil
}

// EnsureStatic writes content as the static rule file name if it is absent,
// then activates it. The file id is StaticFileID(name).
func (s *Store) EnsureStatic(name, content string) error {
	fileID := StaticFileID(name)
	if err := ValidateFileID(fileID); err != nil {
		return err
	}
	lock := s.getFileLock(fileID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(s.Path(fileID)); os.IsNotExist(err) {
		if err := s.persistLocked(content, fileID); err != nil {
			return err
		}
		logging.Knowledge("materialized static rule file %s", fileID)
	}
	return s.activateLocked(fileID)
}

// IDs lists the fact file ids present on disk, sorted.
func (s *Store) IDs() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list knowledge dir: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, FileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, FileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// LoadAll activates every fact file already on disk. Files that fail are
// logged and skipped.
func (s *Store) LoadAll(ctx context.Context) error {
	ids, err := s.IDs()
	if err != nil {
		return err
	}

	loaded := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Activate(id); err != nil {
			logging.Get(logging.CategoryKnowledge).Warn("skipping fact file %s: %v", id, err)
			continue
		}
		loaded++
	}
	logging.Knowledge("loaded %d/%d fact files from %s", loaded, len(ids), s.baseDir)
	return nil
}

func (s *Store) record(op, status string, start time.Time) {
	ctx := context.Background()
	s.metrics.RecordOperation(ctx, op, status, time.Since(start).Milliseconds())
	if status == metrics.StatusSuccess {
		stats := s.kb.Stats()
		s.metrics.SetKnowledgeCount(ctx, "units", int64(stats.Units))
		s.metrics.SetKnowledgeCount(ctx, "facts", int64(stats.TotalFacts))
	}
}
