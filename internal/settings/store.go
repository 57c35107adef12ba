package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const settingsFileName = "settings.json"

// Store persists instance settings under a data directory:
//
//	<dataDir>/instances/<instanceId>/settings.json  full custom settings
//	<dataDir>/instance_configs.json                 identity index only
//
// Both files are owned exclusively by the Store; no other component writes
// them. Writes are temp-file-and-rename so a crash never leaves a truncated
// file behind.
type Store struct {
	dataDir string
	log     *slog.Logger

	// Serializes read-merge-write cycles. Concurrent saves for different
	// instances could in principle proceed independently, but the index file
	// is shared, so one lock covers both.
	mu sync.Mutex
}

// NewStore creates a settings store rooted at dataDir.
func NewStore(dataDir string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		dataDir: dataDir,
		log:     log.With("component", "settings"),
	}
}

func (s *Store) settingsPath(instanceID string) string {
	return filepath.Join(s.dataDir, "instances", instanceID, settingsFileName)
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dataDir, "instance_configs.json")
}

// Load reads the settings for an instance. A missing or corrupt file yields
// zero-value settings, never an error: settings loss is recoverable, a crash
// on startup is not.
func (s *Store) Load(instanceID string) Settings {
	var out Settings
	if err := ReadJSON(s.settingsPath(instanceID), &out); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("unreadable settings file, using empty settings",
				"instance_id", instanceID, "error", err)
		}
		return Settings{}
	}
	return out
}

// Save merges partial over the stored settings and writes both files: the
// per-instance settings file always, the identity index only when an identity
// field is present in partial. Template and flag fields never reach the index.
func (s *Store) Save(instanceID string, partial Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.Load(instanceID)
	current.Merge(partial)
	current.UpdatedAt = time.Now().UTC()

	if err := WriteJSONAtomic(s.settingsPath(instanceID), &current); err != nil {
		return fmt.Errorf("failed to write settings for %s: %w", instanceID, err)
	}

	// Index whenever the partial carries identity, not only on a changed
	// value. Re-saving the same identity repairs a lost or wiped index.
	if partial.HasIdentity() {
		if err := s.updateIndex(instanceID, current.Identity()); err != nil {
			return fmt.Errorf("failed to update identity index for %s: %w", instanceID, err)
		}
	}

	return nil
}

// ListAll returns the identity index for startup reconciliation. A missing
// index means no instances have been configured yet.
func (s *Store) ListAll() map[string]Identity {
	index := make(map[string]Identity)
	if err := ReadJSON(s.indexPath(), &index); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("unreadable identity index, treating as empty", "error", err)
		}
		return map[string]Identity{}
	}
	return index
}

// Remove deletes an instance from the identity index. The per-instance
// settings file is left in place; full cleanup of the instance directory is
// the caller's decision.
func (s *Store) Remove(instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.ListAll()
	if _, ok := index[instanceID]; !ok {
		return nil
	}
	delete(index, instanceID)
	return WriteJSONAtomic(s.indexPath(), index)
}

func (s *Store) updateIndex(instanceID string, id Identity) error {
	index := s.ListAll()
	index[instanceID] = id
	return WriteJSONAtomic(s.indexPath(), index)
}

// ReadJSON unmarshals the file at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteJSONAtomic marshals v and replaces the file at path via a temp file in
// the same directory. The old content is only replaced after the new content
// is fully on disk.
func WriteJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

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
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
