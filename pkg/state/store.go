// Package state provides a JSON file checkpoint store, one file per checkpoint.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"storyloom/pkg/persistence"
	"storyloom/pkg/story"
	"storyloom/pkg/utils"
)

const (
	threadDirPrefix  = "THREAD_"
	checkpointPrefix = "CHECKPOINT_"
	checkpointSuffix = ".json"
)

// Store persists checkpoints under baseDir:
//
//	baseDir/THREAD_<id>_<hash>/CHECKPOINT_<sequence>.json
type Store struct {
	baseDir string
	mu      sync.RWMutex
}

var _ persistence.CheckpointStore = (*Store)(nil)

// NewStore creates a new file store with the given base directory.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", baseDir, err)
	}

	return &Store{
		baseDir: baseDir,
	}, nil
}

// Save implements persistence.CheckpointStore.
func (s *Store) Save(ctx context.Context, cp *story.Checkpoint) error {
	if cp.ThreadID == "" {
		return fmt.Errorf("threadID cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	filename := s.checkpointFilename(cp.ThreadID, cp.Sequence)
	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("%w: thread %s sequence %d", persistence.ErrSequenceConflict, cp.ThreadID, cp.Sequence)
	}

	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.Messages == nil {
		cp.Messages = []story.Message{}
	}

	jsonData, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint for thread %s: %w", cp.ThreadID, err)
	}

	if err := utils.WriteFileAtomic(filename, jsonData, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint for thread %s: %w", cp.ThreadID, err)
	}
	return nil
}

// Latest implements persistence.CheckpointStore.
func (s *Store) Latest(_ context.Context, threadID string) (*story.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestLocked(s.threadDir(threadID), threadID)
}

// History implements persistence.CheckpointStore.
func (s *Store) History(_ context.Context, threadID string) ([]*story.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files, err := checkpointFiles(s.threadDir(threadID))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", persistence.ErrThreadNotFound, threadID)
	}

	out := make([]*story.Checkpoint, 0, len(files))
	for _, f := range files {
		cp, err := readCheckpoint(f)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// ListLatest implements persistence.CheckpointStore.
func (s *Store) ListLatest(_ context.Context) ([]*story.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var out []*story.Checkpoint
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), threadDirPrefix) {
			continue
		}
		cp, err := s.latestLocked(filepath.Join(s.baseDir, entry.Name()), entry.Name())
		if errors.Is(err, persistence.ErrThreadNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	return out, nil
}

// Delete implements persistence.CheckpointStore.
func (s *Store) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.threadDir(threadID)
	files, err := checkpointFiles(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("%w: %s", persistence.ErrThreadNotFound, threadID)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete thread %s: %w", threadID, err)
	}
	return nil
}

// Close implements persistence.CheckpointStore.
func (s *Store) Close() error {
	return nil
}

func (s *Store) latestLocked(dir, threadID string) (*story.Checkpoint, error) {
	files, err := checkpointFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", persistence.ErrThreadNotFound, threadID)
	}
	return readCheckpoint(files[len(files)-1])
}

// threadDir returns the directory for a thread. The hash suffix keeps ids
// that sanitize to the same name apart.
func (s *Store) threadDir(threadID string) string {
	sum := sha256.Sum256([]byte(threadID))
	name := threadDirPrefix + utils.SanitizeIdentifier(threadID) + "_" + hex.EncodeToString(sum[:4])
	return filepath.Join(s.baseDir, name)
}

// checkpointFilename zero-pads the sequence so names sort numerically.
func (s *Store) checkpointFilename(threadID string, seq int64) string {
	return filepath.Join(s.threadDir(threadID), fmt.Sprintf("%s%020d%s", checkpointPrefix, seq, checkpointSuffix))
}

// checkpointFiles lists checkpoint files in sequence order. A missing
// directory yields no files.
func checkpointFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read thread directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, checkpointPrefix) || !strings.HasSuffix(name, checkpointSuffix) {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

func readCheckpoint(filename string) (*story.Checkpoint, error) {
	fileData, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", filename, err)
	}

	var cp story.Checkpoint
	if err := json.Unmarshal(fileData, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint %s: %w", filename, err)
	}
	return &cp, nil
}
