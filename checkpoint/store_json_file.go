package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// JSONFileStore is a simple Store which materializes each feed's Checkpoint
// as a JSON-encoded file within a directory.
type JSONFileStore struct {
	fs  afero.Fs
	dir string
	mu  sync.Mutex // Serializes Saves.
}

var _ Lister = &JSONFileStore{} // JSONFileStore is-a Lister.

// NewJSONFileStore returns a JSONFileStore of directory |dir| within the Fs,
// creating the directory if required.
func NewJSONFileStore(fs afero.Fs, dir string) (*JSONFileStore, error) {
	if err := fs.MkdirAll(dir, 0750); err != nil {
		return nil, errors.WithMessage(err, "creating checkpoint directory")
	}
	return &JSONFileStore{fs: fs, dir: dir}, nil
}

// Load returns the Checkpoint encoded in the feed's state file.
func (s *JSONFileStore) Load(_ context.Context, feedID string) (Checkpoint, error) {
	if err := validateFileFeedID(feedID); err != nil {
		return Checkpoint{FeedID: feedID}, err
	}
	var cp, err = s.read(s.currentPath(feedID))
	if os.IsNotExist(errors.Cause(err)) {
		return Checkpoint{FeedID: feedID}, ErrNotFound
	} else if err != nil {
		return Checkpoint{FeedID: feedID}, err
	}
	loadsTotal.WithLabelValues("json").Inc()
	return cp, nil
}

// Save the Checkpoint to the feed's state file.
func (s *JSONFileStore) Save(_ context.Context, cp Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	} else if err = validateFileFeedID(cp.FeedID); err != nil {
		return err
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, err := s.read(s.currentPath(cp.FeedID)); err == nil && prev.Sequence > cp.Sequence {
		return errors.Wrapf(ErrRegression, "%d => %d", prev.Sequence, cp.Sequence)
	}

	// Commit by writing the complete Checkpoint to a temporary file, and then
	// atomically moving it to its well-known location. We'll always recover
	// a complete Checkpoint, even if a process failure produced a partially
	// written file.
	var f, err = s.fs.OpenFile(s.nextPath(cp.FeedID), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.WithMessage(err, "creating checkpoint file")
	}
	if err = json.NewEncoder(f).Encode(cp); err != nil {
		_ = f.Close()
		return errors.WithMessage(err, "encode(checkpoint)")
	} else if err = f.Sync(); err != nil {
		_ = f.Close()
		return errors.WithMessage(err, "syncing checkpoint file")
	} else if err = f.Close(); err != nil {
		return errors.WithMessage(err, "closing checkpoint file")
	} else if err = s.fs.Rename(s.nextPath(cp.FeedID), s.currentPath(cp.FeedID)); err != nil {
		return errors.WithMessage(err, "renaming next => current")
	}
	savesTotal.WithLabelValues("json").Inc()
	return nil
}

// List returns the Checkpoints of all state files in the directory.
func (s *JSONFileStore) List(context.Context) ([]Checkpoint, error) {
	var infos, err = afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, errors.WithMessage(err, "reading checkpoint directory")
	}
	var out []Checkpoint
	for _, info := range infos {
		var name = info.Name()
		if info.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".next.json") {
			continue
		}
		var cp, err = s.read(filepath.Join(s.dir, name))
		if err != nil {
			log.WithFields(log.Fields{
				"file": name,
				"err":  err,
			}).Warn("skipping unreadable checkpoint file")
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeedID < out[j].FeedID })
	return out, nil
}

func (s *JSONFileStore) read(path string) (Checkpoint, error) {
	var cp Checkpoint

	var f, err = s.fs.Open(path)
	if err != nil {
		return cp, errors.WithMessage(err, "opening checkpoint file")
	}
	defer f.Close()

	if err = json.NewDecoder(f).Decode(&cp); err != nil {
		return cp, errors.WithMessage(err, "decode(checkpoint)")
	}
	return cp, nil
}

// validateFileFeedID returns an error if |feedID| isn't usable as a file
// name within the store directory.
func validateFileFeedID(feedID string) error {
	if strings.ContainsAny(feedID, `/\`) {
		return errors.Errorf("invalid FeedID %q (may not contain path separators)", feedID)
	}
	return nil
}

func (s *JSONFileStore) currentPath(feedID string) string {
	return filepath.Join(s.dir, feedID+".json")
}
func (s *JSONFileStore) nextPath(feedID string) string {
	return filepath.Join(s.dir, feedID+".next.json")
}
