package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// snapshot is the on-disk schema.
type snapshot struct {
	SavedAt  time.Time          `json:"saved_at"`
	Sessions map[string]*Record `json:"sessions"`
}

// persist writes the full table to disk via a temp file and rename, so a
// crash mid-write never truncates the previous snapshot.
func (s *Store) persist() error {
	s.mu.RLock()
	snap := snapshot{
		SavedAt:  s.now(),
		Sessions: make(map[string]*Record, len(s.sessions)),
	}
	for id, rec := range s.sessions {
		snap.Sessions[id] = rec.clone()
	}
	s.mu.RUnlock()

	b, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("marshaling session snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp snapshot file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// load reads a previous snapshot, discarding records past their absolute
// ceiling. A missing file is not an error.
func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading session snapshot: %w", err)
	}

	snap := snapshot{}
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("unmarshaling session snapshot: %w", err)
	}

	now := s.now()
	var kept, dropped int
	for id, rec := range snap.Sessions {
		if now.After(rec.AbsoluteExpiresAt) {
			dropped++
			continue
		}
		s.sessions[id] = rec
		kept++
	}

	s.logger.Info("reloaded session snapshot", "kept", kept, "dropped", dropped, "saved_at", snap.SavedAt)
	return nil
}
