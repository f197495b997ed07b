package checkpoint

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

var (
	// ErrNoCheckpoint means there is nothing usable to restore: the file is
	// absent, corrupt or from another format version.
	ErrNoCheckpoint = errors.New("no checkpoint")
	// ErrIncompatible is wrapped together with ErrNoCheckpoint when the file
	// exists but was written by an incompatible version.
	ErrIncompatible = errors.New("incompatible checkpoint version")
)

const magic = "resident-checkpoint"

// header precedes the snapshot in the gob stream so the version can be
// checked before decoding the body.
type header struct {
	Magic   string
	Version int
}

// Store keeps one checkpoint file per session key.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the checkpoint file of key.
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, key+".ckpt")
}

// Save atomically replaces the checkpoint of snap.SessionKey. Readers see
// either the previous file or the new one, never a partial write.
func (s *Store) Save(snap *Snapshot) error {
	if snap.SessionKey == "" {
		return errors.New("checkpoint without session key")
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(header{Magic: magic, Version: Version}); err != nil {
		return fmt.Errorf("failed to encode checkpoint header: %w", err)
	}
	stored := *snap
	stored.Version = Version
	if err := enc.Encode(&stored); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	if err := atomic.WriteFile(s.Path(snap.SessionKey), &buf); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint of key. Every failure wraps ErrNoCheckpoint.
func (s *Store) Load(key string) (*Snapshot, error) {
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("%w: %v", ErrNoCheckpoint, err)
	}

	dec := gob.NewDecoder(bytes.NewReader(data))
	var h header
	if err := dec.Decode(&h); err != nil || h.Magic != magic {
		return nil, fmt.Errorf("%w: corrupt header", ErrNoCheckpoint)
	}
	if h.Version != Version {
		return nil, fmt.Errorf("%w: %w: got %d, want %d", ErrNoCheckpoint, ErrIncompatible, h.Version, Version)
	}

	var snap Snapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("%w: corrupt body: %v", ErrNoCheckpoint, err)
	}
	if snap.SessionKey != key {
		return nil, fmt.Errorf("%w: file belongs to %q", ErrNoCheckpoint, snap.SessionKey)
	}
	return &snap, nil
}

// Delete removes the checkpoint of key. A missing file is not an error.
func (s *Store) Delete(key string) error {
	if err := os.Remove(s.Path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}
