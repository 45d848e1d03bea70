package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kestrel-dl/kestrel/internal/config"
	"github.com/kestrel-dl/kestrel/internal/errdefs"
)

// Store persists one JSON file per session under its directory. Every
// update is a read-modify-write behind a per-session lock, flushed with a
// write-to-temp-then-rename so a crash mid-write never leaves a torn
// record on disk.
type Store struct {
	dir   string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(dir string) (*Store, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("error resolving home directory: %v", err)
		}
		dir = filepath.Join(home, ".kestrel", "sessions")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errdefs.New(errdefs.KindFileSystem, "session/store", err)
	}
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

func (st *Store) Dir() string { return st.dir }

func (st *Store) sessionLock(id string) *sync.Mutex {
	st.mu.Lock()
	defer st.mu.Unlock()
	l, ok := st.locks[id]
	if !ok {
		l = &sync.Mutex{}
		st.locks[id] = l
	}
	return l
}

func (st *Store) path(id string) string {
	return filepath.Join(st.dir, id+".json")
}

// Create registers a new pending session and persists it immediately.
func (st *Store) Create(url string, opts config.DownloadOptions) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:        uuid.NewString(),
		URL:       url,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Options:   opts,
		Metadata:  make(map[string]any),
	}
	lock := st.sessionLock(s.ID)
	lock.Lock()
	defer lock.Unlock()
	if err := st.write(s); err != nil {
		return nil, err
	}
	log.Debug().Str("op", "session/store").Msgf("Created session %s for %s", s.ID, url)
	return s, nil
}

// Get loads a session. A missing file maps to ErrSessionNotFound; a file
// that exists but does not parse maps to ErrSessionCorrupt so callers can
// tell the two apart.
func (st *Store) Get(id string) (*Session, error) {
	lock := st.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()
	return st.read(id)
}

// Update applies mutate under the session's lock and persists the result
// atomically. Status changes are checked against the state machine;
// UpdatedAt is refreshed on every call.
func (st *Store) Update(id string, mutate func(*Session) error) error {
	lock := st.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()
	s, err := st.read(id)
	if err != nil {
		return err
	}
	before := s.Status
	if err := mutate(s); err != nil {
		return err
	}
	if !ValidTransition(before, s.Status) {
		return errdefs.Newf(errdefs.KindConfiguration, "session/store", "invalid status transition %s -> %s for session %s", before, s.Status, id)
	}
	s.UpdatedAt = time.Now().UTC()
	if s.Status == StatusCompleted && s.CompletedAt == nil {
		now := s.UpdatedAt
		s.CompletedAt = &now
	}
	return st.write(s)
}

// List returns sessions matching any of the given statuses, or all of them
// when no filter is given. Corrupt records are skipped with a warning, not
// fatal to the listing.
func (st *Store) List(statuses ...Status) ([]*Session, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, errdefs.New(errdefs.KindFileSystem, "session/store", err)
	}
	var out []*Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		s, err := st.Get(id)
		if err != nil {
			log.Warn().Str("op", "session/store").Err(err).Msgf("Skipping unreadable session record %s", entry.Name())
			continue
		}
		if len(statuses) > 0 {
			match := false
			for _, want := range statuses {
				if s.Status == want {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// Delete removes the session record. Returns false without error when the
// record was already gone.
func (st *Store) Delete(id string) (bool, error) {
	lock := st.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()
	err := os.Remove(st.path(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errdefs.New(errdefs.KindFileSystem, "session/store", err)
	}
	return true, nil
}

// Cleanup removes terminal-state sessions with no update newer than maxAge
// and returns how many were removed.
func (st *Store) Cleanup(maxAge time.Duration) (int, error) {
	sessions, err := st.List()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	for _, s := range sessions {
		if !s.Status.Terminal() || s.UpdatedAt.After(cutoff) {
			continue
		}
		ok, err := st.Delete(s.ID)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	log.Debug().Str("op", "session/store").Msgf("Cleanup removed %d session(s)", removed)
	return removed, nil
}

func (st *Store) read(id string) (*Session, error) {
	data, err := os.ReadFile(st.path(id))
	if os.IsNotExist(err) {
		return nil, errdefs.New(errdefs.KindResource, "session/store", fmt.Errorf("%w: %s", errdefs.ErrSessionNotFound, id))
	}
	if err != nil {
		return nil, errdefs.New(errdefs.KindFileSystem, "session/store", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errdefs.New(errdefs.KindFileSystem, "session/store", fmt.Errorf("%w: %s: %v", errdefs.ErrSessionCorrupt, id, err))
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	return &s, nil
}

func (st *Store) write(s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling session %s: %v", s.ID, err)
	}
	tmp, err := os.CreateTemp(st.dir, s.ID+".*.tmp")
	if err != nil {
		return errdefs.New(errdefs.KindFileSystem, "session/store", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errdefs.New(errdefs.KindFileSystem, "session/store", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errdefs.New(errdefs.KindFileSystem, "session/store", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errdefs.New(errdefs.KindFileSystem, "session/store", err)
	}
	if err := os.Rename(tmpName, st.path(s.ID)); err != nil {
		os.Remove(tmpName)
		return errdefs.New(errdefs.KindFileSystem, "session/store", err)
	}
	return nil
}

// IsNotFound reports whether err is the store's missing-record error.
func IsNotFound(err error) bool {
	return errors.Is(err, errdefs.ErrSessionNotFound)
}

// IsCorrupt reports whether err is the store's unreadable-record error.
func IsCorrupt(err error) bool {
	return errors.Is(err, errdefs.ErrSessionCorrupt)
}
