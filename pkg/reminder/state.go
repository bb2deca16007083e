// Package reminder keeps in-process reminder scheduling state so restarts
// do not re-announce what was already delivered.
package reminder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StateStore is a file-backed set of delivered reminder keys. Each key maps
// to the RFC3339 instant it was marked, so stale entries can be pruned.
type StateStore struct {
	path string
	ttl  time.Duration
	log  zerolog.Logger

	mu    sync.Mutex
	state map[string]string
}

// NewStateStore loads the state file at path, creating parent directories
// as needed. A missing file starts empty; a corrupt one is discarded with a
// warning rather than blocking startup.
func NewStateStore(path string, ttl time.Duration) (*StateStore, error) {
	s := &StateStore{
		path:  path,
		ttl:   ttl,
		state: map[string]string{},
		log: logger.With().
			Str("component", "reminderstate").
			Logger(),
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %s", err)
	}

	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %s", err)
	}
	if err := json.Unmarshal(content, &s.state); err != nil {
		s.log.Warn().Str("path", path).Err(err).Msg("discarding unreadable state file")
		s.state = map[string]string{}
	}
	return s, nil
}

// WasNotified reports whether the key has been marked.
func (s *StateStore) WasNotified(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state[key]
	return ok
}

// MarkNotified records the key and persists immediately.
func (s *StateStore) MarkNotified(key string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = now.Format(time.RFC3339)
	return s.persist()
}

// Prune drops entries older than the TTL and persists if anything changed.
func (s *StateStore) Prune(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped int
	for key, stamp := range s.state {
		marked, err := time.Parse(time.RFC3339, stamp)
		if err != nil || now.Sub(marked) > s.ttl {
			delete(s.state, key)
			dropped++
		}
	}
	if dropped == 0 {
		return nil
	}
	s.log.Debug().Int("dropped", dropped).Msg("pruned reminder state")
	return s.persist()
}

func (s *StateStore) persist() error {
	content, err := json.Marshal(s.state)
	if err != nil {
		return fmt.Errorf("marshaling state: %s", err)
	}
	if err := os.WriteFile(s.path, content, 0o644); err != nil {
		return fmt.Errorf("writing state file: %s", err)
	}
	return nil
}
