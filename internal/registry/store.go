package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agent-relay/relayd/internal/session"
)

// Store persists managed session records as one JSON file, rewritten
// wholesale on every mutation via tmp+rename so a crash mid-write never
// leaves a torn file.
type Store struct {
	path string
}

func NewStore(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{path: filepath.Join(stateDir, "sessions.json")}, nil
}

func (s *Store) Save(sessions []*session.Session) error {
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write sessions file: %w", err)
	}
	return os.Rename(tmpPath, s.path)
}

// Load reads the persisted records. Every loaded session comes back as
// offline; its real state is unknown until the next health pass.
func (s *Store) Load() ([]*session.Session, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions file: %w", err)
	}

	var sessions []*session.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("failed to parse sessions file: %w", err)
	}

	for _, sess := range sessions {
		sess.State = session.StateOffline
		sess.InFlight = make(map[string]time.Time)
		sess.PendingPrompts = make(map[string]struct{})
	}
	return sessions, nil
}
