package worker

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/sushiamo/desktop-bridge/internal/session"
)

const stateFileName = "desktop-print-worker.json"

// PersistedState is the on-disk shape of the agent's durable state.
type PersistedState struct {
	Config  AgentConfig      `json:"config"`
	Session session.Snapshot `json:"session"`
}

// Store persists the agent config and session snapshot as one JSON file
// in the user-data directory. All writes are full-file rewrites via
// tmp + rename for crash safety.
type Store struct {
	path string
}

func NewStore(dataDir string) *Store {
	return &Store{path: filepath.Join(dataDir, stateFileName)}
}

func (s *Store) Path() string { return s.path }

// Load reads the persisted state. A missing or unparseable file yields
// sanitized defaults; corruption never blocks startup.
func (s *Store) Load() PersistedState {
	state := PersistedState{Config: DefaultAgentConfig()}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[store] Failed to read %s: %v (using defaults)", s.path, err)
		}
		return state
	}

	if err := json.Unmarshal(data, &state); err != nil {
		log.Printf("[store] Failed to parse %s: %v (using defaults)", s.path, err)
		return PersistedState{Config: DefaultAgentConfig()}
	}

	state.Config = state.Config.Sanitized()
	return state
}

// Save writes the full state atomically.
func (s *Store) Save(state PersistedState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}
