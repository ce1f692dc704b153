package reconnect

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mossy-p/camlink/internal/models"
)

var ErrNoToken = errors.New("no saved rejoin token")

// Saved is what a member keeps across restarts to get back into its room.
type Saved struct {
	RoomCode string      `json:"room_code"`
	Role     models.Role `json:"role"`
	MemberID string      `json:"member_id"`
	Token    string      `json:"token"`
}

// TokenStore persists the rejoin token between runs.
type TokenStore interface {
	Load() (Saved, error)
	Save(s Saved) error
	Clear() error
}

// FileStore keeps the token in a JSON file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Load() (Saved, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Saved{}, ErrNoToken
	}
	if err != nil {
		return Saved{}, fmt.Errorf("read token file: %w", err)
	}

	var s Saved
	if err := json.Unmarshal(data, &s); err != nil {
		return Saved{}, fmt.Errorf("parse token file: %w", err)
	}
	if s.Token == "" {
		return Saved{}, ErrNoToken
	}
	return s, nil
}

func (f *FileStore) Save(s Saved) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create token dir: %w", err)
		}
	}
	return os.WriteFile(f.path, data, 0o600)
}

func (f *FileStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// MemoryStore keeps the token for the life of the process.
type MemoryStore struct {
	mu    sync.Mutex
	saved *Saved
}

func (m *MemoryStore) Load() (Saved, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		return Saved{}, ErrNoToken
	}
	return *m.saved, nil
}

func (m *MemoryStore) Save(s Saved) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = &s
	return nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = nil
	return nil
}
