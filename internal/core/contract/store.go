package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spaceheat/scada/internal/core/domain"
)

const CONTRACT_FILE = "slow_dispatch_contract.json"

// Store persists the most recent heartbeat. Load returns nil when nothing was stored.
type Store interface {
	Load() (*domain.SlowContractHeartbeat, error)
	Save(hb domain.SlowContractHeartbeat) error
}

type FileStore struct {
	path string
}

func NewFileStore(dataDir string) *FileStore {
	return &FileStore{path: filepath.Join(dataDir, CONTRACT_FILE)}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load() (*domain.SlowContractHeartbeat, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read contract file: %w", err)
	}
	var hb domain.SlowContractHeartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, fmt.Errorf("decode contract file: %w", err)
	}
	return &hb, nil
}

// Save replaces the file atomically.
func (s *FileStore) Save(hb domain.SlowContractHeartbeat) error {
	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".contract-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// MemoryStore keeps the heartbeat in memory, for simulation and tests.
type MemoryStore struct {
	hb    *domain.SlowContractHeartbeat
	Saves int
	Err   error
}

func (s *MemoryStore) Load() (*domain.SlowContractHeartbeat, error) {
	if s.hb == nil {
		return nil, nil
	}
	hb := *s.hb
	return &hb, nil
}

func (s *MemoryStore) Save(hb domain.SlowContractHeartbeat) error {
	if s.Err != nil {
		return s.Err
	}
	s.hb = &hb
	s.Saves++
	return nil
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
