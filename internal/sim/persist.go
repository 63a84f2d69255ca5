package sim

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"tradegate/pkg/types"
)

// persistState saves all paper accounts as JSON when a data path is
// configured. Failures are logged, never fatal: the simulator keeps
// trading from memory.
func (s *Simulator) persistState() {
	if s.opts.DataPath == "" {
		return
	}
	if err := s.saveState(); err != nil {
		s.logger.Warn("could not persist paper accounts", "error", err)
	}
}

func (s *Simulator) saveState() error {
	accounts := s.accounts.List()
	raw, err := json.MarshalIndent(accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}

	dir := filepath.Dir(s.opts.DataPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".accounts-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write accounts: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync accounts: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close accounts file: %w", err)
	}
	if err := os.Rename(tmpName, s.opts.DataPath); err != nil {
		return fmt.Errorf("replace accounts file: %w", err)
	}
	return nil
}

func (s *Simulator) loadState() error {
	raw, err := os.ReadFile(s.opts.DataPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read accounts file: %w", err)
	}

	var accounts []*types.Account
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return fmt.Errorf("parse accounts file: %w", err)
	}

	s.accounts.mu.Lock()
	defer s.accounts.mu.Unlock()
	for _, a := range accounts {
		if a.Positions == nil {
			a.Positions = make(map[string]*types.Position)
		}
		s.accounts.accounts[a.ID] = a
	}
	s.logger.Info("restored paper accounts", "count", len(accounts))
	return nil
}
