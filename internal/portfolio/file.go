package portfolio

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/steward/model"
)

// snapshotFile is the YAML layout of a signal fixture.
type snapshotFile struct {
	Accounts []model.AccountSignalSnapshot `yaml:"accounts"`
}

// LoadSnapshots reads a YAML fixture of account signal snapshots.
func LoadSnapshots(path string) ([]model.AccountSignalSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("portfolio: reading %s: %w", path, err)
	}
	return ParseSnapshots(data)
}

// ParseSnapshots decodes and checks a snapshot fixture. Every account needs
// an id and may appear once.
func ParseSnapshots(data []byte) ([]model.AccountSignalSnapshot, error) {
	var f snapshotFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("portfolio: parsing snapshots: %w", err)
	}

	var errs []error
	seen := make(map[string]bool, len(f.Accounts))
	for i, snap := range f.Accounts {
		switch {
		case snap.AccountID == "":
			errs = append(errs, fmt.Errorf("accounts[%d]: account_id is required", i))
		case seen[snap.AccountID]:
			errs = append(errs, fmt.Errorf("accounts[%d]: duplicate account_id %q", i, snap.AccountID))
		}
		seen[snap.AccountID] = true
		if snap.TakenAt.IsZero() {
			errs = append(errs, fmt.Errorf("accounts[%d]: taken_at is required", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("portfolio: invalid snapshots: %w", err)
	}
	return f.Accounts, nil
}

// NewFileStore loads a snapshot fixture into a MemoryStore. Scores and events
// stay in memory for the life of the process.
func NewFileStore(path string) (*MemoryStore, error) {
	snaps, err := LoadSnapshots(path)
	if err != nil {
		return nil, err
	}
	return NewMemoryStore(snaps...), nil
}
