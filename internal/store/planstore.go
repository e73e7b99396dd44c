package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/foremanlabs/foreman/internal/errors"
	"github.com/foremanlabs/foreman/internal/plan"
)

// PlanStore reads and writes plan files as JSON on an afero filesystem.
// Writes are atomic (temp file plus rename) so a crash mid-write never
// leaves a torn plan.
type PlanStore struct {
	fs afero.Fs
}

// NewPlanStore creates a plan store over the given filesystem. Pass
// afero.NewOsFs() in production, afero.NewMemMapFs() in tests.
func NewPlanStore(fs afero.Fs) *PlanStore {
	return &PlanStore{fs: fs}
}

// LoadPlan reads and parses the plan at path.
func (s *PlanStore) LoadPlan(path string) (*plan.Plan, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrPlanNotFound, path)
	}
	var p plan.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan %s: %w", path, err)
	}
	return &p, nil
}

// SavePlan writes the plan to path atomically.
func (s *PlanStore) SavePlan(path string, p *plan.Plan) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}

	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create plan directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("failed to commit plan: %w", err)
	}
	return nil
}
