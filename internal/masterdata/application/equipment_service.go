package application

import (
	"context"
	"errors"

	masterdata "engineroom-monitor/internal/masterdata/domain"
)

// EquipmentService provides registry commands and queries.
type EquipmentService struct {
	repo masterdata.EquipmentRepository
}

// NewEquipmentService constructs an equipment service.
func NewEquipmentService(repo masterdata.EquipmentRepository) (*EquipmentService, error) {
	if repo == nil {
		return nil, errors.New("equipment service: nil repository")
	}
	return &EquipmentService{repo: repo}, nil
}

// Upsert validates and saves equipment.
func (s *EquipmentService) Upsert(ctx context.Context, equipment *masterdata.Equipment) error {
	if equipment == nil {
		return errors.New("equipment service: nil equipment")
	}
	if err := equipment.Validate(); err != nil {
		return err
	}
	return s.repo.Save(ctx, equipment)
}

// Get loads one equipment row, nil when absent.
func (s *EquipmentService) Get(ctx context.Context, id string) (*masterdata.Equipment, error) {
	if id == "" {
		return nil, errors.New("equipment service: empty id")
	}
	return s.repo.Get(ctx, id)
}

// List returns equipment, optionally narrowed to one subsystem.
func (s *EquipmentService) List(ctx context.Context, subsystem masterdata.Subsystem) ([]masterdata.Equipment, error) {
	if subsystem != "" && !subsystem.Valid() {
		return nil, errors.New("equipment service: unknown subsystem")
	}
	return s.repo.List(ctx, subsystem)
}
