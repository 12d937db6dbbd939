package masterdata

import (
	"context"
	"errors"
	"time"
)

// Subsystem groups engine-room equipment by the system it belongs to.
type Subsystem string

const (
	SubsystemBattery    Subsystem = "battery"
	SubsystemPropulsion Subsystem = "propulsion"
	SubsystemInverter   Subsystem = "inverter"
	SubsystemAuxiliary  Subsystem = "auxiliary"
)

// Valid reports whether the subsystem is a known kind.
func (s Subsystem) Valid() bool {
	switch s {
	case SubsystemBattery, SubsystemPropulsion, SubsystemInverter, SubsystemAuxiliary:
		return true
	default:
		return false
	}
}

// Equipment operating states.
const (
	EquipmentRunning     = "running"
	EquipmentStopped     = "stopped"
	EquipmentMaintenance = "maintenance"
	EquipmentFault       = "fault"
)

// Equipment represents one monitored machine in the engine room.
type Equipment struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Subsystem Subsystem `json:"subsystem"`
	Location  string    `json:"location,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks equipment invariants.
func (e Equipment) Validate() error {
	if e.ID == "" {
		return errors.New("equipment: empty id")
	}
	if e.Name == "" {
		return errors.New("equipment: empty name")
	}
	if !e.Subsystem.Valid() {
		return errors.New("equipment: unknown subsystem")
	}
	switch e.Status {
	case "", EquipmentRunning, EquipmentStopped, EquipmentMaintenance, EquipmentFault:
	default:
		return errors.New("equipment: unknown status")
	}
	return nil
}

// EquipmentRepository manages equipment persistence.
type EquipmentRepository interface {
	Get(ctx context.Context, id string) (*Equipment, error)
	List(ctx context.Context, subsystem Subsystem) ([]Equipment, error)
	Save(ctx context.Context, equipment *Equipment) error
}
