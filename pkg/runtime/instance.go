package runtime

import (
	"time"

	"github.com/machina-io/machina/pkg/store"
	"github.com/machina-io/machina/pkg/timer"
)

// Instance is the live embodiment of one state machine: current state,
// context, timers. Mutated only by its owning runtime, serially.
type Instance struct {
	ID            string
	ComponentName string
	MachineName   string
	CurrentState  string
	Context       map[string]interface{}
	PublicMember  map[string]interface{}
	Status        store.InstanceStatus
	IsEntryPoint  bool

	ParentInstanceID    string
	ParentMachineName   string
	ParentComponentName string

	CreatedAt time.Time
	UpdatedAt time.Time

	// enteredStateAt tracks the last transition into the current state,
	// used by timeout resynchronization after restore.
	enteredStateAt time.Time

	// timers maps a timeout transition's event name to its armed handle.
	timers map[string]timer.Handle
}

// ParentInfo links a child instance to its creator.
type ParentInfo struct {
	InstanceID    string
	MachineName   string
	ComponentName string
}

// Record returns the serializable projection of the instance.
func (in *Instance) Record() store.InstanceRecord {
	return store.InstanceRecord{
		ID:                in.ID,
		ComponentName:     in.ComponentName,
		MachineName:       in.MachineName,
		CurrentState:      in.CurrentState,
		Context:           copyTree(in.Context),
		PublicMember:      copyTree(in.PublicMember),
		Status:            in.Status,
		IsEntryPoint:      in.IsEntryPoint,
		ParentInstanceID:  in.ParentInstanceID,
		ParentMachineName: in.ParentMachineName,
		CreatedAt:         in.CreatedAt,
		UpdatedAt:         in.UpdatedAt,
	}
}

func instanceFromRecord(rec store.InstanceRecord, enteredStateAt time.Time) *Instance {
	return &Instance{
		ID:                rec.ID,
		ComponentName:     rec.ComponentName,
		MachineName:       rec.MachineName,
		CurrentState:      rec.CurrentState,
		Context:           copyTree(rec.Context),
		PublicMember:      copyTree(rec.PublicMember),
		Status:            rec.Status,
		IsEntryPoint:      rec.IsEntryPoint,
		ParentInstanceID:  rec.ParentInstanceID,
		ParentMachineName: rec.ParentMachineName,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
		enteredStateAt:    enteredStateAt,
		timers:            make(map[string]timer.Handle),
	}
}

func copyTree(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = copyTree(val)
		case []interface{}:
			cp := make([]interface{}, len(val))
			copy(cp, val)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
