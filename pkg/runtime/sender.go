package runtime

import (
	"github.com/machina-io/machina/pkg/model"
)

// Sender is the capability object handed to hooks, bound to the
// current instance and runtime. Every operation enqueues onto the
// deferred queue and runs after the initiating transition completes;
// none executes synchronously within it. A Sender is only valid for
// the duration of its hook invocation.
type Sender struct {
	rt    *Runtime
	inst  *Instance
	valid bool
}

func newSender(rt *Runtime, inst *Instance) *Sender {
	return &Sender{rt: rt, inst: inst, valid: true}
}

func (s *Sender) invalidate() {
	s.valid = false
}

func (s *Sender) enqueue(op deferredOp) {
	if !s.valid {
		s.rt.logger.Warnf("sender used outside its hook invocation, op dropped")
		return
	}
	s.rt.queue = append(s.rt.queue, op)
}

// SendToSelf enqueues an event to the hook's own instance.
func (s *Sender) SendToSelf(event model.Event) {
	s.enqueue(deferredOp{kind: opDeliver, instanceID: s.inst.ID, event: event, causationID: s.inst.ID})
}

// SendTo enqueues an event to another instance of this component.
func (s *Sender) SendTo(instanceID string, event model.Event) {
	s.enqueue(deferredOp{kind: opDeliver, instanceID: instanceID, event: event, causationID: s.inst.ID})
}

// Broadcast enqueues a property-matched broadcast. The returned count
// is the number of currently matching candidates, best-effort: actual
// delivery happens after the current transition (and returns 0 for
// other components).
func (s *Sender) Broadcast(machineName string, event model.Event, stateFilter, component string) int {
	if component != "" && component != s.rt.component.Name {
		s.enqueue(deferredOp{kind: opBroadcastRemote, component: component, machineName: machineName, stateFilter: stateFilter, event: event})
		return 0
	}
	s.enqueue(deferredOp{kind: opBroadcastLocal, machineName: machineName, stateFilter: stateFilter, event: event})

	machine := s.rt.component.Machine(machineName)
	if machine == nil {
		return 0
	}
	return len(s.rt.matchCandidates(machine, stateFilter, nil, event))
}

// CreateInstance enqueues creation of a new instance of a machine in
// this component, linked to the hook's instance as parent.
func (s *Sender) CreateInstance(machineName string, context map[string]interface{}) {
	s.enqueue(deferredOp{
		kind:        opCreateLocal,
		machineName: machineName,
		context:     copyTree(context),
		parent: &ParentInfo{
			InstanceID:    s.inst.ID,
			MachineName:   s.inst.MachineName,
			ComponentName: s.rt.component.Name,
		},
	})
}

// SendToComponent enqueues an event to an instance of another
// component, routed through the registry.
func (s *Sender) SendToComponent(component, instanceID string, event model.Event) {
	if component == "" || component == s.rt.component.Name {
		s.SendTo(instanceID, event)
		return
	}
	s.enqueue(deferredOp{kind: opSendTo, component: component, instanceID: instanceID, event: event, causationID: s.inst.ID})
}
