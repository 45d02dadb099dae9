package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/machina-io/machina/pkg/model"
	"github.com/machina-io/machina/pkg/store"
)

type opKind int

const (
	opDeliver opKind = iota
	opCascade
	opCreateLocal
	opCreateRemote
	opSendTo
	opBroadcastLocal
	opBroadcastRemote
)

// deferredOp is one entry of the per-runtime FIFO drained after each
// transition. Hooks and cascades enqueue here instead of re-entering
// the transition pipeline.
type deferredOp struct {
	kind opKind

	instanceID  string
	event       model.Event
	causationID string

	// cascade
	rule   model.CascadingRule
	source store.InstanceRecord

	// create
	machineName string
	component   string
	context     map[string]interface{}
	parent      *ParentInfo

	// broadcast
	stateFilter string
}

func (r *Runtime) drainQueue() {
	for len(r.queue) > 0 {
		op := r.queue[0]
		r.queue = r.queue[1:]
		r.runOp(op)
	}
}

// runOp executes one deferred op. Ops that leave this runtime are
// parked on the remote list and flushed by the public entry point
// after the runtime lock is released; calling another runtime while
// holding our own lock would invite lock-order deadlocks between
// mutually cascading components.
func (r *Runtime) runOp(op deferredOp) {
	switch op.kind {
	case opDeliver:
		inst, ok := r.instances[op.instanceID]
		if !ok || inst.Status != store.StatusActive {
			// Instance terminated or was disposed while the event was queued.
			return
		}
		r.processEvent(inst, op.event, op.causationID)

	case opCascade:
		local := op.rule.TargetComponent == "" || op.rule.TargetComponent == r.component.Name
		if local {
			if _, err := r.broadcastLocked(op.rule.TargetMachine, op.rule.TargetStateFilter, nil, op.event); err != nil {
				r.emitCascadeFailed(op, err)
			}
			return
		}
		r.remote = append(r.remote, op)

	case opCreateLocal:
		if _, err := r.createLocked(op.machineName, op.context, op.parent); err != nil {
			r.logger.Errorf("deferred create of %s failed: %v", op.machineName, err)
		}

	case opCreateRemote, opBroadcastRemote:
		r.remote = append(r.remote, op)

	case opSendTo:
		if op.component == "" || op.component == r.component.Name {
			if _, ok := r.instances[op.instanceID]; ok {
				r.queue = append(r.queue, deferredOp{kind: opDeliver, instanceID: op.instanceID, event: op.event, causationID: op.causationID})
				return
			}
		}
		r.remote = append(r.remote, op)

	case opBroadcastLocal:
		if _, err := r.broadcastLocked(op.machineName, op.stateFilter, nil, op.event); err != nil {
			r.logger.Warnf("deferred broadcast to %s failed: %v", op.machineName, err)
		}
	}
}

// takeRemote detaches the parked remote ops. Caller must hold the lock.
func (r *Runtime) takeRemote() []deferredOp {
	ops := r.remote
	r.remote = nil
	return ops
}

// flushRemote executes router-bound ops without holding the runtime
// lock.
func (r *Runtime) flushRemote(ops []deferredOp) {
	for _, op := range ops {
		switch op.kind {
		case opCascade:
			if r.router == nil {
				r.emitCascadeFailed(op, fmt.Errorf("no router configured"))
				continue
			}
			if _, err := r.router.RouteCascade(op.source, op.rule, op.event); err != nil {
				r.emitCascadeFailed(op, err)
			}

		case opCreateRemote:
			if r.router == nil {
				r.logger.Errorf("no router: cannot create instance in component %s", op.component)
				continue
			}
			if _, err := r.router.CreateRemoteInstance(op.component, op.machineName, op.context, *op.parent); err != nil {
				r.logger.Errorf("remote create in %s failed: %v", op.component, err)
			}

		case opSendTo:
			if r.router == nil {
				r.logger.Warnf("no router: instance %s unreachable", op.instanceID)
				continue
			}
			if err := r.router.SendRemoteEvent(op.component, op.instanceID, op.event); err != nil {
				r.logger.Warnf("event to %s/%s failed: %v", op.component, op.instanceID, err)
			}

		case opBroadcastRemote:
			if r.router == nil {
				r.logger.Errorf("no router: cannot broadcast to component %s", op.component)
				continue
			}
			if _, err := r.router.BroadcastRemote(op.component, op.machineName, op.stateFilter, op.event); err != nil {
				r.logger.Warnf("remote broadcast to %s failed: %v", op.component, err)
			}
		}
	}
}

func (r *Runtime) emitCascadeFailed(op deferredOp, err error) {
	r.logger.Warnf("cascade from %s to %s/%s failed: %v",
		op.source.ID, op.rule.TargetComponent, op.rule.TargetMachine, err)
	r.Emit(LifecycleEvent{
		Type:          EventCascadeFailed,
		ComponentName: r.component.Name,
		Data: map[string]interface{}{
			"sourceInstanceId": op.source.ID,
			"targetComponent":  op.rule.TargetComponent,
			"targetMachine":    op.rule.TargetMachine,
			"event":            op.event,
			"error":            err.Error(),
		},
	})
}

// processEvent selects and executes one transition for (inst, event).
// No candidate is a silent no-op.
func (r *Runtime) processEvent(inst *Instance, event model.Event, causationID string) {
	machine := r.component.Machine(inst.MachineName)
	transition := r.selectTransition(machine, inst, event)
	if transition == nil {
		r.ignoredEvents++
		return
	}
	r.executeTransition(machine, inst, transition, event, causationID)
}

// selectTransition walks candidates in declaration order: event name,
// then matching rules, then guards, then the disambiguation expression.
func (r *Runtime) selectTransition(machine *model.StateMachine, inst *Instance, event model.Event) *model.Transition {
	for _, t := range machine.TransitionsFrom(inst.CurrentState) {
		if t.Event != event.Type {
			continue
		}
		if len(t.MatchingRules) > 0 && !matchRules(t.MatchingRules, event.Payload, inst.Context) {
			continue
		}
		if !r.evalGuards(t, inst, event) {
			continue
		}
		if t.Disambiguation != "" {
			expr, ok := r.exprs[t.Disambiguation]
			if !ok || !expr(inst.Context, event.Payload, inst.PublicMember) {
				continue
			}
		}
		return t
	}
	return nil
}

// matchRules evaluates every rule (AND) against (event payload,
// instance context). Unset paths fail the comparison.
func matchRules(rules []model.MatchingRule, payload, instCtx map[string]interface{}) bool {
	for _, rule := range rules {
		left, ok := model.Lookup(payload, rule.EventPath)
		if !ok {
			return false
		}
		right, ok := model.Lookup(instCtx, rule.InstancePath)
		if !ok {
			return false
		}
		if !model.Compare(rule.Operator, left, right) {
			return false
		}
	}
	return true
}

// evalGuards evaluates all guards of a transition; any failure rejects.
// "{{path}}" guard values resolve against the instance context.
func (r *Runtime) evalGuards(t *model.Transition, inst *Instance, event model.Event) bool {
	for _, g := range t.Guards {
		switch g.Kind {
		case model.GuardRequiredKeys:
			for _, key := range g.RequiredKeys {
				if _, ok := model.Lookup(event.Payload, key); !ok {
					return false
				}
			}

		case model.GuardComparison:
			var left interface{}
			var ok bool
			if g.Source == model.GuardSourceContext {
				left, ok = model.Lookup(inst.Context, g.Path)
			} else {
				left, ok = model.Lookup(event.Payload, g.Path)
			}
			if !ok {
				return false
			}
			right := g.Value
			if s, isStr := right.(string); isStr {
				if ref, isRef := model.IsTemplateRef(s); isRef {
					right, ok = model.Lookup(inst.Context, ref)
					if !ok {
						return false
					}
				}
			}
			if !model.Compare(g.Operator, left, right) {
				return false
			}

		case model.GuardExpression:
			expr, ok := r.exprs[g.Expression]
			if !ok {
				r.logger.Warnf("expression guard %q not registered, transition denied", g.Expression)
				return false
			}
			if !expr(inst.Context, event.Payload, inst.PublicMember) {
				return false
			}

		default:
			return false
		}
	}
	return true
}

// executeTransition runs the fixed transition ordering. Hook failures
// move the instance to error status; persistence failures roll the
// transition back.
func (r *Runtime) executeTransition(machine *model.StateMachine, inst *Instance, t *model.Transition, event model.Event, causationID string) {
	previousState := inst.CurrentState
	prevEnteredAt := inst.enteredStateAt
	selfLoop := t.SelfLoop()
	stateChanges := t.From != t.To

	// Ops enqueued by an aborted transition must not survive it.
	queueMark := len(r.queue)

	prevState := machine.State(previousState)
	newState := machine.State(t.To)

	// Exit hook of the previous state.
	if prevState != nil && prevState.ExitHook != "" {
		if err := r.invokeHook(prevState.ExitHook, inst, &event); err != nil {
			r.queue = r.queue[:queueMark]
			r.failInstance(inst, &event, err)
			return
		}
	}

	// Triggered hook of the transition.
	if t.TriggeredHook != "" {
		if err := r.invokeHook(t.TriggeredHook, inst, &event); err != nil {
			r.queue = r.queue[:queueMark]
			r.failInstance(inst, &event, err)
			return
		}
	}

	// State assignment. Internal transitions and self-loops keep the
	// name; the update timestamp always advances.
	now := time.Now()
	inst.UpdatedAt = now
	if stateChanges {
		r.unindexState(inst, previousState)
		inst.CurrentState = t.To
		inst.enteredStateAt = now
		r.indexState(inst)
	}

	if stateChanges {
		// Entry hook of the new state.
		if newState != nil && newState.EntryHook != "" {
			if err := r.invokeHook(newState.EntryHook, inst, &event); err != nil {
				r.queue = r.queue[:queueMark]
				r.failInstance(inst, &event, err)
				return
			}
		}

		// Cascading rules of the new state, enqueued for delivery after
		// this transition completes. Best-effort.
		if newState != nil {
			for _, rule := range newState.CascadingRules {
				payload := model.ExpandPayload(rule.Payload, inst.Context)
				r.queue = append(r.queue, deferredOp{
					kind:   opCascade,
					rule:   rule,
					source: inst.Record(),
					event:  model.Event{Type: rule.Event, Payload: payload},
				})
			}
		}

		r.enqueueAutoTransitions(inst)
	}

	// Timer discipline.
	if selfLoop {
		r.resetSelfLoopTimers(inst, machine)
	} else {
		r.cancelAllTimers(inst)
		r.armTimers(inst, machine, inst.CurrentState)
	}

	// Parent notification.
	r.notifyParent(machine, inst, t, causationID)

	// Inter-machine / cross-component creation and dispatch.
	r.runLinkedTargets(inst, t, event, causationID)

	// Persist; failure rolls the transition back.
	eventID := uuid.New().String()
	if r.persistence != nil {
		terminal := newState != nil && newState.Kind.Terminal()
		rec := inst.Record()
		persisted := &store.PersistedEvent{
			ID:            eventID,
			InstanceID:    inst.ID,
			MachineName:   inst.MachineName,
			ComponentName: r.component.Name,
			Event:         event,
			StateBefore:   previousState,
			StateAfter:    inst.CurrentState,
			Timestamp:     now,
			CausationID:   causationID,
		}
		if err := r.persistence.RecordTransition(&rec, persisted, terminal); err != nil {
			r.queue = r.queue[:queueMark]
			r.rollback(machine, inst, previousState, prevEnteredAt, err)
			return
		}
	}

	r.Emit(LifecycleEvent{
		Type:          EventStateChange,
		ComponentName: r.component.Name,
		Data:          stateChangeData(inst, previousState, event, eventID),
	})

	// Terminal states deallocate unless the instance is the entry point.
	if newState != nil && newState.Kind.Terminal() {
		if newState.Kind == model.StateKindError {
			inst.Status = store.StatusError
		} else {
			inst.Status = store.StatusCompleted
		}
		if inst.IsEntryPoint {
			r.cancelAllTimers(inst)
			return
		}
		r.disposeLocked(inst.ID)
	}
}

// enqueueAutoTransitions probes auto transitions out of the instance's
// new state: their synthesized event runs through normal selection, so
// guards decide whether anything fires.
func (r *Runtime) enqueueAutoTransitions(inst *Instance) {
	machine := r.component.Machine(inst.MachineName)
	seen := make(map[string]bool)
	for _, t := range machine.TransitionsFrom(inst.CurrentState) {
		if t.Kind != model.TransitionAuto || seen[t.Event] {
			continue
		}
		seen[t.Event] = true
		r.queue = append(r.queue, deferredOp{kind: opDeliver, instanceID: inst.ID, event: model.Event{Type: t.Event}, causationID: inst.ID})
	}
}

func (r *Runtime) notifyParent(machine *model.StateMachine, inst *Instance, t *model.Transition, causationID string) {
	if inst.ParentInstanceID == "" {
		return
	}

	var eventName string
	includeState, includeContext := true, false
	switch {
	case t.NotifyParent != nil:
		eventName = t.NotifyParent.Event
		if t.NotifyParent.IncludeState != nil {
			includeState = *t.NotifyParent.IncludeState
		}
		if t.NotifyParent.IncludeContext != nil {
			includeContext = *t.NotifyParent.IncludeContext
		}
	case machine.ParentLink != nil:
		eventName = machine.ParentLink.OnStateChange
		if machine.ParentLink.IncludeState != nil {
			includeState = *machine.ParentLink.IncludeState
		}
		if machine.ParentLink.IncludeContext != nil {
			includeContext = *machine.ParentLink.IncludeContext
		}
	default:
		return
	}

	payload := map[string]interface{}{
		"childInstanceId": inst.ID,
		"childMachine":    inst.MachineName,
	}
	if includeState {
		payload["childState"] = inst.CurrentState
	}
	if includeContext {
		payload["childContext"] = copyTree(inst.Context)
	}

	r.queue = append(r.queue, deferredOp{
		kind:        opSendTo,
		instanceID:  inst.ParentInstanceID,
		component:   inst.ParentComponentName,
		event:       model.Event{Type: eventName, Payload: payload},
		causationID: causationID,
	})
}

// runLinkedTargets handles the inter_machine / cross_component legs of
// a transition: creation when no target event is declared, matched
// dispatch otherwise.
func (r *Runtime) runLinkedTargets(inst *Instance, t *model.Transition, event model.Event, causationID string) {
	if t.Kind != model.TransitionInterMachine && t.Kind != model.TransitionCrossComponent {
		return
	}

	if t.TargetEvent == "" {
		// Creation: forward the mapped context (or the whole of it) and
		// link parent info.
		ctx := copyTree(inst.Context)
		if len(t.ContextMapping) > 0 {
			mapped := make(map[string]interface{}, len(t.ContextMapping))
			for srcKey, dstKey := range t.ContextMapping {
				if v, ok := model.Lookup(inst.Context, srcKey); ok {
					mapped[dstKey] = v
				}
			}
			ctx = mapped
		}
		parent := &ParentInfo{
			InstanceID:    inst.ID,
			MachineName:   inst.MachineName,
			ComponentName: r.component.Name,
		}
		if t.Kind == model.TransitionInterMachine || t.TargetComponent == "" || t.TargetComponent == r.component.Name {
			r.queue = append(r.queue, deferredOp{kind: opCreateLocal, machineName: t.TargetMachine, context: ctx, parent: parent})
		} else {
			r.queue = append(r.queue, deferredOp{kind: opCreateRemote, component: t.TargetComponent, machineName: t.TargetMachine, context: ctx, parent: parent})
		}
		return
	}

	// Dispatch: route the target event to matching instances of the
	// target machine.
	derived := model.Event{Type: t.TargetEvent, Payload: event.Payload}
	if t.TargetComponent == "" || t.TargetComponent == r.component.Name {
		r.queue = append(r.queue, deferredOp{kind: opBroadcastLocal, machineName: t.TargetMachine, event: derived, causationID: causationID})
	} else {
		r.queue = append(r.queue, deferredOp{kind: opBroadcastRemote, component: t.TargetComponent, machineName: t.TargetMachine, event: derived})
	}
}

func (r *Runtime) invokeHook(name string, inst *Instance, event *model.Event) error {
	hook, ok := r.hooks[name]
	if !ok {
		return fmt.Errorf("runtime: hook %q not registered", name)
	}
	hc := &HookContext{
		Instance: inst,
		Event:    event,
		Sender:   newSender(r, inst),
	}
	defer func() {
		hc.Sender.invalidate()
	}()
	return hook(context.Background(), hc)
}

// failInstance implements the HookFailure path: error status,
// instance_error, a persisted event with the error sentinel, timers
// cancelled. The instance stays resident but rejects further events.
func (r *Runtime) failInstance(inst *Instance, event *model.Event, cause error) {
	r.logger.Errorf("instance %s failed in state %s: %v", inst.ID, inst.CurrentState, cause)

	previousState := inst.CurrentState
	inst.Status = store.StatusError
	inst.UpdatedAt = time.Now()
	r.cancelAllTimers(inst)

	if r.persistence != nil {
		var ev model.Event
		if event != nil {
			ev = *event
		}
		rec := inst.Record()
		persisted := &store.PersistedEvent{
			ID:            uuid.New().String(),
			InstanceID:    inst.ID,
			MachineName:   inst.MachineName,
			ComponentName: r.component.Name,
			Event:         ev,
			StateBefore:   previousState,
			StateAfter:    ErrorStateSentinel,
			Timestamp:     inst.UpdatedAt,
		}
		if err := r.persistence.RecordTransition(&rec, persisted, true); err != nil {
			r.logger.Errorf("persisting error event for %s failed: %v", inst.ID, err)
		}
	}

	r.Emit(LifecycleEvent{
		Type:          EventInstanceError,
		ComponentName: r.component.Name,
		Data: map[string]interface{}{
			"instanceId":  inst.ID,
			"machineName": inst.MachineName,
			"state":       previousState,
			"error":       cause.Error(),
			"instance":    inst.Record(),
		},
	})
}

// rollback undoes an attempted transition after a persistence failure:
// state restored, timers of the attempted state cancelled, timers of
// the previous state rearmed.
func (r *Runtime) rollback(machine *model.StateMachine, inst *Instance, previousState string, prevEnteredAt time.Time, cause error) {
	r.logger.Errorf("persistence failed for %s, rolling back %s -> %s: %v",
		inst.ID, previousState, inst.CurrentState, cause)

	if inst.CurrentState != previousState {
		r.unindexState(inst, inst.CurrentState)
		inst.CurrentState = previousState
		inst.enteredStateAt = prevEnteredAt
		r.indexState(inst)
	}
	r.cancelAllTimers(inst)
	r.armTimers(inst, machine, previousState)

	r.Emit(LifecycleEvent{
		Type:          EventInstanceError,
		ComponentName: r.component.Name,
		Data: map[string]interface{}{
			"instanceId":  inst.ID,
			"machineName": inst.MachineName,
			"state":       previousState,
			"error":       cause.Error(),
			"rolledBack":  true,
		},
	})
}

// armTimers schedules every timeout transition out of state.
func (r *Runtime) armTimers(inst *Instance, machine *model.StateMachine, state string) {
	for _, t := range machine.TimeoutTransitionsFrom(state) {
		r.armTimer(inst, t, time.Duration(t.TimeoutMs)*time.Millisecond)
	}
}

func (r *Runtime) armTimer(inst *Instance, t *model.Transition, delay time.Duration) {
	id := inst.ID
	eventName := t.Event
	handle := r.wheel.Schedule(delay, func() {
		// A fired timer synthesizes the timeout event and feeds it
		// through the same serialization point as external events.
		if err := r.SendEvent(id, model.Event{Type: eventName}); err != nil {
			r.logger.Debugf("timeout %s for %s dropped: %v", eventName, id, err)
		}
	})
	inst.timers[eventName] = handle
}

// resetSelfLoopTimers applies the self-loop discipline: armed timeout
// transitions of the current state rearm with their original delay
// when resetOnTransition is set, and are left untouched otherwise.
func (r *Runtime) resetSelfLoopTimers(inst *Instance, machine *model.StateMachine) {
	for _, t := range machine.TimeoutTransitionsFrom(inst.CurrentState) {
		handle, armed := inst.timers[t.Event]
		if !armed {
			continue
		}
		if !t.ResetsTimers() {
			continue
		}
		r.wheel.Cancel(handle)
		r.armTimer(inst, t, time.Duration(t.TimeoutMs)*time.Millisecond)
	}
}

func (r *Runtime) cancelAllTimers(inst *Instance) {
	for name, handle := range inst.timers {
		r.wheel.Cancel(handle)
		delete(inst.timers, name)
	}
}

