// Package runtime executes one component's state machine instances:
// transition selection, guard evaluation, hook invocation with deferred
// event queueing, property-based event routing, timeout scheduling and
// auto-deallocation. One Runtime owns all instances of one component;
// instances advance serially, different runtimes in parallel.
package runtime

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/machina-io/machina/pkg/core"
	"github.com/machina-io/machina/pkg/model"
	"github.com/machina-io/machina/pkg/store"
	"github.com/machina-io/machina/pkg/timer"
)

var (
	// ErrUnknownInstance is returned when the addressed instance does not exist.
	ErrUnknownInstance = errors.New("runtime: unknown instance")

	// ErrUnknownMachine is returned when the addressed machine is not declared.
	ErrUnknownMachine = errors.New("runtime: unknown machine")

	// ErrInvalidState is returned when sending an event to a terminated instance.
	ErrInvalidState = errors.New("runtime: instance is not active")
)

// ErrorStateSentinel is recorded as state-after when a hook failure
// moves an instance to error status without a declared error state.
const ErrorStateSentinel = "__error__"

// Persistence is the slice of the persistence manager the runtime
// depends on. Appends are durable before the runtime emits
// state_change to external consumers.
type Persistence interface {
	// RecordCreation appends the creation event and writes the initial
	// snapshot.
	RecordCreation(rec *store.InstanceRecord, event *store.PersistedEvent) error

	// RecordTransition appends the event and snapshots per cadence.
	// terminal forces a snapshot regardless of the counter.
	RecordTransition(rec *store.InstanceRecord, event *store.PersistedEvent, terminal bool) error
}

// Router routes cascades, creations and events whose target lives
// outside this runtime. Implemented by the component registry.
type Router interface {
	// RouteCascade delivers a cascading rule's derived event to the
	// target component. Returns the number of instances reached when
	// known (0 for deferred broker dispatch).
	RouteCascade(source store.InstanceRecord, rule model.CascadingRule, event model.Event) (int, error)

	// CreateRemoteInstance creates an instance in another component.
	// Returns the new id when created locally, "" when deferred.
	CreateRemoteInstance(component, machine string, context map[string]interface{}, parent ParentInfo) (string, error)

	// SendRemoteEvent delivers an event to an instance of another component.
	SendRemoteEvent(component, instanceID string, event model.Event) error

	// BroadcastRemote property-routes an event in another component.
	BroadcastRemote(component, machine, stateFilter string, event model.Event) (int, error)
}

// Config configures a Runtime.
type Config struct {
	// Persistence is optional; without it the runtime is volatile.
	Persistence Persistence

	// Router is optional; without it cross-component targets fail.
	Router Router

	// Wheel is the timer wheel. A private wheel is created when nil.
	Wheel *timer.Wheel

	Logger core.Logger
}

// Runtime owns one component's instances and executes their transitions.
type Runtime struct {
	component *model.Component

	mu         sync.Mutex
	instances  map[string]*Instance
	byMachine  map[string]map[string]*Instance
	byState    map[string]map[string]map[string]*Instance // machine -> state -> id
	hooks      map[string]HookFunc
	exprs      map[string]ExprFunc
	processing bool
	queue      []deferredOp
	remote     []deferredOp

	entryCreated bool

	ignoredEvents uint64

	persistence Persistence
	router      Router
	wheel       *timer.Wheel
	ownWheel    bool

	listenerMu sync.RWMutex
	listeners  []Listener
	emitCh     chan LifecycleEvent
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup

	logger core.Logger
}

// New creates a runtime for a validated component model and starts its
// dispatch machinery.
func New(component *model.Component, cfg Config) (*Runtime, error) {
	if component == nil {
		return nil, fmt.Errorf("runtime: component model is required")
	}
	if err := model.Validate(component); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	wheel := cfg.Wheel
	ownWheel := false
	if wheel == nil {
		wheel = timer.NewWheel(timer.DefaultWheelConfig())
		ownWheel = true
	}

	r := &Runtime{
		component:   component,
		instances:   make(map[string]*Instance),
		byMachine:   make(map[string]map[string]*Instance),
		byState:     make(map[string]map[string]map[string]*Instance),
		hooks:       make(map[string]HookFunc),
		exprs:       make(map[string]ExprFunc),
		persistence: cfg.Persistence,
		router:      cfg.Router,
		wheel:       wheel,
		ownWheel:    ownWheel,
		emitCh:      make(chan LifecycleEvent, 1024),
		done:        make(chan struct{}),
		logger:      logger.WithFields(map[string]interface{}{"component": component.Name}),
	}

	wheel.Start()
	r.wg.Add(1)
	go r.dispatchLoop()
	return r, nil
}

// ComponentName returns the owned component's name.
func (r *Runtime) ComponentName() string {
	return r.component.Name
}

// ComponentModel returns the immutable component model.
func (r *Runtime) ComponentModel() *model.Component {
	return r.component
}

// Close cancels the instances' armed timers, then stops the dispatcher
// and, if owned, the timer wheel. Instances are left untouched;
// persistence holds their durable form.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		for _, inst := range r.instances {
			r.cancelAllTimers(inst)
		}
		r.mu.Unlock()
		if r.ownWheel {
			r.wheel.Stop()
		}
		close(r.done)
		r.wg.Wait()
	})
}

// CreateInstance materializes a new instance of machineName in its
// initial state, persists the creation, schedules initial timeouts,
// runs the initial state's entry hook and emits instance_created.
func (r *Runtime) CreateInstance(machineName string, context map[string]interface{}, parent *ParentInfo) (string, error) {
	r.mu.Lock()
	id, err := r.createLocked(machineName, context, parent)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	r.processing = true
	r.drainQueue()
	r.processing = false
	remote := r.takeRemote()
	r.mu.Unlock()

	r.flushRemote(remote)
	return id, nil
}

func (r *Runtime) createLocked(machineName string, context map[string]interface{}, parent *ParentInfo) (string, error) {
	machine := r.component.Machine(machineName)
	if machine == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownMachine, machineName)
	}

	now := time.Now()
	inst := &Instance{
		ID:            uuid.New().String(),
		ComponentName: r.component.Name,
		MachineName:   machineName,
		CurrentState:  machine.InitialState,
		Context:       copyTree(context),
		Status:        store.StatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
		enteredStateAt: now,
		timers:        make(map[string]timer.Handle),
	}
	if inst.Context == nil {
		inst.Context = make(map[string]interface{})
	}
	if parent != nil {
		inst.ParentInstanceID = parent.InstanceID
		inst.ParentMachineName = parent.MachineName
		inst.ParentComponentName = parent.ComponentName
	}
	if r.component.EntryMachine == machineName && !r.entryCreated {
		inst.IsEntryPoint = true
		r.entryCreated = true
	}

	if r.persistence != nil {
		rec := inst.Record()
		event := &store.PersistedEvent{
			ID:            uuid.New().String(),
			InstanceID:    inst.ID,
			MachineName:   machineName,
			ComponentName: r.component.Name,
			Event:         model.Event{Type: "__create__"},
			StateBefore:   "",
			StateAfter:    machine.InitialState,
			Timestamp:     now,
		}
		if err := r.persistence.RecordCreation(&rec, event); err != nil {
			return "", fmt.Errorf("runtime: persist creation: %w", err)
		}
	}

	r.index(inst)
	r.armTimers(inst, machine, machine.InitialState)
	r.enqueueAutoTransitions(inst)

	wasProcessing := r.processing
	r.processing = true
	initial := machine.State(machine.InitialState)
	if initial != nil && initial.EntryHook != "" {
		if err := r.invokeHook(initial.EntryHook, inst, nil); err != nil {
			r.failInstance(inst, nil, err)
			r.processing = wasProcessing
			return inst.ID, nil
		}
	}
	r.processing = wasProcessing

	r.Emit(LifecycleEvent{
		Type:          EventInstanceCreated,
		ComponentName: r.component.Name,
		Data:          instanceData(inst.Record()),
	})
	return inst.ID, nil
}

// SendEvent routes an event to an instance. Delivery is serialized per
// runtime: events arriving while a transition is in flight queue behind
// it. A nil error means the event was accepted for processing; guard
// misses and unknown events are silent no-ops.
func (r *Runtime) SendEvent(instanceID string, event model.Event) error {
	r.mu.Lock()
	err := r.sendEventLocked(instanceID, event, "")
	remote := r.takeRemote()
	r.mu.Unlock()

	r.flushRemote(remote)
	return err
}

func (r *Runtime) sendEventLocked(instanceID string, event model.Event, causationID string) error {
	if r.processing {
		r.queue = append(r.queue, deferredOp{kind: opDeliver, instanceID: instanceID, event: event, causationID: causationID})
		return nil
	}

	inst, ok := r.instances[instanceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	if inst.Status != store.StatusActive {
		return fmt.Errorf("%w: %s (status %s)", ErrInvalidState, instanceID, inst.Status)
	}

	r.processing = true
	r.processEvent(inst, event, causationID)
	r.drainQueue()
	r.processing = false
	return nil
}

// BroadcastEvent routes one event to every instance of machineName
// (optionally restricted to currentStateFilter) whose best-matching
// transition's matching rules accept the event payload. Returns the
// number of instances that received the event.
func (r *Runtime) BroadcastEvent(machineName, currentStateFilter string, event model.Event) (int, error) {
	return r.BroadcastEventFiltered(machineName, currentStateFilter, nil, event)
}

// BroadcastEventFiltered additionally restricts candidates by external
// filters on the instance context: each key is a dotted path, each
// value either a literal (compared with ===) or an object
// {"operator": ..., "value": ...} using the standard operator set.
func (r *Runtime) BroadcastEventFiltered(machineName, currentStateFilter string, filters map[string]interface{}, event model.Event) (int, error) {
	r.mu.Lock()
	n, err := r.broadcastLocked(machineName, currentStateFilter, filters, event)
	remote := r.takeRemote()
	r.mu.Unlock()

	r.flushRemote(remote)
	return n, err
}

func (r *Runtime) broadcastLocked(machineName, currentStateFilter string, filters map[string]interface{}, event model.Event) (int, error) {
	machine := r.component.Machine(machineName)
	if machine == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMachine, machineName)
	}

	targets := r.matchCandidates(machine, currentStateFilter, filters, event)
	for _, id := range targets {
		if err := r.sendEventLocked(id, event, ""); err != nil {
			r.logger.Warnf("broadcast delivery to %s failed: %v", id, err)
		}
	}
	return len(targets), nil
}

// matchCandidates returns the ids of instances whose best-matching
// transition accepts the event under its matching rules and whose
// context passes the external filters.
func (r *Runtime) matchCandidates(machine *model.StateMachine, stateFilter string, filters map[string]interface{}, event model.Event) []string {
	var targets []string
	for _, inst := range r.byMachine[machine.Name] {
		if inst.Status != store.StatusActive {
			continue
		}
		if stateFilter != "" && inst.CurrentState != stateFilter {
			continue
		}
		if !matchFilters(filters, inst.Context) {
			continue
		}
		t := r.bestTransitionFor(machine, inst, event.Type)
		if t == nil {
			continue
		}
		if matchRules(t.MatchingRules, event.Payload, inst.Context) {
			targets = append(targets, inst.ID)
		}
	}
	return targets
}

// matchFilters applies external broadcast filters against the instance
// context. Unset paths fail.
func matchFilters(filters map[string]interface{}, instCtx map[string]interface{}) bool {
	for path, spec := range filters {
		left, ok := model.Lookup(instCtx, path)
		if !ok {
			return false
		}
		operator := model.OpEqual
		value := spec
		if obj, isObj := spec.(map[string]interface{}); isObj {
			if op, ok := obj["operator"].(string); ok {
				operator = op
			}
			value = obj["value"]
		}
		if !model.Compare(operator, left, value) {
			return false
		}
	}
	return true
}

// bestTransitionFor returns the first declared transition out of the
// instance's state for the event name, without evaluating guards.
func (r *Runtime) bestTransitionFor(machine *model.StateMachine, inst *Instance, eventType string) *model.Transition {
	for _, t := range machine.TransitionsFrom(inst.CurrentState) {
		if t.Event == eventType {
			return t
		}
	}
	return nil
}

// AvailableTransitions enumerates transitions out of the instance's
// current state whose guards pass against a null payload. Best-effort,
// intended for UI surfaces.
func (r *Runtime) AvailableTransitions(instanceID string) ([]model.Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	machine := r.component.Machine(inst.MachineName)
	var out []model.Transition
	for _, t := range machine.TransitionsFrom(inst.CurrentState) {
		if r.evalGuards(t, inst, model.Event{Type: t.Event}) {
			out = append(out, *t)
		}
	}
	return out, nil
}

// DisposeInstance cancels timers, removes the instance from all
// indexes, writes a terminal snapshot and emits instance_disposed.
// No-op if the instance is unknown.
func (r *Runtime) DisposeInstance(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposeLocked(instanceID)
}

func (r *Runtime) disposeLocked(instanceID string) {
	inst, ok := r.instances[instanceID]
	if !ok {
		return
	}
	r.cancelAllTimers(inst)
	r.unindex(inst)

	if r.persistence != nil {
		rec := inst.Record()
		if err := r.persistence.RecordTransition(&rec, nil, true); err != nil {
			r.logger.Errorf("terminal snapshot for %s failed: %v", inst.ID, err)
		}
	}

	r.Emit(LifecycleEvent{
		Type:          EventInstanceDisposed,
		ComponentName: r.component.Name,
		Data:          instanceData(inst.Record()),
	})
}

// Instance returns a snapshot record of one instance.
func (r *Runtime) Instance(instanceID string) (store.InstanceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceID]
	if !ok {
		return store.InstanceRecord{}, false
	}
	return inst.Record(), true
}

// Instances returns snapshot records of all instances, optionally
// filtered by machine name.
func (r *Runtime) Instances(machineName string) []store.InstanceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []store.InstanceRecord
	if machineName != "" {
		for _, inst := range r.byMachine[machineName] {
			out = append(out, inst.Record())
		}
		return out
	}
	for _, inst := range r.instances {
		out = append(out, inst.Record())
	}
	return out
}

// HasInstance reports whether the instance is resident.
func (r *Runtime) HasInstance(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.instances[instanceID]
	return ok
}

// Adopt inserts a restored instance without running hooks, cascades or
// timers. Used by the persistence manager during restore.
func (r *Runtime) Adopt(rec store.InstanceRecord, enteredStateAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.component.Machine(rec.MachineName) == nil {
		return fmt.Errorf("%w: %s", ErrUnknownMachine, rec.MachineName)
	}
	inst := instanceFromRecord(rec, enteredStateAt)
	r.index(inst)
	if inst.IsEntryPoint {
		r.entryCreated = true
	}
	return nil
}

// ResyncTimeouts arms timers for restored instances: expired timeouts
// fire immediately, pending ones are armed for the remainder. Returns
// (synced, expired).
func (r *Runtime) ResyncTimeouts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	synced, expired := 0, 0
	for _, inst := range r.instances {
		if inst.Status != store.StatusActive {
			continue
		}
		machine := r.component.Machine(inst.MachineName)
		for _, t := range machine.TimeoutTransitionsFrom(inst.CurrentState) {
			elapsed := now.Sub(inst.enteredStateAt)
			remaining := time.Duration(t.TimeoutMs)*time.Millisecond - elapsed
			if remaining <= 0 {
				r.queue = append(r.queue, deferredOp{kind: opDeliver, instanceID: inst.ID, event: model.Event{Type: t.Event}})
				expired++
				continue
			}
			r.armTimer(inst, t, remaining)
			synced++
		}
	}
	if !r.processing {
		r.processing = true
		r.drainQueue()
		r.processing = false
	}
	remote := r.takeRemote()
	r.mu.Unlock()
	r.flushRemote(remote)
	r.mu.Lock()
	return synced, expired
}

// IgnoredEvents returns the count of silently ignored events (unknown
// event names and guard misses).
func (r *Runtime) IgnoredEvents() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ignoredEvents
}

// QueueDepth returns the current deferred-queue depth.
func (r *Runtime) QueueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *Runtime) index(inst *Instance) {
	r.instances[inst.ID] = inst
	if r.byMachine[inst.MachineName] == nil {
		r.byMachine[inst.MachineName] = make(map[string]*Instance)
	}
	r.byMachine[inst.MachineName][inst.ID] = inst
	r.indexState(inst)
}

func (r *Runtime) indexState(inst *Instance) {
	if r.byState[inst.MachineName] == nil {
		r.byState[inst.MachineName] = make(map[string]map[string]*Instance)
	}
	if r.byState[inst.MachineName][inst.CurrentState] == nil {
		r.byState[inst.MachineName][inst.CurrentState] = make(map[string]*Instance)
	}
	r.byState[inst.MachineName][inst.CurrentState][inst.ID] = inst
}

func (r *Runtime) unindexState(inst *Instance, state string) {
	if byState, ok := r.byState[inst.MachineName]; ok {
		if m, ok := byState[state]; ok {
			delete(m, inst.ID)
		}
	}
}

func (r *Runtime) unindex(inst *Instance) {
	delete(r.instances, inst.ID)
	if m, ok := r.byMachine[inst.MachineName]; ok {
		delete(m, inst.ID)
	}
	r.unindexState(inst, inst.CurrentState)
}
