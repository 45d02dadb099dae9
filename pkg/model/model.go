// Package model holds the in-memory representation of a declarative
// component document: state machines, states, transitions, guards,
// matching rules and cascading rules. The document parser produces this
// model; the runtime executes it. Definitions are JSON/YAML-serializable
// and immutable after load.
package model

// StateKind classifies a state.
type StateKind string

const (
	StateKindEntry   StateKind = "entry"
	StateKindRegular StateKind = "regular"
	StateKindFinal   StateKind = "final"
	StateKindError   StateKind = "error"
)

// Terminal reports whether a state of this kind ends the instance.
func (k StateKind) Terminal() bool {
	return k == StateKindFinal || k == StateKindError
}

// TransitionKind classifies a transition.
type TransitionKind string

const (
	TransitionRegular        TransitionKind = "regular"
	TransitionTriggerable    TransitionKind = "triggerable"
	TransitionInternal       TransitionKind = "internal"
	TransitionTimeout        TransitionKind = "timeout"
	TransitionAuto           TransitionKind = "auto"
	TransitionInterMachine   TransitionKind = "inter_machine"
	TransitionCrossComponent TransitionKind = "cross_component"
)

// Component is a named, versioned bundle of state machines.
type Component struct {
	Name         string                 `json:"name" yaml:"name"`
	Version      string                 `json:"version,omitempty" yaml:"version,omitempty"`
	EntryMachine string                 `json:"entryMachine,omitempty" yaml:"entryMachine,omitempty"`
	Machines     []StateMachine         `json:"machines" yaml:"machines"`
	Settings     map[string]interface{} `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// Machine returns the machine with the given name, or nil.
func (c *Component) Machine(name string) *StateMachine {
	for i := range c.Machines {
		if c.Machines[i].Name == name {
			return &c.Machines[i]
		}
	}
	return nil
}

// ParentLink configures automatic parent notification for every state
// change of a machine's instances.
type ParentLink struct {
	OnStateChange  string `json:"onStateChange" yaml:"onStateChange"`
	IncludeState   *bool  `json:"includeState,omitempty" yaml:"includeState,omitempty"`
	IncludeContext *bool  `json:"includeContext,omitempty" yaml:"includeContext,omitempty"`
}

// StateMachine is a named FSM schema: states plus transitions with a
// designated initial state. Transitions are kept at machine level in
// declaration order; selection depends on that order.
type StateMachine struct {
	Name             string                 `json:"name" yaml:"name"`
	InitialState     string                 `json:"initialState" yaml:"initialState"`
	PublicMemberType string                 `json:"publicMemberType,omitempty" yaml:"publicMemberType,omitempty"`
	ParentLink       *ParentLink            `json:"parentLink,omitempty" yaml:"parentLink,omitempty"`
	ContextSchema    map[string]interface{} `json:"contextSchema,omitempty" yaml:"contextSchema,omitempty"`
	States           []State                `json:"states" yaml:"states"`
	Transitions      []Transition           `json:"transitions" yaml:"transitions"`
}

// State returns the state with the given name, or nil.
func (m *StateMachine) State(name string) *State {
	for i := range m.States {
		if m.States[i].Name == name {
			return &m.States[i]
		}
	}
	return nil
}

// TransitionsFrom returns the transitions leaving the given state, in
// declaration order.
func (m *StateMachine) TransitionsFrom(state string) []*Transition {
	var out []*Transition
	for i := range m.Transitions {
		if m.Transitions[i].From == state {
			out = append(out, &m.Transitions[i])
		}
	}
	return out
}

// TimeoutTransitionsFrom returns the timeout transitions leaving the
// given state, in declaration order.
func (m *StateMachine) TimeoutTransitionsFrom(state string) []*Transition {
	var out []*Transition
	for i := range m.Transitions {
		t := &m.Transitions[i]
		if t.From == state && t.Kind == TransitionTimeout {
			out = append(out, t)
		}
	}
	return out
}

// State is a node in a machine: name, kind, optional entry/exit hook
// identifiers and cascading rules fired on entry.
type State struct {
	Name           string          `json:"name" yaml:"name"`
	Kind           StateKind       `json:"kind,omitempty" yaml:"kind,omitempty"`
	EntryHook      string          `json:"entryHook,omitempty" yaml:"entryHook,omitempty"`
	ExitHook       string          `json:"exitHook,omitempty" yaml:"exitHook,omitempty"`
	CascadingRules []CascadingRule `json:"cascadingRules,omitempty" yaml:"cascadingRules,omitempty"`
}

// ParentNotify configures per-transition parent notification.
type ParentNotify struct {
	Event          string `json:"event" yaml:"event"`
	IncludeState   *bool  `json:"includeState,omitempty" yaml:"includeState,omitempty"`
	IncludeContext *bool  `json:"includeContext,omitempty" yaml:"includeContext,omitempty"`
}

// Transition is an edge between two states, triggered by a named event.
type Transition struct {
	From  string         `json:"from" yaml:"from"`
	To    string         `json:"to" yaml:"to"`
	Event string         `json:"event" yaml:"event"`
	Kind  TransitionKind `json:"kind,omitempty" yaml:"kind,omitempty"`

	Guards         []Guard        `json:"guards,omitempty" yaml:"guards,omitempty"`
	MatchingRules  []MatchingRule `json:"matchingRules,omitempty" yaml:"matchingRules,omitempty"`
	Disambiguation string         `json:"disambiguation,omitempty" yaml:"disambiguation,omitempty"`
	TriggeredHook  string         `json:"triggeredHook,omitempty" yaml:"triggeredHook,omitempty"`

	// Timeout kind only.
	TimeoutMs         int64 `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	ResetOnTransition *bool `json:"resetOnTransition,omitempty" yaml:"resetOnTransition,omitempty"`

	// Inter-machine / cross-component kinds only.
	TargetMachine   string            `json:"targetMachine,omitempty" yaml:"targetMachine,omitempty"`
	TargetComponent string            `json:"targetComponent,omitempty" yaml:"targetComponent,omitempty"`
	TargetEvent     string            `json:"targetEvent,omitempty" yaml:"targetEvent,omitempty"`
	ContextMapping  map[string]string `json:"contextMapping,omitempty" yaml:"contextMapping,omitempty"`

	NotifyParent *ParentNotify `json:"notifyParent,omitempty" yaml:"notifyParent,omitempty"`
}

// SelfLoop reports whether the transition returns to its own state.
// Internal transitions are not self-loops even when from == to.
func (t *Transition) SelfLoop() bool {
	return t.From == t.To && t.Kind != TransitionInternal
}

// ResetsTimers reports the resetOnTransition flag (default true).
func (t *Transition) ResetsTimers() bool {
	return t.ResetOnTransition == nil || *t.ResetOnTransition
}

// GuardKind discriminates the guard variants.
type GuardKind string

const (
	GuardRequiredKeys GuardKind = "required_keys"
	GuardComparison   GuardKind = "comparison"
	GuardExpression   GuardKind = "expression"
)

// GuardSource selects where a comparison guard reads its left operand.
type GuardSource string

const (
	GuardSourceEvent   GuardSource = "event"
	GuardSourceContext GuardSource = "context"
)

// Guard is one of: required-keys-present, a typed comparison on the
// event payload or instance context, or a named expression evaluated
// against (context, event, publicMember).
type Guard struct {
	Kind GuardKind `json:"kind" yaml:"kind"`

	// required_keys
	RequiredKeys []string `json:"requiredKeys,omitempty" yaml:"requiredKeys,omitempty"`

	// comparison. Value may be a literal or a "{{path}}" reference
	// resolved against the instance context.
	Source   GuardSource `json:"source,omitempty" yaml:"source,omitempty"`
	Path     string      `json:"path,omitempty" yaml:"path,omitempty"`
	Operator string      `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`

	// expression: name of a registered ExprFunc.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// MatchingRule routes an incoming event to instances whose context
// values satisfy the rule. Rules on a transition combine with AND.
type MatchingRule struct {
	EventPath    string `json:"eventPath" yaml:"eventPath"`
	InstancePath string `json:"instancePath" yaml:"instancePath"`
	Operator     string `json:"operator,omitempty" yaml:"operator,omitempty"`
}

// CascadingRule declares a side effect on state entry: dispatch a
// derived event to a target machine, optionally in another component.
// String payload values may embed {{sourcePath}} references expanded
// against the source instance context.
type CascadingRule struct {
	TargetMachine     string                 `json:"targetMachine" yaml:"targetMachine"`
	TargetComponent   string                 `json:"targetComponent,omitempty" yaml:"targetComponent,omitempty"`
	TargetStateFilter string                 `json:"targetStateFilter,omitempty" yaml:"targetStateFilter,omitempty"`
	Event             string                 `json:"event" yaml:"event"`
	Payload           map[string]interface{} `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Event is an external or derived stimulus delivered to an instance.
type Event struct {
	Type    string                 `json:"type" yaml:"type"`
	Payload map[string]interface{} `json:"payload,omitempty" yaml:"payload,omitempty"`
}
