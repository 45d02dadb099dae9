package model

import "fmt"

// Validate checks a component model the way the parser is expected to:
// state-name uniqueness per machine, transition endpoints referencing
// declared states, exactly one entry-marked state per machine, and the
// entry-machine name (if present) matching a declared machine. The
// runtime treats documents as pre-validated but still calls this
// defensively at registration.
func Validate(c *Component) error {
	if c.Name == "" {
		return fmt.Errorf("component name is required")
	}
	if len(c.Machines) == 0 {
		return fmt.Errorf("component %s: at least one machine is required", c.Name)
	}
	if c.EntryMachine != "" && c.Machine(c.EntryMachine) == nil {
		return fmt.Errorf("component %s: entry machine %q not declared", c.Name, c.EntryMachine)
	}
	names := make(map[string]bool, len(c.Machines))
	for i := range c.Machines {
		m := &c.Machines[i]
		if names[m.Name] {
			return fmt.Errorf("component %s: duplicate machine %q", c.Name, m.Name)
		}
		names[m.Name] = true
		if err := validateMachine(m); err != nil {
			return fmt.Errorf("component %s: %w", c.Name, err)
		}
	}
	return nil
}

func validateMachine(m *StateMachine) error {
	if m.Name == "" {
		return fmt.Errorf("machine name is required")
	}
	if len(m.States) == 0 {
		return fmt.Errorf("machine %s: at least one state is required", m.Name)
	}

	states := make(map[string]StateKind, len(m.States))
	entries := 0
	for i := range m.States {
		s := &m.States[i]
		if s.Name == "" {
			return fmt.Errorf("machine %s: state name is required", m.Name)
		}
		if _, dup := states[s.Name]; dup {
			return fmt.Errorf("machine %s: duplicate state %q", m.Name, s.Name)
		}
		if s.Kind == "" {
			s.Kind = StateKindRegular
		}
		states[s.Name] = s.Kind
		if s.Kind == StateKindEntry {
			entries++
		}
		for _, rule := range s.CascadingRules {
			if rule.TargetMachine == "" || rule.Event == "" {
				return fmt.Errorf("machine %s state %s: cascading rule needs targetMachine and event", m.Name, s.Name)
			}
		}
	}
	if entries != 1 {
		return fmt.Errorf("machine %s: exactly one entry state required, found %d", m.Name, entries)
	}
	if m.InitialState == "" {
		for name, kind := range states {
			if kind == StateKindEntry {
				m.InitialState = name
			}
		}
	}
	if kind, ok := states[m.InitialState]; !ok {
		return fmt.Errorf("machine %s: initial state %q not declared", m.Name, m.InitialState)
	} else if kind != StateKindEntry {
		return fmt.Errorf("machine %s: initial state %q is not the entry state", m.Name, m.InitialState)
	}

	for i := range m.Transitions {
		t := &m.Transitions[i]
		if t.Kind == "" {
			t.Kind = TransitionRegular
		}
		if _, ok := states[t.From]; !ok {
			return fmt.Errorf("machine %s: transition from unknown state %q", m.Name, t.From)
		}
		switch t.Kind {
		case TransitionInterMachine, TransitionCrossComponent:
			if t.TargetMachine == "" {
				return fmt.Errorf("machine %s: %s transition from %q needs targetMachine", m.Name, t.Kind, t.From)
			}
			if t.Kind == TransitionCrossComponent && t.TargetEvent != "" && len(t.MatchingRules) == 0 {
				return fmt.Errorf("machine %s: cross_component transition with targetEvent needs matching rules", m.Name)
			}
		case TransitionTimeout:
			if t.TimeoutMs <= 0 {
				return fmt.Errorf("machine %s: timeout transition from %q needs positive timeoutMs", m.Name, t.From)
			}
		}
		if _, ok := states[t.To]; !ok {
			return fmt.Errorf("machine %s: transition to unknown state %q", m.Name, t.To)
		}
		if t.Event == "" && t.Kind != TransitionAuto {
			return fmt.Errorf("machine %s: transition %q->%q needs an event", m.Name, t.From, t.To)
		}
	}
	if m.ParentLink != nil && m.ParentLink.OnStateChange == "" {
		return fmt.Errorf("machine %s: parentLink needs onStateChange event name", m.Name)
	}
	return nil
}
