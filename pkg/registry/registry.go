// Package registry is the process-wide directory of component
// runtimes. It routes cross-component cascades, broadcasts and
// instance creation: in-process when the target component is
// registered locally, through the message broker otherwise.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/machina-io/machina/pkg/broker"
	"github.com/machina-io/machina/pkg/core"
	"github.com/machina-io/machina/pkg/model"
	"github.com/machina-io/machina/pkg/runtime"
	"github.com/machina-io/machina/pkg/store"
)

// ErrUnknownComponent is returned when the target component is neither
// registered locally nor reachable through a broker.
var ErrUnknownComponent = errors.New("registry: unknown component")

// Registry maps component names to runtimes. A plain value owned by
// the enclosing process, not a singleton.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]*runtime.Runtime

	broker   broker.Broker
	senderID string

	logger core.Logger
}

// New creates a registry. The broker is optional; without it,
// unresolvable components fail with ErrUnknownComponent.
func New(b broker.Broker, senderID string, logger core.Logger) *Registry {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Registry{
		runtimes: make(map[string]*runtime.Runtime),
		broker:   b,
		senderID: senderID,
		logger:   logger,
	}
}

// Register adds a component runtime to the directory.
func (g *Registry) Register(rt *runtime.Runtime) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	name := rt.ComponentName()
	if _, exists := g.runtimes[name]; exists {
		return fmt.Errorf("registry: component %s already registered", name)
	}
	g.runtimes[name] = rt
	return nil
}

// Unregister removes a component runtime.
func (g *Registry) Unregister(componentName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.runtimes, componentName)
}

// Runtime returns the runtime owning a component, if local.
func (g *Registry) Runtime(componentName string) (*runtime.Runtime, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rt, ok := g.runtimes[componentName]
	return rt, ok
}

// FindInstance scans registered runtimes for an instance id.
// O(components).
func (g *Registry) FindInstance(instanceID string) (*runtime.Runtime, store.InstanceRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, rt := range g.runtimes {
		if rec, ok := rt.Instance(instanceID); ok {
			return rt, rec, true
		}
	}
	return nil, store.InstanceRecord{}, false
}

// BroadcastToComponent property-routes an event inside a component.
// Returns the delivery count for local components and 0 for deferred
// broker dispatch.
func (g *Registry) BroadcastToComponent(componentName, machineName, stateFilter string, event model.Event) (int, error) {
	return g.BroadcastToComponentFiltered(componentName, machineName, stateFilter, nil, event)
}

// BroadcastToComponentFiltered additionally applies external filters
// on the target instances' context.
func (g *Registry) BroadcastToComponentFiltered(componentName, machineName, stateFilter string, filters map[string]interface{}, event model.Event) (int, error) {
	if rt, ok := g.Runtime(componentName); ok {
		return rt.BroadcastEventFiltered(machineName, stateFilter, filters, event)
	}
	if g.broker != nil {
		cmd := broker.Command{
			ComponentName: componentName,
			MachineName:   machineName,
			CurrentState:  stateFilter,
			Filters:       filters,
			Event:         broker.CommandEvent{Type: event.Type, Payload: event.Payload},
			SenderID:      g.senderID,
			Timestamp:     time.Now().UnixMilli(),
		}
		if err := g.broker.Publish(broker.ChannelBroadcast, cmd); err != nil {
			return 0, fmt.Errorf("registry: broker broadcast: %w", err)
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownComponent, componentName)
}

// CreateInstanceInComponent creates an instance of a machine in the
// addressed component. Returns "" when deferred to the broker.
func (g *Registry) CreateInstanceInComponent(componentName, machineName string, context map[string]interface{}, parent *runtime.ParentInfo) (string, error) {
	if rt, ok := g.Runtime(componentName); ok {
		return rt.CreateInstance(machineName, context, parent)
	}
	if g.broker != nil {
		cmd := broker.Command{
			ComponentName: componentName,
			MachineName:   machineName,
			Context:       context,
			Event:         broker.CommandEvent{Type: "__create__"},
			SenderID:      g.senderID,
			Timestamp:     time.Now().UnixMilli(),
		}
		if err := g.broker.Publish(broker.ChannelCreateInstance, cmd); err != nil {
			return "", fmt.Errorf("registry: broker create: %w", err)
		}
		return "", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownComponent, componentName)
}

// SendEventToInstanceInComponent delivers an event to one instance of
// the addressed component.
func (g *Registry) SendEventToInstanceInComponent(componentName, instanceID string, event model.Event) error {
	if rt, ok := g.Runtime(componentName); ok {
		return rt.SendEvent(instanceID, event)
	}
	if g.broker != nil {
		cmd := broker.Command{
			ComponentName: componentName,
			InstanceID:    instanceID,
			Event:         broker.CommandEvent{Type: event.Type, Payload: event.Payload},
			SenderID:      g.senderID,
			Timestamp:     time.Now().UnixMilli(),
		}
		if err := g.broker.Publish(broker.ChannelTriggerEvent, cmd); err != nil {
			return fmt.Errorf("registry: broker trigger: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownComponent, componentName)
}

// RouteCascade implements runtime.Router: deliver a cascading rule's
// derived event to its target component.
func (g *Registry) RouteCascade(source store.InstanceRecord, rule model.CascadingRule, event model.Event) (int, error) {
	target := rule.TargetComponent
	if target == "" {
		target = source.ComponentName
	}
	return g.BroadcastToComponent(target, rule.TargetMachine, rule.TargetStateFilter, event)
}

// CreateRemoteInstance implements runtime.Router.
func (g *Registry) CreateRemoteInstance(component, machine string, context map[string]interface{}, parent runtime.ParentInfo) (string, error) {
	return g.CreateInstanceInComponent(component, machine, context, &parent)
}

// SendRemoteEvent implements runtime.Router.
func (g *Registry) SendRemoteEvent(component, instanceID string, event model.Event) error {
	return g.SendEventToInstanceInComponent(component, instanceID, event)
}

// BroadcastRemote implements runtime.Router.
func (g *Registry) BroadcastRemote(component, machine, stateFilter string, event model.Event) (int, error) {
	return g.BroadcastToComponent(component, machine, stateFilter, event)
}

var _ runtime.Router = (*Registry)(nil)
