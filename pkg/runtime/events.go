package runtime

import (
	"time"

	"github.com/machina-io/machina/pkg/store"
)

// Lifecycle event types emitted by the runtime.
const (
	EventInstanceCreated  = "instance_created"
	EventStateChange      = "state_change"
	EventInstanceDisposed = "instance_disposed"
	EventInstanceError    = "instance_error"
	EventCascadeFailed    = "cross_component_cascade_failed"
	EventBrokerUnavailable = "broker_unavailable"
)

// LifecycleEvent is the envelope delivered to listeners and published
// by the broadcaster.
type LifecycleEvent struct {
	Type          string                 `json:"type"`
	ComponentName string                 `json:"componentName"`
	Data          map[string]interface{} `json:"data"`
	Timestamp     int64                  `json:"timestamp"`
}

// Listener receives lifecycle events in emission order. Listeners run
// on the runtime's dispatch goroutine and must not block it; calls
// back into the runtime from a listener are allowed.
type Listener func(event LifecycleEvent)

// AddListener registers a lifecycle listener.
func (r *Runtime) AddListener(l Listener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Emit hands a lifecycle event to the dispatcher. Used internally and
// by the broadcaster for broker_unavailable notifications.
func (r *Runtime) Emit(event LifecycleEvent) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	select {
	case r.emitCh <- event:
	case <-r.done:
	}
}

func (r *Runtime) dispatchLoop() {
	defer r.wg.Done()
	for {
		select {
		case ev := <-r.emitCh:
			r.deliver(ev)
		case <-r.done:
			// drain what is already queued
			for {
				select {
				case ev := <-r.emitCh:
					r.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Runtime) deliver(ev LifecycleEvent) {
	r.listenerMu.RLock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenerMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Errorf("lifecycle listener panicked: %v", rec)
				}
			}()
			l(ev)
		}()
	}
}

func stateChangeData(inst *Instance, previousState string, event interface{}, eventID string) map[string]interface{} {
	rec := inst.Record()
	return map[string]interface{}{
		"instanceId":    inst.ID,
		"machineName":   inst.MachineName,
		"previousState": previousState,
		"newState":      inst.CurrentState,
		"event":         event,
		"eventId":       eventID,
		"timestamp":     time.Now().UnixMilli(),
		"instance":      rec,
	}
}

func instanceData(rec store.InstanceRecord) map[string]interface{} {
	return map[string]interface{}{
		"instanceId":  rec.ID,
		"machineName": rec.MachineName,
		"instance":    rec,
	}
}
