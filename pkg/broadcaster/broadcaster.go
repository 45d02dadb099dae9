// Package broadcaster bridges one FSMRuntime to a MessageBroker: it
// announces presence, publishes lifecycle events, serves queries and
// executes remote commands addressed to its component.
package broadcaster

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/machina-io/machina/pkg/broker"
	"github.com/machina-io/machina/pkg/core"
	"github.com/machina-io/machina/pkg/model"
	"github.com/machina-io/machina/pkg/runtime"
)

// Config configures a Broadcaster.
type Config struct {
	// HeartbeatInterval defaults to 10s.
	HeartbeatInterval time.Duration

	// BufferSize bounds the offline buffer; oldest messages are
	// dropped on overflow. Defaults to 256.
	BufferSize int

	// Host/Port are advertised in the announce message.
	Host string
	Port int

	Logger core.Logger
}

type buffered struct {
	channel string
	body    interface{}
}

// Broadcaster connects one runtime to the broker fabric.
type Broadcaster struct {
	rt     *runtime.Runtime
	broker broker.Broker
	cfg    Config

	runtimeID string

	mu        sync.Mutex
	connected bool
	buffer    []buffered
	subs      []broker.Subscription

	stop chan struct{}
	wg   sync.WaitGroup

	logger core.Logger
}

// New creates a broadcaster for a runtime. Connect must be called to
// join the fabric.
func New(rt *runtime.Runtime, b broker.Broker, cfg Config) *Broadcaster {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Broadcaster{
		rt:        rt,
		broker:    b,
		cfg:       cfg,
		runtimeID: uuid.New().String(),
		stop:      make(chan struct{}),
		logger:    logger.WithFields(map[string]interface{}{"component": rt.ComponentName()}),
	}
}

// RuntimeID returns the opaque id this broadcaster announces as.
func (bc *Broadcaster) RuntimeID() string {
	return bc.runtimeID
}

// Connect subscribes to command and query channels, announces presence
// and starts the heartbeat.
func (bc *Broadcaster) Connect() error {
	bc.mu.Lock()
	if bc.connected {
		bc.mu.Unlock()
		return nil
	}
	bc.connected = true
	bc.mu.Unlock()

	group := "machina." + bc.rt.ComponentName()
	subSpecs := []struct {
		channel string
		queue   bool
		handler broker.Handler
	}{
		{broker.ChannelTriggerEvent, true, bc.handleTrigger},
		{broker.ChannelCreateInstance, true, bc.handleCreate},
		{broker.ChannelBroadcast, true, bc.handleBroadcast},
		{broker.ChannelQueryInstances, false, bc.handleQuery},
	}
	for _, spec := range subSpecs {
		var sub broker.Subscription
		var err error
		if spec.queue {
			sub, err = bc.broker.SubscribeQueue(spec.channel, group, spec.handler)
		} else {
			sub, err = bc.broker.Subscribe(spec.channel, spec.handler)
		}
		if err != nil {
			bc.teardown()
			return err
		}
		bc.mu.Lock()
		bc.subs = append(bc.subs, sub)
		bc.mu.Unlock()
	}

	machines := make([]string, 0, len(bc.rt.ComponentModel().Machines))
	for _, m := range bc.rt.ComponentModel().Machines {
		machines = append(machines, m.Name)
	}
	bc.publish(broker.ChannelAnnounce, broker.Announce{
		RuntimeID:     bc.runtimeID,
		ComponentName: bc.rt.ComponentName(),
		Machines:      machines,
		Host:          bc.cfg.Host,
		Port:          bc.cfg.Port,
		Timestamp:     time.Now().UnixMilli(),
	})

	bc.rt.AddListener(bc.onLifecycle)

	bc.wg.Add(1)
	go bc.heartbeatLoop()
	return nil
}

// Disconnect publishes a shutdown notice, stops the heartbeat and
// unsubscribes.
func (bc *Broadcaster) Disconnect() {
	bc.mu.Lock()
	if !bc.connected {
		bc.mu.Unlock()
		return
	}
	bc.connected = false
	bc.mu.Unlock()

	bc.publish(broker.ChannelShutdown, map[string]interface{}{
		"runtimeId":     bc.runtimeID,
		"componentName": bc.rt.ComponentName(),
		"timestamp":     time.Now().UnixMilli(),
	})
	close(bc.stop)
	bc.wg.Wait()
	bc.teardown()
}

func (bc *Broadcaster) teardown() {
	bc.mu.Lock()
	subs := bc.subs
	bc.subs = nil
	bc.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			bc.logger.Warnf("unsubscribe failed: %v", err)
		}
	}
}

func (bc *Broadcaster) heartbeatLoop() {
	defer bc.wg.Done()
	ticker := time.NewTicker(bc.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			bc.publish(broker.ChannelHeartbeat, map[string]interface{}{
				"runtimeId":     bc.runtimeID,
				"componentName": bc.rt.ComponentName(),
				"timestamp":     time.Now().UnixMilli(),
			})
		case <-bc.stop:
			return
		}
	}
}

// onLifecycle translates runtime lifecycle events into broker
// publications on the corresponding fsm:events channel.
func (bc *Broadcaster) onLifecycle(ev runtime.LifecycleEvent) {
	var channel string
	switch ev.Type {
	case runtime.EventStateChange:
		channel = broker.ChannelStateChange
	case runtime.EventInstanceCreated:
		channel = broker.ChannelInstanceCreated
	case runtime.EventInstanceDisposed:
		channel = broker.ChannelInstanceDisposed
	case runtime.EventInstanceError:
		channel = broker.ChannelInstanceError
	case runtime.EventCascadeFailed:
		channel = broker.ChannelCascade
	default:
		return
	}

	data, err := core.JSONEncode(ev.Data)
	if err != nil {
		bc.logger.Errorf("encode lifecycle event: %v", err)
		return
	}
	bc.publish(channel, broker.Envelope{
		Type:          ev.Type,
		ComponentName: ev.ComponentName,
		SenderID:      bc.runtimeID,
		Data:          data,
		Timestamp:     ev.Timestamp,
	})
}

// publish delivers to the broker, buffering up to the configured bound
// when the broker is unavailable; oldest entries are dropped on
// overflow. Business transitions still commit locally.
func (bc *Broadcaster) publish(channel string, body interface{}) {
	bc.mu.Lock()
	pending := bc.buffer
	bc.buffer = nil
	bc.mu.Unlock()

	for _, msg := range pending {
		if err := bc.broker.Publish(msg.channel, msg.body); err != nil {
			bc.bufferMsg(msg)
		}
	}

	if err := bc.broker.Publish(channel, body); err != nil {
		bc.logger.Warnf("broker publish on %s failed: %v", channel, err)
		bc.bufferMsg(buffered{channel: channel, body: body})
		bc.rt.Emit(runtime.LifecycleEvent{
			Type:          runtime.EventBrokerUnavailable,
			ComponentName: bc.rt.ComponentName(),
			Data:          map[string]interface{}{"channel": channel, "error": err.Error()},
		})
	}
}

func (bc *Broadcaster) bufferMsg(msg buffered) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if len(bc.buffer) >= bc.cfg.BufferSize {
		bc.buffer = bc.buffer[1:]
	}
	bc.buffer = append(bc.buffer, msg)
}

// mine reports whether a command addresses this component and does not
// originate from this broadcaster.
func (bc *Broadcaster) mine(cmd *broker.Command) bool {
	if cmd.ComponentName != bc.rt.ComponentName() {
		return false
	}
	return cmd.SenderID != bc.runtimeID
}

func (bc *Broadcaster) handleTrigger(data []byte) {
	var cmd broker.Command
	if err := core.JSONDecode(data, &cmd); err != nil {
		bc.logger.Warnf("bad trigger command: %v", err)
		return
	}
	if !bc.mine(&cmd) {
		return
	}
	err := bc.rt.SendEvent(cmd.InstanceID, model.Event{Type: cmd.Event.Type, Payload: cmd.Event.Payload})
	if err != nil {
		bc.publishCommandError(cmd, err)
	}
}

func (bc *Broadcaster) handleCreate(data []byte) {
	var cmd broker.Command
	if err := core.JSONDecode(data, &cmd); err != nil {
		bc.logger.Warnf("bad create command: %v", err)
		return
	}
	if !bc.mine(&cmd) {
		return
	}
	if _, err := bc.rt.CreateInstance(cmd.MachineName, cmd.Context, nil); err != nil {
		bc.publishCommandError(cmd, err)
	}
}

func (bc *Broadcaster) handleBroadcast(data []byte) {
	var cmd broker.Command
	if err := core.JSONDecode(data, &cmd); err != nil {
		bc.logger.Warnf("bad broadcast command: %v", err)
		return
	}
	if !bc.mine(&cmd) {
		return
	}
	if _, err := bc.rt.BroadcastEventFiltered(cmd.MachineName, cmd.CurrentState, cmd.Filters, model.Event{Type: cmd.Event.Type, Payload: cmd.Event.Payload}); err != nil {
		bc.publishCommandError(cmd, err)
	}
}

func (bc *Broadcaster) publishCommandError(cmd broker.Command, err error) {
	data, encErr := core.JSONEncode(map[string]interface{}{
		"requestId":  cmd.RequestID,
		"instanceId": cmd.InstanceID,
		"error":      err.Error(),
	})
	if encErr != nil {
		return
	}
	bc.publish(broker.ChannelInstanceError, broker.Envelope{
		Type:          runtime.EventInstanceError,
		ComponentName: bc.rt.ComponentName(),
		SenderID:      bc.runtimeID,
		Data:          data,
		Timestamp:     time.Now().UnixMilli(),
	})
}

func (bc *Broadcaster) handleQuery(data []byte) {
	var cmd broker.Command
	if err := core.JSONDecode(data, &cmd); err != nil {
		bc.logger.Warnf("bad query: %v", err)
		return
	}
	if cmd.ComponentName != "" && cmd.ComponentName != bc.rt.ComponentName() {
		return
	}
	if cmd.SenderID == bc.runtimeID {
		return
	}
	bc.publish(broker.ChannelQueryResponse, broker.QueryResponse{
		RequestID:     cmd.RequestID,
		SenderID:      bc.runtimeID,
		ComponentName: bc.rt.ComponentName(),
		Instances:     bc.rt.Instances(cmd.MachineName),
		Timestamp:     time.Now().UnixMilli(),
	})
}
