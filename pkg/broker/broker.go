// Package broker abstracts the message fabric between runtimes:
// publish/subscribe over named channels with at-least-once delivery.
// Command channels keep per-channel FIFO so per-instance event order
// survives the hop.
package broker

import (
	"encoding/json"

	"github.com/machina-io/machina/pkg/store"
)

// Well-known channel names.
const (
	ChannelAnnounce  = "fsm:registry:announce"
	ChannelHeartbeat = "fsm:registry:heartbeat"
	ChannelShutdown  = "fsm:registry:shutdown"

	ChannelStateChange      = "fsm:events:state_change"
	ChannelInstanceCreated  = "fsm:events:instance_created"
	ChannelInstanceDisposed = "fsm:events:instance_disposed"
	ChannelInstanceError    = "fsm:events:instance_error"
	ChannelCascade          = "fsm:events:cross_component_cascade"

	ChannelTriggerEvent   = "fsm:commands:trigger_event"
	ChannelCreateInstance = "fsm:commands:create_instance"
	ChannelBroadcast      = "fsm:commands:broadcast"

	ChannelQueryInstances = "fsm:query:instances"
	ChannelQueryResponse  = "fsm:query:response"

	// External API, opt-in.
	ChannelExternalCommands   = "xcomponent:external:commands"
	ChannelExternalBroadcasts = "xcomponent:external:broadcasts"
)

// CommandChannels lists the channels requiring per-channel FIFO.
var CommandChannels = []string{
	ChannelTriggerEvent,
	ChannelCreateInstance,
	ChannelBroadcast,
}

// Handler consumes one raw message. Subscribers must be idempotent:
// delivery is at-least-once.
type Handler func(data []byte)

// Subscription is a registered handler that can be torn down.
type Subscription interface {
	Unsubscribe() error
}

// Broker is the abstract message fabric. Publish is non-blocking with
// respect to consumers; bodies are self-describing JSON documents
// carrying a sender id and a monotonic timestamp.
type Broker interface {
	// Publish sends a message to all subscribers of a channel.
	Publish(channel string, body interface{}) error

	// Subscribe registers a fan-out handler for a channel.
	Subscribe(channel string, handler Handler) (Subscription, error)

	// SubscribeQueue registers a handler in a delivery group: each
	// message reaches one member of the group. Used for command
	// channels so exactly one runtime of a component consumes a
	// command.
	SubscribeQueue(channel, group string, handler Handler) (Subscription, error)

	// Close tears the broker connection down.
	Close() error
}

// Envelope is the lifecycle-event wire form.
type Envelope struct {
	Type          string          `json:"type"`
	ComponentName string          `json:"componentName"`
	SenderID      string          `json:"senderId,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     int64           `json:"timestamp"`
}

// Command is the command-channel wire form.
type Command struct {
	ComponentName string                 `json:"componentName"`
	InstanceID    string                 `json:"instanceId,omitempty"`
	MachineName   string                 `json:"machineName,omitempty"`
	CurrentState  string                 `json:"currentState,omitempty"`
	Filters       map[string]interface{} `json:"filters,omitempty"`
	Event         CommandEvent           `json:"event"`
	Context       map[string]interface{} `json:"context,omitempty"`
	RequestID     string                 `json:"requestId,omitempty"`
	SenderID      string                 `json:"senderId"`
	Timestamp     int64                  `json:"timestamp"`
}

// CommandEvent carries the event of a command.
type CommandEvent struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Announce is published when a runtime connects.
type Announce struct {
	RuntimeID     string   `json:"runtimeId"`
	ComponentName string   `json:"componentName"`
	Machines      []string `json:"machines"`
	Host          string   `json:"host,omitempty"`
	Port          int      `json:"port,omitempty"`
	Timestamp     int64    `json:"timestamp"`
}

// QueryResponse answers fsm:query:instances on fsm:query:response,
// correlated by the query's request id.
type QueryResponse struct {
	RequestID     string                 `json:"requestId"`
	SenderID      string                 `json:"senderId"`
	ComponentName string                 `json:"componentName"`
	Instances     []store.InstanceRecord `json:"instances"`
	Timestamp     int64                  `json:"timestamp"`
}
