package broadcaster

import (
	"sync"
	"testing"
	"time"

	"github.com/machina-io/machina/pkg/broker"
	"github.com/machina-io/machina/pkg/core"
	"github.com/machina-io/machina/pkg/model"
	"github.com/machina-io/machina/pkg/runtime"
	"github.com/machina-io/machina/pkg/timer"
)

func testComponent() *model.Component {
	return &model.Component{
		Name: "OrderCo",
		Machines: []model.StateMachine{
			{
				Name:         "Order",
				InitialState: "Pending",
				States: []model.State{
					{Name: "Pending", Kind: model.StateKindEntry},
					{Name: "Confirmed"},
				},
				Transitions: []model.Transition{
					{From: "Pending", To: "Confirmed", Event: "CONFIRM"},
				},
			},
		},
	}
}

func newRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	wheel := timer.NewWheel(timer.WheelConfig{Tick: 10 * time.Millisecond, Slots: 64})
	wheel.Start()
	t.Cleanup(wheel.Stop)

	rt, err := runtime.New(testComponent(), runtime.Config{Wheel: wheel})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	t.Cleanup(rt.Close)
	return rt
}

type capture struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *capture) handler(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, append([]byte(nil), data...))
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *capture) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		return nil
	}
	return c.msgs[len(c.msgs)-1]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAnnounceAndLifecyclePublish(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	defer b.Close()
	rt := newRuntime(t)

	announces := &capture{}
	b.Subscribe(broker.ChannelAnnounce, announces.handler)
	changes := &capture{}
	b.Subscribe(broker.ChannelStateChange, changes.handler)
	created := &capture{}
	b.Subscribe(broker.ChannelInstanceCreated, created.handler)

	bc := New(rt, b, Config{})
	if err := bc.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer bc.Disconnect()

	waitFor(t, time.Second, func() bool { return announces.count() == 1 }, "no announce")
	var ann broker.Announce
	if err := core.JSONDecode(announces.last(), &ann); err != nil {
		t.Fatalf("decode announce: %v", err)
	}
	if ann.ComponentName != "OrderCo" || ann.RuntimeID != bc.RuntimeID() {
		t.Errorf("bad announce: %+v", ann)
	}
	if len(ann.Machines) != 1 || ann.Machines[0] != "Order" {
		t.Errorf("bad machines: %v", ann.Machines)
	}

	id, _ := rt.CreateInstance("Order", nil, nil)
	rt.SendEvent(id, model.Event{Type: "CONFIRM"})

	waitFor(t, time.Second, func() bool { return created.count() == 1 }, "instance_created not published")
	waitFor(t, time.Second, func() bool { return changes.count() == 1 }, "state_change not published")

	var env broker.Envelope
	if err := core.JSONDecode(changes.last(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Type != runtime.EventStateChange || env.ComponentName != "OrderCo" || env.SenderID != bc.RuntimeID() {
		t.Errorf("bad envelope: %+v", env)
	}
}

func TestTriggerCommand(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	defer b.Close()
	rt := newRuntime(t)

	bc := New(rt, b, Config{})
	if err := bc.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer bc.Disconnect()

	id, _ := rt.CreateInstance("Order", nil, nil)

	cmd := broker.Command{
		ComponentName: "OrderCo",
		InstanceID:    id,
		Event:         broker.CommandEvent{Type: "CONFIRM"},
		SenderID:      "another-node",
		Timestamp:     time.Now().UnixMilli(),
	}
	if err := b.Publish(broker.ChannelTriggerEvent, cmd); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		rec, ok := rt.Instance(id)
		return ok && rec.CurrentState == "Confirmed"
	}, "trigger command never applied")
}

func TestCommandsForOtherComponentsIgnored(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	defer b.Close()
	rt := newRuntime(t)

	bc := New(rt, b, Config{})
	bc.Connect()
	defer bc.Disconnect()

	id, _ := rt.CreateInstance("Order", nil, nil)

	b.Publish(broker.ChannelTriggerEvent, broker.Command{
		ComponentName: "SomeOtherCo",
		InstanceID:    id,
		Event:         broker.CommandEvent{Type: "CONFIRM"},
		SenderID:      "another-node",
	})

	time.Sleep(100 * time.Millisecond)
	rec, _ := rt.Instance(id)
	if rec.CurrentState != "Pending" {
		t.Errorf("command for another component applied: %s", rec.CurrentState)
	}
}

func TestCreateCommand(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	defer b.Close()
	rt := newRuntime(t)

	bc := New(rt, b, Config{})
	bc.Connect()
	defer bc.Disconnect()

	b.Publish(broker.ChannelCreateInstance, broker.Command{
		ComponentName: "OrderCo",
		MachineName:   "Order",
		Context:       map[string]interface{}{"orderId": "O1"},
		Event:         broker.CommandEvent{Type: "__create__"},
		SenderID:      "another-node",
	})

	waitFor(t, time.Second, func() bool {
		return len(rt.Instances("Order")) == 1
	}, "create command never applied")
}

func TestQueryCorrelation(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	defer b.Close()
	rt := newRuntime(t)

	bc := New(rt, b, Config{})
	bc.Connect()
	defer bc.Disconnect()

	rt.CreateInstance("Order", map[string]interface{}{"orderId": "O1"}, nil)

	responses := &capture{}
	b.Subscribe(broker.ChannelQueryResponse, responses.handler)

	b.Publish(broker.ChannelQueryInstances, broker.Command{
		ComponentName: "OrderCo",
		RequestID:     "req-42",
		SenderID:      "dashboard",
	})

	waitFor(t, time.Second, func() bool { return responses.count() == 1 }, "no query response")
	var resp broker.QueryResponse
	if err := core.JSONDecode(responses.last(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RequestID != "req-42" {
		t.Errorf("wrong correlation: %q", resp.RequestID)
	}
	if len(resp.Instances) != 1 || resp.Instances[0].Context["orderId"] != "O1" {
		t.Errorf("wrong instances: %+v", resp.Instances)
	}
}

// A broadcaster never consumes its own commands.
func TestOwnMessagesFiltered(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	defer b.Close()
	rt := newRuntime(t)

	bc := New(rt, b, Config{})
	bc.Connect()
	defer bc.Disconnect()

	id, _ := rt.CreateInstance("Order", nil, nil)

	b.Publish(broker.ChannelTriggerEvent, broker.Command{
		ComponentName: "OrderCo",
		InstanceID:    id,
		Event:         broker.CommandEvent{Type: "CONFIRM"},
		SenderID:      bc.RuntimeID(), // as if we published it ourselves
	})

	time.Sleep(100 * time.Millisecond)
	rec, _ := rt.Instance(id)
	if rec.CurrentState != "Pending" {
		t.Error("own message consumed")
	}
}
