package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/machina-io/machina/pkg/model"
	"github.com/machina-io/machina/pkg/runtime"
	"github.com/machina-io/machina/pkg/timer"
)

func newRuntime(t *testing.T, component *model.Component, reg *Registry) *runtime.Runtime {
	t.Helper()
	wheel := timer.NewWheel(timer.WheelConfig{Tick: 10 * time.Millisecond, Slots: 64})
	wheel.Start()
	t.Cleanup(wheel.Stop)

	rt, err := runtime.New(component, runtime.Config{Router: reg, Wheel: wheel})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	t.Cleanup(rt.Close)
	if err := reg.Register(rt); err != nil {
		t.Fatalf("register: %v", err)
	}
	return rt
}

func orderCoComponent() *model.Component {
	return &model.Component{
		Name: "OrderCo",
		Machines: []model.StateMachine{
			{
				Name:         "Order",
				InitialState: "Created",
				States: []model.State{
					{Name: "Created", Kind: model.StateKindEntry},
					{Name: "Validated", CascadingRules: []model.CascadingRule{
						{
							TargetMachine:     "Payment",
							TargetComponent:   "PaymentCo",
							TargetStateFilter: "Pending",
							Event:             "PROCESS",
							Payload: map[string]interface{}{
								"orderId": "{{orderId}}",
								"amount":  "{{amount}}",
							},
						},
					}},
				},
				Transitions: []model.Transition{
					{From: "Created", To: "Validated", Event: "VALIDATE"},
				},
			},
		},
	}
}

func paymentCoComponent() *model.Component {
	return &model.Component{
		Name: "PaymentCo",
		Machines: []model.StateMachine{
			{
				Name:         "Payment",
				InitialState: "Pending",
				States: []model.State{
					{Name: "Pending", Kind: model.StateKindEntry},
					{Name: "Processing"},
				},
				Transitions: []model.Transition{
					{From: "Pending", To: "Processing", Event: "PROCESS"},
				},
			},
		},
	}
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

// Scenario: a state entry in OrderCo cascades a derived event into
// PaymentCo, template-expanded from the source context.
func TestCrossComponentCascade(t *testing.T) {
	reg := New(nil, "test-node", nil)

	orderRT := newRuntime(t, orderCoComponent(), reg)
	paymentRT := newRuntime(t, paymentCoComponent(), reg)

	paymentID, err := paymentRT.CreateInstance("Payment", map[string]interface{}{"orderId": "O1"}, nil)
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	orderID, err := orderRT.CreateInstance("Order", map[string]interface{}{
		"orderId": "O1",
		"amount":  float64(100),
	}, nil)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if err := orderRT.SendEvent(orderID, model.Event{Type: "VALIDATE"}); err != nil {
		t.Fatalf("validate: %v", err)
	}

	// The order moved, then the cascade reached the payment.
	rec, _ := orderRT.Instance(orderID)
	if rec.CurrentState != "Validated" {
		t.Errorf("order state %s, want Validated", rec.CurrentState)
	}
	waitFor(t, time.Second, func() bool {
		rec, _ := paymentRT.Instance(paymentID)
		return rec.CurrentState == "Processing"
	}, "payment never processed")
}

func TestFindInstance(t *testing.T) {
	reg := New(nil, "test-node", nil)
	orderRT := newRuntime(t, orderCoComponent(), reg)

	id, _ := orderRT.CreateInstance("Order", nil, nil)
	rt, rec, ok := reg.FindInstance(id)
	if !ok || rt != orderRT || rec.ID != id {
		t.Errorf("find failed: ok=%v", ok)
	}
	if _, _, ok := reg.FindInstance("missing"); ok {
		t.Error("found a ghost instance")
	}
}

func TestUnknownComponent(t *testing.T) {
	reg := New(nil, "test-node", nil)

	if _, err := reg.BroadcastToComponent("Ghost", "M", "", model.Event{Type: "X"}); !errors.Is(err, ErrUnknownComponent) {
		t.Errorf("expected ErrUnknownComponent, got %v", err)
	}
	if _, err := reg.CreateInstanceInComponent("Ghost", "M", nil, nil); !errors.Is(err, ErrUnknownComponent) {
		t.Errorf("expected ErrUnknownComponent, got %v", err)
	}
	if err := reg.SendEventToInstanceInComponent("Ghost", "i", model.Event{Type: "X"}); !errors.Is(err, ErrUnknownComponent) {
		t.Errorf("expected ErrUnknownComponent, got %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	reg := New(nil, "test-node", nil)
	rt := newRuntime(t, orderCoComponent(), reg)

	if err := reg.Register(rt); err == nil {
		t.Error("duplicate registration accepted")
	}
	reg.Unregister(rt.ComponentName())
	if err := reg.Register(rt); err != nil {
		t.Errorf("re-register after unregister failed: %v", err)
	}
}

// Cross-component instance creation through the registry links parent
// info across the component boundary.
func TestCreateInstanceInComponent(t *testing.T) {
	reg := New(nil, "test-node", nil)
	newRuntime(t, orderCoComponent(), reg)
	paymentRT := newRuntime(t, paymentCoComponent(), reg)

	id, err := reg.CreateInstanceInComponent("PaymentCo", "Payment",
		map[string]interface{}{"orderId": "O9"},
		&runtime.ParentInfo{InstanceID: "parent-1", MachineName: "Order", ComponentName: "OrderCo"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, ok := paymentRT.Instance(id)
	if !ok {
		t.Fatal("instance not created")
	}
	if rec.ParentInstanceID != "parent-1" {
		t.Errorf("parent not linked: %+v", rec)
	}
}
