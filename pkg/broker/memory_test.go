package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/machina-io/machina/pkg/core"
)

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

func TestMemoryBroker_PubSub(t *testing.T) {
	b := NewMemoryBroker(nil)
	defer b.Close()

	var mu sync.Mutex
	var got [][]byte
	sub, err := b.Subscribe(ChannelStateChange, func(data []byte) {
		mu.Lock()
		got = append(got, data)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(ChannelStateChange, map[string]interface{}{"n": 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "message never delivered")

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	b.Publish(ChannelStateChange, map[string]interface{}{"n": 2})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Errorf("delivered after unsubscribe: %d messages", len(got))
	}
}

func TestMemoryBroker_ChannelFIFO(t *testing.T) {
	b := NewMemoryBroker(nil)
	defer b.Close()

	var mu sync.Mutex
	var order []float64
	b.Subscribe(ChannelTriggerEvent, func(data []byte) {
		var msg map[string]interface{}
		if err := core.JSONDecode(data, &msg); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		mu.Lock()
		order = append(order, msg["n"].(float64))
		mu.Unlock()
	})

	for i := 0; i < 50; i++ {
		if err := b.Publish(ChannelTriggerEvent, map[string]interface{}{"n": i}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 50
	}, "messages lost")

	mu.Lock()
	defer mu.Unlock()
	for i, n := range order {
		if n != float64(i) {
			t.Fatalf("out of order at %d: got %v", i, n)
		}
	}
}

func TestMemoryBroker_QueueGroup(t *testing.T) {
	b := NewMemoryBroker(nil)
	defer b.Close()

	var mu sync.Mutex
	counts := make(map[string]int)
	for _, name := range []string{"a", "b"} {
		member := name
		b.SubscribeQueue(ChannelBroadcast, "workers", func(data []byte) {
			mu.Lock()
			counts[member]++
			mu.Unlock()
		})
	}

	const total = 20
	for i := 0; i < total; i++ {
		b.Publish(ChannelBroadcast, map[string]interface{}{"n": i})
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["a"]+counts["b"] == total
	}, "messages lost")

	// Each message reached exactly one member; both saw some share.
	mu.Lock()
	defer mu.Unlock()
	if counts["a"] == 0 || counts["b"] == 0 {
		t.Errorf("round-robin skew: %v", counts)
	}
}

func TestMemoryBroker_Closed(t *testing.T) {
	b := NewMemoryBroker(nil)
	b.Close()

	if err := b.Publish(ChannelStateChange, map[string]interface{}{"n": 1}); err == nil {
		t.Error("publish on closed broker accepted")
	}
	if _, err := b.Subscribe(ChannelStateChange, func([]byte) {}); err == nil {
		t.Error("subscribe on closed broker accepted")
	}
}
