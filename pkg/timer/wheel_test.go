package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func testWheel(t *testing.T) *Wheel {
	t.Helper()
	w := NewWheel(WheelConfig{Tick: 10 * time.Millisecond, Slots: 64})
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

func TestWheel_Fires(t *testing.T) {
	w := testWheel(t)

	fired := make(chan time.Time, 1)
	start := time.Now()
	w.Schedule(50*time.Millisecond, func() {
		fired <- time.Now()
	})

	select {
	case at := <-fired:
		elapsed := at.Sub(start)
		if elapsed < 30*time.Millisecond || elapsed > 500*time.Millisecond {
			t.Errorf("fired after %v, expected ~50ms", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	if w.Pending() != 0 {
		t.Errorf("expected no pending timers, got %d", w.Pending())
	}
}

func TestWheel_Cancel(t *testing.T) {
	w := testWheel(t)

	var fired int32
	h := w.Schedule(50*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})
	if !w.Cancel(h) {
		t.Fatal("cancel of pending timer returned false")
	}
	if w.Cancel(h) {
		t.Error("second cancel returned true")
	}

	time.Sleep(200 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Error("cancelled timer fired")
	}
}

func TestWheel_ZeroDelayFiresNextTick(t *testing.T) {
	w := testWheel(t)

	fired := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		w.Schedule(0, func() { fired <- struct{}{} })
		// Schedule returns before the callback can run: zero-delay
		// timers go through the ticker, never re-entrantly.
		select {
		case <-fired:
			t.Error("zero-delay timer fired re-entrantly")
		default:
		}
		close(done)
	}()
	<-done

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("zero-delay timer never fired")
	}
}

func TestWheel_LongDelayRounds(t *testing.T) {
	// Delay exceeding one wheel rotation (64 slots * 10ms = 640ms).
	w := testWheel(t)

	fired := make(chan time.Time, 1)
	start := time.Now()
	w.Schedule(700*time.Millisecond, func() { fired <- time.Now() })

	select {
	case at := <-fired:
		if elapsed := at.Sub(start); elapsed < 600*time.Millisecond {
			t.Errorf("fired too early: %v", elapsed)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestWheel_ManyTimers(t *testing.T) {
	w := testWheel(t)

	var fired int32
	for i := 0; i < 100; i++ {
		w.Schedule(time.Duration(10+i)*time.Millisecond, func() {
			atomic.AddInt32(&fired, 1)
		})
	}

	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadInt32(&fired) != 100 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d/100 timers fired", atomic.LoadInt32(&fired))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
