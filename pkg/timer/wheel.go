// Package timer provides a hashed timer wheel for scheduling timeout
// transitions: O(1) schedule and cancel with coarse tick precision.
// Callbacks fire on the wheel goroutine; callers are expected to
// re-enter their own serialization point (the runtime feeds fires
// through the same queue as external events).
package timer

import (
	"sync"
	"time"

	"github.com/machina-io/machina/pkg/core"
)

// Handle identifies a scheduled timer.
type Handle uint64

// Callback runs when a timer fires.
type Callback func()

// WheelConfig configures the wheel.
type WheelConfig struct {
	// Tick is the wheel granularity. Default 100ms.
	Tick time.Duration

	// Slots is the number of wheel buckets. Default 512.
	Slots int

	Logger core.Logger
}

// DefaultWheelConfig returns the default configuration.
func DefaultWheelConfig() WheelConfig {
	return WheelConfig{
		Tick:  100 * time.Millisecond,
		Slots: 512,
	}
}

type entry struct {
	handle Handle
	slot   int
	rounds int
	cb     Callback
}

// Wheel is a hashed timer wheel driven by a single ticker goroutine.
type Wheel struct {
	cfg WheelConfig

	mu      sync.Mutex
	slots   []map[Handle]*entry
	entries map[Handle]*entry
	next    Handle
	cursor  int
	started bool
	stopped bool

	stop chan struct{}
	wg   sync.WaitGroup

	logger core.Logger
}

// NewWheel creates a wheel. Start must be called before timers fire.
func NewWheel(cfg WheelConfig) *Wheel {
	if cfg.Tick <= 0 {
		cfg.Tick = 100 * time.Millisecond
	}
	if cfg.Slots <= 0 {
		cfg.Slots = 512
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NewDefaultLogger()
	}
	slots := make([]map[Handle]*entry, cfg.Slots)
	for i := range slots {
		slots[i] = make(map[Handle]*entry)
	}
	return &Wheel{
		cfg:     cfg,
		slots:   slots,
		entries: make(map[Handle]*entry),
		stop:    make(chan struct{}),
		logger:  cfg.Logger,
	}
}

// Start launches the tick goroutine. Idempotent.
func (w *Wheel) Start() {
	w.mu.Lock()
	if w.started || w.stopped {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run()
}

// Stop halts the wheel and drops all pending timers.
func (w *Wheel) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	w.mu.Unlock()

	close(w.stop)
	if started {
		w.wg.Wait()
	}
}

// Schedule registers cb to fire after delay and returns its handle.
// A delay of zero fires on the next tick, never re-entrantly.
func (w *Wheel) Schedule(delay time.Duration, cb Callback) Handle {
	if delay < 0 {
		delay = 0
	}
	ticks := int(delay / w.cfg.Tick)
	if ticks < 1 {
		ticks = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.next++
	e := &entry{
		handle: w.next,
		slot:   (w.cursor + ticks) % w.cfg.Slots,
		rounds: (ticks - 1) / w.cfg.Slots,
		cb:     cb,
	}
	w.slots[e.slot][e.handle] = e
	w.entries[e.handle] = e
	return e.handle
}

// Cancel removes a pending timer. Returns false if the timer already
// fired or was cancelled.
func (w *Wheel) Cancel(h Handle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[h]
	if !ok {
		return false
	}
	delete(w.entries, h)
	delete(w.slots[e.slot], h)
	return true
}

// Pending returns the number of scheduled timers.
func (w *Wheel) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func (w *Wheel) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.advance()
		}
	}
}

func (w *Wheel) advance() {
	w.mu.Lock()
	w.cursor = (w.cursor + 1) % w.cfg.Slots
	bucket := w.slots[w.cursor]

	var due []*entry
	for h, e := range bucket {
		if e.rounds > 0 {
			e.rounds--
			continue
		}
		due = append(due, e)
		delete(bucket, h)
		delete(w.entries, h)
	}
	w.mu.Unlock()

	for _, e := range due {
		w.fire(e)
	}
}

func (w *Wheel) fire(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Errorf("timer callback panicked: %v", r)
		}
	}()
	e.cb()
}
