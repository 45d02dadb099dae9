package broker

import (
	"errors"
	"sync"

	"github.com/machina-io/machina/pkg/core"
)

// MemoryBroker is an in-process Broker for single-process deployments
// and tests. Each channel is drained by one goroutine, preserving
// per-channel FIFO for everything, commands included.
type MemoryBroker struct {
	mu       sync.RWMutex
	closed   bool
	channels map[string]*memChannel
	logger   core.Logger
}

type memChannel struct {
	name    string
	queue   chan []byte
	mu      sync.RWMutex
	subs    []*memSub
	groups  map[string][]*memSub
	groupRR map[string]int
	done    chan struct{}
}

type memSub struct {
	ch      *memChannel
	group   string
	handler Handler
}

// NewMemoryBroker creates an in-memory broker.
func NewMemoryBroker(logger core.Logger) *MemoryBroker {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &MemoryBroker{
		channels: make(map[string]*memChannel),
		logger:   logger,
	}
}

func (b *MemoryBroker) channel(name string) (*memChannel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("broker: closed")
	}
	ch, ok := b.channels[name]
	if !ok {
		ch = &memChannel{
			name:    name,
			queue:   make(chan []byte, 1024),
			groups:  make(map[string][]*memSub),
			groupRR: make(map[string]int),
			done:    make(chan struct{}),
		}
		b.channels[name] = ch
		go ch.drain(b.logger)
	}
	return ch, nil
}

func (b *MemoryBroker) Publish(channel string, body interface{}) error {
	data, err := core.JSONEncode(body)
	if err != nil {
		return err
	}
	ch, err := b.channel(channel)
	if err != nil {
		return err
	}
	select {
	case ch.queue <- data:
		return nil
	default:
		return errors.New("broker: channel backlog full: " + channel)
	}
}

func (b *MemoryBroker) Subscribe(channel string, handler Handler) (Subscription, error) {
	ch, err := b.channel(channel)
	if err != nil {
		return nil, err
	}
	sub := &memSub{ch: ch, handler: handler}
	ch.mu.Lock()
	ch.subs = append(ch.subs, sub)
	ch.mu.Unlock()
	return sub, nil
}

func (b *MemoryBroker) SubscribeQueue(channel, group string, handler Handler) (Subscription, error) {
	ch, err := b.channel(channel)
	if err != nil {
		return nil, err
	}
	sub := &memSub{ch: ch, group: group, handler: handler}
	ch.mu.Lock()
	ch.groups[group] = append(ch.groups[group], sub)
	ch.mu.Unlock()
	return sub, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ch := range b.channels {
		close(ch.done)
	}
	return nil
}

func (ch *memChannel) drain(logger core.Logger) {
	for {
		select {
		case data := <-ch.queue:
			ch.dispatch(data, logger)
		case <-ch.done:
			return
		}
	}
}

func (ch *memChannel) dispatch(data []byte, logger core.Logger) {
	ch.mu.RLock()
	subs := make([]*memSub, len(ch.subs))
	copy(subs, ch.subs)
	type groupPick struct {
		sub *memSub
	}
	var picks []groupPick
	for group, members := range ch.groups {
		if len(members) == 0 {
			continue
		}
		idx := ch.groupRR[group] % len(members)
		picks = append(picks, groupPick{sub: members[idx]})
	}
	ch.mu.RUnlock()

	ch.mu.Lock()
	for group := range ch.groups {
		ch.groupRR[group]++
	}
	ch.mu.Unlock()

	deliver := func(s *memSub) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("broker handler panicked on %s: %v", ch.name, r)
			}
		}()
		s.handler(data)
	}
	for _, s := range subs {
		deliver(s)
	}
	for _, p := range picks {
		deliver(p.sub)
	}
}

func (s *memSub) Unsubscribe() error {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	if s.group == "" {
		for i, sub := range s.ch.subs {
			if sub == s {
				s.ch.subs = append(s.ch.subs[:i], s.ch.subs[i+1:]...)
				break
			}
		}
		return nil
	}
	members := s.ch.groups[s.group]
	for i, sub := range members {
		if sub == s {
			s.ch.groups[s.group] = append(members[:i], members[i+1:]...)
			break
		}
	}
	return nil
}

var _ Broker = (*MemoryBroker)(nil)
