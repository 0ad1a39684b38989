package stream

import (
	"context"
	"log"
	"sync"
)

// Handler refreshes a subscriber after its topic changed. Returning an
// error ends the subscription.
type Handler func(ctx context.Context) error

// Broker fans change signals out to subscribers keyed by topic. Signals
// carry no payload: subscribers re-read the store, so a burst of
// publishes collapses into a single refresh.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{}
	logger *log.Logger
}

type subscription struct {
	topic   string
	handler Handler
	pending chan struct{}
	quit    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once

	// mu is held for the duration of a handler call so that Cancel
	// returning means no handler is running or will run.
	mu     sync.Mutex
	closed bool
}

func NewBroker(logger *log.Logger) *Broker {
	return &Broker{
		subs:   make(map[string]map[*subscription]struct{}),
		logger: logger,
	}
}

// Subscribe registers h for topic and schedules an initial delivery. The
// returned cancel func is idempotent and must not be called from inside h.
func (b *Broker) Subscribe(topic string, h Handler) (cancel func()) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	s := &subscription{
		topic:   topic,
		handler: h,
		pending: make(chan struct{}, 1),
		quit:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancelCtx,
	}

	b.mu.Lock()
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[*subscription]struct{})
		b.subs[topic] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	s.pending <- struct{}{}
	go b.run(s)

	return func() { b.unsubscribe(s) }
}

// Publish signals every subscriber of topic. It never blocks.
func (b *Broker) Publish(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs[topic] {
		select {
		case s.pending <- struct{}{}:
		default:
		}
	}
}

// PublishAll signals every subscriber of every topic.
func (b *Broker) PublishAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, set := range b.subs {
		for s := range set {
			select {
			case s.pending <- struct{}{}:
			default:
			}
		}
	}
}

// Subscribers reports how many live subscriptions topic has.
func (b *Broker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// Close cancels every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	var all []*subscription
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.mu.Unlock()

	for _, s := range all {
		b.unsubscribe(s)
	}
}

func (b *Broker) run(s *subscription) {
	for {
		select {
		case <-s.quit:
			return
		case <-s.pending:
			if err := b.deliver(s); err != nil {
				if s.ctx.Err() == nil {
					b.logger.Printf("subscription to %q ended: %v", s.topic, err)
				}
				b.detach(s)
				s.mu.Lock()
				s.closed = true
				s.mu.Unlock()
				s.cancel()
				return
			}
		}
	}
}

func (b *Broker) deliver(s *subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	return s.handler(s.ctx)
}

func (b *Broker) unsubscribe(s *subscription) {
	s.once.Do(func() {
		b.detach(s)
		s.cancel()
		close(s.quit)

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	})
}

func (b *Broker) detach(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.subs[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.topic)
		}
	}
}
