package notify

import (
	"log/slog"
	"sync"
	"time"

	"quotedesk/internal/market"
)

// Event announces a successful refresh. Snapshot is read-only.
type Event struct {
	RefreshID string
	Source    string
	Snapshot  *market.Snapshot
	Timestamp time.Time
	Elapsed   time.Duration
}

// ErrorEvent announces a failed refresh. The store was left untouched.
type ErrorEvent struct {
	RefreshID           string
	Source              string
	Err                 error
	ConsecutiveFailures int
	Timestamp           time.Time
	Elapsed             time.Duration
}

// Bus fans events out to subscribers. Every subscriber owns an unbounded
// queue and a goroutine, so delivery is in publish order and a slow handler
// only delays itself. Refresh and error events share that queue, so a
// subscriber to both sees them in the order they were published.
type Bus struct {
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	nextID  int
	subs    map[int]*subscriber
	running sync.WaitGroup
}

func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[int]*subscriber),
	}
}

// Subscribe registers fn for refresh events. The returned cancel stops
// delivery after already queued events; it is safe to call more than once
// and from inside fn.
func (b *Bus) Subscribe(name string, fn func(Event)) (cancel func()) {
	return b.SubscribeAll(name, fn, nil)
}

func (b *Bus) SubscribeErrors(name string, fn func(ErrorEvent)) (cancel func()) {
	return b.SubscribeAll(name, nil, fn)
}

// SubscribeAll registers handlers for both kinds on one ordered queue.
// Either handler may be nil.
func (b *Bus) SubscribeAll(name string, onEvent func(Event), onError func(ErrorEvent)) (cancel func()) {
	noop := func() {}
	if onEvent == nil && onError == nil {
		return noop
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return noop
	}
	id := b.nextID
	b.nextID++
	sub := newSubscriber(name, onEvent, onError, b.logger)
	b.subs[id] = sub
	b.running.Add(1)
	go func() {
		defer b.running.Done()
		sub.run()
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if cur, ok := b.subs[id]; ok && cur == sub {
				delete(b.subs, id)
			}
			b.mu.Unlock()
			sub.close()
		})
	}
}

func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.onEvent != nil {
			sub.push(message{event: evt})
		}
	}
}

func (b *Bus) PublishError(evt ErrorEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.onError != nil {
			e := evt
			sub.push(message{failure: &e})
		}
	}
}

// Close stops accepting events and waits for every subscriber to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.close()
		delete(b.subs, id)
	}
	b.mu.Unlock()
	b.running.Wait()
}

// message holds one queued delivery; failure is set for error events.
type message struct {
	event   Event
	failure *ErrorEvent
}

type subscriber struct {
	name    string
	onEvent func(Event)
	onError func(ErrorEvent)
	logger  *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []message
	closed bool
}

func newSubscriber(name string, onEvent func(Event), onError func(ErrorEvent), logger *slog.Logger) *subscriber {
	s := &subscriber{name: name, onEvent: onEvent, onError: onError, logger: logger}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) push(m message) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, m)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		m := s.queue[0]
		s.queue[0] = message{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(m)
	}
}

func (s *subscriber) deliver(m message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber panicked", slog.String("subscriber", s.name), slog.Any("panic", r))
		}
	}()
	if m.failure != nil {
		s.onError(*m.failure)
		return
	}
	s.onEvent(m.event)
}
