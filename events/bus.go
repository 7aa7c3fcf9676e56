package events

import (
	"sync"

	"github.com/ef-ds/deque"
	"github.com/meow-io/go-obvsync/config"
	"go.uber.org/zap"
)

// Bus delivers published events to every subscription interested in their kind. Publishing never
// blocks: each subscription buffers its backlog until its consumer catches up.
type Bus struct {
	log    *zap.SugaredLogger
	lock   sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
}

func NewBus(c *config.Config) *Bus {
	return &Bus{
		log:  c.Logger("events/bus"),
		subs: make(map[uint64]*Subscription),
	}
}

// Subscribe returns a subscription receiving events of the given kinds, in publication order.
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	b.lock.Lock()
	defer b.lock.Unlock()

	s := &Subscription{
		id:     b.nextID,
		bus:    b,
		kinds:  make(map[Kind]struct{}, len(kinds)),
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	for _, k := range kinds {
		s.kinds[k] = struct{}{}
	}
	b.nextID++
	b.subs[s.id] = s
	s.start()
	return s
}

func (b *Bus) Publish(e Event) {
	b.lock.Lock()
	defer b.lock.Unlock()

	delivered := 0
	for _, s := range b.subs {
		if _, ok := s.kinds[e.Kind()]; !ok {
			continue
		}
		s.push(e)
		delivered++
	}
	b.log.Debugf("published %s to %d subscriptions", e.Kind(), delivered)
}

func (b *Bus) unsubscribe(id uint64) {
	b.lock.Lock()
	defer b.lock.Unlock()
	delete(b.subs, id)
}

type Subscription struct {
	id        uint64
	bus       *Bus
	kinds     map[Kind]struct{}
	lock      sync.Mutex
	backlog   deque.Deque
	signal    chan struct{}
	out       chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Events is closed once the subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.unsubscribe(s.id)
		close(s.done)
	})
}

func (s *Subscription) push(e Event) {
	s.lock.Lock()
	s.backlog.PushBack(e)
	s.lock.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pop() (Event, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	v, ok := s.backlog.PopFront()
	if !ok {
		return nil, false
	}
	return v.(Event), true
}

func (s *Subscription) start() {
	go func() {
		defer close(s.out)
		for {
			e, ok := s.pop()
			if !ok {
				select {
				case <-s.done:
					return
				case <-s.signal:
					continue
				}
			}
			select {
			case <-s.done:
				return
			case s.out <- e:
			}
		}
	}()
}
