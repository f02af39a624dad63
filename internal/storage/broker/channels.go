package broker

import (
	"sync"
)

// Channels holds every pub/sub topic on the broker. Topics come into being
// on first subscribe and are dropped once the last subscriber disconnects;
// there is no retained state, so a late subscriber never sees earlier
// messages.
type Channels struct {
	mu      sync.Mutex
	topics  map[string]*topic
	nextSub uint64
}

type topic struct {
	name string
	subs map[uint64]*subscription
}

type subscription struct {
	id    uint64
	topic string

	mu      sync.Mutex
	pending [][]byte
	wake    chan struct{}
	done    chan struct{}
	out     chan []byte
	once    sync.Once
}

func NewChannels() *Channels {
	return &Channels{topics: map[string]*topic{}}
}

// Publish copies msg to every active subscriber of name, in publish order
// per subscriber. Publishing to a topic with no subscribers is a no-op.
func (cs *Channels) Publish(name string, msg []byte) {
	cs.mu.Lock()
	t := cs.topics[name]
	if t == nil {
		cs.mu.Unlock()
		return
	}
	subs := make([]*subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	cs.mu.Unlock()

	for _, s := range subs {
		s.deliver(msg)
	}
}

// Subscribe registers a new subscriber for name and returns its handle.
func (cs *Channels) Subscribe(name string) *BrokerSub {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	t := cs.topics[name]
	if t == nil {
		t = &topic{name: name, subs: map[uint64]*subscription{}}
		cs.topics[name] = t
	}
	cs.nextSub++
	s := &subscription{
		id:    cs.nextSub,
		topic: name,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		out:   make(chan []byte),
	}
	t.subs[s.id] = s
	go s.pump()
	return &BrokerSub{cs: cs, s: s}
}

func (cs *Channels) drop(s *subscription) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	t := cs.topics[s.topic]
	if t == nil {
		return
	}
	delete(t.subs, s.id)
	if len(t.subs) == 0 {
		delete(cs.topics, s.topic)
	}
}

func (s *subscription) deliver(msg []byte) {
	s.mu.Lock()
	s.pending = append(s.pending, msg)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump drains the unbounded pending buffer into the out channel so that a
// slow consumer never blocks the publisher. Closing done ends iteration by
// closing out.
func (s *subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var msg []byte
		if len(s.pending) > 0 {
			msg = s.pending[0]
			s.pending = s.pending[1:]
		}
		s.mu.Unlock()

		if msg == nil {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) disconnect() {
	s.once.Do(func() { close(s.done) })
}

// BrokerSub adapts a broker-side subscription to storage.Subscription for
// in-process consumers (tests, single-binary deployments).
type BrokerSub struct {
	cs *Channels
	s  *subscription
}

func (b *BrokerSub) C() <-chan []byte { return b.s.out }

func (b *BrokerSub) Disconnect() {
	b.s.disconnect()
	b.cs.drop(b.s)
}

// ID reports the broker-assigned subscription ID (used by the frame server).
func (b *BrokerSub) ID() uint64 { return b.s.id }
