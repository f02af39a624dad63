package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridworld.ai/internal/protocol"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
)

// Conn is a shard process's connection to the storage broker. It multiplexes
// request/response frames by seq over a single websocket and fans channel
// pushes out to their subscriptions. All handles minted from a Conn fail
// with ErrConnectionClosed once the connection is gone.
type Conn struct {
	ws  *websocket.Conn
	log *log.Logger

	out  chan []byte
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	nextSeq uint64
	pending map[uint64]chan protocol.Reply
	subs    map[uint64]*clientSub
}

// Dial connects to a broker's /v1/shard endpoint (ws:// URL).
func Dial(ctx context.Context, url string, logger *log.Logger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial storage: %w", err)
	}
	c := &Conn{
		ws:      ws,
		log:     logger,
		out:     make(chan []byte, 256),
		done:    make(chan struct{}),
		pending: map[uint64]chan protocol.Reply{},
		subs:    map[uint64]*clientSub{},
	}
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// Close tears the connection down. Idempotent; every pending and future call
// fails with ErrConnectionClosed, and open subscriptions end.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()

		c.mu.Lock()
		pending := c.pending
		subs := c.subs
		c.pending = nil
		c.subs = nil
		c.mu.Unlock()

		for _, ch := range pending {
			ch <- protocol.Reply{OK: false, Code: protocol.ErrConnClosed}
		}
		for _, sub := range subs {
			sub.close()
		}
	})
	return nil
}

func (c *Conn) readLoop() {
	defer c.Close()
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var rep protocol.Reply
		if err := json.Unmarshal(msg, &rep); err != nil {
			continue
		}
		if rep.Seq != 0 {
			c.mu.Lock()
			ch := c.pending[rep.Seq]
			delete(c.pending, rep.Seq)
			c.mu.Unlock()
			if ch != nil {
				ch <- rep
			}
			continue
		}
		if rep.Sub != 0 {
			c.mu.Lock()
			sub := c.subs[rep.Sub]
			c.mu.Unlock()
			if sub != nil {
				sub.deliver(rep.Payload)
			}
		}
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case b := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// call sends one frame and waits for its reply.
func (c *Conn) call(ctx context.Context, f protocol.Frame) (protocol.Reply, error) {
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return protocol.Reply{}, ErrConnectionClosed
	}
	c.nextSeq++
	f.Seq = c.nextSeq
	ch := make(chan protocol.Reply, 1)
	c.pending[f.Seq] = ch
	c.mu.Unlock()

	b, err := json.Marshal(f)
	if err != nil {
		c.forget(f.Seq)
		return protocol.Reply{}, err
	}
	select {
	case c.out <- b:
	case <-c.done:
		c.forget(f.Seq)
		return protocol.Reply{}, ErrConnectionClosed
	case <-ctx.Done():
		c.forget(f.Seq)
		return protocol.Reply{}, ctx.Err()
	}

	select {
	case rep := <-ch:
		if !rep.OK && rep.Code == protocol.ErrConnClosed {
			return rep, ErrConnectionClosed
		}
		return rep, nil
	case <-ctx.Done():
		c.forget(f.Seq)
		return protocol.Reply{}, ctx.Err()
	}
}

func (c *Conn) forget(seq uint64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, seq)
	}
	c.mu.Unlock()
}

func replyErr(rep protocol.Reply) error {
	switch rep.Code {
	case protocol.ErrVersionChanged:
		return ErrVersionChanged
	case protocol.ErrBlobMissing:
		return ErrNotFound
	case protocol.ErrConnClosed:
		return ErrConnectionClosed
	default:
		return fmt.Errorf("storage: broker error %s", rep.Code)
	}
}

// Queue returns a handle for the named queue.
func (c *Conn) Queue(name string) Queue { return clientQueue{c: c, name: name} }

// Channel returns a handle for the named topic.
func (c *Conn) Channel(topic string) Channel { return clientChannel{c: c, topic: topic} }

// Blobs returns the blob store handle.
func (c *Conn) Blobs() Blobs { return clientBlobs{c: c} }

type clientQueue struct {
	c    *Conn
	name string
}

func (q clientQueue) Push(ctx context.Context, payload []byte) error {
	rep, err := q.c.call(ctx, protocol.Frame{Op: protocol.OpQueuePush, Queue: q.name, Payload: payload})
	if err != nil {
		return err
	}
	if !rep.OK {
		return replyErr(rep)
	}
	return nil
}

func (q clientQueue) SetVersion(ctx context.Context, version uint64) error {
	rep, err := q.c.call(ctx, protocol.Frame{Op: protocol.OpQueueSetVersion, Queue: q.name, Version: version})
	if err != nil {
		return err
	}
	if !rep.OK {
		return replyErr(rep)
	}
	return nil
}

func (q clientQueue) Consume(ctx context.Context, version uint64) ([]byte, error) {
	rep, err := q.c.call(ctx, protocol.Frame{Op: protocol.OpQueueConsume, Queue: q.name, Version: version})
	if err != nil {
		return nil, err
	}
	if !rep.OK {
		return nil, replyErr(rep)
	}
	return rep.Payload, nil
}

type clientChannel struct {
	c     *Conn
	topic string
}

func (ch clientChannel) Publish(ctx context.Context, msg []byte) error {
	rep, err := ch.c.call(ctx, protocol.Frame{Op: protocol.OpChannelPublish, Topic: ch.topic, Payload: msg})
	if err != nil {
		return err
	}
	if !rep.OK {
		return replyErr(rep)
	}
	return nil
}

func (ch clientChannel) Subscribe(ctx context.Context) (Subscription, error) {
	rep, err := ch.c.call(ctx, protocol.Frame{Op: protocol.OpChannelSub, Topic: ch.topic})
	if err != nil {
		return nil, err
	}
	if !rep.OK {
		return nil, replyErr(rep)
	}
	sub := newClientSub(ch.c, rep.Sub)
	ch.c.mu.Lock()
	if ch.c.subs == nil {
		ch.c.mu.Unlock()
		sub.close()
		return nil, ErrConnectionClosed
	}
	ch.c.subs[rep.Sub] = sub
	ch.c.mu.Unlock()
	return sub, nil
}

// clientSub buffers pushes from the read loop so a slow consumer never
// stalls frame demultiplexing.
type clientSub struct {
	c  *Conn
	id uint64

	mu      sync.Mutex
	queue   [][]byte
	wake    chan struct{}
	done    chan struct{}
	out     chan []byte
	once    sync.Once
}

func newClientSub(c *Conn, id uint64) *clientSub {
	s := &clientSub{
		c:    c,
		id:   id,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan []byte),
	}
	go s.pump()
	return s
}

func (s *clientSub) C() <-chan []byte { return s.out }

func (s *clientSub) Disconnect() {
	s.close()
	s.c.mu.Lock()
	if s.c.subs != nil {
		delete(s.c.subs, s.id)
	}
	s.c.mu.Unlock()
	// Best effort: the broker drops the subscription on connection close
	// anyway.
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	_, _ = s.c.call(ctx, protocol.Frame{Op: protocol.OpChannelUnsub, Sub: s.id})
}

func (s *clientSub) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *clientSub) deliver(msg []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *clientSub) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var msg []byte
		if len(s.queue) > 0 {
			msg = s.queue[0]
			s.queue = s.queue[1:]
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

type clientBlobs struct{ c *Conn }

func (b clientBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	rep, err := b.c.call(ctx, protocol.Frame{Op: protocol.OpBlobGet, Key: key})
	if err != nil {
		return nil, err
	}
	if !rep.OK {
		return nil, replyErr(rep)
	}
	return rep.Payload, nil
}

func (b clientBlobs) Set(ctx context.Context, key string, value []byte) error {
	rep, err := b.c.call(ctx, protocol.Frame{Op: protocol.OpBlobSet, Key: key, Payload: value})
	if err != nil {
		return err
	}
	if !rep.OK {
		return replyErr(rep)
	}
	return nil
}

func (b clientBlobs) Del(ctx context.Context, key string) error {
	rep, err := b.c.call(ctx, protocol.Frame{Op: protocol.OpBlobDel, Key: key})
	if err != nil {
		return err
	}
	if !rep.OK {
		return replyErr(rep)
	}
	return nil
}

func (b clientBlobs) Copy(ctx context.Context, src, dst string) error {
	rep, err := b.c.call(ctx, protocol.Frame{Op: protocol.OpBlobCopy, Key: src, DstKey: dst})
	if err != nil {
		return err
	}
	if !rep.OK {
		return replyErr(rep)
	}
	return nil
}
