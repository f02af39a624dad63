package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridworld.ai/internal/protocol"
	"gridworld.ai/internal/storage"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
)

// Server exposes the engine to shard processes over a websocket endpoint.
// Each client connection gets one reader loop and one writer goroutine;
// blocking operations (queueConsume) are answered out of order by seq, and
// channel deliveries arrive as pushes keyed by subscription ID.
type Server struct {
	engine *Engine
	log    *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(engine *Engine, logger *log.Logger) *Server {
	return &Server{
		engine: engine,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // shard-internal endpoint
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		s.serve(conn)
	}
}

type clientConn struct {
	srv  *Server
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	out chan protocol.Reply

	mu   sync.Mutex
	subs map[uint64]*BrokerSub
}

func (s *Server) serve(conn *websocket.Conn) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := &clientConn{
		srv:    s,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan protocol.Reply, 1024),
		subs:   map[uint64]*BrokerSub{},
	}
	defer c.teardown()

	go c.writeLoop()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f protocol.Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.reply(protocol.Reply{Seq: 0, OK: false, Code: protocol.ErrBadFrame})
			continue
		}
		c.dispatch(f)
	}
}

func (c *clientConn) teardown() {
	c.cancel()
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Disconnect()
	}
}

func (c *clientConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		case rep := <-c.out:
			b, err := json.Marshal(rep)
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *clientConn) reply(rep protocol.Reply) {
	select {
	case c.out <- rep:
	case <-c.ctx.Done():
	}
}

func (c *clientConn) dispatch(f protocol.Frame) {
	e := c.srv.engine
	switch f.Op {
	case protocol.OpQueuePush:
		e.queues.Push(f.Queue, f.Payload)
		c.reply(protocol.Reply{Seq: f.Seq, OK: true})

	case protocol.OpQueueSetVersion:
		e.queues.SetVersion(f.Queue, f.Version)
		c.reply(protocol.Reply{Seq: f.Seq, OK: true})

	case protocol.OpQueueConsume:
		// Parks until an item arrives, the version moves, or the client
		// goes away; answered by seq from its own goroutine.
		go func() {
			payload, err := e.queues.Consume(c.ctx, f.Queue, f.Version)
			switch {
			case err == nil:
				c.reply(protocol.Reply{Seq: f.Seq, OK: true, Payload: payload})
			case errors.Is(err, storage.ErrVersionChanged):
				c.reply(protocol.Reply{Seq: f.Seq, OK: false, Code: protocol.ErrVersionChanged})
			default:
				// Client context cancelled; nobody is listening.
			}
		}()

	case protocol.OpChannelSub:
		sub := e.channels.Subscribe(f.Topic)
		c.mu.Lock()
		if c.subs == nil {
			c.mu.Unlock()
			sub.Disconnect()
			return
		}
		c.subs[sub.ID()] = sub
		c.mu.Unlock()
		go c.forward(sub)
		c.reply(protocol.Reply{Seq: f.Seq, OK: true, Sub: sub.ID()})

	case protocol.OpChannelUnsub:
		c.mu.Lock()
		sub := c.subs[f.Sub]
		delete(c.subs, f.Sub)
		c.mu.Unlock()
		if sub == nil {
			c.reply(protocol.Reply{Seq: f.Seq, OK: false, Code: protocol.ErrSubUnknown})
			return
		}
		sub.Disconnect()
		c.reply(protocol.Reply{Seq: f.Seq, OK: true})

	case protocol.OpChannelPublish:
		e.channels.Publish(f.Topic, f.Payload)
		c.reply(protocol.Reply{Seq: f.Seq, OK: true})

	case protocol.OpBlobGet:
		value, err := e.blobs.Get(c.ctx, f.Key)
		if err != nil {
			c.reply(protocol.Reply{Seq: f.Seq, OK: false, Code: blobCode(err)})
			return
		}
		c.reply(protocol.Reply{Seq: f.Seq, OK: true, Payload: value})

	case protocol.OpBlobSet:
		if err := e.blobs.Set(c.ctx, f.Key, f.Payload); err != nil {
			c.reply(protocol.Reply{Seq: f.Seq, OK: false, Code: blobCode(err)})
			return
		}
		c.reply(protocol.Reply{Seq: f.Seq, OK: true})

	case protocol.OpBlobDel:
		if err := e.blobs.Del(c.ctx, f.Key); err != nil {
			c.reply(protocol.Reply{Seq: f.Seq, OK: false, Code: blobCode(err)})
			return
		}
		c.reply(protocol.Reply{Seq: f.Seq, OK: true})

	case protocol.OpBlobCopy:
		if err := e.blobs.Copy(c.ctx, f.Key, f.DstKey); err != nil {
			c.reply(protocol.Reply{Seq: f.Seq, OK: false, Code: blobCode(err)})
			return
		}
		c.reply(protocol.Reply{Seq: f.Seq, OK: true})

	default:
		c.reply(protocol.Reply{Seq: f.Seq, OK: false, Code: protocol.ErrBadFrame})
	}
}

// forward pumps one subscription's deliveries to the client as push frames.
func (c *clientConn) forward(sub *BrokerSub) {
	for msg := range sub.C() {
		c.reply(protocol.Reply{Sub: sub.ID(), OK: true, Payload: msg})
	}
}

func blobCode(err error) string {
	if errors.Is(err, storage.ErrNotFound) {
		return protocol.ErrBlobMissing
	}
	return protocol.ErrInternal
}
