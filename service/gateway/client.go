package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"FamLink/logger"
	"FamLink/module/rtc/catchup"
	"FamLink/module/rtc/event"
	"FamLink/service/bus"
)

const (
	writeWait  = 10 * time.Second
	pingEvery  = 20 * time.Second
	maxMsgSize = 64 * 1024
)

// stream is one forwarded bus subscription: either a resumed conversation
// (with an Admit gate from catch-up) or a plain room/presence watch.
type stream struct {
	sub     *bus.Subscription
	session *catchup.Session // nil for plain watches
	stop    chan struct{}
}

// Client is one websocket connection. All writes to the socket go through
// the send channel and the single writer goroutine; the read loop and the
// stream forwarders never touch the socket directly.
type Client struct {
	ConnID string
	UserID string

	ws   *websocket.Conn
	send chan event.Envelope

	mu      sync.Mutex
	streams map[string]*stream // keyed by bus topic
	closed  bool

	b        bus.Bus
	done     chan struct{}
	syncWait time.Duration // how long deliverSync blocks on a full queue
}

func newClient(connID, userID string, ws *websocket.Conn, b bus.Bus, sendQueue int) *Client {
	if sendQueue <= 0 {
		sendQueue = 256
	}
	return &Client{
		ConnID:   connID,
		UserID:   userID,
		ws:       ws,
		send:     make(chan event.Envelope, sendQueue),
		streams:  make(map[string]*stream),
		b:        b,
		done:     make(chan struct{}),
		syncWait: writeWait,
	}
}

// deliver queues an envelope for the writer. A full queue drops the
// envelope; the client recovers through catch-up like any lossy consumer.
func (c *Client) deliver(ev event.Envelope) {
	select {
	case c.send <- ev:
	default:
		logger.Warnf("[ws] send queue full, drop conn=%s type=%s seq=%d", c.ConnID, ev.Type, ev.Seq)
	}
}

// deliverSync queues with backpressure instead of dropping, for replay
// paths where every envelope is owed to the client. Returns false when the
// connection went away or the queue stayed full for the whole wait.
func (c *Client) deliverSync(ev event.Envelope) bool {
	t := time.NewTimer(c.syncWait)
	defer t.Stop()
	select {
	case c.send <- ev:
		return true
	case <-c.done:
		return false
	case <-t.C:
		return false
	}
}

func (c *Client) writeLoop() {
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(ev); err != nil {
				logger.Infof("[ws] write failed conn=%s err=%v", c.ConnID, err)
				_ = c.ws.Close()
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

// attachStream replaces any existing stream on the same topic; a repeated
// resume supersedes the earlier attachment.
func (c *Client) attachStream(topic string, sub *bus.Subscription, session *catchup.Session) {
	st := &stream{sub: sub, session: session, stop: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.b.Unsubscribe(sub)
		return
	}
	if old, ok := c.streams[topic]; ok {
		close(old.stop)
		c.b.Unsubscribe(old.sub)
	}
	c.streams[topic] = st
	c.mu.Unlock()

	go c.forward(st)
}

func (c *Client) forward(st *stream) {
	for {
		select {
		case <-st.stop:
			return
		case <-c.done:
			return
		case ev, ok := <-st.sub.C:
			if !ok {
				return
			}
			if st.session != nil && !st.session.Admit(ev) {
				continue
			}
			c.deliver(ev)
		}
	}
}

// shutdown tears down delivery. In-flight message commits keep running;
// only the fan-out side of this connection stops.
func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	streams := c.streams
	c.streams = nil
	c.mu.Unlock()

	close(c.done)
	for _, st := range streams {
		close(st.stop)
		c.b.Unsubscribe(st.sub)
	}
	_ = c.ws.Close()
}
