package consumer

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/withObsrvr/yellowstone-ingestor/processor"
)

const (
	tapWriteWait  = 10 * time.Second
	tapPongWait   = 60 * time.Second
	tapPingPeriod = (tapPongWait * 9) / 10
	tapClientBuf  = 256
)

type tapClient struct {
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]struct{}
}

func (c *tapClient) wants(topics []string) bool {
	if len(c.topics) == 0 {
		return true
	}
	for _, t := range topics {
		if _, ok := c.topics[t]; ok {
			return true
		}
	}
	return false
}

// LiveTap streams routed envelopes to websocket clients. A client may limit
// itself to topics with repeated ?topic= query values. Clients that cannot
// keep up are disconnected; the processor chain never waits on them.
type LiveTap struct {
	upgrader   websocket.Upgrader
	register   chan *tapClient
	unregister chan *tapClient
	broadcast  chan *processor.RoutedEvent
	done       chan struct{}
	closeOnce  sync.Once
	clients    atomic.Int64
	dropped    atomic.Uint64
	log        *logrus.Entry
}

func NewLiveTap(logger *logrus.Entry) *LiveTap {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &LiveTap{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		register:   make(chan *tapClient),
		unregister: make(chan *tapClient),
		broadcast:  make(chan *processor.RoutedEvent, tapClientBuf),
		done:       make(chan struct{}),
		log:        logger.WithField("component", "live-tap"),
	}
	go t.run()
	return t
}

func (t *LiveTap) run() {
	clients := make(map[*tapClient]struct{})
	defer func() {
		for c := range clients {
			close(c.send)
		}
		t.clients.Store(0)
	}()

	for {
		select {
		case <-t.done:
			return
		case c := <-t.register:
			clients[c] = struct{}{}
			t.clients.Store(int64(len(clients)))
			t.log.WithField("clients", len(clients)).Debug("Live tap client connected")
		case c := <-t.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
				t.clients.Store(int64(len(clients)))
			}
		case ev := <-t.broadcast:
			for c := range clients {
				if !c.wants(ev.Topics) {
					continue
				}
				select {
				case c.send <- ev.Payload:
				default:
					delete(clients, c)
					close(c.send)
					t.clients.Store(int64(len(clients)))
					t.log.Warn("Dropped slow live tap client")
				}
			}
		}
	}
}

// ServeHTTP upgrades the request to a websocket subscription.
func (t *LiveTap) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.WithError(err).Debug("WebSocket upgrade error")
		return
	}

	c := &tapClient{
		conn:   conn,
		send:   make(chan []byte, tapClientBuf),
		topics: make(map[string]struct{}),
	}
	for _, topic := range r.URL.Query()["topic"] {
		if topic != "" {
			c.topics[topic] = struct{}{}
		}
	}

	select {
	case t.register <- c:
	case <-t.done:
		conn.Close()
		return
	}

	go t.writePump(c)
	go t.readPump(c)
}

func (t *LiveTap) readPump(c *tapClient) {
	defer func() {
		select {
		case t.unregister <- c:
		case <-t.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(tapPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(tapPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (t *LiveTap) writePump(c *tapClient) {
	ticker := time.NewTicker(tapPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(tapWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(tapWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Process hands the envelope to the hub without blocking. When the hub is
// backed up the envelope is dropped for every tap client.
func (t *LiveTap) Process(ctx context.Context, msg processor.Message) error {
	routed, err := routedEvent(msg)
	if err != nil {
		return err
	}
	select {
	case t.broadcast <- routed:
	case <-t.done:
	default:
		t.dropped.Add(1)
	}
	return nil
}

func (t *LiveTap) Subscribe(processor.Processor) {}

// Clients returns the number of connected clients.
func (t *LiveTap) Clients() int {
	return int(t.clients.Load())
}

func (t *LiveTap) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

var _ Consumer = (*LiveTap)(nil)
