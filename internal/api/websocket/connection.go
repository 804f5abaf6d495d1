package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/space-broker/internal/domain/space"
)

// Connection is one client socket. It is the delivery handle for the users
// it joined and a watcher of the spaces it subscribed to. Deliver never
// blocks: frames go to a bounded queue that sheds its oldest entry.
type Connection struct {
	id      string
	world   string
	conn    *websocket.Conn
	gw      *Gateway
	logger  *zap.Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queue  [][]byte
	closed bool
	wake   chan struct{}

	// Owned by the read goroutine.
	watching map[string]string
	joined   map[string]map[int64]struct{}
}

func newConnection(id, world string, conn *websocket.Conn, gw *Gateway) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:       id,
		world:    world,
		conn:     conn,
		gw:       gw,
		logger:   gw.logger.With(zap.String("connection_id", id), zap.String("world", world)),
		limiter:  rate.NewLimiter(rate.Limit(gw.cfg.RateLimitPerSecond), gw.cfg.Burst),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		watching: make(map[string]string),
		joined:   make(map[string]map[int64]struct{}),
	}
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// Deliver queues a notification frame.
func (c *Connection) Deliver(n space.Notification) {
	c.send(ServerFrame{Type: FrameNotification, Notification: &n})
}

func (c *Connection) send(frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.String("type", frame.Type), zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.queue) >= c.gw.cfg.SendQueueSize {
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.gw.recorder.NotificationDropped()
	}
	c.queue = append(c.queue, data)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Connection) drain() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	return out
}

// Pending returns the number of queued frames.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Connection) close() {
	c.mu.Lock()
	c.closed = true
	c.queue = nil
	c.mu.Unlock()
	c.cancel()
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.gw.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.wake:
			for _, frame := range c.drain() {
				c.conn.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteTimeout))
				if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					c.logger.Debug("write failed", zap.Error(err))
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.cleanup()
		c.close()
		c.gw.unregister(c)
	}()

	c.conn.SetReadLimit(c.gw.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.gw.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.gw.cfg.PongTimeout))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.conn.SetReadDeadline(time.Now().Add(c.gw.cfg.PongTimeout))
		c.gw.handle(c, message)
	}
}

// cleanup removes the users this connection still hosts, then unwatches
// every space it subscribed to. Users that rejoined through another
// connection stay.
func (c *Connection) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), c.gw.cfg.WriteTimeout)
	defer cancel()

	for name, users := range c.joined {
		for id := range users {
			if err := c.gw.hub.RemoveUserOwnedBy(ctx, name, id, c.id); err != nil {
				c.logger.Debug("cleanup: remove user", zap.String("space", name), zap.Int64("user_id", id), zap.Error(err))
			}
		}
	}
	for name := range c.watching {
		if err := c.gw.hub.Unwatch(ctx, name, c.id); err != nil {
			c.logger.Debug("cleanup: unwatch", zap.String("space", name), zap.Error(err))
		}
	}
	c.logger.Info("connection closed",
		zap.Int("spaces", len(c.watching)),
		zap.Int("joined_spaces", len(c.joined)),
	)
}

func (c *Connection) durable(local string) string {
	return c.world + "." + local
}

func (c *Connection) own(name string, id int64) {
	users, ok := c.joined[name]
	if !ok {
		users = make(map[int64]struct{})
		c.joined[name] = users
	}
	users[id] = struct{}{}
}

func (c *Connection) disown(name string, id int64) {
	delete(c.joined[name], id)
	if len(c.joined[name]) == 0 {
		delete(c.joined, name)
	}
}

func (c *Connection) owns(name string, id int64) bool {
	_, ok := c.joined[name][id]
	return ok
}

// sender resolves the acting user. A zero id means the only user this
// connection joined to the space.
func (c *Connection) sender(name string, id int64) (int64, error) {
	if id != 0 {
		if !c.owns(name, id) {
			return 0, ErrNotOwner
		}
		return id, nil
	}
	users := c.joined[name]
	if len(users) != 1 {
		if len(users) == 0 {
			return 0, ErrNotOwner
		}
		return 0, ErrAmbiguousUser
	}
	for only := range users {
		return only, nil
	}
	return 0, ErrNotOwner
}
