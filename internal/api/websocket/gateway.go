package websocket

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/space-broker/internal/domain/errors"
	"github.com/davidleathers/space-broker/internal/domain/space"
	"github.com/davidleathers/space-broker/internal/infrastructure/config"
	"github.com/davidleathers/space-broker/internal/infrastructure/telemetry"
)

// Hub is the space registry the gateway drives.
type Hub interface {
	Watch(ctx context.Context, name, localName string, rec space.Recipient) error
	Unwatch(ctx context.Context, name, watcherID string) error
	AddFilter(ctx context.Context, name, watcherID string, nf space.NamedFilter) error
	UpdateFilter(ctx context.Context, name, watcherID string, nf space.NamedFilter) error
	RemoveFilter(ctx context.Context, name, watcherID, filterName string) error
	AddUser(ctx context.Context, name string, u space.SpaceUser, clientID string) error
	UpdateUser(ctx context.Context, name string, partial space.SpaceUser, mask space.FieldMask) error
	RemoveUserOwnedBy(ctx context.Context, name string, id int64, clientID string) error
	UpdateMetadata(ctx context.Context, name string, md map[string]any) error
	PublicEvent(ctx context.Context, name string, senderID int64, ev space.Event) error
	PrivateEvent(ctx context.Context, name string, senderID, receiverID int64, ev space.Event) error
	KickOff(ctx context.Context, name string, senderID, userID int64) error
}

// Recorder observes connection activity.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	NotificationDropped()
	ProtocolError(code string)
}

type nopRecorder struct{}

func (nopRecorder) ConnectionOpened()    {}
func (nopRecorder) ConnectionClosed()    {}
func (nopRecorder) NotificationDropped() {}
func (nopRecorder) ProtocolError(string) {}

// Registry tracks open connections by id. It is the space Directory.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Lookup implements space.Directory.
func (r *Registry) Lookup(id string) (space.Recipient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return c, true
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) add(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.id] = c
}

func (r *Registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[id]
	delete(r.conns, id)
	return ok
}

func (r *Registry) all() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Gateway upgrades client sockets and turns their frames into hub calls.
type Gateway struct {
	hub      Hub
	registry *Registry
	cfg      config.WebSocketConfig
	logger   *zap.Logger
	recorder Recorder
	validate *validator.Validate
	upgrader websocket.Upgrader
	tracer   trace.Tracer
}

// NewGateway creates a gateway. The registry must be the Directory the hub
// was built with.
func NewGateway(hub Hub, registry *Registry, cfg config.WebSocketConfig, logger *zap.Logger, recorder Recorder) *Gateway {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Gateway{
		hub:      hub,
		registry: registry,
		cfg:      cfg,
		logger:   logger.Named("websocket"),
		recorder: recorder,
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		tracer: telemetry.Tracer("space-broker/websocket"),
	}
}

// ServeHTTP upgrades the request. The world query parameter scopes every
// space name used on the connection.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	world := r.URL.Query().Get("world")
	if world == "" {
		http.Error(w, "missing world", http.StatusBadRequest)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		return
	}

	c := newConnection(uuid.NewString(), world, conn, g)
	g.registry.add(c)
	g.recorder.ConnectionOpened()
	c.logger.Info("connection opened", zap.String("remote_addr", r.RemoteAddr))

	go c.writePump()
	go c.readPump()
}

// Close closes every open connection. Their read loops run the usual
// disconnect cleanup.
func (g *Gateway) Close() {
	for _, c := range g.registry.all() {
		c.conn.Close()
	}
}

// Shutdown closes every connection and waits until each has finished its
// cleanup.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.Close()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for g.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (g *Gateway) unregister(c *Connection) {
	if g.registry.remove(c.id) {
		g.recorder.ConnectionClosed()
	}
}

func (g *Gateway) handle(c *Connection, message []byte) {
	if !c.limiter.Allow() {
		g.reject(c.ctx, c, "", ErrRateLimited)
		return
	}

	var frame ClientFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		g.reject(c.ctx, c, "", ErrMalformedFrame.WithCause(err))
		return
	}
	if err := g.validate.Struct(&frame); err != nil {
		g.reject(c.ctx, c, frame.ID, invalid(err))
		return
	}

	ctx, span := g.tracer.Start(c.ctx, "websocket.frame", trace.WithAttributes(
		attribute.String("type", frame.Type),
		attribute.String("connection_id", c.id),
	))
	defer span.End()

	if err := g.dispatch(ctx, c, &frame); err != nil {
		telemetry.RecordError(span, err)
		g.reject(ctx, c, frame.ID, err)
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *Connection, f *ClientFrame) error {
	name := c.durable(f.Space)

	switch f.Type {
	case FrameWatchSpace:
		if err := g.hub.Watch(ctx, name, f.Space, c); err != nil {
			return err
		}
		c.watching[name] = f.Space
		return nil

	case FrameUnwatchSpace:
		delete(c.watching, name)
		return g.hub.Unwatch(ctx, name, c.id)

	case FrameAddUser:
		if err := g.hub.AddUser(ctx, name, *f.User, c.id); err != nil {
			return err
		}
		c.own(name, f.User.ID)
		return nil

	case FrameUpdateUser:
		if !c.owns(name, f.User.ID) {
			return ErrNotOwner
		}
		mask, err := space.ParseFieldMask(f.Mask)
		if err != nil {
			return err
		}
		return g.hub.UpdateUser(ctx, name, *f.User, mask)

	case FrameRemoveUser:
		if !c.owns(name, f.UserID) {
			return ErrNotOwner
		}
		err := g.hub.RemoveUserOwnedBy(ctx, name, f.UserID, c.id)
		if err == nil || stderrors.Is(err, space.ErrUserMoved) || stderrors.Is(err, space.ErrUserNotFound) {
			c.disown(name, f.UserID)
		}
		return err

	case FrameAddFilter, FrameUpdateFilter:
		nf, err := f.Filter.NamedFilter()
		if err != nil {
			return err
		}
		if f.Type == FrameAddFilter {
			return g.hub.AddFilter(ctx, name, c.id, nf)
		}
		return g.hub.UpdateFilter(ctx, name, c.id, nf)

	case FrameRemoveFilter:
		return g.hub.RemoveFilter(ctx, name, c.id, f.FilterName)

	case FrameUpdateMetadata:
		return g.hub.UpdateMetadata(ctx, name, f.Metadata)

	case FramePublicEvent:
		sender, err := c.sender(name, f.SenderID)
		if err != nil {
			return err
		}
		return g.hub.PublicEvent(ctx, name, sender, *f.Event)

	case FramePrivateEvent:
		sender, err := c.sender(name, f.SenderID)
		if err != nil {
			return err
		}
		return g.hub.PrivateEvent(ctx, name, sender, f.ReceiverID, *f.Event)

	case FrameKickOff:
		sender, err := c.sender(name, f.SenderID)
		if err != nil {
			return err
		}
		return g.hub.KickOff(ctx, name, sender, f.UserID)
	}
	return ErrInvalidFrame
}

func (g *Gateway) reject(ctx context.Context, c *Connection, id string, err error) {
	code := errors.CodeOf(err)
	if errors.IsType(err, errors.ErrorTypeProtocol) {
		g.recorder.ProtocolError(code)
	}
	telemetry.WithTrace(ctx, c.logger).Debug("frame rejected", zap.String("frame_id", id), zap.String("code", code), zap.Error(err))
	c.send(ServerFrame{Type: FrameError, ID: id, Code: code, Message: err.Error()})
}

func invalid(err error) error {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return ErrInvalidFrame.WithCause(err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Namespace()+":"+fe.Tag())
	}
	return ErrInvalidFrame.WithDetails(map[string]interface{}{"fields": fields})
}
