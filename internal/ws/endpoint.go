package ws

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"messaging-service/internal/auth"
	"messaging-service/internal/errs"
	"messaging-service/internal/hub"
	"messaging-service/internal/middleware"
	"messaging-service/internal/observability"
)

var tracer = otel.Tracer("messaging-service/ws")

// errLoggedOut ends a connection whose user logged out.
var errLoggedOut = errors.New("logged out")

// SessionWatcher signals the end of a user's sessions.
type SessionWatcher interface {
	WatchSessions(userID string, info hub.ConnInfo) (*hub.Subscription, error)
}

// Config tunes websocket keepalive.
type Config struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

// DefaultConfig pings well within the presence session ttl.
func DefaultConfig() Config {
	return Config{
		PingInterval: 15 * time.Second,
		PongWait:     40 * time.Second,
		WriteWait:    10 * time.Second,
	}
}

// endpoint holds what every websocket handler shares.
type endpoint struct {
	kind      string
	validator middleware.TokenValidator
	sessions  SessionWatcher
	cfg       Config
	logger    *zap.Logger
}

func newEndpoint(kind string, validator middleware.TokenValidator, sessions SessionWatcher, cfg Config, logger *zap.Logger) endpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PingInterval <= 0 {
		cfg = DefaultConfig()
	}
	return endpoint{kind: kind, validator: validator, sessions: sessions, cfg: cfg, logger: logger.With(zap.String("ws", kind))}
}

// session is an authenticated handshake.
type session struct {
	identity auth.Identity
	info     hub.ConnInfo
	span     trace.Span
	ended    *hub.Subscription
}

// Ended yields once the user's sessions end; nil without a watcher.
func (s session) Ended() <-chan any {
	if s.ended == nil {
		return nil
	}
	return s.ended.Events()
}

func (s session) release() {
	if s.ended != nil {
		s.ended.Close()
	}
}

// handshake authenticates the request and describes the connection. It
// responds itself when authentication fails. The token is checked again
// after the session watch is registered so that a logout racing the
// handshake is not missed.
func (e endpoint) handshake(c *gin.Context) (session, bool) {
	ctx, span := tracer.Start(c.Request.Context(), "ws.handshake")
	c.Request = c.Request.WithContext(ctx)

	fail := func(err error) (session, bool) {
		span.End()
		respondError(c, err)
		return session{}, false
	}

	token, err := middleware.BearerToken(c)
	if err != nil {
		return fail(errs.New(errs.ErrUnauthenticated, "invalid token"))
	}
	identity, err := e.validator.ValidateToken(ctx, token)
	if err != nil {
		return fail(errs.New(errs.ErrUnauthenticated, "invalid token"))
	}
	s := session{
		identity: identity,
		span:     span,
		info: hub.ConnInfo{
			ConnID:      newConnID(),
			UserID:      identity.UserID,
			DeviceID:    observability.DeviceIDFromRequest(c.Request),
			IP:          observability.IPFromRequest(c.Request),
			RequestID:   observability.RequestIDFromRequest(c.Request),
			TraceID:     span.SpanContext().TraceID().String(),
			ConnectedAt: time.Now(),
		},
	}
	if e.sessions != nil {
		if s.ended, err = e.sessions.WatchSessions(identity.UserID, s.info); err != nil {
			return fail(err)
		}
		if _, err := e.validator.ValidateToken(ctx, token); err != nil {
			s.release()
			return fail(errs.New(errs.ErrUnauthenticated, "invalid token"))
		}
	}
	return s, true
}

// upgrade switches protocols and records the connect event.
func (e endpoint) upgrade(c *gin.Context, info hub.ConnInfo, resource string) (*websocket.Conn, bool) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		e.logger.Debug("upgrade failed", zap.Error(err))
		return nil, false
	}
	conn.SetReadLimit(maxFrameBytes)

	observability.IncWSActive(e.kind)
	observability.PublishWSEvent(c.Request.Context(), info.WSEvent(e.kind, resource, "ws_connect", ""))
	e.logger.Debug("connected", zap.String("conn_id", info.ConnID), zap.String("user_id", info.UserID), zap.String("resource", resource))
	return conn, true
}

// finish records the disconnect and closes conn.
func (e endpoint) finish(ctx context.Context, conn *websocket.Conn, info hub.ConnInfo, resource string, cause error) {
	var reason string
	if cause != nil {
		reason = cause.Error()
		if !isNormalClose(cause) {
			observability.PublishWSEvent(ctx, info.WSEvent(e.kind, resource, "ws_error", reason))
		}
	}
	observability.DecWSActive(e.kind)
	observability.PublishWSEvent(ctx, info.WSEvent(e.kind, resource, "ws_disconnect", reason))
	e.logger.Debug("disconnected", zap.String("conn_id", info.ConnID), zap.String("reason", reason))
	_ = conn.Close()
}

// loggedOut closes conn with a policy violation.
func (e endpoint) loggedOut(conn *websocket.Conn) error {
	closeFrame(conn, websocket.ClosePolicyViolation, "logged out", e.cfg.WriteWait)
	return errLoggedOut
}

// readLoop consumes client frames until the connection fails. alive runs on
// every frame and pong.
func (e endpoint) readLoop(conn *websocket.Conn, onFrame func(data []byte), alive func()) error {
	_ = conn.SetReadDeadline(time.Now().Add(e.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		if alive != nil {
			alive()
		}
		return conn.SetReadDeadline(time.Now().Add(e.cfg.PongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(e.cfg.PongWait))
		if alive != nil {
			alive()
		}
		if onFrame != nil {
			onFrame(data)
		}
	}
}

func (e endpoint) write(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(e.cfg.WriteWait))
	return conn.WriteJSON(v)
}

func (e endpoint) ping(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(e.cfg.WriteWait))
}
