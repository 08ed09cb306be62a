package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/auth"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSendBuffer      = 64
	defaultPingInterval    = 25 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultMaxMessageBytes = 64 * 1024
)

var errSessionClosed = errors.New("realtime: session closed")

// SessionConfig tunes a Session's transport behavior.
type SessionConfig struct {
	SendBuffer      int
	PingInterval    time.Duration
	IdleTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	return c
}

// FrameHandler processes one inbound frame on the session's read goroutine.
type FrameHandler func(ctx context.Context, session *Session, frame []byte)

// Session is one authenticated websocket connection. It owns a read pump and a write pump;
// outbound frames are queued through Send.
type Session struct {
	id       string
	identity auth.Identity
	conn     *websocket.Conn
	config   SessionConfig
	send     chan []byte

	closed    chan struct{}
	closeOnce sync.Once
	reason    error

	logger *zap.Logger
}

// NewSession wraps an upgraded connection carrying identity.
func NewSession(conn *websocket.Conn, identity auth.Identity, config SessionConfig, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()
	id := uuid.NewString()
	return &Session{
		id:       id,
		identity: identity,
		conn:     conn,
		config:   config,
		send:     make(chan []byte, config.SendBuffer),
		closed:   make(chan struct{}),
		logger: logger.With(
			zap.String("connection_id", id),
			zap.String("user_id", identity.UserID),
		),
	}
}

// ID returns the connection identifier, unique per physical connection.
func (s *Session) ID() string {
	return s.id
}

// Identity returns the identity attached by the Connection Gate.
func (s *Session) Identity() auth.Identity {
	return s.identity
}

// Send queues frame without blocking. It reports false when the queue is full or the
// session is closed.
func (s *Session) Send(frame []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Close signals both pumps to stop. Only the first reason is kept.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		s.reason = reason
		close(s.closed)
	})
}

// Done is closed once Close has been called.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Run pumps frames until the connection ends or ctx is cancelled. Inbound frames are
// handed to handler one at a time.
func (s *Session) Run(ctx context.Context, handler FrameHandler) error {
	s.logger.Info("realtime session established")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.readPump(groupCtx, handler)
	})
	group.Go(func() error {
		return s.writePump(groupCtx)
	})
	err := group.Wait()

	s.logger.Info("realtime session closed", zap.NamedError("reason", s.reason), zap.Error(err))
	return err
}

func (s *Session) readPump(ctx context.Context, handler FrameHandler) (err error) {
	defer func() {
		s.Close(err)
	}()

	s.conn.SetReadLimit(s.config.MaxMessageBytes)
	if err := s.extendReadDeadline(); err != nil {
		return err
	}
	s.conn.SetPongHandler(func(string) error {
		return s.extendReadDeadline()
	})

	for {
		messageType, frame, err := s.conn.ReadMessage()
		if err != nil {
			if s.isExpectedReadError(err) {
				return nil
			}
			return err
		}
		if err := s.extendReadDeadline(); err != nil {
			return err
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		handler(ctx, s, frame)
	}
}

func (s *Session) isExpectedReadError(err error) bool {
	select {
	case <-s.closed:
		return true
	default:
	}
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	return !websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}

func (s *Session) extendReadDeadline() error {
	return s.conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
}

func (s *Session) writePump(ctx context.Context) error {
	ticker := time.NewTicker(s.config.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				s.Close(err)
				return nil
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.Close(err)
				return nil
			}
		case <-s.closed:
			s.writeClose()
			return nil
		case <-ctx.Done():
			s.Close(errSessionClosed)
			s.writeClose()
			return nil
		}
	}
}

func (s *Session) write(messageType int, payload []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, payload)
}

func (s *Session) writeClose() {
	code := websocket.CloseNormalClosure
	text := ""
	switch {
	case errors.Is(s.reason, ErrServerShutdown):
		code, text = websocket.CloseGoingAway, "server shutting down"
	case errors.Is(s.reason, ErrSlowConsumer):
		code, text = websocket.ClosePolicyViolation, "too slow"
	}
	deadline := time.Now().Add(s.config.WriteTimeout)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}
