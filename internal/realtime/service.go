package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/auth"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrServiceClosed is returned for connections that arrive after Shutdown began.
	ErrServiceClosed = errors.New("realtime: service closed")

	errMissingHub    = errors.New("realtime: hub required")
	errMissingAccess = errors.New("realtime: access checker required")
	errMissingNotes  = errors.New("realtime: note store required")
)

// AccessChecker decides whether a user may join a note's room.
type AccessChecker interface {
	UserHasNoteAccess(ctx context.Context, userID string, role auth.Role, noteID string) (bool, error)
}

// NoteStore reads and partially updates notes.
type NoteStore interface {
	GetNote(ctx context.Context, noteID string) (notes.Note, error)
	UpdateNote(ctx context.Context, noteID string, update notes.NoteUpdate) (notes.Note, error)
}

// ServiceConfig wires the realtime Service.
type ServiceConfig struct {
	Hub               *Hub
	Access            AccessChecker
	Notes             NoteStore
	Session           SessionConfig
	AllowedOrigins    []string
	RequireMembership bool
	Logger            *zap.Logger
}

// Service upgrades authenticated requests into Sessions and dispatches their frames
// to the room, edit and signal handlers.
type Service struct {
	hub               *Hub
	access            AccessChecker
	notes             NoteStore
	sessionConfig     SessionConfig
	requireMembership bool
	upgrader          websocket.Upgrader
	editLocks         *keyedMutex
	logger            *zap.Logger

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

// NewService validates cfg and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	if cfg.Access == nil {
		return nil, errMissingAccess
	}
	if cfg.Notes == nil {
		return nil, errMissingNotes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		hub:               cfg.Hub,
		access:            cfg.Access,
		notes:             cfg.Notes,
		sessionConfig:     cfg.Session.withDefaults(),
		requireMembership: cfg.RequireMembership,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(cfg.AllowedOrigins),
		},
		editLocks: newKeyedMutex(),
		logger:    logger.With(zap.String("component", "realtime_service")),
	}, nil
}

// ServeConnection upgrades the request and runs the session until it ends. identity must
// already have been established by the Gate.
func (s *Service) ServeConnection(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	if !s.track() {
		http.Error(w, ErrServiceClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.sessions.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("user_id", identity.UserID), zap.Error(err))
		return
	}

	session := NewSession(conn, identity, s.sessionConfig, s.logger)
	if err := s.register(r.Context(), session); err != nil {
		s.logger.Warn("session registration failed", zap.String("connection_id", session.ID()), zap.Error(err))
		conn.Close()
		return
	}
	defer func() {
		if err := s.hub.Disconnect(session); err != nil {
			s.logger.Warn("disconnect cleanup failed", zap.String("connection_id", session.ID()), zap.Error(err))
		}
	}()

	if err := session.Run(r.Context(), s.handleFrame); err != nil {
		s.logger.Info("session ended", zap.String("connection_id", session.ID()), zap.Error(err))
	}
}

// register hands peer to the Hub. A peer registered after Shutdown has already closed
// every session is closed here, so Shutdown never waits on it.
func (s *Service) register(ctx context.Context, peer Peer) error {
	if err := s.hub.Register(ctx, peer); err != nil {
		return err
	}
	if s.isClosing() {
		peer.Close(ErrServerShutdown)
	}
	return nil
}

func (s *Service) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions.Add(1)
	return true
}

// Shutdown refuses new connections, closes every live session and waits for their
// disconnect cleanup to finish. The Hub must still be running.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	if err := s.hub.CloseAll(ctx, ErrServerShutdown); err != nil && !errors.Is(err, ErrHubStopped) {
		return err
	}

	finished := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	origins := make(map[string]struct{}, len(allowed))
	allowAll := len(allowed) == 0
	for _, origin := range allowed {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "*" {
			allowAll = true
		}
		if trimmed != "" {
			origins[strings.ToLower(trimmed)] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := origins[strings.ToLower(origin)]
		return ok
	}
}
