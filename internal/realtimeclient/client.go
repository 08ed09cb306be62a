// Package realtimeclient keeps a realtime connection alive from the client side: it
// reconnects with exponential backoff, re-joins every open note after a reconnect and
// rebuilds presence from the server's collaborators replies.
package realtimeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/realtime"
	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	defaultEventBuffer    = 128
	defaultWriteTimeout   = 10 * time.Second
)

var (
	// ErrUnauthorized is returned by Run when the server rejects the credential.
	ErrUnauthorized = errors.New("realtimeclient: credential rejected")
	// ErrRetriesExhausted is returned by Run when the retry cap is reached.
	ErrRetriesExhausted = errors.New("realtimeclient: reconnect attempts exhausted")
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("realtimeclient: not connected")

	errMissingURL = errors.New("realtimeclient: url required")
)

// Config configures a Client.
type Config struct {
	URL            string
	Token          string
	Dialer         *websocket.Dialer
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxRetries caps consecutive failed attempts; zero retries forever.
	MaxRetries  uint64
	EventBuffer int
	Logger      *zap.Logger
}

// Client is a reconnecting realtime connection.
type Client struct {
	url            string
	token          string
	dialer         *websocket.Dialer
	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxRetries     uint64
	events         chan realtime.Envelope
	logger         *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	joined   map[string]struct{}
	presence map[string][]realtime.MemberSummary
	connects int

	writeMu sync.Mutex
}

// New validates cfg and constructs a Client. Call Run to connect.
func New(cfg Config) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errMissingURL
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		url:            url,
		token:          cfg.Token,
		dialer:         dialer,
		initialBackoff: initial,
		maxBackoff:     maxBackoff,
		maxRetries:     cfg.MaxRetries,
		events:         make(chan realtime.Envelope, buffer),
		logger:         logger.With(zap.String("component", "realtime_client")),
		joined:         make(map[string]struct{}),
		presence:       make(map[string][]realtime.MemberSummary),
	}, nil
}

// Events delivers every frame received from the server. Frames are dropped when the
// buffer is full.
func (c *Client) Events() <-chan realtime.Envelope {
	return c.events
}

// Run connects and keeps reconnecting until ctx is cancelled, the credential is
// rejected or the retry cap is reached.
func (c *Client) Run(ctx context.Context) error {
	policy := c.newBackOff()
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			policy.Reset()
			c.attach(conn)
			err = c.readLoop(ctx, conn)
			c.detach(conn)
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}
		c.logger.Warn("realtime connection lost, retrying", zap.Duration("backoff", wait), zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

func (c *Client) newBackOff() backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = c.initialBackoff
	exponential.MaxInterval = c.maxBackoff
	exponential.MaxElapsedTime = 0
	exponential.Reset()
	if c.maxRetries == 0 {
		return exponential
	}
	return backoff.WithMaxRetries(exponential, c.maxRetries)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, response, err := c.dialer.DialContext(ctx, c.url, header)
	if response != nil && response.Body != nil {
		response.Body.Close()
	}
	if err != nil {
		if response != nil && response.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return conn, nil
}

// attach publishes conn and re-joins every note the caller had open.
func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connects++
	noteIDs := make([]string, 0, len(c.joined))
	for noteID := range c.joined {
		noteIDs = append(noteIDs, noteID)
	}
	c.mu.Unlock()

	sort.Strings(noteIDs)
	for _, noteID := range noteIDs {
		if err := c.write(conn, realtime.EventJoinNote, realtime.RoomRequest{NoteID: noteID}); err != nil {
			c.logger.Warn("rejoin failed", zap.String("note_id", noteID), zap.Error(err))
		}
	}
	c.logger.Info("realtime connection established", zap.Int("rejoined", len(noteIDs)))
}

// detach forgets conn and every presence list, which the next collaborators replies rebuild.
func (c *Client) detach(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	c.presence = make(map[string][]realtime.MemberSummary)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var envelope realtime.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.logger.Debug("discarding malformed frame", zap.Error(err))
				continue
			}
			return err
		}
		c.applyPresence(envelope)
		select {
		case c.events <- envelope:
		default:
			c.logger.Debug("event buffer full, dropping frame", zap.String("type", string(envelope.Type)))
		}
	}
}

func (c *Client) applyPresence(envelope realtime.Envelope) {
	switch envelope.Type {
	case realtime.EventCollaborators:
		var payload realtime.CollaboratorsPayload
		if envelope.DecodePayload(&payload) != nil {
			return
		}
		c.mu.Lock()
		if _, ok := c.joined[payload.NoteID]; ok {
			c.presence[payload.NoteID] = append([]realtime.MemberSummary(nil), payload.Collaborators...)
		}
		c.mu.Unlock()
	case realtime.EventUserJoined, realtime.EventUserLeft:
		var payload realtime.MemberEventPayload
		if envelope.DecodePayload(&payload) != nil {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		members, ok := c.presence[payload.NoteID]
		if !ok {
			return
		}
		filtered := members[:0:0]
		for _, member := range members {
			if member.UserID != payload.UserID {
				filtered = append(filtered, member)
			}
		}
		if envelope.Type == realtime.EventUserJoined {
			filtered = append(filtered, realtime.MemberSummary{UserID: payload.UserID, UserName: payload.UserName})
		}
		c.presence[payload.NoteID] = filtered
	case realtime.EventError:
		var payload realtime.ErrorPayload
		if envelope.DecodePayload(&payload) != nil || payload.Message != realtime.MessageSessionReplaced {
			return
		}
		// Another connection of this user owns the room entry now.
		c.mu.Lock()
		delete(c.joined, payload.NoteID)
		delete(c.presence, payload.NoteID)
		c.mu.Unlock()
	}
}

// Join opens noteID. The join is sent now when connected and re-sent after every reconnect.
func (c *Client) Join(noteID string) error {
	c.mu.Lock()
	c.joined[noteID] = struct{}{}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.write(conn, realtime.EventJoinNote, realtime.RoomRequest{NoteID: noteID})
}

// Leave closes noteID and forgets its presence.
func (c *Client) Leave(noteID string) error {
	c.mu.Lock()
	delete(c.joined, noteID)
	delete(c.presence, noteID)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.write(conn, realtime.EventLeaveNote, realtime.RoomRequest{NoteID: noteID})
}

// SubmitEdit sends a partial update; nil fields are left unchanged on the server.
func (c *Client) SubmitEdit(noteID string, title, content *string) error {
	return c.send(realtime.EventNoteUpdate, realtime.EditRequest{NoteID: noteID, Title: title, Content: content})
}

// MoveCursor relays the local cursor position to the note's other members.
func (c *Client) MoveCursor(noteID string, position int) error {
	return c.send(realtime.EventCursorMove, realtime.CursorRequest{NoteID: noteID, Position: position})
}

// Presence returns the members last reported for noteID.
func (c *Client) Presence(noteID string) []realtime.MemberSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.MemberSummary(nil), c.presence[noteID]...)
}

// Connected reports whether a connection is currently live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// ConnectCount returns how many connections Run has established.
func (c *Client) ConnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *Client) send(eventType realtime.EventType, payload interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, eventType, payload)
}

func (c *Client) write(conn *websocket.Conn, eventType realtime.EventType, payload interface{}) error {
	frame, err := realtime.EncodeFrame(eventType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}
