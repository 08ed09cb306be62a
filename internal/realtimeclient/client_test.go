package realtimeclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/auth"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/realtime"
)

type tokenTable map[string]auth.Identity

func (t tokenTable) VerifyCredential(_ context.Context, token string) (auth.Identity, error) {
	identity, ok := t[token]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return identity, nil
}

type openNotes struct {
	mu    sync.Mutex
	notes map[string]notes.Note
}

func (s *openNotes) UserHasNoteAccess(_ context.Context, _ string, _ auth.Role, noteID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.notes[noteID]
	return ok, nil
}

func (s *openNotes) GetNote(_ context.Context, noteID string) (notes.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	note, ok := s.notes[noteID]
	if !ok {
		return notes.Note{}, notes.ErrNoteNotFound
	}
	return note, nil
}

func (s *openNotes) UpdateNote(_ context.Context, noteID string, update notes.NoteUpdate) (notes.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	note := s.notes[noteID]
	if update.Title != nil {
		note.Title = *update.Title
	}
	if update.Content != nil {
		note.Content = *update.Content
	}
	s.notes[noteID] = note
	return note, nil
}

type testServer struct {
	url string
	hub *realtime.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	hub := realtime.NewHub(realtime.HubConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	store := &openNotes{notes: map[string]notes.Note{"note-1": {ID: "note-1", OwnerID: "user-a"}}}
	service, err := realtime.NewService(realtime.ServiceConfig{Hub: hub, Access: store, Notes: store})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	gate, err := realtime.NewGate(tokenTable{
		"token-a": {UserID: "user-a", UserName: "Ada", Role: auth.RoleEditor},
		"token-b": {UserID: "user-b", UserName: "Bob", Role: auth.RoleEditor},
	}, nil)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		service.Shutdown(shutdownCtx)
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := gate.Authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		service.ServeConnection(w, r, identity)
	}))
	t.Cleanup(server.Close)

	return &testServer{url: "ws" + strings.TrimPrefix(server.URL, "http"), hub: hub}
}

func startClient(t *testing.T, cfg Config) (*Client, <-chan error) {
	t.Helper()
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- client.Run(ctx)
	}()
	t.Cleanup(cancel)
	return client, result
}

func eventually(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func presenceUsers(client *Client, noteID string) []string {
	var userIDs []string
	for _, member := range client.Presence(noteID) {
		userIDs = append(userIDs, member.UserID)
	}
	return userIDs
}

func sameUsers(actual []string, expected ...string) bool {
	if len(actual) != len(expected) {
		return false
	}
	for index := range actual {
		if actual[index] != expected[index] {
			return false
		}
	}
	return true
}

func TestClientStopsOnRejectedCredential(t *testing.T) {
	server := newTestServer(t)
	_, result := startClient(t, Config{URL: server.url, Token: "forged", InitialBackoff: 10 * time.Millisecond})

	select {
	case err := <-result:
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("client kept retrying a rejected credential")
	}
}

func TestClientGivesUpAfterRetryCap(t *testing.T) {
	unreachable := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(unreachable.URL, "http")
	unreachable.Close()

	_, result := startClient(t, Config{
		URL:            url,
		Token:          "token-a",
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		MaxRetries:     2,
	})

	select {
	case err := <-result:
		if !errors.Is(err, ErrRetriesExhausted) {
			t.Fatalf("expected ErrRetriesExhausted, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("client ignored the retry cap")
	}
}

func TestClientTracksPresenceAcrossPeers(t *testing.T) {
	server := newTestServer(t)
	first, _ := startClient(t, Config{URL: server.url, Token: "token-a"})
	if err := first.Join("note-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	eventually(t, "own presence", func() bool {
		return sameUsers(presenceUsers(first, "note-1"), "user-a")
	})

	second, _ := startClient(t, Config{URL: server.url, Token: "token-b"})
	if err := second.Join("note-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	eventually(t, "both members on both clients", func() bool {
		return sameUsers(presenceUsers(first, "note-1"), "user-a", "user-b") &&
			sameUsers(presenceUsers(second, "note-1"), "user-a", "user-b")
	})

	if err := second.Leave("note-1"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	eventually(t, "departure observed", func() bool {
		return sameUsers(presenceUsers(first, "note-1"), "user-a")
	})
	if users := presenceUsers(second, "note-1"); len(users) != 0 {
		t.Fatalf("left note must have no presence, got %v", users)
	}
}

func TestClientRejoinsAfterReconnect(t *testing.T) {
	server := newTestServer(t)
	client, _ := startClient(t, Config{URL: server.url, Token: "token-a", InitialBackoff: 10 * time.Millisecond})
	if err := client.Join("note-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	eventually(t, "first connection joined", func() bool {
		return client.ConnectCount() == 1 && sameUsers(presenceUsers(client, "note-1"), "user-a")
	})

	if err := server.hub.CloseAll(context.Background(), errors.New("test restart")); err != nil {
		t.Fatalf("close all: %v", err)
	}

	eventually(t, "reconnect and rejoin", func() bool {
		return client.ConnectCount() >= 2 && sameUsers(presenceUsers(client, "note-1"), "user-a")
	})
	eventually(t, "server presence rebuilt", func() bool {
		members, err := server.hub.Members(context.Background(), "note-1")
		return err == nil && len(members) == 1 && members[0].UserID == "user-a"
	})

	content := "after reconnect"
	if err := client.SubmitEdit("note-1", nil, &content); err != nil {
		t.Fatalf("submit edit: %v", err)
	}
}

func TestClientOperationsRequireConnection(t *testing.T) {
	client, err := New(Config{URL: "ws://127.0.0.1:1/realtime"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Join("note-1"); err != nil {
		t.Fatalf("join while offline should be deferred, got %v", err)
	}
	if err := client.MoveCursor("note-1", 3); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for missing url")
	}
}

func TestClientPresenceFollowsServerEvents(t *testing.T) {
	client, err := New(Config{URL: "ws://example.invalid"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.joined["note-1"] = struct{}{}

	apply := func(eventType realtime.EventType, payload interface{}) {
		frame, err := realtime.EncodeFrame(eventType, payload)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		var envelope realtime.Envelope
		if err := json.Unmarshal(frame, &envelope); err != nil {
			t.Fatalf("decode: %v", err)
		}
		client.applyPresence(envelope)
	}

	apply(realtime.EventUserJoined, realtime.MemberEventPayload{NoteID: "note-1", UserID: "user-x"})
	if users := presenceUsers(client, "note-1"); len(users) != 0 {
		t.Fatalf("presence must start from a collaborators reply, got %v", users)
	}

	apply(realtime.EventCollaborators, realtime.CollaboratorsPayload{NoteID: "note-1", Collaborators: []realtime.MemberSummary{{UserID: "user-a"}}})
	apply(realtime.EventUserJoined, realtime.MemberEventPayload{NoteID: "note-1", UserID: "user-b"})
	apply(realtime.EventUserJoined, realtime.MemberEventPayload{NoteID: "note-1", UserID: "user-b"})
	if users := presenceUsers(client, "note-1"); !sameUsers(users, "user-a", "user-b") {
		t.Fatalf("unexpected presence %v", users)
	}
	apply(realtime.EventUserLeft, realtime.MemberEventPayload{NoteID: "note-1", UserID: "user-a"})
	if users := presenceUsers(client, "note-1"); !sameUsers(users, "user-b") {
		t.Fatalf("unexpected presence after leave %v", users)
	}
	apply(realtime.EventCollaborators, realtime.CollaboratorsPayload{NoteID: "note-2", Collaborators: []realtime.MemberSummary{{UserID: "user-a"}}})
	if users := presenceUsers(client, "note-2"); len(users) != 0 {
		t.Fatalf("presence for notes not joined must be ignored, got %v", users)
	}

	apply(realtime.EventError, realtime.ErrorPayload{NoteID: "note-1", Message: realtime.MessageAccessDenied})
	if users := presenceUsers(client, "note-1"); !sameUsers(users, "user-b") {
		t.Fatalf("unrelated errors must not touch presence, got %v", users)
	}
	apply(realtime.EventError, realtime.ErrorPayload{NoteID: "note-1", Message: realtime.MessageSessionReplaced})
	if users := presenceUsers(client, "note-1"); len(users) != 0 {
		t.Fatalf("replaced session must drop presence, got %v", users)
	}
	if _, joined := client.joined["note-1"]; joined {
		t.Fatalf("replaced session must not rejoin the note")
	}
}

func TestClientReleasesNoteTakenOverByAnotherConnection(t *testing.T) {
	server := newTestServer(t)
	first, _ := startClient(t, Config{URL: server.url, Token: "token-a"})
	if err := first.Join("note-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	eventually(t, "first tab joined", func() bool {
		return sameUsers(presenceUsers(first, "note-1"), "user-a")
	})

	second, _ := startClient(t, Config{URL: server.url, Token: "token-a"})
	if err := second.Join("note-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	eventually(t, "second tab joined", func() bool {
		return sameUsers(presenceUsers(second, "note-1"), "user-a")
	})
	eventually(t, "first tab released the note", func() bool {
		first.mu.Lock()
		defer first.mu.Unlock()
		_, joined := first.joined["note-1"]
		return !joined && len(first.presence["note-1"]) == 0
	})
}
