package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/auth"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/database"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/realtime"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/server"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const integrationSigningSecret = "integration-secret"

type collaborationStack struct {
	serverURL string
	issuer    *auth.TokenIssuer
	users     *users.Service
	notes     *notes.Service
}

func newCollaborationStack(testContext *testing.T) *collaborationStack {
	testContext.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "collabnotes.db"), logger)
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	testContext.Cleanup(func() {
		sqlDB.Close()
	})

	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build user service: %v", err)
	}
	notesService, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		IDProvider: notes.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build notes service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(integrationSigningSecret),
		Issuer:        "collabnotes-auth",
		Audience:      "collabnotes-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}
	verifier, err := users.NewCredentialVerifier(issuer, userService)
	if err != nil {
		testContext.Fatalf("failed to build credential verifier: %v", err)
	}
	gate, err := realtime.NewGate(verifier, logger)
	if err != nil {
		testContext.Fatalf("failed to build gate: %v", err)
	}

	hub := realtime.NewHub(realtime.HubConfig{Logger: logger})
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()
	testContext.Cleanup(func() {
		stopHub()
		<-hubDone
	})

	realtimeService, err := realtime.NewService(realtime.ServiceConfig{
		Hub:    hub,
		Access: notesService,
		Notes:  notesService,
		Logger: logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build realtime service: %v", err)
	}
	testContext.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		realtimeService.Shutdown(shutdownCtx)
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Gate:     gate,
		Realtime: realtimeService,
		Logger:   logger,
	})
	if err != nil {
		testContext.Fatalf("failed to construct http handler: %v", err)
	}
	httpServer := httptest.NewServer(handler)
	testContext.Cleanup(httpServer.Close)

	return &collaborationStack{
		serverURL: httpServer.URL,
		issuer:    issuer,
		users:     userService,
		notes:     notesService,
	}
}

func (s *collaborationStack) createUser(testContext *testing.T, email, name string, role auth.Role) (users.User, string) {
	testContext.Helper()
	user, err := s.users.CreateUser(context.Background(), users.NewUser{Email: email, Name: name, Role: string(role)})
	if err != nil {
		testContext.Fatalf("failed to create user %s: %v", email, err)
	}
	token, _, err := s.issuer.IssueToken(user.Identity())
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	return user, token
}

func (s *collaborationStack) connect(testContext *testing.T, token string) *websocket.Conn {
	testContext.Helper()
	url := "ws" + strings.TrimPrefix(s.serverURL, "http") + "/realtime"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		testContext.Fatalf("failed to dial realtime endpoint: %v", err)
	}
	testContext.Cleanup(func() {
		conn.Close()
	})
	return conn
}

func send(testContext *testing.T, conn *websocket.Conn, eventType realtime.EventType, payload interface{}) {
	testContext.Helper()
	frame, err := realtime.EncodeFrame(eventType, payload)
	if err != nil {
		testContext.Fatalf("failed to encode %s: %v", eventType, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		testContext.Fatalf("failed to write %s: %v", eventType, err)
	}
}

func receive(testContext *testing.T, conn *websocket.Conn, eventType realtime.EventType, target interface{}) {
	testContext.Helper()
	for {
		if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
			testContext.Fatalf("failed to set read deadline: %v", err)
		}
		var envelope realtime.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			testContext.Fatalf("failed waiting for %s: %v", eventType, err)
		}
		if envelope.Type != eventType {
			continue
		}
		if err := envelope.DecodePayload(target); err != nil {
			testContext.Fatalf("failed to decode %s: %v", eventType, err)
		}
		return
	}
}

// receiveNothingElse uses an unknown event as a barrier: its error reply must be the next frame.
func receiveNothingElse(testContext *testing.T, conn *websocket.Conn) {
	testContext.Helper()
	send(testContext, conn, realtime.EventType("ping"), realtime.RoomRequest{NoteID: "barrier"})
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		testContext.Fatalf("failed to set read deadline: %v", err)
	}
	var envelope realtime.Envelope
	if err := conn.ReadJSON(&envelope); err != nil {
		testContext.Fatalf("failed to read barrier reply: %v", err)
	}
	var payload realtime.ErrorPayload
	if envelope.Type != realtime.EventError || envelope.DecodePayload(&payload) != nil || payload.Message != realtime.MessageUnknownEvent {
		testContext.Fatalf("unexpected frame before barrier reply: %s %s", envelope.Type, envelope.Payload)
	}
}

func TestRealtimeCollaborationOverHTTP(testContext *testing.T) {
	stack := newCollaborationStack(testContext)
	ctx := context.Background()

	owner, ownerToken := stack.createUser(testContext, "ada@example.com", "Ada", auth.RoleEditor)
	collaborator, collaboratorToken := stack.createUser(testContext, "bob@example.com", "Bob", auth.RoleEditor)
	_, outsiderToken := stack.createUser(testContext, "cy@example.com", "Cy", auth.RoleViewer)

	note, err := stack.notes.CreateNote(ctx, owner.ID, "Untitled", "")
	if err != nil {
		testContext.Fatalf("failed to create note: %v", err)
	}
	if err := stack.notes.AddCollaborator(ctx, note.ID, collaborator.ID, auth.RoleEditor); err != nil {
		testContext.Fatalf("failed to add collaborator: %v", err)
	}

	ownerConn := stack.connect(testContext, ownerToken)
	collaboratorConn := stack.connect(testContext, collaboratorToken)
	outsiderConn := stack.connect(testContext, outsiderToken)

	var ownerReply realtime.CollaboratorsPayload
	send(testContext, ownerConn, realtime.EventJoinNote, realtime.RoomRequest{NoteID: note.ID})
	receive(testContext, ownerConn, realtime.EventCollaborators, &ownerReply)

	var collaboratorReply realtime.CollaboratorsPayload
	send(testContext, collaboratorConn, realtime.EventJoinNote, realtime.RoomRequest{NoteID: note.ID})
	receive(testContext, collaboratorConn, realtime.EventCollaborators, &collaboratorReply)
	if len(collaboratorReply.Collaborators) != 2 ||
		collaboratorReply.Collaborators[0].UserName != "Ada" ||
		collaboratorReply.Collaborators[1].UserName != "Bob" {
		testContext.Fatalf("unexpected presence list %+v", collaboratorReply.Collaborators)
	}

	var joined realtime.MemberEventPayload
	receive(testContext, ownerConn, realtime.EventUserJoined, &joined)
	if joined.UserID != collaborator.ID {
		testContext.Fatalf("unexpected user-joined %+v", joined)
	}

	var denial realtime.ErrorPayload
	send(testContext, outsiderConn, realtime.EventJoinNote, realtime.RoomRequest{NoteID: note.ID})
	receive(testContext, outsiderConn, realtime.EventError, &denial)
	if denial.Message != realtime.MessageAccessDenied {
		testContext.Fatalf("expected access denied, got %+v", denial)
	}

	draft := "draft"
	send(testContext, ownerConn, realtime.EventNoteUpdate, realtime.EditRequest{NoteID: note.ID, Content: &draft})
	var firstEdit realtime.NoteUpdatedPayload
	receive(testContext, collaboratorConn, realtime.EventNoteUpdated, &firstEdit)
	if firstEdit.Content != "draft" || firstEdit.Title != "Untitled" || firstEdit.UpdatedBy.Name != "Ada" {
		testContext.Fatalf("unexpected first edit %+v", firstEdit)
	}
	receiveNothingElse(testContext, ownerConn)
	receiveNothingElse(testContext, outsiderConn)

	final := "Final"
	send(testContext, collaboratorConn, realtime.EventNoteUpdate, realtime.EditRequest{NoteID: note.ID, Title: &final})
	var secondEdit realtime.NoteUpdatedPayload
	receive(testContext, ownerConn, realtime.EventNoteUpdated, &secondEdit)
	if secondEdit.Title != "Final" || secondEdit.Content != "draft" || secondEdit.UpdatedBy.ID != collaborator.ID {
		testContext.Fatalf("unexpected second edit %+v", secondEdit)
	}

	stored, err := stack.notes.GetNote(ctx, note.ID)
	if err != nil {
		testContext.Fatalf("failed to load note: %v", err)
	}
	if stored.Title != "Final" || stored.Content != "draft" {
		testContext.Fatalf("unexpected stored note %+v", stored)
	}

	collaboratorConn.Close()
	var left realtime.MemberEventPayload
	receive(testContext, ownerConn, realtime.EventUserLeft, &left)
	if left.UserID != collaborator.ID || left.NoteID != note.ID {
		testContext.Fatalf("unexpected user-left %+v", left)
	}
}

func TestRealtimeRejectsTokenOfDeletedUser(testContext *testing.T) {
	stack := newCollaborationStack(testContext)
	identity := auth.Identity{UserID: "ghost", UserName: "Ghost", Role: auth.RoleAdmin}
	token, _, err := stack.issuer.IssueToken(identity)
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}

	url := "ws" + strings.TrimPrefix(stack.serverURL, "http") + "/realtime?token=" + token
	_, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		testContext.Fatalf("expected handshake to fail")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected 401, got %v", response)
	}
}
