package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
	"go.uber.org/zap"
)

func (s *Service) handleFrame(ctx context.Context, session *Session, frame []byte) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil || envelope.Type == "" {
		s.logger.Debug("undecodable frame", zap.String("connection_id", session.ID()), zap.Error(err))
		s.sendError(session, "", MessageInvalidMessage)
		return
	}

	switch envelope.Type {
	case EventJoinNote:
		s.handleJoin(ctx, session, envelope)
	case EventLeaveNote:
		s.handleLeave(ctx, session, envelope)
	case EventNoteUpdate:
		s.handleEdit(ctx, session, envelope)
	case EventCursorMove:
		s.handleCursor(ctx, session, envelope)
	default:
		s.logger.Debug("unknown event", zap.String("connection_id", session.ID()), zap.String("type", string(envelope.Type)))
		s.sendError(session, "", MessageUnknownEvent)
	}
}

func (s *Service) handleJoin(ctx context.Context, session *Session, envelope Envelope) {
	var request RoomRequest
	if !s.decodeRoomPayload(session, envelope, &request, &request.NoteID) {
		return
	}
	identity := session.Identity()

	allowed, err := s.access.UserHasNoteAccess(ctx, identity.UserID, identity.Role, request.NoteID)
	if err != nil {
		s.logger.Warn("access check failed",
			zap.String("note_id", request.NoteID),
			zap.String("user_id", identity.UserID),
			zap.Error(err))
		s.sendError(session, request.NoteID, MessageAccessDenied)
		return
	}
	if !allowed {
		s.logger.Info("join denied", zap.String("note_id", request.NoteID), zap.String("user_id", identity.UserID))
		s.sendError(session, request.NoteID, MessageAccessDenied)
		return
	}

	admitted, err := s.hub.Join(ctx, session, request.NoteID)
	if err != nil {
		s.logger.Warn("join failed", zap.String("note_id", request.NoteID), zap.Error(err))
		return
	}
	if !admitted {
		s.logger.Debug("join skipped for vanished connection", zap.String("connection_id", session.ID()))
		return
	}
	s.logger.Debug("joined room", zap.String("note_id", request.NoteID), zap.String("connection_id", session.ID()))
}

func (s *Service) handleLeave(ctx context.Context, session *Session, envelope Envelope) {
	var request RoomRequest
	if !s.decodeRoomPayload(session, envelope, &request, &request.NoteID) {
		return
	}
	if _, err := s.hub.Leave(ctx, session, request.NoteID); err != nil {
		s.logger.Warn("leave failed", zap.String("note_id", request.NoteID), zap.Error(err))
	}
}

func (s *Service) handleEdit(ctx context.Context, session *Session, envelope Envelope) {
	var request EditRequest
	if !s.decodeRoomPayload(session, envelope, &request, &request.NoteID) {
		return
	}
	update := notes.NoteUpdate{Title: request.Title, Content: request.Content}
	if !s.checkMembership(ctx, session, request.NoteID) {
		return
	}

	release := s.editLocks.Lock(request.NoteID)
	defer release()

	note, err := s.notes.GetNote(ctx, request.NoteID)
	if err != nil {
		s.sendError(session, request.NoteID, s.editFailureMessage(request.NoteID, err))
		return
	}
	// An empty update rebroadcasts the stored state without writing.
	if !update.IsEmpty() {
		note, err = s.notes.UpdateNote(ctx, request.NoteID, update)
		if err != nil {
			s.sendError(session, request.NoteID, s.editFailureMessage(request.NoteID, err))
			return
		}
	}

	identity := session.Identity()
	frame, err := EncodeFrame(EventNoteUpdated, NoteUpdatedPayload{
		NoteID:    note.ID,
		Title:     note.Title,
		Content:   note.Content,
		UpdatedBy: EditorPayload{ID: identity.UserID, Name: identity.UserName},
	})
	if err != nil {
		s.logger.Error("encode note-updated failed", zap.Error(err))
		return
	}
	if err := s.hub.Broadcast(ctx, request.NoteID, session.ID(), frame, true); err != nil {
		s.logger.Warn("edit broadcast failed", zap.String("note_id", request.NoteID), zap.Error(err))
	}
}

func (s *Service) editFailureMessage(noteID string, err error) string {
	switch {
	case errors.Is(err, notes.ErrNoteNotFound):
		return MessageNoteNotFound
	case errors.Is(err, notes.ErrInvalidNoteID):
		return MessageInvalidMessage
	default:
		s.logger.Warn("note update failed", zap.String("note_id", noteID), zap.Error(err))
		return MessageUpdateFailed
	}
}

func (s *Service) handleCursor(ctx context.Context, session *Session, envelope Envelope) {
	var request CursorRequest
	if !s.decodeRoomPayload(session, envelope, &request, &request.NoteID) {
		return
	}
	if !s.checkMembership(ctx, session, request.NoteID) {
		return
	}

	identity := session.Identity()
	frame, err := EncodeFrame(EventCursorUpdated, CursorUpdatedPayload{
		NoteID:   request.NoteID,
		UserID:   identity.UserID,
		UserName: identity.UserName,
		Position: request.Position,
	})
	if err != nil {
		s.logger.Error("encode cursor-updated failed", zap.Error(err))
		return
	}
	if err := s.hub.Broadcast(ctx, request.NoteID, session.ID(), frame, false); err != nil {
		s.logger.Debug("cursor broadcast failed", zap.String("note_id", request.NoteID), zap.Error(err))
	}
}

// checkMembership enforces room membership for edits and signals when configured to.
func (s *Service) checkMembership(ctx context.Context, session *Session, noteID string) bool {
	if !s.requireMembership {
		return true
	}
	member, err := s.hub.IsMember(ctx, noteID, session.ID())
	if err != nil || !member {
		s.sendError(session, noteID, MessageNotMember)
		return false
	}
	return true
}

func (s *Service) decodeRoomPayload(session *Session, envelope Envelope, target interface{}, noteID *string) bool {
	if err := envelope.DecodePayload(target); err != nil {
		s.sendError(session, "", MessageInvalidMessage)
		return false
	}
	*noteID = strings.TrimSpace(*noteID)
	if *noteID == "" {
		s.sendError(session, "", MessageInvalidMessage)
		return false
	}
	return true
}

func (s *Service) sendError(session *Session, noteID, message string) {
	frame, err := EncodeFrame(EventError, ErrorPayload{NoteID: noteID, Message: message})
	if err != nil {
		s.logger.Error("encode error frame failed", zap.Error(err))
		return
	}
	if !session.Send(frame) {
		s.logger.Debug("error frame dropped", zap.String("connection_id", session.ID()))
	}
}
