package realtime

import (
	"encoding/json"
)

// EventType names a frame on the realtime wire.
type EventType string

// Client to server events.
const (
	EventJoinNote   EventType = "join-note"
	EventLeaveNote  EventType = "leave-note"
	EventNoteUpdate EventType = "note-update"
	EventCursorMove EventType = "cursor-move"
)

// Server to client events.
const (
	EventCollaborators EventType = "collaborators"
	EventUserJoined    EventType = "user-joined"
	EventUserLeft      EventType = "user-left"
	EventNoteUpdated   EventType = "note-updated"
	EventCursorUpdated EventType = "cursor-updated"
	EventError         EventType = "error"
)

// Client-visible error messages. Internal causes are logged, never sent.
const (
	MessageAccessDenied    = "Access denied"
	MessageNoteNotFound    = "Note not found"
	MessageUpdateFailed    = "Failed to update note"
	MessageInvalidMessage  = "Invalid message"
	MessageUnknownEvent    = "Unknown event"
	MessageNotMember       = "Not a member of this note"
	MessageSessionReplaced = "Session replaced by another connection"
)

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RoomRequest is the payload of join-note and leave-note.
type RoomRequest struct {
	NoteID string `json:"noteId"`
}

// EditRequest is the payload of note-update. Nil fields are left unchanged.
type EditRequest struct {
	NoteID  string  `json:"noteId"`
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
}

// CursorRequest is the payload of cursor-move.
type CursorRequest struct {
	NoteID   string `json:"noteId"`
	Position int    `json:"position"`
}

// MemberSummary is a presence entry as seen by clients.
type MemberSummary struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// CollaboratorsPayload answers a join with the full member list, in join order.
type CollaboratorsPayload struct {
	NoteID        string          `json:"noteId"`
	Collaborators []MemberSummary `json:"collaborators"`
}

// MemberEventPayload is carried by user-joined and user-left.
type MemberEventPayload struct {
	NoteID   string `json:"noteId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// EditorPayload identifies who applied an edit.
type EditorPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NoteUpdatedPayload carries the persisted state after an edit.
type NoteUpdatedPayload struct {
	NoteID    string        `json:"noteId"`
	Title     string        `json:"title"`
	Content   string        `json:"content"`
	UpdatedBy EditorPayload `json:"updatedBy"`
}

// CursorUpdatedPayload relays a peer's cursor.
type CursorUpdatedPayload struct {
	NoteID   string `json:"noteId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Position int    `json:"position"`
}

// ErrorPayload is sent to the originating connection only.
type ErrorPayload struct {
	NoteID  string `json:"noteId,omitempty"`
	Message string `json:"message"`
}

// EncodeFrame marshals an event into a wire frame.
func EncodeFrame(eventType EventType, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: eventType, Payload: raw})
}

// DecodePayload unmarshals the envelope payload into target.
func (e Envelope) DecodePayload(target interface{}) error {
	if len(e.Payload) == 0 {
		return errEmptyPayload
	}
	return json.Unmarshal(e.Payload, target)
}

func summarize(members []Member) []MemberSummary {
	summaries := make([]MemberSummary, 0, len(members))
	for _, member := range members {
		summaries = append(summaries, MemberSummary{UserID: member.UserID, UserName: member.UserName})
	}
	return summaries
}
