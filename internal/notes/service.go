package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "notes.service.new"
	opCreateNote          = "notes.create_note"
	opGetNote             = "notes.get_note"
	opUpdateNote          = "notes.update_note"
	opAddCollaborator     = "notes.add_collaborator"
	opListCollaboratorIDs = "notes.list_collaborator_ids"
	opUserHasNoteAccess   = "notes.user_has_note_access"

	reasonInvalidInput   = "invalid_input"
	reasonNotFound       = "not_found"
	reasonQueryFailed    = "query_failed"
	reasonInsertFailed   = "insert_failed"
	reasonUpdateFailed   = "update_failed"
	reasonIDGeneration   = "id_generation_failed"
	reasonMissingDB      = "missing_database"
	reasonMissingIDs     = "missing_id_provider"
	queryNoteID          = "id = ?"
	queryCollaboratorFor = "note_id = ?"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Service reads and writes notes and their collaborator grants.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDB, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDs, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateNote stores a new note owned by ownerID.
func (s *Service) CreateNote(ctx context.Context, ownerID, title, content string) (Note, error) {
	owner, err := NewUserID(ownerID)
	if err != nil {
		return Note{}, newServiceError(opCreateNote, reasonInvalidInput, err)
	}
	noteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateNote, reasonIDGeneration, err)
		return Note{}, newServiceError(opCreateNote, reasonIDGeneration, err)
	}

	now := s.clock().UTC()
	note := Note{
		ID:        noteID,
		OwnerID:   owner.String(),
		Title:     strings.TrimSpace(title),
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&note).Error; err != nil {
		s.logError(opCreateNote, reasonInsertFailed, err, zap.String("owner_id", owner.String()))
		return Note{}, newServiceError(opCreateNote, reasonInsertFailed, err)
	}
	return note, nil
}

// GetNote returns the note or an error wrapping ErrNoteNotFound.
func (s *Service) GetNote(ctx context.Context, noteID string) (Note, error) {
	id, err := NewNoteID(noteID)
	if err != nil {
		return Note{}, newServiceError(opGetNote, reasonInvalidInput, err)
	}

	var note Note
	err = s.db.WithContext(ctx).Where(queryNoteID, id.String()).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, newServiceError(opGetNote, reasonNotFound, ErrNoteNotFound)
	}
	if err != nil {
		s.logError(opGetNote, reasonQueryFailed, err, zap.String("note_id", id.String()))
		return Note{}, newServiceError(opGetNote, reasonQueryFailed, err)
	}
	return note, nil
}

// UpdateNote writes only the fields present in update and returns the stored note.
// Concurrent updates are applied in arrival order; the last one wins.
func (s *Service) UpdateNote(ctx context.Context, noteID string, update NoteUpdate) (Note, error) {
	id, err := NewNoteID(noteID)
	if err != nil {
		return Note{}, newServiceError(opUpdateNote, reasonInvalidInput, err)
	}

	var stored Note
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where(queryNoteID, id.String()).Take(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateNote, reasonNotFound, ErrNoteNotFound)
		}
		if err != nil {
			s.logError(opUpdateNote, reasonQueryFailed, err, zap.String("note_id", id.String()))
			return newServiceError(opUpdateNote, reasonQueryFailed, err)
		}

		fields := map[string]interface{}{
			"updated_at": s.clock().UTC(),
		}
		if update.Title != nil {
			fields["title"] = *update.Title
		}
		if update.Content != nil {
			fields["content"] = *update.Content
		}
		if err := tx.Model(&Note{}).Where(queryNoteID, id.String()).Updates(fields).Error; err != nil {
			s.logError(opUpdateNote, reasonUpdateFailed, err, zap.String("note_id", id.String()))
			return newServiceError(opUpdateNote, reasonUpdateFailed, err)
		}
		if err := tx.Where(queryNoteID, id.String()).Take(&stored).Error; err != nil {
			s.logError(opUpdateNote, reasonQueryFailed, err, zap.String("note_id", id.String()))
			return newServiceError(opUpdateNote, reasonQueryFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return Note{}, txErr
	}
	return stored, nil
}

// AddCollaborator grants userID access to noteID, replacing any previous grant role.
func (s *Service) AddCollaborator(ctx context.Context, noteID, userID string, role auth.Role) error {
	id, err := NewNoteID(noteID)
	if err != nil {
		return newServiceError(opAddCollaborator, reasonInvalidInput, err)
	}
	user, err := NewUserID(userID)
	if err != nil {
		return newServiceError(opAddCollaborator, reasonInvalidInput, err)
	}
	if _, err := s.GetNote(ctx, id.String()); err != nil {
		return err
	}

	grant := Collaborator{
		NoteID:  id.String(),
		UserID:  user.String(),
		Role:    string(role),
		AddedAt: s.clock().UTC(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "note_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&grant).Error
	if err != nil {
		s.logError(opAddCollaborator, reasonInsertFailed, err,
			zap.String("note_id", id.String()),
			zap.String("user_id", user.String()))
		return newServiceError(opAddCollaborator, reasonInsertFailed, err)
	}
	return nil
}

// ListCollaboratorIDs returns the user identifiers granted access to noteID, sorted.
func (s *Service) ListCollaboratorIDs(ctx context.Context, noteID string) ([]string, error) {
	id, err := NewNoteID(noteID)
	if err != nil {
		return nil, newServiceError(opListCollaboratorIDs, reasonInvalidInput, err)
	}

	var userIDs []string
	if err := s.db.WithContext(ctx).
		Model(&Collaborator{}).
		Where(queryCollaboratorFor, id.String()).
		Order("user_id ASC").
		Pluck("user_id", &userIDs).Error; err != nil {
		s.logError(opListCollaboratorIDs, reasonQueryFailed, err, zap.String("note_id", id.String()))
		return nil, newServiceError(opListCollaboratorIDs, reasonQueryFailed, err)
	}
	return userIDs, nil
}

// UserHasNoteAccess reports whether the user may read noteID: admins may read any existing
// note, everyone else must own it or be listed as a collaborator.
func (s *Service) UserHasNoteAccess(ctx context.Context, userID string, role auth.Role, noteID string) (bool, error) {
	user, err := NewUserID(userID)
	if err != nil {
		return false, newServiceError(opUserHasNoteAccess, reasonInvalidInput, err)
	}

	note, err := s.GetNote(ctx, noteID)
	if errors.Is(err, ErrNoteNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if role.IsElevated() || note.OwnerID == user.String() {
		return true, nil
	}

	collaborators, err := s.ListCollaboratorIDs(ctx, note.ID)
	if err != nil {
		return false, err
	}
	for _, collaboratorID := range collaborators {
		if collaboratorID == user.String() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
