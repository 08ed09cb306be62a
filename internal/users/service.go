package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/auth"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrUserNotFound indicates that no account exists for the identifier.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrInvalidUser indicates that the account input is incomplete.
	ErrInvalidUser = errors.New("users: invalid user")
)

// ServiceConfig describes the dependencies required by the user service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	NewID    func() string
	Logger   *zap.Logger
}

// Service looks up and creates user accounts.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	newID  func() string
	logger *zap.Logger
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		newID:  newID,
		logger: logger.With(zap.String("component", "users")),
	}, nil
}

// NewUser carries the fields required to create an account.
type NewUser struct {
	Email string
	Name  string
	Role  string
}

// CreateUser persists a new account with a generated identifier.
func (s *Service) CreateUser(ctx context.Context, input NewUser) (User, error) {
	email := strings.ToLower(normalize(input.Email))
	name := normalize(input.Name)
	if email == "" || name == "" {
		return User{}, fmt.Errorf("%w: email and name are required", ErrInvalidUser)
	}

	now := s.now().UTC()
	user := User{
		ID:        s.newID(),
		Email:     email,
		Name:      name,
		Role:      string(auth.NormalizeRole(input.Role)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		s.logger.Error("user insert failed", zap.String("email", email), zap.Error(err))
		return User{}, err
	}
	s.logger.Info("user created", zap.String("user_id", user.ID), zap.String("role", user.Role))
	return user, nil
}

// FindByID returns the account for the identifier or ErrUserNotFound.
func (s *Service) FindByID(ctx context.Context, userID string) (User, error) {
	id := normalize(userID)
	if id == "" {
		return User{}, ErrUserNotFound
	}

	var user User
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Identity converts the stored account into the identity attached to connections.
func (u User) Identity() auth.Identity {
	return auth.Identity{
		UserID:   u.ID,
		UserName: u.Name,
		Role:     auth.NormalizeRole(u.Role),
	}
}
