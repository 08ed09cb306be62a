package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/auth"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeUserRoles         = "2025-06-01_normalize_user_roles"
	migrationNormalizeCollaboratorRoles = "2025-06-01_normalize_collaborator_roles"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeUserRoles, apply: normalizeUserRoles},
		{name: migrationNormalizeCollaboratorRoles, apply: normalizeCollaboratorRoles},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Roles outside the known set are demoted to viewer.
func normalizeUserRoles(db *gorm.DB) error {
	return db.Model(&users.User{}).
		Where("role NOT IN ?", knownRoles()).
		Update("role", string(auth.RoleViewer)).Error
}

func normalizeCollaboratorRoles(db *gorm.DB) error {
	return db.Model(&notes.Collaborator{}).
		Where("role NOT IN ?", []string{string(auth.RoleEditor), string(auth.RoleViewer)}).
		Update("role", string(auth.RoleViewer)).Error
}

func knownRoles() []string {
	return []string{string(auth.RoleAdmin), string(auth.RoleEditor), string(auth.RoleViewer)}
}
