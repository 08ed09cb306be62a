package users

import (
	"strings"
	"time"
)

// User is the persisted account record consulted when a realtime credential is presented.
type User struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	Email     string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	Name      string    `gorm:"column:name;size:320;not null"`
	Role      string    `gorm:"column:role;size:32;not null;default:'viewer'"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
