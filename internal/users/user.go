package users

import (
	"strings"
	"time"

	"github.com/wavelink/backend/internal/snowflake"
)

// User is an account. PasswordHash doubles as the per-user token signing
// material, so changing it revokes every outstanding token.
type User struct {
	ID           snowflake.ID `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	Email        string       `gorm:"column:email;size:320;not null;uniqueIndex" json:"-"`
	Name         string       `gorm:"column:name;size:190;not null" json:"name"`
	PasswordHash string       `gorm:"column:password;not null" json:"-"`
	CreatedAt    time.Time    `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time    `gorm:"column:updated_at;autoUpdateTime" json:"-"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
