package users

import (
	"strings"
	"time"
)

// Account is a provider login known to NatureNet. Profile data lives in the record store under /users/{id};
// this table only holds what the identity provider reports.
type Account struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Provider  string    `gorm:"column:provider;size:32;not null"`
	Email     string    `gorm:"column:user_email;size:320;index"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing provider accounts.
func (Account) TableName() string {
	return "user_accounts"
}

// AccountCreated is published once when an account is first provisioned.
type AccountCreated struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
