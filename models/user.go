package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Email     *string   `json:"email" db:"email"`
	Phone     *string   `json:"phone" db:"phone"`
	FullName  *string   `json:"full_name" db:"full_name"`
	Role      string    `json:"role" db:"role"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	Points    int64     `json:"points" db:"points"`
	PushToken *string   `json:"-" db:"push_token"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

const (
	RoleUser     = "user"
	RoleEmployee = "employee"
	RoleAdmin    = "admin"
)

func (User) TableName() string {
	return "users"
}

// CreateTableSQL defines users. points is a cached copy of the user's ledger
// sum in points_history.
func (User) CreateTableSQL() string {
	return `
	CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		email TEXT UNIQUE,
		phone TEXT UNIQUE,
		full_name TEXT,
		role TEXT DEFAULT 'user',
		is_active BOOLEAN DEFAULT TRUE,
		points BIGINT NOT NULL DEFAULT 0,
		push_token TEXT,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT now(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT now()
	);`
}
