package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is the minimal order record the storefront persists when checkout
// completes.
type Order struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	OrderNumber   string          `json:"order_number" db:"order_number"`
	Status        string          `json:"status" db:"status"`
	TotalAmount   decimal.Decimal `json:"total_amount" db:"total_amount"`
	Currency      string          `json:"currency" db:"currency"`
	PointsAwarded int64           `json:"points_awarded" db:"points_awarded"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

const (
	OrderStatusPending    = "pending"
	OrderStatusInProgress = "in-progress"
	OrderStatusCompleted  = "completed"
)

func (Order) TableName() string {
	return "orders"
}

func (Order) CreateTableSQL() string {
	return `
	CREATE TABLE IF NOT EXISTS orders (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		order_number TEXT UNIQUE NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		total_amount NUMERIC(12,2) NOT NULL DEFAULT 0,
		currency VARCHAR(3) DEFAULT 'USD',
		points_awarded BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT now(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT now()
	);`
}
