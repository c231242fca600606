package models

import (
	"time"
)

// PointsReason is the closed set of reasons a ledger entry can carry.
type PointsReason string

const (
	ReasonPurchase   PointsReason = "purchase"
	ReasonRedemption PointsReason = "redemption"
	ReasonBonus      PointsReason = "bonus"
	ReasonRefund     PointsReason = "refund"
)

// Valid reports whether r is one of the four known reasons.
func (r PointsReason) Valid() bool {
	switch r {
	case ReasonPurchase, ReasonRedemption, ReasonBonus, ReasonRefund:
		return true
	}
	return false
}

// PointsHistory is one immutable ledger entry. Rows are only ever inserted.
type PointsHistory struct {
	ID          string       `json:"id" db:"id"`
	UserID      string       `json:"user_id" db:"user_id"`
	Amount      int64        `json:"amount" db:"amount"`
	Reason      PointsReason `json:"reason" db:"reason"`
	Description *string      `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
}

func (PointsHistory) TableName() string {
	return "points_history"
}

func (PointsHistory) CreateTableSQL() string {
	return `
	CREATE TABLE IF NOT EXISTS points_history (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		amount BIGINT NOT NULL,
		reason TEXT NOT NULL CHECK (reason IN ('purchase', 'redemption', 'bonus', 'refund')),
		description TEXT,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT now()
	);`
}
