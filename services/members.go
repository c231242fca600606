package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"storefront-server/store"
	"storefront-server/utils"
)

// Member is a user row as the admin screens show it, with the tier derived
// from the cached balance.
type Member struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	FullName string `json:"full_name,omitempty"`
	Initials string `json:"initials"`
	Role     string `json:"role"`
	Points   int64  `json:"points"`
	Level    Level  `json:"level"`
}

// ListMembers returns users newest first. search, when set, keeps users whose
// name or email contains it, ignoring case. limit <= 0 returns everyone.
func (s *PointsService) ListMembers(ctx context.Context, search string, limit int) ([]Member, error) {
	rows, err := s.crud.FindMany(ctx, TableUsers, nil, store.FindOptions{
		OrderBy: &store.OrderBy{Column: "created_at", Desc: true},
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	search = strings.ToLower(strings.TrimSpace(search))
	members := make([]Member, 0, len(rows))
	for _, rec := range rows {
		m := memberFromRecord(rec)
		if search != "" &&
			!strings.Contains(strings.ToLower(m.FullName), search) &&
			!strings.Contains(strings.ToLower(m.Email), search) {
			continue
		}
		members = append(members, m)
		if limit > 0 && len(members) == limit {
			break
		}
	}
	return members, nil
}

// Role returns the user's role, or ErrUserNotFound.
func (s *PointsService) Role(ctx context.Context, userID string) (string, error) {
	rows, err := s.crud.FindMany(ctx, TableUsers, store.Filter{"id": userID}, store.FindOptions{Limit: 1})
	if err != nil {
		return "", fmt.Errorf("read role: %w", err)
	}
	if len(rows) == 0 {
		return "", ErrUserNotFound
	}
	return rows[0].String("role"), nil
}

func memberFromRecord(rec store.Record) Member {
	points, _ := rec.Int64("points")
	m := Member{
		ID:       rec.String("id"),
		Email:    rec.String("email"),
		Phone:    rec.String("phone"),
		FullName: rec.String("full_name"),
		Role:     rec.String("role"),
		Points:   points,
		Level:    CalculateLevel(points),
	}
	if m.Role == "" {
		m.Role = "user"
	}
	m.Initials = utils.GetInitialsFromName(m.FullName, m.Email)
	return m
}

// SetPushToken stores the device token used for push notifications. An empty
// token clears it, which turns notifications off.
func (s *PointsService) SetPushToken(ctx context.Context, userID, token string) error {
	var value any
	if token != "" {
		value = token
	}
	n, err := s.crud.Update(ctx, TableUsers, store.Filter{"id": userID}, store.Record{
		"push_token": value,
		"updated_at": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("update push token: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}
