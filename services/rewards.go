package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrUnknownReward = errors.New("unknown reward")

// Reward is a coupon that can be bought with points.
type Reward struct {
	Points   int64           `json:"points"`
	Discount decimal.Decimal `json:"discount"`
	Title    string          `json:"title"`
}

var rewards = []Reward{
	{Points: 500, Discount: decimal.NewFromInt(5), Title: "Cupón de $5"},
	{Points: 1000, Discount: decimal.NewFromInt(12), Title: "Cupón de $12"},
	{Points: 2500, Discount: decimal.NewFromInt(35), Title: "Cupón de $35"},
	{Points: 5000, Discount: decimal.NewFromInt(80), Title: "Cupón de $80"},
}

// GetRewards returns the reward catalog, cheapest first.
func GetRewards() []Reward {
	return append([]Reward(nil), rewards...)
}

// FindReward looks a reward up by its points cost.
func FindReward(points int64) (Reward, bool) {
	for _, r := range rewards {
		if r.Points == points {
			return r, true
		}
	}
	return Reward{}, false
}

// RedeemReward spends the points of the catalog reward costing rewardPoints
// and returns the reward with the new balance.
func (s *PointsService) RedeemReward(ctx context.Context, userID string, rewardPoints int64) (Reward, int64, error) {
	r, ok := FindReward(rewardPoints)
	if !ok {
		return Reward{}, 0, fmt.Errorf("%w: %d points", ErrUnknownReward, rewardPoints)
	}
	balance, err := s.RedeemPoints(ctx, userID, r.Points, DefaultRedemptionDescription+": "+r.Title)
	if err != nil {
		return Reward{}, 0, err
	}
	return r, balance, nil
}
