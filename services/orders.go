package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"storefront-server/models"
	"storefront-server/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const TableOrders = "orders"

// ErrAlreadyAwarded is returned by AwardOrder when the order already earned
// its points.
var ErrAlreadyAwarded = errors.New("order already awarded")

var pointsDivisor = decimal.NewFromInt(10)

// OrderPoints is the purchase award for an order total: one point per full 10
// currency units.
func OrderPoints(total decimal.Decimal) int64 {
	if total.IsNegative() {
		return 0
	}
	return total.Div(pointsDivisor).Floor().IntPart()
}

// AwardKeys records which orders already earned points.
type AwardKeys interface {
	Claim(key string) (bool, error)
	Release(key string) error
}

type OrderService struct {
	crud    store.CRUD
	points  *PointsService
	keys    AwardKeys
	log     *zap.Logger
	metrics *PointsMetrics
	now     func() time.Time
}

// NewOrderService builds the order flow. keys may be nil, in which case
// awards are not deduplicated.
func NewOrderService(crud store.CRUD, points *PointsService, keys AwardKeys, log *zap.Logger, metrics *PointsMetrics) *OrderService {
	if log == nil {
		log = zap.NewNop()
	}
	return &OrderService{
		crud:    crud,
		points:  points,
		keys:    keys,
		log:     log,
		metrics: metrics,
		now:     time.Now,
	}
}

// OrderResult is a persisted order plus the outcome of its points award.
type OrderResult struct {
	Order         models.Order `json:"order"`
	PointsAwarded int64        `json:"points_awarded"`
	Balance       int64        `json:"balance,omitempty"`
	PointsError   string       `json:"points_error,omitempty"`
}

// CreateOrder persists a new order and awards its purchase points. The award
// is best effort: its failure is logged and reported in PointsError, and the
// order still stands.
func (s *OrderService) CreateOrder(ctx context.Context, userID string, total decimal.Decimal, currency string) (*OrderResult, error) {
	if userID == "" {
		return nil, ErrUserNotFound
	}
	if total.IsNegative() {
		return nil, fmt.Errorf("%w: negative order total", ErrInvalidAmount)
	}
	if currency == "" {
		currency = "USD"
	}

	rec, err := s.crud.Create(ctx, TableOrders, store.Record{
		"user_id":        userID,
		"order_number":   s.orderNumber(),
		"status":         models.OrderStatusPending,
		"total_amount":   total.StringFixed(2),
		"currency":       currency,
		"points_awarded": int64(0),
	})
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	order, err := orderFromRecord(rec)
	if err != nil {
		return nil, err
	}

	s.log.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("user_id", userID),
		zap.String("total", order.TotalAmount.StringFixed(2)))

	res := &OrderResult{Order: order}
	awarded, balance, err := s.AwardOrder(ctx, order)
	if err != nil {
		s.log.Error("awarding order points failed",
			zap.String("order_number", order.OrderNumber),
			zap.String("user_id", userID),
			zap.Error(err))
		res.PointsError = err.Error()
		return res, nil
	}
	res.PointsAwarded = awarded
	res.Balance = balance
	res.Order.PointsAwarded = awarded
	return res, nil
}

// AwardOrder credits the purchase points for order once. Orders worth less
// than one point are skipped without touching the ledger.
func (s *OrderService) AwardOrder(ctx context.Context, order models.Order) (int64, int64, error) {
	pts := OrderPoints(order.TotalAmount)
	if pts <= 0 {
		return 0, 0, nil
	}

	if s.keys != nil {
		claimed, err := s.keys.Claim(order.OrderNumber)
		if err != nil {
			return 0, 0, fmt.Errorf("claim award key: %w", err)
		}
		if !claimed {
			s.metrics.duplicateAward()
			return 0, 0, ErrAlreadyAwarded
		}
	}

	balance, err := s.points.AddPoints(ctx, order.UserID, pts, models.ReasonPurchase, "Compra "+order.OrderNumber)
	if err != nil {
		if s.keys != nil && !s.points.entryMayExist(err) {
			if rerr := s.keys.Release(order.OrderNumber); rerr != nil {
				s.log.Error("releasing award key failed",
					zap.String("order_number", order.OrderNumber),
					zap.Error(rerr))
			}
		}
		return 0, 0, err
	}

	if order.ID != "" {
		_, err := s.crud.Update(ctx, TableOrders, store.Filter{"id": order.ID}, store.Record{
			"points_awarded": pts,
			"updated_at":     s.now().UTC(),
		})
		if err != nil {
			s.log.Warn("recording awarded points on order failed",
				zap.String("order_id", order.ID),
				zap.Error(err))
		}
	}
	return pts, balance, nil
}

// ListOrders returns the user's orders, newest first.
func (s *OrderService) ListOrders(ctx context.Context, userID string) ([]models.Order, error) {
	rows, err := s.crud.FindMany(ctx, TableOrders, store.Filter{"user_id": userID}, store.FindOptions{
		OrderBy: &store.OrderBy{Column: "created_at", Desc: true},
	})
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	orders := make([]models.Order, 0, len(rows))
	for _, rec := range rows {
		o, err := orderFromRecord(rec)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// orderNumber generates a human readable order reference.
func (s *OrderService) orderNumber() string {
	now := s.now()
	return fmt.Sprintf("ORD-%d%02d%02d-%06d", now.Year(), now.Month(), now.Day(), rand.Intn(1000000))
}

func orderFromRecord(rec store.Record) (models.Order, error) {
	o := models.Order{
		ID:          rec.String("id"),
		UserID:      rec.String("user_id"),
		OrderNumber: rec.String("order_number"),
		Status:      rec.String("status"),
		Currency:    rec.String("currency"),
	}
	if raw := rec.String("total_amount"); raw != "" {
		total, err := decimal.NewFromString(raw)
		if err != nil {
			return o, fmt.Errorf("order %s: total amount %q: %w", o.ID, raw, err)
		}
		o.TotalAmount = total
	}
	o.PointsAwarded, _ = rec.Int64("points_awarded")
	o.CreatedAt, _ = rec.Time("created_at")
	o.UpdatedAt, _ = rec.Time("updated_at")
	return o, nil
}
