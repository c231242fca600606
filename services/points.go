package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"storefront-server/models"
	"storefront-server/store"

	"go.uber.org/zap"
)

const (
	TableUsers         = "users"
	TablePointsHistory = "points_history"

	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 500

	DefaultRedemptionDescription = "Canje de recompensas"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidAmount      = errors.New("invalid points amount")
	ErrInvalidReason      = errors.New("invalid points reason")
	ErrInsufficientPoints = errors.New("insufficient points")
)

// InsufficientPointsError is returned by RedeemPoints when the balance does
// not cover the request. It matches ErrInsufficientPoints with errors.Is.
type InsufficientPointsError struct {
	Have int64
	Need int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: have %d, need %d", e.Have, e.Need)
}

func (e *InsufficientPointsError) Is(target error) bool {
	return target == ErrInsufficientPoints
}

// balanceWriteError marks a failure after the ledger entry was appended.
type balanceWriteError struct {
	entryID string
	err     error
}

func (e *balanceWriteError) Error() string { return "update balance: " + e.err.Error() }
func (e *balanceWriteError) Unwrap() error { return e.err }

// LevelNotifier is told when a balance change moves a user into a higher tier.
type LevelNotifier interface {
	LevelUp(ctx context.Context, userID string, from, to Level, balance int64) error
}

// PointsService keeps the points ledger and each user's cached balance.
//
// Balance changes for one user are serialized in-process. When the backend
// implements store.Incrementer the balance write is an atomic server-side
// increment, and when it implements store.Transactor the ledger append and
// the balance write commit together. Redemptions on a store.FloorIncrementer
// are debited with a guard that refuses to go below zero, which holds across
// processes sharing the database.
type PointsService struct {
	crud          store.CRUD
	locks         *userLocks
	log           *zap.Logger
	metrics       *PointsMetrics
	notifier      LevelNotifier
	historyLimit  int
	notifyTimeout time.Duration
}

type PointsOption func(*PointsService)

func WithLogger(log *zap.Logger) PointsOption {
	return func(s *PointsService) {
		if log != nil {
			s.log = log
		}
	}
}

func WithMetrics(m *PointsMetrics) PointsOption {
	return func(s *PointsService) { s.metrics = m }
}

func WithLevelNotifier(n LevelNotifier) PointsOption {
	return func(s *PointsService) { s.notifier = n }
}

// WithHistoryLimit sets the page size used when GetHistory is called without
// a limit.
func WithHistoryLimit(n int) PointsOption {
	return func(s *PointsService) {
		if n > 0 {
			s.historyLimit = min(n, MaxHistoryLimit)
		}
	}
}

func NewPointsService(crud store.CRUD, opts ...PointsOption) *PointsService {
	s := &PointsService{
		crud:          crud,
		locks:         newUserLocks(),
		log:           zap.NewNop(),
		historyLimit:  DefaultHistoryLimit,
		notifyTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetUserPoints returns the cached balance, or 0 when the user or field is
// missing or the read fails. Failures are logged, never returned. Use Balance
// when the caller needs to tell those cases apart.
func (s *PointsService) GetUserPoints(ctx context.Context, userID string) int64 {
	points, err := s.balance(ctx, s.crud, userID)
	if err != nil {
		s.log.Warn("reading user points failed, reporting zero",
			zap.String("user_id", userID),
			zap.Error(err))
		return 0
	}
	return points
}

// Balance returns the cached balance or ErrUserNotFound / the read error.
func (s *PointsService) Balance(ctx context.Context, userID string) (int64, error) {
	return s.balance(ctx, s.crud, userID)
}

// AddPoints appends a ledger entry and applies amount (which may be negative)
// to the user's balance, returning the new balance.
//
// The ledger entry is written first. If the balance write then fails on a
// non-transactional backend the entry stays and the error is returned; the
// divergence is logged and counted for the reconciler.
func (s *PointsService) AddPoints(ctx context.Context, userID string, amount int64, reason models.PointsReason, description string) (int64, error) {
	start := time.Now()
	if userID == "" {
		return 0, ErrUserNotFound
	}
	if !reason.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	if amount == 0 {
		return 0, ErrInvalidAmount
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	balance, err := s.addLocked(ctx, userID, amount, reason, description, false)
	s.metrics.observe("add", start, err)
	return balance, err
}

// RedeemPoints spends amount points. It fails with *InsufficientPointsError,
// without touching the ledger, when the balance is too low.
func (s *PointsService) RedeemPoints(ctx context.Context, userID string, amount int64, description string) (int64, error) {
	start := time.Now()
	if userID == "" {
		return 0, ErrUserNotFound
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if description == "" {
		description = DefaultRedemptionDescription
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	balance, err := s.addLocked(ctx, userID, -amount, models.ReasonRedemption, description, true)
	s.metrics.observe("redeem", start, err)
	return balance, err
}

// GetHistory returns the user's ledger entries, newest first. limit <= 0
// uses the configured default; larger values are capped at MaxHistoryLimit.
func (s *PointsService) GetHistory(ctx context.Context, userID string, limit int) ([]models.PointsHistory, error) {
	switch {
	case limit <= 0:
		limit = s.historyLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}

	rows, err := s.crud.FindMany(ctx, TablePointsHistory, store.Filter{"user_id": userID}, store.FindOptions{
		OrderBy: &store.OrderBy{Column: "created_at", Desc: true},
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("read points history: %w", err)
	}

	entries := make([]models.PointsHistory, 0, len(rows))
	for _, rec := range rows {
		e, err := entryFromRecord(rec)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Summary returns the balance together with tier progress.
func (s *PointsService) Summary(ctx context.Context, userID string) (LevelProgress, error) {
	points, err := s.Balance(ctx, userID)
	if err != nil {
		return LevelProgress{}, err
	}
	return Progress(points), nil
}

// ReconcileResult is the outcome of comparing a cached balance with its ledger.
type ReconcileResult struct {
	UserID    string `json:"user_id"`
	Cached    int64  `json:"cached"`
	Ledger    int64  `json:"ledger"`
	Entries   int    `json:"entries"`
	Corrected bool   `json:"corrected"`
}

// Reconcile recomputes the user's balance from the full ledger and rewrites
// the cached value when it drifted.
func (s *PointsService) Reconcile(ctx context.Context, userID string) (ReconcileResult, error) {
	start := time.Now()
	unlock := s.locks.Lock(userID)
	defer unlock()

	res, err := s.reconcileLocked(ctx, userID)
	s.metrics.observe("reconcile", start, err)
	return res, err
}

func (s *PointsService) reconcileLocked(ctx context.Context, userID string) (ReconcileResult, error) {
	res := ReconcileResult{UserID: userID}

	cached, err := s.balance(ctx, s.crud, userID)
	if err != nil {
		return res, err
	}
	res.Cached = cached

	// A partial read fails here, before anything is rewritten.
	rows, err := s.crud.FindMany(ctx, TablePointsHistory, store.Filter{"user_id": userID}, store.FindOptions{
		OrderBy: &store.OrderBy{Column: "created_at"},
	})
	if err != nil {
		return res, fmt.Errorf("read points history: %w", err)
	}
	for _, rec := range rows {
		amount, ok := rec.Int64("amount")
		if !ok {
			return res, fmt.Errorf("ledger entry %s: unreadable amount", rec.String("id"))
		}
		res.Ledger += amount
	}
	res.Entries = len(rows)

	if res.Ledger == res.Cached {
		return res, nil
	}
	n, err := s.crud.Update(ctx, TableUsers, store.Filter{"id": userID}, store.Record{"points": res.Ledger})
	if err != nil {
		return res, fmt.Errorf("update balance: %w", err)
	}
	if n == 0 {
		return res, ErrUserNotFound
	}
	res.Corrected = true
	s.metrics.reconciled()
	s.log.Warn("cached balance drifted from ledger, corrected",
		zap.String("user_id", userID),
		zap.Int64("cached", res.Cached),
		zap.Int64("ledger", res.Ledger))
	return res, nil
}

// addLocked applies one ledger entry. guarded entries (redemptions) must not
// take the balance below zero.
func (s *PointsService) addLocked(ctx context.Context, userID string, amount int64, reason models.PointsReason, description string, guarded bool) (int64, error) {
	var prev, next int64

	rec := store.Record{
		"user_id": userID,
		"amount":  amount,
		"reason":  string(reason),
	}
	if description != "" {
		rec["description"] = description
	}

	apply := func(q store.CRUD) error {
		var err error
		prev, err = s.balance(ctx, q, userID)
		if err != nil {
			return err
		}
		if guarded && prev+amount < 0 {
			return &InsufficientPointsError{Have: prev, Need: -amount}
		}

		entry, err := q.Create(ctx, TablePointsHistory, rec)
		if err != nil {
			return fmt.Errorf("append ledger entry: %w", err)
		}

		next, err = s.writeBalance(ctx, q, userID, prev, amount, guarded)
		var insufficient *InsufficientPointsError
		if errors.As(err, &insufficient) {
			return err
		}
		if err != nil {
			return &balanceWriteError{entryID: entry.String("id"), err: err}
		}
		return nil
	}

	var err error
	tx, transactional := s.crud.(store.Transactor)
	floor, floored := s.crud.(store.FloorIncrementer)
	switch {
	case transactional:
		err = tx.InTx(ctx, apply)
	case guarded && floored:
		prev, next, err = s.debitThenAppend(ctx, floor, userID, amount, rec)
	default:
		err = apply(s.crud)
	}

	var bw *balanceWriteError
	if errors.As(err, &bw) && !transactional {
		s.metrics.divergence()
		s.log.Error("ledger entry written but balance update failed",
			zap.String("user_id", userID),
			zap.String("entry_id", bw.entryID),
			zap.Int64("amount", amount),
			zap.Error(bw.err))
	}
	if errors.Is(err, store.ErrCommitUnknown) {
		s.log.Error("ledger commit outcome unknown",
			zap.String("user_id", userID),
			zap.Int64("amount", amount),
			zap.String("reason", string(reason)),
			zap.Error(err))
	}
	if err != nil {
		return 0, err
	}

	s.metrics.moved(string(reason), amount)
	s.log.Info("points balance changed",
		zap.String("user_id", userID),
		zap.Int64("amount", amount),
		zap.String("reason", string(reason)),
		zap.Int64("new_balance", next))

	s.maybeNotifyLevelUp(ctx, userID, prev, next)
	return next, nil
}

// debitThenAppend is the guarded path for backends without transactions: the
// debit is applied first so a refused debit writes nothing, and a failed
// append is credited back.
func (s *PointsService) debitThenAppend(ctx context.Context, floor store.FloorIncrementer, userID string, amount int64, rec store.Record) (int64, int64, error) {
	filter := store.Filter{"id": userID}
	next, err := floor.IncrementFloor(ctx, TableUsers, filter, "points", amount, 0)
	switch {
	case errors.Is(err, store.ErrBelowFloor):
		return next, next, &InsufficientPointsError{Have: next, Need: -amount}
	case errors.Is(err, store.ErrNotFound):
		return 0, 0, ErrUserNotFound
	case err != nil:
		return 0, 0, fmt.Errorf("update balance: %w", err)
	}
	prev := next - amount

	if _, err := s.crud.Create(ctx, TablePointsHistory, rec); err != nil {
		if _, cerr := floor.IncrementFloor(ctx, TableUsers, filter, "points", -amount, math.MinInt64); cerr != nil {
			s.metrics.divergence()
			s.log.Error("crediting back a debit without ledger entry failed",
				zap.String("user_id", userID),
				zap.Int64("amount", amount),
				zap.Error(cerr))
		}
		return 0, 0, fmt.Errorf("append ledger entry: %w", err)
	}
	return prev, next, nil
}

// entryMayExist reports whether a failed AddPoints may still have left its
// ledger entry behind: the balance write failed after a non-transactional
// append, or the commit outcome is unknown.
func (s *PointsService) entryMayExist(err error) bool {
	if errors.Is(err, store.ErrCommitUnknown) {
		return true
	}
	var bw *balanceWriteError
	if !errors.As(err, &bw) {
		return false
	}
	_, transactional := s.crud.(store.Transactor)
	return !transactional
}

func (s *PointsService) writeBalance(ctx context.Context, q store.CRUD, userID string, prev, amount int64, guarded bool) (int64, error) {
	filter := store.Filter{"id": userID}
	if fi, ok := q.(store.FloorIncrementer); ok && guarded {
		v, err := fi.IncrementFloor(ctx, TableUsers, filter, "points", amount, 0)
		switch {
		case errors.Is(err, store.ErrBelowFloor):
			return 0, &InsufficientPointsError{Have: v, Need: -amount}
		case errors.Is(err, store.ErrNotFound):
			return 0, ErrUserNotFound
		}
		return v, err
	}
	if inc, ok := q.(store.Incrementer); ok {
		v, err := inc.Increment(ctx, TableUsers, filter, "points", amount)
		if errors.Is(err, store.ErrNotFound) {
			return 0, ErrUserNotFound
		}
		return v, err
	}

	next := prev + amount
	n, err := q.Update(ctx, TableUsers, filter, store.Record{"points": next})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrUserNotFound
	}
	return next, nil
}

func (s *PointsService) balance(ctx context.Context, q store.CRUD, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrUserNotFound
	}
	rows, err := q.FindMany(ctx, TableUsers, store.Filter{"id": userID}, store.FindOptions{Limit: 1})
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	if len(rows) == 0 {
		return 0, ErrUserNotFound
	}
	points, _ := rows[0].Int64("points")
	return points, nil
}

func (s *PointsService) maybeNotifyLevelUp(ctx context.Context, userID string, prev, next int64) {
	if s.notifier == nil {
		return
	}
	from, to := CalculateLevel(prev), CalculateLevel(next)
	if to.MinPoints <= from.MinPoints {
		return
	}
	go func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
		defer cancel()
		if err := s.notifier.LevelUp(nctx, userID, from, to, next); err != nil {
			s.log.Warn("level-up notification failed",
				zap.String("user_id", userID),
				zap.String("level", to.Name),
				zap.Error(err))
		}
	}()
}

func entryFromRecord(rec store.Record) (models.PointsHistory, error) {
	amount, ok := rec.Int64("amount")
	if !ok {
		return models.PointsHistory{}, fmt.Errorf("ledger entry %s: unreadable amount", rec.String("id"))
	}
	e := models.PointsHistory{
		ID:     rec.String("id"),
		UserID: rec.String("user_id"),
		Amount: amount,
		Reason: models.PointsReason(rec.String("reason")),
	}
	if d := rec.String("description"); d != "" {
		e.Description = &d
	}
	e.CreatedAt, _ = rec.Time("created_at")
	return e, nil
}
