package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"storefront-server/store"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Reconciler periodically compares every user's cached balance with the sum
// of their ledger entries and repairs drift.
type Reconciler struct {
	crud        store.CRUD
	points      *PointsService
	log         *zap.Logger
	interval    time.Duration
	concurrency int
	pageSize    int
}

const reconcilePageSize = 500

// ReconcileReport summarises one pass.
type ReconcileReport struct {
	Checked   int `json:"checked"`
	Corrected int `json:"corrected"`
	Failed    int `json:"failed"`
}

// NewReconciler creates a reconciler. interval <= 0 disables the periodic
// loop; RunOnce still works.
func NewReconciler(crud store.CRUD, points *PointsService, log *zap.Logger, interval time.Duration, concurrency int) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Reconciler{
		crud:        crud,
		points:      points,
		log:         log,
		interval:    interval,
		concurrency: concurrency,
		pageSize:    reconcilePageSize,
	}
}

// RunOnce reconciles every user, walking the users table a page at a time.
// Per-user failures are logged and counted; only failing to list users aborts
// the pass.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	var (
		mu  sync.Mutex
		rep ReconcileReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	listErr := eachPage(ctx, r.crud, TableUsers, &store.OrderBy{Column: "id"}, r.pageSize, func(users []store.Record) {
		for _, u := range users {
			userID := u.String("id")
			if userID == "" {
				continue
			}
			g.Go(func() error {
				res, err := r.points.Reconcile(gctx, userID)

				mu.Lock()
				defer mu.Unlock()
				rep.Checked++
				if err != nil {
					rep.Failed++
					r.log.Warn("reconciling user failed", zap.String("user_id", userID), zap.Error(err))
					return nil
				}
				if res.Corrected {
					rep.Corrected++
				}
				return nil
			})
		}
	})
	_ = g.Wait()
	if listErr != nil {
		return rep, fmt.Errorf("list users: %w", listErr)
	}

	r.log.Info("reconcile pass finished",
		zap.Int("checked", rep.Checked),
		zap.Int("corrected", rep.Corrected),
		zap.Int("failed", rep.Failed))
	return rep, ctx.Err()
}

// eachPage calls fn with consecutive pages of table until a short page comes
// back.
func eachPage(ctx context.Context, crud store.CRUD, table string, order *store.OrderBy, size int, fn func([]store.Record)) error {
	for offset := 0; ; offset += size {
		rows, err := crud.FindMany(ctx, table, nil, store.FindOptions{OrderBy: order, Limit: size, Offset: offset})
		if err != nil {
			return err
		}
		fn(rows)
		if len(rows) < size {
			return nil
		}
	}
}

// Start runs RunOnce every interval until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	if r.interval <= 0 {
		r.log.Info("balance reconciler disabled")
		return
	}
	r.log.Info("balance reconciler started", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("balance reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("reconcile pass failed", zap.Error(err))
			}
		}
	}
}
