package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a thread-safe in-memory CRUD backend. Rows keep insertion
// order; ids are random UUIDs and created_at comes from Now.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string][]Record

	// Now is the clock used for created_at. Defaults to time.Now.
	Now func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[string][]Record),
		Now:    time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, table string, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validIdent(table); err != nil {
		return nil, err
	}
	row := rec.clone()
	if row.String("id") == "" {
		row["id"] = uuid.NewString()
	}
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = m.Now().UTC()
	}

	m.mu.Lock()
	m.tables[table] = append(m.tables[table], row)
	m.mu.Unlock()

	return row.clone(), nil
}

func (m *MemoryStore) FindMany(ctx context.Context, table string, filter Filter, opts FindOptions) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validIdent(table); err != nil {
		return nil, err
	}

	m.mu.RLock()
	var out []Record
	for _, row := range m.tables[table] {
		if matches(row, filter) {
			out = append(out, row.clone())
		}
	}
	m.mu.RUnlock()

	if opts.OrderBy != nil {
		col := opts.OrderBy.Column
		if opts.OrderBy.Desc {
			// Reverse first so ties keep newest-inserted first after the stable sort.
			for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
				out[i], out[j] = out[j], out[i]
			}
		}
		sort.SliceStable(out, func(i, j int) bool {
			c := compareValues(out[i][col], out[j][col])
			if opts.OrderBy.Desc {
				return c > 0
			}
			return c < 0
		})
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Update(ctx context.Context, table string, filter Filter, values Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validIdent(table); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, row := range m.tables[table] {
		if !matches(row, filter) {
			continue
		}
		for k, v := range values {
			row[k] = v
		}
		n++
	}
	return n, nil
}

// Increment adds delta to column on the single row matching filter. A missing
// or null column counts as zero.
func (m *MemoryStore) Increment(ctx context.Context, table string, filter Filter, column string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validIdent(table); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.tables[table] {
		if !matches(row, filter) {
			continue
		}
		current, _ := row.Int64(column)
		row[column] = current + delta
		return current + delta, nil
	}
	return 0, ErrNotFound
}

// IncrementFloor is Increment that refuses to go below floor.
func (m *MemoryStore) IncrementFloor(ctx context.Context, table string, filter Filter, column string, delta, floor int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validIdent(table); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.tables[table] {
		if !matches(row, filter) {
			continue
		}
		current, _ := row.Int64(column)
		if current+delta < floor {
			return current, ErrBelowFloor
		}
		row[column] = current + delta
		return current + delta, nil
	}
	return 0, ErrNotFound
}

// Seed inserts rows verbatim, bypassing id and timestamp assignment.
func (m *MemoryStore) Seed(table string, rows ...Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.tables[table] = append(m.tables[table], r.clone())
	}
}

func matches(row Record, filter Filter) bool {
	for k, want := range filter {
		got, ok := row[k]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb)
		}
	}
	ra, rb := Record{"v": a}, Record{"v": b}
	if na, ok := ra.Int64("v"); ok {
		if nb, ok := rb.Int64("v"); ok {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			}
			return 0
		}
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}
