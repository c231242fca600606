// Package store is the table-scoped CRUD collaborator the loyalty engine reads
// and writes through. Backends: PostgreSQL, a hosted PostgREST API and an
// in-memory implementation.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
)

var (
	// ErrNotFound is returned when an operation addressed a row that does not exist.
	ErrNotFound = errors.New("store: row not found")

	// ErrBelowFloor is returned by IncrementFloor when the update would take
	// the column below the floor. Nothing is written.
	ErrBelowFloor = errors.New("store: value would drop below floor")

	// ErrPartialResult is returned when a backend could not deliver every row
	// a query matched.
	ErrPartialResult = errors.New("store: partial result")

	// ErrCommitUnknown wraps a failed commit. The transaction may or may not
	// have been applied.
	ErrCommitUnknown = errors.New("store: commit outcome unknown")
)

// Record is a single table row keyed by column name.
type Record map[string]any

// Filter is a set of column = value equality predicates, ANDed together.
type Filter map[string]any

// OrderBy sorts results on a single column.
type OrderBy struct {
	Column string
	Desc   bool
}

// FindOptions controls ordering and size of a FindMany result. Limit <= 0
// means every matching row; a backend that caps response sizes pages through
// them or fails with ErrPartialResult. Offset skips that many rows.
type FindOptions struct {
	OrderBy *OrderBy
	Limit   int
	Offset  int
}

// CRUD is the generic data-row service.
type CRUD interface {
	// Create inserts rec and returns the stored row, including the
	// collaborator-assigned id and created_at.
	Create(ctx context.Context, table string, rec Record) (Record, error)
	FindMany(ctx context.Context, table string, filter Filter, opts FindOptions) ([]Record, error)
	// Update sets values on every row matching filter and returns the number
	// of rows changed.
	Update(ctx context.Context, table string, filter Filter, values Record) (int64, error)
}

// Incrementer is implemented by backends that can add to a numeric column
// atomically on the server side. It returns the column value after the update.
type Incrementer interface {
	Increment(ctx context.Context, table string, filter Filter, column string, delta int64) (int64, error)
}

// FloorIncrementer adds delta only if the result stays at or above floor,
// checked and written atomically. On ErrBelowFloor the returned value is the
// column's current value.
type FloorIncrementer interface {
	IncrementFloor(ctx context.Context, table string, filter Filter, column string, delta, floor int64) (int64, error)
}

// Transactor is implemented by backends that can run several operations in a
// single transaction. fn receives a CRUD bound to the transaction; returning an
// error rolls it back.
type Transactor interface {
	InTx(ctx context.Context, fn func(tx CRUD) error) error
}

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func validIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("store: invalid identifier %q", name)
	}
	return nil
}

// sortedKeys returns the keys of m in lexical order so generated queries are
// deterministic.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
