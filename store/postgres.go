package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements CRUD, Incrementer, FloorIncrementer and Transactor on a PostgreSQL
// database through lib/pq.
type PostgresStore struct {
	db *sql.DB
	q  querier
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (p *PostgresStore) Create(ctx context.Context, table string, rec Record) (Record, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}

	var query string
	args := make([]any, 0, len(rec))
	if len(rec) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING *", pq.QuoteIdentifier(table))
	} else {
		cols := make([]string, 0, len(rec))
		marks := make([]string, 0, len(rec))
		for i, k := range sortedKeys(rec) {
			if err := validIdent(k); err != nil {
				return nil, err
			}
			cols = append(cols, pq.QuoteIdentifier(k))
			marks = append(marks, fmt.Sprintf("$%d", i+1))
			args = append(args, rec[k])
		}
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
			pq.QuoteIdentifier(table), strings.Join(cols, ", "), strings.Join(marks, ", "))
	}

	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	defer rows.Close()

	out, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("insert into %s: no row returned", table)
	}
	return out[0], nil
}

func (p *PostgresStore) FindMany(ctx context.Context, table string, filter Filter, opts FindOptions) ([]Record, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}
	where, args, err := whereClause(filter, 1)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT * FROM %s%s", pq.QuoteIdentifier(table), where)
	if opts.OrderBy != nil {
		if err := validIdent(opts.OrderBy.Column); err != nil {
			return nil, err
		}
		dir := "ASC"
		if opts.OrderBy.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&sb, " ORDER BY %s %s", pq.QuoteIdentifier(opts.OrderBy.Column), dir)
	}
	if opts.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", opts.Offset)
	}

	rows, err := p.q.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", table, err)
	}
	defer rows.Close()

	out, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", table, err)
	}
	return out, nil
}

func (p *PostgresStore) Update(ctx context.Context, table string, filter Filter, values Record) (int64, error) {
	if err := validIdent(table); err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("update %s: no values", table)
	}
	if len(filter) == 0 {
		return 0, fmt.Errorf("update %s: refusing update without filter", table)
	}

	sets := make([]string, 0, len(values))
	args := make([]any, 0, len(values)+len(filter))
	for i, k := range sortedKeys(values) {
		if err := validIdent(k); err != nil {
			return 0, err
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(k), i+1))
		args = append(args, values[k])
	}
	where, whereArgs, err := whereClause(filter, len(args)+1)
	if err != nil {
		return 0, err
	}
	args = append(args, whereArgs...)

	query := fmt.Sprintf("UPDATE %s SET %s%s", pq.QuoteIdentifier(table), strings.Join(sets, ", "), where)
	res, err := p.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	return n, nil
}

// Increment runs a single UPDATE ... SET col = COALESCE(col, 0) + delta
// RETURNING col, so concurrent increments never lose updates.
func (p *PostgresStore) Increment(ctx context.Context, table string, filter Filter, column string, delta int64) (int64, error) {
	if err := validIdent(table); err != nil {
		return 0, err
	}
	if err := validIdent(column); err != nil {
		return 0, err
	}
	if len(filter) == 0 {
		return 0, fmt.Errorf("increment %s: refusing update without filter", table)
	}
	where, args, err := whereClause(filter, 2)
	if err != nil {
		return 0, err
	}
	col := pq.QuoteIdentifier(column)
	query := fmt.Sprintf("UPDATE %s SET %s = COALESCE(%s, 0) + $1%s RETURNING %s",
		pq.QuoteIdentifier(table), col, col, where, col)

	var value int64
	err = p.q.QueryRowContext(ctx, query, append([]any{delta}, args...)...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment %s.%s: %w", table, column, err)
	}
	return value, nil
}

// IncrementFloor adds delta only when the result stays at or above floor. The
// condition is part of the UPDATE, so concurrent writers are re-checked
// against the committed value.
func (p *PostgresStore) IncrementFloor(ctx context.Context, table string, filter Filter, column string, delta, floor int64) (int64, error) {
	if err := validIdent(table); err != nil {
		return 0, err
	}
	if err := validIdent(column); err != nil {
		return 0, err
	}
	if len(filter) == 0 {
		return 0, fmt.Errorf("increment %s: refusing update without filter", table)
	}
	where, args, err := whereClause(filter, 3)
	if err != nil {
		return 0, err
	}
	tbl, col := pq.QuoteIdentifier(table), pq.QuoteIdentifier(column)
	query := fmt.Sprintf("UPDATE %s SET %s = COALESCE(%s, 0) + $1%s AND COALESCE(%s, 0) + $1 >= $2 RETURNING %s",
		tbl, col, col, where, col, col)

	var value int64
	err = p.q.QueryRowContext(ctx, query, append([]any{delta, floor}, args...)...).Scan(&value)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("increment %s.%s: %w", table, column, err)
	}

	// No row updated: either it does not exist or the floor held.
	where, args, err = whereClause(filter, 1)
	if err != nil {
		return 0, err
	}
	err = p.q.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(%s, 0) FROM %s%s LIMIT 1", col, tbl, where), args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read %s.%s: %w", table, column, err)
	}
	return value, ErrBelowFloor
}

// InTx runs fn inside a database transaction. Nested calls reuse the
// surrounding transaction.
func (p *PostgresStore) InTx(ctx context.Context, fn func(tx CRUD) error) error {
	if p.db == nil {
		return fn(p)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&PostgresStore{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", ErrCommitUnknown, err)
	}
	return nil
}

func whereClause(filter Filter, start int) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}
	conds := make([]string, 0, len(filter))
	args := make([]any, 0, len(filter))
	n := start
	for _, k := range sortedKeys(filter) {
		if err := validIdent(k); err != nil {
			return "", nil, err
		}
		if filter[k] == nil {
			conds = append(conds, pq.QuoteIdentifier(k)+" IS NULL")
			continue
		}
		conds = append(conds, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(k), n))
		args = append(args, filter[k])
		n++
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Record
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(Record, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				rec[col] = string(b)
				continue
			}
			rec[col] = values[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
