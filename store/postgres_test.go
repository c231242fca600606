package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_Create(t *testing.T) {
	p, mock := newMockStore(t)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO "points_history" ("amount", "reason", "user_id") VALUES ($1, $2, $3) RETURNING *`).
		WithArgs(int64(100), "bonus", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "amount", "reason", "description", "created_at"}).
			AddRow("e1", "u1", int64(100), "bonus", nil, now))

	rec, err := p.Create(context.Background(), "points_history", Record{
		"user_id": "u1",
		"amount":  int64(100),
		"reason":  "bonus",
	})
	require.NoError(t, err)

	assert.Equal(t, "e1", rec.String("id"))
	amount, ok := rec.Int64("amount")
	require.True(t, ok)
	assert.Equal(t, int64(100), amount)
	ts, ok := rec.Time("created_at")
	require.True(t, ok)
	assert.Equal(t, now, ts)
	assert.Nil(t, rec["description"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindMany(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT * FROM "points_history" WHERE "user_id" = $1 ORDER BY "created_at" DESC LIMIT 5`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount"}).
			AddRow([]byte("e2"), int64(-20)).
			AddRow([]byte("e1"), int64(50)))

	rows, err := p.FindMany(context.Background(), "points_history", Filter{"user_id": "u1"},
		FindOptions{OrderBy: &OrderBy{Column: "created_at", Desc: true}, Limit: 5})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "e2", rows[0]["id"], "byte slices are converted to strings")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Update(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE "users" SET "points" = $1 WHERE "id" = $2`).
		WithArgs(int64(250), "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := p.Update(context.Background(), "users", Filter{"id": "u1"}, Record{"points": int64(250)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRequiresFilter(t *testing.T) {
	p, _ := newMockStore(t)
	_, err := p.Update(context.Background(), "users", nil, Record{"points": int64(1)})
	assert.Error(t, err)
}

func TestPostgresStore_Increment(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE "users" SET "points" = COALESCE("points", 0) + $1 WHERE "id" = $2 RETURNING "points"`).
		WithArgs(int64(50), "u1").
		WillReturnRows(sqlmock.NewRows([]string{"points"}).AddRow(int64(150)))

	v, err := p.Increment(context.Background(), "users", Filter{"id": "u1"}, "points", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(150), v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementMissingRow(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE "users" SET "points" = COALESCE("points", 0) + $1 WHERE "id" = $2 RETURNING "points"`).
		WithArgs(int64(5), "ghost").
		WillReturnRows(sqlmock.NewRows([]string{"points"}))

	_, err := p.Increment(context.Background(), "users", Filter{"id": "ghost"}, "points", 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_FindManyOffset(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT * FROM "users" ORDER BY "id" ASC LIMIT 500 OFFSET 1000`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))

	rows, err := p.FindMany(context.Background(), "users", nil,
		FindOptions{OrderBy: &OrderBy{Column: "id"}, Limit: 500, Offset: 1000})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

const floorUpdate = `UPDATE "users" SET "points" = COALESCE("points", 0) + $1 WHERE "id" = $3 AND COALESCE("points", 0) + $1 >= $2 RETURNING "points"`

func TestPostgresStore_IncrementFloor(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery(floorUpdate).
		WithArgs(int64(-100), int64(0), "u1").
		WillReturnRows(sqlmock.NewRows([]string{"points"}).AddRow(int64(20)))

	v, err := p.IncrementFloor(context.Background(), "users", Filter{"id": "u1"}, "points", -100, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(20), v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementFloorRefuses(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery(floorUpdate).
		WithArgs(int64(-100), int64(0), "u1").
		WillReturnRows(sqlmock.NewRows([]string{"points"}))
	mock.ExpectQuery(`SELECT COALESCE("points", 0) FROM "users" WHERE "id" = $1 LIMIT 1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(60)))

	v, err := p.IncrementFloor(context.Background(), "users", Filter{"id": "u1"}, "points", -100, 0)
	assert.ErrorIs(t, err, ErrBelowFloor)
	assert.Equal(t, int64(60), v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementFloorMissingRow(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery(floorUpdate).
		WithArgs(int64(-1), int64(0), "ghost").
		WillReturnRows(sqlmock.NewRows([]string{"points"}))
	mock.ExpectQuery(`SELECT COALESCE("points", 0) FROM "users" WHERE "id" = $1 LIMIT 1`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}))

	_, err := p.IncrementFloor(context.Background(), "users", Filter{"id": "ghost"}, "points", -1, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_InTxCommitFailureIsUnknown(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	err := p.InTx(context.Background(), func(tx CRUD) error { return nil })
	assert.ErrorIs(t, err, ErrCommitUnknown)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTxCommits(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "points_history" ("amount", "user_id") VALUES ($1, $2) RETURNING *`).
		WithArgs(int64(10), "u1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("e1"))
	mock.ExpectQuery(`UPDATE "users" SET "points" = COALESCE("points", 0) + $1 WHERE "id" = $2 RETURNING "points"`).
		WithArgs(int64(10), "u1").
		WillReturnRows(sqlmock.NewRows([]string{"points"}).AddRow(int64(10)))
	mock.ExpectCommit()

	err := p.InTx(context.Background(), func(tx CRUD) error {
		if _, err := tx.Create(context.Background(), "points_history", Record{"user_id": "u1", "amount": int64(10)}); err != nil {
			return err
		}
		_, err := tx.(Incrementer).Increment(context.Background(), "users", Filter{"id": "u1"}, "points", 10)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTxRollsBackOnError(t *testing.T) {
	p, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := p.InTx(context.Background(), func(tx CRUD) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RejectsInjectedIdentifiers(t *testing.T) {
	p, _ := newMockStore(t)
	_, err := p.FindMany(context.Background(), "users", Filter{`id" OR 1=1 --`: "x"}, FindOptions{})
	assert.Error(t, err)
}
