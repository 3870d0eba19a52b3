package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	pgx.Tx
	rollbacks int
	commits   int
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rollbacks++
	return nil
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.commits++
	return nil
}

type fakeBeginner struct {
	tx   *fakeTx
	opts pgx.TxOptions
}

func (b *fakeBeginner) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	b.opts = opts
	return b.tx, nil
}

func TestWithTxUsesReadCommitted(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}

	err := WithTx(context.Background(), b, func(pgx.Tx) error { return nil })

	require.NoError(t, err)
	require.Equal(t, pgx.ReadCommitted, b.opts.IsoLevel)
	require.Equal(t, 1, b.tx.commits)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	boom := errors.New("boom")

	err := WithTx(context.Background(), b, func(pgx.Tx) error { return boom })

	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, b.tx.rollbacks)
	require.Zero(t, b.tx.commits)
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}

	require.Panics(t, func() {
		_ = WithTx(context.Background(), b, func(pgx.Tx) error { panic("boom") })
	})

	require.Equal(t, 1, b.tx.rollbacks)
	require.Zero(t, b.tx.commits)
}
