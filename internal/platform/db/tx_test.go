package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
	commitErr  error
}

func (f *fakeTx) Commit(ctx context.Context) error {
	f.committed = true
	return f.commitErr
}

func (f *fakeTx) Rollback(ctx context.Context) error {
	f.rolledBack = true
	return nil
}

type fakeStarter struct {
	tx  *fakeTx
	err error
}

func (f *fakeStarter) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tx, nil
}

func TestWithTx_Commit(t *testing.T) {
	tx := &fakeTx{}
	var seen pgx.Tx
	err := WithTx(context.Background(), &fakeStarter{tx: tx}, func(ctx context.Context) error {
		seen = TxFromContext(ctx)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != tx {
		t.Error("expected transaction to be reachable from the callback context")
	}
	if !tx.committed || tx.rolledBack {
		t.Errorf("expected commit only, got committed=%v rolledBack=%v", tx.committed, tx.rolledBack)
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	tx := &fakeTx{}
	boom := errors.New("boom")
	err := WithTx(context.Background(), &fakeStarter{tx: tx}, func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if tx.committed || !tx.rolledBack {
		t.Errorf("expected rollback only, got committed=%v rolledBack=%v", tx.committed, tx.rolledBack)
	}
}

func TestWithTx_RollbackOnCommitFailure(t *testing.T) {
	tx := &fakeTx{commitErr: errors.New("serialization failure")}
	err := WithTx(context.Background(), &fakeStarter{tx: tx}, func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected commit error")
	}
	if !tx.rolledBack {
		t.Error("expected rollback after failed commit")
	}
}

func TestWithTx_RollbackOnPanic(t *testing.T) {
	tx := &fakeTx{}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic to propagate")
		}
		if !tx.rolledBack {
			t.Error("expected rollback on panic")
		}
	}()
	_ = WithTx(context.Background(), &fakeStarter{tx: tx}, func(ctx context.Context) error {
		panic("unexpected")
	})
}

func TestWithTx_BeginFailure(t *testing.T) {
	err := WithTx(context.Background(), &fakeStarter{err: errors.New("pool closed")}, func(ctx context.Context) error {
		t.Fatal("callback must not run")
		return nil
	})
	if err == nil {
		t.Fatal("expected begin error")
	}
}

func TestWithTx_RejectsNesting(t *testing.T) {
	ctx := ContextWithTx(context.Background(), &fakeTx{})
	err := WithTx(ctx, &fakeStarter{tx: &fakeTx{}}, func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected nested transaction to be rejected")
	}
}

func TestTxFromContext_Empty(t *testing.T) {
	if TxFromContext(context.Background()) != nil {
		t.Error("expected nil transaction")
	}
}
