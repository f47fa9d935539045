package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"memetrade/internal/trade"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	maxAttempts      = 8
	firstBackoff     = 75 * time.Millisecond
	maxBackoff       = 1200 * time.Millisecond
	sqlstateRetry    = "40001"
	sqlstateDeadlock = "40P01"
)

// Store implements trade.Store on Postgres. Every unit of work runs at
// SERIALIZABLE isolation and is retried on serialization failures.
type Store struct {
	db  *pgxpool.Pool
	log *slog.Logger
}

func New(db *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, log: logger}
}

func (s *Store) InTx(ctx context.Context, fn func(tx trade.Tx) error) error {
	retryDelay := firstBackoff
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return err
		}
		err = func() error {
			defer tx.Rollback(ctx)
			if err := fn(&pgTx{tx: tx}); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}
		s.log.Debug("trade tx conflict, retrying", "attempt", attempt+1, "delay", retryDelay.String())
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < maxBackoff {
			retryDelay *= 2
		}
	}
	return trade.ErrTxConflict
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlstateRetry || pgErr.Code == sqlstateDeadlock
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
