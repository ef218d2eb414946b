package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Advisory lock key for the scheduled reconciliation cycle. The pair is
// arbitrary but must be stable across every deployment of the service.
const (
	runLockClass = int32(0x526f6c65) // "Role"
	runLockID    = int32(0x47617465) // "Gate"
)

// RunLock is a cross-process mutual exclusion primitive backed by a
// session-scoped Postgres advisory lock. At most one process in the
// deployment holds it; if the holder crashes, the database releases the
// lock when its session ends.
type RunLock struct {
	pool *pgxpool.Pool

	mtx  sync.Mutex
	conn *pgxpool.Conn
}

// NewRunLock creates a lock over the given pool.
func NewRunLock(pool *pgxpool.Pool) *RunLock {
	return &RunLock{pool: pool}
}

// TryAcquire attempts to take the lock without blocking. The lock is
// held on a dedicated connection pinned for the duration, since
// advisory locks are scoped to the session that took them.
func (l *RunLock) TryAcquire(ctx context.Context) (bool, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.conn != nil {
		return false, nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire lock connection: %w", err)
	}
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1, $2)`, runLockClass, runLockID).Scan(&locked); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release gives the lock back and returns the pinned connection to the
// pool. Calling Release without holding the lock is a no-op.
func (l *RunLock) Release(ctx context.Context) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.conn == nil {
		return
	}
	// Best effort: even if the unlock statement fails, releasing the
	// connection ends the session and with it the lock.
	_, _ = l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1, $2)`, runLockClass, runLockID)
	l.conn.Release()
	l.conn = nil
}
