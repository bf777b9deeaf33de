package lease

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
)

// AdvisoryProvider grants leases with pg_try_advisory_lock. Advisory locks are
// session scoped, so each lease pins one pooled connection until released.
type AdvisoryProvider struct {
	db *sql.DB
}

// NewAdvisoryProvider creates an advisory lock provider.
func NewAdvisoryProvider(db *sql.DB) *AdvisoryProvider {
	return &AdvisoryProvider{db: db}
}

// LockID derives the advisory lock id of a job.
func LockID(jobID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(leaseKey(jobID)))
	return int64(h.Sum64())
}

// Acquire implements core.LeaseProvider. The ttl is unused; the lock lives as
// long as the connection.
func (p *AdvisoryProvider) Acquire(ctx context.Context, jobID string, _ time.Duration) (core.Lease, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lease connection: %w", err)
	}

	id := LockID(jobID)
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&acquired); err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquire lease %s: %w", jobID, err)
	}
	if !acquired {
		conn.Close()
		return nil, core.ErrJobLeased
	}
	return &advisoryLease{conn: conn, id: id}, nil
}

type advisoryLease struct {
	conn *sql.Conn
	id   int64
}

// Extend checks the holding session is still alive.
func (l *advisoryLease) Extend(ctx context.Context, _ time.Duration) error {
	if err := l.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", core.ErrJobLeased, err)
	}
	return nil
}

// Release unlocks and returns the connection to the pool.
func (l *advisoryLease) Release(ctx context.Context) error {
	defer l.conn.Close()
	if _, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.id); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
