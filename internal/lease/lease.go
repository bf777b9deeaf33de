// Package lease grants the single-writer lease a worker must hold to advance
// an import job.
//
// Redis is preferred when configured; leases then expire on their own if the
// holder dies. Without Redis, PostgreSQL session advisory locks are used and
// are released when the holding connection closes.
package lease

import (
	"database/sql"

	"github.com/redis/go-redis/v9"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
)

// NewProvider picks the Redis backend if client is non-nil, otherwise
// advisory locks over db.
func NewProvider(client *redis.Client, db *sql.DB) core.LeaseProvider {
	if client != nil {
		return NewRedisProvider(client)
	}
	return NewAdvisoryProvider(db)
}

func leaseKey(jobID string) string {
	return "import:lease:" + jobID
}
