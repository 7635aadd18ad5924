package manifest

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewLockHolder returns a token identifying one migration run.
func NewLockHolder() string {
	return uuid.New().String()
}

// AcquireLock takes the migration lock of a klass for holder. A lock older
// than ttl is considered abandoned and may be taken over. Re-acquiring a lock
// already held by holder refreshes it.
func (s *Store) AcquireLock(ctx context.Context, klassID int64, holder string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO migration_locks (klass_id, holder, acquired_at) VALUES (?, ?, ?)
		ON CONFLICT (klass_id) DO UPDATE SET holder = excluded.holder, acquired_at = excluded.acquired_at
		WHERE migration_locks.acquired_at < ? OR migration_locks.holder = excluded.holder`),
		klassID, holder, now.UnixMilli(), now.Add(-ttl).UnixMilli(),
	)
	if err != nil {
		return false, s.storageError(fmt.Sprintf("failed to acquire lock for klass %d", klassID), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.storageError(fmt.Sprintf("failed to acquire lock for klass %d", klassID), err)
	}
	return n == 1, nil
}

// ReleaseLock drops the lock of a klass if holder still owns it.
func (s *Store) ReleaseLock(ctx context.Context, klassID int64, holder string) error {
	_, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM migration_locks WHERE klass_id = ? AND holder = ?"), klassID, holder)
	if err != nil {
		return s.storageError(fmt.Sprintf("failed to release lock for klass %d", klassID), err)
	}
	return nil
}

// LockHolder returns the current holder of a klass lock, or "" if unlocked.
func (s *Store) LockHolder(ctx context.Context, klassID int64) (string, error) {
	var holder string
	err := s.readDB.QueryRowContext(ctx, s.rebind("SELECT holder FROM migration_locks WHERE klass_id = ?"), klassID).Scan(&holder)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", s.storageError("failed to read lock", err)
	}
	return holder, nil
}
