package manifest

import (
	"context"
	"fmt"
	"time"
)

// TaskKind identifies the work a migration task carries.
type TaskKind string

const (
	// TaskMigrate applies the pending index changes of a klass.
	TaskMigrate TaskKind = "migrate"
	// TaskCleanup drops every index of a deleted klass.
	TaskCleanup TaskKind = "cleanup"
)

// Task is an outbox row naming a klass whose indexes need work.
type Task struct {
	ID          int64
	KlassID     int64
	Kind        TaskKind
	Attempts    int
	AvailableAt time.Time
	CreatedAt   time.Time
}

// Enqueue adds a task in the current transaction, so it becomes visible
// exactly when the klass change it describes commits.
func (t *Tx) Enqueue(ctx context.Context, klassID int64, kind TaskKind) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, t.store.rebind(`INSERT INTO migration_tasks (klass_id, kind, attempts, available_at, created_at)
		VALUES (?, ?, 0, ?, ?) RETURNING id`),
		klassID, string(kind), t.now.UnixMilli(), t.now.UnixMilli(),
	).Scan(&id)
	if err != nil {
		return 0, t.store.storageError(fmt.Sprintf("failed to enqueue %s task for klass %d", kind, klassID), err)
	}
	return id, nil
}

// DueTasks returns up to limit tasks available at now, oldest first.
func (s *Store) DueTasks(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.readDB.QueryContext(ctx, s.rebind(`SELECT id, klass_id, kind, attempts, available_at, created_at
		FROM migration_tasks WHERE available_at <= ? ORDER BY available_at, id LIMIT ?`),
		now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, s.storageError("failed to list due tasks", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var (
			task                   Task
			kind                   string
			availableAt, createdAt int64
		)
		if err := rows.Scan(&task.ID, &task.KlassID, &kind, &task.Attempts, &availableAt, &createdAt); err != nil {
			return nil, s.storageError("failed to scan task", err)
		}
		task.Kind = TaskKind(kind)
		task.AvailableAt = time.UnixMilli(availableAt)
		task.CreatedAt = time.UnixMilli(createdAt)
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, s.storageError("failed to iterate tasks", err)
	}
	return tasks, nil
}

// PendingTasks returns the number of queued tasks, due or not.
func (s *Store) PendingTasks(ctx context.Context) (int, error) {
	var n int
	if err := s.readDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM migration_tasks").Scan(&n); err != nil {
		return 0, s.storageError("failed to count tasks", err)
	}
	return n, nil
}

// CompleteTask removes a finished task.
func (s *Store) CompleteTask(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM migration_tasks WHERE id = ?"), id); err != nil {
		return s.storageError(fmt.Sprintf("failed to complete task %d", id), err)
	}
	return nil
}

// RescheduleTask makes a task available again at the given time and counts
// the attempt.
func (s *Store) RescheduleTask(ctx context.Context, id int64, availableAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE migration_tasks SET attempts = attempts + 1, available_at = ? WHERE id = ?"),
		availableAt.UnixMilli(), id,
	)
	if err != nil {
		return s.storageError(fmt.Sprintf("failed to reschedule task %d", id), err)
	}
	return nil
}
