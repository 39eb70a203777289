package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"campo-sync/internal/domain"
)

type CheckpointRepository interface {
	// Get returns a zero checkpoint for replications that never ran.
	Get(ctx context.Context, replicationID string) (*domain.Checkpoint, error)
	// The legs advance independently, so each owns one column.
	SavePull(ctx context.Context, replicationID, seq string) error
	SavePush(ctx context.Context, replicationID string, seq int64) error
}

type checkpointRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewCheckpointRepository(db *sql.DB) CheckpointRepository {
	return &checkpointRepository{db: db, now: time.Now}
}

func (r *checkpointRepository) Get(ctx context.Context, replicationID string) (*domain.Checkpoint, error) {
	cp := &domain.Checkpoint{ReplicationID: replicationID}

	var updatedAt int64
	err := r.db.QueryRowContext(ctx,
		`SELECT pull_seq, push_seq, updated_at FROM checkpoints WHERE replication_id = ?`,
		replicationID,
	).Scan(&cp.PullSeq, &cp.PushSeq, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return nil, storageErr("read checkpoint", err)
	}

	cp.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return cp, nil
}

func (r *checkpointRepository) SavePull(ctx context.Context, replicationID, seq string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO checkpoints (replication_id, pull_seq, push_seq, updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(replication_id) DO UPDATE SET
			pull_seq = excluded.pull_seq,
			updated_at = excluded.updated_at`,
		replicationID, seq, r.now().UnixMilli(),
	)
	if err != nil {
		return storageErr("save pull checkpoint", err)
	}
	return nil
}

func (r *checkpointRepository) SavePush(ctx context.Context, replicationID string, seq int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO checkpoints (replication_id, pull_seq, push_seq, updated_at)
		VALUES (?, '', ?, ?)
		ON CONFLICT(replication_id) DO UPDATE SET
			push_seq = excluded.push_seq,
			updated_at = excluded.updated_at`,
		replicationID, seq, r.now().UnixMilli(),
	)
	if err != nil {
		return storageErr("save push checkpoint", err)
	}
	return nil
}
