package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"campo-sync/internal/domain"
)

// ConflictRepository exposes the conflicting revisions kept next to each
// document's winning revision.
type ConflictRepository interface {
	List(ctx context.Context, docID string) ([]*domain.ConflictRevision, error)
	ListByOwner(ctx context.Context, owner string) ([]*domain.ConflictRevision, error)
	Discard(ctx context.Context, docID, rev string) error
	Count(ctx context.Context) (int64, error)
}

type conflictRepository struct {
	db *sql.DB
}

func NewConflictRepository(db *sql.DB) ConflictRepository {
	return &conflictRepository{db: db}
}

const conflictColumns = `doc_id, rev, revisions, kind, owner, payload, deleted, detected_at`

func (r *conflictRepository) List(ctx context.Context, docID string) ([]*domain.ConflictRevision, error) {
	query := fmt.Sprintf(`SELECT %s FROM conflicts WHERE doc_id = ? ORDER BY rev`, conflictColumns)
	return r.query(ctx, query, docID)
}

func (r *conflictRepository) ListByOwner(ctx context.Context, owner string) ([]*domain.ConflictRevision, error) {
	if owner == "" {
		query := fmt.Sprintf(`SELECT %s FROM conflicts ORDER BY doc_id, rev`, conflictColumns)
		return r.query(ctx, query)
	}
	query := fmt.Sprintf(`SELECT %s FROM conflicts WHERE owner = ? ORDER BY doc_id, rev`, conflictColumns)
	return r.query(ctx, query, owner)
}

func (r *conflictRepository) Discard(ctx context.Context, docID, rev string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM conflicts WHERE doc_id = ? AND rev = ?`, docID, rev)
	if err != nil {
		return storageErr("discard conflict", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("discard conflict", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: conflict %s@%s", domain.ErrNotFound, docID, rev)
	}
	return nil
}

func (r *conflictRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts`).Scan(&n); err != nil {
		return 0, storageErr("count conflicts", err)
	}
	return n, nil
}

func (r *conflictRepository) query(ctx context.Context, query string, args ...any) ([]*domain.ConflictRevision, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list conflicts", err)
	}
	defer rows.Close()

	conflicts := []*domain.ConflictRevision{}
	for rows.Next() {
		var (
			doc                domain.Document
			revisions, payload string
			detectedAt         int64
		)
		if err := rows.Scan(&doc.ID, &doc.Revision, &revisions, &doc.Kind, &doc.Owner, &payload,
			&doc.Deleted, &detectedAt); err != nil {
			return nil, storageErr("scan conflict", err)
		}
		if err := json.Unmarshal([]byte(revisions), &doc.Revisions); err != nil {
			return nil, storageErr("decode conflict revisions", err)
		}
		if err := json.Unmarshal([]byte(payload), &doc.Payload); err != nil {
			return nil, storageErr("decode conflict payload", err)
		}
		detected := time.UnixMilli(detectedAt).UTC()
		doc.UpdatedAt = detected

		conflicts = append(conflicts, &domain.ConflictRevision{
			DocumentID: doc.ID,
			Revision:   doc.Revision,
			Document:   &doc,
			Revisions:  doc.Revisions,
			DetectedAt: detected,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list conflicts", err)
	}
	return conflicts, nil
}

func conflictRevisions(ctx context.Context, q DBTX, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT rev FROM conflicts WHERE doc_id = ? ORDER BY rev`, id)
	if err != nil {
		return nil, storageErr("read conflicts", err)
	}
	defer rows.Close()

	var revs []string
	for rows.Next() {
		var rev string
		if err := rows.Scan(&rev); err != nil {
			return nil, storageErr("scan conflict", err)
		}
		revs = append(revs, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("read conflicts", err)
	}
	return revs, nil
}

// insertConflict reports false when the revision was already recorded.
func insertConflict(ctx context.Context, tx DBTX, remote *domain.Document, history []string, now time.Time) (bool, error) {
	revisions, err := json.Marshal(history)
	if err != nil {
		return false, fmt.Errorf("%w: encode revisions: %v", domain.ErrValidation, err)
	}
	payload := remote.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("%w: encode payload: %v", domain.ErrValidation, err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO conflicts (doc_id, rev, revisions, kind, owner, payload, deleted, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		remote.ID, remote.Revision, string(revisions), remote.Kind, remote.Owner, string(encoded),
		remote.Deleted, now.UnixMilli(),
	)
	if err != nil {
		return false, storageErr("record conflict", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("record conflict", err)
	}
	return n > 0, nil
}
