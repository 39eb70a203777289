package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"campo-sync/internal/domain"
)

// DocumentRepository is the local document store. All mutations go through
// Put or ApplyRemote, both of which run inside a single transaction.
type DocumentRepository interface {
	Put(ctx context.Context, doc *domain.Document) (*domain.Document, error)
	Get(ctx context.Context, id string) (*domain.Document, error)
	Lookup(ctx context.Context, id string) (*domain.Document, error)
	Find(ctx context.Context, q domain.Query) ([]*domain.Document, error)
	ChangesSince(ctx context.Context, since int64, limit int) ([]domain.Change, error)
	ApplyRemote(ctx context.Context, rr *domain.RemoteRevision) (domain.ApplyOutcome, error)
	EnsureIndex(ctx context.Context, fields []string) (string, error)
	ListIndexes(ctx context.Context) (map[string][]string, error)
}

type documentRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewDocumentRepository(db *sql.DB) DocumentRepository {
	return &documentRepository{
		db:  db,
		now: time.Now,
	}
}

const documentColumns = `id, rev, revisions, kind, owner, payload, deleted, seq, origin, updated_at`

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateFieldName guards payload field names, which end up inside SQL.
func ValidateFieldName(field string) error {
	if !fieldNamePattern.MatchString(field) {
		return fmt.Errorf("%w: invalid field name %q", domain.ErrValidation, field)
	}
	return nil
}

func payloadExpr(field string) string {
	return fmt.Sprintf("json_extract(payload, '$.%s')", field)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStorage, op, err)
}

func (r *documentRepository) Put(ctx context.Context, doc *domain.Document) (*domain.Document, error) {
	if doc == nil || doc.ID == "" {
		return nil, fmt.Errorf("%w: document id is required", domain.ErrValidation)
	}

	var stored *domain.Document
	err := WithTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		current, err := lookupDocument(ctx, tx, doc.ID)
		if err != nil {
			return err
		}

		var history []string
		prev := ""
		switch {
		case current == nil:
			if doc.Revision != "" {
				return fmt.Errorf("%w: %s does not exist at revision %s", domain.ErrConflict, doc.ID, doc.Revision)
			}
			if doc.Deleted {
				return fmt.Errorf("%w: %s", domain.ErrNotFound, doc.ID)
			}
		case current.Deleted:
			if doc.Revision != "" && doc.Revision != current.Revision {
				return fmt.Errorf("%w: %s is at revision %s", domain.ErrConflict, doc.ID, current.Revision)
			}
			if doc.Deleted {
				return fmt.Errorf("%w: %s", domain.ErrNotFound, doc.ID)
			}
			prev, history = current.Revision, current.Revisions
		default:
			if doc.Revision != current.Revision {
				return fmt.Errorf("%w: %s is at revision %s", domain.ErrConflict, doc.ID, current.Revision)
			}
			prev, history = current.Revision, current.Revisions
		}

		next := doc.Clone()
		next.Conflicts = nil
		if next.Deleted && current != nil {
			if next.Kind == "" {
				next.Kind = current.Kind
			}
			if next.Owner == "" {
				next.Owner = current.Owner
			}
			if next.Payload == nil {
				next.Payload = current.Payload
			}
		}
		if next.Payload == nil {
			next.Payload = map[string]any{}
		}

		next.Revision = NextRevision(prev, next)
		next.Revisions = extendLineage(next.Revision, history)
		next.UpdatedAt = r.now().UTC()

		if err := writeDocument(ctx, tx, next, domain.OriginLocal); err != nil {
			return err
		}
		stored = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (r *documentRepository) Get(ctx context.Context, id string) (*domain.Document, error) {
	doc, err := lookupDocument(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.Deleted {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}

	conflicts, err := conflictRevisions(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	doc.Conflicts = conflicts
	return doc, nil
}

// Lookup returns the stored document even when it is a tombstone.
func (r *documentRepository) Lookup(ctx context.Context, id string) (*domain.Document, error) {
	doc, err := lookupDocument(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return doc, nil
}

func (r *documentRepository) Find(ctx context.Context, q domain.Query) ([]*domain.Document, error) {
	if q.Kind == "" {
		return nil, fmt.Errorf("%w: kind is required", domain.ErrValidation)
	}

	clauses := []string{"kind = ?", "deleted = 0"}
	args := []any{q.Kind}
	if q.Owner != "" {
		clauses = append(clauses, "owner = ?")
		args = append(args, q.Owner)
	}

	fields := make([]string, 0, len(q.Where))
	for field := range q.Where {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		if err := ValidateFieldName(field); err != nil {
			return nil, err
		}
		value := q.Where[field]
		if value == nil {
			clauses = append(clauses, payloadExpr(field)+" IS NULL")
			continue
		}
		v, err := sqlValue(value)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", domain.ErrValidation, field, err)
		}
		clauses = append(clauses, payloadExpr(field)+" = ?")
		args = append(args, v)
	}

	query := fmt.Sprintf(`SELECT %s FROM documents WHERE %s ORDER BY id`, documentColumns, strings.Join(clauses, " AND "))
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("find documents", err)
	}
	defer rows.Close()

	var docs []*domain.Document
	for rows.Next() {
		doc, _, _, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("find documents", err)
	}

	return docs, nil
}

func (r *documentRepository) ChangesSince(ctx context.Context, since int64, limit int) ([]domain.Change, error) {
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`SELECT %s FROM documents WHERE seq > ? ORDER BY seq LIMIT ?`, documentColumns)
	rows, err := r.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, storageErr("read changes", err)
	}
	defer rows.Close()

	var changes []domain.Change
	for rows.Next() {
		doc, seq, origin, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, domain.Change{Seq: seq, Origin: origin, Document: doc})
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("read changes", err)
	}

	return changes, nil
}

// ApplyRemote stores a revision received from the remote. Revisions already
// known locally are ignored, descendants of the local revision replace it and
// anything else is kept as a conflicting revision.
func (r *documentRepository) ApplyRemote(ctx context.Context, rr *domain.RemoteRevision) (domain.ApplyOutcome, error) {
	if rr == nil || rr.Document == nil || rr.Document.ID == "" {
		return "", fmt.Errorf("%w: remote document id is required", domain.ErrValidation)
	}
	remote := rr.Document.Clone()
	if _, _, err := ParseRevision(remote.Revision); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	history := rr.Revisions
	if len(history) == 0 || history[0] != remote.Revision {
		history = extendLineage(remote.Revision, history)
	}

	var outcome domain.ApplyOutcome
	err := WithTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		current, err := lookupDocument(ctx, tx, remote.ID)
		if err != nil {
			return err
		}

		switch {
		case current == nil:
			outcome = domain.ApplyInserted
		case current.Revision == remote.Revision, containsRevision(current.Revisions, remote.Revision):
			outcome = domain.ApplyIgnored
			return nil
		case containsRevision(history, current.Revision):
			outcome = domain.ApplyFastForwarded
		default:
			inserted, err := insertConflict(ctx, tx, remote, history, r.now().UTC())
			if err != nil {
				return err
			}
			outcome = domain.ApplyIgnored
			if inserted {
				outcome = domain.ApplyConflicted
			}
			return nil
		}

		if current != nil {
			if remote.Kind == "" {
				remote.Kind = current.Kind
			}
			if remote.Owner == "" {
				remote.Owner = current.Owner
			}
		}
		if remote.Payload == nil {
			remote.Payload = map[string]any{}
		}
		remote.Revisions = history
		remote.UpdatedAt = r.now().UTC()

		return writeDocument(ctx, tx, remote, domain.OriginRemote)
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

func (r *documentRepository) EnsureIndex(ctx context.Context, fields []string) (string, error) {
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: index needs at least one field", domain.ErrValidation)
	}

	exprs := make([]string, 0, len(fields)+2)
	exprs = append(exprs, "kind", "owner")
	for _, f := range fields {
		if err := ValidateFieldName(f); err != nil {
			return "", err
		}
		exprs = append(exprs, payloadExpr(f))
	}

	name := IndexName(fields)
	encoded, _ := json.Marshal(fields)

	err := WithTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		ddl := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "%s" ON documents (%s)`, name, strings.Join(exprs, ", "))
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return storageErr("create index", err)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO payload_indexes (name, fields, created_at) VALUES (?, ?, ?)`,
			name, string(encoded), r.now().UnixMilli())
		if err != nil {
			return storageErr("register index", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// IndexName joins fields with a dot, which fieldNamePattern never admits, so
// distinct field lists always get distinct names. The name must be quoted in DDL.
func IndexName(fields []string) string {
	return "idx_payload_" + strings.Join(fields, ".")
}

func (r *documentRepository) ListIndexes(ctx context.Context) (map[string][]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name, fields FROM payload_indexes ORDER BY name`)
	if err != nil {
		return nil, storageErr("list indexes", err)
	}
	defer rows.Close()

	indexes := make(map[string][]string)
	for rows.Next() {
		var name, encoded string
		if err := rows.Scan(&name, &encoded); err != nil {
			return nil, storageErr("scan index", err)
		}
		var fields []string
		if err := json.Unmarshal([]byte(encoded), &fields); err != nil {
			return nil, storageErr("decode index fields", err)
		}
		indexes[name] = fields
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list indexes", err)
	}
	return indexes, nil
}

// lookupDocument returns nil, nil when the id is unknown.
func lookupDocument(ctx context.Context, q DBTX, id string) (*domain.Document, error) {
	row := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM documents WHERE id = ?`, documentColumns), id)
	doc, _, _, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func writeDocument(ctx context.Context, tx DBTX, doc *domain.Document, origin string) error {
	revisions, err := json.Marshal(doc.Revisions)
	if err != nil {
		return fmt.Errorf("%w: encode revisions: %v", domain.ErrValidation, err)
	}
	payload, err := json.Marshal(doc.Payload)
	if err != nil {
		return fmt.Errorf("%w: encode payload: %v", domain.ErrValidation, err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`UPDATE sequences SET value = value + 1 WHERE name = 'documents' RETURNING value`,
	).Scan(&seq); err != nil {
		return storageErr("advance sequence", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, rev, revisions, kind, owner, payload, deleted, seq, origin, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rev = excluded.rev,
			revisions = excluded.revisions,
			kind = excluded.kind,
			owner = excluded.owner,
			payload = excluded.payload,
			deleted = excluded.deleted,
			seq = excluded.seq,
			origin = excluded.origin,
			updated_at = excluded.updated_at`,
		doc.ID, doc.Revision, string(revisions), doc.Kind, doc.Owner, string(payload),
		doc.Deleted, seq, origin, doc.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return storageErr("write document", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(s scanner) (*domain.Document, int64, string, error) {
	var (
		doc                        domain.Document
		revisions, payload, origin string
		seq, updatedAt             int64
	)
	err := s.Scan(&doc.ID, &doc.Revision, &revisions, &doc.Kind, &doc.Owner, &payload,
		&doc.Deleted, &seq, &origin, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, "", err
	}
	if err != nil {
		return nil, 0, "", storageErr("scan document", err)
	}

	if err := json.Unmarshal([]byte(revisions), &doc.Revisions); err != nil {
		return nil, 0, "", storageErr("decode revisions", err)
	}
	if err := json.Unmarshal([]byte(payload), &doc.Payload); err != nil {
		return nil, 0, "", storageErr("decode payload", err)
	}
	doc.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	return &doc, seq, origin, nil
}

// sqlValue maps a decoded JSON scalar onto what json_extract yields.
func sqlValue(v any) (any, error) {
	switch t := v.(type) {
	case string, float64, float32, int, int32, int64:
		return t, nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		return t.Float64()
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
