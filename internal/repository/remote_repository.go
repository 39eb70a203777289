package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"campo-sync/internal/domain"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
)

// RemoteRepository is the replication engine's view of the remote document
// database.
type RemoteRepository interface {
	// EnsureDB fails with domain.ErrInvalidRemote when the database is missing.
	EnsureDB(ctx context.Context) error
	Changes(ctx context.Context, since string, limit int) (*RemoteChanges, error)
	Revisions(ctx context.Context, id, rev string) (*domain.RemoteRevision, error)
	BulkPut(ctx context.Context, docs []*domain.Document) error
	Address() string
	Close() error
}

// RemoteChanges is one page of the remote change feed. LastSeq is where the
// next page starts. Rejected lists changes whose body could not be decoded;
// refetching them would fail the same way.
type RemoteChanges struct {
	Revisions []*domain.RemoteRevision
	Rejected  []RejectedChange
	LastSeq   string
}

type RejectedChange struct {
	ID     string
	Rev    string
	Reason string
}

type couchRevisions struct {
	Start int      `json:"start"`
	IDs   []string `json:"ids"`
}

// couchDocument is the shape documents take in the remote database.
type couchDocument struct {
	ID        string          `json:"_id"`
	Rev       string          `json:"_rev,omitempty"`
	Deleted   bool            `json:"_deleted,omitempty"`
	Revisions *couchRevisions `json:"_revisions,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Owner     string          `json:"owner,omitempty"`
	Payload   map[string]any  `json:"payload,omitempty"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

func toCouchDocument(doc *domain.Document) (*couchDocument, error) {
	history := doc.Revisions
	if len(history) == 0 || history[0] != doc.Revision {
		history = extendLineage(doc.Revision, history)
	}
	start, ids, err := RevisionsToCouch(history)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrValidation, doc.ID, err)
	}

	cd := &couchDocument{
		ID:        doc.ID,
		Rev:       doc.Revision,
		Deleted:   doc.Deleted,
		Revisions: &couchRevisions{Start: start, IDs: ids},
		Kind:      doc.Kind,
		Owner:     doc.Owner,
		Payload:   doc.Payload,
	}
	if !doc.UpdatedAt.IsZero() {
		updated := doc.UpdatedAt.UTC()
		cd.UpdatedAt = &updated
	}
	return cd, nil
}

func (cd *couchDocument) toRemoteRevision() *domain.RemoteRevision {
	doc := &domain.Document{
		ID:       cd.ID,
		Revision: cd.Rev,
		Kind:     cd.Kind,
		Owner:    cd.Owner,
		Payload:  cd.Payload,
		Deleted:  cd.Deleted,
	}
	if cd.UpdatedAt != nil {
		doc.UpdatedAt = cd.UpdatedAt.UTC()
	}

	var history []string
	if cd.Revisions != nil {
		history = RevisionsFromCouch(cd.Revisions.Start, cd.Revisions.IDs)
	}
	if len(history) == 0 {
		history = []string{cd.Rev}
	}
	doc.Revisions = history
	return &domain.RemoteRevision{Document: doc, Revisions: history}
}

type CouchRemoteRepository struct {
	client  *kivik.Client
	dbName  string
	address string
	timeout time.Duration
}

// NewCouchRemoteRepository connects to rawURL. When creds is set it replaces
// any user info already present in the URL.
func NewCouchRemoteRepository(rawURL, dbName string, creds *domain.Credentials, timeout time.Duration) (*CouchRemoteRepository, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: remote url %q", domain.ErrInvalidRemote, RedactURL(rawURL))
	}
	if dbName == "" {
		return nil, fmt.Errorf("%w: remote database name is required", domain.ErrInvalidRemote)
	}
	if creds != nil {
		u.User = url.UserPassword(creds.Name, creds.Secret)
	}

	client, err := kivik.New("couch", u.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRemote, err)
	}

	return &CouchRemoteRepository{
		client:  client,
		dbName:  dbName,
		address: RedactURL(rawURL) + "/" + dbName,
		timeout: timeout,
	}, nil
}

// Address identifies the remote database without credentials.
func (r *CouchRemoteRepository) Address() string {
	return r.address
}

func (r *CouchRemoteRepository) Close() error {
	return r.client.Close()
}

func (r *CouchRemoteRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *CouchRemoteRepository) EnsureDB(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	exists, err := r.client.DBExists(ctx, r.dbName)
	if err != nil {
		return ClassifyRemoteError("check database", err)
	}
	if !exists {
		return fmt.Errorf("%w: database %s does not exist", domain.ErrInvalidRemote, r.dbName)
	}
	return nil
}

func (r *CouchRemoteRepository) Changes(ctx context.Context, since string, limit int) (*RemoteChanges, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	params := map[string]interface{}{
		"feed":         "normal",
		"include_docs": true,
		"limit":        limit,
	}
	if since != "" {
		params["since"] = since
	}

	changes := r.client.DB(r.dbName).Changes(ctx, kivik.Params(params))
	defer changes.Close()

	result := &RemoteChanges{LastSeq: since}
	for changes.Next() {
		result.LastSeq = changes.Seq()
		if strings.HasPrefix(changes.ID(), "_design/") {
			continue
		}

		var cd couchDocument
		if err := changes.ScanDoc(&cd); err != nil {
			result.Rejected = append(result.Rejected, RejectedChange{
				ID:     changes.ID(),
				Rev:    firstRev(changes.Changes()),
				Reason: err.Error(),
			})
			continue
		}
		if cd.ID == "" {
			cd.ID = changes.ID()
		}
		if changes.Deleted() {
			cd.Deleted = true
		}
		// include_docs bodies never carry _revisions.
		cd.Revisions = nil
		result.Revisions = append(result.Revisions, cd.toRemoteRevision())
	}
	if err := changes.Err(); err != nil {
		return nil, ClassifyRemoteError("read changes", err)
	}

	if meta, err := changes.Metadata(); err == nil && meta.LastSeq != "" {
		result.LastSeq = meta.LastSeq
	}
	return result, nil
}

func firstRev(revs []string) string {
	if len(revs) == 0 {
		return ""
	}
	return revs[0]
}

// Revisions fetches one revision together with its full lineage.
func (r *CouchRemoteRepository) Revisions(ctx context.Context, id, rev string) (*domain.RemoteRevision, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	row := r.client.DB(r.dbName).Get(ctx, id, kivik.Params(map[string]interface{}{
		"rev":  rev,
		"revs": true,
	}))

	var cd couchDocument
	if err := row.ScanDoc(&cd); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%w: remote revision %s@%s", domain.ErrNotFound, id, rev)
		}
		return nil, ClassifyRemoteError("fetch revisions", err)
	}
	return cd.toRemoteRevision(), nil
}

// BulkPut writes revisions verbatim (new_edits=false), so replaying a batch
// is harmless and divergent histories become remote conflict branches.
func (r *CouchRemoteRepository) BulkPut(ctx context.Context, docs []*domain.Document) error {
	if len(docs) == 0 {
		return nil
	}

	payload := make([]interface{}, 0, len(docs))
	for _, doc := range docs {
		cd, err := toCouchDocument(doc)
		if err != nil {
			return err
		}
		payload = append(payload, cd)
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	results, err := r.client.DB(r.dbName).BulkDocs(ctx, payload, kivik.Param("new_edits", false))
	if err != nil {
		return ClassifyRemoteError("bulk docs", err)
	}
	for _, res := range results {
		if res.Error != nil {
			return ClassifyRemoteError("bulk docs "+res.ID, res.Error)
		}
	}
	return nil
}

// ClassifyRemoteError maps transport and CouchDB errors onto domain errors:
// auth failures, a missing database and everything transient.
func ClassifyRemoteError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: timeout: %v", domain.ErrUnavailable, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}

	switch status := kivik.HTTPStatus(err); {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return fmt.Errorf("%w: %s: %v", domain.ErrUnauthorized, op, err)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s: %v", domain.ErrInvalidRemote, op, err)
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500, status == 0:
		return fmt.Errorf("%w: %s: %v", domain.ErrUnavailable, op, err)
	default:
		return fmt.Errorf("%w: %s: status %d: %v", domain.ErrInvalidRemote, op, status, err)
	}
}

// RedactURL strips user info from a remote address.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.User = nil
	return strings.TrimRight(u.String(), "/")
}

// HasCredentials reports whether raw carries user info of its own.
func HasCredentials(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.User != nil && u.User.Username() != ""
}
