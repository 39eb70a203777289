package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"

	"campo-sync/internal/domain"
	"campo-sync/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := repository.OpenLocal(context.Background(), "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeRemote behaves like a CouchDB database receiving new_edits=false
// writes: known revisions are ignored, descendants replace the winner and
// anything else becomes a conflict branch.
type fakeRemote struct {
	mu        sync.Mutex
	docs      map[string]*domain.Document
	branches  map[string][]*domain.Document
	changeSeq map[string]int
	malformed map[string]bool
	seq       int

	ensureErrs []error
	ensureCall int
	pushErr    error
	pullErr    error
	bulkCalls  int
	pushed     []string
	closed     bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		docs:      make(map[string]*domain.Document),
		branches:  make(map[string][]*domain.Document),
		changeSeq: make(map[string]int),
		malformed: make(map[string]bool),
	}
}

func (f *fakeRemote) EnsureDB(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCall++
	if len(f.ensureErrs) > 0 {
		err := f.ensureErrs[0]
		f.ensureErrs = f.ensureErrs[1:]
		return err
	}
	return nil
}

func (f *fakeRemote) Changes(ctx context.Context, since string, limit int) (*repository.RemoteChanges, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return nil, f.pullErr
	}

	from := 0
	if since != "" {
		n, err := strconv.Atoi(since)
		if err != nil {
			return nil, fmt.Errorf("%w: bad since %q", domain.ErrInvalidRemote, since)
		}
		from = n
	}

	type entry struct {
		id  string
		seq int
	}
	var entries []entry
	for id, seq := range f.changeSeq {
		if seq > from {
			entries = append(entries, entry{id, seq})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	if len(entries) > limit {
		entries = entries[:limit]
	}

	out := &repository.RemoteChanges{LastSeq: since}
	for _, e := range entries {
		out.LastSeq = strconv.Itoa(e.seq)
		if f.malformed[e.id] {
			out.Rejected = append(out.Rejected, repository.RejectedChange{ID: e.id, Reason: "payload is not an object"})
			continue
		}
		doc := f.docs[e.id].Clone()
		doc.Revisions = []string{doc.Revision}
		out.Revisions = append(out.Revisions, &domain.RemoteRevision{Document: doc, Revisions: doc.Revisions})
	}
	return out, nil
}

func (f *fakeRemote) Revisions(ctx context.Context, id, rev string) (*domain.RemoteRevision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	candidates := append([]*domain.Document{f.docs[id]}, f.branches[id]...)
	for _, d := range candidates {
		if d != nil && d.Revision == rev {
			c := d.Clone()
			return &domain.RemoteRevision{Document: c, Revisions: c.Revisions}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s@%s", domain.ErrNotFound, id, rev)
}

func (f *fakeRemote) BulkPut(ctx context.Context, docs []*domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.bulkCalls++

	for _, doc := range docs {
		d := doc.Clone()
		f.pushed = append(f.pushed, d.ID)
		cur := f.docs[d.ID]
		switch {
		case cur == nil:
			f.write(d)
		case cur.Revision == d.Revision, containsRev(cur.Revisions, d.Revision):
		case containsRev(d.Revisions, cur.Revision):
			f.write(d)
		default:
			f.branches[d.ID] = append(f.branches[d.ID], d)
		}
	}
	return nil
}

func (f *fakeRemote) write(d *domain.Document) {
	f.seq++
	f.docs[d.ID] = d
	f.changeSeq[d.ID] = f.seq
}

// put stores a document as if another device had written it.
func (f *fakeRemote) put(d *domain.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.write(d.Clone())
}

// putMalformed adds a change whose body the feed cannot decode.
func (f *fakeRemote) putMalformed(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.malformed[id] = true
	f.changeSeq[id] = f.seq
}

func (f *fakeRemote) get(id string) *domain.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id].Clone()
}

func (f *fakeRemote) setPushErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushErr = err
}

func (f *fakeRemote) pushedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pushed...)
}

func (f *fakeRemote) Address() string { return "http://couch.test/registros" }

func (f *fakeRemote) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	changes  []domain.ChangeEvent
	statuses []domain.ReplicationStatus
}

func (p *recordingPublisher) PublishChange(event domain.ChangeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, event)
}

func (p *recordingPublisher) PublishStatus(status domain.ReplicationStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, status)
}

func (p *recordingPublisher) changeEvents() []domain.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ChangeEvent(nil), p.changes...)
}

type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (c *countingNotifier) NotifyLocalChange() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// fakeIdentity is an in-memory IdentityProvider for one principal.
type fakeIdentity struct {
	mu            sync.Mutex
	name, secret  string
	roles         []string
	active        bool
	unavailable   bool
	validateCalls int
	endErr        error
}

func (f *fakeIdentity) Authenticate(ctx context.Context, name, secret string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return nil, fmt.Errorf("%w: connection refused", domain.ErrUnavailable)
	}
	if name != f.name || secret != f.secret {
		return nil, fmt.Errorf("%w: Name or password is incorrect.", domain.ErrUnauthorized)
	}
	f.active = true
	return &domain.Session{Name: name, Roles: f.roles}, nil
}

func (f *fakeIdentity) Validate(ctx context.Context) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validateCalls++
	if f.unavailable {
		return nil, fmt.Errorf("%w: connection refused", domain.ErrUnavailable)
	}
	if !f.active {
		return nil, fmt.Errorf("%w: session is no longer valid", domain.ErrUnauthorized)
	}
	return &domain.Session{Name: f.name, Roles: f.roles}, nil
}

func (f *fakeIdentity) End(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
	return f.endErr
}
