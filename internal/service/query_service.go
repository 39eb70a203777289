package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"campo-sync/internal/domain"
	"campo-sync/internal/logging"
	"campo-sync/internal/repository"

	"golang.org/x/text/cases"
)

// QueryService answers UI queries from the local store only.
type QueryService struct {
	repo repository.DocumentRepository
	log  logging.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

func NewQueryService(repo repository.DocumentRepository, log logging.Logger) *QueryService {
	return &QueryService{
		repo:    repo,
		log:     log,
		ensured: make(map[string]bool),
	}
}

// Query returns the principal's live documents of q.Kind matching every
// equality predicate and the optional name search.
func (s *QueryService) Query(ctx context.Context, principal string, q domain.Query) ([]*domain.Document, error) {
	if q.Kind == "" {
		return nil, fmt.Errorf("%w: kind is required", domain.ErrValidation)
	}
	if principal == "" {
		return nil, fmt.Errorf("%w: owner is required", domain.ErrValidation)
	}
	if q.Owner != "" && q.Owner != principal {
		return nil, fmt.Errorf("%w: queries are limited to the session principal", domain.ErrValidation)
	}
	q.Owner = principal

	if q.Search != nil {
		if q.Search.Field == "" {
			q.Search.Field = domain.DefaultSearchField
		}
		if q.Search.Mode == "" {
			q.Search.Mode = domain.SearchSubstring
		}
		if q.Search.Mode != domain.SearchPrefix && q.Search.Mode != domain.SearchSubstring {
			return nil, fmt.Errorf("%w: unknown search mode %q", domain.ErrValidation, q.Search.Mode)
		}
		if err := repository.ValidateFieldName(q.Search.Field); err != nil {
			return nil, err
		}
	}
	if q.SortBy != "" && !isDocumentAttr(q.SortBy) {
		if err := repository.ValidateFieldName(q.SortBy); err != nil {
			return nil, err
		}
	}

	if len(q.Where) > 0 {
		fields := make([]string, 0, len(q.Where))
		for f := range q.Where {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		if _, err := s.EnsureIndex(ctx, fields); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	docs, err := s.repo.Find(ctx, q)
	if err != nil {
		return nil, err
	}

	if q.Search != nil {
		docs = filterByName(docs, q.Search)
	}
	if q.SortBy != "" {
		sortDocuments(docs, q.SortBy, q.Descending)
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}

	s.log.Debug(ctx, "query executed", "kind", q.Kind, "results", len(docs), "took", time.Since(start))
	if docs == nil {
		docs = []*domain.Document{}
	}
	return docs, nil
}

// SearchByName is the common UI lookup: a case-insensitive match on the
// display name of one kind of document.
func (s *QueryService) SearchByName(ctx context.Context, principal, kind, term string, mode domain.SearchMode) ([]*domain.Document, error) {
	return s.Query(ctx, principal, domain.Query{
		Kind:   kind,
		Search: &domain.TextSearch{Field: domain.DefaultSearchField, Term: term, Mode: mode},
		SortBy: domain.DefaultSearchField,
	})
}

// EnsureIndex creates the index once per process; the store call itself is
// idempotent across restarts.
func (s *QueryService) EnsureIndex(ctx context.Context, fields []string) (string, error) {
	key := repository.IndexName(fields)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ensured[key] {
		return key, nil
	}
	name, err := s.repo.EnsureIndex(ctx, fields)
	if err != nil {
		return "", err
	}
	s.ensured[key] = true
	s.log.Info(ctx, "payload index ensured", "name", name)
	return name, nil
}

func (s *QueryService) Indexes(ctx context.Context) (map[string][]string, error) {
	return s.repo.ListIndexes(ctx)
}

func filterByName(docs []*domain.Document, search *domain.TextSearch) []*domain.Document {
	fold := cases.Fold()
	term := fold.String(search.Term)

	var out []*domain.Document
	for _, d := range docs {
		value, ok := d.Payload[search.Field].(string)
		if !ok {
			continue
		}
		folded := fold.String(value)

		var match bool
		switch search.Mode {
		case domain.SearchPrefix:
			match = strings.HasPrefix(folded, term)
		default:
			match = strings.Contains(folded, term)
		}
		if match {
			out = append(out, d)
		}
	}
	return out
}

func isDocumentAttr(field string) bool {
	return field == "id" || field == "updated_at"
}

func sortDocuments(docs []*domain.Document, field string, desc bool) {
	fold := cases.Fold()
	less := func(a, b *domain.Document) bool {
		switch field {
		case "id":
			return a.ID < b.ID
		case "updated_at":
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return comparePayload(fold, a.Payload[field], b.Payload[field]) < 0
	}

	sort.SliceStable(docs, func(i, j int) bool {
		if desc {
			return less(docs[j], docs[i])
		}
		return less(docs[i], docs[j])
	})
}

// comparePayload orders numbers before strings before anything else, with
// missing values last.
func comparePayload(fold cases.Caser, a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch av := a.(type) {
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		return strings.Compare(fold.String(av), fold.String(b.(string)))
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case float64:
		return 0
	case string:
		return 1
	case nil:
		return 3
	default:
		return 2
	}
}
