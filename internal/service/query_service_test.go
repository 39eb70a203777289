package service

import (
	"context"
	"testing"

	"campo-sync/internal/domain"
	"campo-sync/internal/logging"
	"campo-sync/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueryFixture(t *testing.T) (*QueryService, repository.DocumentRepository) {
	t.Helper()
	repo := repository.NewDocumentRepository(setupDB(t))
	ctx := context.Background()

	seed := []struct {
		id, owner, kind, nombre string
		hectareas               float64
	}{
		{"r1", "alice", "registro", "Lote Norte", 12},
		{"r2", "alice", "registro", "lote sur", 4.5},
		{"r3", "alice", "registro", "Parcela del Lote", 30},
		{"r4", "alice", "visita", "Lote Norte", 0},
		{"r5", "bob", "registro", "Lote Este", 8},
	}
	for _, s := range seed {
		_, err := repo.Put(ctx, &domain.Document{
			ID:      s.id,
			Kind:    s.kind,
			Owner:   s.owner,
			Payload: map[string]any{"nombre": s.nombre, "hectareas": s.hectareas},
		})
		require.NoError(t, err)
	}
	return NewQueryService(repo, logging.Nop()), repo
}

func ids(docs []*domain.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID)
	}
	return out
}

func TestQueryService_Query(t *testing.T) {
	svc, _ := newQueryFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		q       domain.Query
		want    []string
		wantErr error
	}{
		{
			name: "kind scoped to principal",
			q:    domain.Query{Kind: "registro"},
			want: []string{"r1", "r2", "r3"},
		},
		{
			name: "substring ignores case",
			q:    domain.Query{Kind: "registro", Search: &domain.TextSearch{Term: "LOTE"}},
			want: []string{"r1", "r2", "r3"},
		},
		{
			name: "prefix",
			q:    domain.Query{Kind: "registro", Search: &domain.TextSearch{Term: "lote", Mode: domain.SearchPrefix}},
			want: []string{"r1", "r2"},
		},
		{
			name: "equality predicate",
			q:    domain.Query{Kind: "registro", Where: map[string]any{"hectareas": float64(30)}},
			want: []string{"r3"},
		},
		{
			name: "sort by payload field descending with limit",
			q:    domain.Query{Kind: "registro", SortBy: "hectareas", Descending: true, Limit: 2},
			want: []string{"r3", "r1"},
		},
		{
			name: "sort by name folds case",
			q:    domain.Query{Kind: "registro", SortBy: "nombre"},
			want: []string{"r1", "r2", "r3"},
		},
		{
			name: "no matches is empty",
			q:    domain.Query{Kind: "registro", Search: &domain.TextSearch{Term: "granja"}},
			want: []string{},
		},
		{
			name:    "kind required",
			q:       domain.Query{},
			wantErr: domain.ErrValidation,
		},
		{
			name:    "other owner rejected",
			q:       domain.Query{Kind: "registro", Owner: "bob"},
			wantErr: domain.ErrValidation,
		},
		{
			name:    "unknown search mode",
			q:       domain.Query{Kind: "registro", Search: &domain.TextSearch{Term: "x", Mode: "fuzzy"}},
			wantErr: domain.ErrValidation,
		},
		{
			name:    "bad field name",
			q:       domain.Query{Kind: "registro", Where: map[string]any{"a'); DROP": "x"}},
			wantErr: domain.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := svc.Query(ctx, "alice", tt.q)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, docs)
			assert.Equal(t, tt.want, ids(docs))
		})
	}
}

func TestQueryService_RequiresPrincipal(t *testing.T) {
	svc, _ := newQueryFixture(t)
	_, err := svc.Query(context.Background(), "", domain.Query{Kind: "registro"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestQueryService_SearchByName(t *testing.T) {
	svc, _ := newQueryFixture(t)

	docs, err := svc.SearchByName(context.Background(), "alice", "registro", "norte", domain.SearchSubstring)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids(docs))
}

func TestQueryService_SeesLocalWritesImmediately(t *testing.T) {
	svc, repo := newQueryFixture(t)
	ctx := context.Background()

	_, err := repo.Put(ctx, &domain.Document{
		ID:      "r6",
		Kind:    "registro",
		Owner:   "alice",
		Payload: map[string]any{"nombre": "Lote Nuevo"},
	})
	require.NoError(t, err)

	docs, err := svc.SearchByName(ctx, "alice", "registro", "nuevo", domain.SearchSubstring)
	require.NoError(t, err)
	assert.Equal(t, []string{"r6"}, ids(docs))
}

func TestQueryService_EnsureIndex(t *testing.T) {
	svc, _ := newQueryFixture(t)
	ctx := context.Background()

	name, err := svc.EnsureIndex(ctx, []string{"hectareas"})
	require.NoError(t, err)
	assert.Equal(t, "idx_payload_hectareas", name)

	again, err := svc.EnsureIndex(ctx, []string{"hectareas"})
	require.NoError(t, err)
	assert.Equal(t, name, again)

	_, err = svc.Query(ctx, "alice", domain.Query{Kind: "registro", Where: map[string]any{"nombre": "lote sur"}})
	require.NoError(t, err)

	indexes, err := svc.Indexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"hectareas"}, indexes["idx_payload_hectareas"])
	assert.Equal(t, []string{"nombre"}, indexes["idx_payload_nombre"])
}

func TestQueryService_EnsureIndexKeepsFieldListsApart(t *testing.T) {
	svc, _ := newQueryFixture(t)
	ctx := context.Background()

	joined, err := svc.EnsureIndex(ctx, []string{"lote__zona"})
	require.NoError(t, err)
	split, err := svc.EnsureIndex(ctx, []string{"lote", "zona"})
	require.NoError(t, err)
	assert.NotEqual(t, joined, split)

	again, err := svc.EnsureIndex(ctx, []string{"lote", "zona"})
	require.NoError(t, err)
	assert.Equal(t, split, again)

	indexes, err := svc.Indexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"lote__zona"}, indexes[joined])
	assert.Equal(t, []string{"lote", "zona"}, indexes[split])
}
