package repository

import (
	"testing"

	"campo-sync/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRevision(t *testing.T) {
	tests := []struct {
		name    string
		rev     string
		gen     int
		hash    string
		wantErr bool
	}{
		{name: "valid", rev: "3-abc", gen: 3, hash: "abc"},
		{name: "empty", rev: "", wantErr: true},
		{name: "no hash", rev: "3-", wantErr: true},
		{name: "zero generation", rev: "0-abc", wantErr: true},
		{name: "not a number", rev: "x-abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen, hash, err := ParseRevision(tt.rev)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.gen, gen)
			assert.Equal(t, tt.hash, hash)
		})
	}
}

func TestNextRevision_AdvancesGeneration(t *testing.T) {
	doc := &domain.Document{Kind: "registro", Owner: "alice", Payload: map[string]any{"nombre": "Finca A"}}

	first := NextRevision("", doc)
	gen, _, err := ParseRevision(first)
	require.NoError(t, err)
	assert.Equal(t, 1, gen)

	second := NextRevision(first, doc)
	gen, _, err = ParseRevision(second)
	require.NoError(t, err)
	assert.Equal(t, 2, gen)
	assert.NotEqual(t, first, second)

	other := &domain.Document{Kind: "registro", Owner: "alice", Payload: map[string]any{"nombre": "Finca B"}}
	assert.NotEqual(t, second, NextRevision(first, other))
}

func TestCouchRevisionsRoundTrip(t *testing.T) {
	history := []string{"3-c", "2-b", "1-a"}

	start, ids, err := RevisionsToCouch(history)
	require.NoError(t, err)
	assert.Equal(t, 3, start)
	assert.Equal(t, []string{"c", "b", "a"}, ids)

	assert.Equal(t, history, RevisionsFromCouch(start, ids))
}

func TestRevisionsToCouch_StopsAtGap(t *testing.T) {
	start, ids, err := RevisionsToCouch([]string{"5-e", "4-d", "2-b"})
	require.NoError(t, err)
	assert.Equal(t, 5, start)
	assert.Equal(t, []string{"e", "d"}, ids)
}

func TestExtendLineage_Caps(t *testing.T) {
	var history []string
	for i := 0; i < revsLimit+10; i++ {
		history = extendLineage("r", history)
	}
	assert.Len(t, history, revsLimit)
}
