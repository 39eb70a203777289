package repository

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"campo-sync/internal/domain"
)

// revsLimit caps the lineage kept per document.
const revsLimit = 100

// ParseRevision splits a "<generation>-<hash>" revision.
func ParseRevision(rev string) (int, string, error) {
	gen, hash, ok := strings.Cut(rev, "-")
	if !ok || hash == "" {
		return 0, "", fmt.Errorf("malformed revision %q", rev)
	}
	n, err := strconv.Atoi(gen)
	if err != nil || n < 1 {
		return 0, "", fmt.Errorf("malformed revision %q", rev)
	}
	return n, hash, nil
}

// NextRevision derives the revision following prev for the given body.
// The hash covers prev, so sibling edits of the same parent with different
// content never collide.
func NextRevision(prev string, doc *domain.Document) string {
	gen := 0
	if prev != "" {
		if n, _, err := ParseRevision(prev); err == nil {
			gen = n
		}
	}

	body, _ := json.Marshal(struct {
		Prev    string         `json:"prev"`
		Kind    string         `json:"kind"`
		Owner   string         `json:"owner"`
		Payload map[string]any `json:"payload"`
		Deleted bool           `json:"deleted"`
	}{prev, doc.Kind, doc.Owner, doc.Payload, doc.Deleted})

	sum := md5.Sum(body)
	return fmt.Sprintf("%d-%s", gen+1, hex.EncodeToString(sum[:]))
}

// extendLineage prepends rev to history, trimming to revsLimit.
func extendLineage(rev string, history []string) []string {
	out := make([]string, 0, len(history)+1)
	out = append(out, rev)
	out = append(out, history...)
	if len(out) > revsLimit {
		out = out[:revsLimit]
	}
	return out
}

func containsRevision(history []string, rev string) bool {
	for _, r := range history {
		if r == rev {
			return true
		}
	}
	return false
}

// RevisionsToCouch converts a newest-first lineage into CouchDB's
// _revisions form. All entries must share consecutive generations.
func RevisionsToCouch(history []string) (int, []string, error) {
	if len(history) == 0 {
		return 0, nil, fmt.Errorf("empty revision history")
	}
	start, _, err := ParseRevision(history[0])
	if err != nil {
		return 0, nil, err
	}
	ids := make([]string, 0, len(history))
	for i, rev := range history {
		gen, hash, err := ParseRevision(rev)
		if err != nil {
			return 0, nil, err
		}
		if gen != start-i {
			break
		}
		ids = append(ids, hash)
	}
	return start, ids, nil
}

// RevisionsFromCouch expands CouchDB's _revisions form into full revisions.
func RevisionsFromCouch(start int, ids []string) []string {
	out := make([]string, 0, len(ids))
	for i, id := range ids {
		if start-i < 1 {
			break
		}
		out = append(out, fmt.Sprintf("%d-%s", start-i, id))
	}
	return out
}
