package domain

import "time"

// ConflictRevision is a remote revision whose lineage diverged from the local
// winner. It is kept until the application discards it.
type ConflictRevision struct {
	DocumentID string    `json:"document_id"`
	Revision   string    `json:"revision"`
	Document   *Document `json:"document"`
	Revisions  []string  `json:"-"`
	DetectedAt time.Time `json:"detected_at"`
}
