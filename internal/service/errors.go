package service

import (
	"fmt"

	"campo-sync/internal/domain"
)

// ConflictError reports a rejected write together with the revision the
// store currently holds, so callers can rebase and retry.
type ConflictError struct {
	DocumentID string
	Current    *domain.Document
}

func (e *ConflictError) Error() string {
	if e.Current == nil {
		return fmt.Sprintf("conflict on document %s", e.DocumentID)
	}
	return fmt.Sprintf("conflict on document %s: current revision is %s", e.DocumentID, e.Current.Revision)
}

func (e *ConflictError) Unwrap() error {
	return domain.ErrConflict
}
