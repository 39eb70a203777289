package domain

import "time"

const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

// Document is the unit of storage shared by the local store and the remote
// database. Revisions holds the lineage newest first and never leaves the
// daemon through the UI API.
type Document struct {
	ID        string         `json:"id"`
	Revision  string         `json:"revision,omitempty"`
	Kind      string         `json:"kind"`
	Owner     string         `json:"owner"`
	Payload   map[string]any `json:"payload"`
	Deleted   bool           `json:"deleted,omitempty"`
	Conflicts []string       `json:"conflicts,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`

	Revisions []string `json:"-"`
}

// Change is one entry of the local change feed.
type Change struct {
	Seq      int64
	Origin   string
	Document *Document
}

// RemoteRevision is a document revision as received from the remote change feed.
type RemoteRevision struct {
	Document  *Document
	Revisions []string
}

type ApplyOutcome string

const (
	ApplyInserted      ApplyOutcome = "inserted"
	ApplyFastForwarded ApplyOutcome = "fast_forwarded"
	ApplyIgnored       ApplyOutcome = "ignored"
	ApplyConflicted    ApplyOutcome = "conflicted"
)

type PutDocumentRequest struct {
	Revision string         `json:"revision"`
	Kind     string         `json:"kind" validate:"required,max=64"`
	Owner    string         `json:"owner"`
	Payload  map[string]any `json:"payload" validate:"required"`
}

type ChangeEvent struct {
	DocumentID string `json:"document_id"`
	Revision   string `json:"revision"`
	Kind       string `json:"kind"`
	Owner      string `json:"owner"`
	Deleted    bool   `json:"deleted"`
	Origin     string `json:"origin"`
}

func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	if d.Payload != nil {
		c.Payload = make(map[string]any, len(d.Payload))
		for k, v := range d.Payload {
			c.Payload[k] = v
		}
	}
	c.Revisions = append([]string(nil), d.Revisions...)
	c.Conflicts = append([]string(nil), d.Conflicts...)
	return &c
}
