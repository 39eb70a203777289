package domain

import "time"

type ReplicationState string

const (
	ReplicationIdle       ReplicationState = "idle"
	ReplicationConnecting ReplicationState = "connecting"
	ReplicationStreaming  ReplicationState = "streaming"
	ReplicationRetrying   ReplicationState = "retrying"
	ReplicationErrored    ReplicationState = "errored"
)

type ReplicationStatus struct {
	State       ReplicationState `json:"state"`
	Push        LegStatus        `json:"push"`
	Pull        LegStatus        `json:"pull"`
	LastError   string           `json:"last_error,omitempty"`
	Remote      string           `json:"remote,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	LastSyncAt  *time.Time       `json:"last_sync_at,omitempty"`
	Conflicts   int64            `json:"conflicts_detected"`
	PushedDocs  int64            `json:"pushed_docs"`
	PulledDocs  int64            `json:"pulled_docs"`
	Rejected    int64            `json:"rejected_docs"`
	PushedUntil int64            `json:"pushed_until"`
	PulledUntil string           `json:"pulled_until,omitempty"`
}

type LegStatus struct {
	State     ReplicationState `json:"state"`
	Attempts  int              `json:"attempts,omitempty"`
	LastError string           `json:"last_error,omitempty"`
}
