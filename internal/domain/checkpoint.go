package domain

import "time"

// Checkpoint records replication progress for one local/remote pair.
type Checkpoint struct {
	ReplicationID string    `json:"replication_id"`
	PullSeq       string    `json:"pull_seq"`
	PushSeq       int64     `json:"push_seq"`
	UpdatedAt     time.Time `json:"updated_at"`
}
