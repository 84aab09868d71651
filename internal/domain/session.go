package domain

import "time"

type SessionInfo struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	UserID      string    `json:"user_id"`
	Ready       bool      `json:"ready"`
	InitVersion int64     `json:"init_version"`
	AttachedAt  time.Time `json:"attached_at"`
}

type DocumentSessionsResponse struct {
	DocumentID     string        `json:"document_id"`
	AuthorityEpoch string        `json:"authority_epoch"`
	PendingSelf    int           `json:"pending_self_versions"`
	Sessions       []SessionInfo `json:"sessions"`
}
