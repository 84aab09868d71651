package domain

import "time"

type DocumentVersion struct {
	ID          string    `json:"_id,omitempty"`
	DocumentID  string    `json:"document_id"`
	Version     int64     `json:"version"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}
