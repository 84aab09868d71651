package domain

import "time"

type Document struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Version     int64     `json:"version"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Range is a half-open [Start, End) span of character offsets into the text a
// replacement was computed against.
type Range struct {
	Start int `json:"start" validate:"gte=0"`
	End   int `json:"end" validate:"gtefield=Start"`
}

type Replacement struct {
	Range Range  `json:"range"`
	Text  string `json:"text"`
}

// ChangeEvent is emitted by the document store for every accepted mutation,
// whatever its origin.
type ChangeEvent struct {
	DocumentID   string
	Version      int64
	Replacements []Replacement
}

type DocumentResponse struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Version     int64     `json:"version"`
	ContentHash string    `json:"content_hash,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
	Open        bool      `json:"open"`
}

type WriteDocumentRequest struct {
	Content string `json:"content"`
}

type WriteDocumentResponse struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

type ResetDocumentRequest struct {
	Confirm bool `json:"confirm"`
}
