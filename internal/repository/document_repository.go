package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inkdown-docsync/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

var ErrDocumentNotFound = errors.New("document not found")

type DocumentRepository interface {
	FindByID(ctx context.Context, id string) (*domain.Document, error)
	Save(ctx context.Context, doc *domain.Document) error
}

type CouchDBDocumentRepository struct {
	db *kivik.DB
}

type documentDoc struct {
	ID          string `json:"_id"`
	Rev         string `json:"_rev,omitempty"`
	DocType     string `json:"doc_type"`
	DocumentID  string `json:"document_id"`
	Content     string `json:"content"`
	Version     int64  `json:"version"`
	ContentHash string `json:"content_hash"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func NewDocumentRepository(client *kivik.Client, dbName string) *CouchDBDocumentRepository {
	return &CouchDBDocumentRepository{
		db: client.DB(dbName),
	}
}

func documentKey(id string) string {
	return fmt.Sprintf("document:%s", id)
}

func (r *CouchDBDocumentRepository) FindByID(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.Get(ctx, documentKey(id))

	var doc documentDoc
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == 404 {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to find document: %w", err)
	}

	return docToDocument(&doc)
}

// Save upserts the snapshot, carrying over the stored revision so CouchDB
// accepts the write.
func (r *CouchDBDocumentRepository) Save(ctx context.Context, document *domain.Document) error {
	key := documentKey(document.ID)

	doc := documentDoc{
		ID:          key,
		DocType:     "document",
		DocumentID:  document.ID,
		Content:     document.Content,
		Version:     document.Version,
		ContentHash: document.ContentHash,
		CreatedAt:   document.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   document.UpdatedAt.Format(time.RFC3339),
	}

	rev, err := r.db.GetRev(ctx, key)
	if err != nil && kivik.HTTPStatus(err) != 404 {
		return fmt.Errorf("failed to read document revision: %w", err)
	}
	doc.Rev = rev

	if _, err := r.db.Put(ctx, key, doc); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}

	return nil
}

func docToDocument(doc *documentDoc) (*domain.Document, error) {
	createdAt, err := time.Parse(time.RFC3339, doc.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339, doc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &domain.Document{
		ID:          doc.DocumentID,
		Content:     doc.Content,
		Version:     doc.Version,
		ContentHash: doc.ContentHash,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}, nil
}
