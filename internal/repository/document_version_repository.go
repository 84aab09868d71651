package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"inkdown-docsync/internal/domain"
)

type DocumentVersionRepository interface {
	SaveVersion(ctx context.Context, doc *domain.Document) error
	GetVersions(ctx context.Context, documentID string, limit int) ([]*domain.DocumentVersion, error)
	DeleteOldVersions(ctx context.Context, documentID string, keepLast int) error
}

// documentVersionRepo talks to the CouchDB HTTP API directly so history
// writes stay independent from the kivik client used for live snapshots.
type documentVersionRepo struct {
	baseURL string
	client  *http.Client
}

type versionDoc struct {
	domain.DocumentVersion
	Rev     string `json:"_rev,omitempty"`
	DocType string `json:"doc_type"`
}

func NewDocumentVersionRepository(baseURL string) DocumentVersionRepository {
	return &documentVersionRepo{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *documentVersionRepo) SaveVersion(ctx context.Context, doc *domain.Document) error {
	version := versionDoc{
		DocumentVersion: domain.DocumentVersion{
			ID:          fmt.Sprintf("version:%s:%d", doc.ID, doc.Version),
			DocumentID:  doc.ID,
			Version:     doc.Version,
			Content:     doc.Content,
			ContentHash: doc.ContentHash,
			CreatedAt:   time.Now(),
		},
		DocType: "document_version",
	}

	data, err := json.Marshal(version)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL, bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// a version that was already archived is not an error
	if resp.StatusCode == http.StatusConflict {
		return nil
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("failed to save version: status %d", resp.StatusCode)
	}

	return nil
}

func (r *documentVersionRepo) GetVersions(ctx context.Context, documentID string, limit int) ([]*domain.DocumentVersion, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type":    "document_version",
			"document_id": documentID,
		},
		"limit": 1000,
	}

	data, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/_find", bytes.NewBuffer(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to list versions: status %d", resp.StatusCode)
	}

	var result struct {
		Docs []versionDoc `json:"docs"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	sort.Slice(result.Docs, func(i, j int) bool {
		return result.Docs[i].Version > result.Docs[j].Version
	})

	if limit > 0 && len(result.Docs) > limit {
		result.Docs = result.Docs[:limit]
	}

	versions := make([]*domain.DocumentVersion, len(result.Docs))
	for i := range result.Docs {
		v := result.Docs[i].DocumentVersion
		versions[i] = &v
	}

	return versions, nil
}

func (r *documentVersionRepo) DeleteOldVersions(ctx context.Context, documentID string, keepLast int) error {
	versions, err := r.GetVersions(ctx, documentID, 0)
	if err != nil {
		return err
	}

	if len(versions) <= keepLast {
		return nil
	}

	for _, v := range versions[keepLast:] {
		rev, err := r.headRev(ctx, v.ID)
		if err != nil {
			continue
		}

		url := fmt.Sprintf("%s/%s?rev=%s", r.baseURL, v.ID, rev)
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
		if err != nil {
			continue
		}

		resp, err := r.client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
	}

	return nil
}

func (r *documentVersionRepo) headRev(ctx context.Context, id string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, fmt.Sprintf("%s/%s", r.baseURL, id), nil)
	if err != nil {
		return "", err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("version %s not found", id)
	}

	etag := resp.Header.Get("ETag")
	if len(etag) >= 2 && etag[0] == '"' {
		etag = etag[1 : len(etag)-1]
	}
	return etag, nil
}
