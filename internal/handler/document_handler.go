package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"inkdown-docsync/internal/document"
	"inkdown-docsync/internal/domain"
	"inkdown-docsync/internal/middleware"
	"inkdown-docsync/internal/repository"
	"inkdown-docsync/internal/service"
	"inkdown-docsync/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
)

type DocumentHandler struct {
	store       *document.Store
	syncService *service.SyncService
	versions    repository.DocumentVersionRepository
	validate    *validator.Validate
}

type resetRequest struct {
	Confirm bool `json:"confirm" validate:"required"`
}

func NewDocumentHandler(store *document.Store, syncService *service.SyncService, versions repository.DocumentVersionRepository) *DocumentHandler {
	return &DocumentHandler{
		store:       store,
		syncService: syncService,
		versions:    versions,
		validate:    validator.New(),
	}
}

func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	doc, open, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, document.ErrDocumentNotFound) {
			response.NotFound(w, "document not found")
			return
		}
		response.InternalError(w, err.Error())
		return
	}

	response.Success(w, &domain.DocumentResponse{
		ID:          doc.ID,
		Content:     doc.Content,
		Version:     doc.Version,
		ContentHash: doc.ContentHash,
		UpdatedAt:   doc.UpdatedAt,
		Open:        open,
	})
}

// Write replaces the document text from outside any view session. Attached
// sessions receive it as an external change.
func (h *DocumentHandler) Write(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req domain.WriteDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	version, err := h.store.Write(r.Context(), id, req.Content)
	if err != nil {
		if errors.Is(err, document.ErrDocumentNotOpen) {
			response.NotFound(w, "document not open")
			return
		}
		response.InternalError(w, err.Error())
		return
	}

	response.Success(w, &domain.WriteDocumentResponse{ID: id, Version: version})
}

func (h *DocumentHandler) Save(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.store.Save(r.Context(), id); err != nil {
		if errors.Is(err, document.ErrDocumentNotOpen) {
			response.NotFound(w, "document not open")
			return
		}
		response.InternalError(w, err.Error())
		return
	}

	response.Success(w, map[string]string{"message": "document saved"})
}

func (h *DocumentHandler) Resync(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sent, err := h.syncService.ResyncDocument(id)
	if err != nil {
		h.syncError(w, err)
		return
	}

	response.Success(w, map[string]int{"sessions": sent})
}

// Reset is destructive for every attached view and is refused unless the
// caller confirms it explicitly.
func (h *DocumentHandler) Reset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, "reset requires confirm=true")
		return
	}

	epoch, err := h.syncService.Reset(id)
	if err != nil {
		h.syncError(w, err)
		return
	}

	glog.Infof("[Documents] reset of %s confirmed by %s", id, middleware.GetUserID(r))
	response.Success(w, map[string]string{"authority_epoch": epoch})
}

func (h *DocumentHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sessions, err := h.syncService.Sessions(id)
	if err != nil {
		h.syncError(w, err)
		return
	}

	response.Success(w, sessions)
}

func (h *DocumentHandler) Versions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			response.BadRequest(w, "invalid limit parameter")
			return
		}
		limit = n
	}

	if h.versions == nil {
		response.Success(w, []*domain.DocumentVersion{})
		return
	}

	versions, err := h.versions.GetVersions(r.Context(), id, limit)
	if err != nil {
		response.InternalError(w, err.Error())
		return
	}

	response.Success(w, versions)
}

func (h *DocumentHandler) syncError(w http.ResponseWriter, err error) {
	if errors.Is(err, service.ErrUnknownDocument) {
		response.NotFound(w, "no sessions attached to document")
		return
	}
	response.InternalError(w, err.Error())
}
