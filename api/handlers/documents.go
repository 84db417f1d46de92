// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/share-stream/backend/internal/model"
)

// DocumentStore is the read side of the document storage.
type DocumentStore interface {
	Create(ctx context.Context, doc *model.Document) error
	Get(ctx context.Context, collection, id string) (*model.Document, error)
	List(ctx context.Context, collection string) ([]*model.Document, error)
}

// DocumentDeleter deletes documents and notifies their subscribers.
type DocumentDeleter interface {
	DeleteDocument(ctx context.Context, collection, id string) error
}

// DocumentHandler handles HTTP requests for documents.
type DocumentHandler struct {
	store   DocumentStore
	deleter DocumentDeleter
}

// NewDocumentHandler creates a new DocumentHandler.
func NewDocumentHandler(store DocumentStore, deleter DocumentDeleter) *DocumentHandler {
	return &DocumentHandler{
		store:   store,
		deleter: deleter,
	}
}

// DocumentResponse represents a document in API responses.
type DocumentResponse struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Version    int64           `json:"v"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  string          `json:"createdAt"`
	UpdatedAt  string          `json:"updatedAt"`
}

// ListDocumentsResponse is the body of a list request.
type ListDocumentsResponse struct {
	Documents []*DocumentResponse `json:"documents"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toDocumentResponse(d *model.Document) *DocumentResponse {
	return &DocumentResponse{
		Collection: d.Collection,
		ID:         d.ID,
		Version:    d.Version,
		Data:       d.Data,
		CreatedAt:  d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  d.UpdatedAt.Format(time.RFC3339),
	}
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// sendStoreError maps storage errors to responses.
func sendStoreError(c *gin.Context, err error, action string) {
	switch {
	case errors.Is(err, model.ErrDocumentNotFound):
		sendError(c, http.StatusNotFound, "DOCUMENT_NOT_FOUND", "Document "+c.Param("collection")+"/"+c.Param("id")+" not found")
	case errors.Is(err, model.ErrDocumentExists):
		sendError(c, http.StatusConflict, "DOCUMENT_EXISTS", "Document "+c.Param("collection")+"/"+c.Param("id")+" already exists")
	case errors.Is(err, model.ErrInvalidKey):
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to "+action+": "+err.Error())
	}
}

// List handles GET /api/docs/:collection.
func (h *DocumentHandler) List(c *gin.Context) {
	docs, err := h.store.List(c.Request.Context(), c.Param("collection"))
	if err != nil {
		sendStoreError(c, err, "list documents")
		return
	}

	resp := ListDocumentsResponse{Documents: make([]*DocumentResponse, 0, len(docs))}
	for _, d := range docs {
		resp.Documents = append(resp.Documents, toDocumentResponse(d))
	}
	c.JSON(http.StatusOK, resp)
}

// Get handles GET /api/docs/:collection/:id.
func (h *DocumentHandler) Get(c *gin.Context) {
	doc, err := h.store.Get(c.Request.Context(), c.Param("collection"), c.Param("id"))
	if err != nil {
		sendStoreError(c, err, "get document")
		return
	}
	c.JSON(http.StatusOK, toDocumentResponse(doc))
}

// Create handles PUT /api/docs/:collection/:id. The body is the initial document value.
func (h *DocumentHandler) Create(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Failed to read body: "+err.Error())
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Body must be a JSON value")
		return
	}

	doc := &model.Document{
		Collection: c.Param("collection"),
		ID:         c.Param("id"),
		Version:    1,
		Data:       json.RawMessage(body),
	}
	if err := h.store.Create(c.Request.Context(), doc); err != nil {
		sendStoreError(c, err, "create document")
		return
	}

	created, err := h.store.Get(c.Request.Context(), doc.Collection, doc.ID)
	if err != nil {
		sendStoreError(c, err, "get document")
		return
	}
	c.JSON(http.StatusCreated, toDocumentResponse(created))
}

// Delete handles DELETE /api/docs/:collection/:id.
func (h *DocumentHandler) Delete(c *gin.Context) {
	if err := h.deleter.DeleteDocument(c.Request.Context(), c.Param("collection"), c.Param("id")); err != nil {
		sendStoreError(c, err, "delete document")
		return
	}
	c.Status(http.StatusNoContent)
}

// RegisterRoutes registers the document handler routes on a Gin router group.
func (h *DocumentHandler) RegisterRoutes(rg *gin.RouterGroup) {
	docs := rg.Group("/docs")
	{
		docs.GET("/:collection", h.List)
		docs.GET("/:collection/:id", h.Get)
		docs.PUT("/:collection/:id", h.Create)
		docs.DELETE("/:collection/:id", h.Delete)
	}
}
