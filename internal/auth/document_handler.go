package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/procuredesk/guard/internal/audit"
	appctx "github.com/procuredesk/guard/internal/context"
	"github.com/procuredesk/guard/internal/repository"
	"github.com/procuredesk/guard/internal/response"
	"github.com/procuredesk/guard/internal/sanitizer"
	"github.com/procuredesk/guard/internal/storage"
)

const (
	uploadField        = "file"
	multipartOverhead  = 1 << 20
	downloadLinkExpiry = 15 * time.Minute
)

// Presigner is implemented by stores that can mint download links
type Presigner interface {
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// DocumentResponse is returned for an accepted upload
type DocumentResponse struct {
	Document     *repository.Document `json:"document"`
	DetectedType string               `json:"detectedType,omitempty"`
	DownloadURL  string               `json:"downloadUrl,omitempty"`
}

// DocumentHandler accepts validated document uploads
type DocumentHandler struct {
	policy sanitizer.UploadPolicy
	store  storage.Store
	docs   repository.DocumentRepository
	sink   audit.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewDocumentHandler creates a DocumentHandler. sink may be nil.
func NewDocumentHandler(policy sanitizer.UploadPolicy, store storage.Store, docs repository.DocumentRepository, sink audit.Sink, logger *slog.Logger) *DocumentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxSize <= 0 {
		policy.MaxSize = sanitizer.DefaultMaxUploadSize
	}
	return &DocumentHandler{policy: policy, store: store, docs: docs, sink: sink, logger: logger, now: time.Now}
}

// Upload validates a multipart file and stores it
// POST /api/documents/upload
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := appctx.ExtractUserID(ctx)
	if !ok {
		response.Error(w, http.StatusUnauthorized, response.CodeAuthRequired, "Authentication required", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.policy.MaxSize+multipartOverhead)
	if err := r.ParseMultipartForm(h.policy.MaxSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, r, "", []string{"File exceeds maximum upload size"})
			return
		}
		response.Error(w, http.StatusBadRequest, response.CodeInvalidInput, "Expected a multipart form with a file field", nil)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidInput, "Expected a multipart form with a file field", nil)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.policy.MaxSize+1))
	if err != nil {
		h.internalError(w, r, "read upload failed", err)
		return
	}

	res := h.policy.Validate(sanitizer.FileUpload{
		Name:     header.Filename,
		Size:     header.Size,
		MimeType: header.Header.Get("Content-Type"),
		Data:     data,
	})
	if !res.IsValid {
		h.reject(w, r, header.Filename, res.Errors)
		return
	}

	contentType := res.DetectedType
	if contentType == "" {
		contentType = header.Header.Get("Content-Type")
	}
	sum := sha256.Sum256(data)
	doc := &repository.Document{
		ID:          uuid.NewString(),
		UserID:      userID,
		Filename:    filepath.Base(header.Filename),
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		StorageKey:  storage.DocumentKey(userID, header.Filename),
		Checksum:    hex.EncodeToString(sum[:]),
		CreatedAt:   h.now().UTC(),
	}

	if err := h.store.Put(ctx, doc.StorageKey, contentType, bytes.NewReader(data), doc.SizeBytes); err != nil {
		h.internalError(w, r, "store upload failed", err)
		return
	}
	// a failed insert leaves an unreferenced object for the orphan sweep
	if err := h.docs.Create(ctx, doc); err != nil {
		h.internalError(w, r, "record upload failed", err)
		return
	}

	out := DocumentResponse{Document: doc, DetectedType: res.DetectedType}
	if p, ok := h.store.(Presigner); ok {
		if url, err := p.PresignGet(ctx, doc.StorageKey, downloadLinkExpiry); err == nil {
			out.DownloadURL = url
		} else {
			h.logger.WarnContext(ctx, "presign failed", slog.String("error", err.Error()))
		}
	}
	h.logger.InfoContext(ctx, "document stored",
		slog.Int64("user_id", userID),
		slog.String("document_id", doc.ID),
		slog.Int64("size", doc.SizeBytes),
	)
	response.Success(w, http.StatusCreated, out)
}

func (h *DocumentHandler) reject(w http.ResponseWriter, r *http.Request, filename string, errs []string) {
	emit(h.sink, r, audit.Event{
		Type:        audit.EventUploadRejected,
		Severity:    audit.SeverityMedium,
		Description: "Upload rejected by file policy",
		Details:     map[string]any{"filename": audit.Truncate(filename), "errors": errs},
	})
	response.Error(w, http.StatusBadRequest, response.CodeValidationError, "File upload rejected", map[string]any{"errors": errs})
}

func (h *DocumentHandler) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.ErrorContext(r.Context(), msg, slog.String("error", err.Error()))
	response.Error(w, http.StatusInternalServerError, response.CodeInternalError, "An unexpected error occurred", nil)
}
