package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/ingestion"
	"github.com/docqa/backend/internal/middleware/validation"
	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/internal/vector"
	"github.com/docqa/backend/pkg/logger"
)

// FileAdmin covers the record-store operations the document endpoints need
// beyond the ingestion processor itself.
type FileAdmin interface {
	GetFile(ctx context.Context, tenantID, fileID string) (*models.FileRecord, error)
	CreateGrant(ctx context.Context, grant *models.FileGrant) error
}

type DocumentHandler struct {
	processor *ingestion.Processor
	files     FileAdmin
}

func NewDocumentHandler(processor *ingestion.Processor, files FileAdmin) *DocumentHandler {
	return &DocumentHandler{
		processor: processor,
		files:     files,
	}
}

func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	var req struct {
		FileID   string `json:"file_id"`
		FileName string `json:"file_name"`
		Text     string `json:"text"`
		IsPublic bool   `json:"is_public"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	tenantID := c.Get("X-Tenant-ID")
	err := h.processor.ProcessDocument(c.Context(), ingestion.Request{
		TenantID: tenantID,
		FileID:   req.FileID,
		FileName: req.FileName,
		RawText:  req.Text,
		IsPublic: req.IsPublic,
	})
	if err != nil {
		if errors.Is(err, ingestion.ErrNoContent) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Document text is empty",
			})
		}
		logger.Error("Failed to process document",
			zap.Error(err),
			zap.String("tenant_id", tenantID),
			zap.String("file_id", req.FileID),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process document",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"file_id": req.FileID,
		"status":  models.StatusCompleted,
	})
}

func (h *DocumentHandler) GetDocument(c *fiber.Ctx) error {
	tenantID := c.Get("X-Tenant-ID")
	fileID := c.Params("file_id")
	if !validation.ValidID(fileID) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid file_id",
		})
	}

	rec, err := h.files.GetFile(c.Context(), tenantID, fileID)
	if err != nil {
		logger.Error("Failed to load file record", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load document",
		})
	}
	if rec == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Document not found",
		})
	}

	return c.JSON(fiber.Map{
		"file_id":     rec.FileID,
		"file_name":   rec.FileName,
		"is_public":   rec.IsPublic,
		"status":      rec.ProcessingStatus,
		"chunk_count": rec.ChunkCount,
		"created_at":  rec.CreatedAt,
		"updated_at":  rec.UpdatedAt,
	})
}

func (h *DocumentHandler) DeleteDocument(c *fiber.Ctx) error {
	tenantID := c.Get("X-Tenant-ID")
	fileID := c.Params("file_id")
	if !validation.ValidID(fileID) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid file_id",
		})
	}

	err := h.processor.DeleteDocument(c.Context(), tenantID, fileID)
	if err != nil {
		if errors.Is(err, vector.ErrIndexConsistency) {
			// The record is kept so the deletion can be retried; the
			// stale vectors stay invisible behind the record store.
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Document deletion incomplete, retry later",
			})
		}
		logger.Error("Failed to delete document",
			zap.Error(err),
			zap.String("tenant_id", tenantID),
			zap.String("file_id", fileID),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete document",
		})
	}

	return c.JSON(fiber.Map{
		"file_id": fileID,
		"deleted": true,
	})
}

func (h *DocumentHandler) CreateGrant(c *fiber.Ctx) error {
	var req struct {
		UserID    string     `json:"user_id"`
		ExpiresAt *time.Time `json:"expires_at"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if !validation.ValidID(req.UserID) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required and must be a valid identifier",
		})
	}

	tenantID := c.Get("X-Tenant-ID")
	fileID := c.Params("file_id")
	if !validation.ValidID(fileID) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid file_id",
		})
	}

	rec, err := h.files.GetFile(c.Context(), tenantID, fileID)
	if err != nil {
		logger.Error("Failed to load file record", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create grant",
		})
	}
	if rec == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Document not found",
		})
	}

	err = h.files.CreateGrant(c.Context(), &models.FileGrant{
		TenantID:  tenantID,
		FileID:    fileID,
		UserID:    req.UserID,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		logger.Error("Failed to create grant", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create grant",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"file_id": fileID,
		"user_id": req.UserID,
	})
}
