package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/answer"
	"github.com/docqa/backend/pkg/logger"
)

type QueryHandler struct {
	pipeline *answer.Pipeline
}

func NewQueryHandler(pipeline *answer.Pipeline) *QueryHandler {
	return &QueryHandler{
		pipeline: pipeline,
	}
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req struct {
		Question  string `json:"question"`
		SessionID string `json:"session_id"`
		TopK      int    `json:"top_k"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	resp, err := h.pipeline.Answer(c.Context(), answer.Request{
		TenantID:  c.Get("X-Tenant-ID"),
		UserID:    c.Get("X-User-ID"),
		SessionID: req.SessionID,
		Question:  req.Question,
		TopK:      req.TopK,
	})
	if err != nil {
		return writePipelineError(c, err)
	}

	return c.JSON(resp)
}

// writePipelineError maps pipeline failures onto HTTP statuses. Only the
// user-safe message and reference id cross the wire.
func writePipelineError(c *fiber.Ctx, err error) error {
	var pErr *answer.Error
	if !errors.As(err, &pErr) {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process question",
		})
	}

	status := fiber.StatusInternalServerError
	switch pErr.Kind {
	case answer.KindEmbeddingBackend, answer.KindGenerationBackend, answer.KindVectorIndex:
		status = fiber.StatusBadGateway
	case answer.KindCancelled:
		status = fiber.StatusRequestTimeout
	}

	return c.Status(status).JSON(fiber.Map{
		"error_kind": pErr.Kind,
		"error":      pErr.Message,
		"error_id":   pErr.ErrorID,
	})
}
