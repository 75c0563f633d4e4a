package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/middleware/validation"
	"github.com/docqa/backend/internal/session"
	"github.com/docqa/backend/pkg/logger"
)

// HistorySource lists a session's turns scoped to the requesting tenant.
type HistorySource interface {
	ListTenantTurns(ctx context.Context, tenantID, sessionID string) ([]session.Turn, error)
}

type SessionHandler struct {
	history HistorySource
}

func NewSessionHandler(history HistorySource) *SessionHandler {
	return &SessionHandler{
		history: history,
	}
}

func (h *SessionHandler) GetHistory(c *fiber.Ctx) error {
	tenantID := c.Get("X-Tenant-ID")
	sessionID := c.Params("session_id")
	if !validation.ValidID(sessionID) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid session_id",
		})
	}

	turns, err := h.history.ListTenantTurns(c.Context(), tenantID, sessionID)
	if err != nil {
		logger.Error("Failed to list session history",
			zap.Error(err),
			zap.String("session_id", sessionID),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load session history",
		})
	}

	history := make([]fiber.Map, 0, len(turns))
	for _, t := range turns {
		history = append(history, fiber.Map{
			"role":      t.Role,
			"content":   t.Content,
			"timestamp": t.Timestamp,
		})
	}

	return c.JSON(fiber.Map{
		"session_id": sessionID,
		"turns":      history,
	})
}
