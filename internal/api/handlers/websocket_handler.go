package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/answer"
	"github.com/docqa/backend/pkg/logger"
)

type WebSocketHandler struct {
	pipeline *answer.Pipeline
}

func NewWebSocketHandler(pipeline *answer.Pipeline) *WebSocketHandler {
	return &WebSocketHandler{
		pipeline: pipeline,
	}
}

// HandleConnection runs one chat session per connection. Identity comes from
// the upgrade request headers, stashed in Locals by the route middleware, so
// a client cannot switch tenants mid-connection.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	tenantID, _ := c.Locals("tenant_id").(string)
	userID, _ := c.Locals("user_id").(string)
	if tenantID == "" || userID == "" {
		h.sendError(c, "Missing identity headers")
		c.Close()
		return
	}

	logger.Info("WebSocket connection established",
		zap.String("tenant_id", tenantID),
		zap.String("user_id", userID),
	)

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("tenant_id", tenantID))
	}()

	for {
		var msg struct {
			Type      string `json:"type"`
			Question  string `json:"question"`
			SessionID string `json:"session_id"`
		}

		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		if msg.Type != "question" {
			continue
		}

		err := h.streamAnswer(c, answer.Request{
			TenantID:  tenantID,
			UserID:    userID,
			SessionID: msg.SessionID,
			Question:  msg.Question,
		})
		if err != nil {
			var pErr *answer.Error
			if errors.As(err, &pErr) {
				h.sendError(c, pErr.Message)
			} else {
				h.sendError(c, "Failed to process question")
			}
		}
	}
}

func (h *WebSocketHandler) streamAnswer(c *websocket.Conn, req answer.Request) error {
	h.sendChunk(c, "status", "Thinking...")

	resp, err := h.pipeline.Answer(context.Background(), req)
	if err != nil {
		return err
	}

	words := strings.Fields(resp.Answer)
	for i, word := range words {
		chunk := word
		if i < len(words)-1 {
			chunk += " "
		}
		if err := h.sendChunk(c, "chunk", chunk); err != nil {
			return err
		}
	}

	return c.WriteJSON(map[string]interface{}{
		"type":       "complete",
		"session_id": resp.SessionID,
		"sources":    resp.Sources,
	})
}

func (h *WebSocketHandler) sendChunk(c *websocket.Conn, msgType, content string) error {
	return c.WriteJSON(map[string]interface{}{
		"type":    msgType,
		"content": content,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	c.WriteJSON(map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	})
}
