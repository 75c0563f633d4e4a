package validation

import (
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Tenant, user, file, and session identifiers share one shape. Everything
// else is rejected before it can reach a filter expression or a file path.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

var scriptPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=)`)

type Config struct {
	MaxQuestionLength int
	MaxDocumentSize   int
	Logger            *zap.Logger
}

// Middleware enforces identity headers and request shapes for the JSON API.
// It runs after routing on the /api/v1 group, so health and metrics are not
// subject to it.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQuestionLength == 0 {
		cfg.MaxQuestionLength = 5000
	}
	if cfg.MaxDocumentSize == 0 {
		cfg.MaxDocumentSize = 10 * 1024 * 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		tenantID := c.Get("X-Tenant-ID")
		userID := c.Get("X-User-ID")
		if !ValidID(tenantID) || !ValidID(userID) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "X-Tenant-ID and X-User-ID headers are required",
			})
		}

		if c.Method() == fiber.MethodPost {
			contentType := c.Get("Content-Type")
			if !strings.Contains(contentType, "application/json") {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "Unsupported content type",
				})
			}
		}

		path := c.Path()

		if c.Method() == fiber.MethodPost && strings.HasSuffix(path, "/query") {
			var req map[string]interface{}
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}

			question, ok := req["question"].(string)
			if !ok || strings.TrimSpace(question) == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "question is required and must be a string",
				})
			}
			if len(question) > cfg.MaxQuestionLength {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "question exceeds maximum length",
				})
			}
			if sessionID, ok := req["session_id"].(string); ok && sessionID != "" && !ValidID(sessionID) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "invalid session_id",
				})
			}
			if scriptPattern.MatchString(question) {
				cfg.Logger.Warn("Rejected question content",
					zap.String("ip", c.IP()),
					zap.String("tenant_id", tenantID),
				)
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid question content",
				})
			}
		}

		if c.Method() == fiber.MethodPost && strings.HasSuffix(path, "/documents") {
			var req map[string]interface{}
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}

			fileID, ok := req["file_id"].(string)
			if !ok || !ValidID(fileID) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "file_id is required and must be a valid identifier",
				})
			}
			fileName, ok := req["file_name"].(string)
			if !ok || strings.TrimSpace(fileName) == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "file_name is required",
				})
			}
			if text, ok := req["text"].(string); ok && len(text) > cfg.MaxDocumentSize {
				return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
					"error": "document text exceeds maximum size",
				})
			}
		}

		return c.Next()
	}
}

// ValidID reports whether s is acceptable as a tenant, user, file, or
// session identifier.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}
