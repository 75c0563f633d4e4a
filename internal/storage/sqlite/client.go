// Package sqlite stores the collaborator-owned records the core consumes:
// file records with processing status, access grants, prompt configurations
// and session turns. The CRUD layer writes the same database; the core
// touches only the columns ingestion and querying need.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/prompts"
	"github.com/docqa/backend/internal/session"
	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err = db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err = db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS files (
		tenant_id TEXT NOT NULL,
		file_id TEXT NOT NULL,
		file_name TEXT NOT NULL,
		is_public INTEGER NOT NULL DEFAULT 0,
		processing_status TEXT NOT NULL DEFAULT 'pending',
		chunk_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, file_id)
	);
	CREATE INDEX IF NOT EXISTS idx_files_tenant_public ON files(tenant_id, is_public);

	CREATE TABLE IF NOT EXISTS file_grants (
		tenant_id TEXT NOT NULL,
		file_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		expires_at INTEGER,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, file_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_grants_tenant_user ON file_grants(tenant_id, user_id);

	CREATE TABLE IF NOT EXISTS prompt_configs (
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		system_prompt TEXT NOT NULL,
		user_prompt_template TEXT NOT NULL,
		model_name TEXT NOT NULL,
		max_tokens INTEGER NOT NULL,
		temperature REAL NOT NULL,
		is_default INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, name)
	);
	CREATE INDEX IF NOT EXISTS idx_prompts_tenant_default ON prompt_configs(tenant_id, is_default);

	CREATE TABLE IF NOT EXISTS session_turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON session_turns(session_id, id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// --- file records ---

func (c *Client) UpsertFile(ctx context.Context, rec *models.FileRecord) error {
	now := time.Now().Unix()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO files (tenant_id, file_id, file_name, is_public, processing_status, chunk_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, file_id) DO UPDATE SET
			file_name = excluded.file_name,
			is_public = excluded.is_public,
			processing_status = excluded.processing_status,
			updated_at = excluded.updated_at`,
		rec.TenantID, rec.FileID, rec.FileName, boolToInt(rec.IsPublic),
		rec.ProcessingStatus, rec.ChunkCount, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert file: %w", err)
	}
	return nil
}

func (c *Client) SetFileStatus(ctx context.Context, tenantID, fileID, status string, chunkCount int) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE files SET processing_status = ?, chunk_count = ?, updated_at = ?
		WHERE tenant_id = ? AND file_id = ?`,
		status, chunkCount, time.Now().Unix(), tenantID, fileID,
	)
	if err != nil {
		return fmt.Errorf("failed to update file status: %w", err)
	}
	return nil
}

func (c *Client) GetFile(ctx context.Context, tenantID, fileID string) (*models.FileRecord, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT tenant_id, file_id, file_name, is_public, processing_status, chunk_count, created_at, updated_at
		FROM files WHERE tenant_id = ? AND file_id = ?`,
		tenantID, fileID,
	)

	var rec models.FileRecord
	var isPublic int
	var createdAt, updatedAt int64
	err := row.Scan(&rec.TenantID, &rec.FileID, &rec.FileName, &isPublic,
		&rec.ProcessingStatus, &rec.ChunkCount, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	rec.IsPublic = isPublic != 0
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

// DeleteFileRecord removes the file record and its grants after the vector
// index confirmed full removal of the file's chunks.
func (c *Client) DeleteFileRecord(ctx context.Context, tenantID, fileID string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM file_grants WHERE tenant_id = ? AND file_id = ?`, tenantID, fileID); err != nil {
		return fmt.Errorf("failed to delete grants: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE tenant_id = ? AND file_id = ?`, tenantID, fileID); err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

func (c *Client) TenantHasPublicFiles(ctx context.Context, tenantID string) (bool, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM files
		WHERE tenant_id = ? AND is_public = 1 AND processing_status = ?`,
		tenantID, models.StatusCompleted,
	)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("failed to count public files: %w", err)
	}
	return count > 0, nil
}

// --- access grants ---

func (c *Client) CreateGrant(ctx context.Context, grant *models.FileGrant) error {
	var expires interface{}
	if grant.ExpiresAt != nil {
		expires = grant.ExpiresAt.Unix()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO file_grants (tenant_id, file_id, user_id, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, file_id, user_id) DO UPDATE SET expires_at = excluded.expires_at`,
		grant.TenantID, grant.FileID, grant.UserID, expires, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create grant: %w", err)
	}
	return nil
}

// ActiveGrants returns the file ids granted to a user that have not expired
// as of now. Implements access.GrantSource.
func (c *Client) ActiveGrants(ctx context.Context, tenantID, userID string, now time.Time) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT file_id FROM file_grants
		WHERE tenant_id = ? AND user_id = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY file_id`,
		tenantID, userID, now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	var fileIDs []string
	for rows.Next() {
		var fileID string
		if err := rows.Scan(&fileID); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		fileIDs = append(fileIDs, fileID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate grants: %w", err)
	}
	return fileIDs, nil
}

// --- prompt configs ---

func (c *Client) SavePromptConfig(ctx context.Context, tenantID, name string, cfg prompts.PromptConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO prompt_configs (tenant_id, name, system_prompt, user_prompt_template, model_name, max_tokens, temperature, is_default)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, name) DO UPDATE SET
			system_prompt = excluded.system_prompt,
			user_prompt_template = excluded.user_prompt_template,
			model_name = excluded.model_name,
			max_tokens = excluded.max_tokens,
			temperature = excluded.temperature,
			is_default = excluded.is_default`,
		tenantID, name, cfg.SystemPrompt, cfg.UserPromptTemplate,
		cfg.ModelName, cfg.MaxTokens, cfg.Temperature, boolToInt(cfg.IsDefault),
	)
	if err != nil {
		return fmt.Errorf("failed to save prompt config: %w", err)
	}
	return nil
}

// ActivePromptConfig returns the tenant's config flagged as default.
// Implements prompts.RecordSource.
func (c *Client) ActivePromptConfig(ctx context.Context, tenantID string) (prompts.PromptConfig, bool, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT system_prompt, user_prompt_template, model_name, max_tokens, temperature
		FROM prompt_configs WHERE tenant_id = ? AND is_default = 1
		ORDER BY name LIMIT 1`,
		tenantID,
	)

	var cfg prompts.PromptConfig
	err := row.Scan(&cfg.SystemPrompt, &cfg.UserPromptTemplate, &cfg.ModelName, &cfg.MaxTokens, &cfg.Temperature)
	if err == sql.ErrNoRows {
		return prompts.PromptConfig{}, false, nil
	}
	if err != nil {
		return prompts.PromptConfig{}, false, fmt.Errorf("failed to load prompt config: %w", err)
	}
	cfg.IsDefault = true
	return cfg, true, nil
}

// --- session turns ---

// AppendTurns implements session.TurnStore.
func (c *Client) AppendTurns(ctx context.Context, tenantID, userID, sessionID string, turns []session.Turn) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, turn := range turns {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_turns (session_id, tenant_id, user_id, role, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, tenantID, userID, string(turn.Role), turn.Content, turn.Timestamp.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert turn: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turns: %w", err)
	}
	return nil
}

func (c *Client) ListTurns(ctx context.Context, sessionID string) ([]session.Turn, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT role, content, created_at FROM session_turns
		WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []session.Turn
	for rows.Next() {
		var role, content string
		var createdAt int64
		if err := rows.Scan(&role, &content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, session.Turn{
			Role:      session.Role(role),
			Content:   content,
			Timestamp: time.Unix(createdAt, 0),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turns: %w", err)
	}
	return turns, nil
}

// ListTenantTurns is the read used by the history endpoint. The tenant
// predicate keeps one tenant's session ids useless to another.
func (c *Client) ListTenantTurns(ctx context.Context, tenantID, sessionID string) ([]session.Turn, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT role, content, created_at FROM session_turns
		WHERE tenant_id = ? AND session_id = ? ORDER BY id`,
		tenantID, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []session.Turn
	for rows.Next() {
		var role, content string
		var createdAt int64
		if err := rows.Scan(&role, &content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, session.Turn{
			Role:      session.Role(role),
			Content:   content,
			Timestamp: time.Unix(createdAt, 0),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turns: %w", err)
	}
	return turns, nil
}

func (c *Client) TrimSession(ctx context.Context, sessionID string, keepLast int) error {
	if keepLast <= 0 {
		return nil
	}
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM session_turns WHERE session_id = ? AND id NOT IN (
			SELECT id FROM session_turns WHERE session_id = ? ORDER BY id DESC LIMIT ?
		)`,
		sessionID, sessionID, keepLast,
	)
	if err != nil {
		return fmt.Errorf("failed to trim session: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
