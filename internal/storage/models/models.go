package models

import "time"

// Processing status of an ingested file.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// FileRecord is the collaborator-owned record of an uploaded file. The core
// reads it and updates processing_status and chunk_count during ingestion.
type FileRecord struct {
	TenantID         string
	FileID           string
	FileName         string
	IsPublic         bool
	ProcessingStatus string
	ChunkCount       int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// FileGrant gives one user read access to one file, optionally until an
// expiry instant.
type FileGrant struct {
	TenantID  string
	FileID    string
	UserID    string
	ExpiresAt *time.Time
	CreatedAt time.Time
}
