package models

import "time"

// KnowledgeBase is a named document collection whose background jobs
// (ingestion, folder sync) are tracked by the engine.
type KnowledgeBase struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	DocumentCount int       `json:"document_count"`
	Initialized   bool      `json:"initialized"` // authoritative "no open job" flag
	CreatedAt     time.Time `json:"created_at,omitzero"`
	UpdatedAt     time.Time `json:"updated_at,omitzero"`
}

// EntityState combines the authoritative knowledge base record with the
// engine's local view of its job progress. Progress is nil when no record
// is tracked for the entity.
type EntityState struct {
	KnowledgeBase KnowledgeBase
	Settled       bool
	Progress      *ProgressRecord
}
