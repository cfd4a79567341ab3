// Package store defines the persistence interface for the server.
// Implementations satisfy the Store interface, so the server can swap
// backends without changing how events are recorded.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface for server data.
// Implementations must be safe for concurrent use.
type Store interface {
	// Shared state. LoadState returns nil when nothing has been saved.
	SaveState(ctx context.Context, state map[string]any) error
	LoadState(ctx context.Context) (map[string]any, error)

	// Conversation history.
	AppendMessage(ctx context.Context, messageID, role, content string) error
	ListMessages(ctx context.Context, limit int) ([]*MessageRecord, error)
	ClearMessages(ctx context.Context) error

	// Agent runs.
	RecordRun(ctx context.Context, runID, status, errMsg string) error
	ListRuns(ctx context.Context, limit int) ([]*RunRecord, error)

	// API keys.
	CreateAPIKey(ctx context.Context, key *APIKey) error
	VerifyAPIKey(ctx context.Context, keyHash string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)
	CountAPIKeys(ctx context.Context) (int, error)
	DeleteAPIKey(ctx context.Context, id string) error

	// Close releases database resources.
	Close() error
}

// MessageRecord is one persisted chat message.
type MessageRecord struct {
	ID        int64     `json:"id"`
	MessageID string    `json:"message_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Run statuses recorded by RecordRun.
const (
	RunStarted  = "started"
	RunFinished = "finished"
	RunFailed   = "error"
)

// RunRecord tracks one agent run from RUN_STARTED to its terminal event.
type RunRecord struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// APIKey grants access to the write side of the HTTP API.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	Prefix    string     `json:"prefix"` // first 12 chars for identification
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}
