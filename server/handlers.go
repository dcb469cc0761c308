package server

import (
	"context"
	"database/sql"

	"github.com/onnwee/stream-tender/db"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db    *sql.DB
	store *db.RecordingStore
	ctx   context.Context
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, dbx *sql.DB, store *db.RecordingStore) *Handlers {
	return &Handlers{db: dbx, store: store, ctx: ctx}
}
