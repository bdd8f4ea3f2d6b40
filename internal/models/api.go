package models

import (
	"time"

	"github.com/google/uuid"
)

// API is a namespace that keys are issued under. A workspace owns many
// APIs; an API owns many keys.
type API struct {
	ID          uuid.UUID  `json:"id"`
	WorkspaceID uuid.UUID  `json:"workspace_id"`
	Name        string     `json:"name"`
	CreatedAt   time.Time  `json:"created_at"`
	DeletedAt   *time.Time `json:"-"`
}

// Workspace is the tenant boundary. Root keys are scoped to a
// workspace; keys in one workspace are invisible to another.
type Workspace struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
