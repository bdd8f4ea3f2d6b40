package apis

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keygate/keygate/internal/models"
)

// Service errors
var (
	ErrAPINotFound = errors.New("API not found")
)

// Service handles API namespace operations. Keys are always issued
// under an API, which scopes them to a workspace.
type Service struct {
	db *pgxpool.Pool
}

// NewService creates a new API service
func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

// EnsureDefaultWorkspace returns the deployment's workspace, creating
// it on first boot. Multi-tenant workspace management belongs to an
// external control plane; this service scopes everything to one.
func (s *Service) EnsureDefaultWorkspace(ctx context.Context, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRow(ctx, `
		INSERT INTO workspaces (name)
		VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, name).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to ensure workspace: %w", err)
	}
	return id, nil
}

// CreateAPIRequest represents a request to create an API namespace
type CreateAPIRequest struct {
	Name string `json:"name" binding:"required"`
}

// Create creates a new API namespace in a workspace.
func (s *Service) Create(ctx context.Context, workspaceID uuid.UUID, req *CreateAPIRequest) (*models.API, error) {
	var api models.API
	err := s.db.QueryRow(ctx, `
		INSERT INTO apis (workspace_id, name)
		VALUES ($1, $2)
		RETURNING id, workspace_id, name, created_at, deleted_at
	`, workspaceID, req.Name).Scan(
		&api.ID, &api.WorkspaceID, &api.Name, &api.CreatedAt, &api.DeletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create API: %w", err)
	}
	return &api, nil
}

// Get returns an API namespace by id, scoped to a workspace.
func (s *Service) Get(ctx context.Context, workspaceID, apiID uuid.UUID) (*models.API, error) {
	var api models.API
	err := s.db.QueryRow(ctx, `
		SELECT id, workspace_id, name, created_at, deleted_at
		FROM apis
		WHERE id = $1 AND workspace_id = $2 AND deleted_at IS NULL
	`, apiID, workspaceID).Scan(
		&api.ID, &api.WorkspaceID, &api.Name, &api.CreatedAt, &api.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAPINotFound
		}
		return nil, fmt.Errorf("failed to get API: %w", err)
	}
	return &api, nil
}

// Delete soft-deletes an API namespace and all keys under it. Keys
// become unverifiable once edge caches expire.
func (s *Service) Delete(ctx context.Context, workspaceID, apiID uuid.UUID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE apis SET deleted_at = NOW()
		WHERE id = $1 AND workspace_id = $2 AND deleted_at IS NULL
	`, apiID, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to delete API: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAPINotFound
	}

	_, err = tx.Exec(ctx, `
		UPDATE keys SET deleted_at = NOW()
		WHERE api_id = $1 AND deleted_at IS NULL
	`, apiID)
	if err != nil {
		return fmt.Errorf("failed to delete keys under API: %w", err)
	}

	return tx.Commit(ctx)
}
