package keys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keygate/keygate/internal/models"
)

// Service errors
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrAPINotFound = errors.New("API not found")
	ErrInvalidKey  = errors.New("invalid key format")
)

// keyPrefix marks every secret issued by this service.
const keyPrefix = "kg_"

// Service handles key issuance and the key record store.
type Service struct {
	db *pgxpool.Pool
}

// NewService creates a new key service
func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

// CreateKeyRequest represents a request to issue a key
type CreateKeyRequest struct {
	APIID       uuid.UUID         `json:"api_id"`
	Name        string            `json:"name,omitempty"`
	OwnerID     string            `json:"owner_id,omitempty"`
	Meta        map[string]any    `json:"meta,omitempty"`
	Permissions map[string]bool   `json:"permissions,omitempty"`
	Expires     *int64            `json:"expires,omitempty"` // unix ms
	Remaining   *int64            `json:"remaining,omitempty"`
	Ratelimit   *models.Ratelimit `json:"ratelimit,omitempty"`
}

// CreateKeyResponse carries the raw secret, returned exactly once at
// issuance and never stored.
type CreateKeyResponse struct {
	ID    uuid.UUID `json:"id"`
	Key   string    `json:"key"`
	Start string    `json:"start"`
}

// Create issues a new key under an API namespace.
func (s *Service) Create(ctx context.Context, workspaceID uuid.UUID, req *CreateKeyRequest) (*CreateKeyResponse, error) {
	var apiWorkspace uuid.UUID
	err := s.db.QueryRow(ctx, `
		SELECT workspace_id FROM apis WHERE id = $1 AND deleted_at IS NULL
	`, req.APIID).Scan(&apiWorkspace)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAPINotFound
		}
		return nil, fmt.Errorf("failed to look up API: %w", err)
	}
	if apiWorkspace != workspaceID {
		return nil, ErrAPINotFound
	}

	rawKey, hash, start, err := generateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	var expires *time.Time
	if req.Expires != nil {
		t := time.UnixMilli(*req.Expires)
		expires = &t
	}

	var name, ownerID *string
	if req.Name != "" {
		name = &req.Name
	}
	if req.OwnerID != "" {
		ownerID = &req.OwnerID
	}

	var rlMode *string
	var rlLimit, rlRate, rlInterval *int64
	if req.Ratelimit != nil {
		if err := validateRatelimit(req.Ratelimit); err != nil {
			return nil, err
		}
		mode := string(req.Ratelimit.Mode)
		rlMode = &mode
		rlLimit = &req.Ratelimit.Limit
		rlRate = &req.Ratelimit.RefillRate
		rlInterval = &req.Ratelimit.RefillInterval
	}

	var id uuid.UUID
	err = s.db.QueryRow(ctx, `
		INSERT INTO keys (
			hash, start, workspace_id, api_id, name, owner_id, meta, permissions,
			remaining, ratelimit_type, ratelimit_limit, ratelimit_refill_rate,
			ratelimit_refill_interval, expires, enabled
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, true)
		RETURNING id
	`, hash, start, workspaceID, req.APIID, name, ownerID, req.Meta, req.Permissions,
		req.Remaining, rlMode, rlLimit, rlRate, rlInterval, expires,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to create key: %w", err)
	}

	return &CreateKeyResponse{
		ID:    id,
		Key:   rawKey,
		Start: start,
	}, nil
}

const keyColumns = `
	id, hash, start, workspace_id, api_id, name, owner_id, meta, permissions,
	remaining, ratelimit_type, ratelimit_limit, ratelimit_refill_rate,
	ratelimit_refill_interval, expires, enabled, created_at, deleted_at
`

// LookupByHash resolves a key record by the SHA-256 of its secret.
// Soft-deleted keys are treated as not found.
func (s *Service) LookupByHash(ctx context.Context, hash string) (*models.Key, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+keyColumns+`
		FROM keys
		WHERE hash = $1 AND deleted_at IS NULL
	`, hash)
	return scanKey(row)
}

// GetByID returns a key record by id, scoped to a workspace.
func (s *Service) GetByID(ctx context.Context, workspaceID, keyID uuid.UUID) (*models.Key, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+keyColumns+`
		FROM keys
		WHERE id = $1 AND workspace_id = $2 AND deleted_at IS NULL
	`, keyID, workspaceID)
	return scanKey(row)
}

// ListByAPI returns all live keys under an API namespace.
func (s *Service) ListByAPI(ctx context.Context, workspaceID, apiID uuid.UUID) ([]*models.Key, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+keyColumns+`
		FROM keys
		WHERE api_id = $1 AND workspace_id = $2 AND deleted_at IS NULL
		ORDER BY created_at DESC
	`, apiID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.Key
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}

	return keys, nil
}

// UpdateKeyRequest carries a partial update. Absent fields are left
// untouched; an explicit null clears the field. Remaining is not
// applied by Update: credits change only through the usage limiter's
// serialized path, so the HTTP layer routes it there.
type UpdateKeyRequest struct {
	Name      Nullable[string]           `json:"name"`
	OwnerID   Nullable[string]           `json:"ownerId"`
	Meta      Nullable[map[string]any]   `json:"meta"`
	Expires   Nullable[int64]            `json:"expires"` // unix ms
	Ratelimit Nullable[models.Ratelimit] `json:"ratelimit"`
	Remaining Nullable[int64]            `json:"remaining"`
	Enabled   Nullable[bool]             `json:"enabled"`
}

// Update applies a partial update and returns the updated record.
func (s *Service) Update(ctx context.Context, workspaceID, keyID uuid.UUID, req *UpdateKeyRequest) (*models.Key, error) {
	sets := make([]string, 0, 8)
	args := make([]any, 0, 10)

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if req.Name.Defined {
		add("name", req.Name.Value)
	}
	if req.OwnerID.Defined {
		add("owner_id", req.OwnerID.Value)
	}
	if req.Meta.Defined {
		add("meta", req.Meta.Value)
	}
	if req.Expires.Defined {
		var expires *time.Time
		if req.Expires.Value != nil {
			t := time.UnixMilli(*req.Expires.Value)
			expires = &t
		}
		add("expires", expires)
	}
	if req.Enabled.Defined {
		if req.Enabled.Value == nil {
			return nil, fmt.Errorf("enabled cannot be null")
		}
		add("enabled", *req.Enabled.Value)
	}
	if req.Ratelimit.Defined {
		if req.Ratelimit.Value == nil {
			add("ratelimit_type", nil)
			add("ratelimit_limit", nil)
			add("ratelimit_refill_rate", nil)
			add("ratelimit_refill_interval", nil)
		} else {
			rl := req.Ratelimit.Value
			if err := validateRatelimit(rl); err != nil {
				return nil, err
			}
			add("ratelimit_type", string(rl.Mode))
			add("ratelimit_limit", rl.Limit)
			add("ratelimit_refill_rate", rl.RefillRate)
			add("ratelimit_refill_interval", rl.RefillInterval)
		}
	}

	if len(sets) == 0 {
		return s.GetByID(ctx, workspaceID, keyID)
	}

	args = append(args, keyID, workspaceID)
	query := fmt.Sprintf(`
		UPDATE keys SET %s
		WHERE id = $%d AND workspace_id = $%d AND deleted_at IS NULL
		RETURNING `+keyColumns,
		strings.Join(sets, ", "), len(args)-1, len(args))

	row := s.db.QueryRow(ctx, query, args...)
	return scanKey(row)
}

// Delete soft-deletes a key.
func (s *Service) Delete(ctx context.Context, workspaceID, keyID uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE keys SET deleted_at = NOW()
		WHERE id = $1 AND workspace_id = $2 AND deleted_at IS NULL
	`, keyID, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func validateRatelimit(rl *models.Ratelimit) error {
	if rl.Mode != models.RatelimitFast && rl.Mode != models.RatelimitConsistent {
		return fmt.Errorf("ratelimit type must be %q or %q", models.RatelimitFast, models.RatelimitConsistent)
	}
	if rl.Limit <= 0 || rl.RefillRate <= 0 || rl.RefillInterval <= 0 {
		return fmt.Errorf("ratelimit limit, refillRate and refillInterval must be positive")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*models.Key, error) {
	var key models.Key
	var rlMode *string
	var rlLimit, rlRate, rlInterval *int64

	err := row.Scan(
		&key.ID, &key.Hash, &key.Start, &key.WorkspaceID, &key.APIID,
		&key.Name, &key.OwnerID, &key.Meta, &key.Permissions,
		&key.Remaining, &rlMode, &rlLimit, &rlRate, &rlInterval,
		&key.Expires, &key.Enabled, &key.CreatedAt, &key.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to scan key: %w", err)
	}

	if rlMode != nil && rlLimit != nil && rlRate != nil && rlInterval != nil {
		key.Ratelimit = &models.Ratelimit{
			Mode:           models.RatelimitMode(*rlMode),
			Limit:          *rlLimit,
			RefillRate:     *rlRate,
			RefillInterval: *rlInterval,
		}
	}

	return &key, nil
}

// generateKey generates a secure key secret.
// Returns: rawKey, hash, start, error
func generateKey() (string, string, string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	rawKey := keyPrefix + hex.EncodeToString(randomBytes)
	hash := HashKey(rawKey)

	// Display prefix: "kg_" + first 8 chars
	start := rawKey[:11]

	return rawKey, hash, start, nil
}

// HashKey creates the SHA-256 hash of a key secret. The raw secret is
// never stored or logged; the hash is the lookup value everywhere.
func HashKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

// ValidFormat reports whether a presented secret could have been
// issued by this service.
func ValidFormat(rawKey string) bool {
	return len(rawKey) >= 10 && strings.HasPrefix(rawKey, keyPrefix)
}
