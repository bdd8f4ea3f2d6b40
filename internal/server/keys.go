package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	apierrors "github.com/keygate/keygate/internal/errors"
	"github.com/keygate/keygate/internal/keys"
	"github.com/keygate/keygate/internal/models"
)

func (s *APIServer) handleCreateKey(c *gin.Context) {
	var req keys.CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	resp, err := s.keys.Create(c.Request.Context(), s.workspaceID, &req)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (s *APIServer) handleGetKey(c *gin.Context) {
	keyID, ok := parseUUIDParam(c, "keyId")
	if !ok {
		s.respondError(c, apierrors.ErrKeyNotFound)
		return
	}

	key, err := s.keys.GetByID(c.Request.Context(), s.workspaceID, keyID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, key)
}

func (s *APIServer) handleUpdateKey(c *gin.Context) {
	keyID, ok := parseUUIDParam(c, "keyId")
	if !ok {
		s.respondError(c, apierrors.ErrKeyNotFound)
		return
	}

	var req keys.UpdateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	key, err := s.keys.Update(c.Request.Context(), s.workspaceID, keyID, &req)
	if err != nil {
		s.respondError(c, err)
		return
	}

	// Credits bypass the row update and go through the counter
	// authority, so a racing verification cannot be lost.
	if req.Remaining.Defined {
		if err := s.usage.SetRemaining(c.Request.Context(), keyID, req.Remaining.Value); err != nil {
			s.respondError(c, err)
			return
		}
		key.Remaining = req.Remaining.Value
	}

	s.invalidateKey(c, key)
	if req.Ratelimit.Defined {
		s.ratelimiter.Evict(key.ID.String())
	}

	c.JSON(http.StatusOK, key)
}

// handleDisableKey turns a key off without deleting it. The DISABLED
// verdict reaches every edge within the cache TTL.
func (s *APIServer) handleDisableKey(c *gin.Context) {
	keyID, ok := parseUUIDParam(c, "keyId")
	if !ok {
		s.respondError(c, apierrors.ErrKeyNotFound)
		return
	}

	key, err := s.keys.Update(c.Request.Context(), s.workspaceID, keyID, &keys.UpdateKeyRequest{
		Enabled: keys.Set(false),
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	s.invalidateKey(c, key)

	c.JSON(http.StatusOK, gin.H{"id": keyID, "enabled": false})
}

func (s *APIServer) handleDeleteKey(c *gin.Context) {
	keyID, ok := parseUUIDParam(c, "keyId")
	if !ok {
		s.respondError(c, apierrors.ErrKeyNotFound)
		return
	}

	key, err := s.keys.GetByID(c.Request.Context(), s.workspaceID, keyID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if err := s.keys.Delete(c.Request.Context(), s.workspaceID, keyID); err != nil {
		s.respondError(c, err)
		return
	}

	s.invalidateKey(c, key)

	c.JSON(http.StatusOK, gin.H{"id": keyID})
}

type updateRemainingRequest struct {
	Op    string `json:"op" binding:"required,oneof=set increment"`
	Value *int64 `json:"value"`
}

// handleUpdateRemaining sets or increments a key's usage credits.
// Credits go through the usage limiter's serialized path, never a
// plain column write, so racing verifications cannot lose the update.
func (s *APIServer) handleUpdateRemaining(c *gin.Context) {
	keyID, ok := parseUUIDParam(c, "keyId")
	if !ok {
		s.respondError(c, apierrors.ErrKeyNotFound)
		return
	}

	var req updateRemainingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	key, err := s.keys.GetByID(c.Request.Context(), s.workspaceID, keyID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	var remaining *int64
	switch req.Op {
	case "set":
		if err := s.usage.SetRemaining(c.Request.Context(), keyID, req.Value); err != nil {
			s.respondError(c, err)
			return
		}
		remaining = req.Value
	case "increment":
		if req.Value == nil {
			s.respondError(c, apierrors.NewBadRequestError("value is required for increment"))
			return
		}
		updated, err := s.usage.IncrementRemaining(c.Request.Context(), keyID, *req.Value)
		if err != nil {
			s.respondError(c, err)
			return
		}
		remaining = &updated
	}

	s.invalidateKey(c, key)

	c.JSON(http.StatusOK, gin.H{"id": keyID, "remaining": remaining})
}

// invalidateKey drops the local cache entry and tells other instances
// to do the same. The publish is best-effort: missed instances fall
// back to TTL expiry.
func (s *APIServer) invalidateKey(c *gin.Context, key *models.Key) {
	s.keyCache.InvalidateHash(key.Hash)
	s.redis.PublishInvalidation(c.Request.Context(), key.Hash)
}
