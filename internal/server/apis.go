package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/keygate/keygate/internal/apis"
	apierrors "github.com/keygate/keygate/internal/errors"
	"github.com/keygate/keygate/internal/models"
)

func (s *APIServer) handleCreateAPI(c *gin.Context) {
	var req apis.CreateAPIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	api, err := s.apis.Create(c.Request.Context(), s.workspaceID, &req)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, api)
}

func (s *APIServer) handleGetAPI(c *gin.Context) {
	apiID, ok := parseUUIDParam(c, "apiId")
	if !ok {
		s.respondError(c, apierrors.ErrAPINotFound)
		return
	}

	api, err := s.apis.Get(c.Request.Context(), s.workspaceID, apiID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, api)
}

// handleDeleteAPI removes an API and every key under it. Cached
// records for those keys age out within the cache TTL.
func (s *APIServer) handleDeleteAPI(c *gin.Context) {
	apiID, ok := parseUUIDParam(c, "apiId")
	if !ok {
		s.respondError(c, apierrors.ErrAPINotFound)
		return
	}

	keysUnder, err := s.keys.ListByAPI(c.Request.Context(), s.workspaceID, apiID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if err := s.apis.Delete(c.Request.Context(), s.workspaceID, apiID); err != nil {
		s.respondError(c, err)
		return
	}

	for _, key := range keysUnder {
		s.invalidateKey(c, key)
	}

	c.JSON(http.StatusOK, gin.H{"id": apiID})
}

func (s *APIServer) handleListAPIKeys(c *gin.Context) {
	apiID, ok := parseUUIDParam(c, "apiId")
	if !ok {
		s.respondError(c, apierrors.ErrAPINotFound)
		return
	}

	if _, err := s.apis.Get(c.Request.Context(), s.workspaceID, apiID); err != nil {
		s.respondError(c, err)
		return
	}

	list, err := s.keys.ListByAPI(c.Request.Context(), s.workspaceID, apiID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if list == nil {
		list = []*models.Key{}
	}

	c.JSON(http.StatusOK, gin.H{"keys": list, "total": len(list)})
}
