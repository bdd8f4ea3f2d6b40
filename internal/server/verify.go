package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	apierrors "github.com/keygate/keygate/internal/errors"
	"github.com/keygate/keygate/internal/logging"
	"github.com/keygate/keygate/internal/middleware"
)

type verifyKeyRequest struct {
	Key         string   `json:"key" binding:"required"`
	Permissions []string `json:"permissions"`
}

// handleVerifyKey is the hot path: every request a client wants to
// authorize lands here. Invalid keys are 200s with valid=false, not
// errors; only an unusable upstream surfaces as a non-200.
func (s *APIServer) handleVerifyKey(c *gin.Context) {
	start := time.Now()

	var req verifyKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	requestID := middleware.GetRequestID(c)

	result, err := s.verifier.Verify(c.Request.Context(), requestID, req.Key, req.Permissions)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if result.Ratelimit != nil {
		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Ratelimit.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Ratelimit.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Ratelimit.Reset, 10))
	}

	outcome := "VALID"
	if !result.Valid {
		outcome = string(result.Code)
	}
	logging.LogVerification(requestID, result.KeyID.String(), outcome, time.Since(start))

	c.JSON(http.StatusOK, result)
}
