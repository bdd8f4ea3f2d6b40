package middleware

import (
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	apierrors "github.com/keygate/keygate/internal/errors"
	"github.com/keygate/keygate/internal/logging"
)

// RequestIDKey is the context key for request IDs
const RequestIDKey = "request_id"

// RequestID attaches a request ID to every request, honoring an
// inbound X-Request-ID so edge hops stay correlated.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(RequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// GetRequestID returns the request ID from the gin context.
func GetRequestID(c *gin.Context) string {
	if id, ok := c.Get(RequestIDKey); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// CORS handles cross-origin requests
func CORS(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == origin {
				c.Header("Access-Control-Allow-Origin", allowed)
				break
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// RootKeyAuth guards management routes with the deployment's root key,
// compared against its argon2id hash. Outside production an empty hash
// leaves the surface open, which is logged loudly at startup.
func RootKeyAuth(rootKeyHash, env string) gin.HandlerFunc {
	logger := logging.NewLogger("auth")
	if rootKeyHash == "" && env != "production" {
		logger.Warn().Msg("ROOT_KEY_HASH not set, management routes are unauthenticated")
	}

	return func(c *gin.Context) {
		if rootKeyHash == "" && env != "production" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			abortUnauthorized(c)
			return
		}

		match, err := argon2id.ComparePasswordAndHash(token, rootKeyHash)
		if err != nil || !match {
			logger.Warn().Str("path", c.Request.URL.Path).Msg("root key rejected")
			abortUnauthorized(c)
			return
		}

		c.Next()
	}
}

func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(apierrors.ErrUnauthorized.HTTPStatus, apierrors.ErrorResponse{
		Error:     *apierrors.ErrUnauthorized,
		RequestID: GetRequestID(c),
	})
}
