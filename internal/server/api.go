package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/keygate/keygate/internal/apis"
	"github.com/keygate/keygate/internal/cache"
	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/database"
	apierrors "github.com/keygate/keygate/internal/errors"
	"github.com/keygate/keygate/internal/keys"
	"github.com/keygate/keygate/internal/logging"
	"github.com/keygate/keygate/internal/middleware"
	"github.com/keygate/keygate/internal/monitoring"
	"github.com/keygate/keygate/internal/ratelimit"
	"github.com/keygate/keygate/internal/usagelimit"
	"github.com/keygate/keygate/internal/verify"
	"github.com/rs/zerolog"
)

// APIServer is the HTTP front of the service: the public verification
// endpoint plus the root-key-guarded management surface.
type APIServer struct {
	cfg         *config.Config
	router      *gin.Engine
	httpServer  *http.Server
	db          *database.DB
	redis       *cache.Redis
	keyCache    *cache.KeyCache
	keys        *keys.Service
	apis        *apis.Service
	ratelimiter *ratelimit.Service
	usage       *usagelimit.Service
	verifier    *verify.Pipeline
	workspaceID uuid.UUID
	logger      zerolog.Logger
}

// NewAPIServer creates the API server and registers all routes.
func NewAPIServer(
	cfg *config.Config,
	db *database.DB,
	redis *cache.Redis,
	keyCache *cache.KeyCache,
	keySvc *keys.Service,
	apiSvc *apis.Service,
	ratelimiter *ratelimit.Service,
	usage *usagelimit.Service,
	verifier *verify.Pipeline,
	workspaceID uuid.UUID,
) *APIServer {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &APIServer{
		cfg:         cfg,
		db:          db,
		redis:       redis,
		keyCache:    keyCache,
		keys:        keySvc,
		apis:        apiSvc,
		ratelimiter: ratelimiter,
		usage:       usage,
		verifier:    verifier,
		workspaceID: workspaceID,
		logger:      logging.NewLogger("server"),
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(logging.RequestLogger())
	s.router.Use(monitoring.MetricsMiddleware())
	s.router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

func (s *APIServer) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/v1")
	{
		v1.GET("/liveness", s.handleLiveness)

		// The key itself is the credential here, so no root key.
		v1.POST("/keys/verify", s.handleVerifyKey)

		authed := v1.Group("")
		authed.Use(middleware.RootKeyAuth(s.cfg.RootKey.Hash, s.cfg.Server.Env))
		{
			authed.POST("/keys", s.handleCreateKey)
			authed.GET("/keys/:keyId", s.handleGetKey)
			authed.PUT("/keys/:keyId", s.handleUpdateKey)
			authed.DELETE("/keys/:keyId", s.handleDeleteKey)
			authed.POST("/keys/:keyId/disable", s.handleDisableKey)
			authed.PUT("/keys/:keyId/remaining", s.handleUpdateRemaining)

			authed.POST("/apis", s.handleCreateAPI)
			authed.GET("/apis/:apiId", s.handleGetAPI)
			authed.DELETE("/apis/:apiId", s.handleDeleteAPI)
			authed.GET("/apis/:apiId/keys", s.handleListAPIKeys)
		}
	}
}

// Start begins serving and blocks until the listener fails.
func (s *APIServer) Start() error {
	s.logger.Info().Int("port", s.cfg.Server.Port).Str("env", s.cfg.Server.Env).Msg("API server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *APIServer) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("API server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *APIServer) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *APIServer) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	components := gin.H{"database": "up", "redis": "up"}

	if err := s.db.Health(ctx); err != nil {
		components["database"] = "down"
		status = http.StatusServiceUnavailable
	}
	if err := s.redis.Health(ctx); err != nil {
		components["redis"] = "down"
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{"status": components, "time": time.Now().UTC()})
}

// respondError maps service errors to wire errors.
func (s *APIServer) respondError(c *gin.Context, err error) {
	requestID := middleware.GetRequestID(c)

	var apiErr *apierrors.APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.Is(err, keys.ErrKeyNotFound), errors.Is(err, usagelimit.ErrKeyNotFound):
		apiErr = apierrors.ErrKeyNotFound
	case errors.Is(err, keys.ErrAPINotFound), errors.Is(err, apis.ErrAPINotFound):
		apiErr = apierrors.ErrAPINotFound
	case errors.Is(err, verify.ErrStoreUnavailable):
		apiErr = apierrors.ErrUpstreamUnavailable
	default:
		s.logger.Error().Err(err).Str("request_id", requestID).Str("path", c.Request.URL.Path).Msg("request failed")
		apiErr = apierrors.ErrInternalServer
	}

	c.JSON(apiErr.HTTPStatus, apierrors.ErrorResponse{
		Error:     *apiErr,
		RequestID: requestID,
	})
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
