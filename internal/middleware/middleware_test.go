package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alexedwards/argon2id"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuthRouter(rootKeyHash, env string) *gin.Engine {
	router := gin.New()
	router.Use(RequestID())
	router.Use(RootKeyAuth(rootKeyHash, env))
	router.GET("/protected", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return router
}

func doRequest(router *gin.Engine, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/protected", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRootKeyAuth_ValidKey(t *testing.T) {
	hash, err := argon2id.CreateHash("root-secret", argon2id.DefaultParams)
	if err != nil {
		t.Fatalf("Failed to hash root key: %v", err)
	}

	router := newAuthRouter(hash, "production")

	w := doRequest(router, "Bearer root-secret")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestRootKeyAuth_WrongKey(t *testing.T) {
	hash, err := argon2id.CreateHash("root-secret", argon2id.DefaultParams)
	if err != nil {
		t.Fatalf("Failed to hash root key: %v", err)
	}

	router := newAuthRouter(hash, "production")

	w := doRequest(router, "Bearer wrong-secret")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestRootKeyAuth_MissingHeader(t *testing.T) {
	hash, err := argon2id.CreateHash("root-secret", argon2id.DefaultParams)
	if err != nil {
		t.Fatalf("Failed to hash root key: %v", err)
	}

	router := newAuthRouter(hash, "production")

	if w := doRequest(router, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing header status = %d, want 401", w.Code)
	}
	if w := doRequest(router, "root-secret"); w.Code != http.StatusUnauthorized {
		t.Fatalf("non-bearer header status = %d, want 401", w.Code)
	}
}

func TestRootKeyAuth_UnsetHashOutsideProduction(t *testing.T) {
	router := newAuthRouter("", "development")

	w := doRequest(router, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 in development without a hash", w.Code)
	}
}

func TestRootKeyAuth_UnsetHashInProduction(t *testing.T) {
	// Config validation rejects this at startup; the middleware still
	// must not fall open if it ever runs.
	router := newAuthRouter("", "production")

	w := doRequest(router, "Bearer anything")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestRequestID_Generated(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/", func(c *gin.Context) {
		if GetRequestID(c) == "" {
			t.Error("request id missing from context")
		}
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("X-Request-ID header not set")
	}
}

func TestRequestID_Propagated(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "upstream-id" {
		t.Fatalf("X-Request-ID = %q, want upstream-id", got)
	}
}
