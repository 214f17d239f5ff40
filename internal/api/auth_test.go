package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func authRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/v1/streams", BearerAuth(secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func signedToken(t *testing.T, secret string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func doAuthRequest(r *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/streams", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBearerAuthAcceptsValidToken(t *testing.T) {
	r := authRouter("ops-secret")
	w := doAuthRequest(r, signedToken(t, "ops-secret", time.Now().Add(time.Hour)))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for a valid token, got %d: %s", w.Code, w.Body.String())
	}
}

func TestBearerAuthReportsExpiredToken(t *testing.T) {
	r := authRouter("ops-secret")
	w := doAuthRequest(r, signedToken(t, "ops-secret", time.Now().Add(-time.Hour)))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 for an expired token, got %d", w.Code)
	}
	// Parse wraps the expiry sentinel; the handler must still surface it.
	if !strings.Contains(w.Body.String(), "token expired") {
		t.Errorf("Expected expired-token message, got %s", w.Body.String())
	}
}

func TestBearerAuthRejectsWrongSecret(t *testing.T) {
	r := authRouter("ops-secret")
	w := doAuthRequest(r, signedToken(t, "other-secret", time.Now().Add(time.Hour)))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 for a bad signature, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "token expired") {
		t.Errorf("Bad signature must not report expiry: %s", w.Body.String())
	}
}

func TestBearerAuthRequiresHeader(t *testing.T) {
	r := authRouter("ops-secret")
	w := doAuthRequest(r, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without a bearer token, got %d", w.Code)
	}
}
