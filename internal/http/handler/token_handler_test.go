package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	httpHandler "github.com/smallbiznis/smallbiznis-tokens/internal/http/handler"
	"github.com/smallbiznis/smallbiznis-tokens/internal/keys"
)

func newKeySet(t *testing.T) *keys.Set {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keyset.json")
	set := keys.NewSet(keys.NewFileStore(path), zap.NewNop())
	require.NoError(t, set.Bootstrap(context.Background()))
	return set
}

func serveJWKS(h *httpHandler.TokenHandler, ifNoneMatch string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	if ifNoneMatch != "" {
		req.Header.Set("If-None-Match", ifNoneMatch)
	}
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	h.JWKS(c)
	// Flush gin's buffered status; outside a full engine nothing else
	// writes the header for body-less responses like 304.
	c.Writer.WriteHeaderNow()
	return w
}

func TestJWKSResponse(t *testing.T) {
	set := newKeySet(t)
	h := httpHandler.NewTokenHandler(nil, set)

	w := serveJWKS(h, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "keys")
	require.Contains(t, w.Body.String(), set.SigningMaterial().KID)
	require.NotEmpty(t, w.Header().Get("ETag"))
	require.Contains(t, w.Header().Get("Cache-Control"), "max-age")
}

func TestJWKSNotModified(t *testing.T) {
	set := newKeySet(t)
	h := httpHandler.NewTokenHandler(nil, set)

	first := serveJWKS(h, "")
	etag := first.Header().Get("ETag")

	second := serveJWKS(h, etag)
	require.Equal(t, http.StatusNotModified, second.Code)
	require.Empty(t, second.Body.String())
}

func TestJWKSETagChangesAfterRotation(t *testing.T) {
	set := newKeySet(t)
	h := httpHandler.NewTokenHandler(nil, set)

	first := serveJWKS(h, "")
	etag := first.Header().Get("ETag")

	_, err := set.Rotate(context.Background(), "", false)
	require.NoError(t, err)

	second := serveJWKS(h, etag)
	require.Equal(t, http.StatusOK, second.Code)
	require.NotEqual(t, etag, second.Header().Get("ETag"))
}

func TestIssueTokenRejectsInvalidBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := httpHandler.NewTokenHandler(nil, newKeySet(t))

	req := httptest.NewRequest(http.MethodPost, "/v1/service-accounts/tokens",
		strings.NewReader(`{"scopes":["read:reports"]}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req

	h.IssueToken(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "invalid_request")
}

func TestRevokeTokenRejectsMissingJTI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := httpHandler.NewTokenHandler(nil, newKeySet(t))

	req := httptest.NewRequest(http.MethodPost, "/v1/service-accounts/tokens/revoke",
		strings.NewReader(`{"reason":"cleanup"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req

	h.RevokeToken(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRotateKeyEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	set := newKeySet(t)
	h := httpHandler.NewTokenHandler(nil, set)

	req := httptest.NewRequest(http.MethodPost, "/v1/keys/rotate",
		strings.NewReader(`{"kid":"sk-staged","activate_now":false}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req

	h.RotateKey(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "sk-staged")
	require.Contains(t, w.Body.String(), "next")
	require.NotNil(t, set.NextMaterial())
}
