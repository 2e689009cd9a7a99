package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/smallbiznis-tokens/internal/http/middleware"
	"github.com/smallbiznis/smallbiznis-tokens/internal/nonce"
)

func newGuardedRouter(store nonce.Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/guarded", middleware.ReplayGuard(store, time.Minute, zap.NewNop()), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

func doPost(r *gin.Engine, nonceValue string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/guarded", nil)
	if nonceValue != "" {
		req.Header.Set("X-Request-Nonce", nonceValue)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestReplayGuardRejectsReplayedNonce(t *testing.T) {
	r := newGuardedRouter(nonce.NewMemoryStore())

	require.Equal(t, http.StatusOK, doPost(r, "n-1").Code)

	w := doPost(r, "n-1")
	require.Equal(t, http.StatusConflict, w.Code)
	require.Contains(t, w.Body.String(), "replay_detected")

	require.Equal(t, http.StatusOK, doPost(r, "n-2").Code)
}

func TestReplayGuardAllowsMissingNonce(t *testing.T) {
	r := newGuardedRouter(nonce.NewMemoryStore())

	require.Equal(t, http.StatusOK, doPost(r, "").Code)
	require.Equal(t, http.StatusOK, doPost(r, "").Code)
}

func TestReplayGuardFailsClosedOnStoreError(t *testing.T) {
	mr := miniredis.RunT(t)
	store := nonce.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	r := newGuardedRouter(store)
	mr.Close()

	w := doPost(r, "n-1")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}
