package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/smallbiznis-tokens/internal/config"
	"github.com/smallbiznis/smallbiznis-tokens/internal/ratelimit"
	"github.com/smallbiznis/smallbiznis-tokens/internal/service"
	"github.com/smallbiznis/smallbiznis-tokens/internal/tokencache"
)

func TestIssueQuotaUsesAccountScope(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter := ratelimit.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
	cfg := config.Config{
		Issuer:          "https://tokens.test",
		IssueRateLimit:  0,
		IssueRateWindow: time.Minute,
	}

	svc := newTokenService(nil, tokencache.NewMemoryCache(), limiter, nil, cfg, zap.NewNop())

	// limit 0 trips the quota before any store access
	_, err := svc.Issue(context.Background(), service.IssueInput{
		Account: "svc-reporting",
		Scopes:  []string{"read:reports"},
	})
	var rateErr *ratelimit.RateLimitError
	require.ErrorAs(t, err, &rateErr)
	require.Equal(t, "token_issue", rateErr.Quota)
	require.Equal(t, "account", rateErr.Scope)
}
