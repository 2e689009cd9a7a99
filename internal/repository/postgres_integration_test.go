//go:build integration

package repository_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/smallbiznis-tokens/database"
	"github.com/smallbiznis/smallbiznis-tokens/internal/domain"
	"github.com/smallbiznis/smallbiznis-tokens/internal/repository"
)

func setupDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Fatal("DATABASE_URL must be set for integration tests")
	}

	ctx := context.Background()
	require.NoError(t, database.Migrate(ctx, dbURL))

	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func newToken(account, tenantID string) domain.ServiceAccountToken {
	now := time.Now().UTC()
	return domain.ServiceAccountToken{
		Account:          account,
		TenantID:         tenantID,
		ScopeKey:         uuid.NewString(),
		Scopes:           []string{"read:reports"},
		RefreshTokenHash: uuid.NewString(),
		RefreshJTI:       uuid.NewString(),
		SigningKID:       "sk-test",
		IssuedAt:         now,
		ExpiresAt:        now.Add(time.Hour),
	}
}

func TestCreateAndGetByJTI(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewPostgresTokenRepo(setupDB(t))

	token := newToken(fmt.Sprintf("svc-%s", uuid.NewString()[:8]), "tenant-a")
	created, err := repo.Create(ctx, token)
	require.NoError(t, err)
	require.NotZero(t, created.ID)

	got, err := repo.GetByJTI(ctx, token.RefreshJTI)
	require.NoError(t, err)
	require.Equal(t, token.Account, got.Account)
	require.Equal(t, token.Scopes, got.Scopes)
	require.Nil(t, got.RevokedAt)
}

func TestDuplicateActiveTokenRejected(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewPostgresTokenRepo(setupDB(t))

	first := newToken(fmt.Sprintf("svc-%s", uuid.NewString()[:8]), "tenant-a")
	_, err := repo.Create(ctx, first)
	require.NoError(t, err)

	second := first
	second.RefreshJTI = uuid.NewString()
	second.RefreshTokenHash = uuid.NewString()
	_, err = repo.Create(ctx, second)
	require.ErrorIs(t, err, domain.ErrDuplicateActiveToken)

	// revoking the first frees the slot
	require.NoError(t, repo.Revoke(ctx, first.RefreshJTI, "rotation"))
	_, err = repo.Create(ctx, second)
	require.NoError(t, err)
}

func TestGlobalAndTenantTokensCoexist(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewPostgresTokenRepo(setupDB(t))

	account := fmt.Sprintf("svc-%s", uuid.NewString()[:8])
	global := newToken(account, "")
	scoped := global
	scoped.TenantID = "tenant-a"
	scoped.RefreshJTI = uuid.NewString()
	scoped.RefreshTokenHash = uuid.NewString()

	_, err := repo.Create(ctx, global)
	require.NoError(t, err)
	_, err = repo.Create(ctx, scoped)
	require.NoError(t, err)

	got, err := repo.FindActive(ctx, account, "", global.ScopeKey)
	require.NoError(t, err)
	require.Empty(t, got.TenantID)
}

func TestRevokeIdempotentAndUnknown(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewPostgresTokenRepo(setupDB(t))

	token := newToken(fmt.Sprintf("svc-%s", uuid.NewString()[:8]), "tenant-a")
	_, err := repo.Create(ctx, token)
	require.NoError(t, err)

	require.NoError(t, repo.Revoke(ctx, token.RefreshJTI, "compromised"))
	require.NoError(t, repo.Revoke(ctx, token.RefreshJTI, "compromised"))

	got, err := repo.GetByJTI(ctx, token.RefreshJTI)
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)
	require.Equal(t, "compromised", got.RevokedReason)

	require.ErrorIs(t, repo.Revoke(ctx, uuid.NewString(), "x"), domain.ErrServiceAccountNotFound)
}

func TestListByAccountAndStatus(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewPostgresTokenRepo(setupDB(t))

	account := fmt.Sprintf("svc-%s", uuid.NewString()[:8])
	active := newToken(account, "tenant-a")
	_, err := repo.Create(ctx, active)
	require.NoError(t, err)

	revoked := newToken(account, "tenant-b")
	_, err = repo.Create(ctx, revoked)
	require.NoError(t, err)
	require.NoError(t, repo.Revoke(ctx, revoked.RefreshJTI, "rotation"))

	tokens, total, err := repo.List(ctx, domain.ListFilter{AccountQuery: account, Status: domain.TokenStatusAll})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, tokens, 2)

	tokens, _, err = repo.List(ctx, domain.ListFilter{AccountQuery: account, Status: domain.TokenStatusActive})
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	require.Equal(t, active.RefreshJTI, tokens[0].RefreshJTI)
}
