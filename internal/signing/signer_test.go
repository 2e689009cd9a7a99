package signing_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/smallbiznis-tokens/internal/domain"
	"github.com/smallbiznis/smallbiznis-tokens/internal/keys"
	"github.com/smallbiznis/smallbiznis-tokens/internal/signing"
)

func newSignerFixture(t *testing.T) (*signing.Signer, *keys.Set) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keyset.json")
	set := keys.NewSet(keys.NewFileStore(path), zap.NewNop())
	require.NoError(t, set.Bootstrap(context.Background()))
	return signing.NewSigner(set), set
}

func testClaims(subject string, ttl time.Duration) jwt.Claims {
	now := time.Now()
	return jwt.Claims{
		Issuer:   "https://tokens.test",
		Subject:  subject,
		ID:       "jti-1",
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer, set := newSignerFixture(t)

	signed, err := signer.Sign(testClaims("svc-reporting", time.Hour))
	require.NoError(t, err)
	require.Equal(t, set.SigningMaterial().KID, signed.KID)

	claims, err := signer.Verify(signed.Token)
	require.NoError(t, err)
	require.Equal(t, "svc-reporting", claims["sub"])
	require.Equal(t, "jti-1", claims["jti"])
}

func TestVerifySurvivesRotation(t *testing.T) {
	signer, set := newSignerFixture(t)

	signed, err := signer.Sign(testClaims("svc-reporting", time.Hour))
	require.NoError(t, err)

	_, err = set.Rotate(context.Background(), "", true)
	require.NoError(t, err)

	// tokens minted under the demoted key keep verifying
	_, err = signer.Verify(signed.Token)
	require.NoError(t, err)

	fresh, err := signer.Sign(testClaims("svc-reporting", time.Hour))
	require.NoError(t, err)
	require.NotEqual(t, signed.KID, fresh.KID)
	_, err = signer.Verify(fresh.Token)
	require.NoError(t, err)
}

func TestVerifyUnknownKid(t *testing.T) {
	signer, _ := newSignerFixture(t)
	foreign, _ := newSignerFixture(t)

	signed, err := foreign.Sign(testClaims("svc-reporting", time.Hour))
	require.NoError(t, err)

	_, err = signer.Verify(signed.Token)
	require.ErrorIs(t, err, domain.ErrUnknownKid)
}

func TestVerifyMalformedToken(t *testing.T) {
	signer, _ := newSignerFixture(t)

	_, err := signer.Verify("not.a.jwt")
	require.ErrorIs(t, err, domain.ErrMalformedToken)

	_, err = signer.Verify("")
	require.ErrorIs(t, err, domain.ErrMalformedToken)
}

func TestVerifyExpiredToken(t *testing.T) {
	signer, _ := newSignerFixture(t)

	signed, err := signer.Sign(testClaims("svc-reporting", -2*time.Hour))
	require.NoError(t, err)

	_, err = signer.Verify(signed.Token)
	require.ErrorIs(t, err, domain.ErrExpiredToken)
}

func TestSignDualDuringRotationWindow(t *testing.T) {
	signer, set := newSignerFixture(t)

	tokens, err := signer.SignDual(testClaims("svc-reporting", time.Hour))
	require.NoError(t, err)
	require.Len(t, tokens, 1)

	_, err = set.Rotate(context.Background(), "sk-incoming", false)
	require.NoError(t, err)

	tokens, err = signer.SignDual(testClaims("svc-reporting", time.Hour))
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	require.Equal(t, set.SigningMaterial().KID, tokens[0].KID)
	require.Equal(t, "sk-incoming", tokens[1].KID)

	for _, signed := range tokens {
		_, err := signer.Verify(signed.Token)
		require.NoError(t, err)
	}
}
