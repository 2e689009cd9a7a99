package signing

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/smallbiznis/smallbiznis-tokens/internal/domain"
	"github.com/smallbiznis/smallbiznis-tokens/internal/keys"
)

// SignedToken carries a serialized token and the kid that signed it.
type SignedToken struct {
	Token string `json:"token"`
	KID   string `json:"kid"`
}

// Signer is stateless over the key set: it adds no claims of its own.
// Issuer/audience/exp/jti are the caller's responsibility.
type Signer struct {
	keys *keys.Set
}

func NewSigner(set *keys.Set) *Signer {
	return &Signer{keys: set}
}

// Sign serializes the claims with the active key.
func (s *Signer) Sign(claims any) (SignedToken, error) {
	material := s.keys.SigningMaterial()
	if material == nil {
		return SignedToken{}, fmt.Errorf("%w: no active signing key", domain.ErrKeyStore)
	}
	return signWith(material, claims)
}

// SignDual signs with the active key and, during a rotation window, also with
// the staged next key so verifiers transitioning between keys accept either.
// The active-key token is always first.
func (s *Signer) SignDual(claims any) ([]SignedToken, error) {
	primary, err := s.Sign(claims)
	if err != nil {
		return nil, err
	}
	tokens := []SignedToken{primary}
	if next := s.keys.NextMaterial(); next != nil {
		secondary, err := signWith(next, claims)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, secondary)
	}
	return tokens, nil
}

func signWith(material *keys.Material, claims any) (SignedToken, error) {
	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", material.KID)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: material.Private}, opts)
	if err != nil {
		return SignedToken{}, fmt.Errorf("build signer: %w", err)
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return SignedToken{}, fmt.Errorf("sign token: %w", err)
	}
	return SignedToken{Token: token, KID: material.KID}, nil
}

// Verify resolves the kid from the token header, checks the signature and the
// standard time claims, and returns the full claims map. An unknown kid is a
// hard failure; there is no try-all-keys fallback.
func (s *Signer) Verify(raw string) (map[string]any, error) {
	parsed, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedToken, err)
	}
	if len(parsed.Headers) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one signature", domain.ErrMalformedToken)
	}
	kid := parsed.Headers[0].KeyID
	if kid == "" {
		return nil, fmt.Errorf("%w: missing kid header", domain.ErrMalformedToken)
	}
	public, ok := s.keys.VerificationKey(kid)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKid, kid)
	}

	var std jwt.Claims
	claims := map[string]any{}
	if err := parsed.Claims(public, &std, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	if err := std.Validate(jwt.Expected{Time: time.Now()}); err != nil {
		switch {
		case errors.Is(err, jwt.ErrExpired):
			return nil, domain.ErrExpiredToken
		case errors.Is(err, jwt.ErrNotValidYet):
			return nil, fmt.Errorf("%w: not yet valid", domain.ErrExpiredToken)
		default:
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedToken, err)
		}
	}
	return claims, nil
}
