package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/smallbiznis-tokens/internal/domain"
	"github.com/smallbiznis/smallbiznis-tokens/internal/ratelimit"
	"github.com/smallbiznis/smallbiznis-tokens/internal/repository"
	"github.com/smallbiznis/smallbiznis-tokens/internal/signing"
	"github.com/smallbiznis/smallbiznis-tokens/internal/tokencache"
)

// Policy controls issuance constraints.
type Policy struct {
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	RequireTenant bool
	IssueQuota    ratelimit.Quota
}

// ReuseHandler is invoked when a revoked token is presented again. Whether
// detection cascades to the rest of the token family is the caller's policy
// decision; the default handler only records the security event.
type ReuseHandler func(ctx context.Context, record domain.ServiceAccountToken)

// IssueInput carries one issuance request.
type IssueInput struct {
	Account     string
	Scopes      []string
	TenantID    string
	TTL         time.Duration
	Fingerprint string
	Force       bool
}

// TokenService issues, redeems, revokes and lists refresh tokens. Issuance
// uniqueness rests on the durable store's partial unique index; the Redis
// cache is a disposable projection in front of it.
type TokenService struct {
	repo    repository.TokenRepository
	cache   tokencache.Cache
	limiter *ratelimit.Limiter
	signer  *signing.Signer
	issuer  string
	policy  Policy
	onReuse ReuseHandler
	logger  *zap.Logger
}

func NewTokenService(
	repo repository.TokenRepository,
	cache tokencache.Cache,
	limiter *ratelimit.Limiter,
	signer *signing.Signer,
	issuer string,
	policy Policy,
	logger *zap.Logger,
) *TokenService {
	if logger == nil {
		logger = zap.L()
	}
	if policy.DefaultTTL <= 0 {
		policy.DefaultTTL = 30 * 24 * time.Hour
	}
	if policy.MaxTTL <= 0 {
		policy.MaxTTL = 90 * 24 * time.Hour
	}
	return &TokenService{
		repo:    repo,
		cache:   cache,
		limiter: limiter,
		signer:  signer,
		issuer:  issuer,
		policy:  policy,
		logger:  logger,
	}
}

// SetReuseHandler installs the reuse policy hook.
func (s *TokenService) SetReuseHandler(h ReuseHandler) {
	s.onReuse = h
}

// ScopeKey canonicalizes a scope set into an order-independent hash so scope
// ordering never creates duplicate active tokens.
func ScopeKey(scopes []string) (string, []string) {
	seen := make(map[string]struct{}, len(scopes))
	cleaned := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		if _, ok := seen[scope]; ok {
			continue
		}
		seen[scope] = struct{}{}
		cleaned = append(cleaned, scope)
	}
	sort.Strings(cleaned)
	sum := sha256.Sum256([]byte(strings.Join(cleaned, " ")))
	return hex.EncodeToString(sum[:]), cleaned
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

type refreshClaims struct {
	jwt.Claims
	TokenUse string `json:"token_use"`
	Scope    string `json:"scope"`
	TenantID string `json:"tenant_id,omitempty"`
}

// Issue mints a refresh token, or returns the already-active record for the
// same (account, tenant, scope set) when Force is unset. The rate limit gate
// runs before any mutation. Durable-store outages fail the call closed:
// issuing without the uniqueness check could mint duplicate active tokens.
func (s *TokenService) Issue(ctx context.Context, input IssueInput) (domain.IssuedToken, error) {
	ctx, span := s.startSpan(ctx, "TokenService.Issue")
	defer span.End()

	account := strings.TrimSpace(input.Account)
	if account == "" {
		return domain.IssuedToken{}, fmt.Errorf("%w: account is required", domain.ErrServiceAccountValidation)
	}
	scopeKey, scopes := ScopeKey(input.Scopes)
	if len(scopes) == 0 {
		return domain.IssuedToken{}, fmt.Errorf("%w: at least one scope is required", domain.ErrServiceAccountValidation)
	}

	if err := s.limiter.Enforce(ctx, s.policy.IssueQuota, account); err != nil {
		span.RecordError(err)
		return domain.IssuedToken{}, err
	}

	if s.policy.RequireTenant && input.TenantID == "" {
		return domain.IssuedToken{}, fmt.Errorf("%w: tenant_id is required", domain.ErrServiceAccountValidation)
	}
	ttl := input.TTL
	if ttl <= 0 {
		ttl = s.policy.DefaultTTL
	}
	if ttl > s.policy.MaxTTL {
		return domain.IssuedToken{}, fmt.Errorf("%w: requested lifetime %s exceeds maximum %s",
			domain.ErrServiceAccountValidation, ttl, s.policy.MaxTTL)
	}

	now := time.Now().UTC()
	if !input.Force {
		if cached, err := s.cache.Get(ctx, account, input.TenantID, scopeKey); err != nil {
			s.logger.Warn("token cache read failed", zap.Error(err))
		} else if cached != nil && now.Before(cached.ExpiresAt) {
			cached.Existing = true
			return *cached, nil
		}

		existing, err := s.repo.FindActive(ctx, account, input.TenantID, scopeKey)
		switch {
		case err == nil && existing.Active(now):
			return issuedFromRecord(existing), nil
		case err == nil:
			// Expired but never revoked: the row still holds the uniqueness
			// slot. Retire it so a fresh token can take its place.
			if err := s.repo.Revoke(ctx, existing.RefreshJTI, "expired"); err != nil {
				span.RecordError(err)
				return domain.IssuedToken{}, err
			}
		case !errors.Is(err, domain.ErrServiceAccountNotFound):
			span.RecordError(err)
			return domain.IssuedToken{}, err
		}
	}

	issued, err := s.mint(ctx, account, input.TenantID, scopeKey, scopes, input.Fingerprint, ttl, now)
	if err == nil {
		return issued, nil
	}
	if !errors.Is(err, domain.ErrDuplicateActiveToken) {
		span.RecordError(err)
		return domain.IssuedToken{}, err
	}

	// The store rejected our insert: another caller won the race, or Force was
	// set against a live record.
	existing, findErr := s.repo.FindActive(ctx, account, input.TenantID, scopeKey)
	if findErr != nil {
		if errors.Is(findErr, domain.ErrServiceAccountNotFound) {
			// The conflicting row was revoked between insert and lookup.
			return s.mint(ctx, account, input.TenantID, scopeKey, scopes, input.Fingerprint, ttl, now)
		}
		span.RecordError(findErr)
		return domain.IssuedToken{}, findErr
	}
	if existing.Active(now) {
		if input.Force {
			return domain.IssuedToken{}, fmt.Errorf("%w: revoke jti %s first", domain.ErrDuplicateActiveToken, existing.RefreshJTI)
		}
		return issuedFromRecord(existing), nil
	}
	if err := s.repo.Revoke(ctx, existing.RefreshJTI, "expired"); err != nil {
		span.RecordError(err)
		return domain.IssuedToken{}, err
	}
	return s.mint(ctx, account, input.TenantID, scopeKey, scopes, input.Fingerprint, ttl, now)
}

func (s *TokenService) mint(ctx context.Context, account, tenantID, scopeKey string, scopes []string, fingerprint string, ttl time.Duration, now time.Time) (domain.IssuedToken, error) {
	jti := uuid.NewString()
	expiresAt := now.Add(ttl)
	claims := refreshClaims{
		Claims: jwt.Claims{
			Issuer:    s.issuer,
			Subject:   account,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(expiresAt),
		},
		TokenUse: domain.TokenUseRefresh,
		Scope:    strings.Join(scopes, " "),
		TenantID: tenantID,
	}

	signed, err := s.signer.Sign(claims)
	if err != nil {
		return domain.IssuedToken{}, fmt.Errorf("sign refresh token: %w", err)
	}

	record, err := s.repo.Create(ctx, domain.ServiceAccountToken{
		Account:          account,
		TenantID:         tenantID,
		ScopeKey:         scopeKey,
		Scopes:           scopes,
		RefreshTokenHash: hashToken(signed.Token),
		RefreshJTI:       jti,
		SigningKID:       signed.KID,
		Fingerprint:      fingerprint,
		IssuedAt:         now,
		ExpiresAt:        expiresAt,
	})
	if err != nil {
		return domain.IssuedToken{}, err
	}

	issued := issuedFromRecord(record)
	issued.RefreshToken = signed.Token
	issued.Existing = false

	if err := s.cache.Set(ctx, scopeKey, issued, time.Until(expiresAt)); err != nil {
		s.logger.Warn("token cache write failed", zap.Error(err))
	}

	s.logger.Info("refresh token issued",
		zap.String("account", account),
		zap.String("tenant_id", tenantID),
		zap.String("jti", jti),
		zap.String("kid", signed.KID),
	)
	return issued, nil
}

// Redeem verifies a presented refresh token and looks up its durable record.
// A record with revoked_at set means the token is being replayed after
// invalidation: that is a security signal, reported distinctly from routine
// expiry so callers can revoke the whole session family.
func (s *TokenService) Redeem(ctx context.Context, raw string) (map[string]any, error) {
	ctx, span := s.startSpan(ctx, "TokenService.Redeem")
	defer span.End()

	claims, err := s.signer.Verify(raw)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if use, _ := claims["token_use"].(string); use != domain.TokenUseRefresh {
		return nil, fmt.Errorf("%w: token_use %q", domain.ErrMalformedToken, use)
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return nil, fmt.Errorf("%w: missing jti", domain.ErrMalformedToken)
	}

	record, err := s.repo.GetByJTI(ctx, jti)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if record.RevokedAt != nil {
		s.logger.Warn("revoked refresh token replayed",
			zap.String("account", record.Account),
			zap.String("tenant_id", record.TenantID),
			zap.String("jti", jti),
			zap.Time("revoked_at", *record.RevokedAt),
		)
		if s.onReuse != nil {
			s.onReuse(ctx, record)
		}
		return nil, domain.ErrTokenReuseDetected
	}
	if hashToken(raw) != record.RefreshTokenHash {
		return nil, fmt.Errorf("%w: token does not match stored hash", domain.ErrInvalidSignature)
	}
	if !time.Now().Before(record.ExpiresAt) {
		return nil, domain.ErrExpiredToken
	}
	return claims, nil
}

// Revoke marks the record revoked and drops its cache projection. Idempotent
// on an already-revoked token.
func (s *TokenService) Revoke(ctx context.Context, jti, reason string) error {
	ctx, span := s.startSpan(ctx, "TokenService.Revoke")
	defer span.End()

	record, err := s.repo.GetByJTI(ctx, jti)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.repo.Revoke(ctx, jti, reason); err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.cache.Delete(ctx, record.Account, record.TenantID, record.ScopeKey); err != nil {
		s.logger.Warn("token cache delete failed", zap.Error(err))
	}
	s.logger.Info("refresh token revoked", zap.String("jti", jti), zap.String("reason", reason))
	return nil
}

// List returns records matching the filter plus the unpaginated total.
func (s *TokenService) List(ctx context.Context, filter domain.ListFilter) ([]domain.ServiceAccountToken, int, error) {
	ctx, span := s.startSpan(ctx, "TokenService.List")
	defer span.End()

	if filter.Status == "" {
		filter.Status = domain.TokenStatusAll
	}
	return s.repo.List(ctx, filter)
}

func issuedFromRecord(record domain.ServiceAccountToken) domain.IssuedToken {
	return domain.IssuedToken{
		RefreshJTI: record.RefreshJTI,
		Account:    record.Account,
		TenantID:   record.TenantID,
		Scopes:     record.Scopes,
		SigningKID: record.SigningKID,
		TokenUse:   domain.TokenUseRefresh,
		IssuedAt:   record.IssuedAt,
		ExpiresAt:  record.ExpiresAt,
		Existing:   true,
	}
}

func (s *TokenService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer("smallbiznis-tokens/service").Start(ctx, name)
}
