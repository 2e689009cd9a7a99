package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/smallbiznis-tokens/internal/domain"
	"github.com/smallbiznis/smallbiznis-tokens/internal/keys"
	"github.com/smallbiznis/smallbiznis-tokens/internal/ratelimit"
	"github.com/smallbiznis/smallbiznis-tokens/internal/service"
)

// TokenHandler exposes the token core over HTTP.
type TokenHandler struct {
	Tokens *service.TokenService
	Keys   *keys.Set
}

// NewTokenHandler creates the handler set.
func NewTokenHandler(tokens *service.TokenService, keySet *keys.Set) *TokenHandler {
	return &TokenHandler{Tokens: tokens, Keys: keySet}
}

const jwksMaxAge = 5 * time.Minute

// JWKS serves the public key document. The ETag derives from the keyset
// generation so clients can cache until the next rotation.
func (h *TokenHandler) JWKS(c *gin.Context) {
	etag := fmt.Sprintf(`"ks-%d"`, h.Keys.Generation())
	c.Header("ETag", etag)
	c.Header("Cache-Control", fmt.Sprintf("public, max-age=%d", int(jwksMaxAge.Seconds())))
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.JSON(http.StatusOK, h.Keys.JWKS())
}

// IssueToken mints (or idempotently returns) a service-account refresh token.
func (h *TokenHandler) IssueToken(c *gin.Context) {
	var req struct {
		Account         string   `json:"account" binding:"required"`
		Scopes          []string `json:"scopes" binding:"required"`
		TenantID        string   `json:"tenant_id"`
		LifetimeMinutes int      `json:"lifetime_minutes"`
		Fingerprint     string   `json:"fingerprint"`
		Force           bool     `json:"force"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid issue request."})
		return
	}

	issued, err := h.Tokens.Issue(c.Request.Context(), service.IssueInput{
		Account:     req.Account,
		Scopes:      req.Scopes,
		TenantID:    req.TenantID,
		TTL:         time.Duration(req.LifetimeMinutes) * time.Minute,
		Fingerprint: req.Fingerprint,
		Force:       req.Force,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, issued)
}

// RevokeToken marks a token revoked by jti.
func (h *TokenHandler) RevokeToken(c *gin.Context) {
	var req struct {
		JTI    string `json:"jti" binding:"required"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "jti is required."})
		return
	}
	if err := h.Tokens.Revoke(c.Request.Context(), req.JTI, req.Reason); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

// ListTokens supports operator tooling with pagination and tenant scoping.
func (h *TokenHandler) ListTokens(c *gin.Context) {
	filter := domain.ListFilter{
		IncludeGlobal: c.Query("include_global") == "true",
		AccountQuery:  strings.TrimSpace(c.Query("account")),
		Fingerprint:   strings.TrimSpace(c.Query("fingerprint")),
		Status:        domain.TokenStatus(c.DefaultQuery("status", string(domain.TokenStatusAll))),
		Limit:         intQuery(c, "limit", 50),
		Offset:        intQuery(c, "offset", 0),
	}
	if raw := strings.TrimSpace(c.Query("tenant_ids")); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				filter.TenantIDs = append(filter.TenantIDs, id)
			}
		}
	}

	tokens, total, err := h.Tokens.List(c.Request.Context(), filter)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	items := make([]gin.H, 0, len(tokens))
	for _, t := range tokens {
		item := gin.H{
			"refresh_jti": t.RefreshJTI,
			"account":     t.Account,
			"tenant_id":   t.TenantID,
			"scopes":      t.Scopes,
			"kid":         t.SigningKID,
			"fingerprint": t.Fingerprint,
			"issued_at":   t.IssuedAt,
			"expires_at":  t.ExpiresAt,
		}
		if t.RevokedAt != nil {
			item["revoked_at"] = t.RevokedAt
			item["revoked_reason"] = t.RevokedReason
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{"tokens": items, "total": total})
}

// RotateKey stages or activates a new signing key.
func (h *TokenHandler) RotateKey(c *gin.Context) {
	// Body is optional; an empty request stages a generated kid.
	var req struct {
		KID         string `json:"kid"`
		ActivateNow bool   `json:"activate_now"`
	}
	_ = c.ShouldBindJSON(&req)
	result, err := h.Keys.Rotate(c.Request.Context(), req.KID, req.ActivateNow)
	if err != nil {
		zap.L().Error("key rotation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Key rotation failed."})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *TokenHandler) respondServiceError(c *gin.Context, err error) {
	logger := zap.L()

	var rateErr *ratelimit.RateLimitError
	if errors.As(err, &rateErr) {
		c.Header("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds()+0.5)))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":             "rate_limit_exceeded",
			"error_description": fmt.Sprintf("Quota %q exceeded.", rateErr.Quota),
			"quota":             rateErr.Quota,
			"limit":             rateErr.Limit,
			"scope":             rateErr.Scope,
			"retry_after":       int(rateErr.RetryAfter.Seconds() + 0.5),
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrServiceAccountValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
	case errors.Is(err, domain.ErrServiceAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "Token not found."})
	case errors.Is(err, domain.ErrDuplicateActiveToken):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_active_token", "error_description": err.Error()})
	case errors.Is(err, domain.ErrTokenReuseDetected):
		logger.Warn("token reuse surfaced to caller", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token_reuse_detected", "error_description": "Token was already revoked."})
	case errors.Is(err, domain.ErrExpiredToken),
		errors.Is(err, domain.ErrInvalidSignature),
		errors.Is(err, domain.ErrUnknownKid),
		errors.Is(err, domain.ErrMalformedToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Token could not be verified."})
	default:
		logger.Error("token service failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
	}
}

func intQuery(c *gin.Context, key string, def int) int {
	if raw := c.Query(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
