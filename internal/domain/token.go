package domain

import "time"

// TokenUseRefresh is the token_use claim value stamped on every refresh token.
const TokenUseRefresh = "refresh"

// TokenStatus filters token listings.
type TokenStatus string

const (
	TokenStatusAll     TokenStatus = "all"
	TokenStatusActive  TokenStatus = "active"
	TokenStatusRevoked TokenStatus = "revoked"
	TokenStatusExpired TokenStatus = "expired"
)

// ServiceAccountToken persists an issued refresh token. The raw token is never
// stored; only its SHA-256 hash. Rows are never deleted, revocation is the only
// mutation applied after insert.
type ServiceAccountToken struct {
	ID               int64
	Account          string
	TenantID         string
	ScopeKey         string
	Scopes           []string
	RefreshTokenHash string
	RefreshJTI       string
	SigningKID       string
	Fingerprint      string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	RevokedReason    string
}

// Active reports whether the record is neither revoked nor expired at now.
func (t ServiceAccountToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// IssuedToken is the issuance result handed back to callers. RefreshToken is
// populated on mint and on cache replay; when only the durable record survives
// it is empty and Existing is true.
type IssuedToken struct {
	RefreshToken string    `json:"refresh_token,omitempty"`
	RefreshJTI   string    `json:"refresh_jti"`
	Account      string    `json:"account"`
	TenantID     string    `json:"tenant_id,omitempty"`
	Scopes       []string  `json:"scopes"`
	SigningKID   string    `json:"kid"`
	TokenUse     string    `json:"token_use"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Existing     bool      `json:"existing,omitempty"`
}

// ListFilter scopes token listings for operator tooling.
type ListFilter struct {
	TenantIDs     []string
	IncludeGlobal bool
	AccountQuery  string
	Fingerprint   string
	Status        TokenStatus
	Limit         int
	Offset        int
}
