package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/smallbiznis-tokens/internal/domain"
)

// TokenRepository owns the durable service_account_tokens rows. Uniqueness of
// active tokens is guaranteed only by the store's partial unique index, never
// by an in-process lock: concurrent issuance races are resolved by the store
// rejecting the second insert.
type TokenRepository interface {
	Create(ctx context.Context, token domain.ServiceAccountToken) (domain.ServiceAccountToken, error)
	GetByJTI(ctx context.Context, jti string) (domain.ServiceAccountToken, error)
	FindActive(ctx context.Context, account, tenantID, scopeKey string) (domain.ServiceAccountToken, error)
	Revoke(ctx context.Context, jti, reason string) error
	List(ctx context.Context, filter domain.ListFilter) ([]domain.ServiceAccountToken, int, error)
}

// Compile-time interface assertions.
var _ TokenRepository = (*PostgresTokenRepo)(nil)

// PostgresTokenRepo implements TokenRepository on pgx.
type PostgresTokenRepo struct {
	db *pgxpool.Pool
}

func NewPostgresTokenRepo(db *pgxpool.Pool) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db}
}

const tokenColumns = `id, account, tenant_id, scope_key, scopes, refresh_token_hash, refresh_jti,
signing_kid, fingerprint, issued_at, expires_at, revoked_at, revoked_reason`

const insertTokenSQL = `INSERT INTO service_account_tokens
(account, tenant_id, scope_key, scopes, refresh_token_hash, refresh_jti, signing_kid, fingerprint, issued_at, expires_at)
VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
RETURNING ` + tokenColumns

func (r *PostgresTokenRepo) Create(ctx context.Context, token domain.ServiceAccountToken) (domain.ServiceAccountToken, error) {
	row := r.db.QueryRow(ctx, insertTokenSQL,
		token.Account,
		token.TenantID,
		token.ScopeKey,
		token.Scopes,
		token.RefreshTokenHash,
		token.RefreshJTI,
		token.SigningKID,
		token.Fingerprint,
		token.IssuedAt,
		token.ExpiresAt,
	)
	created, err := scanToken(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ServiceAccountToken{}, fmt.Errorf("%w: %s", domain.ErrDuplicateActiveToken, pgErr.ConstraintName)
		}
		return domain.ServiceAccountToken{}, fmt.Errorf("insert token: %w", err)
	}
	return created, nil
}

func (r *PostgresTokenRepo) GetByJTI(ctx context.Context, jti string) (domain.ServiceAccountToken, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM service_account_tokens WHERE refresh_jti = $1`, jti)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ServiceAccountToken{}, domain.ErrServiceAccountNotFound
		}
		return domain.ServiceAccountToken{}, fmt.Errorf("get token by jti: %w", err)
	}
	return token, nil
}

func (r *PostgresTokenRepo) FindActive(ctx context.Context, account, tenantID, scopeKey string) (domain.ServiceAccountToken, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM service_account_tokens
WHERE account = $1 AND COALESCE(tenant_id, '') = $2 AND scope_key = $3 AND revoked_at IS NULL`,
		account, tenantID, scopeKey)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ServiceAccountToken{}, domain.ErrServiceAccountNotFound
		}
		return domain.ServiceAccountToken{}, fmt.Errorf("find active token: %w", err)
	}
	return token, nil
}

// Revoke is idempotent: revoking a token that is already revoked succeeds
// without touching the original revocation.
func (r *PostgresTokenRepo) Revoke(ctx context.Context, jti, reason string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE service_account_tokens SET revoked_at = NOW(), revoked_reason = NULLIF($2, '')
WHERE refresh_jti = $1 AND revoked_at IS NULL`, jti, reason)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByJTI(ctx, jti); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresTokenRepo) List(ctx context.Context, filter domain.ListFilter) ([]domain.ServiceAccountToken, int, error) {
	where, args := buildListWhere(filter)

	var total int
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM service_account_tokens`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tokens: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query := `SELECT ` + tokenColumns + ` FROM service_account_tokens` + where +
		fmt.Sprintf(` ORDER BY issued_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []domain.ServiceAccountToken
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan token row: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list tokens: %w", err)
	}
	return tokens, total, nil
}

func buildListWhere(filter domain.ListFilter) (string, []any) {
	var clauses []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.TenantIDs) > 0 {
		clause := "tenant_id = ANY(" + arg(filter.TenantIDs) + ")"
		if filter.IncludeGlobal {
			clause = "(" + clause + " OR tenant_id IS NULL)"
		}
		clauses = append(clauses, clause)
	}
	if q := strings.TrimSpace(filter.AccountQuery); q != "" {
		clauses = append(clauses, "account ILIKE "+arg("%"+q+"%"))
	}
	if fp := strings.TrimSpace(filter.Fingerprint); fp != "" {
		clauses = append(clauses, "fingerprint = "+arg(fp))
	}
	switch filter.Status {
	case domain.TokenStatusActive:
		clauses = append(clauses, "revoked_at IS NULL AND expires_at > NOW()")
	case domain.TokenStatusRevoked:
		clauses = append(clauses, "revoked_at IS NOT NULL")
	case domain.TokenStatusExpired:
		clauses = append(clauses, "revoked_at IS NULL AND expires_at <= NOW()")
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (domain.ServiceAccountToken, error) {
	var (
		token       domain.ServiceAccountToken
		tenantID    *string
		fingerprint *string
		reason      *string
		revokedAt   *time.Time
	)
	err := row.Scan(
		&token.ID,
		&token.Account,
		&tenantID,
		&token.ScopeKey,
		&token.Scopes,
		&token.RefreshTokenHash,
		&token.RefreshJTI,
		&token.SigningKID,
		&fingerprint,
		&token.IssuedAt,
		&token.ExpiresAt,
		&revokedAt,
		&reason,
	)
	if err != nil {
		return domain.ServiceAccountToken{}, err
	}
	if tenantID != nil {
		token.TenantID = *tenantID
	}
	if fingerprint != nil {
		token.Fingerprint = *fingerprint
	}
	if reason != nil {
		token.RevokedReason = *reason
	}
	token.RevokedAt = revokedAt
	return token, nil
}
