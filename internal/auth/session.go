// session.go issues and verifies the bearer tokens spec.md §6's
// management surface uses, and hashes ApiKey secrets.
//
// Grounded on internal/api/middleware.go's jwt.Parse pattern
// (strip-"Bearer "-prefix, HMAC signing-method check, claims extraction)
// generalized to also accept a raw X-API-Key header per §6, plus
// internal/auth/models.go's hand-validated struct idiom for the claims
// type. bcrypt for secret hashing follows golang.org/x/crypto's only
// password-hashing primitive — the teacher never hashes a secret itself,
// so this is the ecosystem default for this concern, not a teacher file.
// The optional RevocationCache (blacklist.go) is this package's use of
// go-redis/v9, grounded on internal/cache/redis_cache.go.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/chimera-pool/chimera-pool-core/internal/errs"
)

// Claims is the JWT payload a Session is encoded as.
type Claims struct {
	ApiKeyID string `json:"api_key_id"`
	jwt.RegisteredClaims
}

// SessionManager issues, parses, and rate-limits bearer sessions bound
// to ApiKeys.
type SessionManager struct {
	secret      []byte
	sessionTTL  time.Duration
	repo        ApiKeyRepository
	rateLimiter *RateLimiter
	revocations *RevocationCache // optional; nil disables the distributed fast path
}

// NewSessionManager builds a manager signing tokens with secret.
func NewSessionManager(secret []byte, sessionTTL time.Duration, repo ApiKeyRepository, limiterCfg RateLimiterConfig) *SessionManager {
	return &SessionManager{
		secret:      secret,
		sessionTTL:  sessionTTL,
		repo:        repo,
		rateLimiter: NewRateLimiter(limiterCfg),
	}
}

// WithRevocationCache attaches a shared Redis-backed revocation cache so
// a key revoked on one replica is rejected by every replica without
// waiting on repo propagation.
func (m *SessionManager) WithRevocationCache(cache *RevocationCache) *SessionManager {
	m.revocations = cache
	return m
}

// RevokeApiKey marks key revoked in the shared cache, in addition to
// whatever the caller does to persist the revocation in the repository.
func (m *SessionManager) RevokeApiKey(ctx context.Context, keyID string) error {
	if m.revocations == nil {
		return nil
	}
	return m.revocations.Revoke(ctx, keyID)
}

// HashSecret bcrypt-hashes an ApiKey's plaintext secret for storage.
func HashSecret(secret string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "hash api key secret", err)
	}
	return hash, nil
}

// VerifySecret reports whether plaintext matches hash.
func VerifySecret(hash []byte, plaintext string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(plaintext)) == nil
}

// IssueSession mints a signed bearer token for key, respecting the
// per-key rate limit.
func (m *SessionManager) IssueSession(key *ApiKey) (string, error) {
	if !m.rateLimiter.Allow(key.ID) {
		return "", errs.Authorization("rate limit exceeded for api key " + key.ID)
	}
	if key.Revoked {
		m.rateLimiter.RecordFailure(key.ID)
		return "", errs.Authentication("api key is revoked")
	}

	now := time.Now()
	claims := Claims{
		ApiKeyID: key.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.sessionTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "sign session token", err)
	}
	m.rateLimiter.Reset(key.ID)
	return signed, nil
}

// Authenticate resolves an Authorization/X-API-Key header pair into the
// ApiKey it authorizes, per spec.md §6: a "Bearer <jwt>" token is
// verified against the signing secret and the key it names; a raw
// "X-API-Key: <id>.<secret>" value is checked against the stored hash
// directly, skipping session issuance.
func (m *SessionManager) Authenticate(authHeader, apiKeyHeader string) (*ApiKey, error) {
	if authHeader != "" {
		return m.authenticateBearer(authHeader)
	}
	if apiKeyHeader != "" {
		return m.authenticateAPIKey(apiKeyHeader)
	}
	return nil, errs.Authentication("missing Authorization or X-API-Key header")
}

func (m *SessionManager) authenticateBearer(authHeader string) (*ApiKey, error) {
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return nil, errs.Authentication("bearer token required")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errs.Authentication("invalid session token")
	}

	if m.revocations != nil && m.revocations.IsRevoked(context.Background(), claims.ApiKeyID) {
		return nil, errs.Authentication("api key is revoked")
	}

	key, err := m.repo.GetApiKeyByID(claims.ApiKeyID)
	if err != nil {
		return nil, errs.Wrap(errs.KindAuthentication, "resolve api key", err)
	}
	if key.Revoked {
		return nil, errs.Authentication("api key is revoked")
	}
	return key, nil
}

func (m *SessionManager) authenticateAPIKey(apiKeyHeader string) (*ApiKey, error) {
	id, secret, ok := strings.Cut(apiKeyHeader, ".")
	if !ok {
		return nil, errs.Authentication("malformed X-API-Key header")
	}

	if !m.rateLimiter.Allow(id) {
		return nil, errs.Authorization("rate limit exceeded for api key " + id)
	}

	key, err := m.repo.GetApiKeyByID(id)
	if err != nil {
		m.rateLimiter.RecordFailure(id)
		return nil, errs.Wrap(errs.KindAuthentication, "resolve api key", err)
	}
	if key.Revoked || !VerifySecret(key.SecretHash, secret) {
		m.rateLimiter.RecordFailure(id)
		return nil, errs.Authentication("invalid api key")
	}
	m.rateLimiter.Reset(id)
	return key, nil
}

// Stop releases the session manager's rate limiter cleanup goroutine.
func (m *SessionManager) Stop() {
	m.rateLimiter.Stop()
}
