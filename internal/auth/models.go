// Package auth implements spec.md §3/§6's ApiKey and AuthSession types
// and the api-key/rate-limit/session layer guarding the management
// surface §4.I describes. None of it gates the mining-stratum
// connections internal/modes handles — those accept worker credentials
// unconditionally, per §4.E/§4.G.
//
// Grounded on the teacher's internal/auth/models.go (Role enum + hand
// validated struct idiom, db/json tags) retargeted from its User/Role
// accounting domain (out of scope per Non-goals) onto ApiKey/AuthSession,
// and internal/api/middleware.go's JWT bearer-parsing pattern
// generalized to also accept X-API-Key per §6.
package auth

import (
	"errors"
	"strings"
	"time"
)

// Scope names one capability an ApiKey grants. Kept as a plain string
// set rather than a bitmask since the teacher's Role enum is similarly
// a small closed string set, not flags.
type Scope string

const (
	ScopeReadStats    Scope = "read:stats"
	ScopeManageConfig Scope = "manage:config"
	ScopeSwitchMode   Scope = "switch:mode"
)

func (s Scope) IsValid() bool {
	switch s {
	case ScopeReadStats, ScopeManageConfig, ScopeSwitchMode:
		return true
	}
	return false
}

// ApiKey is spec.md §3's supplemental entity, from original_source's
// sv2-core/src/auth.rs: id, secret hash, client id, created_at, revoked
// flag, scopes. The core defines the struct and verifies tokens bound to
// it; persistence is a host's job via internal/coreops.ApiKeyRepository.
type ApiKey struct {
	ID         string    `json:"id" db:"id"`
	SecretHash []byte    `json:"-" db:"secret_hash"`
	ClientID   string    `json:"client_id" db:"client_id"`
	Scopes     []Scope   `json:"scopes" db:"-"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	Revoked    bool      `json:"revoked" db:"revoked"`
}

// Validate checks the structural invariants a freshly constructed ApiKey
// must satisfy before it is persisted.
func (k *ApiKey) Validate() error {
	if strings.TrimSpace(k.ClientID) == "" {
		return errors.New("client id is required")
	}
	if len(k.SecretHash) == 0 {
		return errors.New("secret hash is required")
	}
	if len(k.Scopes) == 0 {
		return errors.New("at least one scope is required")
	}
	for _, s := range k.Scopes {
		if !s.IsValid() {
			return errors.New("unknown scope: " + string(s))
		}
	}
	return nil
}

// HasScope reports whether the key grants scope and has not been revoked.
func (k *ApiKey) HasScope(scope Scope) bool {
	if k.Revoked {
		return false
	}
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Session is spec.md §3's AuthSession entity: binds to exactly one
// ApiKey, carries a bearer token, and expires.
type Session struct {
	Token     string    `json:"token" db:"token"`
	ApiKeyID  string    `json:"api_key_id" db:"api_key_id"`
	IssuedAt  time.Time `json:"issued_at" db:"issued_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	Revoked   bool      `json:"revoked" db:"revoked"`
}

// Expired reports whether the session is no longer usable.
func (s *Session) Expired(now time.Time) bool {
	return s.Revoked || !s.ExpiresAt.After(now)
}

// ApiKeyRepository is the narrow persistence interface the session
// manager needs; a host satisfies it with internal/coreops.ApiKeyRepository
// or its own store. Segregated per ISP so tests can fake it in-process.
type ApiKeyRepository interface {
	GetApiKeyByID(id string) (*ApiKey, error)
}
