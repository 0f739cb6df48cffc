package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeApiKeyRepo struct {
	keys map[string]*ApiKey
}

func (f *fakeApiKeyRepo) GetApiKeyByID(id string) (*ApiKey, error) {
	k, ok := f.keys[id]
	if !ok {
		return nil, assert.AnError
	}
	return k, nil
}

func newTestKey(id, secret string) (*ApiKey, string) {
	hash, _ := HashSecret(secret)
	return &ApiKey{
		ID:         id,
		SecretHash: hash,
		ClientID:   "client-" + id,
		Scopes:     []Scope{ScopeReadStats},
		CreatedAt:  time.Now(),
	}, secret
}

func newTestManager(keys ...*ApiKey) *SessionManager {
	repo := &fakeApiKeyRepo{keys: make(map[string]*ApiKey)}
	for _, k := range keys {
		repo.keys[k.ID] = k
	}
	cfg := RateLimiterConfig{MaxAttempts: 100, WindowSize: time.Minute, BlockDuration: time.Minute, CleanupInterval: time.Minute}
	return NewSessionManager([]byte("test-secret"), time.Hour, repo, cfg)
}

func TestIssueSessionAndAuthenticateBearer(t *testing.T) {
	key, _ := newTestKey("key-1", "s3cret")
	mgr := newTestManager(key)
	defer mgr.Stop()

	token, err := mgr.IssueSession(key)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	resolved, err := mgr.Authenticate("Bearer "+token, "")
	require.NoError(t, err)
	assert.Equal(t, key.ID, resolved.ID)
}

func TestIssueSessionRejectsRevokedKey(t *testing.T) {
	key, _ := newTestKey("key-1", "s3cret")
	key.Revoked = true
	mgr := newTestManager(key)
	defer mgr.Stop()

	_, err := mgr.IssueSession(key)
	assert.Error(t, err)
}

func TestAuthenticateBearerRejectsMalformedToken(t *testing.T) {
	mgr := newTestManager()
	defer mgr.Stop()

	_, err := mgr.Authenticate("Bearer not-a-jwt", "")
	assert.Error(t, err)
}

func TestAuthenticateBearerRequiresBearerPrefix(t *testing.T) {
	mgr := newTestManager()
	defer mgr.Stop()

	_, err := mgr.Authenticate("not-bearer-at-all", "")
	assert.Error(t, err)
}

func TestAuthenticateAPIKeyHeader(t *testing.T) {
	key, secret := newTestKey("key-1", "s3cret")
	mgr := newTestManager(key)
	defer mgr.Stop()

	resolved, err := mgr.Authenticate("", "key-1."+secret)
	require.NoError(t, err)
	assert.Equal(t, key.ID, resolved.ID)
}

func TestAuthenticateAPIKeyRejectsWrongSecret(t *testing.T) {
	key, _ := newTestKey("key-1", "s3cret")
	mgr := newTestManager(key)
	defer mgr.Stop()

	_, err := mgr.Authenticate("", "key-1.wrong-secret")
	assert.Error(t, err)
}

func TestAuthenticateRequiresSomeCredential(t *testing.T) {
	mgr := newTestManager()
	defer mgr.Stop()

	_, err := mgr.Authenticate("", "")
	assert.Error(t, err)
}

func TestApiKeyHasScopeRespectsRevocation(t *testing.T) {
	key, _ := newTestKey("key-1", "s3cret")
	assert.True(t, key.HasScope(ScopeReadStats))
	assert.False(t, key.HasScope(ScopeManageConfig))

	key.Revoked = true
	assert.False(t, key.HasScope(ScopeReadStats))
}

func TestApiKeyValidate(t *testing.T) {
	key, _ := newTestKey("key-1", "s3cret")
	assert.NoError(t, key.Validate())

	key.ClientID = ""
	assert.Error(t, key.Validate())
}
