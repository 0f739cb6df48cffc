package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageWithoutReason(t *testing.T) {
	err := New(KindConnection, "listener closed")
	assert.Equal(t, "connection: listener closed", err.Error())
}

func TestErrorMessageKindOnly(t *testing.T) {
	err := New(KindInternal, "")
	assert.Equal(t, "internal", err.Error())
}

func TestErrorMessageWithShareReason(t *testing.T) {
	err := Share(ReasonDuplicateShare, "seen 2s ago")
	assert.Equal(t, "invalid_share: duplicate_share: seen 2s ago", err.Error())
}

func TestErrorMessageShareReasonNoMessage(t *testing.T) {
	err := Share(ReasonInvalidNonce, "")
	assert.Equal(t, "invalid_share: invalid_nonce", err.Error())
}

func TestWrapUnwrapsSource(t *testing.T) {
	source := errors.New("connection refused")
	err := Wrap(KindBitcoinRPC, "dial failed", source)
	assert.Equal(t, "bitcoin_rpc: dial failed", err.Error())
	assert.Same(t, source, errors.Unwrap(err))
}

func TestIsMatchesKind(t *testing.T) {
	err := Authentication("missing api key")
	assert.True(t, Is(err, KindAuthentication))
	assert.False(t, Is(err, KindAuthorization))
	assert.False(t, Is(errors.New("plain"), KindAuthentication))
}

func TestShareReasonOfOnlyForInvalidShareKind(t *testing.T) {
	shareErr := Share(ReasonExpiredTemplate, "")
	reason, ok := ShareReasonOf(shareErr)
	assert.True(t, ok)
	assert.Equal(t, ReasonExpiredTemplate, reason)

	other := New(KindNetwork, "timeout")
	_, ok = ShareReasonOf(other)
	assert.False(t, ok)
}

func TestKindStringUnknownDefault(t *testing.T) {
	assert.Equal(t, "unknown", Kind(999).String())
}
