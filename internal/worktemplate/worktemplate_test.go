package worktemplate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTemplate(id uuidBytes, expiresIn time.Duration) *Template {
	return &Template{
		ID:        id,
		PrevHash:  make([]byte, 32),
		Coinbase:  []byte{0x01, 0x02, 0x03},
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(expiresIn),
	}
}

func TestJobIDRoundTripsThroughParseJobID(t *testing.T) {
	tpl := newTemplate(uuidBytes{0xaa, 0xbb, 0xcc}, time.Minute)
	jobID := tpl.JobID()
	assert.Len(t, jobID, 32)

	parsed, err := ParseJobID(jobID)
	require.NoError(t, err)
	assert.Equal(t, tpl.ID, parsed)
}

func TestParseJobIDRejectsWrongLength(t *testing.T) {
	_, err := ParseJobID("abc")
	assert.Error(t, err)
}

func TestParseJobIDRejectsNonHex(t *testing.T) {
	_, err := ParseJobID("zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz")
	assert.Error(t, err)
}

func TestCloneDeepCopiesSlices(t *testing.T) {
	tpl := newTemplate(uuidBytes{0x01}, time.Minute)
	tpl.Transactions = [][]byte{{0xde, 0xad}}
	tpl.TxHashes = [][]byte{{0xbe, 0xef}}

	clone := tpl.Clone()
	clone.PrevHash[0] = 0xff
	clone.Coinbase[0] = 0xff
	clone.Transactions[0][0] = 0xff
	clone.TxHashes[0][0] = 0xff

	assert.NotEqual(t, tpl.PrevHash[0], clone.PrevHash[0])
	assert.NotEqual(t, tpl.Coinbase[0], clone.Coinbase[0])
	assert.NotEqual(t, tpl.Transactions[0][0], clone.Transactions[0][0])
	assert.NotEqual(t, tpl.TxHashes[0][0], clone.TxHashes[0][0])
}

func TestCloneOfNilIsNil(t *testing.T) {
	var tpl *Template
	assert.Nil(t, tpl.Clone())
}

func TestStoreAddAndGetByJobID(t *testing.T) {
	store := NewStore()
	tpl := newTemplate(uuidBytes{0x42}, time.Minute)
	store.Add(tpl)

	got, err := store.GetByJobID(tpl.JobID())
	require.NoError(t, err)
	assert.Equal(t, tpl.ID, got.ID)

	// GetByJobID returns a clone, not the stored pointer.
	got.Coinbase[0] = 0xff
	got2, err := store.GetByJobID(tpl.JobID())
	require.NoError(t, err)
	assert.NotEqual(t, got.Coinbase[0], got2.Coinbase[0])
}

func TestStoreGetByJobIDNotFound(t *testing.T) {
	store := NewStore()
	_, err := store.GetByJobID("00000000000000000000000000000000")
	assert.Error(t, err)
}

func TestStoreGetByJobIDMalformed(t *testing.T) {
	store := NewStore()
	_, err := store.GetByJobID("not-a-job-id")
	assert.Error(t, err)
}

func TestStoreAddPurgesExpiredOnInsert(t *testing.T) {
	store := NewStore()
	expired := newTemplate(uuidBytes{0x01}, -time.Minute)
	store.Add(expired)
	assert.Equal(t, 1, store.Len())

	fresh := newTemplate(uuidBytes{0x02}, time.Minute)
	store.Add(fresh)

	assert.Equal(t, 1, store.Len())
	_, err := store.GetByJobID(fresh.JobID())
	assert.NoError(t, err)
}

func TestStoreGetLatestSkipsExpired(t *testing.T) {
	store := NewStore()
	older := newTemplate(uuidBytes{0x01}, time.Minute)
	older.CreatedAt = time.Now().Add(-time.Hour)
	store.templates[older.ID] = older

	newer := newTemplate(uuidBytes{0x02}, time.Minute)
	store.templates[newer.ID] = newer

	expiredNewest := newTemplate(uuidBytes{0x03}, -time.Minute)
	expiredNewest.CreatedAt = time.Now().Add(time.Minute)
	store.templates[expiredNewest.ID] = expiredNewest

	latest := store.GetLatest()
	require.NotNil(t, latest)
	assert.Equal(t, newer.ID, latest.ID)
}

func TestStoreGetLatestEmptyReturnsNil(t *testing.T) {
	store := NewStore()
	assert.Nil(t, store.GetLatest())
}

func TestStoreCleanupExpiredReportsCount(t *testing.T) {
	store := NewStore()
	store.templates[uuidBytes{0x01}] = newTemplate(uuidBytes{0x01}, -time.Minute)
	store.templates[uuidBytes{0x02}] = newTemplate(uuidBytes{0x02}, -time.Minute)
	store.templates[uuidBytes{0x03}] = newTemplate(uuidBytes{0x03}, time.Minute)

	removed := store.CleanupExpired()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, store.Len())
}
