// Package worktemplate holds the mining-assignment type bound to a single
// Bitcoin node block template, and the store that indexes it by template
// id; the job-id strings handed to miners are parsed back into that id.
//
// Grounded on the teacher's internal/stratum/v2/template_provider.go
// (stratum.BlockTemplate / templateProvider), retargeted from Litecoin's
// scrypt accounting onto a plain Bitcoin WorkTemplate with real BIP34/BIP65
// coinbase fields instead of the teacher's placeholder pubkey-hash output.
package worktemplate

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/chimera-pool/chimera-pool-core/internal/errs"
)

// Template is a mining assignment bound to one Bitcoin-node block template.
type Template struct {
	ID uuidBytes

	PrevHash     []byte // 32 bytes
	Coinbase     []byte // fully formed coinbase transaction
	Transactions [][]byte
	TxHashes     [][]byte // txid of each non-coinbase tx, for merkle reconstruction

	// ExtranoncePlaceholderOffset is the byte offset into Coinbase of the
	// 8-byte zero placeholder buildCoinbase reserved in the scriptSig for
	// extranonce1||extranonce2. Carried explicitly rather than rediscovered
	// by scanning for a zero run, since the coinbase's null previous-output
	// hash is itself 32 zero bytes and would be found first.
	ExtranoncePlaceholderOffset int

	Version uint32
	Bits    uint32 // compact nBits
	NTime   uint32
	Height  uint64

	Difficulty float64 // share-level difficulty assigned to jobs built from this template

	CreatedAt time.Time
	ExpiresAt time.Time
}

// uuidBytes is a 128-bit identifier; kept as a fixed array so Template
// values can be copied and compared without allocation.
type uuidBytes [16]byte

// JobID renders the identifier as the fixed-width 32-character lowercase
// hex string handed out as a Stratum job-id.
func (u uuidBytes) JobID() string {
	return hex.EncodeToString(u[:])
}

// ParseJobID parses a job-id string back into its 128-bit identifier. A
// job-id must be exactly 32 hex characters — anything else is malformed,
// never silently truncated or zero-padded.
func ParseJobID(jobID string) (uuidBytes, error) {
	var id uuidBytes
	if len(jobID) != 32 {
		return id, errs.New(errs.KindInternal, "job id must be 32 hex characters")
	}
	raw, err := hex.DecodeString(jobID)
	if err != nil {
		return id, errs.Wrap(errs.KindInternal, "job id is not valid hex", err)
	}
	copy(id[:], raw)
	return id, nil
}

// JobID returns this template's job-id string.
func (t *Template) JobID() string {
	return t.ID.JobID()
}

// Clone returns a deep copy, so an in-flight validation can hold a
// reference that outlives a concurrent cleanup_expired sweep.
func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	c := *t
	c.PrevHash = append([]byte(nil), t.PrevHash...)
	c.Coinbase = append([]byte(nil), t.Coinbase...)
	if t.Transactions != nil {
		c.Transactions = make([][]byte, len(t.Transactions))
		for i, tx := range t.Transactions {
			c.Transactions[i] = append([]byte(nil), tx...)
		}
	}
	if t.TxHashes != nil {
		c.TxHashes = make([][]byte, len(t.TxHashes))
		for i, h := range t.TxHashes {
			c.TxHashes[i] = append([]byte(nil), h...)
		}
	}
	return &c
}

// Store maps template-id to Template; a job-id is resolved by parsing it
// back into the template id, with no separate job-id index.
// Writer-exclusive for Add/CleanupExpired, reader-shared for GetByJobID —
// the store owns the single authoritative copy; callers validating a
// share work against a Clone().
type Store struct {
	mu        sync.RWMutex
	templates map[uuidBytes]*Template
}

// NewStore returns an empty template store.
func NewStore() *Store {
	return &Store{templates: make(map[uuidBytes]*Template)}
}

// Add opportunistically purges expired entries already in the store, then
// inserts template under its id.
func (s *Store) Add(t *Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupExpiredLocked(time.Now())
	s.templates[t.ID] = t
}

// GetByJobID parses job-id back to a template id and returns a cloned
// reference, or a typed error on parse failure / absence.
func (s *Store) GetByJobID(jobID string) (*Template, error) {
	id, err := ParseJobID(jobID)
	if err != nil {
		return nil, errs.Share(errs.ReasonMalformedData, err.Error())
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[id]
	if !ok {
		return nil, errs.Share(errs.ReasonTemplateNotFound, "no template for job id "+jobID)
	}
	return t.Clone(), nil
}

// GetLatest returns the most recently created non-expired template, or nil.
func (s *Store) GetLatest() *Template {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Template
	for _, t := range s.templates {
		if t.ExpiresAt.Before(time.Now()) {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil
	}
	return latest.Clone()
}

// CleanupExpired removes all entries with ExpiresAt <= now.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupExpiredLocked(time.Now())
}

func (s *Store) cleanupExpiredLocked(now time.Time) int {
	removed := 0
	for id, t := range s.templates {
		if !t.ExpiresAt.After(now) {
			delete(s.templates, id)
			removed++
		}
	}
	return removed
}

// Len reports how many templates the store currently holds, including
// ones not yet swept by CleanupExpired.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.templates)
}
