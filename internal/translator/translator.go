// Package translator implements the per-connection, bidirectional,
// stateful SV1<->SV2 bridge spec.md §4.E describes. Nothing in the
// teacher crosses its SV1 (internal/stratum/message.go,
// pool_coordinator.go) and SV2 (internal/stratum/v2/binary) code paths —
// they are two independent, never-wired stacks. This package is built
// from the unified stratum.MessageType enum in interfaces.go (which
// already spans both protocols, the strongest hint of an intended
// bridge) plus the SV1 notification constructors in message.go and the
// SV2 message structs in v2/binary/types.go.
package translator

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"

	"github.com/chimera-pool/chimera-pool-core/internal/errs"
	v2binary "github.com/chimera-pool/chimera-pool-core/internal/stratum/v2/binary"
)

// Direction names which side of the bridge a message entered from.
type Direction int

const (
	Downstream Direction = iota // from an SV1 miner
	Upstream                    // from an SV2 pool/proxy peer
)

// State holds one connection's bidirectional job-id map and sequencing,
// per spec.md §3's TranslationState entity.
type State struct {
	mu sync.Mutex

	Extranonce1     [4]byte
	Extranonce2Size int
	ChannelID       uint32
	channelAssigned bool

	sequence atomic.Uint32

	forward map[string]uint32 // SV1 hex job-id -> SV2 job-id
	reverse map[uint32]string // SV2 job-id -> SV1 hex job-id
}

// NewState allocates a random extranonce1 and an empty job-id map, per
// spec.md §4.E's "assign extranonce1 (random 4 bytes) and extranonce2_size
// (default 4) for the downstream side".
func NewState() (*State, error) {
	var en1 [4]byte
	if _, err := rand.Read(en1[:]); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "generate extranonce1", err)
	}
	return &State{
		Extranonce1:     en1,
		Extranonce2Size: 4,
		forward:         make(map[string]uint32),
		reverse:         make(map[uint32]string),
	}, nil
}

// SetChannelID records the channel_id returned by an upstream
// OpenStandardMiningChannelSuccess.
func (s *State) SetChannelID(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ChannelID = id
	s.channelAssigned = true
}

// NextSequence returns the next monotonic SV2 submit sequence number.
func (s *State) NextSequence() uint32 {
	return s.sequence.Add(1) - 1
}

// BindJob records a new SV1<->SV2 job-id pairing; the SV1 id is taken as
// given (NotifyFromJob is what mints one).
func (s *State) BindJob(sv1JobID string, sv2JobID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forward[sv1JobID] = sv2JobID
	s.reverse[sv2JobID] = sv1JobID
}

// ResolveUpstreamJobID looks up the SV2 job-id a downstream SV1 submit
// refers to.
func (s *State) ResolveUpstreamJobID(sv1JobID string) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.forward[sv1JobID]
	return id, ok
}

// DropJob removes a job-id pairing once its template expires.
func (s *State) DropJob(sv1JobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sv2, ok := s.forward[sv1JobID]; ok {
		delete(s.forward, sv1JobID)
		delete(s.reverse, sv2)
	}
}

// ExtraNonce1Hex renders the connection's extranonce1 for mining.subscribe.
func (s *State) ExtraNonce1Hex() string {
	return hex.EncodeToString(s.Extranonce1[:])
}

// SV1Submit is the parsed payload of a downstream mining.submit.
type SV1Submit struct {
	RequestID   int
	WorkerName  string
	JobID       string
	Extranonce2 string
	NTime       uint32
	Nonce       uint32
}

// TranslateSubmit implements spec.md §4.E's "Downstream SV1 submit": look
// up the forward job-id map and construct an upstream SubmitSharesStandard,
// bumping the connection's monotonic sequence number.
func (s *State) TranslateSubmit(sub SV1Submit) (*v2binary.SubmitSharesStandard, error) {
	jobID, ok := s.ResolveUpstreamJobID(sub.JobID)
	if !ok {
		return nil, errs.Share(errs.ReasonTemplateNotFound, "no upstream job for id "+sub.JobID)
	}
	if !s.channelAssigned {
		return nil, errs.New(errs.KindProtocol, "no channel assigned for connection")
	}
	return &v2binary.SubmitSharesStandard{
		ChannelID:   s.ChannelID,
		SequenceNum: s.NextSequence(),
		JobID:       jobID,
		Nonce:       sub.Nonce,
		NTime:       sub.NTime,
	}, nil
}

// SetupConnectionFor builds the upstream SetupConnection a downstream SV1
// mining.subscribe should trigger, per spec.md §4.E: "synthesize upstream
// SV2 SetupConnection (copying user_agent to vendor)".
func SetupConnectionFor(userAgent string) *v2binary.SetupConnection {
	return &v2binary.SetupConnection{
		Protocol:   0,
		MinVersion: 2,
		MaxVersion: 2,
		Vendor:     v2binary.STR0_255(userAgent),
	}
}

// OpenChannelFor builds the upstream OpenStandardMiningChannel paired
// with a SetupConnection, carrying the worker identity from authorize.
func OpenChannelFor(requestID uint32, workerName string, nominalHashrate float32) *v2binary.OpenStandardMiningChannel {
	return &v2binary.OpenStandardMiningChannel{
		RequestID:       requestID,
		UserIdentity:    v2binary.STR0_255(workerName),
		NominalHashrate: nominalHashrate,
	}
}

// NotifyFromJob implements spec.md §4.E's "Upstream SV2 NewMiningJob ->
// construct SV1 mining.notify": mints a new SV1 job-id as lowercase hex of
// a fresh 128-bit value, binds it in the job map, and returns it. It does
// not build the mining.notify parameters; the caller does that.
func (s *State) NotifyFromJob(sv2JobID uint32) (sv1JobID string, err error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", errs.Wrap(errs.KindInternal, "mint sv1 job id", err)
	}
	sv1JobID = hex.EncodeToString(raw[:])
	s.BindJob(sv1JobID, sv2JobID)
	return sv1JobID, nil
}

// ErrorCodeToSV1 maps an SV2 SubmitSharesError error code string to an
// SV1 mining.submit error object's numeric code, per spec.md §4.E's
// "translate error codes".
func ErrorCodeToSV1(sv2Code string) (code int, message string) {
	switch sv2Code {
	case "stale-share":
		return 21, "Job not found"
	case "duplicate-share":
		return 22, "Duplicate share"
	case "low-difficulty-share":
		return 23, "Low difficulty share"
	case "invalid-job-id":
		return 21, "Job not found"
	default:
		return 20, "Other/Unknown"
	}
}
