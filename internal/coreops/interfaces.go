// Package coreops defines the abstract persistence interfaces spec.md
// §6 names for this core's own entities — WorkTemplate, Share,
// Connection, AuthSession, ApiKey — as ISP reader/writer pairs, so a
// host binary can bind any storage it likes behind them. The core never
// implements these against a concrete database: persistence is out of
// scope (§1 Non-goals), it only declares the shape a host would
// implement.
//
// Grounded on the teacher's internal/database/interfaces.go, whose
// ISP split (Reader/Writer/Repository per entity, composed from tiny
// QueryExecutor/CommandExecutor primitives) is kept verbatim in shape;
// the entities themselves are swapped from the teacher's pool-accounting
// schema (User/Miner/Block/Payout) for this core's own domain types.
package coreops

import (
	"context"
	"time"
)

// Scanner, Rows, Result mirror the teacher's thin sqlx/database-sql
// wrappers, kept so a host implementation can satisfy these interfaces
// directly with *sqlx.Row / *sqlx.Rows / sql.Result without adapters.
type Scanner interface {
	Scan(dest ...interface{}) error
}

type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// QueryExecutor and CommandExecutor are the composable read/write
// primitives every per-entity repository below is ultimately built on,
// same split as the teacher.
type QueryExecutor interface {
	QueryRow(ctx context.Context, query string, args ...interface{}) Scanner
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
}

type CommandExecutor interface {
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
}

// WorkTemplateReader/Writer persist §3's WorkTemplate entity.
type WorkTemplateReader interface {
	GetWorkTemplateByJobID(ctx context.Context, jobID string) (*WorkTemplateRecord, error)
	GetLatestWorkTemplate(ctx context.Context) (*WorkTemplateRecord, error)
}

type WorkTemplateWriter interface {
	CreateWorkTemplate(ctx context.Context, t *WorkTemplateRecord) error
	DeleteExpiredWorkTemplates(ctx context.Context, before time.Time) (int64, error)
}

type WorkTemplateRepository interface {
	WorkTemplateReader
	WorkTemplateWriter
}

// WorkTemplateRecord is the persisted projection of worktemplate.Template
// — a host's implementation maps between this and its own schema.
type WorkTemplateRecord struct {
	ID        string
	JobID     string
	Height    uint64
	Bits      uint32
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ShareReader/Writer persist §3's Share entity.
type ShareReader interface {
	GetSharesByConnectionID(ctx context.Context, connID string, since time.Time, limit int) ([]*ShareRecord, error)
	GetShareCount(ctx context.Context, connID string, since time.Time) (int64, error)
}

type ShareWriter interface {
	CreateShare(ctx context.Context, s *ShareRecord) error
	CreateShareBatch(ctx context.Context, shares []*ShareRecord) error
}

type ShareRepository interface {
	ShareReader
	ShareWriter
}

// ShareRecord is the persisted projection of a validated share submission.
type ShareRecord struct {
	ConnectionID string
	JobID        string
	WorkerName   string
	Difficulty   float64
	Accepted     bool
	BlockHash    []byte
	SubmittedAt  time.Time
}

// ConnectionReader/Writer persist §3's Connection entity — used for
// reconnect/session-resume bookkeeping, not the live in-memory registry
// internal/stratum.ConnectionManager already owns.
type ConnectionReader interface {
	GetConnectionByID(ctx context.Context, id string) (*ConnectionRecord, error)
	GetActiveConnectionCount(ctx context.Context) (int64, error)
}

type ConnectionWriter interface {
	UpsertConnection(ctx context.Context, c *ConnectionRecord) error
	MarkConnectionClosed(ctx context.Context, id string, closedAt time.Time) error
}

type ConnectionRepository interface {
	ConnectionReader
	ConnectionWriter
}

// ConnectionRecord is the persisted projection of a stratum connection.
type ConnectionRecord struct {
	ID          string
	RemoteAddr  string
	WorkerName  string
	Subscribed  bool
	Authorized  bool
	ConnectedAt time.Time
	ClosedAt    *time.Time
}

// AuthSessionReader/Writer persist §3/§6's AuthSession entity.
type AuthSessionReader interface {
	GetAuthSessionByToken(ctx context.Context, token string) (*AuthSessionRecord, error)
	GetAuthSessionsByApiKeyID(ctx context.Context, apiKeyID string) ([]*AuthSessionRecord, error)
}

type AuthSessionWriter interface {
	CreateAuthSession(ctx context.Context, s *AuthSessionRecord) error
	RevokeAuthSession(ctx context.Context, token string) error
	DeleteExpiredAuthSessions(ctx context.Context, before time.Time) (int64, error)
}

type AuthSessionRepository interface {
	AuthSessionReader
	AuthSessionWriter
}

// AuthSessionRecord is the persisted projection of internal/auth.Session.
type AuthSessionRecord struct {
	Token     string
	ApiKeyID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// ApiKeyReader/Writer persist §3's supplemental ApiKey entity.
type ApiKeyReader interface {
	GetApiKeyByID(ctx context.Context, id string) (*ApiKeyRecord, error)
	GetApiKeyByClientID(ctx context.Context, clientID string) (*ApiKeyRecord, error)
}

type ApiKeyWriter interface {
	CreateApiKey(ctx context.Context, k *ApiKeyRecord) error
	RevokeApiKey(ctx context.Context, id string) error
}

type ApiKeyRepository interface {
	ApiKeyReader
	ApiKeyWriter
}

// ApiKeyRecord is the persisted projection of internal/auth.ApiKey.
type ApiKeyRecord struct {
	ID         string
	SecretHash []byte
	ClientID   string
	Scopes     []string
	CreatedAt  time.Time
	Revoked    bool
}

// Store bundles every repository a host binds against; the core depends
// only on the narrow Reader/Writer interfaces above, never on Store as a
// whole, per ISP.
type Store interface {
	WorkTemplateRepository() WorkTemplateRepository
	ShareRepository() ShareRepository
	ConnectionRepository() ConnectionRepository
	AuthSessionRepository() AuthSessionRepository
	ApiKeyRepository() ApiKeyRepository
}
