// Package config defines the daemon's configuration tree.
//
// The core never reads environment variables and never loads a file itself
// (that's an external loader's job) — it only declares the shape an
// out-of-core loader populates, tagged for gopkg.in/yaml.v3 the same way
// the rest of this codebase tags its persisted structs.
package config

import "time"

// Mode names one of the four operation modes.
type Mode string

const (
	ModeSolo  Mode = "solo"
	ModePool  Mode = "pool"
	ModeProxy Mode = "proxy"
	ModeClient Mode = "client"
)

// NetworkConfig configures the Stratum listening socket.
type NetworkConfig struct {
	BindAddress      string        `yaml:"bind_address"`
	MaxConnections   int           `yaml:"max_connections"`
	MaxFrameBytes    int           `yaml:"max_frame_bytes"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	OutboundQueue    int           `yaml:"outbound_queue"`
	IdleWriteTimeout time.Duration `yaml:"idle_write_timeout"`
}

// DefaultNetworkConfig mirrors spec.md §4.F/§5 defaults.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		BindAddress:      ":3333",
		MaxConnections:   1000,
		MaxFrameBytes:    1 << 20,
		IdleTimeout:      5 * time.Minute,
		HandshakeTimeout: 30 * time.Second,
		OutboundQueue:    256,
		IdleWriteTimeout: 30 * time.Second,
	}
}

// BitcoinConfig configures the Bitcoin RPC gateway (§4.C, §6).
type BitcoinConfig struct {
	RPCURL          string        `yaml:"rpc_url"`
	RPCUser         string        `yaml:"rpc_user"`
	RPCPassword     string        `yaml:"rpc_password"`
	CoinbaseAddress string        `yaml:"coinbase_address"`
	Timeout         time.Duration `yaml:"block_template_timeout"`
}

// DefaultBitcoinConfig mirrors spec.md §4.C defaults.
func DefaultBitcoinConfig() BitcoinConfig {
	return BitcoinConfig{
		RPCURL:  "http://127.0.0.1:8332",
		Timeout: 30 * time.Second,
	}
}

// ShareValidationConfig configures §4.A's validator.
type ShareValidationConfig struct {
	MinDifficulty         float64       `yaml:"min_difficulty"`
	MaxDifficulty         float64       `yaml:"max_difficulty"`
	MaxShareAge           time.Duration `yaml:"max_share_age"`
	DuplicateWindow       time.Duration `yaml:"duplicate_window"`
	DuplicateCheckEnabled bool          `yaml:"duplicate_check_enabled"`
	DuplicateShardCount   int           `yaml:"duplicate_shard_count"`
}

// DefaultShareValidationConfig mirrors spec.md §4.A/§3 defaults.
func DefaultShareValidationConfig() ShareValidationConfig {
	return ShareValidationConfig{
		MinDifficulty:         1,
		MaxDifficulty:         1 << 32,
		MaxShareAge:           300 * time.Second,
		DuplicateWindow:       3600 * time.Second,
		DuplicateCheckEnabled: true,
		DuplicateShardCount:   64,
	}
}

// TemplateStoreConfig configures §4.B.
type TemplateStoreConfig struct {
	TemplateLifetime time.Duration `yaml:"template_lifetime"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	RefreshInterval  time.Duration `yaml:"refresh_interval"`
}

// DefaultTemplateStoreConfig mirrors spec.md §4.B/§4.G defaults.
func DefaultTemplateStoreConfig() TemplateStoreConfig {
	return TemplateStoreConfig{
		TemplateLifetime: 5 * time.Minute,
		CleanupInterval:  30 * time.Second,
		RefreshInterval:  30 * time.Second,
	}
}

// RecoveryConfig configures §4.I's retry executor and circuit breaker.
type RecoveryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	BaseBackoff       time.Duration `yaml:"base_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	JitterFactor      float64       `yaml:"jitter_factor"`
	BreakerThreshold  int           `yaml:"breaker_threshold"`
	BreakerResetAfter time.Duration `yaml:"breaker_reset_after"`
	DegradeThreshold  int           `yaml:"degrade_threshold"`
}

// DefaultRecoveryConfig mirrors spec.md §4.I defaults.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		MaxRetries:        3,
		BaseBackoff:       200 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		JitterFactor:      0.2,
		BreakerThreshold:  5,
		BreakerResetAfter: 30 * time.Second,
		DegradeThreshold:  5,
	}
}

// AuthConfig configures §4.I's api-key auth/session/rate-limit layer.
type AuthConfig struct {
	SessionTTL        time.Duration `yaml:"session_ttl"`
	MaxSessionsPerKey int           `yaml:"max_sessions_per_key"`
	RateLimitMax      int           `yaml:"rate_limit_max"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
	RateLimitBlockFor time.Duration `yaml:"rate_limit_block_for"`
}

// DefaultAuthConfig mirrors spec.md §3 AuthSession defaults.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		SessionTTL:        30 * time.Minute,
		MaxSessionsPerKey: 10,
		RateLimitMax:      20,
		RateLimitWindow:   5 * time.Minute,
		RateLimitBlockFor: 5 * time.Minute,
	}
}

// SoloConfig, PoolConfig, ProxyConfig, ClientConfig carry the per-mode
// settings named in spec.md §4.G.
type SoloConfig struct {
	Difficulty float64 `yaml:"difficulty"`
}

type PoolConfig struct {
	Difficulty  float64 `yaml:"difficulty"`
	VarDiff     bool    `yaml:"vardiff"`
	PoolFeePct  float64 `yaml:"pool_fee_pct"`
}

type ProxyConfig struct {
	UpstreamAddress  string `yaml:"upstream_address"`
	UpstreamProtocol string `yaml:"upstream_protocol"`
}

type ClientConfig struct {
	UpstreamAddress  string `yaml:"upstream_address"`
	UpstreamProtocol string `yaml:"upstream_protocol"`
}

// Config is the daemon's full configuration tree.
type Config struct {
	Mode     Mode                  `yaml:"mode"`
	Network  NetworkConfig         `yaml:"network"`
	Bitcoin  BitcoinConfig         `yaml:"bitcoin"`
	Share    ShareValidationConfig `yaml:"share"`
	Template TemplateStoreConfig   `yaml:"template"`
	Recovery RecoveryConfig        `yaml:"recovery"`
	Auth     AuthConfig            `yaml:"auth"`
	Solo     SoloConfig            `yaml:"solo"`
	Pool     PoolConfig            `yaml:"pool"`
	Proxy    ProxyConfig           `yaml:"proxy"`
	Client   ClientConfig          `yaml:"client"`
}

// Default returns a Config populated with every section's defaults; an
// external loader overlays file contents onto this before use.
func Default() Config {
	return Config{
		Mode:     ModeSolo,
		Network:  DefaultNetworkConfig(),
		Bitcoin:  DefaultBitcoinConfig(),
		Share:    DefaultShareValidationConfig(),
		Template: DefaultTemplateStoreConfig(),
		Recovery: DefaultRecoveryConfig(),
		Auth:     DefaultAuthConfig(),
		Solo:     SoloConfig{Difficulty: 16384},
		Pool:     PoolConfig{Difficulty: 16384, VarDiff: true},
	}
}

// SameRestartSensitiveFields reports whether two configs agree on the
// fields that spec.md §4.H says always require a restart (database URL is
// out of core scope, so only bind address applies here).
func SameRestartSensitiveFields(a, b Config) bool {
	return a.Network.BindAddress == b.Network.BindAddress
}
