package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/chimera-pool/chimera-pool-core/internal/bitcoinrpc"
	"github.com/chimera-pool/chimera-pool-core/internal/config"
	"github.com/chimera-pool/chimera-pool-core/internal/modes"
	"github.com/chimera-pool/chimera-pool-core/internal/sharevalidator"
	"github.com/chimera-pool/chimera-pool-core/internal/stratum"
	"github.com/chimera-pool/chimera-pool-core/internal/worktemplate"
)

func main() {
	log.Println("🚀 Starting Chimera Stratum daemon...")

	cfg := loadConfig()

	rpc := bitcoinrpc.NewClient(bitcoinrpc.Config{
		URL:              cfg.Bitcoin.RPCURL,
		User:             cfg.Bitcoin.RPCUser,
		Password:         cfg.Bitcoin.RPCPassword,
		Timeout:          cfg.Bitcoin.Timeout,
		CoinbaseAddress:  cfg.Bitcoin.CoinbaseAddress,
		BreakerThreshold: cfg.Recovery.BreakerThreshold,
		BreakerResetMs:   cfg.Recovery.BreakerResetAfter,
	})
	store := worktemplate.NewStore()
	sink := logAccountingSink{}

	// Shared across every Solo/Pool handler the factory builds, so a live
	// Solo<->Pool SwitchMode carries registered connections over instead of
	// dropping them when the outgoing handler stops (spec.md §4.H).
	conns := stratum.NewConnectionManager(stratum.ConnectionManagerConfig{
		ShardCount:          64,
		MaxConnectionsPerIP: 100,
		MaxTotalConnections: cfg.Network.MaxConnections,
		IdleTimeout:         cfg.Network.IdleTimeout,
		HandshakeTimeout:    cfg.Network.HandshakeTimeout,
	})
	conns.Start()

	router := modes.NewRouter()
	if err := router.Initialize(cfg, factoryFor(rpc, store, sink, conns)); err != nil {
		log.Fatalf("Failed to start %s mode: %v", cfg.Mode, err)
	}
	log.Printf("✅ Stratum daemon listening in %s mode on %s", cfg.Mode, cfg.Network.BindAddress)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down stratum daemon...")
	if err := router.Shutdown(); err != nil {
		log.Printf("⚠️ Shutdown error: %v", err)
	}
	conns.Stop()
	log.Println("✅ Stratum daemon exited gracefully")
}

// factoryFor closes over the collaborators every mode handler shares
// (RPC gateway, template store, accounting sink, connection registry) and
// dispatches on cfg.Mode, per spec.md §4.H's router/factory split.
func factoryFor(rpc *bitcoinrpc.Client, store *worktemplate.Store, sink modes.AccountingSink, conns *stratum.ConnectionManager) func(config.Config) (modes.Handler, error) {
	return func(cfg config.Config) (modes.Handler, error) {
		shareCfg := sharevalidator.Config{
			MinDifficulty:         cfg.Share.MinDifficulty,
			MaxDifficulty:         cfg.Share.MaxDifficulty,
			MaxShareAge:           cfg.Share.MaxShareAge,
			DuplicateWindow:       cfg.Share.DuplicateWindow,
			DuplicateCheckEnabled: cfg.Share.DuplicateCheckEnabled,
			ShardCount:            cfg.Share.DuplicateShardCount,
		}

		switch cfg.Mode {
		case config.ModeSolo:
			coordCfg := modes.Config{
				ListenAddress:     cfg.Network.BindAddress,
				MaxConnections:    cfg.Network.MaxConnections,
				StaticDifficulty:  cfg.Solo.Difficulty,
				VarDiff:           false,
				JobUpdateInterval: cfg.Template.RefreshInterval,
				CoinbaseAddress:   cfg.Bitcoin.CoinbaseAddress,
				ReadTimeout:       cfg.Network.IdleTimeout,
				WriteTimeout:      cfg.Network.IdleWriteTimeout,
				Recovery:          recoveryConfigFrom(cfg),
			}
			deps := modes.Dependencies{RPC: rpc, Store: store, Conns: conns}
			return modes.NewSolo(coordCfg, deps, shareCfg), nil

		case config.ModePool:
			coordCfg := modes.Config{
				ListenAddress:     cfg.Network.BindAddress,
				MaxConnections:    cfg.Network.MaxConnections,
				StaticDifficulty:  cfg.Pool.Difficulty,
				VarDiff:           cfg.Pool.VarDiff,
				JobUpdateInterval: cfg.Template.RefreshInterval,
				CoinbaseAddress:   cfg.Bitcoin.CoinbaseAddress,
				ReadTimeout:       cfg.Network.IdleTimeout,
				WriteTimeout:      cfg.Network.IdleWriteTimeout,
				Recovery:          recoveryConfigFrom(cfg),
			}
			deps := modes.Dependencies{RPC: rpc, Store: store, Conns: conns}
			return modes.NewPool(coordCfg, deps, shareCfg, sink), nil

		case config.ModeProxy:
			proxyCfg := modes.ProxyConfig{
				ListenAddress:   cfg.Network.BindAddress,
				MaxConnections:  cfg.Network.MaxConnections,
				UpstreamAddress: cfg.Proxy.UpstreamAddress,
			}
			return modes.NewProxy(proxyCfg, nil), nil

		case config.ModeClient:
			clientCfg := modes.ClientConfig{
				ListenAddress:   cfg.Network.BindAddress,
				MaxConnections:  cfg.Network.MaxConnections,
				UpstreamAddress: cfg.Client.UpstreamAddress,
				ReadTimeout:     cfg.Network.IdleTimeout,
				WriteTimeout:    cfg.Network.IdleWriteTimeout,
			}
			return modes.NewClient(clientCfg, nil), nil

		default:
			return nil, &unknownModeError{mode: cfg.Mode}
		}
	}
}

// recoveryConfigFrom copies cfg.Recovery's scalars into modes.RecoveryConfig
// so internal/modes doesn't need to import internal/config.
func recoveryConfigFrom(cfg config.Config) modes.RecoveryConfig {
	return modes.RecoveryConfig{
		MaxRetries:       cfg.Recovery.MaxRetries,
		BaseBackoff:      cfg.Recovery.BaseBackoff,
		MaxBackoff:       cfg.Recovery.MaxBackoff,
		JitterFactor:     cfg.Recovery.JitterFactor,
		DegradeThreshold: cfg.Recovery.DegradeThreshold,
	}
}

type unknownModeError struct{ mode config.Mode }

func (e *unknownModeError) Error() string {
	return "unknown mode: " + string(e.mode)
}

// logAccountingSink is the daemon's default AccountingSink: it logs every
// validated share instead of persisting it, since schema/storage for §6's
// abstract accounting repository is out of core scope. A deployment that
// needs real accounting swaps this for a coreops.ShareRepository-backed
// sink without touching Pool mode itself.
type logAccountingSink struct{}

func (logAccountingSink) RecordShare(workerName string, difficulty float64, valid bool, blockHash []byte) error {
	if len(blockHash) > 0 {
		log.Printf("⛏️  block found by %s (difficulty=%.0f)", workerName, difficulty)
		return nil
	}
	log.Printf("share from %s: difficulty=%.0f valid=%t", workerName, difficulty, valid)
	return nil
}

// loadConfig builds a Config from defaults overlaid with environment
// variables. internal/config never reads the environment itself (its own
// doc comment says so); this binary is the "external loader" that does.
func loadConfig() config.Config {
	cfg := config.Default()

	cfg.Mode = config.Mode(getEnv("STRATUM_MODE", string(cfg.Mode)))
	cfg.Network.BindAddress = getEnv("STRATUM_BIND_ADDRESS", cfg.Network.BindAddress)
	cfg.Network.MaxConnections = getEnvInt("STRATUM_MAX_CONNECTIONS", cfg.Network.MaxConnections)

	cfg.Bitcoin.RPCURL = getEnv("BITCOIN_RPC_URL", cfg.Bitcoin.RPCURL)
	cfg.Bitcoin.RPCUser = getEnv("BITCOIN_RPC_USER", cfg.Bitcoin.RPCUser)
	cfg.Bitcoin.RPCPassword = getEnv("BITCOIN_RPC_PASSWORD", cfg.Bitcoin.RPCPassword)
	cfg.Bitcoin.CoinbaseAddress = getEnv("BITCOIN_COINBASE_ADDRESS", cfg.Bitcoin.CoinbaseAddress)
	cfg.Bitcoin.Timeout = getEnvDuration("BITCOIN_RPC_TIMEOUT", cfg.Bitcoin.Timeout)

	cfg.Solo.Difficulty = getEnvFloat("SOLO_DIFFICULTY", cfg.Solo.Difficulty)
	cfg.Pool.Difficulty = getEnvFloat("POOL_DIFFICULTY", cfg.Pool.Difficulty)
	cfg.Pool.PoolFeePct = getEnvFloat("POOL_FEE_PCT", cfg.Pool.PoolFeePct)

	cfg.Proxy.UpstreamAddress = getEnv("PROXY_UPSTREAM_ADDRESS", cfg.Proxy.UpstreamAddress)
	cfg.Proxy.UpstreamProtocol = getEnv("PROXY_UPSTREAM_PROTOCOL", cfg.Proxy.UpstreamProtocol)
	cfg.Client.UpstreamAddress = getEnv("CLIENT_UPSTREAM_ADDRESS", cfg.Client.UpstreamAddress)
	cfg.Client.UpstreamProtocol = getEnv("CLIENT_UPSTREAM_PROTOCOL", cfg.Client.UpstreamProtocol)

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
