package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimera-pool/chimera-pool-core/internal/config"
)

func TestLoadConfigDefaultsWithNoEnv(t *testing.T) {
	cfg := loadConfig()
	assert.Equal(t, config.ModeSolo, cfg.Mode)
	assert.Equal(t, ":3333", cfg.Network.BindAddress)
}

func TestLoadConfigOverlaysEnv(t *testing.T) {
	t.Setenv("STRATUM_MODE", "pool")
	t.Setenv("STRATUM_BIND_ADDRESS", "0.0.0.0:4444")
	t.Setenv("STRATUM_MAX_CONNECTIONS", "250")
	t.Setenv("POOL_DIFFICULTY", "8192")

	cfg := loadConfig()
	assert.Equal(t, config.ModePool, cfg.Mode)
	assert.Equal(t, "0.0.0.0:4444", cfg.Network.BindAddress)
	assert.Equal(t, 250, cfg.Network.MaxConnections)
	assert.Equal(t, float64(8192), cfg.Pool.Difficulty)
}

func TestGetEnvIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("STRATUM_MAX_CONNECTIONS", "not-a-number")
	assert.Equal(t, 1000, getEnvInt("STRATUM_MAX_CONNECTIONS", 1000))
}

func TestGetEnvFallsBackWhenUnset(t *testing.T) {
	require.NoError(t, os.Unsetenv("CHIMERA_UNSET_TEST_KEY"))
	assert.Equal(t, "fallback", getEnv("CHIMERA_UNSET_TEST_KEY", "fallback"))
}

func TestFactoryForRejectsUnknownMode(t *testing.T) {
	factory := factoryFor(nil, nil, nil, nil)
	cfg := config.Default()
	cfg.Mode = "bogus"

	handler, err := factory(cfg)
	require.Error(t, err)
	assert.Nil(t, handler)
	assert.Contains(t, err.Error(), "bogus")
}

func TestFactoryForBuildsSoloHandler(t *testing.T) {
	factory := factoryFor(nil, nil, nil, nil)
	cfg := config.Default()
	cfg.Mode = config.ModeSolo
	cfg.Network.BindAddress = "127.0.0.1:0"

	handler, err := factory(cfg)
	require.NoError(t, err)
	require.NotNil(t, handler)
}

func TestLogAccountingSinkDoesNotPanic(t *testing.T) {
	sink := logAccountingSink{}
	assert.NotPanics(t, func() {
		sink.RecordShare("worker1", 1024, true, nil)
		sink.RecordShare("worker1", 1024, true, []byte{0x01, 0x02})
	})
}
