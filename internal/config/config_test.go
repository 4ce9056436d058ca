package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSchedulerConfig_Defaults(t *testing.T) {
	os.Clearenv()
	os.Setenv("OCTO_WORKER_ADDRESS", "10.0.0.1:9000")
	os.Setenv("OCTO_DB_DSN", "postgres://localhost/octoflow")

	cfg, err := LoadSchedulerConfig()
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.BucketCount)
	assert.Equal(t, 1000, cfg.PreloadBatchSize)
	assert.Equal(t, 50000, cfg.PreloadMaxCachedIDs)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 3, cfg.LivenessWindowMultiplier)
	assert.Equal(t, 30*time.Second, cfg.RebalanceCheckInterval)
	assert.Equal(t, time.Second, cfg.DispatchTickInterval)
	assert.Equal(t, 30*time.Second, cfg.DefaultRetryInterval)
	assert.Equal(t, 30*time.Second, cfg.LivenessWindow())
	assert.True(t, cfg.Database.AutoMigrate)
}

func TestLoadSchedulerConfig_MissingAddress(t *testing.T) {
	os.Clearenv()
	os.Setenv("OCTO_DB_DSN", "postgres://localhost/octoflow")

	_, err := LoadSchedulerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OCTO_WORKER_ADDRESS")
}

func TestLoadSchedulerConfig_MissingDSN(t *testing.T) {
	os.Clearenv()
	os.Setenv("OCTO_WORKER_ADDRESS", "10.0.0.1:9000")

	_, err := LoadSchedulerConfig()
	require.ErrorIs(t, err, ErrDSNRequired)
}

func TestLoadSchedulerConfig_Overrides(t *testing.T) {
	os.Clearenv()
	os.Setenv("OCTO_WORKER_ADDRESS", "10.0.0.1:9000")
	os.Setenv("OCTO_DB_DSN", "postgres://localhost/octoflow")
	os.Setenv("OCTO_BUCKET_COUNT", "64")
	os.Setenv("OCTO_HEARTBEAT_INTERVAL", "2s")
	os.Setenv("OCTO_LIVENESS_WINDOW_MULTIPLIER", "5")

	cfg, err := LoadSchedulerConfig()
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.BucketCount)
	assert.Equal(t, 10*time.Second, cfg.LivenessWindow())
}

func TestLoadSchedulerConfig_InvalidBucketCount(t *testing.T) {
	os.Clearenv()
	os.Setenv("OCTO_WORKER_ADDRESS", "10.0.0.1:9000")
	os.Setenv("OCTO_DB_DSN", "postgres://localhost/octoflow")
	os.Setenv("OCTO_BUCKET_COUNT", "0")

	_, err := LoadSchedulerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OCTO_BUCKET_COUNT")
}
