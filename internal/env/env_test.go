package env

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Host     string        `env:"TEST_HOST" default:"localhost"`
	Port     int           `env:"TEST_PORT" default:"8080"`
	Enabled  bool          `env:"TEST_ENABLED" default:"true"`
	Interval time.Duration `env:"TEST_INTERVAL" default:"30s"`
	NoDef    string        `env:"TEST_NO_DEF"`
}

func TestLoad(t *testing.T) {
	os.Clearenv()
	os.Setenv("TEST_HOST", "example.com")
	os.Setenv("TEST_PORT", "9090")
	os.Setenv("TEST_ENABLED", "false")
	os.Setenv("TEST_INTERVAL", "1m30s")
	os.Setenv("TEST_NO_DEF", "foo")

	var cfg testConfig
	require.NoError(t, Load(&cfg))

	assert.Equal(t, "example.com", cfg.Host)
	assert.Equal(t, 9090, cfg.Port)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 90*time.Second, cfg.Interval)
	assert.Equal(t, "foo", cfg.NoDef)
}

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()

	var cfg testConfig
	require.NoError(t, Load(&cfg))

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Interval)
	assert.Empty(t, cfg.NoDef)
}

func TestLoad_EmptyStringRespected(t *testing.T) {
	os.Clearenv()
	os.Setenv("TEST_HOST", "")

	var cfg testConfig
	require.NoError(t, Load(&cfg))

	// Explicitly empty string must not fall back to the default.
	assert.Equal(t, "", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
}

func TestLoad_InvalidValue(t *testing.T) {
	os.Clearenv()
	os.Setenv("TEST_PORT", "not-a-number")

	var cfg testConfig
	err := Load(&cfg)
	require.Error(t, err)

	var invalid ErrInvalidValue
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "TEST_PORT", invalid.EnvVar)
	assert.Equal(t, "Port", invalid.Field)
}

func TestLoad_NotStructPointer(t *testing.T) {
	var n int
	assert.Error(t, Load(n))
	assert.Error(t, Load(&n))
}

type validated struct {
	Threshold int `env:"TEST_THRESHOLD" default:"5"`
}

func (v *validated) Validate() error {
	if v.Threshold <= 0 {
		return errors.New("threshold must be positive")
	}
	return nil
}

type outerConfig struct {
	Inner validated
}

func TestLoad_NestedValidation(t *testing.T) {
	os.Clearenv()
	os.Setenv("TEST_THRESHOLD", "-1")

	var cfg outerConfig
	err := Load(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threshold must be positive")
}

func TestLoad_EmbeddedStruct(t *testing.T) {
	type base struct {
		DSN  string `env:"TEST_DSN"`
		Kind string `env:"TEST_KIND" default:"postgres"`
	}
	type app struct {
		base
		Name string `env:"TEST_APP_NAME" default:"octoflow"`
	}

	os.Clearenv()
	os.Setenv("TEST_DSN", "postgres://localhost/octoflow")

	var cfg app
	require.NoError(t, Load(&cfg))

	assert.Equal(t, "postgres://localhost/octoflow", cfg.DSN)
	assert.Equal(t, "postgres", cfg.Kind)
	assert.Equal(t, "octoflow", cfg.Name)
}
