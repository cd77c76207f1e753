package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.chandispatch.dev/internal/config"
)

func TestLoad_DefaultsWithNoFileOrEnv(t *testing.T) {
	os.Unsetenv("CHANDISPATCH_CONFIG_FILE")
	os.Unsetenv("CHANDISPATCH_HTTP_PORT")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "chandispatch", cfg.MongoDB.Database)
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	t.Setenv("CHANDISPATCH_HTTP_PORT", "9090")
	t.Setenv("CHANDISPATCH_BUS_NATS_URL", "nats://bus.internal:4222")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "nats://bus.internal:4222", cfg.Bus.NATS.URL)
}

func TestLoad_FileOverridesDefaultsAndEnvOverridesFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "chandispatch-*.toml")
	require.NoError(t, err)
	_, err = f.WriteString("[http]\nport = 7000\n\n[mongodb]\ndatabase = \"from_file\"\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	t.Setenv("CHANDISPATCH_CONFIG_FILE", f.Name())
	t.Setenv("CHANDISPATCH_MONGODB_DATABASE", "from_env")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.HTTP.Port, "file value used where env does not override")
	assert.Equal(t, "from_env", cfg.MongoDB.Database, "env overrides file")
}
