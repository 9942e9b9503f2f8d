package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingDatabaseURLIsFatal(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_URL_FILE", "")

	cfg, err := Load()
	require.ErrorIs(t, err, ErrMissingDatabaseURL)
	assert.Nil(t, cfg)
}

func TestLoad_SecretFileWinsOverEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "database_url")
	require.NoError(t, os.WriteFile(path, []byte("postgres://secret@db/pwh\n"), 0o600))
	t.Setenv("DATABASE_URL_FILE", path)
	t.Setenv("DATABASE_URL", "postgres://env@db/pwh")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://secret@db/pwh", cfg.Database.URL)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL_FILE", "")
	t.Setenv("DATABASE_URL", "postgres://env@db/pwh")
	t.Setenv("CACHE_TTL", "")
	t.Setenv("IMPORT_TX_MODE", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://env@db/pwh", cfg.Database.URL)
	assert.Equal(t, "row", cfg.Import.TxMode)
	assert.Equal(t, 10*time.Minute, cfg.CacheTTL)
	assert.False(t, cfg.MQTT.Enabled)
}

func TestLoad_RejectsUnknownTxMode(t *testing.T) {
	t.Setenv("DATABASE_URL_FILE", "")
	t.Setenv("DATABASE_URL", "postgres://env@db/pwh")
	t.Setenv("IMPORT_TX_MODE", "batch")

	_, err := Load()
	require.Error(t, err)
}
