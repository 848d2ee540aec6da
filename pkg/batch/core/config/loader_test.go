package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/batchcursor/pkg/batch/core/config"
	"github.com/tigerroll/batchcursor/pkg/batch/support/util/exception"
)

const embeddedYAML = `
batchcursor:
  batch:
    batch_size: 500
    sql_query: "select id from orders where id > :id order by id limit :batchSize"
    sql_command: "delete from orders where id in (:ids)"
  retry:
    max_reconnection_attempts: 5
    transient_errors: ["ErrInvalidConn", "2013"]
  database:
    default:
      type: mysql
      host: db.internal
      user: batch
      password: ${TEST_DB_PASSWORD}
      database: shop
`

func noEnvFile(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "absent.env")
}

func TestLoadConfig_EmbeddedYAMLOverDefaults(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "s3cret")

	cfg, err := config.LoadConfig(noEnvFile(t), "", config.EmbeddedConfig(embeddedYAML))
	require.NoError(t, err)

	b := cfg.BatchCursor.Batch
	assert.Equal(t, 500, b.BatchSize)
	assert.Equal(t, int64(0), b.StartID)
	assert.Equal(t, "delete from orders where id in (:ids)", b.SQLCommand)
	assert.Equal(t, "id", b.IDColumn)
	assert.Equal(t, "checkpoint.json", b.CheckpointPath)
	assert.Equal(t, 5, cfg.BatchCursor.Retry.MaxReconnectionAttempts)
	assert.Equal(t, 3, cfg.BatchCursor.Retry.ReconnectTimeoutSeconds)
	assert.Equal(t, []string{"ErrInvalidConn", "2013"}, cfg.BatchCursor.Retry.TransientErrors)

	dbCfg, err := cfg.DatabaseConfig()
	require.NoError(t, err)
	assert.Equal(t, "db.internal", dbCfg.Host)
	assert.Equal(t, "s3cret", dbCfg.Password)
	assert.Equal(t, 3306, dbCfg.Port)

	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_ConfigFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "override.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
batchcursor:
  batch:
    start_id: 1000
    checkpoint_path: gs://ops/orders.json
`), 0o644))

	cfg, err := config.LoadConfig(noEnvFile(t), path, config.EmbeddedConfig(embeddedYAML))
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.BatchCursor.Batch.BatchSize)
	assert.Equal(t, int64(1000), cfg.BatchCursor.Batch.StartID)
	assert.Equal(t, "gs://ops/orders.json", cfg.BatchCursor.Batch.CheckpointPath)
}

func TestLoadConfig_MissingConfigFile(t *testing.T) {
	_, err := config.LoadConfig(noEnvFile(t), filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestLoadConfig_LegacyEnvironment(t *testing.T) {
	t.Setenv("mysql_host", "legacy-host")
	t.Setenv("mysql_user", "legacy-user")
	t.Setenv("mysql_password", "legacy-pass")
	t.Setenv("mysql_database", "legacy-db")
	t.Setenv("batch_size", "25")
	t.Setenv("start_id", "77")
	t.Setenv("sql_command", "update t set flag = 1 where id in (:ids)")

	cfg, err := config.LoadConfig(noEnvFile(t), "", nil)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.BatchCursor.Batch.BatchSize)
	assert.Equal(t, int64(77), cfg.BatchCursor.Batch.StartID)
	assert.Equal(t, config.DefaultSQLQuery, cfg.BatchCursor.Batch.SQLQuery)
	assert.Equal(t, "update t set flag = 1 where id in (:ids)", cfg.BatchCursor.Batch.SQLCommand)

	dbCfg, err := cfg.DatabaseConfig()
	require.NoError(t, err)
	assert.Equal(t, "legacy-host", dbCfg.Host)
	assert.Equal(t, "legacy-user", dbCfg.User)
	assert.Equal(t, "legacy-pass", dbCfg.Password)
	assert.Equal(t, "legacy-db", dbCfg.Database)
	assert.Equal(t, "mysql", dbCfg.Type)
}

func TestLoadConfig_LegacyDatabaseEnvFollowsPrefixedRef(t *testing.T) {
	t.Setenv("BATCHCURSOR_BATCH_DB_REF", "replica")
	t.Setenv("mysql_host", "legacy-host")
	t.Setenv("mysql_user", "legacy-user")

	yamlData := `
batchcursor:
  database:
    default:
      type: mysql
      host: primary.internal
    replica:
      type: mysql
      host: replica.internal
`
	cfg, err := config.LoadConfig(noEnvFile(t), "", config.EmbeddedConfig(yamlData))
	require.NoError(t, err)
	require.Equal(t, "replica", cfg.BatchCursor.Batch.DBRef)

	dbCfg, err := cfg.DatabaseConfig()
	require.NoError(t, err)
	assert.Equal(t, "legacy-host", dbCfg.Host)
	assert.Equal(t, "legacy-user", dbCfg.User)

	primary, ok := cfg.BatchCursor.Database["default"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "primary.internal", primary["host"])
	assert.NotContains(t, primary, "user")
}

func TestLoadConfig_PrefixedEnvironmentWins(t *testing.T) {
	t.Setenv("batch_size", "25")
	t.Setenv("BATCHCURSOR_BATCH_BATCH_SIZE", "40")
	t.Setenv("BATCHCURSOR_RETRY_TRANSIENT_ERRORS", "ErrBadConn, 2006 ,")
	t.Setenv("BATCHCURSOR_DATABASE_DEFAULT_HOST", "env-host")
	t.Setenv("BATCHCURSOR_DATABASE_DEFAULT_PORT", "3310")
	t.Setenv("TEST_DB_PASSWORD", "x")

	cfg, err := config.LoadConfig(noEnvFile(t), "", config.EmbeddedConfig(embeddedYAML))
	require.NoError(t, err)

	assert.Equal(t, 40, cfg.BatchCursor.Batch.BatchSize)
	assert.Equal(t, []string{"ErrBadConn", "2006"}, cfg.BatchCursor.Retry.TransientErrors)

	dbCfg, err := cfg.DatabaseConfig()
	require.NoError(t, err)
	assert.Equal(t, "env-host", dbCfg.Host)
	assert.Equal(t, 3310, dbCfg.Port)
	assert.Equal(t, "shop", dbCfg.Database)
}

func TestLoadConfig_BadEnvironmentValue(t *testing.T) {
	t.Setenv("BATCHCURSOR_BATCH_BATCH_SIZE", "lots")

	_, err := config.LoadConfig(noEnvFile(t), "", nil)
	assert.Error(t, err)
}

func TestValidate_AggregatesProblems(t *testing.T) {
	cfg := config.NewConfig()
	cfg.BatchCursor.Batch.BatchSize = 0
	cfg.BatchCursor.Batch.SQLCommand = "delete from t where id = :id"
	cfg.BatchCursor.Retry.MaxReconnectionAttempts = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, exception.ErrInvalidConfig)
	assert.False(t, exception.IsTemporary(err))
	assert.Contains(t, err.Error(), "batch.batch_size must be at least 1")
	assert.Contains(t, err.Error(), ":ids placeholder")
	assert.Contains(t, err.Error(), "retry.max_reconnection_attempts")
	assert.Contains(t, err.Error(), "database 'default'")
}

func TestValidate_Defaults(t *testing.T) {
	cfg := config.NewConfig()
	cfg.BatchCursor.Database["default"] = map[string]interface{}{"host": "localhost"}
	assert.NoError(t, cfg.Validate())

	cfg.BatchCursor.Tracing.Enabled = true
	cfg.BatchCursor.Tracing.Exporter = "zipkin"
	assert.ErrorIs(t, cfg.Validate(), exception.ErrInvalidConfig)
}
