package config

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	dbconfig "github.com/tigerroll/batchcursor/pkg/batch/adapter/database/config"
	"github.com/tigerroll/batchcursor/pkg/batch/support/util/exception"
	"github.com/tigerroll/batchcursor/pkg/batch/support/util/logger"
)

const moduleName = "config"

// envPrefix is the name of the top-level YAML key; env overrides are derived from yaml tags below it.
const envPrefix = "BATCHCURSOR_"

// legacyBatchEnv lists unprefixed environment names accepted for compatibility.
// Each one equals the yaml tag of its field in BatchConfig.
var legacyBatchEnv = []string{"batch_size", "start_id", "sql_query", "sql_command"}

// legacyDatabaseEnv maps unprefixed connection variables to fields of the referenced database entry.
var legacyDatabaseEnv = map[string]string{
	"mysql_host":     "host",
	"mysql_user":     "user",
	"mysql_password": "password",
	"mysql_database": "database",
}

var idsPlaceholder = regexp.MustCompile(`:ids\b`)

// LoadConfig builds the configuration in this order, later sources winning:
// defaults, embedded YAML, the YAML file at configFilePath, legacy batch names, BATCHCURSOR_*
// struct variables, legacy mysql_* names (into the entry chosen by the final db_ref), then
// BATCHCURSOR_DATABASE_* variables. The .env file is loaded into the process
// environment first and never overrides variables that are already set.
func LoadConfig(envFilePath, configFilePath string, embeddedConfig EmbeddedConfig) (*Config, error) {
	return loadConfig(envFilePath, configFilePath, embeddedConfig, NewOsEnvironmentExpander())
}

func loadConfig(envFilePath, configFilePath string, embeddedConfig EmbeddedConfig, expander EnvironmentExpander) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			logger.Warnf(".env file (%s) not found or could not be loaded: %v", envFilePath, err)
		}
	} else {
		if err := godotenv.Load(); err != nil {
			logger.Debugf(".env file not found or could not be loaded: %v", err)
		}
	}

	cfg := NewConfig()

	if err := applyYAML(cfg, embeddedConfig, expander); err != nil {
		return nil, exception.NewBatchError(moduleName, "failed to unmarshal embedded config", err, false)
	}
	if configFilePath != "" {
		data, err := os.ReadFile(configFilePath)
		if err != nil {
			return nil, exception.NewBatchErrorf(moduleName, "failed to read config file '%s'", configFilePath, err)
		}
		if err := applyYAML(cfg, data, expander); err != nil {
			return nil, exception.NewBatchErrorf(moduleName, "failed to unmarshal config file '%s'", configFilePath, err)
		}
	}
	cfg.EmbeddedConfig = embeddedConfig

	if err := applyLegacyBatchEnv(cfg); err != nil {
		return nil, exception.NewBatchError(moduleName, "failed to load config from legacy environment variables", err, false)
	}
	if err := loadStructFromEnv(reflect.ValueOf(cfg).Elem(), ""); err != nil {
		return nil, exception.NewBatchError(moduleName, "failed to load config from environment variables", err, false)
	}
	applyLegacyDatabaseEnv(cfg)
	loadDatabaseFromEnv(cfg.BatchCursor.Database, envPrefix+"DATABASE_")
	return cfg, nil
}

// applyYAML decodes data over cfg. Keys absent from data keep their current values.
func applyYAML(cfg *Config, data []byte, expander EnvironmentExpander) error {
	if len(data) == 0 {
		return nil
	}
	expanded, err := expander.Expand(data)
	if err != nil {
		return err
	}
	if cfg.BatchCursor.Database == nil {
		cfg.BatchCursor.Database = map[string]interface{}{}
	}
	return yaml.Unmarshal(expanded, cfg)
}

// DatabaseConfig decodes the entry referenced by batch.db_ref.
func (c *Config) DatabaseConfig() (dbconfig.DatabaseConfig, error) {
	ref := c.BatchCursor.Batch.DBRef
	raw, ok := c.BatchCursor.Database[ref]
	if !ok {
		return dbconfig.DatabaseConfig{}, exception.NewBatchError(moduleName,
			fmt.Sprintf("database '%s' referenced by batch.db_ref is not configured", ref),
			exception.ErrInvalidConfig, false)
	}
	dbCfg, err := dbconfig.Decode(raw)
	if err != nil {
		return dbconfig.DatabaseConfig{}, exception.NewBatchError(moduleName,
			fmt.Sprintf("invalid settings for database '%s'", ref),
			fmt.Errorf("%w: %w", exception.ErrInvalidConfig, err), false)
	}
	return dbCfg, nil
}

// Validate reports every configuration problem at once. The returned error wraps
// exception.ErrInvalidConfig.
func (c *Config) Validate() error {
	var result *multierror.Error
	b := c.BatchCursor.Batch
	r := c.BatchCursor.Retry

	if b.BatchSize < 1 {
		result = multierror.Append(result, fmt.Errorf("batch.batch_size must be at least 1, got %d", b.BatchSize))
	}
	if b.StartID < 0 {
		result = multierror.Append(result, fmt.Errorf("batch.start_id must not be negative, got %d", b.StartID))
	}
	if strings.TrimSpace(b.SQLQuery) == "" {
		result = multierror.Append(result, fmt.Errorf("batch.sql_query is empty"))
	}
	if strings.TrimSpace(b.SQLCommand) == "" {
		result = multierror.Append(result, fmt.Errorf("batch.sql_command is empty"))
	} else if !idsPlaceholder.MatchString(b.SQLCommand) {
		result = multierror.Append(result, fmt.Errorf("batch.sql_command must reference the :ids placeholder"))
	}
	if strings.TrimSpace(b.IDColumn) == "" {
		result = multierror.Append(result, fmt.Errorf("batch.id_column is empty"))
	}
	if strings.TrimSpace(b.CheckpointPath) == "" {
		result = multierror.Append(result, fmt.Errorf("batch.checkpoint_path is empty"))
	}
	if r.MaxReconnectionAttempts < 0 {
		result = multierror.Append(result, fmt.Errorf("retry.max_reconnection_attempts must not be negative, got %d", r.MaxReconnectionAttempts))
	}
	if r.ReconnectTimeoutSeconds < 0 {
		result = multierror.Append(result, fmt.Errorf("retry.reconnect_timeout_seconds must not be negative, got %d", r.ReconnectTimeoutSeconds))
	}
	if _, err := c.DatabaseConfig(); err != nil {
		result = multierror.Append(result, err)
	}
	if c.BatchCursor.Metrics.Enabled && c.BatchCursor.Metrics.ListenAddress == "" {
		result = multierror.Append(result, fmt.Errorf("metrics.listen_address is required when metrics are enabled"))
	}
	if t := c.BatchCursor.Tracing; t.Enabled && t.Exporter != "grpc" && t.Exporter != "http" {
		result = multierror.Append(result, fmt.Errorf("tracing.exporter must be grpc or http, got '%s'", t.Exporter))
	}

	if err := result.ErrorOrNil(); err != nil {
		return exception.NewBatchError(moduleName, "invalid configuration", fmt.Errorf("%w: %w", exception.ErrInvalidConfig, err), false)
	}
	return nil
}

// lookupLegacy reads an unprefixed variable, accepting its lower or upper case spelling.
func lookupLegacy(name string) (string, bool) {
	if v, ok := os.LookupEnv(name); ok {
		return v, true
	}
	return os.LookupEnv(strings.ToUpper(name))
}

// applyLegacyBatchEnv applies the unprefixed batch variables (batch_size, start_id, ...).
func applyLegacyBatchEnv(cfg *Config) error {
	batchVal := reflect.ValueOf(&cfg.BatchCursor.Batch).Elem()
	for _, envName := range legacyBatchEnv {
		value, ok := lookupLegacy(envName)
		if !ok {
			continue
		}
		if err := setStructFieldFromEnv(batchVal, envName, value); err != nil {
			return fmt.Errorf("env var '%s': %w", envName, err)
		}
	}
	return nil
}

// applyLegacyDatabaseEnv writes mysql_host, mysql_user, ... into the entry named by batch.db_ref.
// It must run after BATCHCURSOR_BATCH_DB_REF has been applied.
func applyLegacyDatabaseEnv(cfg *Config) {
	for envName, key := range legacyDatabaseEnv {
		value, ok := lookupLegacy(envName)
		if !ok {
			continue
		}
		databaseEntry(cfg.BatchCursor.Database, cfg.BatchCursor.Batch.DBRef)[key] = value
	}
}

// databaseEntry returns the settings map for ref, creating it when missing.
func databaseEntry(databases map[string]interface{}, ref string) map[string]interface{} {
	if entry, ok := databases[ref].(map[string]interface{}); ok {
		return entry
	}
	entry := map[string]interface{}{}
	databases[ref] = entry
	return entry
}

// loadStructFromEnv recursively loads configuration values into a struct from environment variables.
// It uses the "yaml" tag to determine the environment variable name.
//
// Parameters:
//
//	val: The reflect.Value of the struct to populate.
//	prefix: The prefix for environment variable names (e.g., "BATCHCURSOR_BATCH_").
func loadStructFromEnv(val reflect.Value, prefix string) error {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		yamlTag := fieldType.Tag.Get("yaml")
		if yamlTag == "" || yamlTag == "-" {
			continue
		}
		envVarName := strings.ToUpper(prefix + yamlTag)

		if field.Kind() == reflect.Struct {
			if err := loadStructFromEnv(field, envVarName+"_"); err != nil {
				return err
			}
			continue
		}

		envValue, exists := os.LookupEnv(envVarName)
		if !exists {
			continue
		}
		if err := setField(field, envValue); err != nil {
			return fmt.Errorf("failed to set field '%s' from env var '%s': %w", fieldType.Name, envVarName, err)
		}
	}
	return nil
}

// loadDatabaseFromEnv applies variables of the form <prefix><REF>_<FIELD>.
// Example: BATCHCURSOR_DATABASE_DEFAULT_HOST=db sets database.default.host.
// The ref is the first segment, so refs containing underscores cannot be set this way.
func loadDatabaseFromEnv(databases map[string]interface{}, prefix string) {
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		keyAndField, envValue, ok := strings.Cut(strings.TrimPrefix(env, prefix), "=")
		if !ok {
			continue
		}
		ref, field, ok := strings.Cut(keyAndField, "_")
		if !ok || ref == "" || field == "" {
			continue
		}
		databaseEntry(databases, strings.ToLower(ref))[strings.ToLower(field)] = envValue
	}
}

// setStructFieldFromEnv sets the field of structVal whose yaml tag equals fieldName (case-insensitive).
func setStructFieldFromEnv(structVal reflect.Value, fieldName string, value string) error {
	typ := structVal.Type()
	for i := 0; i < typ.NumField(); i++ {
		yamlTag := typ.Field(i).Tag.Get("yaml")
		if yamlTag == "" || yamlTag == "-" {
			continue
		}
		if strings.EqualFold(yamlTag, fieldName) {
			return setField(structVal.Field(i), value)
		}
	}
	return nil
}

// setField sets the value of a reflect.Value field based on its kind.
// Slices of strings are read as comma-separated lists.
func setField(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		intValue, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(intValue)
	case reflect.Float64, reflect.Float32:
		floatValue, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return err
		}
		field.SetFloat(floatValue)
	case reflect.Bool:
		boolValue, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return err
		}
		field.SetBool(boolValue)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return nil
		}
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		field.Set(reflect.ValueOf(items))
	}
	return nil
}
