// Package config holds the connection settings for the data store the batch runs against.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/tigerroll/batchcursor/pkg/batch/support/util/configbinder"
)

// PoolConfig holds database connection pool settings.
type PoolConfig struct {
	MaxOpenConns           int `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns           int `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetimeMinutes int `yaml:"conn_max_lifetime_minutes" mapstructure:"conn_max_lifetime_minutes"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Type     string `yaml:"type" mapstructure:"type"`         // Database type ("mysql" or "sqlite3").
	Host     string `yaml:"host" mapstructure:"host"`         // Database host address.
	Port     int    `yaml:"port" mapstructure:"port"`         // Database port number.
	Database string `yaml:"database" mapstructure:"database"` // Database name, or the file path for sqlite3.
	User     string `yaml:"user" mapstructure:"user"`         // Database user.
	Password string `yaml:"password" mapstructure:"password"` // Database password.
	// Timezone is the session time zone; "+00:00" keeps timestamps in UTC.
	Timezone string `yaml:"timezone" mapstructure:"timezone"`
	// MultiStatements allows a mutation template to contain several statements.
	MultiStatements bool `yaml:"multi_statements" mapstructure:"multi_statements"`
	// Interpolate renders parameters into the SQL text instead of binding them.
	Interpolate bool `yaml:"interpolate" mapstructure:"interpolate"`
	// Params are extra driver parameters appended to the DSN.
	Params map[string]string `yaml:"params" mapstructure:"params"`
	Pool   PoolConfig        `yaml:"pool" mapstructure:"pool"` // Connection pool settings.
}

// Defaults returns the connection settings used when nothing is configured.
func Defaults() DatabaseConfig {
	return DatabaseConfig{
		Type:            "mysql",
		Host:            "localhost",
		Port:            3306,
		Timezone:        "+00:00",
		MultiStatements: true,
		Pool: PoolConfig{
			MaxOpenConns: 4,
			MaxIdleConns: 2,
		},
	}
}

// Decode converts a raw configuration entry (as loaded from YAML or assembled from the
// environment) into a DatabaseConfig, starting from Defaults. String values are converted
// to the field types, so "3306" and "true" are accepted.
func Decode(raw interface{}) (DatabaseConfig, error) {
	cfg := Defaults()
	if err := configbinder.BindProperties(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode database config: %w", err)
	}
	return cfg, nil
}

// DriverName returns the database/sql driver name for the configured type.
func (c DatabaseConfig) DriverName() (string, error) {
	switch strings.ToLower(c.Type) {
	case "mysql", "mariadb":
		return "mysql", nil
	case "sqlite", "sqlite3":
		return "sqlite3", nil
	}
	return "", fmt.Errorf("unsupported database type: %s", c.Type)
}

// DSN builds the driver connection string.
func (c DatabaseConfig) DSN() (string, error) {
	driver, err := c.DriverName()
	if err != nil {
		return "", err
	}
	if driver == "sqlite3" {
		if c.Database == "" {
			return ":memory:", nil
		}
		return c.Database, nil
	}

	mc := mysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	mc.DBName = c.Database
	mc.MultiStatements = c.MultiStatements
	mc.ParseTime = true
	mc.Loc = time.UTC
	if c.Timezone != "" || len(c.Params) > 0 {
		mc.Params = make(map[string]string, len(c.Params)+1)
		if c.Timezone != "" {
			mc.Params["time_zone"] = "'" + c.Timezone + "'"
		}
		for k, v := range c.Params {
			mc.Params[k] = v
		}
	}
	return mc.FormatDSN(), nil
}

// Summary returns a human-readable description of the target with the password masked.
func (c DatabaseConfig) Summary() string {
	if strings.HasPrefix(strings.ToLower(c.Type), "sqlite") {
		return fmt.Sprintf("%s:%s", c.Type, c.Database)
	}
	password := ""
	if c.Password != "" {
		password = ":********"
	}
	return fmt.Sprintf("%s://%s%s@%s/%s", c.Type, c.User, password, net.JoinHostPort(c.Host, strconv.Itoa(c.Port)), c.Database)
}
