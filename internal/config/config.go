package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Plugins PluginsConfig `mapstructure:"plugins"`
	Data    DataConfig    `mapstructure:"data"`
	Run     RunnerConfig  `mapstructure:"run"`
	Catalog CatalogConfig `mapstructure:"catalog"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Auth Configuration
type AuthConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	JWTSecretEnv   string         `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration  `mapstructure:"access_token_ttl"`
	Operator       OperatorConfig `mapstructure:"operator"`
}

// OperatorConfig is the single account allowed to drive the instrument.
type OperatorConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

type PluginsConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
	StateFile   string   `mapstructure:"state_file"`
}

type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

type RunnerConfig struct {
	WorkerIsolation string        `mapstructure:"worker_isolation"`
	MeasureTimeout  time.Duration `mapstructure:"measure_timeout"`
}

type CatalogConfig struct {
	Driver     string         `mapstructure:"driver"`
	SQLitePath string         `mapstructure:"sqlite_path"`
	Database   DatabaseConfig `mapstructure:"database"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, "openlabcore")

	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")
	v.SetDefault("auth.operator.username", "operator")
	v.SetDefault("auth.operator.role", "operator")

	v.SetDefault("plugins.search_paths", []string{filepath.Join(dataDir, "plugins")})
	v.SetDefault("plugins.state_file", "plugin_conf.json")

	v.SetDefault("data.dir", dataDir)

	v.SetDefault("run.worker_isolation", "process")
	v.SetDefault("run.measure_timeout", "2s")

	v.SetDefault("catalog.driver", "sqlite")
	v.SetDefault("catalog.sqlite_path", "runs.db")
	v.SetDefault("catalog.database.host", "localhost")
	v.SetDefault("catalog.database.port", 5432)
	v.SetDefault("catalog.database.database", "openlabcore")
	v.SetDefault("catalog.database.max_connections", 4)
}

// Load reads the YAML file at path. A missing file is not an error when
// path is empty; every key has a default.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	// Environment Variables mit Prefix OLC_
	v.SetEnvPrefix("OLC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if f := flags.Lookup("log-level"); f != nil {
			if err := v.BindPFlag("log.level", f); err != nil {
				return nil, fmt.Errorf("failed to bind flag: %w", err)
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// Path resolves a file name relative to the data directory.
func (d DataConfig) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(d.Dir, name)
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET" // Fallback
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		// Development Fallback (MIT WARNING!)
		return "dev-secret-change-in-production-min-32-chars"
	}
	return secret
}

// Helper um zu prüfen ob Production-Ready
func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != "dev-secret-change-in-production-min-32-chars" && len(secret) >= 32
}
