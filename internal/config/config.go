// Package config loads server configuration from files and environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every runtime option the server recognizes. Values come from
// an optional config file with environment variables taking precedence.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// WareHouseDir is the root under which each session owns a workspace.
	WareHouseDir string `mapstructure:"ware_house_dir"`
	// YamlDir holds the uploadable workflow definitions.
	YamlDir string `mapstructure:"yaml_dir"`
	// VueGraphsDBPath is the SQLite database backing the graph editor.
	VueGraphsDBPath string `mapstructure:"vuegraphs_db_path"`

	CORSAllowOrigins []string `mapstructure:"cors_allow_origins"`

	LogLevel        string `mapstructure:"log_level"`
	ServerLogFile   string `mapstructure:"server_log_file"`
	WorkflowLogFile string `mapstructure:"workflow_log_file"`

	// Environment toggles expanded error details in 5xx bodies when set to
	// "development".
	Environment string `mapstructure:"environment"`
}

// envBindings maps viper keys to their environment variable names.
var envBindings = map[string]string{
	"host":              "HOST",
	"port":              "PORT",
	"ware_house_dir":    "WARE_HOUSE_DIR",
	"yaml_dir":          "YAML_DIR",
	"vuegraphs_db_path": "VUEGRAPHS_DB_PATH",
	"cors_allow_origins": "CORS_ALLOW_ORIGINS",
	"log_level":         "LOG_LEVEL",
	"server_log_file":   "SERVER_LOG_FILE",
	"workflow_log_file": "WORKFLOW_LOG_FILE",
	"environment":       "ENVIRONMENT",
}

// Load reads configuration, optionally from configPath (JSON or YAML).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8000)
	v.SetDefault("ware_house_dir", "WareHouse")
	v.SetDefault("yaml_dir", "yamls")
	v.SetDefault("vuegraphs_db_path", "vuegraphs.db")
	v.SetDefault("log_level", "INFO")
	v.SetDefault("environment", "production")

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// CORS_ALLOW_ORIGINS arrives comma-separated from the environment.
	if raw := v.GetString("cors_allow_origins"); raw != "" && len(cfg.CORSAllowOrigins) <= 1 {
		cfg.CORSAllowOrigins = splitCSV(raw)
	}

	return cfg, nil
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// IsDevelopment reports whether expanded error bodies should be served.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "development")
}

// Addr returns the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// EnsureDirectories creates the warehouse and workflow directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.WareHouseDir, c.YamlDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if c.VueGraphsDBPath != "" {
		if err := os.MkdirAll(filepath.Dir(c.VueGraphsDBPath), 0o755); err != nil {
			return fmt.Errorf("create db dir: %w", err)
		}
	}
	return nil
}
