package config

import (
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8000 {
		t.Errorf("default port = %d, want 8000", cfg.Port)
	}
	if cfg.WareHouseDir != "WareHouse" {
		t.Errorf("default warehouse = %q", cfg.WareHouseDir)
	}
	if cfg.LogLevel != "INFO" {
		t.Errorf("default log level = %q", cfg.LogLevel)
	}
	if cfg.IsDevelopment() {
		t.Error("default environment must not be development")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WARE_HOUSE_DIR", "/tmp/wh")
	t.Setenv("PORT", "9100")
	t.Setenv("CORS_ALLOW_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("ENVIRONMENT", "development")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WareHouseDir != "/tmp/wh" {
		t.Errorf("warehouse = %q", cfg.WareHouseDir)
	}
	if cfg.Port != 9100 {
		t.Errorf("port = %d", cfg.Port)
	}
	if len(cfg.CORSAllowOrigins) != 2 || cfg.CORSAllowOrigins[1] != "http://b.example" {
		t.Errorf("cors origins = %v", cfg.CORSAllowOrigins)
	}
	if !cfg.IsDevelopment() {
		t.Error("ENVIRONMENT=development should enable development mode")
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := &Config{
		WareHouseDir:    filepath.Join(base, "wh"),
		YamlDir:         filepath.Join(base, "yamls"),
		VueGraphsDBPath: filepath.Join(base, "db", "graphs.db"),
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
}

func TestAddr(t *testing.T) {
	cfg := &Config{Host: "127.0.0.1", Port: 8000}
	if cfg.Addr() != "127.0.0.1:8000" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
}
