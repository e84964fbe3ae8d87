package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:8080" || cfg.Sync.UploadConcurrency != 4 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 0 {
		t.Fatalf("cross-origin access must be off by default: %v", cfg.CORSOrigins)
	}
}

func TestLoadListenAndCORSFromEnv(t *testing.T) {
	t.Setenv("FUNCTIONS_CUSTOMHANDLER_PORT", "7071")
	t.Setenv("CORS_ALLOWED_ORIGINS", " http://localhost:5173 , ,https://app.example.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7071" {
		t.Fatalf("handler port must stay on loopback, got %s", cfg.ListenAddr)
	}
	if strings.Join(cfg.CORSOrigins, ",") != "http://localhost:5173,https://app.example.com" {
		t.Fatalf("unexpected origins: %q", cfg.CORSOrigins)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasksync.yaml")
	data := `
listenAddr: ":9090"
dataDir: /var/lib/tasksync
remote:
  connectionString: "AccountName=acct;AccountKey=a2V5;EndpointSuffix=core.windows.net"
  tasksTable: Tasks
redis:
  cacheTTL: 1m
sync:
  uploadConcurrency: 2
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("UPLOAD_CONCURRENCY", "8")
	t.Setenv("CONNECTIVITY_INITIAL", "offline")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9090" || cfg.DataDir != "/var/lib/tasksync" {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.Redis.CacheTTL != time.Minute {
		t.Fatalf("unexpected cache ttl: %v", cfg.Redis.CacheTTL)
	}
	if cfg.Sync.UploadConcurrency != 8 {
		t.Fatalf("env must override yaml, got %d", cfg.Sync.UploadConcurrency)
	}
	if cfg.Connectivity.Initial != "offline" {
		t.Fatalf("unexpected initial state: %s", cfg.Connectivity.Initial)
	}
	if cfg.Redis.LeaseTTL != 30*time.Second {
		t.Fatalf("unset values must keep defaults, got %v", cfg.Redis.LeaseTTL)
	}
	if got := cfg.ProbeAddress(); got != "acct.table.core.windows.net:443" {
		t.Fatalf("unexpected probe address: %s", got)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	t.Setenv("UPLOAD_CONCURRENCY", "many")
	t.Setenv("REMOTE_CACHE_TTL", "soon")
	_, err := Load("")
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, key := range []string{"UPLOAD_CONCURRENCY", "REMOTE_CACHE_TTL"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error should name %s: %v", key, err)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "initial", mutate: func(c *Config) { c.Connectivity.Initial = "sometimes" }, want: "connectivity"},
		{name: "table", mutate: func(c *Config) { c.Remote.ConnectionString = "x" }, want: "TASKS_TABLE"},
		{name: "audience", mutate: func(c *Config) { c.Auth.Domain = "tenant.auth0.com" }, want: "AUTH0_AUDIENCE"},
		{name: "concurrency", mutate: func(c *Config) { c.Sync.UploadConcurrency = 0 }, want: "concurrency"},
		{name: "timezone", mutate: func(c *Config) { c.Timezone = "Mars/Olympus" }, want: "timezone"},
		{name: "cors", mutate: func(c *Config) { c.CORSOrigins = []string{"*"} }, want: "CORS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestTableEndpoint(t *testing.T) {
	tests := map[string]string{
		"":                                   "",
		"AccountName=a;EndpointSuffix=x.net": "a.table.x.net:443",
		"DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;TableEndpoint=http://127.0.0.1:10002/devstoreaccount1": "127.0.0.1:10002",
		"DefaultEndpointsProtocol=http;AccountName=a": "a.table.core.windows.net:80",
	}
	for in, want := range tests {
		if got := tableEndpoint(in); got != want {
			t.Fatalf("tableEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}
