package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the variable holding the optional YAML config file.
const EnvConfigPath = "TASKSYNC_CONFIG"

// Config is the process configuration. Values come from defaults, then the
// YAML file, then environment variables.
type Config struct {
	Debug        bool               `yaml:"debug"`
	ListenAddr   string             `yaml:"listenAddr"`
	Timezone     string             `yaml:"timezone"`
	DataDir      string             `yaml:"dataDir"`
	Journal      JournalConfig      `yaml:"journal"`
	Remote       RemoteConfig       `yaml:"remote"`
	Redis        RedisConfig        `yaml:"redis"`
	Auth         AuthConfig         `yaml:"auth"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Sync         SyncConfig         `yaml:"sync"`
	Notify       NotifyConfig       `yaml:"notify"`

	// CORSOrigins lists browser origins allowed to call the API. Empty
	// disables cross-origin access.
	CORSOrigins []string `yaml:"corsOrigins"`
}

type JournalConfig struct {
	CompactMB int `yaml:"compactMB"`
	SyncEvery int `yaml:"syncEvery"`
}

type RemoteConfig struct {
	ConnectionString string `yaml:"connectionString"`
	TasksTable       string `yaml:"tasksTable"`
	ChangeQueue      string `yaml:"changeQueue"`
	Provision        bool   `yaml:"provision"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
	LeaseTTL time.Duration `yaml:"leaseTTL"`
}

type AuthConfig struct {
	Domain       string        `yaml:"domain"`
	Audience     string        `yaml:"audience"`
	SharedSecret string        `yaml:"sharedSecret"`
	JWKSCacheTTL time.Duration `yaml:"jwksCacheTTL"`
	// User signs the process in as a fixed user when no token flow is configured.
	User string `yaml:"user"`
}

type ConnectivityConfig struct {
	// Initial is one of probe, online or offline.
	Initial      string        `yaml:"initial"`
	ProbeAddr    string        `yaml:"probeAddr"`
	ProbeTimeout time.Duration `yaml:"probeTimeout"`
}

type SyncConfig struct {
	UploadConcurrency int           `yaml:"uploadConcurrency"`
	RetryInitial      time.Duration `yaml:"retryInitial"`
	RetryMax          time.Duration `yaml:"retryMax"`
}

type NotifyConfig struct {
	Channel string `yaml:"channel"`
	// Permission is the platform state at start: default, granted or denied.
	Permission string `yaml:"permission"`
	// OnPrompt is the answer a permission request receives.
	OnPrompt string `yaml:"onPrompt"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr: "127.0.0.1:8080",
		DataDir:    defaultDataDir(),
		Journal:    JournalConfig{CompactMB: 4, SyncEvery: 1},
		Redis:      RedisConfig{CacheTTL: 30 * time.Second, LeaseTTL: 30 * time.Second},
		Auth:       AuthConfig{JWKSCacheTTL: 15 * time.Minute},
		Connectivity: ConnectivityConfig{
			Initial:      "probe",
			ProbeTimeout: 3 * time.Second,
		},
		Sync: SyncConfig{
			UploadConcurrency: 4,
			RetryInitial:      5 * time.Second,
			RetryMax:          5 * time.Minute,
		},
		Notify: NotifyConfig{
			Channel:    "tasksync-notifications",
			Permission: "default",
			OnPrompt:   "granted",
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "tasksync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "tasksync")
	}
	return filepath.Join(os.TempDir(), "tasksync")
}

// Load builds the configuration. path may be empty, in which case
// TASKSYNC_CONFIG is consulted; a missing file is an error only when a path
// was given explicitly.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvConfigPath)
		explicit = path != ""
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}

	var env envReader
	env.applyTo(&cfg)
	if err := errors.Join(env.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type envReader struct {
	errs []error
}

func (e *envReader) applyTo(cfg *Config) {
	cfg.Debug = e.envBool("DEBUG", cfg.Debug)
	cfg.ListenAddr = e.envString("LISTEN_ADDR", cfg.ListenAddr)
	if port, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok && port != "" {
		cfg.ListenAddr = "127.0.0.1:" + port
	}
	cfg.CORSOrigins = e.envList("CORS_ALLOWED_ORIGINS", cfg.CORSOrigins)
	cfg.Timezone = e.envString("TASKSYNC_TIMEZONE", cfg.Timezone)
	cfg.DataDir = e.envString("TASKSYNC_DATA_DIR", cfg.DataDir)
	cfg.Journal.CompactMB = e.envInt("JOURNAL_COMPACT_MB", cfg.Journal.CompactMB)
	cfg.Journal.SyncEvery = e.envInt("JOURNAL_SYNC_EVERY", cfg.Journal.SyncEvery)

	cfg.Remote.ConnectionString = e.envString("STORAGE_CONNECTION_STRING", cfg.Remote.ConnectionString)
	cfg.Remote.TasksTable = e.envString("TASKS_TABLE", cfg.Remote.TasksTable)
	cfg.Remote.ChangeQueue = e.envString("TASK_CHANGES_QUEUE", cfg.Remote.ChangeQueue)
	cfg.Remote.Provision = e.envBool("PROVISION_STORAGE", cfg.Remote.Provision)

	cfg.Redis.URL = e.envString("REDIS_CONNECTION_STRING", cfg.Redis.URL)
	cfg.Redis.CacheTTL = e.envDur("REMOTE_CACHE_TTL", cfg.Redis.CacheTTL)
	cfg.Redis.LeaseTTL = e.envDur("UPLOAD_LEASE_TTL", cfg.Redis.LeaseTTL)

	cfg.Auth.Domain = e.envString("AUTH0_DOMAIN", cfg.Auth.Domain)
	cfg.Auth.Audience = e.envString("AUTH0_AUDIENCE", cfg.Auth.Audience)
	cfg.Auth.SharedSecret = e.envString("LOCAL_AUTH_SHARED_SECRET", cfg.Auth.SharedSecret)
	cfg.Auth.JWKSCacheTTL = e.envDur("JWKS_CACHE_TTL", cfg.Auth.JWKSCacheTTL)
	cfg.Auth.User = e.envString("TASKSYNC_USER", cfg.Auth.User)

	cfg.Connectivity.Initial = e.envString("CONNECTIVITY_INITIAL", cfg.Connectivity.Initial)
	cfg.Connectivity.ProbeAddr = e.envString("CONNECTIVITY_PROBE_ADDR", cfg.Connectivity.ProbeAddr)
	cfg.Connectivity.ProbeTimeout = e.envDur("CONNECTIVITY_PROBE_TIMEOUT", cfg.Connectivity.ProbeTimeout)

	cfg.Sync.UploadConcurrency = e.envInt("UPLOAD_CONCURRENCY", cfg.Sync.UploadConcurrency)
	cfg.Sync.RetryInitial = e.envDur("RESYNC_RETRY_INITIAL", cfg.Sync.RetryInitial)
	cfg.Sync.RetryMax = e.envDur("RESYNC_RETRY_MAX", cfg.Sync.RetryMax)

	cfg.Notify.Channel = e.envString("NOTIFY_CHANNEL", cfg.Notify.Channel)
	cfg.Notify.Permission = e.envString("NOTIFICATION_PERMISSION", cfg.Notify.Permission)
	cfg.Notify.OnPrompt = e.envString("NOTIFICATION_PERMISSION_ON_PROMPT", cfg.Notify.OnPrompt)
}

func (e *envReader) envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *envReader) envList(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (e *envReader) envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return n
}

func (e *envReader) envDur(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return d
}

func (e *envReader) envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return b
}

// Validate reports every inconsistent setting.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, errors.New("listen address must be set"))
	}
	for _, origin := range c.CORSOrigins {
		if strings.TrimSpace(origin) == "*" {
			errs = append(errs, errors.New("wildcard CORS origin is not allowed"))
		}
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	switch c.Connectivity.Initial {
	case "probe", "online", "offline":
	default:
		errs = append(errs, fmt.Errorf("invalid connectivity initial state %q", c.Connectivity.Initial))
	}
	if c.Remote.ConnectionString != "" && c.Remote.TasksTable == "" {
		errs = append(errs, errors.New("TASKS_TABLE is required with a storage connection string"))
	}
	if c.Auth.Domain != "" && c.Auth.Audience == "" {
		errs = append(errs, errors.New("AUTH0_AUDIENCE is required with AUTH0_DOMAIN"))
	}
	if c.Sync.UploadConcurrency <= 0 {
		errs = append(errs, errors.New("upload concurrency must be greater than zero"))
	}
	if c.Journal.CompactMB < 0 {
		errs = append(errs, errors.New("journal compaction size must not be negative"))
	}
	if c.Redis.CacheTTL < 0 || c.Redis.LeaseTTL < 0 {
		errs = append(errs, errors.New("redis TTLs must not be negative"))
	}
	return errors.Join(errs...)
}

// Location resolves Timezone, defaulting to the host zone.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ProbeAddress returns the address used to seed the initial connectivity
// reading: the configured one, or the table endpoint from the connection
// string.
func (c Config) ProbeAddress() string {
	if c.Connectivity.ProbeAddr != "" {
		return c.Connectivity.ProbeAddr
	}
	return tableEndpoint(c.Remote.ConnectionString)
}

func tableEndpoint(connStr string) string {
	var account, suffix, protocol, explicit string
	for _, part := range strings.Split(connStr, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "accountname":
			account = kv[1]
		case "endpointsuffix":
			suffix = kv[1]
		case "defaultendpointsprotocol":
			protocol = strings.ToLower(kv[1])
		case "tableendpoint":
			explicit = kv[1]
		}
	}
	if explicit != "" {
		return hostPort(explicit)
	}
	if account == "" {
		return ""
	}
	if suffix == "" {
		suffix = "core.windows.net"
	}
	port := "443"
	if protocol == "http" {
		port = "80"
	}
	return account + ".table." + suffix + ":" + port
}

func hostPort(endpoint string) string {
	port := "443"
	rest := endpoint
	if strings.HasPrefix(rest, "http://") {
		port = "80"
		rest = strings.TrimPrefix(rest, "http://")
	}
	rest = strings.TrimPrefix(rest, "https://")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if strings.Contains(rest, ":") {
		return rest
	}
	return rest + ":" + port
}
