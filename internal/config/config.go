package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Configuration — YAML file + environment overrides + defaults
// =============================================================================

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	CloudTasks CloudTasksConfig `yaml:"cloud_tasks"`
	Spanner    SpannerConfig    `yaml:"spanner"`
	ModelGW    ModelGWConfig    `yaml:"model_gateway"`
	Evidence   EvidenceConfig   `yaml:"evidence"`
	Quota      QuotaConfig      `yaml:"quota"`
	HITL       HITLConfig       `yaml:"hitl"`
	Identity   IdentityConfig   `yaml:"identity"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// DatabaseConfig covers both the Supabase control-plane client (tenants,
// API keys) and the raw Postgres DSN used by lib/pq-backed stores
// (checkpoints, HITL tickets, proof chain, audit ledger).
type DatabaseConfig struct {
	Supabase SupabaseConfig `yaml:"supabase"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type SupabaseConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

// RedisConfig drives both internal/cache and internal/fabric's cross-pod
// hub store/event bus. Enabled=false runs everything in-memory, single-pod.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PubSubConfig for Google Cloud Pub/Sub stage-event distribution.
type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	Enabled   bool   `yaml:"enabled"`
}

// CloudTasksConfig for HITL expiry scheduling (internal/hitl/scheduler.go).
type CloudTasksConfig struct {
	ProjectID   string `yaml:"project_id"`
	LocationID  string `yaml:"location_id"`
	QueueID     string `yaml:"queue_id"`
	CallbackURL string `yaml:"callback_url"`
	Enabled     bool   `yaml:"enabled"`
}

// SpannerConfig for the cross-domain vector index (internal/vectorindex).
type SpannerConfig struct {
	ProjectID  string `yaml:"project_id"`
	InstanceID string `yaml:"instance_id"`
	DatabaseID string `yaml:"database_id"`
}

// ModelGWConfig lists the verifier model endpoints the Model Inference
// Gateway dials at startup, one per model participating in consensus.
type ModelGWConfig struct {
	Endpoints  []ModelEndpoint `yaml:"endpoints"`
	TimeoutSec int             `yaml:"timeout_sec"`
}

type ModelEndpoint struct {
	ModelID string  `yaml:"model_id"`
	Addr    string  `yaml:"addr"`
	Weight  float64 `yaml:"weight"`
}

type EvidenceConfig struct {
	SigningKeyHex string `yaml:"signing_key_hex"`
}

type QuotaConfig struct {
	Enabled bool `yaml:"enabled"`
}

type HITLConfig struct {
	DefaultTimeoutSec int    `yaml:"default_timeout_sec"`
	TimeoutPolicy     string `yaml:"timeout_policy"` // only "deny" (hitl.TimeoutDeny) exists; nothing reads this field
}

// IdentityConfig names the SPIFFE trust domain model-gateway and reviewer
// mTLS identities are issued under (internal/identity).
type IdentityConfig struct {
	TrustDomain        string `yaml:"trust_domain"`
	SPIFFEEndpointSock string `yaml:"spiffe_endpoint_socket"`
}

// =============================================================================
// Singleton with environment overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("SHIELD_ENV", c.Server.Env)

	c.Database.Supabase.URL = getEnv("SUPABASE_URL", c.Database.Supabase.URL)
	c.Database.Supabase.ServiceKey = getEnv("SUPABASE_SERVICE_KEY", c.Database.Supabase.ServiceKey)
	c.Database.PostgresDSN = getEnv("DATABASE_URL", c.Database.PostgresDSN)

	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if v := getEnvInt("REDIS_DB", -1); v >= 0 {
		c.Redis.DB = v
	}

	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.PubSub.ProjectID = projectID
		c.CloudTasks.ProjectID = projectID
		c.Spanner.ProjectID = projectID
	}
	c.PubSub.TopicID = getEnv("PUBSUB_TOPIC_ID", c.PubSub.TopicID)
	c.PubSub.Enabled = getEnvBool("PUBSUB_ENABLED", c.PubSub.Enabled)

	c.CloudTasks.LocationID = getEnv("CLOUD_TASKS_LOCATION", c.CloudTasks.LocationID)
	c.CloudTasks.QueueID = getEnv("CLOUD_TASKS_QUEUE", c.CloudTasks.QueueID)
	c.CloudTasks.CallbackURL = getEnv("CLOUD_TASKS_CALLBACK_URL", c.CloudTasks.CallbackURL)
	c.CloudTasks.Enabled = getEnvBool("CLOUD_TASKS_ENABLED", c.CloudTasks.Enabled)

	c.Spanner.InstanceID = getEnv("SPANNER_INSTANCE_ID", c.Spanner.InstanceID)
	c.Spanner.DatabaseID = getEnv("SPANNER_DATABASE_ID", c.Spanner.DatabaseID)

	c.Evidence.SigningKeyHex = getEnv("EVIDENCE_SIGNING_KEY_HEX", c.Evidence.SigningKeyHex)

	c.Quota.Enabled = getEnvBool("QUOTA_ENABLED", c.Quota.Enabled)

	if v := getEnvInt("HITL_DEFAULT_TIMEOUT_SEC", 0); v > 0 {
		c.HITL.DefaultTimeoutSec = v
	}
	c.HITL.TimeoutPolicy = getEnv("HITL_TIMEOUT_POLICY", c.HITL.TimeoutPolicy)

	c.Identity.TrustDomain = getEnv("SHIELD_TRUST_DOMAIN", c.Identity.TrustDomain)
	c.Identity.SPIFFEEndpointSock = getEnv("SPIFFE_ENDPOINT_SOCKET", c.Identity.SPIFFEEndpointSock)

	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.PubSub.TopicID == "" {
		c.PubSub.TopicID = "shield-stage-events"
	}
	if c.CloudTasks.LocationID == "" {
		c.CloudTasks.LocationID = "us-central1"
	}
	if c.CloudTasks.QueueID == "" {
		c.CloudTasks.QueueID = "shield-hitl-expiry"
	}
	if c.ModelGW.TimeoutSec == 0 {
		c.ModelGW.TimeoutSec = 30
	}
	if c.HITL.DefaultTimeoutSec == 0 {
		c.HITL.DefaultTimeoutSec = 7 * 24 * 3600 // 7 days
	}
	if c.HITL.TimeoutPolicy == "" {
		c.HITL.TimeoutPolicy = "deny"
	}
	if c.Identity.TrustDomain == "" {
		c.Identity.TrustDomain = "shield.local"
	}
	if c.Identity.SPIFFEEndpointSock == "" {
		c.Identity.SPIFFEEndpointSock = "unix:///run/spire/sockets/agent.sock"
	}
}

// =============================================================================
// Helpers
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}

func (c *Config) GetSupabaseURL() string {
	return c.Database.Supabase.URL
}

func (c *Config) GetSupabaseKey() string {
	return c.Database.Supabase.ServiceKey
}
