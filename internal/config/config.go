// Package config loads memoryd configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Node roles. A primary accepts client writes and drains its outbox to the
// peer; a replica serves reads, applies replicated writes and reconciles.
const (
	RolePrimary = "primary"
	RoleReplica = "replica"
)

// Config holds all memoryd settings. Every field can be set through a
// MEMORYD_-prefixed environment variable.
type Config struct {
	ListenAddr  string `env:"MEMORYD_LISTEN_ADDR" envDefault:":7420"`
	MetricsAddr string `env:"MEMORYD_METRICS_ADDR" envDefault:""`
	DBPath      string `env:"MEMORYD_DB_PATH" envDefault:"memoryd.db"`

	// NodeID identifies this node in replication records. Defaults to a
	// generated UUID when empty.
	NodeID string `env:"MEMORYD_NODE_ID" envDefault:""`
	Role   string `env:"MEMORYD_ROLE" envDefault:"primary"`

	// PeerURL is the websocket endpoint of the other node, e.g.
	// ws://host:7420/ws. Empty disables replication.
	PeerURL string `env:"MEMORYD_PEER_URL" envDefault:""`

	// TLS for the request/reply channel. Both files set enables wss.
	TLSCertFile string `env:"MEMORYD_TLS_CERT_FILE" envDefault:""`
	TLSKeyFile  string `env:"MEMORYD_TLS_KEY_FILE" envDefault:""`

	CacheCapacity int           `env:"MEMORYD_CACHE_CAPACITY" envDefault:"4096"`
	CacheTTL      time.Duration `env:"MEMORYD_CACHE_TTL" envDefault:"10m"`

	// Embedder selects the embedding backend: "mock" or "onnx".
	Embedder        string `env:"MEMORYD_EMBEDDER" envDefault:"mock"`
	EmbeddingModel  string `env:"MEMORYD_EMBEDDING_MODEL" envDefault:"all-MiniLM-L6-v2"`
	ONNXModelPath   string `env:"MEMORYD_ONNX_MODEL_PATH" envDefault:""`
	ONNXTokenizer   string `env:"MEMORYD_ONNX_TOKENIZER_PATH" envDefault:""`
	ONNXLibrary     string `env:"MEMORYD_ONNX_LIBRARY_PATH" envDefault:""`
	EmbedCacheBytes int64  `env:"MEMORYD_EMBED_CACHE_BYTES" envDefault:"33554432"`

	// AnthropicAPIKey enables Claude-backed session summaries. Empty falls
	// back to the extractive summarizer.
	AnthropicAPIKey string `env:"MEMORYD_ANTHROPIC_API_KEY" envDefault:""`
	SummaryModel    string `env:"MEMORYD_SUMMARY_MODEL" envDefault:"claude-sonnet-4-20250514"`

	CallTimeout      time.Duration `env:"MEMORYD_CALL_TIMEOUT" envDefault:"5s"`
	SweepInterval    time.Duration `env:"MEMORYD_SWEEP_INTERVAL" envDefault:"1m"`
	SessionIdleAfter time.Duration `env:"MEMORYD_SESSION_IDLE_AFTER" envDefault:"30m"`
	PurgeRetention   time.Duration `env:"MEMORYD_PURGE_RETENTION" envDefault:"720h"`

	ReplicationInterval  time.Duration `env:"MEMORYD_REPLICATION_INTERVAL" envDefault:"2s"`
	ReconcileInterval    time.Duration `env:"MEMORYD_RECONCILE_INTERVAL" envDefault:"3m"`
	OutboxAlertThreshold int           `env:"MEMORYD_OUTBOX_ALERT_THRESHOLD" envDefault:"10000"`

	// RateLimitPerMin is per-agent request budget. Zero disables limiting.
	RateLimitPerMin int `env:"MEMORYD_RATE_LIMIT_PER_MIN" envDefault:"0"`

	// AuthAgents is a per-agent scope table in the form
	// "agent-1=read,write;agent-2=admin". Empty together with
	// AuthDefaultScopes grants every agent every action.
	AuthAgents string `env:"MEMORYD_AUTH_AGENTS" envDefault:""`
	// AuthDefaultScopes is a comma-separated scope list for agents absent
	// from AuthAgents, e.g. "read".
	AuthDefaultScopes string `env:"MEMORYD_AUTH_DEFAULT_SCOPES" envDefault:""`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Role != RolePrimary && c.Role != RoleReplica {
		return fmt.Errorf("invalid role %q (use %s or %s)", c.Role, RolePrimary, RoleReplica)
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("cache capacity must be positive, got %d", c.CacheCapacity)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("tls cert and key must be set together")
	}
	return nil
}
