package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/relicmap/relicmap-engine/pkg/models"
)

// Config holds all configuration for relicmap-engine.
// Configuration can come from YAML file (config.yaml) or environment
// variables; environment variables override YAML values. Secrets (passwords,
// API keys) must only come from environment variables.
type Config struct {
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:""`
	Version  string `yaml:"-"` // Set at load time, not from config

	// ProjectRoot is the root of the analyzed legacy application.
	ProjectRoot string `yaml:"project_root" env:"PROJECT_ROOT" env-default:"."`

	// ArtifactKindsStr optionally restricts analysis to a comma-separated
	// subset of kinds (view,controller,service,mapper,sql,schema).
	ArtifactKindsStr string `yaml:"artifact_kinds" env:"ARTIFACT_KINDS" env-default:""`

	// Engine store (the engine's own PostgreSQL database). Optional: when
	// Host is empty the engine uses its in-memory store.
	Database DatabaseConfig `yaml:"database"`

	// SchemaSource is the connection descriptor for the analyzed
	// application's relational schema. Resolved at call time, never persisted
	// in the graph. Optional: when Host is empty schema extraction is skipped.
	SchemaSource SchemaSourceConfig `yaml:"schema_source"`

	// AI configures the semantic-extraction capability endpoint.
	AI AIConfig `yaml:"ai"`

	// Extraction tunes the pipeline.
	Extraction ExtractionConfig `yaml:"extraction"`
}

// DatabaseConfig holds the engine's own PostgreSQL store configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:""`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"relicmap"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"relicmap_engine"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"10"`
	MigrationsPath string `yaml:"migrations_path" env:"PGMIGRATIONS_PATH" env-default:"./migrations"`
}

// Enabled reports whether a persistent engine store is configured.
func (c *DatabaseConfig) Enabled() bool { return c.Host != "" }

// URL builds the pgx connection string.
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// SchemaSourceConfig describes the analyzed application's database.
type SchemaSourceConfig struct {
	// Type selects the introspection adapter: "postgres" or "mssql".
	Type     string `yaml:"type" env:"SCHEMA_SOURCE_TYPE" env-default:"postgres"`
	Host     string `yaml:"host" env:"SCHEMA_SOURCE_HOST" env-default:""`
	Port     int    `yaml:"port" env:"SCHEMA_SOURCE_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"SCHEMA_SOURCE_USER" env-default:""`
	Password string `yaml:"-" env:"SCHEMA_SOURCE_PASSWORD"` // Secret - not in YAML
	Database string `yaml:"database" env:"SCHEMA_SOURCE_DATABASE" env-default:""`
}

// Enabled reports whether schema introspection is configured.
func (c *SchemaSourceConfig) Enabled() bool { return c.Host != "" }

// AIConfig holds the semantic-extraction endpoint configuration.
type AIConfig struct {
	// Provider selects the client: "openai" (any OpenAI-compatible endpoint)
	// or "anthropic".
	Provider string `yaml:"provider" env:"AI_PROVIDER" env-default:"openai"`
	BaseURL  string `yaml:"base_url" env:"AI_BASE_URL" env-default:""`
	Model    string `yaml:"model" env:"AI_MODEL" env-default:""`
	APIKey   string `yaml:"-" env:"AI_API_KEY"` // Secret - not in YAML
}

// Enabled reports whether delegated semantic extraction is configured.
// Without it, view/controller/service units degrade to "extraction skipped".
func (c *AIConfig) Enabled() bool { return c.Model != "" }

// ExtractionConfig tunes pipeline behavior.
type ExtractionConfig struct {
	// Workers bounds the extraction worker pool.
	Workers int `yaml:"workers" env:"EXTRACTION_WORKERS" env-default:"8"`
	// SemanticTimeoutSeconds is the per-call timeout for the semantic capability.
	SemanticTimeoutSeconds int `yaml:"semantic_timeout_seconds" env:"SEMANTIC_TIMEOUT_SECONDS" env-default:"60"`
	// SemanticConcurrency caps concurrent semantic-capability calls,
	// independently of the worker pool, to bound cost and provider load.
	SemanticConcurrency int `yaml:"semantic_concurrency" env:"SEMANTIC_CONCURRENCY" env-default:"4"`
	// ResolverPasses bounds fixed-point resolution iterations.
	ResolverPasses int `yaml:"resolver_passes" env:"RESOLVER_PASSES" env-default:"5"`
}

// Load reads configuration from config.yaml with environment variable
// overrides. The version parameter is injected at build time.
func Load(version string) (*Config, error) {
	cfg := &Config{Version: version}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("read env config: %w", err)
		}
	}

	if _, err := cfg.ArtifactKinds(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ArtifactKinds parses the optional kind restriction. Nil means all kinds.
func (c *Config) ArtifactKinds() ([]models.ArtifactKind, error) {
	if strings.TrimSpace(c.ArtifactKindsStr) == "" {
		return nil, nil
	}
	var kinds []models.ArtifactKind
	for _, part := range strings.Split(c.ArtifactKindsStr, ",") {
		kind := models.ArtifactKind(strings.ToLower(strings.TrimSpace(part)))
		if !models.ValidArtifactKind(kind) {
			return nil, fmt.Errorf("unknown artifact kind %q", part)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}
