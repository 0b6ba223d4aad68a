package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment   string
	Addr          string
	LogLevel      string
	DatabaseURL   string
	MigrationsDir string
	JWTSecret     string

	PreviewRegistry        string
	PreviewRegistryFile    string
	PreviewEnsureTimeout   time.Duration
	PreviewDialTimeout     time.Duration
	PreviewResponseTimeout time.Duration
	PreviewWSQueue         int
	PreviewRequireAuth     bool
	PreviewContainerPrefix string
	PreviewContainerPort   int
	PreviewPublishHost     string
	PreviewHealthInterval  time.Duration
	DockerHost             string

	TerminalScrollbackBytes int
	TerminalSubscriberQueue int
	TerminalRetention       time.Duration
	TerminalTombstoneTTL    time.Duration
	TerminalSpawnTimeout    time.Duration
	AgentCommand            string
	AgentWorkspaceRoot      string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// Registry backends for preview deployments.
const (
	PreviewRegistryPostgres = "postgres"
	PreviewRegistryFile     = "file"
)

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("API_ADDR", ":4000"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://covibes:covibes@db:5432/covibes?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:     GetString("JWT_SECRET", "supersecuresecret"),

		PreviewRegistry:        GetString("PREVIEW_REGISTRY", PreviewRegistryPostgres),
		PreviewRegistryFile:    GetString("PREVIEW_REGISTRY_FILE", "deployments.yaml"),
		PreviewEnsureTimeout:   GetSeconds("PREVIEW_ENSURE_TIMEOUT_SECONDS", 20*time.Second),
		PreviewDialTimeout:     GetSeconds("PREVIEW_DIAL_TIMEOUT_SECONDS", 5*time.Second),
		PreviewResponseTimeout: GetSeconds("PREVIEW_RESPONSE_TIMEOUT_SECONDS", 60*time.Second),
		PreviewWSQueue:         GetInt("PREVIEW_WS_QUEUE", 64),
		PreviewRequireAuth:     GetBool("PREVIEW_REQUIRE_AUTH", false),
		PreviewContainerPrefix: GetString("PREVIEW_CONTAINER_PREFIX", "preview-"),
		PreviewContainerPort:   GetInt("PREVIEW_CONTAINER_PORT", 5173),
		PreviewPublishHost:     GetString("PREVIEW_PUBLISH_HOST", "127.0.0.1"),
		PreviewHealthInterval:  GetSeconds("PREVIEW_HEALTH_INTERVAL_SECONDS", 30*time.Second),
		DockerHost:             GetString("DOCKER_HOST", ""),

		TerminalScrollbackBytes: GetInt("TERMINAL_SCROLLBACK_BYTES", 64*1024),
		TerminalSubscriberQueue: GetInt("TERMINAL_SUBSCRIBER_QUEUE", 256),
		TerminalRetention:       GetSeconds("TERMINAL_RETENTION_SECONDS", 30*time.Second),
		TerminalTombstoneTTL:    GetSeconds("TERMINAL_TOMBSTONE_TTL_SECONDS", 24*time.Hour),
		TerminalSpawnTimeout:    GetSeconds("TERMINAL_SPAWN_TIMEOUT_SECONDS", 10*time.Second),
		AgentCommand:            GetString("AGENT_COMMAND", "claude"),
		AgentWorkspaceRoot:      GetString("AGENT_WORKSPACE_ROOT", "/workspaces"),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
