package config

import "time"

// Config holds runtime configuration for the control-plane server.
type Config struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	EnvSealKey         string
	AccessTokenTTL     time.Duration
	DockerHost         string
	AgentURL           string
	AgentAuthToken     string
	ContainerNetwork   string
	GracePeriod        time.Duration
	SweepInterval      time.Duration
	DeployTimeout      time.Duration
	HealthInterval     time.Duration
	HealthAttempts     int
	HealthPath         string
	ConflictRetries    int
	ProgressBuffer     int
	AuditRetentionDays int
	AuditPurgeEvery    time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	BootstrapOperator  string
	BootstrapPassword  string
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://cutover:cutover@db:5432/cutover?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		EnvSealKey:         GetString("ENV_SEAL_KEY", "supersecuresecret"),
		AccessTokenTTL:     time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 60)) * time.Minute,
		DockerHost:         GetString("DOCKER_HOST_OVERRIDE", ""),
		AgentURL:           GetString("RUNTIME_AGENT_URL", ""),
		AgentAuthToken:     GetString("RUNTIME_AGENT_TOKEN", ""),
		ContainerNetwork:   GetString("CONTAINER_NETWORK", "cutover"),
		GracePeriod:        time.Duration(GetInt("GRACE_PERIOD_HOURS", 6)) * time.Hour,
		SweepInterval:      time.Duration(GetInt("GRACE_SWEEP_SECONDS", 60)) * time.Second,
		DeployTimeout:      time.Duration(GetInt("DEPLOY_TIMEOUT_SECONDS", 600)) * time.Second,
		HealthInterval:     time.Duration(GetInt("HEALTH_INTERVAL_SECONDS", 2)) * time.Second,
		HealthAttempts:     GetInt("HEALTH_MAX_ATTEMPTS", 30),
		HealthPath:         GetString("HEALTH_PATH", "/health"),
		ConflictRetries:    GetInt("REGISTRY_CONFLICT_RETRIES", 3),
		ProgressBuffer:     GetInt("PROGRESS_BUFFER", 64),
		AuditRetentionDays: GetInt("AUDIT_RETENTION_DAYS", 90),
		AuditPurgeEvery:    time.Duration(GetInt("AUDIT_PURGE_HOURS", 24)) * time.Hour,
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		BootstrapOperator:  GetString("BOOTSTRAP_OPERATOR_NAME", ""),
		BootstrapPassword:  GetString("BOOTSTRAP_OPERATOR_PASSWORD", ""),
	}
}
