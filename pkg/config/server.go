package config

import "time"

// ServerConfig holds runtime configuration for the rivetrd service.
type ServerConfig struct {
	Environment         string
	Addr                string
	DatabaseURL         string
	MigrationsDir       string
	JWTSecret           string
	EnvEncryptionKey    string
	AdminEmail          string
	AdminPassword       string
	AccessTokenTTL      time.Duration
	RefreshTokenTTL     time.Duration
	DockerHost          string
	Workdir             string
	Registry            string
	GitTimeout          time.Duration
	BuildTimeout        time.Duration
	StartTimeout        time.Duration
	HealthcheckDeadline time.Duration
	StopTimeout         time.Duration
	LogTailBuffer       int
	RateLimitRedisAddr  string
	RateLimitRedisPass  string
	RateLimitRedisDB    int
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:         GetString("APP_ENV", "development"),
		Addr:                GetString("RIVETR_ADDR", ":4000"),
		DatabaseURL:         GetString("DATABASE_URL", "postgres://rivetr:rivetr@db:5432/rivetr?sslmode=disable"),
		MigrationsDir:       GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:           GetString("JWT_SECRET", "supersecuresecret"),
		EnvEncryptionKey:    GetString("ENV_ENCRYPTION_KEY", "supersecuresecret"),
		AdminEmail:          GetString("RIVETR_ADMIN_EMAIL", ""),
		AdminPassword:       GetString("RIVETR_ADMIN_PASSWORD", ""),
		AccessTokenTTL:      time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 15)) * time.Minute,
		RefreshTokenTTL:     time.Duration(GetInt("REFRESH_TOKEN_TTL_HOURS", 24)) * time.Hour,
		DockerHost:          GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		Workdir:             GetString("RIVETR_WORKDIR", "/tmp/rivetr"),
		Registry:            GetString("DOCKER_REGISTRY", "rivetr"),
		GitTimeout:          time.Duration(GetInt("GIT_TIMEOUT_SECONDS", 60)) * time.Second,
		BuildTimeout:        time.Duration(GetInt("BUILD_TIMEOUT_SECONDS", 600)) * time.Second,
		StartTimeout:        time.Duration(GetInt("START_TIMEOUT_SECONDS", 60)) * time.Second,
		HealthcheckDeadline: time.Duration(GetInt("HEALTHCHECK_DEADLINE_SECONDS", 60)) * time.Second,
		StopTimeout:         time.Duration(GetInt("STOP_TIMEOUT_SECONDS", 15)) * time.Second,
		LogTailBuffer:       GetInt("LOG_TAIL_BUFFER", 100),
		RateLimitRedisAddr:  GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:  GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:    GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
