package config

import "time"

// ServerConfig holds runtime configuration for the collaboration server.
type ServerConfig struct {
	Environment        string
	Addr               string
	StorageDriver      string
	DatabaseURL        string
	SQLitePath         string
	JWTSecret          string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	// TrustedProxies lists proxy IPs or CIDRs whose X-Forwarded-For is believed.
	TrustedProxies     []string
	WSSendBuffer       int
	WSMaxMessageBytes  int64
	WSPingPeriod       time.Duration
	LogLevel           string
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("COLLAB_ADDR", ":4000"),
		StorageDriver:      GetString("STORAGE_DRIVER", "postgres"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://storyboard:storyboard@db:5432/storyboard?sslmode=disable"),
		SQLitePath:         GetString("SQLITE_PATH", "storyboard.db"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL:     time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 15)) * time.Minute,
		RefreshTokenTTL:    time.Duration(GetInt("REFRESH_TOKEN_TTL_HOURS", 24)) * time.Hour,
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		TrustedProxies:     GetList("TRUSTED_PROXIES", nil),
		WSSendBuffer:       GetInt("WS_SEND_BUFFER", 64),
		WSMaxMessageBytes:  int64(GetInt("WS_MAX_MESSAGE_BYTES", 1<<20)),
		WSPingPeriod:       time.Duration(GetInt("WS_PING_SECONDS", 30)) * time.Second,
		LogLevel:           GetString("LOG_LEVEL", "info"),
	}
}

// IsProduction reports whether APP_ENV names a production deployment.
func (c ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}
