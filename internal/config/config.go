package config

import "time"

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host     string
	Name     string
	User     string
	Password string
	Port     int
}

// Config holds the full worker configuration, read once at startup
type Config struct {
	Database       DatabaseConfig
	MaxWorkers     int
	TimeRangeDays  int
	BlueskyBaseURL string
	HTTPTimeout    time.Duration
}

// Load resolves the worker configuration from the environment. The four
// database credentials are required; everything else has a default.
func Load() (Config, error) {
	host, err := RequireEnv("DB_HOST")
	if err != nil {
		return Config{}, err
	}
	name, err := RequireEnv("DB_NAME")
	if err != nil {
		return Config{}, err
	}
	user, err := RequireEnv("DB_USER")
	if err != nil {
		return Config{}, err
	}
	password, err := RequireEnv("DB_PASSWORD")
	if err != nil {
		return Config{}, err
	}

	return Config{
		Database: DatabaseConfig{
			Host:     host,
			Name:     name,
			User:     user,
			Password: password,
			Port:     GetEnvInt("DB_PORT", 5432),
		},
		MaxWorkers:     GetEnvInt("MAX_WORKERS", 10),
		TimeRangeDays:  GetEnvInt("TIME_RANGE_DAYS", 7),
		BlueskyBaseURL: GetEnv("BLUESKY_BASE_URL", "https://public.api.bsky.app"),
		HTTPTimeout:    time.Duration(GetEnvInt("HTTP_TIMEOUT_SECONDS", 30)) * time.Second,
	}, nil
}
