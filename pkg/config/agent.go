package config

import "time"

// AgentConfig holds runtime configuration for the deploy agent.
type AgentConfig struct {
	Environment      string
	Addr             string
	ConfigPath       string
	ReposDir         string
	GitBackend       string
	GitBinary        string
	GitUsername      string
	GitToken         string
	StageTimeout     time.Duration
	LockWait         time.Duration
	LockTTL          time.Duration
	DatabaseURL      string
	MigrationsDir    string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	WebhookRateLimit int
	HistoryLimit     int
	LogLevel         string
	LogFile          string
	LogMaxSizeMB     int
	LogMaxAgeDays    int
	LogMaxBackups    int
	LogCompress      bool
	LogRotateDaily   bool
}

// LogFileDisabled turns the rolling log file off when used as LOG_FILE.
const LogFileDisabled = "off"

// FileLogging reports whether records should also go to LogFile.
func (c AgentConfig) FileLogging() bool {
	return c.LogFile != "" && c.LogFile != LogFileDisabled
}

// LoadAgentConfig constructs an AgentConfig from environment variables.
// Addr is left empty unless AUTODEPLOY_ADDR is set so the deployment
// document's server.port can supply it.
func LoadAgentConfig() AgentConfig {
	env := GetString("APP_ENV", "production")
	defaultLevel := "info"
	if env == "development" {
		defaultLevel = "debug"
	}
	return AgentConfig{
		Environment:      env,
		Addr:             GetString("AUTODEPLOY_ADDR", ""),
		ConfigPath:       GetString("AUTODEPLOY_CONFIG", "config.json"),
		ReposDir:         GetString("AUTODEPLOY_REPOS_DIR", "./repos"),
		GitBackend:       GetString("AUTODEPLOY_GIT_BACKEND", "cli"),
		GitBinary:        GetString("GIT_BINARY", "git"),
		GitUsername:      GetString("GIT_USERNAME", ""),
		GitToken:         GetString("GIT_TOKEN", ""),
		StageTimeout:     GetDuration("STAGE_TIMEOUT_SECONDS", 2*time.Minute),
		LockWait:         GetDuration("LOCK_WAIT_SECONDS", 10*time.Minute),
		LockTTL:          GetDuration("LOCK_TTL_SECONDS", 15*time.Minute),
		DatabaseURL:      GetString("DATABASE_URL", ""),
		MigrationsDir:    GetString("DB_MIGRATIONS_DIR", "./migrations"),
		RedisAddr:        GetString("REDIS_ADDR", ""),
		RedisPassword:    GetString("REDIS_PASSWORD", ""),
		RedisDB:          GetInt("REDIS_DB", 0),
		WebhookRateLimit: GetInt("WEBHOOK_RATE_LIMIT", 120),
		HistoryLimit:     GetInt("HISTORY_LIMIT", 200),
		LogLevel:         GetString("LOG_LEVEL", defaultLevel),
		LogFile:          GetString("LOG_FILE", "./logs/autodeploy.log"),
		LogMaxSizeMB:     GetInt("LOG_MAX_SIZE_MB", 100),
		LogMaxAgeDays:    GetInt("LOG_MAX_AGE_DAYS", 14),
		LogMaxBackups:    GetInt("LOG_MAX_BACKUPS", 0),
		LogCompress:      GetBool("LOG_COMPRESS", false),
		LogRotateDaily:   GetBool("LOG_ROTATE_DAILY", true),
	}
}
