package config

import (
	"errors"

	"github.com/spf13/viper"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
	RedisURL              string
	MaxCoAdmins           int
	TransferWindowHours   int
	SweepIntervalSeconds  int
	RateLimitPerSecond    int
	RateLimitBurst        int
}

var defaults = map[string]any{
	"APP_PORT":                 "8080",
	"DATABASE_DSN":             "host=localhost user=postgres password=postgres dbname=nexus port=5432 sslmode=disable TimeZone=UTC",
	"JWT_SECRET":               defaultJWTSecret,
	"APP_ENV":                  "dev",
	"ACCESS_TOKEN_TTL_MINUTES": 15,
	"REFRESH_TOKEN_TTL_DAYS":   7,
	"REDIS_URL":                "",
	"MAX_CO_ADMINS":            3,
	"TRANSFER_WINDOW_HOURS":    48,
	"SWEEP_INTERVAL_SECONDS":   60,
	"RATE_LIMIT_PER_SECOND":    20,
	"RATE_LIMIT_BURST":         40,
}

// Load 从环境变量读取配置，缺失或非法的数值回落到默认值。
func Load() Config {
	v := viper.New()
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	maxCo := positive(v, "MAX_CO_ADMINS")
	if maxCo > 5 {
		maxCo = 5
	}
	return Config{
		Port:                  v.GetString("APP_PORT"),
		DatabaseDSN:           v.GetString("DATABASE_DSN"),
		JWTSecret:             v.GetString("JWT_SECRET"),
		Env:                   v.GetString("APP_ENV"),
		AccessTokenTTLMinutes: positive(v, "ACCESS_TOKEN_TTL_MINUTES"),
		RefreshTokenTTLDays:   positive(v, "REFRESH_TOKEN_TTL_DAYS"),
		RedisURL:              v.GetString("REDIS_URL"),
		MaxCoAdmins:           maxCo,
		TransferWindowHours:   positive(v, "TRANSFER_WINDOW_HOURS"),
		SweepIntervalSeconds:  positive(v, "SWEEP_INTERVAL_SECONDS"),
		RateLimitPerSecond:    positive(v, "RATE_LIMIT_PER_SECOND"),
		RateLimitBurst:        positive(v, "RATE_LIMIT_BURST"),
	}
}

func positive(v *viper.Viper, key string) int {
	n := v.GetInt(key)
	if n <= 0 {
		return defaults[key].(int)
	}
	return n
}

// Validate 在启动时拒绝明显错误的配置，非 dev 环境不允许使用默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be changed outside dev")
	}
	if cfg.MaxCoAdmins != 0 && (cfg.MaxCoAdmins < 1 || cfg.MaxCoAdmins > 5) {
		return errors.New("MAX_CO_ADMINS must be between 1 and 5")
	}
	return nil
}
