package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	redisstate "room-presence/internal/infra/state/redis"
	"room-presence/internal/service"
)

// 存储后端
const (
	StoreBackendRedis  = "redis"
	StoreBackendMemory = "memory"
)

// Config 进程配置
type Config struct {
	AppEnv    string          `mapstructure:"app_env"`
	LogLevel  string          `mapstructure:"log_level"`
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	DB        DBConfig        `mapstructure:"db"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Tuning    TuningConfig    `mapstructure:"tuning"`
}

type ServerConfig struct {
	Port           string   `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // 逗号分隔
}

type StoreConfig struct {
	Backend        string        `mapstructure:"backend"`
	KeyPrefix      string        `mapstructure:"key_prefix"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
	LeaseHeartbeat time.Duration `mapstructure:"lease_heartbeat"`
	ReaperInterval time.Duration `mapstructure:"reaper_interval"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DBConfig 归档库配置。Host 为空时不启用归档。
type DBConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Name     string `mapstructure:"name"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type RateLimitConfig struct {
	Max    int           `mapstructure:"max"`
	Window time.Duration `mapstructure:"window"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// TuningConfig 协调组件的时间参数
type TuningConfig struct {
	MembershipDebounce  time.Duration `mapstructure:"membership_debounce"`
	OfflineDebounce     time.Duration `mapstructure:"offline_debounce"`
	FallbackInterval    time.Duration `mapstructure:"fallback_interval"`
	FallbackStaleAfter  time.Duration `mapstructure:"fallback_stale_after"`
	SettleDelay         time.Duration `mapstructure:"settle_delay"`
	CloseDelay          time.Duration `mapstructure:"close_delay"`
	AbandonAfter        time.Duration `mapstructure:"abandon_after"`
	LeaderStaleAfter    time.Duration `mapstructure:"leader_stale_after"`
	LeaderHeartbeat     time.Duration `mapstructure:"leader_heartbeat"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	DeleteGrace         time.Duration `mapstructure:"delete_grace"`
	DeleteRetention     time.Duration `mapstructure:"delete_retention"`
	PingEnabled         bool          `mapstructure:"ping_enabled"`
	PingInterval        time.Duration `mapstructure:"ping_interval"`
	PingWhileBackground bool          `mapstructure:"ping_while_background"`
}

// 基础设施配置沿用不带前缀的环境变量名
var envBindings = map[string]string{
	"app_env":                "APP_ENV",
	"log_level":              "LOG_LEVEL",
	"server.port":            "SERVER_PORT",
	"server.allowed_origins": "CORS_ALLOWED_ORIGIN",
	"store.backend":          "STORE_BACKEND",
	"store.key_prefix":       "REDIS_KEY_PREFIX",
	"redis.addr":             "REDIS_ADDR",
	"redis.password":         "REDIS_PASSWORD",
	"redis.db":               "REDIS_DB",
	"db.user":                "DB_USER",
	"db.password":            "DB_PASSWORD",
	"db.host":                "DB_HOST",
	"db.port":                "DB_PORT",
	"db.name":                "DB_NAME",
	"jwt.secret":             "JWT_SECRET",
	"rate_limit.max":         "RATE_LIMIT_MAX",
	"rate_limit.window":      "RATE_LIMIT_WINDOW",
}

func setDefaults(v *viper.Viper) {
	d := service.DefaultOptions()

	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("store.backend", StoreBackendRedis)
	v.SetDefault("store.key_prefix", "rp:")
	v.SetDefault("store.lease_ttl", 15*time.Second)
	v.SetDefault("store.lease_heartbeat", 5*time.Second)
	v.SetDefault("store.reaper_interval", 5*time.Second)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("db.user", "")
	v.SetDefault("db.password", "")
	v.SetDefault("db.host", "")
	v.SetDefault("db.port", "3306")
	v.SetDefault("db.name", "room_presence")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("rate_limit.max", 100)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("worker.concurrency", 5)

	v.SetDefault("tuning.membership_debounce", d.MembershipDebounce)
	v.SetDefault("tuning.offline_debounce", d.OfflineDebounce)
	v.SetDefault("tuning.fallback_interval", d.FallbackInterval)
	v.SetDefault("tuning.fallback_stale_after", d.FallbackStaleAfter)
	v.SetDefault("tuning.settle_delay", d.SettleDelay)
	v.SetDefault("tuning.close_delay", d.CloseDelay)
	v.SetDefault("tuning.abandon_after", d.AbandonAfter)
	v.SetDefault("tuning.leader_stale_after", d.LeaderStaleAfter)
	v.SetDefault("tuning.leader_heartbeat", d.LeaderHeartbeat)
	v.SetDefault("tuning.sweep_interval", d.SweepInterval)
	v.SetDefault("tuning.delete_grace", d.DeleteGrace)
	v.SetDefault("tuning.delete_retention", d.DeleteRetention)
	v.SetDefault("tuning.ping_enabled", d.PingEnabled)
	v.SetDefault("tuning.ping_interval", d.PingInterval)
	v.SetDefault("tuning.ping_while_background", d.PingWhileBackground)
}

// Load 读取配置：.env（可选）→ 默认值 → config/presence.yaml（可选）→ 环境变量。
// 调参项可以通过 PRESENCE_ 前缀的环境变量覆盖，例如 PRESENCE_TUNING_SETTLE_DELAY=3s。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, using environment variables directly")
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("presence")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		logrus.Debug("No config/presence.yaml found, using defaults")
	} else {
		logrus.WithField("file", v.ConfigFileUsed()).Info("Loaded config file")
	}

	v.SetEnvPrefix("PRESENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查配置的一致性
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreBackendRedis, StoreBackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.LeaseHeartbeat >= c.Store.LeaseTTL {
		return fmt.Errorf("store lease heartbeat (%s) must be shorter than lease ttl (%s)", c.Store.LeaseHeartbeat, c.Store.LeaseTTL)
	}
	if c.Tuning.LeaderHeartbeat >= c.Tuning.LeaderStaleAfter {
		return fmt.Errorf("leader heartbeat (%s) must be shorter than leader stale window (%s)", c.Tuning.LeaderHeartbeat, c.Tuning.LeaderStaleAfter)
	}
	if c.IsProduction() && c.JWT.Secret == "" {
		return errors.New("JWT_SECRET must be set in production")
	}
	return nil
}

// IsProduction 是否为生产环境
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// ArchiveEnabled 是否配置了归档数据库
func (c *Config) ArchiveEnabled() bool {
	return c.DB.Host != ""
}

// DSN 构建 MySQL 连接字符串
func (c *Config) DSN() (string, error) {
	if c.DB.User == "" {
		return "", errors.New("DB_USER environment variable not set")
	}
	if c.DB.Password == "" {
		return "", errors.New("DB_PASSWORD environment variable not set")
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name), nil
}

// ServiceOptions 转换为协调组件参数
func (c *Config) ServiceOptions() service.Options {
	t := c.Tuning
	return service.Options{
		MembershipDebounce:  t.MembershipDebounce,
		OfflineDebounce:     t.OfflineDebounce,
		FallbackInterval:    t.FallbackInterval,
		FallbackStaleAfter:  t.FallbackStaleAfter,
		SettleDelay:         t.SettleDelay,
		CloseDelay:          t.CloseDelay,
		LeaderStaleAfter:    t.LeaderStaleAfter,
		LeaderHeartbeat:     t.LeaderHeartbeat,
		SweepInterval:       t.SweepInterval,
		DeleteGrace:         t.DeleteGrace,
		DeleteRetention:     t.DeleteRetention,
		AbandonAfter:        t.AbandonAfter,
		PingEnabled:         t.PingEnabled,
		PingInterval:        t.PingInterval,
		PingWhileBackground: t.PingWhileBackground,
	}
}

// StoreOptions 转换为 Redis 实时存储参数
func (c *Config) StoreOptions() redisstate.Options {
	return redisstate.Options{
		KeyPrefix:      c.Store.KeyPrefix,
		LeaseTTL:       c.Store.LeaseTTL,
		LeaseHeartbeat: c.Store.LeaseHeartbeat,
		ReaperInterval: c.Store.ReaperInterval,
	}
}

// ConfigureLogger 按环境设置日志格式和级别
func (c *Config) ConfigureLogger() {
	if c.IsProduction() {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		logrus.WithError(err).Warnf("Invalid LOG_LEVEL %q, falling back to info", c.LogLevel)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
