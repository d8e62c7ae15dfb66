package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type AppConfig struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
}

func (a AppConfig) Dev() bool { return a.Env != "production" }

type AuthConfig struct {
	Token         string `mapstructure:"token"`
	UserID        string `mapstructure:"user_id"`
	PublicKeyPath string `mapstructure:"public_key_path"`
}

type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

func (s ServerConfig) PortString() string { return fmt.Sprintf("%d", s.Port) }

type ConsulConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	Addr    string            `mapstructure:"addr"`
	Static  map[string]string `mapstructure:"static"`
}

type WSConfig struct {
	URL                    string `mapstructure:"url"`
	Service                string `mapstructure:"service"`
	HeartbeatSeconds       int    `mapstructure:"heartbeat_seconds"`
	MaxReconnectAttempts   int    `mapstructure:"max_reconnect_attempts"`
	BaseDelayMillis        int    `mapstructure:"base_delay_ms"`
	MaxDelaySeconds        int    `mapstructure:"max_delay_seconds"`
	FlushRatePerSec        int    `mapstructure:"flush_rate_per_sec"`
	MaxMessageSizeBytes    int64  `mapstructure:"max_message_size_bytes"`
	WriteDeadlineSeconds   int    `mapstructure:"write_deadline_seconds"`
	HandshakeTimeoutSecond int    `mapstructure:"handshake_timeout_seconds"`
}

type EngineConfig struct {
	SendTimeoutSeconds    int `mapstructure:"send_timeout_seconds"`
	TypingIntervalSeconds int `mapstructure:"typing_interval_seconds"`
	TypingIdleSeconds     int `mapstructure:"typing_idle_seconds"`
	TypingExpirySeconds   int `mapstructure:"typing_expiry_seconds"`
	PageSize              int `mapstructure:"page_size"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

type HistoryConfig struct {
	Backend         string `mapstructure:"backend"`
	BaseURL         string `mapstructure:"base_url"`
	Service         string `mapstructure:"service"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	MaxRetries      int    `mapstructure:"max_retries"`
	BreakerFailures int    `mapstructure:"breaker_failures"`
	CacheEnabled    bool   `mapstructure:"cache_enabled"`
	CacheTTLSeconds int    `mapstructure:"cache_ttl_seconds"`
}

type MongoConfig struct {
	URI string `mapstructure:"uri"`
	DB  string `mapstructure:"db"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type AWSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Region     string `mapstructure:"region"`
	Bucket     string `mapstructure:"bucket"`
	Endpoint   string `mapstructure:"endpoint"`
	PublicRead bool   `mapstructure:"public_read"`
}

type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Server  ServerConfig  `mapstructure:"server"`
	Consul  ConsulConfig  `mapstructure:"consul"`
	WS      WSConfig      `mapstructure:"ws"`
	Engine  EngineConfig  `mapstructure:"engine"`
	History HistoryConfig `mapstructure:"history"`
	Mongo   MongoConfig   `mapstructure:"mongo"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	AWS     AWSConfig     `mapstructure:"aws"`

	// derived
	Heartbeat        time.Duration `mapstructure:"-"`
	BaseDelay        time.Duration `mapstructure:"-"`
	MaxDelay         time.Duration `mapstructure:"-"`
	WriteDeadline    time.Duration `mapstructure:"-"`
	HandshakeTimeout time.Duration `mapstructure:"-"`
	SendTimeout      time.Duration `mapstructure:"-"`
	TypingInterval   time.Duration `mapstructure:"-"`
	TypingIdle       time.Duration `mapstructure:"-"`
	TypingExpiry     time.Duration `mapstructure:"-"`
	RequestTimeout   time.Duration `mapstructure:"-"`
	HistoryTimeout   time.Duration `mapstructure:"-"`
	CacheTTL         time.Duration `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "")
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.user_id", "")
	v.SetDefault("auth.public_key_path", "")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8095)
	v.SetDefault("consul.enabled", false)
	v.SetDefault("consul.addr", "localhost:8500")
	v.SetDefault("consul.static", map[string]string{})

	v.SetDefault("ws.url", "ws://localhost:8085/ws")
	v.SetDefault("ws.service", "websocket-service")
	v.SetDefault("ws.heartbeat_seconds", 25)
	v.SetDefault("ws.max_reconnect_attempts", 10)
	v.SetDefault("ws.base_delay_ms", 1000)
	v.SetDefault("ws.max_delay_seconds", 30)
	v.SetDefault("ws.flush_rate_per_sec", 50)
	v.SetDefault("ws.max_message_size_bytes", 65536)
	v.SetDefault("ws.write_deadline_seconds", 10)
	v.SetDefault("ws.handshake_timeout_seconds", 10)

	v.SetDefault("engine.send_timeout_seconds", 30)
	v.SetDefault("engine.typing_interval_seconds", 3)
	v.SetDefault("engine.typing_idle_seconds", 3)
	v.SetDefault("engine.typing_expiry_seconds", 5)
	v.SetDefault("engine.page_size", 50)
	v.SetDefault("engine.request_timeout_seconds", 15)

	v.SetDefault("history.backend", "rest")
	v.SetDefault("history.base_url", "http://localhost:8083")
	v.SetDefault("history.service", "message-service")
	v.SetDefault("history.timeout_seconds", 10)
	v.SetDefault("history.max_retries", 3)
	v.SetDefault("history.breaker_failures", 5)
	v.SetDefault("history.cache_enabled", false)
	v.SetDefault("history.cache_ttl_seconds", 60)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.db", "chat_app")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "chatsync")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "chatsync.events")
	v.SetDefault("aws.enabled", false)
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.bucket", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.public_read", false)
}

// Load reads an optional config file, then .env, then CHATSYNC_* environment
// variables. An empty path skips the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CHATSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.derive()
	if err := validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c *Config) derive() {
	c.Heartbeat = seconds(c.WS.HeartbeatSeconds)
	c.BaseDelay = time.Duration(c.WS.BaseDelayMillis) * time.Millisecond
	c.MaxDelay = seconds(c.WS.MaxDelaySeconds)
	c.WriteDeadline = seconds(c.WS.WriteDeadlineSeconds)
	c.HandshakeTimeout = seconds(c.WS.HandshakeTimeoutSecond)
	c.SendTimeout = seconds(c.Engine.SendTimeoutSeconds)
	c.TypingInterval = seconds(c.Engine.TypingIntervalSeconds)
	c.TypingIdle = seconds(c.Engine.TypingIdleSeconds)
	c.TypingExpiry = seconds(c.Engine.TypingExpirySeconds)
	c.RequestTimeout = seconds(c.Engine.RequestTimeoutSeconds)
	c.HistoryTimeout = seconds(c.History.TimeoutSeconds)
	c.CacheTTL = seconds(c.History.CacheTTLSeconds)
}

func validate(c *Config) error {
	if c.WS.URL == "" && !c.Consul.Enabled {
		return errors.New("ws.url missing")
	}
	if c.WS.HeartbeatSeconds <= 0 {
		return errors.New("ws.heartbeat_seconds must be positive")
	}
	if c.WS.MaxReconnectAttempts <= 0 {
		return errors.New("ws.max_reconnect_attempts must be positive")
	}
	if c.WS.BaseDelayMillis <= 0 || c.WS.MaxDelaySeconds <= 0 {
		return errors.New("ws backoff delays must be positive")
	}
	if c.WS.FlushRatePerSec <= 0 {
		return errors.New("ws.flush_rate_per_sec must be positive")
	}
	if c.Engine.SendTimeoutSeconds <= 0 {
		return errors.New("engine.send_timeout_seconds must be positive")
	}
	if c.Engine.TypingExpirySeconds <= 0 || c.Engine.TypingIdleSeconds <= 0 {
		return errors.New("engine typing timings must be positive")
	}

	switch strings.ToLower(c.History.Backend) {
	case "rest":
		if c.History.BaseURL == "" && !c.Consul.Enabled {
			return errors.New("history.base_url required for rest backend")
		}
	case "mongo":
		if c.Mongo.URI == "" || c.Mongo.DB == "" {
			return errors.New("mongo.uri and mongo.db required for mongo backend")
		}
	default:
		return fmt.Errorf("unknown history.backend %q", c.History.Backend)
	}
	if c.History.CacheEnabled && c.Redis.Addr == "" {
		return errors.New("redis.addr required when history.cache_enabled")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return errors.New("kafka brokers and topic required when kafka.enabled")
	}
	if c.AWS.Enabled && c.AWS.Bucket == "" {
		return errors.New("aws.bucket required when aws.enabled")
	}
	if c.Server.Enabled && c.Server.Port == 0 {
		return errors.New("server.port missing or invalid")
	}
	return nil
}
