package global

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"FamLink/tools/errs"
)

// Config is the full coordinator configuration tree, loaded once at startup.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Typing    TypingConfig    `mapstructure:"typing"`
	Bus       BusConfig       `mapstructure:"bus"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Media     MediaConfig     `mapstructure:"media"`
	Auth      AuthConfig      `mapstructure:"auth"`
	LogLevel  string          `mapstructure:"log_level"`
	GatewayID string          `mapstructure:"gateway_id"`
	NodeID    int64           `mapstructure:"node_id"`
}

type ServerConfig struct {
	Addr          string `mapstructure:"addr"`
	SendQueueSize int    `mapstructure:"send_queue_size"`
}

type PresenceConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MissedBeats       int           `mapstructure:"missed_beats"`
	SweepEvery        time.Duration `mapstructure:"sweep_every"`
	MirrorToRedis     bool          `mapstructure:"mirror_to_redis"`
}

type TypingConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	SweepEvery time.Duration `mapstructure:"sweep_every"`
}

type BusConfig struct {
	Workers   int         `mapstructure:"workers"`
	Queue     int         `mapstructure:"queue"`
	SubBuffer int         `mapstructure:"sub_buffer"`
	Relay     string      `mapstructure:"relay"` // none | nats | kafka
	Nats      NatsConfig  `mapstructure:"nats"`
	Kafka     KafkaConfig `mapstructure:"kafka"`
}

type NatsConfig struct {
	Servers       []string      `mapstructure:"servers"`
	Name          string        `mapstructure:"name"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	Topic       string   `mapstructure:"topic"`
	Compression string   `mapstructure:"compression"`
}

type MongoConfig struct {
	Uri         string `mapstructure:"uri"`
	Database    string `mapstructure:"database"`
	MaxPoolSize int    `mapstructure:"max_pool_size"`
	MaxRetry    int    `mapstructure:"max_retry"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MediaConfig struct {
	TransportAddr string        `mapstructure:"transport_addr"`
	TokenSecret   string        `mapstructure:"token_secret"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
}

type AuthConfig struct {
	Secret string `mapstructure:"secret"`
}

// Load reads famlink.yaml (path optional) plus FAMLINK_* env overrides and
// fills defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("famlink")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("FAMLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine, defaults + env carry a dev setup.
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, errs.WrapMsg(err, "read config", "path", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errs.WrapMsg(err, "unmarshal config")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.send_queue_size", 256)
	v.SetDefault("presence.heartbeat_interval", 25*time.Second)
	v.SetDefault("presence.missed_beats", 2)
	v.SetDefault("presence.sweep_every", 10*time.Second)
	v.SetDefault("presence.mirror_to_redis", false)
	v.SetDefault("typing.ttl", 3*time.Second)
	v.SetDefault("typing.sweep_every", time.Second)
	v.SetDefault("bus.workers", 4)
	v.SetDefault("bus.queue", 1024)
	v.SetDefault("bus.sub_buffer", 256)
	v.SetDefault("bus.relay", "none")
	v.SetDefault("bus.nats.name", "famlink-gateway")
	v.SetDefault("bus.kafka.topic", "famlink.events")
	v.SetDefault("mongo.database", "famlink")
	v.SetDefault("mongo.max_pool_size", 100)
	v.SetDefault("mongo.max_retry", 5)
	v.SetDefault("media.token_ttl", 5*time.Minute)
	v.SetDefault("log_level", "debug")
	v.SetDefault("gateway_id", "gw-1")
	v.SetDefault("node_id", 1)
}
