package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"plantwatch/internal/models"
	"plantwatch/internal/thresholds"
)

type Config struct {
	Addr              string        `mapstructure:"addr"`
	DataDir           string        `mapstructure:"data_dir"`
	DBPath            string        `mapstructure:"db_path"`
	Store             string        `mapstructure:"store"`
	RetentionDays     int           `mapstructure:"retention_days"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
	Timezone          string        `mapstructure:"timezone"`
	DefaultDevice     string        `mapstructure:"default_device"`
	LogLevel          string        `mapstructure:"log_level"`

	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Stream   StreamConfig   `mapstructure:"stream"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Control  ControlConfig  `mapstructure:"control"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Telegram TelegramConfig `mapstructure:"telegram"`

	Thresholds models.ThresholdSet `mapstructure:"-"`
}

type LedgerConfig struct {
	LogCap int           `mapstructure:"log_cap"`
	Grace  time.Duration `mapstructure:"grace"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type StreamConfig struct {
	URL string `mapstructure:"url"`
}

type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

type ControlConfig struct {
	URL        string        `mapstructure:"url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("db_path", "")
	v.SetDefault("store", "sqlite")
	v.SetDefault("retention_days", 30)
	v.SetDefault("retention_interval", time.Hour)
	v.SetDefault("timezone", "Local")
	v.SetDefault("default_device", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("ledger.log_cap", 100)
	v.SetDefault("ledger.grace", 5*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "plantwatch")

	v.SetDefault("stream.url", "")

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "plantwatch")
	v.SetDefault("mqtt.topic_prefix", "plant")

	v.SetDefault("control.url", "")
	v.SetDefault("control.timeout", 5*time.Second)
	v.SetDefault("control.ack_timeout", 3*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "plantwatch.alerts")

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
}

// Load reads APP_* environment variables and, when APP_CONFIG names a file,
// that file. Environment wins over the file.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("telegram.bot_token", "APP_TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("telegram.chat_id", "APP_TELEGRAM_CHAT_ID", "TELEGRAM_CHAT_ID")

	if path := os.Getenv("APP_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = cfg.DataDir + "/app.db"
	}

	set, err := loadThresholds(v)
	if err != nil {
		return Config{}, err
	}
	cfg.Thresholds = set

	if _, err := cfg.Location(); err != nil {
		return Config{}, err
	}
	switch cfg.Store {
	case "sqlite", "redis":
	default:
		return Config{}, fmt.Errorf("unknown store %q (want sqlite or redis)", cfg.Store)
	}
	return cfg, nil
}

// loadThresholds overlays the thresholds section on the built-in defaults.
func loadThresholds(v *viper.Viper) (models.ThresholdSet, error) {
	set := models.DefaultThresholds()
	if !v.IsSet("thresholds") {
		return set, nil
	}
	var raw map[string]models.Threshold
	if err := v.UnmarshalKey("thresholds", &raw); err != nil {
		return nil, fmt.Errorf("decode thresholds: %w", err)
	}
	for name, t := range raw {
		m, ok := models.ParseMetric(name)
		if !ok {
			return nil, fmt.Errorf("thresholds: unknown metric %q", name)
		}
		set[m] = t
	}
	if err := thresholds.Validate(set); err != nil {
		return nil, fmt.Errorf("thresholds: %w", err)
	}
	return set, nil
}

func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("timezone %q", c.Timezone), err)
	}
	return loc, nil
}
