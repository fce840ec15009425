package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 全局配置
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	MPesa    MPesaConfig    `mapstructure:"mpesa"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Log      LogConfig      `mapstructure:"log"`
	Sentry   SentryConfig   `mapstructure:"sentry"`
	Trace    TraceConfig    `mapstructure:"trace"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug / release
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // postgres / sqlite
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RabbitMQConfig struct {
	URL          string `mapstructure:"url"`
	RequestQueue string `mapstructure:"request_queue"` // 待处理付款请求队列
	OutcomeQueue string `mapstructure:"outcome_queue"` // 对账结果下发队列
}

// MPesaConfig 支付网关凭证与环境配置
type MPesaConfig struct {
	ConsumerKey        string `mapstructure:"consumer_key"`
	ConsumerSecret     string `mapstructure:"consumer_secret"`
	InitiatorName      string `mapstructure:"initiator_name"`
	SecurityCredential string `mapstructure:"security_credential"`
	Shortcode          string `mapstructure:"shortcode"`
	Environment        string `mapstructure:"environment"` // sandbox / production
	CallbackBaseURL    string `mapstructure:"callback_base_url"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type SentryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type TraceConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Load 读取 config.yaml 并允许环境变量覆盖（PAYOUT_ 前缀）
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("PAYOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("redis.db", 0)
	v.SetDefault("rabbitmq.request_queue", "transactions")
	v.SetDefault("rabbitmq.outcome_queue", "outcomes")
	v.SetDefault("mpesa.environment", "sandbox")
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		// 配置文件缺失时允许纯环境变量启动
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is not set")
	}
	if c.RabbitMQ.URL == "" {
		return fmt.Errorf("rabbitmq.url is not set")
	}
	if c.MPesa.ConsumerKey == "" {
		return fmt.Errorf("mpesa.consumer_key is not set")
	}
	if c.MPesa.ConsumerSecret == "" {
		return fmt.Errorf("mpesa.consumer_secret is not set")
	}
	if c.MPesa.InitiatorName == "" {
		return fmt.Errorf("mpesa.initiator_name is not set")
	}
	if c.MPesa.SecurityCredential == "" {
		return fmt.Errorf("mpesa.security_credential is not set")
	}
	if c.MPesa.Shortcode == "" {
		return fmt.Errorf("mpesa.shortcode is not set")
	}
	if c.MPesa.CallbackBaseURL == "" {
		return fmt.Errorf("mpesa.callback_base_url is not set")
	}
	if c.MPesa.Environment != "sandbox" && c.MPesa.Environment != "production" {
		return fmt.Errorf("mpesa.environment must be sandbox or production")
	}
	return nil
}
