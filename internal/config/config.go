package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	AppPort int `mapstructure:"APP_PORT"`

	OpenAIAPIKey      string  `mapstructure:"OPENAI_API_KEY"`
	OpenAIAPIURL      string  `mapstructure:"OPENAI_API_URL"`
	OpenAIModel       string  `mapstructure:"OPENAI_MODEL"`
	OpenAITemperature float64 `mapstructure:"OPENAI_TEMPERATURE"`
	OpenAIMaxTokens   int     `mapstructure:"OPENAI_MAX_TOKENS"`
	SystemPrompt      string  `mapstructure:"SYSTEM_PROMPT"`

	MaxMessages      int `mapstructure:"MAX_MESSAGES"`
	MaxMessageLength int `mapstructure:"MAX_MESSAGE_LENGTH"`

	RateLimitSeconds       int `mapstructure:"RATE_LIMIT_SECONDS"`
	UpstreamTimeoutSeconds int `mapstructure:"UPSTREAM_TIMEOUT_SECONDS"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
}

// RateLimitInterval is the minimum time between accepted requests from
// one client address.
func (c *Config) RateLimitInterval() time.Duration {
	return time.Duration(c.RateLimitSeconds) * time.Second
}

// UpstreamTimeout bounds a single upstream completion call, streaming or not.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

func LoadConfig() (*Config, error) {
	viper.SetDefault("APP_PORT", 8080)
	viper.SetDefault("OPENAI_API_KEY", "")
	viper.SetDefault("OPENAI_API_URL", "https://api.openai.com/v1/chat/completions")
	viper.SetDefault("OPENAI_MODEL", "gpt-3.5-turbo")
	viper.SetDefault("OPENAI_TEMPERATURE", 0.7)
	viper.SetDefault("OPENAI_MAX_TOKENS", 1000)
	viper.SetDefault("SYSTEM_PROMPT", "")
	viper.SetDefault("MAX_MESSAGES", 50)
	viper.SetDefault("MAX_MESSAGE_LENGTH", 4000)
	viper.SetDefault("RATE_LIMIT_SECONDS", 2)
	viper.SetDefault("UPSTREAM_TIMEOUT_SECONDS", 60)
	viper.SetDefault("LOG_LEVEL", "INFO")

	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./backend")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
