package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Client  ClientConfig
	Server  ServerConfig
	LLM     LLMConfig
	Sports  SportsConfig
	News    NewsConfig
	History HistoryConfig
	Log     LogConfig
}

// ClientConfig holds the interactive chat client configuration
type ClientConfig struct {
	APIURL         string        `mapstructure:"api_url"`
	AccessToken    string        `mapstructure:"access_token"`
	RenderMarkdown bool          `mapstructure:"render_markdown"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        string   `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	ExposeMCP   bool     `mapstructure:"expose_mcp"`
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
	MaxTokens    int    `mapstructure:"max_tokens"`
}

// SportsConfig holds the scoreboard provider configuration
type SportsConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	MaxStaleness time.Duration `mapstructure:"max_staleness"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// NewsConfig holds the headline feed configuration
type NewsConfig struct {
	FeedURL string        `mapstructure:"feed_url"`
	Count   int           `mapstructure:"count"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// HistoryConfig holds the conversation database configuration
type HistoryConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("client.api_url", "http://localhost:8000")
	v.SetDefault("client.render_markdown", true)
	v.SetDefault("client.request_timeout", 10*time.Second)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.expose_mcp", true)
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("sports.base_url", "https://site.api.espn.com/apis/site/v2/sports")
	v.SetDefault("sports.max_staleness", 7*24*time.Hour)
	v.SetDefault("sports.timeout", 10*time.Second)
	v.SetDefault("news.feed_url", "https://www.espn.com/espn/rss/news")
	v.SetDefault("news.count", 4)
	v.SetDefault("news.timeout", 10*time.Second)
	v.SetDefault("history.db_path", "history.db")
	v.SetDefault("log.level", "info")
}

// Load loads the configuration from CONFIG_PATH, or config.yaml in the working
// directory. A missing config file is not an error; defaults and SCORELINE_*
// environment variables still apply.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("scoreline")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
