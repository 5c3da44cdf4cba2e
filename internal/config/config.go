package config

import (
	"time"

	"github.com/caarlos0/env/v10"
)

// Version se reporta en /health.
const Version = "1.0.0"

// Config centraliza la configuración del relay.
type Config struct {
	HTTPPort           string        `env:"HTTP_PORT" envDefault:"8080"`
	Environment        string        `env:"APP_ENV" envDefault:"development"`
	AgentAPIKey        string        `env:"AGENT_API_KEY,required,notEmpty"`
	AgentBotID         string        `env:"AGENT_BOT_ID,required,notEmpty"`
	AgentBaseURL       string        `env:"AGENT_BASE_URL" envDefault:"https://api.coze.cn"`
	AgentTimeout       time.Duration `env:"AGENT_TIMEOUT" envDefault:"60s"`
	MaxTextLength      int           `env:"AGENT_MAX_TEXT_LENGTH" envDefault:"8000"`
	MaxFileSize        int64         `env:"MAX_FILE_SIZE" envDefault:"20971520"`
	IsolationSecret    string        `env:"ISOLATION_SECRET"`
	DatabaseURL        string        `env:"DATABASE_URL"`
	RedisAddr          string        `env:"REDIS_ADDR"`
	RedisPassword      string        `env:"REDIS_PASSWORD"`
	RedisDB            int           `env:"REDIS_DB" envDefault:"0"`
	RateLimitPerMinute int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"30"`
	JWTSecret          string        `env:"JWT_SECRET"`
	CORSOrigin         string        `env:"CORS_ORIGIN" envDefault:"*"`
	PollAttempts       int           `env:"POLL_ATTEMPTS" envDefault:"5"`
	PollInterval       time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	KeepAliveInterval  time.Duration `env:"SSE_KEEPALIVE_INTERVAL" envDefault:"15s"`
	TracingStdout      bool          `env:"TRACING_STDOUT" envDefault:"false"`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Summary devuelve una vista sin secretos, apta para logs y /health.
func (c *Config) Summary() map[string]any {
	return map[string]any{
		"version":         Version,
		"environment":     c.Environment,
		"port":            c.HTTPPort,
		"agent_base_url":  c.AgentBaseURL,
		"has_api_key":     c.AgentAPIKey != "",
		"has_bot_id":      c.AgentBotID != "",
		"max_text_length": c.MaxTextLength,
		"max_file_size":   c.MaxFileSize,
		"conversation_db": c.DatabaseURL != "",
		"redis":           c.RedisAddr != "",
		"jwt":             c.JWTSecret != "",
	}
}
