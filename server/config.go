package server

import "time"

// Config holds server settings, parsed from the environment.
type Config struct {
	Addr              string        `env:"CHAT_SERVER_ADDR" envDefault:":8080"`
	StoreType         string        `env:"CHAT_STORE_TYPE" envDefault:"sqlite"`
	StoreDSN          string        `env:"CHAT_STORE_DSN" envDefault:"chat_history.sqlite"`
	JWTSecret         string        `env:"CHAT_JWT_SECRET"`
	TokenTTL          time.Duration `env:"CHAT_TOKEN_TTL" envDefault:"24h"`
	RedisURL          string        `env:"REDIS_URL"`
	Responder         string        `env:"CHAT_RESPONDER" envDefault:"echo"`
	GeminiModel       string        `env:"CHAT_GEMINI_MODEL" envDefault:"gemini-2.0-flash"`
	MaxStreamDuration time.Duration `env:"CHAT_MAX_STREAM_DURATION" envDefault:"5m"`
	SweepSchedule     string        `env:"CHAT_SWEEP_SCHEDULE" envDefault:"@every 30s"`
	MessageRPS        float64       `env:"CHAT_MESSAGE_RPS" envDefault:"1"`
	MessageBurst      int           `env:"CHAT_MESSAGE_BURST" envDefault:"3"`
	AllowedOrigins    []string      `env:"CHAT_ALLOWED_ORIGINS" envSeparator:","`
	HistoryLimit      int           `env:"CHAT_HISTORY_LIMIT" envDefault:"50"`
	// Greeting is saved as the first assistant message of a new conversation.
	Greeting string `env:"CHAT_GREETING" envDefault:"Hi! How can I help you today?"`
}

// DefaultConfig returns the values used when the environment sets nothing.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		StoreType:         "sqlite",
		StoreDSN:          "chat_history.sqlite",
		TokenTTL:          24 * time.Hour,
		Responder:         "echo",
		GeminiModel:       "gemini-2.0-flash",
		MaxStreamDuration: 5 * time.Minute,
		SweepSchedule:     "@every 30s",
		MessageRPS:        1,
		MessageBurst:      3,
		HistoryLimit:      50,
		Greeting:          "Hi! How can I help you today?",
	}
}

// WithStore sets the store type and connection string.
func (c Config) WithStore(storeType, dsn string) Config {
	c.StoreType = storeType
	c.StoreDSN = dsn
	return c
}

func (c Config) WithSecret(secret string) Config {
	c.JWTSecret = secret
	return c
}

func (c Config) WithRateLimit(rps float64, burst int) Config {
	c.MessageRPS = rps
	c.MessageBurst = burst
	return c
}
