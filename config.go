package chatstream

import (
	"log"
	"strings"
	"time"

	"github.com/Desarso/chatstream/engine"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds client settings.
type Config struct {
	// ServerURL is the chat server origin. The API lives under /api and the
	// websocket under /ws unless APIURL or SocketURL override them.
	ServerURL string `env:"CHAT_SERVER_URL" envDefault:"http://localhost:8080"`
	APIURL    string `env:"CHAT_API_URL"`
	SocketURL string `env:"CHAT_SOCKET_URL"`
	ChainID   int64  `env:"CHAT_CHAIN_ID" envDefault:"1"`

	ConnectAttempts    int           `env:"CHAT_CONNECT_ATTEMPTS" envDefault:"3"`
	ConnectRetryDelay  time.Duration `env:"CHAT_CONNECT_RETRY_DELAY" envDefault:"1s"`
	HandshakeTimeout   time.Duration `env:"CHAT_HANDSHAKE_TIMEOUT" envDefault:"5s"`
	SnapshotAttempts   int           `env:"CHAT_SNAPSHOT_ATTEMPTS" envDefault:"5"`
	SnapshotRetryDelay time.Duration `env:"CHAT_SNAPSHOT_RETRY_DELAY" envDefault:"250ms"`
	AbandonAfter       time.Duration `env:"CHAT_ABANDON_AFTER" envDefault:"5m"`
	RequestTimeout     time.Duration `env:"CHAT_REQUEST_TIMEOUT" envDefault:"15s"`
	IdleStatus         string        `env:"CHAT_IDLE_STATUS"`
}

// DefaultConfig returns the client defaults.
func DefaultConfig() *Config {
	return &Config{
		ServerURL:          "http://localhost:8080",
		ChainID:            1,
		ConnectAttempts:    3,
		ConnectRetryDelay:  time.Second,
		HandshakeTimeout:   5 * time.Second,
		SnapshotAttempts:   5,
		SnapshotRetryDelay: 250 * time.Millisecond,
		AbandonAfter:       5 * time.Minute,
		RequestTimeout:     15 * time.Second,
		IdleStatus:         engine.DefaultIdleStatus,
	}
}

// LoadEnv loads an optional .env file and parses the environment into
// target, which must be a pointer to a struct with env tags.
func LoadEnv(target any) error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
	return env.Parse(target)
}

// LoadConfig reads the client configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := LoadEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.IdleStatus == "" {
		cfg.IdleStatus = engine.DefaultIdleStatus
	}
	return cfg, nil
}

// WithServerURL sets the server origin
func (c *Config) WithServerURL(url string) *Config {
	c.ServerURL = url
	return c
}

// WithChainID sets the active chain sent with every message
func (c *Config) WithChainID(id int64) *Config {
	c.ChainID = id
	return c
}

// WithConnectRetry sets the connection attempt bound and the delay between
// attempts
func (c *Config) WithConnectRetry(attempts int, delay time.Duration) *Config {
	c.ConnectAttempts = attempts
	c.ConnectRetryDelay = delay
	return c
}

// WithSnapshotRetry sets the snapshot attempt bound and the delay between
// attempts
func (c *Config) WithSnapshotRetry(attempts int, delay time.Duration) *Config {
	c.SnapshotAttempts = attempts
	c.SnapshotRetryDelay = delay
	return c
}

func (c *Config) apiURL() string {
	if c.APIURL != "" {
		return strings.TrimRight(c.APIURL, "/")
	}
	return strings.TrimRight(c.ServerURL, "/") + "/api"
}

func (c *Config) socketURL() string {
	if c.SocketURL != "" {
		return c.SocketURL
	}
	base := strings.TrimRight(c.ServerURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}
