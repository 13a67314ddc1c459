package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	RelayMemory = "memory"
	RelayRedis  = "redis"
)

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Relay struct {
	Backend       string        `toml:"backend"`
	TTL           time.Duration `toml:"ttl"`
	SweepInterval time.Duration `toml:"sweep_interval"`
}

// Server is the server process configuration. An empty DBDSN runs the
// message store in memory, which is only meant for development.
type Server struct {
	Addr       string `toml:"addr"`
	DBDSN      string `toml:"db_dsn"`
	JWTSecret  string `toml:"jwt_secret"`
	JWTIssuer  string `toml:"jwt_issuer"`
	RedisAddr  string `toml:"redis_addr"`
	SendBuffer int    `toml:"send_buffer"`
	Relay      Relay  `toml:"relay"`
	Log        Log    `toml:"log"`
}

type Backoff struct {
	Initial       time.Duration `toml:"initial"`
	Max           time.Duration `toml:"max"`
	OfflineNotice time.Duration `toml:"offline_notice"`
}

type Client struct {
	ServerURL   string        `toml:"server_url"`
	Token       string        `toml:"token"`
	UserID      string        `toml:"user_id"`
	DataDir     string        `toml:"data_dir"`
	ResendAfter time.Duration `toml:"resend_after"`
	Backoff     Backoff       `toml:"backoff"`
	Log         Log           `toml:"log"`
}

func DefaultServer() Server {
	return Server{
		Addr:       ":8080",
		RedisAddr:  "localhost:6379",
		SendBuffer: 256,
		Relay: Relay{
			Backend:       RelayMemory,
			TTL:           7 * 24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Log: Log{Level: "info", Format: "json"},
	}
}

func DefaultClient() Client {
	return Client{
		ServerURL:   "ws://localhost:8080/ws",
		DataDir:     ".",
		ResendAfter: 30 * time.Second,
		Backoff: Backoff{
			Initial:       500 * time.Millisecond,
			Max:           30 * time.Second,
			OfflineNotice: 2 * time.Minute,
		},
		Log: Log{Level: "info", Format: "console"},
	}
}

// LoadServer reads defaults, then the TOML file at path (if any), then the
// environment. Environment wins.
func LoadServer(path string) (*Server, error) {
	cfg := DefaultServer()
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}

	setString(&cfg.Addr, "CHAT_ADDR")
	setString(&cfg.DBDSN, "DB_DSN")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.JWTIssuer, "JWT_ISSUER")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Relay.Backend, "RELAY_BACKEND")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	if err := setDuration(&cfg.Relay.TTL, "RELAY_TTL"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Server) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is not set"))
	}
	switch c.Relay.Backend {
	case RelayMemory:
	case RelayRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis relay backend requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown relay backend %q", c.Relay.Backend))
	}
	if c.Relay.TTL <= 0 {
		errs = append(errs, errors.New("relay ttl must be positive"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("send buffer must be positive"))
	}
	return errors.Join(errs...)
}

func LoadClient(path string) (*Client, error) {
	cfg := DefaultClient()
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}

	setString(&cfg.ServerURL, "CHAT_SERVER_URL")
	setString(&cfg.Token, "CHAT_TOKEN")
	setString(&cfg.UserID, "CHAT_USER_ID")
	setString(&cfg.DataDir, "CHAT_DATA_DIR")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Client) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server url is required"))
	}
	if c.UserID == "" {
		errs = append(errs, errors.New("user id is required"))
	}
	if c.Backoff.Initial <= 0 || c.Backoff.Max < c.Backoff.Initial {
		errs = append(errs, errors.New("backoff must satisfy 0 < initial <= max"))
	}
	return errors.Join(errs...)
}

func decodeFile(path string, v any) error {
	if path == "" {
		return nil
	}
	if _, err := toml.DecodeFile(path, v); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Plain numbers are seconds.
		secs, convErr := strconv.Atoi(v)
		if convErr != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		d = time.Duration(secs) * time.Second
	}
	*dst = d
	return nil
}
