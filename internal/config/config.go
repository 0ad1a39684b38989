package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultServerAddr    = ":8000"
	DefaultMessageLimit  = 50
	DefaultFeedLimit     = 50
	DefaultAppendRetries = 3
	DefaultReportRate    = 0.2
	DefaultReportBurst   = 5
)

type Config struct {
	ServerAddr     string   `yaml:"server_addr"`
	DatabaseDSN    string   `yaml:"database_dsn"`
	RedisAddr      string   `yaml:"redis_addr"`
	UploadURL      string   `yaml:"upload_url"`
	SigningSecret  string   `yaml:"signing_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MessageLimit   int      `yaml:"message_limit"`
	FeedLimit      int      `yaml:"feed_limit"`
	AppendRetries  int      `yaml:"append_retries"`
	ReportRate     float64  `yaml:"report_rate"`
	ReportBurst    int      `yaml:"report_burst"`
	Migrate        bool     `yaml:"migrate"`

	SigningKey []byte `yaml:"-"`
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	cfg := &Config{
		ServerAddr:     serverAddr,
		DatabaseDSN:    databaseDSN,
		SigningSecret:  base64Secret,
		AllowedOrigins: allowedOrigins,
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads an optional YAML file, then applies environment overrides.
// Variables in a .env file in the working directory are loaded first.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	set(&c.ServerAddr, "FITSOCIAL_ADDR")
	set(&c.DatabaseDSN, "FITSOCIAL_DSN")
	set(&c.RedisAddr, "FITSOCIAL_REDIS_ADDR")
	set(&c.UploadURL, "FITSOCIAL_UPLOAD_URL")
	set(&c.SigningSecret, "FITSOCIAL_SIGNING_KEY")

	if v := os.Getenv("FITSOCIAL_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}
}

// Finalize validates the configuration and fills in defaults. It must be
// called once all sources have been applied.
func (c *Config) Finalize() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database DSN cannot be empty")
	}
	if c.SigningSecret == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(c.SigningSecret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	if c.MessageLimit <= 0 {
		c.MessageLimit = DefaultMessageLimit
	}
	if c.FeedLimit <= 0 {
		c.FeedLimit = DefaultFeedLimit
	}
	if c.AppendRetries <= 0 {
		c.AppendRetries = DefaultAppendRetries
	}
	if c.ReportRate <= 0 {
		c.ReportRate = DefaultReportRate
	}
	if c.ReportBurst <= 0 {
		c.ReportBurst = DefaultReportBurst
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
