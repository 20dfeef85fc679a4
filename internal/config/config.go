package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	DriverBadger   = "badger"
	DriverPostgres = "postgres"

	envPrefix = "relay"
)

type Config struct {
	ServerAddr     string   `envconfig:"ADDR" default:"localhost:5001" validate:"required"`
	StoreDriver    string   `envconfig:"STORE_DRIVER" default:"badger" validate:"oneof=badger postgres"`
	StorePath      string   `envconfig:"STORE_PATH" default:"messages.db" validate:"required_if=StoreDriver badger"`
	DatabaseDSN    string   `envconfig:"DATABASE_DSN" validate:"required_if=StoreDriver postgres"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`
	HistoryLimit   int      `envconfig:"HISTORY_LIMIT" default:"100" validate:"min=1"`
	LogLevel       string   `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn warning error fatal disabled off"`
	LogPretty      bool     `envconfig:"LOG_PRETTY" default:"false"`
}

var validate = validator.New()

// Load reads RELAY_* variables, after merging any .env file in the working
// directory. Values already present in the environment win over .env.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}

	return &cfg, nil
}

// Validate checks the config after flags have been applied on top of Load.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := validateAddr(c.ServerAddr); err != nil {
		return err
	}

	return nil
}

func validateAddr(addr string) error {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("server address %q: %w", addr, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("server address %q: port must be a number", addr)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("server address %q: port must be between 1 and 65535", addr)
	}

	return nil
}

func NewConfig(serverAddr, storeDriver, storePath, databaseDSN string, allowedOrigins []string, historyLimit int) (*Config, error) {
	cfg := &Config{
		ServerAddr:     serverAddr,
		StoreDriver:    storeDriver,
		StorePath:      storePath,
		DatabaseDSN:    databaseDSN,
		AllowedOrigins: allowedOrigins,
		HistoryLimit:   historyLimit,
		LogLevel:       "info",
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
