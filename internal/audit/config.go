package audit

import (
	"errors"
	"time"
)

// Config holds audit store settings.
type Config struct {
	Path            string        `yaml:"path"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Path:            "./data/carebridge.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		WriteTimeout:    30 * time.Second,
		RetryDelay:      5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Path == "" {
		return errors.New("audit path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("audit max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("audit connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("audit connection max idle time must be greater than 0")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("audit write timeout must be greater than 0")
	}
	if c.RetryDelay < 0 {
		return errors.New("audit retry delay cannot be negative")
	}
	return nil
}
