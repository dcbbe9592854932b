package backend

import (
	"errors"
	"fmt"

	"cashmanager/internal/config"
)

// Config holds configuration for backend creation
type Config struct {
	Type BackendType

	SQLiteDBPath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// FromAppConfig picks the backend settings out of the application config.
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, errors.New("app config is nil")
	}
	c := Config{
		Type:          BackendType(appConfig.StorageBackend),
		SQLiteDBPath:  appConfig.SQLiteDBPath,
		RedisAddr:     appConfig.RedisAddr,
		RedisPassword: appConfig.RedisPassword,
		RedisDB:       appConfig.RedisDB,
	}
	return c, c.Validate()
}

// Validate checks that the selected backend has what it needs to open.
func (c Config) Validate() error {
	switch c.Type {
	case SQLiteBackend:
		if c.SQLiteDBPath == "" {
			return errors.New("SQLite database path is required for sqlite backend")
		}
	case RedisBackend:
		if c.RedisAddr == "" {
			return errors.New("redis address is required for redis backend")
		}
	case MemoryBackend:
	default:
		return fmt.Errorf("invalid backend type %q: must be one of memory, sqlite, redis", c.Type)
	}
	return nil
}
