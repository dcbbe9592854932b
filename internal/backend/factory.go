package backend

import (
	"context"
	"fmt"

	"cashmanager/internal/log"
	"cashmanager/internal/session"
	"cashmanager/internal/settings"
	"cashmanager/internal/storage"
)

// DefaultFactory opens the backend named by Config.Type.
type DefaultFactory struct {
	logger *log.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.Default(log.ComponentBackend)
	}
	return &DefaultFactory{
		logger: logger.WithComponent(log.ComponentBackend),
	}
}

// CreateBackend opens and verifies the configured backend. The redis
// backend fails here when the server does not answer.
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case SQLiteBackend:
		return f.createSQLiteBackend(config)
	case RedisBackend:
		return f.createRedisBackend(ctx, config)
	case MemoryBackend:
		return f.createMemoryBackend()
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

func (f *DefaultFactory) createSQLiteBackend(config Config) (*BackendResult, error) {
	repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
	}

	f.logger.Info("Initialized SQLite backend", "db_path", config.SQLiteDBPath)

	return &BackendResult{
		Type:    SQLiteBackend,
		Backend: repo,
		Health:  repo.Ping,
		Cleanup: repo.Close,
	}, nil
}

func (f *DefaultFactory) createRedisBackend(ctx context.Context, config Config) (*BackendResult, error) {
	client, err := storage.NewRedisClient(ctx, storage.RedisConfig{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Redis backend: %w", err)
	}
	store := storage.NewRedisStore(client, f.logger)

	f.logger.Info("Initialized Redis backend", "addr", config.RedisAddr, "db", config.RedisDB)

	return &BackendResult{
		Type:    RedisBackend,
		Backend: store,
		Health:  store.Ping,
		Cleanup: store.Close,
	}, nil
}

func (f *DefaultFactory) createMemoryBackend() (*BackendResult, error) {
	f.logger.Warn("Using memory backend, sessions and settings are lost on restart")

	return &BackendResult{
		Backend: memoryBackend{
			MemoryStore:     session.NewMemoryStore(),
			MemoryPersister: settings.NewMemoryPersister(),
		},
		Type:   MemoryBackend,
		Health: func(context.Context) error { return nil },
	}, nil
}

// memoryBackend keeps everything in process memory.
type memoryBackend struct {
	*session.MemoryStore
	*settings.MemoryPersister
}
