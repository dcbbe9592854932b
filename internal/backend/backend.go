// Package backend selects the store that holds session records and
// settings blobs.
package backend

import (
	"context"

	"cashmanager/internal/session"
	"cashmanager/internal/settings"
)

// Backend stores both the session records and the settings blobs.
type Backend interface {
	session.Store
	settings.Persister
}

// BackendType names one of the supported stores.
type BackendType string

const (
	MemoryBackend BackendType = "memory"
	SQLiteBackend BackendType = "sqlite"
	RedisBackend  BackendType = "redis"
)

func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case MemoryBackend, SQLiteBackend, RedisBackend:
		return true
	default:
		return false
	}
}

// BackendResult is an opened backend together with its readiness probe.
type BackendResult struct {
	Type    BackendType
	Backend Backend
	// Health backs the readiness endpoint.
	Health func(ctx context.Context) error
	// Cleanup is nil when there is nothing to release.
	Cleanup func() error
}

// Close releases the backend's connections.
func (r *BackendResult) Close() error {
	if r == nil || r.Cleanup == nil {
		return nil
	}
	return r.Cleanup()
}

// Factory creates backends based on configuration
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}
