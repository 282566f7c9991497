// Package storage provides storage backends for recorded feed events.
package storage

import (
	"fmt"

	"github.com/johan/tokenfeed/internal/config"
	"github.com/johan/tokenfeed/internal/types"
)

// Storage defines the interface for storing feed events.
type Storage interface {
	// Write writes one event to storage.
	Write(event types.Event) error

	// Close closes the storage backend.
	Close() error
}

// Record is the on-disk form of one event.
type Record struct {
	Kind  string      `json:"kind"`
	Token string      `json:"token"`
	Event types.Event `json:"event"`
}

// New creates the backend selected by cfg.
func New(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "file":
		return NewFileStorage(cfg.OutputDir, cfg.RotationInterval)
	case "null", "":
		return NewNullStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// NullStorage is a no-op storage that discards all data.
type NullStorage struct{}

// NewNullStorage creates a new null storage.
func NewNullStorage() *NullStorage {
	return &NullStorage{}
}

// Write does nothing.
func (s *NullStorage) Write(types.Event) error {
	return nil
}

// Close does nothing.
func (s *NullStorage) Close() error {
	return nil
}
