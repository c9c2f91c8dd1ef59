// Package store holds the key-value stores wallet records are persisted in.
package store

import (
	"context"

	"edgevideo.ai/edge-wallet/internal/cache"
	"edgevideo.ai/edge-wallet/internal/config"
	"edgevideo.ai/edge-wallet/pkg/errors"
)

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = errors.New("store: key not found")

// Store is a string key-value store. Remove of an absent key is not an error.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Open returns the store named by conf.Driver.
func Open(ctx context.Context, conf config.Store) (Store, error) {
	switch conf.Driver {
	case "memory":
		return NewMemory(), nil
	case "leveldb", "":
		return OpenLevelDB(conf.Path)
	case "redis":
		client, err := cache.Connect(ctx, &conf.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedis(client), nil
	default:
		return nil, errors.Errorf("unknown store driver %q", conf.Driver)
	}
}
