// Package badger opens the embedded Badger database shared by the saga store
// and the participant ledgers.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ordersaga/ordersaga/pkg/logger"
	"github.com/ordersaga/ordersaga/pkg/storage"
)

// Config holds Badger open options.
type Config struct {
	Path              string
	SyncWrites        bool
	ValueLogFileSize  int64
	NumVersionsToKeep int
	InMemory          bool
}

// Open opens a Badger database. Badger's own logger is silenced; errors are
// surfaced through the returned error.
func Open(config Config) (*badger.DB, error) {
	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = config.SyncWrites
	if config.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = config.ValueLogFileSize
	}
	if config.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = config.NumVersionsToKeep
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	return db, nil
}

// Serialize marshals v as JSON, wrapping failures in a SerializationError.
func Serialize(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &storage.SerializationError{Operation: "marshal", Cause: err}
	}
	return data, nil
}

// Deserialize unmarshals JSON into v, wrapping failures in a SerializationError.
func Deserialize(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &storage.SerializationError{Operation: "unmarshal", Cause: err}
	}
	return nil
}

// RunGC runs value log garbage collection every interval until ctx is done.
// Each tick rewrites files until Badger reports nothing left to rewrite.
func RunGC(ctx context.Context, db *badger.DB, interval time.Duration, log logger.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				err := db.RunValueLogGC(0.5)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
					log.Warn("badger value log gc failed", "error", err)
				}
				break
			}
		}
	}
}
