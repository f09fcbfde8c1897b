// Package snapshot persists running tasks so they survive a process restart.
// Every Save replaces the previous snapshot wholesale.
package snapshot

import (
	"context"
	"strings"

	"github.com/ent0n29/loopd/internal/tasks"
)

type Store interface {
	Load(ctx context.Context) (map[string]tasks.Snapshot, error)
	Save(ctx context.Context, snaps map[string]tasks.Snapshot) error
	Mode() string
	Close() error
}

// NewStore picks Postgres when databaseURL is set and the JSON file at path
// otherwise.
func NewStore(ctx context.Context, databaseURL, path string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewFileStore(path), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
