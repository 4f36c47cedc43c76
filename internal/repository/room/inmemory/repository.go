package inmemory

import (
	"context"
	"sync"

	"github.com/sharetube/syncwatch/internal/repository/room"
)

type repo struct {
	table room.Table
	mu    sync.RWMutex
}

func NewRepo() *repo {
	return &repo{table: make(room.Table)}
}

func (r *repo) Load(_ context.Context) (room.Table, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.table.Clone(), nil
}

func (r *repo) Save(_ context.Context, table room.Table) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.table = table.Clone()
	return nil
}
