package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/sharetube/syncwatch/internal/metrics"
	"github.com/sharetube/syncwatch/internal/repository/room"
)

// tableWriter saves table snapshots on its own goroutine. Only the latest
// pending snapshot is kept, so a slow store never blocks the actor and
// older snapshots are skipped.
type tableWriter struct {
	repo    iRoomRepo
	timeout time.Duration
	pending chan room.Table
	done    chan struct{}
	logger  *slog.Logger
}

func newTableWriter(repo iRoomRepo, timeout time.Duration, logger *slog.Logger) *tableWriter {
	w := &tableWriter{
		repo:    repo,
		timeout: timeout,
		pending: make(chan room.Table, 1),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go w.run()

	return w
}

// enqueue must be called from a single goroutine.
func (w *tableWriter) enqueue(table room.Table) {
	select {
	case <-w.pending:
	default:
	}

	w.pending <- table
}

func (w *tableWriter) run() {
	defer close(w.done)

	for table := range w.pending {
		w.save(table)
	}
}

func (w *tableWriter) save(table room.Table) {
	ctx := context.Background()
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	if err := w.repo.Save(ctx, table); err != nil {
		metrics.PersistErrorsTotal.Inc()
		w.logger.Error("failed to save room table", "error", err, "rooms", len(table))
	}
}

// close flushes the pending snapshot and waits for the writer to exit.
func (w *tableWriter) close() {
	close(w.pending)
	<-w.done
}
