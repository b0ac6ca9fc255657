package presence

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalith-99/wirechat/internal/models"
	"github.com/lalith-99/wirechat/internal/repository"
)

// LastSeenWriter persists last-seen timestamps off the disconnect path.
//
// Disconnect must not block on Postgres, but a bare `go persist()` per
// disconnect has two problems: unbounded concurrency under mass
// disconnects, and no ordering — a disconnect/reconnect/disconnect
// burst could land its writes out of order. A fixed set of workers with
// identity-sharded queues bounds the goroutines and keeps all writes
// for one identity on one worker, in order. Last write wins, which is
// exactly the presence-display semantic.
type LastSeenWriter struct {
	store   repository.PresenceRepository
	shards  []chan lastSeenTask
	wg      sync.WaitGroup
	logger  *zap.Logger
	timeout time.Duration
}

type lastSeenTask struct {
	key models.ConnKey
	at  time.Time
}

func NewLastSeenWriter(store repository.PresenceRepository, workers int, logger *zap.Logger) *LastSeenWriter {
	if workers < 1 {
		workers = 1
	}
	w := &LastSeenWriter{
		store:   store,
		shards:  make([]chan lastSeenTask, workers),
		logger:  logger,
		timeout: 5 * time.Second,
	}
	for i := range w.shards {
		ch := make(chan lastSeenTask, 64)
		w.shards[i] = ch
		w.wg.Add(1)
		go w.run(ch)
	}
	return w
}

func (w *LastSeenWriter) run(ch <-chan lastSeenTask) {
	defer w.wg.Done()
	for task := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		if err := w.store.SetLastSeen(ctx, task.key, task.at); err != nil {
			w.logger.Warn("last-seen persist failed",
				zap.String("key", task.key.String()),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Enqueue hands off a last-seen write. If the shard's queue is full the
// write is dropped with a warning — last-seen is display data, stalling
// a disconnect to preserve it would be the wrong trade.
func (w *LastSeenWriter) Enqueue(key models.ConnKey, at time.Time) {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	shard := w.shards[h.Sum32()%uint32(len(w.shards))]

	select {
	case shard <- lastSeenTask{key: key, at: at}:
	default:
		w.logger.Warn("last-seen queue full, dropping write",
			zap.String("key", key.String()),
		)
	}
}

// Close drains the queues and waits for in-flight writes.
func (w *LastSeenWriter) Close() {
	for _, ch := range w.shards {
		close(ch)
	}
	w.wg.Wait()
}
