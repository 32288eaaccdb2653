package intake

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/events"
)

// inFlight is a fetched delivery waiting for its worker.
type inFlight struct {
	delivery events.Delivery
	done     bool
	window   *partitionWindow
}

// partitionWindow holds one partition's deliveries in fetch order.
type partitionWindow struct {
	mu      sync.Mutex
	pending []*inFlight
}

// commitWindow orders commits across workers. A commit acknowledges every
// earlier offset of its partition, so a delivery is committed only once all
// deliveries fetched before it from the same partition are done.
type commitWindow struct {
	mu         sync.Mutex
	partitions map[int]*partitionWindow
	logger     *zap.Logger
}

func newCommitWindow(logger *zap.Logger) *commitWindow {
	return &commitWindow{
		partitions: make(map[int]*partitionWindow),
		logger:     logger,
	}
}

// track registers d in fetch order. It must be called from the fetching
// goroutine before d is handed to a worker.
func (w *commitWindow) track(d events.Delivery) *inFlight {
	w.mu.Lock()
	pw, ok := w.partitions[d.Partition]
	if !ok {
		pw = &partitionWindow{}
		w.partitions[d.Partition] = pw
	}
	w.mu.Unlock()

	f := &inFlight{delivery: d, window: pw}
	pw.mu.Lock()
	pw.pending = append(pw.pending, f)
	pw.mu.Unlock()
	return f
}

// complete marks f done and commits the done prefix of its partition.
// Deliveries never completed hold back everything fetched after them.
func (w *commitWindow) complete(ctx context.Context, f *inFlight) {
	pw := f.window
	pw.mu.Lock()
	defer pw.mu.Unlock()

	f.done = true
	n := 0
	for n < len(pw.pending) && pw.pending[n].done {
		n++
	}
	ready := pw.pending[:n]
	pw.pending = pw.pending[n:]

	// Commits run under the partition lock so they reach the broker in order.
	for _, r := range ready {
		if err := r.delivery.Commit(ctx); err != nil {
			w.logger.Error("commit failed",
				zap.Int("partition", r.delivery.Partition),
				zap.Int64("offset", r.delivery.Offset),
				zap.Error(err))
		}
	}
}

// held is the number of deliveries tracked but not yet committed.
func (w *commitWindow) held() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := 0
	for _, pw := range w.partitions {
		pw.mu.Lock()
		total += len(pw.pending)
		pw.mu.Unlock()
	}
	return total
}
