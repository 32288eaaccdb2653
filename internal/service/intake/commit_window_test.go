package intake

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/events"
)

type commitLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *commitLog) delivery(name string, partition int, offset int64, err error) events.Delivery {
	d := events.NewDelivery([]byte(name), name, offset, func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.entries = append(l.entries, name)
		return err
	})
	d.Partition = partition
	return d
}

func (l *commitLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func TestCommitWindow_CommitsContiguousPrefix(t *testing.T) {
	log := &commitLog{}
	w := newCommitWindow(zaptest.NewLogger(t))
	ctx := context.Background()

	a := w.track(log.delivery("p0-a", 0, 1, nil))
	b := w.track(log.delivery("p0-b", 0, 2, nil))
	c := w.track(log.delivery("p0-c", 0, 3, nil))

	w.complete(ctx, c)
	w.complete(ctx, b)
	assert.Empty(t, log.all())
	assert.Equal(t, 3, w.held())

	w.complete(ctx, a)
	assert.Equal(t, []string{"p0-a", "p0-b", "p0-c"}, log.all())
	assert.Equal(t, 0, w.held())
}

func TestCommitWindow_PartitionsAreIndependent(t *testing.T) {
	log := &commitLog{}
	w := newCommitWindow(zaptest.NewLogger(t))
	ctx := context.Background()

	w.track(log.delivery("p0-stuck", 0, 10, nil))
	p1 := w.track(log.delivery("p1-a", 1, 10, nil))

	w.complete(ctx, p1)
	assert.Equal(t, []string{"p1-a"}, log.all())
	assert.Equal(t, 1, w.held())
}

func TestCommitWindow_CommitErrorDoesNotStall(t *testing.T) {
	log := &commitLog{}
	w := newCommitWindow(zaptest.NewLogger(t))
	ctx := context.Background()

	a := w.track(log.delivery("a", 0, 1, errors.New("coordinator moved")))
	b := w.track(log.delivery("b", 0, 2, nil))

	w.complete(ctx, a)
	w.complete(ctx, b)
	assert.Equal(t, []string{"a", "b"}, log.all())
	assert.Equal(t, 0, w.held())
}
