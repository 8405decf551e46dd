package checkpoint

import (
	"context"
	"sync"
)

// SyncSaver is a blocking backend that is not safe for concurrent use.
type SyncSaver interface {
	PutSync(threadID string, cp *Checkpoint) error
	GetTupleSync(threadID string) (*Tuple, error)
}

// WrapSync presents a SyncSaver as an async Saver by funneling every call
// through one worker goroutine, so the backend never sees concurrency and
// callers never block past their context.
func WrapSync(inner SyncSaver) *SyncAdapter {
	a := &SyncAdapter{
		sync:  inner,
		calls: make(chan func(), 16),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

// SyncAdapter is the async facade over a synchronous backend.
type SyncAdapter struct {
	sync      SyncSaver
	calls     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

func (a *SyncAdapter) run() {
	for {
		select {
		case call := <-a.calls:
			call()
		case <-a.done:
			return
		}
	}
}

type putResult struct{ err error }

type getResult struct {
	tuple *Tuple
	err   error
}

// Put schedules the blocking write on the worker.
func (a *SyncAdapter) Put(ctx context.Context, threadID string, cp *Checkpoint) error {
	res := make(chan putResult, 1)
	call := func() { res <- putResult{err: a.sync.PutSync(threadID, cp)} }

	select {
	case a.calls <- call:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case r := <-res:
		return r.err
	case <-ctx.Done():
		// The write may still land; Put is idempotent by checkpoint id.
		return ctx.Err()
	}
}

// GetTuple schedules the blocking read on the worker.
func (a *SyncAdapter) GetTuple(ctx context.Context, threadID string) (*Tuple, error) {
	res := make(chan getResult, 1)
	call := func() {
		t, err := a.sync.GetTupleSync(threadID)
		res <- getResult{tuple: t, err: err}
	}

	select {
	case a.calls <- call:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-res:
		return r.tuple, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the worker. In-flight calls complete; later calls hang on
// the channel send until their context expires.
func (a *SyncAdapter) Close() {
	a.closeOnce.Do(func() { close(a.done) })
}
