package dataset

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Loader caches parsed datasets by path. Concurrent loads of the same path
// share one read.
type Loader struct {
	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]*Dataset
}

// NewLoader creates an empty loader.
func NewLoader() *Loader {
	return &Loader{cache: make(map[string]*Dataset)}
}

// Load returns the dataset at path, reading it at most once.
func (l *Loader) Load(ctx context.Context, path string) (*Dataset, error) {
	l.mu.RLock()
	ds, ok := l.cache[path]
	l.mu.RUnlock()
	if ok {
		return ds, nil
	}

	ch := l.group.DoChan(path, func() (any, error) {
		ds, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.cache[path] = ds
		l.mu.Unlock()

		slog.Info("reference dataset loaded",
			"path", path,
			"rows", ds.Len(),
			"fraud", ds.Frauds(),
		)
		return ds, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Dataset), nil
	}
}

// Invalidate drops a cached dataset so the next Load re-reads it.
func (l *Loader) Invalidate(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
	l.group.Forget(path)
}
