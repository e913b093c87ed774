package namespace

import (
	"context"
	"errors"
	"sync"
)

// Cache is a write-through cache in front of a persistent Directory. It
// assumes it is the only writer of the underlying directory.
type Cache struct {
	inner Directory

	mu      sync.RWMutex
	records map[string]Record
}

var _ Directory = (*Cache)(nil)

func NewCache(inner Directory) *Cache {
	return &Cache{inner: inner, records: map[string]Record{}}
}

// Warm loads every record from the underlying directory.
func (c *Cache) Warm(ctx context.Context) error {
	recs, err := c.inner.List(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range recs {
		c.records[r.Token] = r.Clone()
	}
	return nil
}

func (c *Cache) put(r *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[r.Token] = r.Clone()
}

func (c *Cache) Get(ctx context.Context, token string) (*Record, error) {
	c.mu.RLock()
	r, ok := c.records[token]
	c.mu.RUnlock()
	if ok {
		out := r.Clone()
		return &out, nil
	}
	rec, err := c.inner.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	c.put(rec)
	return rec, nil
}

func (c *Cache) CreateIfAbsent(ctx context.Context, rec Record) (*Record, bool, error) {
	stored, created, err := c.inner.CreateIfAbsent(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	c.put(stored)
	return stored, created, nil
}

func (c *Cache) CompareAndSwap(ctx context.Context, old *Record, next Record) (*Record, error) {
	stored, err := c.inner.CompareAndSwap(ctx, old, next)
	if errors.Is(err, ErrStale) {
		// refresh so the caller's next read sees the winner
		c.mu.Lock()
		delete(c.records, old.Token)
		c.mu.Unlock()
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	c.put(stored)
	return stored, nil
}

func (c *Cache) List(ctx context.Context) ([]*Record, error) {
	return c.inner.List(ctx)
}
