package namespace

import (
	"context"
	"sort"
	"sync"

	"github.com/flarebyte/redstore/internal/store"
)

// MemDirectory keeps records in process memory.
type MemDirectory struct {
	mu      sync.Mutex
	records map[string]Record
}

var _ Directory = (*MemDirectory)(nil)

func NewMemDirectory() *MemDirectory {
	return &MemDirectory{records: map[string]Record{}}
}

func (d *MemDirectory) Get(_ context.Context, token string) (*Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.records[token]
	if !ok {
		return nil, store.Errorf(store.ErrNotFound, "namespace.get", store.Namespace{Token: token}, "no record")
	}
	out := r.Clone()
	return &out, nil
}

func (d *MemDirectory) CreateIfAbsent(_ context.Context, rec Record) (*Record, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.records[rec.Token]; ok {
		out := r.Clone()
		return &out, false, nil
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	d.records[rec.Token] = rec.Clone()
	out := rec.Clone()
	return &out, true, nil
}

func (d *MemDirectory) CompareAndSwap(_ context.Context, old *Record, next Record) (*Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.records[old.Token]
	if !ok {
		return nil, store.Errorf(store.ErrNotFound, "namespace.cas", old.Namespace(), "no record")
	}
	if cur.Version != old.Version {
		return nil, ErrStale
	}
	next.Token = old.Token
	next.CreatedAt = cur.CreatedAt
	next.Version = cur.Version + 1
	d.records[old.Token] = next.Clone()
	out := next.Clone()
	return &out, nil
}

func (d *MemDirectory) List(_ context.Context) ([]*Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Record, 0, len(d.records))
	for _, r := range d.records {
		c := r.Clone()
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}
