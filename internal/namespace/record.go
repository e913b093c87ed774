// Package namespace holds the directory of namespace records: which backend
// serves each namespace and where its migration stands.
package namespace

import (
	"context"
	"errors"
	"time"

	"github.com/flarebyte/redstore/internal/store"
)

// Phase is the migration phase of a namespace.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhasePreparing  Phase = "preparing"
	PhaseCopying    Phase = "copying"
	PhaseValidating Phase = "validating"
	PhaseCommitted  Phase = "committed"
	PhaseRolledBack Phase = "rolled_back"
)

// Resting reports whether no migration holds the namespace. Committed and
// rolled back are outcomes recorded on an idle namespace.
func (p Phase) Resting() bool {
	return p == PhaseIdle || p == PhaseCommitted || p == PhaseRolledBack
}

// ErrStale is returned by CompareAndSwap when the stored record changed
// since it was read.
var ErrStale = errors.New("namespace record changed concurrently")

// Record is the routing state of one namespace.
//
// Active is the backend serving calls, or BackendMigrating while a
// migration holds the namespace. During a migration Source serves reads and
// Target receives the copy. After a commit Source names the retained
// previous copy until RetainUntil.
type Record struct {
	Token       string            `json:"token"`
	Active      store.BackendKind `json:"active_backend"`
	Source      store.BackendKind `json:"source,omitempty"`
	Target      store.BackendKind `json:"target,omitempty"`
	Phase       Phase             `json:"phase"`
	MigrationID string            `json:"migration_id,omitempty"`
	RetainUntil *time.Time        `json:"retain_until,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Version     int64             `json:"version"`
}

// New returns a fresh idle record on backend.
func New(token string, backend store.BackendKind, now time.Time) Record {
	return Record{Token: token, Active: backend, Phase: PhaseIdle, CreatedAt: now, UpdatedAt: now, Version: 1}
}

// Namespace returns the namespace the record describes.
func (r Record) Namespace() store.Namespace { return store.Namespace{Token: r.Token} }

// Migrating reports whether a migration holds the namespace.
func (r Record) Migrating() bool { return r.Active == store.BackendMigrating }

// ReadBackend is the backend that serves reads.
func (r Record) ReadBackend() store.BackendKind {
	if r.Migrating() {
		return r.Source
	}
	return r.Active
}

// Retained reports whether a previous copy is kept for rollback at now.
func (r Record) Retained(now time.Time) bool {
	return !r.Migrating() && r.Phase == PhaseCommitted && r.Source.Valid() && r.Source != r.Active &&
		r.RetainUntil != nil && now.Before(*r.RetainUntil)
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	if r.RetainUntil != nil {
		t := *r.RetainUntil
		r.RetainUntil = &t
	}
	return r
}

// Directory persists namespace records. Every transition goes through
// CompareAndSwap on the record version.
type Directory interface {
	// Get returns the record for token or a store.ErrNotFound error.
	Get(ctx context.Context, token string) (*Record, error)
	// CreateIfAbsent stores rec unless a record for rec.Token exists and
	// returns the stored record; created reports which happened.
	CreateIfAbsent(ctx context.Context, rec Record) (stored *Record, created bool, err error)
	// CompareAndSwap replaces old with next when the stored version still
	// equals old.Version. The stored result carries the bumped version.
	CompareAndSwap(ctx context.Context, old *Record, next Record) (*Record, error)
	// List returns every record ordered by token.
	List(ctx context.Context) ([]*Record, error)
}
