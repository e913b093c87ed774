package store

import (
	"context"
	"iter"
)

// Backend is the storage contract implemented by the embedded and relational
// engines. Implementations must apply the validation in this package so that
// both return the same errors for the same input.
type Backend interface {
	Kind() BackendKind
	Handle(ns Namespace) Handle

	CreateConfig(ctx context.Context, ns Namespace, kind ConfigKind, name string, params Params) (string, error)
	GetConfig(ctx context.Context, ns Namespace, kind ConfigKind, id string) (*ConfigObject, error)
	ListConfigs(ctx context.Context, ns Namespace, kind ConfigKind, filter ConfigFilter) iter.Seq2[*ConfigObject, error]
	UpdateConfig(ctx context.Context, ns Namespace, kind ConfigKind, id string, params Params) (*ConfigUpdate, error)
	DeleteConfig(ctx context.Context, ns Namespace, kind ConfigKind, id string, force bool) error

	AppendTurn(ctx context.Context, ns Namespace, turn Turn) error
	ReadConversation(ctx context.Context, ns Namespace, conversationID string, r TurnRange) iter.Seq2[*Turn, error]
	Conversations(ctx context.Context, ns Namespace) ([]string, error)

	UpsertEmbedding(ctx context.Context, ns Namespace, e Embedding) error
	ReadEmbeddings(ctx context.Context, ns Namespace, embeddingType string) iter.Seq2[*Embedding, error]
	NearestEmbeddings(ctx context.Context, ns Namespace, embeddingType string, query []float32, k int) (*NearestResult, error)

	Loader

	Close() error
}

// Loader is the bulk side of a backend used by migrations: it provisions and
// discards storage units and writes rows with their identifiers and
// timestamps preserved.
type Loader interface {
	Provision(ctx context.Context, ns Namespace) error
	Drop(ctx context.Context, ns Namespace) error
	ImportConfig(ctx context.Context, ns Namespace, c *ConfigObject) error
	ImportTurn(ctx context.Context, ns Namespace, t *Turn) error
	ImportEmbedding(ctx context.Context, ns Namespace, e *Embedding) error
}

// PageSize is the number of rows fetched per round trip by lazy sequences.
const PageSize = 200

// Collect drains a sequence into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ErrSeq returns a sequence that yields a single error.
func ErrSeq[T any](err error) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		yield(zero, err)
	}
}

// Paginate builds a lazy sequence from a keyset page fetcher. fetch receives
// the cursor of the last row yielded (nil for the first page) and the page
// size; limit caps the total number of rows when positive. Each range over
// the sequence starts again from the first page.
func Paginate[T any, C any](limit int, fetch func(after *C, n int) ([]T, error), cursor func(T) C) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var after *C
		emitted := 0
		for {
			n := PageSize
			if limit > 0 && limit-emitted < n {
				n = limit - emitted
			}
			if n <= 0 {
				return
			}
			page, err := fetch(after, n)
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			for _, v := range page {
				emitted++
				if !yield(v, nil) {
					return
				}
			}
			if len(page) < n {
				return
			}
			c := cursor(page[len(page)-1])
			after = &c
		}
	}
}
