package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash"

	"github.com/flarebyte/redstore/internal/store"
)

// Entity names used in digests and reports.
const (
	EntityConfigs    = "configs"
	EntityTurns      = "turns"
	EntityEmbeddings = "embeddings"
)

// Digest is the row count and SHA-256 over the canonical rows of one entity
// type.
type Digest struct {
	Rows int64  `json:"rows"`
	Sum  string `json:"sha256"`
}

type digester struct {
	h    hash.Hash
	rows int64
}

func newDigester() *digester { return &digester{h: sha256.New()} }

// add writes one canonical row followed by a newline separator.
func (d *digester) add(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	d.h.Write(b)
	d.h.Write([]byte{'\n'})
	d.rows++
	return nil
}

func (d *digester) digest() Digest {
	return Digest{Rows: d.rows, Sum: hex.EncodeToString(d.h.Sum(nil))}
}

// Canonical row shapes: timestamps as unix microseconds, params as sorted
// JSON objects (encoding/json sorts map keys).
type configRow struct {
	ID        string           `json:"id"`
	Kind      store.ConfigKind `json:"kind"`
	Name      string           `json:"name"`
	Params    store.Params     `json:"params"`
	Status    store.Status     `json:"status"`
	CreatedAt int64            `json:"created_at"`
	UpdatedAt int64            `json:"updated_at"`
}

type turnRow struct {
	ConversationID string       `json:"conversation_id"`
	TurnNumber     int          `json:"turn_number"`
	RequestText    string       `json:"request_text"`
	ResponseText   string       `json:"response_text"`
	Metadata       store.Params `json:"metadata"`
	CreatedAt      int64        `json:"created_at"`
}

type embeddingRow struct {
	ConversationID string       `json:"conversation_id"`
	EmbeddingType  string       `json:"embedding_type"`
	Vector         []float32    `json:"vector"`
	Metadata       store.Params `json:"metadata"`
	CreatedAt      int64        `json:"created_at"`
}

func orEmpty(p store.Params) store.Params {
	if p == nil {
		return store.Params{}
	}
	return p
}

// Checksums computes the per-entity digests of ns on b. Rows are visited in
// the order both backends guarantee: configs by kind then (created_at, id),
// turns by conversation then turn number, embeddings by
// (conversation_id, embedding_type).
func Checksums(ctx context.Context, b store.Backend, ns store.Namespace) (map[string]Digest, error) {
	configs := newDigester()
	for _, kind := range store.ConfigKinds {
		for c, err := range b.ListConfigs(ctx, ns, kind, store.ConfigFilter{}) {
			if err != nil {
				return nil, err
			}
			if err := configs.add(configRow{
				ID: c.ID, Kind: c.Kind, Name: c.Name, Params: orEmpty(c.Params), Status: c.Status,
				CreatedAt: c.CreatedAt.UnixMicro(), UpdatedAt: c.UpdatedAt.UnixMicro(),
			}); err != nil {
				return nil, store.Wrap(store.ErrInternal, "migrate.checksum", ns, err)
			}
		}
	}

	turns := newDigester()
	convs, err := b.Conversations(ctx, ns)
	if err != nil {
		return nil, err
	}
	for _, conv := range convs {
		for t, err := range b.ReadConversation(ctx, ns, conv, store.TurnRange{}) {
			if err != nil {
				return nil, err
			}
			if err := turns.add(turnRow{
				ConversationID: t.ConversationID, TurnNumber: t.TurnNumber,
				RequestText: t.RequestText, ResponseText: t.ResponseText,
				Metadata: orEmpty(t.Metadata), CreatedAt: t.CreatedAt.UnixMicro(),
			}); err != nil {
				return nil, store.Wrap(store.ErrInternal, "migrate.checksum", ns, err)
			}
		}
	}

	embs := newDigester()
	for e, err := range b.ReadEmbeddings(ctx, ns, "") {
		if err != nil {
			return nil, err
		}
		if err := embs.add(embeddingRow{
			ConversationID: e.ConversationID, EmbeddingType: e.EmbeddingType, Vector: e.Vector,
			Metadata: orEmpty(e.Metadata), CreatedAt: e.CreatedAt.UnixMicro(),
		}); err != nil {
			return nil, store.Wrap(store.ErrInternal, "migrate.checksum", ns, err)
		}
	}

	return map[string]Digest{
		EntityConfigs:    configs.digest(),
		EntityTurns:      turns.digest(),
		EntityEmbeddings: embs.digest(),
	}, nil
}
