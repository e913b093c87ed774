package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/jackc/pgx/v5"

	dbutil "github.com/flarebyte/redstore/internal/dao/dbutil"
	"github.com/flarebyte/redstore/internal/store"
)

const turnColumns = `conversation_id, turn_number, request_text, response_text, metadata, created_at`

func turnsTable(schema string) string { return pgx.Identifier{schema, tableTurns}.Sanitize() }

func scanTurn(r pgx.Row) (*store.Turn, error) {
	var t store.Turn
	var md []byte
	if err := r.Scan(&t.ConversationID, &t.TurnNumber, &t.RequestText, &t.ResponseText, &md, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	if len(md) > 0 {
		if err := json.Unmarshal(md, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if t.Metadata == nil {
		t.Metadata = store.Params{}
	}
	return &t, nil
}

// AppendTurn adds the next turn of a conversation. The max lookup and the
// insert share a transaction; a concurrent append of the same number loses
// on the primary key and reports OutOfOrderTurn.
func (b *Backend) AppendTurn(ctx context.Context, ns store.Namespace, turn store.Turn) error {
	const op = "turn.append"
	t, err := store.ValidateTurn(op, ns, turn)
	if err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = store.Now()
	}
	schema, err := b.ensure(ctx, ns)
	if err != nil {
		return err
	}
	err = pgx.BeginFunc(ctx, b.db, func(tx pgx.Tx) error {
		var current int
		q := `SELECT COALESCE(MAX(turn_number), -1) FROM ` + turnsTable(schema) + ` WHERE conversation_id = $1`
		if err := tx.QueryRow(ctx, q, t.ConversationID).Scan(&current); err != nil {
			return dbutil.ErrWrap(op+".max", err, dbutil.ParamSummary("conversation", t.ConversationID))
		}
		if err := store.CheckTurnOrder(op, ns, t.ConversationID, current, t.TurnNumber); err != nil {
			return err
		}
		return insertTurn(ctx, tx, schema, ns, op, &t)
	})
	return classify(op, ns, err)
}

// ImportTurn writes t with its timestamp preserved.
func (b *Backend) ImportTurn(ctx context.Context, ns store.Namespace, t *store.Turn) error {
	const op = "turn.import"
	if err := store.ValidateID(op, ns, "conversation_id", t.ConversationID); err != nil {
		return err
	}
	schema, err := b.ensure(ctx, ns)
	if err != nil {
		return err
	}
	return classify(op, ns, insertTurn(ctx, b.db, schema, ns, op, t))
}

func insertTurn(ctx context.Context, db dbtx, schema string, ns store.Namespace, op string, t *store.Turn) error {
	md, err := marshalParams(t.Metadata)
	if err != nil {
		return store.Errorf(store.ErrInvalidArgument, op, ns, "metadata: %v", err)
	}
	q := `INSERT INTO ` + turnsTable(schema) + ` (` + turnColumns + `)
        VALUES ($1, $2, $3, $4, $5::jsonb, $6)
        ON CONFLICT DO NOTHING`
	tag, err := db.Exec(ctx, q, t.ConversationID, t.TurnNumber, t.RequestText, t.ResponseText, md, t.CreatedAt)
	if err != nil {
		return dbutil.ErrWrap(op, err, dbutil.ParamSummary("conversation", t.ConversationID), fmt.Sprintf("turn=%d", t.TurnNumber))
	}
	if tag.RowsAffected() == 0 {
		return store.Errorf(store.ErrOutOfOrderTurn, op, ns, "conversation %q already has turn %d", t.ConversationID, t.TurnNumber)
	}
	return nil
}

// ReadConversation streams the turns of a conversation in ascending order,
// bounded by r.
func (b *Backend) ReadConversation(ctx context.Context, ns store.Namespace, conversationID string, r store.TurnRange) iter.Seq2[*store.Turn, error] {
	const op = "turn.read"
	if err := store.ValidateID(op, ns, "conversation_id", conversationID); err != nil {
		return store.ErrSeq[*store.Turn](err)
	}
	if err := store.ValidateRange(op, ns, r); err != nil {
		return store.ErrSeq[*store.Turn](err)
	}
	table := turnsTable(SchemaName(ns))
	fetch := func(after *int, n int) ([]*store.Turn, error) {
		q := `SELECT ` + turnColumns + ` FROM ` + table + ` WHERE conversation_id = $1 AND turn_number >= $2`
		args := []any{conversationID, r.Start}
		if r.End != nil {
			args = append(args, *r.End)
			q += fmt.Sprintf(` AND turn_number < $%d`, len(args))
		}
		if after != nil {
			args = append(args, *after)
			q += fmt.Sprintf(` AND turn_number > $%d`, len(args))
		}
		args = append(args, n)
		q += fmt.Sprintf(` ORDER BY turn_number ASC LIMIT $%d`, len(args))

		rows, err := b.db.Query(ctx, q, args...)
		if isMissingRelation(err) {
			return nil, nil
		}
		if err != nil {
			return nil, classify(op, ns, err, dbutil.ParamSummary("conversation", conversationID))
		}
		defer rows.Close()
		var page []*store.Turn
		for rows.Next() {
			t, err := scanTurn(rows)
			if err != nil {
				return nil, classify(op+".scan", ns, err)
			}
			page = append(page, t)
		}
		if err := rows.Err(); err != nil && !isMissingRelation(err) {
			return nil, classify(op, ns, err)
		}
		return page, nil
	}
	return store.Paginate(0, fetch, func(t *store.Turn) int { return t.TurnNumber })
}

// Conversations lists the ids of every conversation with at least one turn.
func (b *Backend) Conversations(ctx context.Context, ns store.Namespace) ([]string, error) {
	const op = "turn.conversations"
	rows, err := b.db.Query(ctx, `SELECT DISTINCT conversation_id FROM `+turnsTable(SchemaName(ns))+` ORDER BY conversation_id`)
	if isMissingRelation(err) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(op, ns, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(op+".scan", ns, err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil && !isMissingRelation(err) {
		return nil, classify(op, ns, err)
	}
	return out, nil
}
