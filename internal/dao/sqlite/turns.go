package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"

	dbutil "github.com/flarebyte/redstore/internal/dao/dbutil"
	"github.com/flarebyte/redstore/internal/store"
)

const turnColumns = `conversation_id, turn_number, request_text, response_text, metadata, created_at`

func scanTurn(r rowScanner) (*store.Turn, error) {
	var t store.Turn
	var md []byte
	var created int64
	if err := r.Scan(&t.ConversationID, &t.TurnNumber, &t.RequestText, &t.ResponseText, &md, &created); err != nil {
		return nil, err
	}
	t.CreatedAt = fromMicros(created)
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

// AppendTurn adds the next turn of a conversation. The turn number must be
// exactly one past the current maximum, or 0 for a new conversation; a
// rejected turn leaves the conversation unchanged.
func (b *Backend) AppendTurn(ctx context.Context, ns store.Namespace, turn store.Turn) error {
	const op = "turn.append"
	t, err := store.ValidateTurn(op, ns, turn)
	if err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = store.Now()
	}
	return b.write(ctx, ns, op, func(tx *sql.Tx) error {
		var current int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(turn_number), -1) FROM turns WHERE conversation_id = ?`, t.ConversationID).Scan(&current); err != nil {
			return dbutil.ErrWrap(op+".max", err, dbutil.ParamSummary("conversation", t.ConversationID))
		}
		if err := store.CheckTurnOrder(op, ns, t.ConversationID, current, t.TurnNumber); err != nil {
			return err
		}
		return insertTurn(ctx, tx, ns, op, &t)
	})
}

// ImportTurn writes t with its timestamp preserved.
func (b *Backend) ImportTurn(ctx context.Context, ns store.Namespace, t *store.Turn) error {
	const op = "turn.import"
	if err := store.ValidateID(op, ns, "conversation_id", t.ConversationID); err != nil {
		return err
	}
	return b.write(ctx, ns, op, func(tx *sql.Tx) error {
		return insertTurn(ctx, tx, ns, op, t)
	})
}

func insertTurn(ctx context.Context, tx *sql.Tx, ns store.Namespace, op string, t *store.Turn) error {
	md, err := marshalParams(t.Metadata)
	if err != nil {
		return store.Errorf(store.ErrInvalidArgument, op, ns, "metadata: %v", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO turns (`+turnColumns+`)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT DO NOTHING`,
		t.ConversationID, t.TurnNumber, t.RequestText, t.ResponseText, string(md), micros(t.CreatedAt))
	if err != nil {
		return dbutil.ErrWrap(op, err, dbutil.ParamSummary("conversation", t.ConversationID), fmt.Sprintf("turn=%d", t.TurnNumber))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbutil.ErrWrap(op, err)
	}
	if n == 0 {
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
	fetch := func(after *int, n int) ([]*store.Turn, error) {
		q := `SELECT ` + turnColumns + ` FROM turns WHERE conversation_id = ? AND turn_number >= ?`
		args := []any{conversationID, r.Start}
		if r.End != nil {
			q += ` AND turn_number < ?`
			args = append(args, *r.End)
		}
		if after != nil {
			q += ` AND turn_number > ?`
			args = append(args, *after)
		}
		q += ` ORDER BY turn_number ASC LIMIT ?`
		args = append(args, n)

		var page []*store.Turn
		err := b.read(ctx, ns, func(db *sql.DB) error {
			if db == nil {
				return nil
			}
			rows, err := db.QueryContext(ctx, q, args...)
			if err != nil {
				return classify(op, ns, err, dbutil.ParamSummary("conversation", conversationID))
			}
			defer rows.Close()
			for rows.Next() {
				t, err := scanTurn(rows)
				if err != nil {
					return classify(op+".scan", ns, err)
				}
				page = append(page, t)
			}
			return classify(op, ns, rows.Err())
		})
		return page, err
	}
	return store.Paginate(0, fetch, func(t *store.Turn) int { return t.TurnNumber })
}

// Conversations lists the ids of every conversation with at least one turn.
func (b *Backend) Conversations(ctx context.Context, ns store.Namespace) ([]string, error) {
	const op = "turn.conversations"
	var out []string
	err := b.read(ctx, ns, func(db *sql.DB) error {
		if db == nil {
			return nil
		}
		rows, err := db.QueryContext(ctx, `SELECT DISTINCT conversation_id FROM turns ORDER BY conversation_id`)
		if err != nil {
			return classify(op, ns, err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return classify(op+".scan", ns, err)
			}
			out = append(out, id)
		}
		return classify(op, ns, rows.Err())
	})
	return out, err
}
