package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
)

// markProcessedTx inserts the (message_id, handler) fence row once, inside the
// caller's transaction. Rolling the transaction back releases the marker.
//
//	ok=true  -> first time processed
//	ok=false -> duplicate delivery (already processed)
func markProcessedTx(ctx context.Context, tx pgx.Tx, messageID, handler string) (ok bool, err error) {
	messageID = strings.TrimSpace(messageID)
	handler = strings.TrimSpace(handler)

	if messageID == "" {
		// Without a message id there is nothing safe to dedupe on.
		return true, nil
	}
	if handler == "" {
		handler = "unknown"
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO inbox (message_id, handler)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, messageID, handler)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
