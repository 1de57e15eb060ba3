package repo

import (
	"context"
	"fmt"
	"time"
)

const inboundColumns = `id, service_id, source, sender_id, text, raw_payload, received_at, status, processed_at`

func scanInbound(row interface{ Scan(...any) error }) (*InboundMessage, error) {
	var m InboundMessage
	err := row.Scan(&m.ID, &m.ServiceID, &m.Source, &m.SenderID, &m.Text,
		&m.RawPayload, &m.ReceivedAt, &m.Status, &m.ProcessedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertInboundMessage appends an audit record for an inbound event. The row
// is written before any verification or extraction runs.
func (r *PostgresStore) InsertInboundMessage(ctx context.Context, msg InboundMessage) (*InboundMessage, error) {
	q := fmt.Sprintf(`
INSERT INTO inbound_messages (service_id, source, sender_id, text, raw_payload, status)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING %s;`, inboundColumns)
	inserted, err := scanInbound(r.pool.QueryRow(ctx, q,
		msg.ServiceID, msg.Source, msg.SenderID, msg.Text, msg.RawPayload, msg.Status))
	if err != nil {
		return nil, fmt.Errorf("insert inbound message: %w", err)
	}
	return inserted, nil
}

// UpdateInboundStatus records the processing outcome of an audit row.
func (r *PostgresStore) UpdateInboundStatus(ctx context.Context, id int64, status MessageStatus, processedAt *time.Time) error {
	const q = `
UPDATE inbound_messages
SET status = $2, processed_at = $3
WHERE id = $1;
`
	ct, err := r.pool.Exec(ctx, q, id, status, processedAt)
	if err != nil {
		return fmt.Errorf("update inbound status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertBlockedMessage records a rejection together with its reason code.
func (r *PostgresStore) InsertBlockedMessage(ctx context.Context, msg BlockedMessage) error {
	const q = `
INSERT INTO blocked_messages (service_id, source, sender_id, text, reason)
VALUES ($1, $2, $3, $4, $5);
`
	if _, err := r.pool.Exec(ctx, q, msg.ServiceID, msg.Source, msg.SenderID, msg.Text, msg.Reason); err != nil {
		return fmt.Errorf("insert blocked message: %w", err)
	}
	return nil
}

// SearchRecentMessages returns recent audit rows for a service that mention the
// given phone string, newest first. Used by the watcher to catch messages that
// arrived before the reservation existed.
func (r *PostgresStore) SearchRecentMessages(ctx context.Context, serviceID int64, phone string, since time.Time, limit int) ([]InboundMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	q := fmt.Sprintf(`
SELECT %s FROM inbound_messages
WHERE service_id = $1 AND received_at >= $2 AND text LIKE '%%' || $3 || '%%'
ORDER BY received_at DESC
LIMIT $4;`, inboundColumns)
	rows, err := r.pool.Query(ctx, q, serviceID, since, phone, limit)
	if err != nil {
		return nil, fmt.Errorf("search recent messages: %w", err)
	}
	defer rows.Close()

	var out []InboundMessage
	for rows.Next() {
		m, err := scanInbound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inbound message: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbound messages: %w", err)
	}
	return out, nil
}
