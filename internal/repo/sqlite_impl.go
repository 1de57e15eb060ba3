package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// -- LedgerStore --

func (r *SQLiteStore) GetUser(ctx context.Context, id int64) (*User, error) {
	q := fmt.Sprintf(`SELECT %s FROM users WHERE id = ? LIMIT 1;`, userColumns)
	u, err := scanUser(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, sqliteNotFoundOr(err, "get user")
	}
	return u, nil
}

func (r *SQLiteStore) GetUserByChatID(ctx context.Context, chatID string) (*User, error) {
	q := fmt.Sprintf(`SELECT %s FROM users WHERE chat_id = ? LIMIT 1;`, userColumns)
	u, err := scanUser(r.db.QueryRowContext(ctx, q, chatID))
	if err != nil {
		return nil, sqliteNotFoundOr(err, "get user by chat id")
	}
	return u, nil
}

func (r *SQLiteStore) ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
SELECT id, ref, user_id, kind, amount, reason, created_at
FROM transactions
WHERE user_id = ?
ORDER BY created_at DESC
LIMIT ? OFFSET ?;
`
	rows, err := r.db.QueryContext(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var tx Transaction
		if err := rows.Scan(&tx.ID, &tx.Ref, &tx.UserID, &tx.Kind, &tx.Amount, &tx.Reason, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

// -- InventoryStore --

func (r *SQLiteStore) GetNumber(ctx context.Context, id int64) (*Number, error) {
	q := fmt.Sprintf(`SELECT %s FROM numbers WHERE id = ? LIMIT 1;`, numberColumns)
	n, err := scanNumber(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, sqliteNotFoundOr(err, "get number")
	}
	return n, nil
}

func (r *SQLiteStore) FindNumberByPhone(ctx context.Context, serviceID int64, phone string) (*Number, error) {
	q := fmt.Sprintf(`SELECT %s FROM numbers WHERE service_id = ? AND phone_number = ? LIMIT 1;`, numberColumns)
	n, err := scanNumber(r.db.QueryRowContext(ctx, q, serviceID, phone))
	if err != nil {
		return nil, sqliteNotFoundOr(err, "find number by phone")
	}
	return n, nil
}

func (r *SQLiteStore) CountAvailable(ctx context.Context, serviceID int64, countryCode string) (int, error) {
	const q = `
SELECT COUNT(*) FROM numbers
WHERE service_id = ? AND country_code = ? AND status = 'available';
`
	var count int
	if err := r.db.QueryRowContext(ctx, q, serviceID, countryCode).Scan(&count); err != nil {
		return 0, fmt.Errorf("count available numbers: %w", err)
	}
	return count, nil
}

// -- ReservationStore --

func (r *SQLiteStore) GetReservation(ctx context.Context, id int64) (*Reservation, error) {
	q := fmt.Sprintf(`SELECT %s FROM reservations WHERE id = ? LIMIT 1;`, reservationColumns)
	res, err := scanReservation(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, sqliteNotFoundOr(err, "get reservation")
	}
	return res, nil
}

func (r *SQLiteStore) FindWaitingReservationByNumber(ctx context.Context, numberID int64) (*Reservation, error) {
	q := fmt.Sprintf(`
SELECT %s FROM reservations
WHERE number_id = ? AND status = 'waiting_code'
LIMIT 1;`, reservationColumns)
	res, err := scanReservation(r.db.QueryRowContext(ctx, q, numberID))
	if err != nil {
		return nil, sqliteNotFoundOr(err, "find waiting reservation")
	}
	return res, nil
}

func (r *SQLiteStore) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`
SELECT %s FROM reservations
WHERE status = 'waiting_code' AND expires_at < ?
ORDER BY expires_at ASC
LIMIT ?;`, reservationColumns)
	rows, err := r.db.QueryContext(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired reservation: %w", err)
		}
		out = append(out, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired reservations: %w", err)
	}
	return out, nil
}

// -- MessageStore --

func (r *SQLiteStore) InsertInboundMessage(ctx context.Context, msg InboundMessage) (*InboundMessage, error) {
	q := fmt.Sprintf(`
INSERT INTO inbound_messages (service_id, source, sender_id, text, raw_payload, status)
VALUES (?, ?, ?, ?, ?, ?)
RETURNING %s;`, inboundColumns)
	inserted, err := scanInbound(r.db.QueryRowContext(ctx, q,
		msg.ServiceID, msg.Source, msg.SenderID, msg.Text, msg.RawPayload, msg.Status))
	if err != nil {
		return nil, fmt.Errorf("insert inbound message: %w", err)
	}
	return inserted, nil
}

func (r *SQLiteStore) UpdateInboundStatus(ctx context.Context, id int64, status MessageStatus, processedAt *time.Time) error {
	const q = `
UPDATE inbound_messages
SET status = ?, processed_at = ?
WHERE id = ?;
`
	result, err := r.db.ExecContext(ctx, q, status, processedAt, id)
	if err != nil {
		return fmt.Errorf("update inbound status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update inbound status: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteStore) InsertBlockedMessage(ctx context.Context, msg BlockedMessage) error {
	const q = `
INSERT INTO blocked_messages (service_id, source, sender_id, text, reason)
VALUES (?, ?, ?, ?, ?);
`
	if _, err := r.db.ExecContext(ctx, q, msg.ServiceID, msg.Source, msg.SenderID, msg.Text, msg.Reason); err != nil {
		return fmt.Errorf("insert blocked message: %w", err)
	}
	return nil
}

func (r *SQLiteStore) SearchRecentMessages(ctx context.Context, serviceID int64, phone string, since time.Time, limit int) ([]InboundMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	q := fmt.Sprintf(`
SELECT %s FROM inbound_messages
WHERE service_id = ? AND received_at >= ? AND text LIKE '%%' || ? || '%%'
ORDER BY received_at DESC
LIMIT ?;`, inboundColumns)
	rows, err := r.db.QueryContext(ctx, q, serviceID, since, phone, limit)
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

// -- ConfigStore --

func (r *SQLiteStore) GetServiceByID(ctx context.Context, id int64) (*Service, error) {
	q := fmt.Sprintf(`SELECT %s FROM services WHERE id = ? LIMIT 1;`, serviceColumns)
	s, err := scanService(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, sqliteNotFoundOr(err, "get service")
	}
	return s, nil
}

func (r *SQLiteStore) GetServiceByName(ctx context.Context, name string) (*Service, error) {
	q := fmt.Sprintf(`SELECT %s FROM services WHERE LOWER(name) = LOWER(?) LIMIT 1;`, serviceColumns)
	s, err := scanService(r.db.QueryRowContext(ctx, q, name))
	if err != nil {
		return nil, sqliteNotFoundOr(err, "get service by name")
	}
	return s, nil
}

func (r *SQLiteStore) ListServices(ctx context.Context, activeOnly bool) ([]Service, error) {
	q := fmt.Sprintf(`SELECT %s FROM services WHERE active = 1 OR ? = 0 ORDER BY id;`, serviceColumns)
	rows, err := r.db.QueryContext(ctx, q, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate services: %w", err)
	}
	return out, nil
}

func (r *SQLiteStore) GetServiceGroupByChat(ctx context.Context, groupChatID string) (*ServiceGroup, error) {
	q := fmt.Sprintf(`
SELECT %s FROM service_groups
WHERE group_chat_id = ? AND active = 1
LIMIT 1;`, groupColumns)
	g, err := scanServiceGroup(r.db.QueryRowContext(ctx, q, groupChatID))
	if err != nil {
		return nil, sqliteNotFoundOr(err, "get service group")
	}
	return g, nil
}

func (r *SQLiteStore) ListServiceGroups(ctx context.Context, serviceID int64) ([]ServiceGroup, error) {
	q := fmt.Sprintf(`
SELECT %s FROM service_groups
WHERE service_id = ? AND active = 1
ORDER BY id;`, groupColumns)
	rows, err := r.db.QueryContext(ctx, q, serviceID)
	if err != nil {
		return nil, fmt.Errorf("list service groups: %w", err)
	}
	defer rows.Close()

	var out []ServiceGroup
	for rows.Next() {
		g, err := scanServiceGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service group: %w", err)
		}
		out = append(out, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate service groups: %w", err)
	}
	return out, nil
}

func (r *SQLiteStore) ListActiveProviders(ctx context.Context, mode ProviderMode) ([]Provider, error) {
	q := fmt.Sprintf(`
SELECT %s FROM providers
WHERE mode = ? AND active = 1
ORDER BY id;`, providerColumns)
	rows, err := r.db.QueryContext(ctx, q, mode)
	if err != nil {
		return nil, fmt.Errorf("list active providers: %w", err)
	}
	defer rows.Close()

	var out []Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate providers: %w", err)
	}
	return out, nil
}

func (r *SQLiteStore) GetProviderByName(ctx context.Context, name string) (*Provider, error) {
	q := fmt.Sprintf(`SELECT %s FROM providers WHERE name = ? LIMIT 1;`, providerColumns)
	p, err := scanProvider(r.db.QueryRowContext(ctx, q, name))
	if err != nil {
		return nil, sqliteNotFoundOr(err, "get provider by name")
	}
	return p, nil
}

// -- Tx --

func (t *sqliteTx) ReservationForUpdate(ctx context.Context, id int64) (*Reservation, error) {
	q := fmt.Sprintf(`SELECT %s FROM reservations WHERE id = ? LIMIT 1;`, reservationColumns)
	res, err := scanReservation(t.q.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, sqliteNotFoundOr(err, "lock reservation")
	}
	return res, nil
}

func (t *sqliteTx) UserForUpdate(ctx context.Context, id int64) (*User, error) {
	q := fmt.Sprintf(`SELECT %s FROM users WHERE id = ? LIMIT 1;`, userColumns)
	u, err := scanUser(t.q.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, sqliteNotFoundOr(err, "lock user")
	}
	return u, nil
}

func (t *sqliteTx) NumberForUpdate(ctx context.Context, id int64) (*Number, error) {
	q := fmt.Sprintf(`SELECT %s FROM numbers WHERE id = ? LIMIT 1;`, numberColumns)
	n, err := scanNumber(t.q.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, sqliteNotFoundOr(err, "lock number")
	}
	return n, nil
}

func (t *sqliteTx) GetService(ctx context.Context, id int64) (*Service, error) {
	q := fmt.Sprintf(`SELECT %s FROM services WHERE id = ? LIMIT 1;`, serviceColumns)
	s, err := scanService(t.q.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, sqliteNotFoundOr(err, "get service")
	}
	return s, nil
}

// ClaimAvailableNumber is a two-step select-then-update since SQLite lacks
// UPDATE ... LIMIT. The immediate-mode transaction holds the write lock, so
// the pair is still atomic.
func (t *sqliteTx) ClaimAvailableNumber(ctx context.Context, serviceID int64, countryCode string, userID int64, expiresAt time.Time) (*Number, error) {
	const pick = `
SELECT id FROM numbers
WHERE service_id = ? AND country_code = ? AND status = 'available'
ORDER BY id
LIMIT 1;
`
	var id int64
	if err := t.q.QueryRowContext(ctx, pick, serviceID, countryCode).Scan(&id); err != nil {
		return nil, sqliteNotFoundOr(err, "claim number")
	}

	q := fmt.Sprintf(`
UPDATE numbers
SET status = 'reserved',
    reserved_by_user_id = ?,
    reserved_at = CURRENT_TIMESTAMP,
    expires_at = ?
WHERE id = ? AND status = 'available'
RETURNING %s;`, numberColumns)
	n, err := scanNumber(t.q.QueryRowContext(ctx, q, userID, expiresAt, id))
	if err != nil {
		return nil, sqliteNotFoundOr(err, "claim number")
	}
	return n, nil
}

func (t *sqliteTx) InsertReservation(ctx context.Context, res Reservation) (*Reservation, error) {
	q := fmt.Sprintf(`
INSERT INTO reservations (user_id, service_id, number_id, status, expires_at)
VALUES (?, ?, ?, ?, ?)
RETURNING %s;`, reservationColumns)
	inserted, err := scanReservation(t.q.QueryRowContext(ctx, q,
		res.UserID, res.ServiceID, res.NumberID, res.Status, res.ExpiresAt))
	if err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}
	return inserted, nil
}

func (t *sqliteTx) TransitionReservation(ctx context.Context, id int64, from, to ReservationStatus, now time.Time) (bool, error) {
	const q = `
UPDATE reservations
SET status = ?,
    completed_at = CASE WHEN ? = 'completed' THEN ? ELSE completed_at END
WHERE id = ? AND status = ?;
`
	result, err := t.q.ExecContext(ctx, q, to, to, now, id, from)
	if err != nil {
		return false, fmt.Errorf("transition reservation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition reservation: %w", err)
	}
	return affected > 0, nil
}

func (t *sqliteTx) SetReservationCode(ctx context.Context, id int64, code string, completedAt time.Time) error {
	const q = `
UPDATE reservations
SET code_value = ?, completed_at = ?
WHERE id = ?;
`
	result, err := t.q.ExecContext(ctx, q, code, completedAt, id)
	return sqliteExpectRow(result, err, "set reservation code")
}

func (t *sqliteTx) MarkNumberUsed(ctx context.Context, id int64, codeReceivedAt time.Time) error {
	const q = `
UPDATE numbers
SET status = 'used', code_received_at = ?
WHERE id = ?;
`
	result, err := t.q.ExecContext(ctx, q, codeReceivedAt, id)
	return sqliteExpectRow(result, err, "mark number used")
}

func (t *sqliteTx) ReleaseNumber(ctx context.Context, id int64) error {
	const q = `
UPDATE numbers
SET status = 'available',
    reserved_by_user_id = NULL,
    reserved_at = NULL,
    expires_at = NULL
WHERE id = ?;
`
	result, err := t.q.ExecContext(ctx, q, id)
	return sqliteExpectRow(result, err, "release number")
}

func (t *sqliteTx) CountAvailableNumbers(ctx context.Context, serviceID int64, countryCode string) (int, error) {
	const q = `
SELECT COUNT(*) FROM numbers
WHERE service_id = ? AND country_code = ? AND status = 'available';
`
	var count int
	if err := t.q.QueryRowContext(ctx, q, serviceID, countryCode).Scan(&count); err != nil {
		return 0, fmt.Errorf("count available numbers: %w", err)
	}
	return count, nil
}

func (t *sqliteTx) DebitUser(ctx context.Context, id int64, amount int64) error {
	const q = `UPDATE users SET balance = balance - ? WHERE id = ?;`
	result, err := t.q.ExecContext(ctx, q, amount, id)
	return sqliteExpectRow(result, err, "debit user")
}

func (t *sqliteTx) CreditUser(ctx context.Context, id int64, amount int64) error {
	const q = `UPDATE users SET balance = balance + ? WHERE id = ?;`
	result, err := t.q.ExecContext(ctx, q, amount, id)
	return sqliteExpectRow(result, err, "credit user")
}

func (t *sqliteTx) InsertTransaction(ctx context.Context, entry Transaction) error {
	const q = `
INSERT INTO transactions (ref, user_id, kind, amount, reason)
VALUES (?, ?, ?, ?, ?);
`
	if _, err := t.q.ExecContext(ctx, q, entry.Ref, entry.UserID, entry.Kind, entry.Amount, entry.Reason); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func sqliteExpectRow(result sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
