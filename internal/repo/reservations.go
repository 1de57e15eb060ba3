package repo

import (
	"context"
	"fmt"
	"time"
)

const reservationColumns = `id, user_id, service_id, number_id, status, created_at, expires_at, completed_at, code_value`

func scanReservation(row interface{ Scan(...any) error }) (*Reservation, error) {
	var res Reservation
	err := row.Scan(&res.ID, &res.UserID, &res.ServiceID, &res.NumberID, &res.Status,
		&res.CreatedAt, &res.ExpiresAt, &res.CompletedAt, &res.CodeValue)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// GetReservation returns a reservation by id.
func (r *PostgresStore) GetReservation(ctx context.Context, id int64) (*Reservation, error) {
	q := fmt.Sprintf(`SELECT %s FROM reservations WHERE id = $1 LIMIT 1;`, reservationColumns)
	res, err := scanReservation(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFoundOr(err, "get reservation")
	}
	return res, nil
}

// FindWaitingReservationByNumber returns the waiting_code reservation owning
// the number, if any.
func (r *PostgresStore) FindWaitingReservationByNumber(ctx context.Context, numberID int64) (*Reservation, error) {
	q := fmt.Sprintf(`
SELECT %s FROM reservations
WHERE number_id = $1 AND status = 'waiting_code'
LIMIT 1;`, reservationColumns)
	res, err := scanReservation(r.pool.QueryRow(ctx, q, numberID))
	if err != nil {
		return nil, notFoundOr(err, "find waiting reservation")
	}
	return res, nil
}

// ListExpiredReservations returns waiting_code reservations whose deadline has
// passed, oldest first.
func (r *PostgresStore) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`
SELECT %s FROM reservations
WHERE status = 'waiting_code' AND expires_at < $1
ORDER BY expires_at ASC
LIMIT $2;`, reservationColumns)
	rows, err := r.pool.Query(ctx, q, now, limit)
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

// ReservationForUpdate locks the reservation row. This lock is the sole
// serialization point for completion, cancel and expiry.
func (t *pgTx) ReservationForUpdate(ctx context.Context, id int64) (*Reservation, error) {
	q := fmt.Sprintf(`SELECT %s FROM reservations WHERE id = $1 FOR UPDATE;`, reservationColumns)
	res, err := scanReservation(t.q.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFoundOr(err, "lock reservation")
	}
	return res, nil
}

// InsertReservation creates a new reservation row.
func (t *pgTx) InsertReservation(ctx context.Context, res Reservation) (*Reservation, error) {
	q := fmt.Sprintf(`
INSERT INTO reservations (user_id, service_id, number_id, status, expires_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING %s;`, reservationColumns)
	inserted, err := scanReservation(t.q.QueryRow(ctx, q,
		res.UserID, res.ServiceID, res.NumberID, res.Status, res.ExpiresAt))
	if err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}
	return inserted, nil
}

// TransitionReservation performs the conditional status flip. The WHERE clause
// on the previous status makes the transition race-safe; a zero row count
// means another caller got there first.
func (t *pgTx) TransitionReservation(ctx context.Context, id int64, from, to ReservationStatus, now time.Time) (bool, error) {
	const q = `
UPDATE reservations
SET status = $3,
    completed_at = CASE WHEN $3 = 'completed' THEN $4 ELSE completed_at END
WHERE id = $1 AND status = $2;
`
	ct, err := t.q.Exec(ctx, q, id, from, to, now)
	if err != nil {
		return false, fmt.Errorf("transition reservation: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// SetReservationCode records the delivered code and completion time.
func (t *pgTx) SetReservationCode(ctx context.Context, id int64, code string, completedAt time.Time) error {
	const q = `
UPDATE reservations
SET code_value = $2, completed_at = $3
WHERE id = $1;
`
	ct, err := t.q.Exec(ctx, q, id, code, completedAt)
	if err != nil {
		return fmt.Errorf("set reservation code: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
