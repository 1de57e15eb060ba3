package repo

import (
	"context"
	"fmt"
	"time"
)

const numberColumns = `id, service_id, country_code, phone_number, status, reserved_by_user_id, reserved_at, expires_at, code_received_at, price_override`

func scanNumber(row interface{ Scan(...any) error }) (*Number, error) {
	var n Number
	err := row.Scan(&n.ID, &n.ServiceID, &n.CountryCode, &n.PhoneNumber, &n.Status,
		&n.ReservedBy, &n.ReservedAt, &n.ExpiresAt, &n.CodeReceivedAt, &n.PriceOverride)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// GetNumber returns a number by id.
func (r *PostgresStore) GetNumber(ctx context.Context, id int64) (*Number, error) {
	q := fmt.Sprintf(`SELECT %s FROM numbers WHERE id = $1 LIMIT 1;`, numberColumns)
	n, err := scanNumber(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFoundOr(err, "get number")
	}
	return n, nil
}

// FindNumberByPhone resolves a phone string within a service.
func (r *PostgresStore) FindNumberByPhone(ctx context.Context, serviceID int64, phone string) (*Number, error) {
	q := fmt.Sprintf(`SELECT %s FROM numbers WHERE service_id = $1 AND phone_number = $2 LIMIT 1;`, numberColumns)
	n, err := scanNumber(r.pool.QueryRow(ctx, q, serviceID, phone))
	if err != nil {
		return nil, notFoundOr(err, "find number by phone")
	}
	return n, nil
}

// CountAvailable returns how many numbers are free for the (service, country) pair.
func (r *PostgresStore) CountAvailable(ctx context.Context, serviceID int64, countryCode string) (int, error) {
	return countAvailableNumbers(ctx, r.pool, serviceID, countryCode)
}

func countAvailableNumbers(ctx context.Context, q querier, serviceID int64, countryCode string) (int, error) {
	const query = `
SELECT COUNT(*) FROM numbers
WHERE service_id = $1 AND country_code = $2 AND status = 'available';
`
	var count int
	if err := q.QueryRow(ctx, query, serviceID, countryCode).Scan(&count); err != nil {
		return 0, fmt.Errorf("count available numbers: %w", err)
	}
	return count, nil
}

// NumberForUpdate locks a number row for the remainder of the transaction.
func (t *pgTx) NumberForUpdate(ctx context.Context, id int64) (*Number, error) {
	q := fmt.Sprintf(`SELECT %s FROM numbers WHERE id = $1 FOR UPDATE;`, numberColumns)
	n, err := scanNumber(t.q.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFoundOr(err, "lock number")
	}
	return n, nil
}

// ClaimAvailableNumber flips one available number to reserved in a single
// conditional update. SKIP LOCKED keeps concurrent claimants off the same row.
func (t *pgTx) ClaimAvailableNumber(ctx context.Context, serviceID int64, countryCode string, userID int64, expiresAt time.Time) (*Number, error) {
	q := fmt.Sprintf(`
UPDATE numbers
SET status = 'reserved',
    reserved_by_user_id = $3,
    reserved_at = NOW(),
    expires_at = $4
WHERE id = (
    SELECT id FROM numbers
    WHERE service_id = $1 AND country_code = $2 AND status = 'available'
    ORDER BY id
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING %s;`, numberColumns)
	n, err := scanNumber(t.q.QueryRow(ctx, q, serviceID, countryCode, userID, expiresAt))
	if err != nil {
		return nil, notFoundOr(err, "claim number")
	}
	return n, nil
}

// MarkNumberUsed transitions a number to used and stamps code receipt.
func (t *pgTx) MarkNumberUsed(ctx context.Context, id int64, codeReceivedAt time.Time) error {
	const q = `
UPDATE numbers
SET status = 'used', code_received_at = $2
WHERE id = $1;
`
	ct, err := t.q.Exec(ctx, q, id, codeReceivedAt)
	if err != nil {
		return fmt.Errorf("mark number used: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseNumber returns a number to the available pool and clears ownership.
func (t *pgTx) ReleaseNumber(ctx context.Context, id int64) error {
	const q = `
UPDATE numbers
SET status = 'available',
    reserved_by_user_id = NULL,
    reserved_at = NULL,
    expires_at = NULL
WHERE id = $1;
`
	ct, err := t.q.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("release number: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountAvailableNumbers is the in-transaction variant of CountAvailable.
func (t *pgTx) CountAvailableNumbers(ctx context.Context, serviceID int64, countryCode string) (int, error) {
	return countAvailableNumbers(ctx, t.q, serviceID, countryCode)
}
