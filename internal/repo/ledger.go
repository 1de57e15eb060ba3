package repo

import (
	"context"
	"fmt"
)

const userColumns = `id, chat_id, username, balance, is_admin, is_banned, joined_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.ChatID, &u.Username, &u.Balance, &u.IsAdmin, &u.IsBanned, &u.JoinedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser returns a user by internal identifier.
func (r *PostgresStore) GetUser(ctx context.Context, id int64) (*User, error) {
	q := fmt.Sprintf(`SELECT %s FROM users WHERE id = $1 LIMIT 1;`, userColumns)
	u, err := scanUser(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFoundOr(err, "get user")
	}
	return u, nil
}

// GetUserByChatID returns a user by chat identity.
func (r *PostgresStore) GetUserByChatID(ctx context.Context, chatID string) (*User, error) {
	q := fmt.Sprintf(`SELECT %s FROM users WHERE chat_id = $1 LIMIT 1;`, userColumns)
	u, err := scanUser(r.pool.QueryRow(ctx, q, chatID))
	if err != nil {
		return nil, notFoundOr(err, "get user by chat id")
	}
	return u, nil
}

// ListTransactions returns ledger entries for a user, newest first.
func (r *PostgresStore) ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
SELECT id, ref, user_id, kind, amount, reason, created_at
FROM transactions
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3;
`
	rows, err := r.pool.Query(ctx, q, userID, limit, offset)
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

// UserForUpdate locks the user row for balance changes.
func (t *pgTx) UserForUpdate(ctx context.Context, id int64) (*User, error) {
	q := fmt.Sprintf(`SELECT %s FROM users WHERE id = $1 FOR UPDATE;`, userColumns)
	u, err := scanUser(t.q.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFoundOr(err, "lock user")
	}
	return u, nil
}

// DebitUser subtracts amount from the user's balance. The balance check
// happens in the manager under the row lock; the constraint is a backstop.
func (t *pgTx) DebitUser(ctx context.Context, id int64, amount int64) error {
	const q = `UPDATE users SET balance = balance - $2 WHERE id = $1;`
	ct, err := t.q.Exec(ctx, q, id, amount)
	if err != nil {
		return fmt.Errorf("debit user: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreditUser adds amount to the user's balance.
func (t *pgTx) CreditUser(ctx context.Context, id int64, amount int64) error {
	const q = `UPDATE users SET balance = balance + $2 WHERE id = $1;`
	ct, err := t.q.Exec(ctx, q, id, amount)
	if err != nil {
		return fmt.Errorf("credit user: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertTransaction appends one immutable ledger entry.
func (t *pgTx) InsertTransaction(ctx context.Context, entry Transaction) error {
	const q = `
INSERT INTO transactions (ref, user_id, kind, amount, reason)
VALUES ($1, $2, $3, $4, $5);
`
	if _, err := t.q.Exec(ctx, q, entry.Ref, entry.UserID, entry.Kind, entry.Amount, entry.Reason); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}
