package repo

import (
	"context"
	"fmt"
)

const serviceColumns = `id, name, emoji, description, default_price, active`

func scanService(row interface{ Scan(...any) error }) (*Service, error) {
	var s Service
	err := row.Scan(&s.ID, &s.Name, &s.Emoji, &s.Description, &s.DefaultPrice, &s.Active)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

const groupColumns = `id, service_id, group_chat_id, group_title, secret_token, regex_pattern, security_mode, active, created_at`

func scanServiceGroup(row interface{ Scan(...any) error }) (*ServiceGroup, error) {
	var g ServiceGroup
	err := row.Scan(&g.ID, &g.ServiceID, &g.GroupChatID, &g.GroupTitle,
		&g.SecretToken, &g.RegexPattern, &g.SecurityMode, &g.Active, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

const providerColumns = `id, name, base_url, api_key, mode, poll_interval_sec, active`

func scanProvider(row interface{ Scan(...any) error }) (*Provider, error) {
	var p Provider
	err := row.Scan(&p.ID, &p.Name, &p.BaseURL, &p.APIKey, &p.Mode, &p.PollIntervalSec, &p.Active)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetServiceByID returns a service by id.
func (r *PostgresStore) GetServiceByID(ctx context.Context, id int64) (*Service, error) {
	q := fmt.Sprintf(`SELECT %s FROM services WHERE id = $1 LIMIT 1;`, serviceColumns)
	s, err := scanService(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFoundOr(err, "get service")
	}
	return s, nil
}

// GetServiceByName resolves a service by its case-insensitive name.
func (r *PostgresStore) GetServiceByName(ctx context.Context, name string) (*Service, error) {
	q := fmt.Sprintf(`SELECT %s FROM services WHERE LOWER(name) = LOWER($1) LIMIT 1;`, serviceColumns)
	s, err := scanService(r.pool.QueryRow(ctx, q, name))
	if err != nil {
		return nil, notFoundOr(err, "get service by name")
	}
	return s, nil
}

// ListServices returns services, optionally restricted to active ones.
func (r *PostgresStore) ListServices(ctx context.Context, activeOnly bool) ([]Service, error) {
	q := fmt.Sprintf(`SELECT %s FROM services WHERE active = TRUE OR $1 = FALSE ORDER BY id;`, serviceColumns)
	rows, err := r.pool.Query(ctx, q, activeOnly)
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

// GetServiceGroupByChat resolves the group binding for a monitored chat.
func (r *PostgresStore) GetServiceGroupByChat(ctx context.Context, groupChatID string) (*ServiceGroup, error) {
	q := fmt.Sprintf(`
SELECT %s FROM service_groups
WHERE group_chat_id = $1 AND active = TRUE
LIMIT 1;`, groupColumns)
	g, err := scanServiceGroup(r.pool.QueryRow(ctx, q, groupChatID))
	if err != nil {
		return nil, notFoundOr(err, "get service group")
	}
	return g, nil
}

// ListServiceGroups returns active group bindings for a service.
func (r *PostgresStore) ListServiceGroups(ctx context.Context, serviceID int64) ([]ServiceGroup, error) {
	q := fmt.Sprintf(`
SELECT %s FROM service_groups
WHERE service_id = $1 AND active = TRUE
ORDER BY id;`, groupColumns)
	rows, err := r.pool.Query(ctx, q, serviceID)
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

// ListActiveProviders returns active providers for the given mode.
func (r *PostgresStore) ListActiveProviders(ctx context.Context, mode ProviderMode) ([]Provider, error) {
	q := fmt.Sprintf(`
SELECT %s FROM providers
WHERE mode = $1 AND active = TRUE
ORDER BY id;`, providerColumns)
	rows, err := r.pool.Query(ctx, q, mode)
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

// GetProviderByName returns a provider by name.
func (r *PostgresStore) GetProviderByName(ctx context.Context, name string) (*Provider, error) {
	q := fmt.Sprintf(`SELECT %s FROM providers WHERE name = $1 LIMIT 1;`, providerColumns)
	p, err := scanProvider(r.pool.QueryRow(ctx, q, name))
	if err != nil {
		return nil, notFoundOr(err, "get provider by name")
	}
	return p, nil
}

// GetService is the in-transaction service read used during completion.
func (t *pgTx) GetService(ctx context.Context, id int64) (*Service, error) {
	q := fmt.Sprintf(`SELECT %s FROM services WHERE id = $1 LIMIT 1;`, serviceColumns)
	s, err := scanService(t.q.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFoundOr(err, "get service")
	}
	return s, nil
}
