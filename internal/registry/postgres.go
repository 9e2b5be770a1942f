package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventbridge-systems/eventbridge/internal/models"
)

const queryTimeout = 5 * time.Second

// PostgresStore persists subscriptions in a single table with the retry
// policy as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS subscriptions (
			id           TEXT PRIMARY KEY,
			target       TEXT NOT NULL,
			mode         TEXT NOT NULL,
			rule         TEXT NOT NULL,
			retry_policy JSONB NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			active       BOOLEAN NOT NULL DEFAULT TRUE
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure subscriptions table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, sub *models.Subscription) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	policyJSON, err := json.Marshal(sub.RetryPolicy)
	if err != nil {
		return fmt.Errorf("failed to marshal retry policy: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (id, target, mode, rule, retry_policy, created_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, sub.ID, sub.Target, string(sub.Mode), sub.Rule, policyJSON, sub.CreatedAt, sub.Active)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionExists
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT id, target, mode, rule, retry_policy, created_at, active
		FROM subscriptions WHERE id = $1
	`, id)
	return scanSubscription(row)
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, target, mode, rule, retry_policy, created_at, active
		FROM subscriptions ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	return s.exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
}

func (s *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.exec(ctx, `UPDATE subscriptions SET active = $2 WHERE id = $1`, id, active)
}

func (s *PostgresStore) UpdateRetryPolicy(ctx context.Context, id string, policy models.RetryPolicy) error {
	policyJSON, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to marshal retry policy: %w", err)
	}
	return s.exec(ctx, `UPDATE subscriptions SET retry_policy = $2 WHERE id = $1`, id, policyJSON)
}

func (s *PostgresStore) exec(ctx context.Context, sql string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("subscription update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var (
		sub        models.Subscription
		mode       string
		policyJSON []byte
	)
	err := row.Scan(&sub.ID, &sub.Target, &mode, &sub.Rule, &policyJSON, &sub.CreatedAt, &sub.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	sub.Mode = models.DeliveryMode(mode)
	if err := json.Unmarshal(policyJSON, &sub.RetryPolicy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal retry policy: %w", err)
	}
	return &sub, nil
}
