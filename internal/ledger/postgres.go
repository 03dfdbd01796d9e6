package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps balances in a single table. Debits are a conditional UPDATE
// so a balance can never go negative, even with concurrent sessions.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping is used by the health aggregator.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// RunMigrations creates the balances table when it does not exist yet.
func (p *Postgres) RunMigrations(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS token_balances (
			user_id BIGINT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	return err
}

func (p *Postgres) Debit(ctx context.Context, userID int64, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE token_balances
		SET balance = balance - $2, updated_at = now()
		WHERE user_id = $1 AND balance >= $2
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("debit user %d: %w", userID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM token_balances WHERE user_id = $1)`, userID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("debit user %d: %w", userID, err)
	}
	if !exists {
		return fmt.Errorf("%w: %d", ErrUnknownUser, userID)
	}
	return fmt.Errorf("%w: user %d needs %d", ErrInsufficientBalance, userID, amount)
}

func (p *Postgres) Credit(ctx context.Context, userID int64, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO token_balances (user_id, balance) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = token_balances.balance + EXCLUDED.balance, updated_at = now()
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("credit user %d: %w", userID, err)
	}
	return nil
}
