package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"market-sync/internal/realtime"
)

// maxRows caps one collection reload.
const maxRows = 500

// Postgres re-fetches watched collections from the system of record.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	if p == nil || p.pool == nil {
		return
	}
	p.pool.Close()
}

// loadQuery builds the reload query for a whitelisted table.
func loadQuery(table realtime.Table) (string, error) {
	if !table.Valid() {
		return "", fmt.Errorf("table %q is not watched", table)
	}
	return fmt.Sprintf(`
		SELECT row_to_json(t)
		FROM %s t
		WHERE t.user_id = $1
		ORDER BY t.created_at DESC
		LIMIT %d`, pgx.Identifier{string(table)}.Sanitize(), maxRows), nil
}

// Load returns the key's rows, newest first.
func (p *Postgres) Load(ctx context.Context, key realtime.Key) ([]realtime.Row, error) {
	query, err := loadQuery(key.Table)
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, query, key.UserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []realtime.Row{}
	for rows.Next() {
		var rec map[string]any
		if err := rows.Scan(&rec); err != nil {
			return nil, err
		}
		row, err := realtime.RowFromRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("%s row: %w", key.Table, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

const dashboardQuery = `
	SELECT
		(SELECT count(*) FROM trades WHERE user_id = $1),
		(SELECT count(*) FROM positions WHERE user_id = $1 AND status = 'open'),
		(SELECT count(*) FROM wallets WHERE user_id = $1),
		(SELECT coalesce(sum(realized_pnl), 0)::float8 FROM trades WHERE user_id = $1)`

// Dashboard computes the user's aggregates.
func (p *Postgres) Dashboard(ctx context.Context, userID string) (realtime.Dashboard, error) {
	d := realtime.Dashboard{UserID: userID}
	err := p.pool.QueryRow(ctx, dashboardQuery, userID).Scan(
		&d.TradeCount,
		&d.OpenPositions,
		&d.WalletCount,
		&d.RealizedPnL,
	)
	if err != nil {
		return realtime.Dashboard{}, err
	}
	return d, nil
}

// WalletAddresses lists the on-chain addresses stored for a user.
func (p *Postgres) WalletAddresses(ctx context.Context, userID string) ([]string, error) {
	const query = `SELECT address FROM wallets WHERE user_id = $1 ORDER BY created_at`
	rows, err := p.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
