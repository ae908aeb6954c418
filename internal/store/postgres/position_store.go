package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cryptonita/exitbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Entry
// features and the TP ladder are stored as jsonb; everything the lifecycle
// queries filter on is a plain column.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, ticker, probability, entry_time, entry_price,
	entry_features, quantity_total, quantity_remaining, sl_price, tp_ladder,
	trailing_active, stop_price, status, realized_pnl, unrealized_pnl,
	rule_exit_quantity, closed_reason, frozen_reason, closed_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string
	var features, ladder []byte

	err := row.Scan(
		&p.ID, &p.Ticker, &p.Probability, &p.EntryTime, &p.EntryPrice,
		&features, &p.QuantityTotal, &p.QuantityRemaining, &p.SLPrice, &ladder,
		&p.TrailingActive, &p.StopPrice, &status, &p.RealizedPnL, &p.UnrealizedPnL,
		&p.RuleExitQuantity, &p.ClosedReason, &p.FrozenReason, &p.ClosedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	if len(features) > 0 {
		if err := json.Unmarshal(features, &p.EntryFeatures); err != nil {
			return domain.Position{}, fmt.Errorf("decode entry_features: %w", err)
		}
	}
	if len(ladder) > 0 {
		if err := json.Unmarshal(ladder, &p.TPLadder); err != nil {
			return domain.Position{}, fmt.Errorf("decode tp_ladder: %w", err)
		}
	}
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func positionArgs(p domain.Position) ([]any, error) {
	features, err := json.Marshal(p.EntryFeatures)
	if err != nil {
		return nil, fmt.Errorf("encode entry_features: %w", err)
	}
	ladder, err := json.Marshal(p.TPLadder)
	if err != nil {
		return nil, fmt.Errorf("encode tp_ladder: %w", err)
	}
	return []any{
		p.ID, p.Ticker, p.Probability, p.EntryTime, p.EntryPrice,
		features, p.QuantityTotal, p.QuantityRemaining, p.SLPrice, ladder,
		p.TrailingActive, p.StopPrice, string(p.Status), p.RealizedPnL, p.UnrealizedPnL,
		p.RuleExitQuantity, p.ClosedReason, p.FrozenReason, p.ClosedAt, p.UpdatedAt,
	}, nil
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, ticker, probability, entry_time, entry_price,
			entry_features, quantity_total, quantity_remaining, sl_price, tp_ladder,
			trailing_active, stop_price, status, realized_pnl, unrealized_pnl,
			rule_exit_quantity, closed_reason, frozen_reason, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20
		)`

	args, err := positionArgs(p)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a position. It returns
// domain.ErrNotFound when the id does not exist.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			ticker             = $2,
			probability        = $3,
			entry_time         = $4,
			entry_price        = $5,
			entry_features     = $6,
			quantity_total     = $7,
			quantity_remaining = $8,
			sl_price           = $9,
			tp_ladder          = $10,
			trailing_active    = $11,
			stop_price         = $12,
			status             = $13,
			realized_pnl       = $14,
			unrealized_pnl     = $15,
			rule_exit_quantity = $16,
			closed_reason      = $17,
			frozen_reason      = $18,
			closed_at          = $19,
			updated_at         = $20
		WHERE id = $1`

	args, err := positionArgs(p)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID returns one position. It returns domain.ErrNotFound when the id
// does not exist.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1`

	p, err := scanPosition(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetOpen returns every position in a non-terminal status, oldest first.
// These are the positions the engine resumes monitoring after a restart.
func (s *PositionStore) GetOpen(ctx context.Context) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + `
		FROM positions
		WHERE status IN ('opening', 'open', 'partially_closed')
		ORDER BY entry_time`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: get open positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan open position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ListHistory returns archived and live positions for a ticker, newest
// first. An empty ticker matches everything.
func (s *PositionStore) ListHistory(ctx context.Context, ticker string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM (
			SELECT ` + positionSelectCols + ` FROM positions
			UNION ALL
			SELECT ` + positionSelectCols + ` FROM positions_archive
		) AS all_positions
		WHERE ($1 = '' OR ticker = $1)
		  AND ($2::timestamptz IS NULL OR entry_time >= $2)
		  AND ($3::timestamptz IS NULL OR entry_time < $3)
		ORDER BY entry_time DESC
		LIMIT $4 OFFSET $5`

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, query, ticker, opts.Since, opts.Until, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history %q: %w", ticker, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan history position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Archive moves a terminal position from the live table to positions_archive
// in one transaction. Archiving a missing id returns domain.ErrNotFound; a
// position that is still live returns domain.ErrInconsistent.
func (s *PositionStore) Archive(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: archive position %s: begin: %w", id, err)
	}
	defer tx.Rollback(ctx)

	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM positions WHERE id = $1`, id).Scan(&status); err != nil {
		if err == pgx.ErrNoRows {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: archive position %s: status: %w", id, err)
	}
	if !domain.PositionStatus(status).Terminal() {
		return fmt.Errorf("postgres: archive position %s: %w: status %s", id, domain.ErrInconsistent, status)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO positions_archive
		SELECT * FROM positions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: archive position %s: copy: %w", id, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: archive position %s: delete: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: archive position %s: commit: %w", id, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
