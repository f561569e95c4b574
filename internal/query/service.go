package query

import (
	"context"
	"database/sql"
)

// QueryService provides read-only access to the persisted ledger tables.
// The in-memory node is the source of truth for commands; these queries
// serve historical reads (message audit, settled series, rebalance
// history) without touching the command loop.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetMessage returns a single message by hex id.
func (qs *QueryService) GetMessage(ctx context.Context, id string) (*MessageResponse, error) {
	row := qs.db.QueryRowContext(ctx, `
		SELECT id, event_key, source_chain, dest_chain, op, series_id,
		       amount, settlement_delta, sender, status, created_at, executed_at
		FROM settle.messages
		WHERE id = $1
	`, id)

	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns messages filtered by destination chain and/or
// status, newest first. Zero destChain and empty status mean no filter.
func (qs *QueryService) ListMessages(ctx context.Context, destChain uint64, status string, limit int) ([]MessageResponse, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT id, event_key, source_chain, dest_chain, op, series_id,
		       amount, settlement_delta, sender, status, created_at, executed_at
		FROM settle.messages
		WHERE ($1 = 0 OR dest_chain = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, destChain, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageResponse
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// GetSnapshots returns all per-chain snapshots for a series, ordered by
// chain id.
func (qs *QueryService) GetSnapshots(ctx context.Context, seriesID uint64) ([]SnapshotResponse, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT series_id, chain_id, long_amount, short_amount,
		       locked_collateral, settlement_delta, updated_at
		FROM settle.position_snapshots
		WHERE series_id = $1
		ORDER BY chain_id
	`, seriesID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotResponse
	for rows.Next() {
		var s SnapshotResponse
		if err := rows.Scan(
			&s.SeriesID, &s.ChainID, &s.Long, &s.Short,
			&s.LockedCollateral, &s.SettlementDelta, &s.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetAggregate returns the aggregate for a series, or nil when the series
// has never been touched.
func (qs *QueryService) GetAggregate(ctx context.Context, seriesID uint64) (*AggregateResponse, error) {
	var a AggregateResponse
	err := qs.db.QueryRowContext(ctx, `
		SELECT series_id, total_long, total_short, total_collateral,
		       net_settlement, settled, updated_at
		FROM settle.aggregates
		WHERE series_id = $1
	`, seriesID).Scan(
		&a.SeriesID, &a.TotalLong, &a.TotalShort, &a.TotalCollateral,
		&a.NetSettlement, &a.Settled, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListRebalances returns rebalance requests, newest first.
func (qs *QueryService) ListRebalances(ctx context.Context, limit int) ([]RebalanceResponse, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT id, from_chain, to_chain, asset, amount, executed
		FROM settle.rebalances
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RebalanceResponse
	for rows.Next() {
		var r RebalanceResponse
		if err := rows.Scan(&r.ID, &r.FromChain, &r.ToChain, &r.Asset, &r.Amount, &r.Executed); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*MessageResponse, error) {
	var m MessageResponse
	var executedAt sql.NullTime
	if err := row.Scan(
		&m.ID, &m.EventKey, &m.SourceChain, &m.DestChain, &m.Op, &m.SeriesID,
		&m.Amount, &m.SettlementDelta, &m.Sender, &m.Status, &m.CreatedAt, &executedAt,
	); err != nil {
		return nil, err
	}
	if executedAt.Valid {
		t := executedAt.Time
		m.ExecutedAt = &t
	}
	return &m, nil
}
