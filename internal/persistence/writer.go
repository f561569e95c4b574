package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"SettleHub/internal/message"
	"SettleHub/internal/position"
	"SettleHub/internal/settlement"
)

// RowWriter writes ledger state to Postgres using multi-row upserts.
// Messages, snapshots, aggregates and rebalances are all last-write-wins
// keyed on their natural keys, so replaying a batch is idempotent.
type RowWriter struct {
	db *sql.DB
}

// MessageRow is a row in settle.messages. Amounts are decimal strings
// stored as NUMERIC.
type MessageRow struct {
	ID              string
	EventKey        string
	SourceChain     uint64
	DestChain       uint64
	Op              string
	SeriesID        uint64
	Amount          string
	SettlementDelta string
	Sender          string
	Status          string
	CreatedAt       time.Time
	ExecutedAt      sql.NullTime
}

// SnapshotRow is a row in settle.position_snapshots.
type SnapshotRow struct {
	SeriesID         uint64
	ChainID          uint64
	LongAmount       string
	ShortAmount      string
	LockedCollateral string
	SettlementDelta  string
}

// AggregateRow is a row in settle.aggregates.
type AggregateRow struct {
	SeriesID        uint64
	TotalLong       string
	TotalShort      string
	TotalCollateral string
	NetSettlement   string
	Settled         bool
}

// RebalanceRow is a row in settle.rebalances.
type RebalanceRow struct {
	ID        uint64
	FromChain uint64
	ToChain   uint64
	Asset     string
	Amount    string
	Executed  bool
}

func NewRowWriter(db *sql.DB) *RowWriter {
	return &RowWriter{db: db}
}

// NewMessageRow converts a ledger message to its row form.
func NewMessageRow(msg *message.CrossChainMessage) MessageRow {
	row := MessageRow{
		ID:              msg.ID.Hex(),
		EventKey:        msg.EventKey.Hex(),
		SourceChain:     msg.SourceChain,
		DestChain:       msg.DestChain,
		Op:              msg.Op.String(),
		SeriesID:        msg.SeriesID,
		Amount:          msg.Amount.String(),
		SettlementDelta: msg.SettlementDelta.String(),
		Sender:          msg.Sender,
		Status:          msg.Status.String(),
		CreatedAt:       msg.CreatedAt,
	}
	if !msg.ExecutedAt.IsZero() {
		row.ExecutedAt = sql.NullTime{Time: msg.ExecutedAt, Valid: true}
	}
	return row
}

// NewSnapshotRow converts a chain position snapshot to its row form.
func NewSnapshotRow(s *position.ChainPositionSnapshot) SnapshotRow {
	return SnapshotRow{
		SeriesID:         s.SeriesID,
		ChainID:          s.ChainID,
		LongAmount:       s.Long.String(),
		ShortAmount:      s.Short.String(),
		LockedCollateral: s.LockedCollateral.String(),
		SettlementDelta:  s.SettlementDelta.String(),
	}
}

// NewAggregateRow converts an aggregated position to its row form.
func NewAggregateRow(a *position.AggregatedPosition) AggregateRow {
	return AggregateRow{
		SeriesID:        a.SeriesID,
		TotalLong:       a.TotalLong.String(),
		TotalShort:      a.TotalShort.String(),
		TotalCollateral: a.TotalCollateral.String(),
		NetSettlement:   a.NetSettlement.String(),
		Settled:         a.Settled,
	}
}

// NewRebalanceRow converts a rebalance request to its row form.
func NewRebalanceRow(r *settlement.RebalanceRequest) RebalanceRow {
	return RebalanceRow{
		ID:        r.ID,
		FromChain: r.FromChain,
		ToChain:   r.ToChain,
		Asset:     r.Asset,
		Amount:    r.Amount.String(),
		Executed:  r.Executed,
	}
}

// WriteMessageBatch upserts message rows. Status transitions
// (pending -> confirmed/failed) arrive as later rows for the same id,
// so conflicts update status and executed_at.
func (w *RowWriter) WriteMessageBatch(ctx context.Context, tx *sql.Tx, rows []MessageRow) error {
	if len(rows) == 0 {
		return nil
	}

	rows = dedupeMessages(rows)

	query := `INSERT INTO settle.messages
		(id, event_key, source_chain, dest_chain, op, series_id, amount, settlement_delta, sender, status, created_at, executed_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*12)

	for i, r := range rows {
		base := i * 12
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
			base+7, base+8, base+9, base+10, base+11, base+12,
		))
		args = append(args,
			r.ID, r.EventKey, r.SourceChain, r.DestChain, r.Op, r.SeriesID,
			r.Amount, r.SettlementDelta, r.Sender, r.Status, r.CreatedAt, r.ExecutedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		executed_at = EXCLUDED.executed_at,
		updated_at = now()`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteSnapshotBatch upserts position snapshot rows (last-reported-wins).
func (w *RowWriter) WriteSnapshotBatch(ctx context.Context, tx *sql.Tx, rows []SnapshotRow) error {
	if len(rows) == 0 {
		return nil
	}

	// Later rows in a batch may repeat a key; Postgres rejects a
	// multi-row upsert that touches the same key twice, so keep only
	// the newest row per key.
	rows = dedupeSnapshots(rows)

	query := `INSERT INTO settle.position_snapshots
		(series_id, chain_id, long_amount, short_amount, locked_collateral, settlement_delta)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*6)

	for i, r := range rows {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args,
			r.SeriesID, r.ChainID, r.LongAmount, r.ShortAmount,
			r.LockedCollateral, r.SettlementDelta,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (series_id, chain_id) DO UPDATE SET
		long_amount = EXCLUDED.long_amount,
		short_amount = EXCLUDED.short_amount,
		locked_collateral = EXCLUDED.locked_collateral,
		settlement_delta = EXCLUDED.settlement_delta,
		updated_at = now()`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteAggregateBatch upserts aggregate rows.
func (w *RowWriter) WriteAggregateBatch(ctx context.Context, tx *sql.Tx, rows []AggregateRow) error {
	if len(rows) == 0 {
		return nil
	}

	rows = dedupeAggregates(rows)

	query := `INSERT INTO settle.aggregates
		(series_id, total_long, total_short, total_collateral, net_settlement, settled)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*6)

	for i, r := range rows {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args,
			r.SeriesID, r.TotalLong, r.TotalShort,
			r.TotalCollateral, r.NetSettlement, r.Settled,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (series_id) DO UPDATE SET
		total_long = EXCLUDED.total_long,
		total_short = EXCLUDED.total_short,
		total_collateral = EXCLUDED.total_collateral,
		net_settlement = EXCLUDED.net_settlement,
		settled = EXCLUDED.settled,
		updated_at = now()`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteRebalanceBatch upserts rebalance rows.
func (w *RowWriter) WriteRebalanceBatch(ctx context.Context, tx *sql.Tx, rows []RebalanceRow) error {
	if len(rows) == 0 {
		return nil
	}

	rows = dedupeRebalances(rows)

	query := `INSERT INTO settle.rebalances
		(id, from_chain, to_chain, asset, amount, executed)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*6)

	for i, r := range rows {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args,
			r.ID, r.FromChain, r.ToChain, r.Asset, r.Amount, r.Executed,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (id) DO UPDATE SET
		executed = EXCLUDED.executed,
		updated_at = now()`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func dedupeMessages(rows []MessageRow) []MessageRow {
	last := make(map[string]int, len(rows))
	for i, r := range rows {
		last[r.ID] = i
	}
	if len(last) == len(rows) {
		return rows
	}
	out := make([]MessageRow, 0, len(last))
	for i, r := range rows {
		if last[r.ID] == i {
			out = append(out, r)
		}
	}
	return out
}

func dedupeSnapshots(rows []SnapshotRow) []SnapshotRow {
	type key struct{ series, chain uint64 }
	last := make(map[key]int, len(rows))
	for i, r := range rows {
		last[key{r.SeriesID, r.ChainID}] = i
	}
	if len(last) == len(rows) {
		return rows
	}
	out := make([]SnapshotRow, 0, len(last))
	for i, r := range rows {
		if last[key{r.SeriesID, r.ChainID}] == i {
			out = append(out, r)
		}
	}
	return out
}

func dedupeAggregates(rows []AggregateRow) []AggregateRow {
	last := make(map[uint64]int, len(rows))
	for i, r := range rows {
		last[r.SeriesID] = i
	}
	if len(last) == len(rows) {
		return rows
	}
	out := make([]AggregateRow, 0, len(last))
	for i, r := range rows {
		if last[r.SeriesID] == i {
			out = append(out, r)
		}
	}
	return out
}

func dedupeRebalances(rows []RebalanceRow) []RebalanceRow {
	last := make(map[uint64]int, len(rows))
	for i, r := range rows {
		last[r.ID] = i
	}
	if len(last) == len(rows) {
		return rows
	}
	out := make([]RebalanceRow, 0, len(last))
	for i, r := range rows {
		if last[r.ID] == i {
			out = append(out, r)
		}
	}
	return out
}
