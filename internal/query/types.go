package query

import "time"

// MessageResponse is the API view of a cross-chain message. Amounts are
// decimal strings (1e18-scaled integers do not fit JSON numbers).
type MessageResponse struct {
	ID              string     `json:"id"`
	EventKey        string     `json:"event_key"`
	SourceChain     uint64     `json:"source_chain"`
	DestChain       uint64     `json:"dest_chain"`
	Op              string     `json:"op"`
	SeriesID        uint64     `json:"series_id"`
	Amount          string     `json:"amount"`
	SettlementDelta string     `json:"settlement_delta"`
	Sender          string     `json:"sender"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	ExecutedAt      *time.Time `json:"executed_at,omitempty"`
}

// SnapshotResponse is the API view of a per-chain position snapshot.
type SnapshotResponse struct {
	SeriesID         uint64    `json:"series_id"`
	ChainID          uint64    `json:"chain_id"`
	Long             string    `json:"long"`
	Short            string    `json:"short"`
	LockedCollateral string    `json:"locked_collateral"`
	SettlementDelta  string    `json:"settlement_delta"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// AggregateResponse is the API view of a hub-side aggregate.
type AggregateResponse struct {
	SeriesID        uint64    `json:"series_id"`
	TotalLong       string    `json:"total_long"`
	TotalShort      string    `json:"total_short"`
	TotalCollateral string    `json:"total_collateral"`
	NetSettlement   string    `json:"net_settlement"`
	Settled         bool      `json:"settled"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RebalanceResponse is the API view of a rebalance request.
type RebalanceResponse struct {
	ID        uint64 `json:"id"`
	FromChain uint64 `json:"from_chain"`
	ToChain   uint64 `json:"to_chain"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Executed  bool   `json:"executed"`
}
