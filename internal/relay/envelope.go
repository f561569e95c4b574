package relay

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"SettleHub/internal/message"
)

// Envelope is the JSON wire form of a cross-chain message as published to
// the relay transport. Amounts travel as decimal strings: they are
// 1e18-scaled big integers that do not fit JSON numbers.
type Envelope struct {
	ID              string    `json:"id"`
	EventKey        string    `json:"event_key"`
	SourceChain     uint64    `json:"source_chain"`
	DestChain       uint64    `json:"dest_chain"`
	Op              string    `json:"op"`
	SeriesID        uint64    `json:"series_id"`
	Amount          string    `json:"amount"`
	SettlementDelta string    `json:"settlement_delta"`
	Sender          string    `json:"sender"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewEnvelope converts a ledger message to its wire form.
func NewEnvelope(msg *message.CrossChainMessage) Envelope {
	return Envelope{
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
}

// ParseMessageID decodes a hex-encoded ledger message id.
func ParseMessageID(s string) (message.ID, error) {
	var id message.ID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("message id %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("message id %q: want %d bytes, got %d", s, len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// ParseAmount decodes a decimal-string amount. Empty means zero.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a decimal integer", s)
	}
	return v, nil
}
