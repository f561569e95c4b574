package message

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Expiry is the fixed window after which a Pending message can no longer
// be confirmed. Interop-critical protocol parameter.
const Expiry = 24 * time.Hour

var (
	ErrNotFound         = errors.New("message not found")
	ErrAlreadyProcessed = errors.New("message already processed")
	ErrExpired          = errors.New("message expired")
)

// Ledger is the durable record of all outbound messages with per-message
// lifecycle state. It is a log: it never moves value or applies effects;
// the relayer separately invokes the business entrypoint on the
// destination node after observing a send here.
// Not thread-safe; only accessed from the single-threaded node.
type Ledger struct {
	messages map[ID]*CrossChainMessage
	order    []ID // append order, for enumeration and snapshots
	nonce    uint64

	now func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{
		messages: make(map[ID]*CrossChainMessage),
		now:      time.Now,
	}
}

// SetClock overrides the time source (recovery and tests).
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// Send appends a Pending message and increments the node-local nonce.
// It has no failure mode short of nonce exhaustion.
func (l *Ledger) Send(source, dest uint64, op OpKind, seriesID uint64, amount, delta *big.Int, sender string) *CrossChainMessage {
	createdAt := l.now()
	id := deriveID(source, dest, l.nonce, createdAt)
	l.nonce++

	msg := &CrossChainMessage{
		ID:              id,
		EventKey:        deriveEventKey(source, dest, op, seriesID, amount),
		SourceChain:     source,
		DestChain:       dest,
		Op:              op,
		SeriesID:        seriesID,
		Amount:          cloneBig(amount),
		SettlementDelta: cloneBig(delta),
		Sender:          sender,
		Status:          StatusPending,
		CreatedAt:       createdAt,
	}

	l.messages[id] = msg
	l.order = append(l.order, id)
	return msg
}

// Confirm transitions a Pending message to Confirmed and stamps the
// execution time. Confirmation attests relayer delivery; it does not
// retry or replay anything.
func (l *Ledger) Confirm(id ID) (*CrossChainMessage, error) {
	msg, ok := l.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id.Hex())
	}
	if msg.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyProcessed, id.Hex(), msg.Status)
	}
	if l.now().After(msg.CreatedAt.Add(Expiry)) {
		return nil, fmt.Errorf("%w: %s created %s", ErrExpired, id.Hex(), msg.CreatedAt.Format(time.RFC3339))
	}

	msg.Status = StatusConfirmed
	msg.ExecutedAt = l.now()
	return msg, nil
}

// Fail transitions a Pending message to Failed. Same preconditions as
// Confirm except no expiry check; failure can always be recorded.
func (l *Ledger) Fail(id ID) (*CrossChainMessage, error) {
	msg, ok := l.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id.Hex())
	}
	if msg.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyProcessed, id.Hex(), msg.Status)
	}

	msg.Status = StatusFailed
	msg.ExecutedAt = l.now()
	return msg, nil
}

// Get returns the message for an id, or nil.
func (l *Ledger) Get(id ID) *CrossChainMessage {
	return l.messages[id]
}

// Nonce returns the current node-local message nonce.
func (l *Ledger) Nonce() uint64 {
	return l.nonce
}

// RestoreNonce seeds the nonce during recovery.
func (l *Ledger) RestoreNonce(nonce uint64) {
	l.nonce = nonce
}

// All returns every message in append order.
func (l *Ledger) All() []*CrossChainMessage {
	out := make([]*CrossChainMessage, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.messages[id])
	}
	return out
}

// Restore re-inserts a message during recovery, preserving append order
// of the restore sequence.
func (l *Ledger) Restore(msg *CrossChainMessage) {
	if _, exists := l.messages[msg.ID]; exists {
		return
	}
	l.messages[msg.ID] = msg
	l.order = append(l.order, msg.ID)
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
