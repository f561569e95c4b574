package message

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"time"
)

// OpKind discriminates the cross-chain operation a message carries.
type OpKind int32

const (
	OpUnknown OpKind = iota
	OpLockCollateral
	OpReleaseCollateral
	OpSyncPosition
	OpSettle
	OpLiquidityRebalance
)

func (op OpKind) String() string {
	switch op {
	case OpLockCollateral:
		return "LockCollateral"
	case OpReleaseCollateral:
		return "ReleaseCollateral"
	case OpSyncPosition:
		return "SyncPosition"
	case OpSettle:
		return "Settle"
	case OpLiquidityRebalance:
		return "LiquidityRebalance"
	default:
		return "Unknown"
	}
}

// Status is the message lifecycle state. Transitions are one-way and
// terminal: Pending -> Confirmed or Pending -> Failed, nothing else.
type Status int32

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusConfirmed:
		return "Confirmed"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ID is the ledger entry identifier: SHA-256 over source, destination,
// the node-local nonce, and the creation timestamp. Deliberately NOT a
// pure function of the payload; retransmitting the same logical event
// produces a new, distinct id.
type ID [32]byte

func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

// EventKey is the payload-pure logical event key: SHA-256 over source,
// destination, op kind, series id, and amount. Two sends of the same
// logical event share an EventKey even though their ledger IDs differ,
// so relayer retries are detectable.
type EventKey [32]byte

func (k EventKey) Hex() string {
	return hex.EncodeToString(k[:])
}

// CrossChainMessage is one outbound coordination event. Entries are
// append-only: they are never deleted, forming the node's audit ledger.
type CrossChainMessage struct {
	ID              ID
	EventKey        EventKey
	SourceChain     uint64
	DestChain       uint64
	Op              OpKind
	SeriesID        uint64
	Amount          *big.Int
	SettlementDelta *big.Int // signed; non-zero only for Settle ops
	Sender          string
	Status          Status
	CreatedAt       time.Time
	ExecutedAt      time.Time // zero until confirmed or failed
}

func deriveID(source, dest, nonce uint64, createdAt time.Time) ID {
	h := sha256.New()
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], source)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], dest)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], nonce)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(createdAt.UnixNano()))
	h.Write(buf[:])

	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

func deriveEventKey(source, dest uint64, op OpKind, seriesID uint64, amount *big.Int) EventKey {
	h := sha256.New()
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], source)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], dest)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(op))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], seriesID)
	h.Write(buf[:])
	if amount != nil {
		h.Write(amount.Bytes())
	}

	var k EventKey
	copy(k[:], h.Sum(nil))
	return k
}
