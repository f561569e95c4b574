package settlement

import (
	"errors"
	"fmt"
	"math/big"

	"SettleHub/internal/fpmath"
	"SettleHub/internal/position"
	"SettleHub/internal/registry"
)

var (
	ErrInvalidPrice   = errors.New("settlement price must be positive")
	ErrAlreadySettled = errors.New("series already settled")
	ErrImbalance      = errors.New("settlement imbalance exceeds tolerance")
)

// ChainDelta is one chain's signed settlement result for a series.
type ChainDelta struct {
	ChainID uint64
	Long    *big.Int
	Delta   *big.Int // signed: positive receives, negative pays
	Remote  bool
}

// Result is the outcome of a successful settlement initiation.
type Result struct {
	SeriesID uint64
	Payoff   *big.Int // per-unit payoff, 1e18 fixed point
	Net      *big.Int // signed net settlement across all chains
	Notional *big.Int // gross position notional across all chains
	Deltas   []ChainDelta
}

// Engine computes per-chain settlement deltas from aggregated positions
// and a settlement price, enforcing the global balance invariant.
// Not thread-safe; only accessed from the single-threaded node.
type Engine struct {
	store    *position.Store
	registry *registry.Registry
}

func NewEngine(store *position.Store, reg *registry.Registry) *Engine {
	return &Engine{store: store, registry: reg}
}

// Initiate settles a series at the given 1e18-scaled settlement price and
// strike. It either fully commits (per-chain deltas stored on snapshots,
// aggregate terminally settled) or fully aborts with no state change.
//
// The balance invariant is the protocol's core correctness check: one
// side's gain is another's loss system-wide, so per-chain deltas must net
// to approximately zero. The relative imbalance |net| / (notional+1) must
// not exceed 1%.
func (e *Engine) Initiate(seriesID uint64, settlementPrice, strike *big.Int, isCall bool) (*Result, error) {
	if settlementPrice == nil || settlementPrice.Sign() <= 0 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidPrice, settlementPrice)
	}
	if e.store.IsSettled(seriesID) {
		return nil, fmt.Errorf("%w: series %d", ErrAlreadySettled, seriesID)
	}

	payoff := fpmath.OptionPayoff(settlementPrice, strike, isCall)

	// Compute every chain's delta before touching any state. Registered
	// chains are enumerated regardless of active flag, in deterministic
	// ascending order.
	selfChain := e.registry.SelfChainID()
	net := new(big.Int)
	notional := new(big.Int)
	deltas := make([]ChainDelta, 0)

	for _, chainID := range e.registry.ChainIDs() {
		snap := e.store.Snapshot(seriesID, chainID)
		if snap == nil {
			continue
		}
		if snap.Long.Sign() == 0 && snap.Short.Sign() == 0 {
			continue
		}

		delta := fpmath.SettlementDelta(snap.Long, snap.Short, payoff)
		net.Add(net, delta)
		notional.Add(notional, fpmath.PositionNotional(snap.Long, snap.Short, payoff))

		deltas = append(deltas, ChainDelta{
			ChainID: chainID,
			Long:    new(big.Int).Set(snap.Long),
			Delta:   delta,
			Remote:  chainID != selfChain,
		})
	}

	if !fpmath.WithinTolerance(net, notional) {
		excess := fpmath.RelativeImbalance(net, notional)
		return nil, fmt.Errorf("%w: series %d net=%v notional=%v imbalance=%v",
			ErrImbalance, seriesID, net, notional, excess)
	}

	// Balance check passed: commit.
	for _, d := range deltas {
		snap := e.store.Snapshot(seriesID, d.ChainID)
		snap.SettlementDelta = new(big.Int).Set(d.Delta)
	}
	e.store.MarkSettled(seriesID, net)

	return &Result{
		SeriesID: seriesID,
		Payoff:   payoff,
		Net:      net,
		Notional: notional,
		Deltas:   deltas,
	}, nil
}

// Execute applies a hub-computed delta on a spoke. The delta is trusted
// as supplied; the spoke performs no independent recomputation. This is
// a deliberate trust boundary on the relayer role.
func (e *Engine) Execute(seriesID uint64, delta *big.Int) error {
	if e.store.IsSettled(seriesID) {
		return fmt.Errorf("%w: series %d", ErrAlreadySettled, seriesID)
	}

	snap := e.store.GetOrCreateSnapshot(seriesID, e.registry.SelfChainID())
	snap.SettlementDelta = new(big.Int).Set(delta)
	e.store.MarkSettled(seriesID, delta)
	return nil
}
