package settlement

import (
	"errors"
	"fmt"
	"math/big"

	"SettleHub/internal/registry"
)

var (
	ErrZeroAmount         = errors.New("amount must be non-zero")
	ErrSelfTarget         = errors.New("rebalance source and destination are the same chain")
	ErrRebalanceNotFound  = errors.New("rebalance request not found")
	ErrAlreadyExecuted    = errors.New("rebalance already executed")
	ErrChainNotRegistered = errors.New("chain not registered")
	ErrChainNotActive     = errors.New("chain not active")
)

// RebalanceRequest is one liquidity-movement instruction. Ids are
// node-scoped, strictly increasing from 1; Executed is one-way.
type RebalanceRequest struct {
	ID        uint64
	FromChain uint64
	ToChain   uint64
	Asset     string
	Amount    *big.Int
	Executed  bool
}

// RebalanceCoordinator tracks liquidity-movement requests between chains
// and their execution.
// Not thread-safe; only accessed from the single-threaded node.
type RebalanceCoordinator struct {
	registry *registry.Registry
	requests map[uint64]*RebalanceRequest
	nextID   uint64
}

func NewRebalanceCoordinator(reg *registry.Registry) *RebalanceCoordinator {
	return &RebalanceCoordinator{
		registry: reg,
		requests: make(map[uint64]*RebalanceRequest),
		nextID:   1,
	}
}

// Request allocates the next id and stores a pending request. Both chains
// must be registered and active.
func (rc *RebalanceCoordinator) Request(fromChain, toChain uint64, asset string, amount *big.Int) (*RebalanceRequest, error) {
	if amount == nil || amount.Sign() == 0 {
		return nil, fmt.Errorf("%w: rebalance %d -> %d", ErrZeroAmount, fromChain, toChain)
	}
	if fromChain == toChain {
		return nil, fmt.Errorf("%w: chain %d", ErrSelfTarget, fromChain)
	}
	for _, chainID := range []uint64{fromChain, toChain} {
		if !rc.registry.IsRegistered(chainID) {
			return nil, fmt.Errorf("%w: chain %d", ErrChainNotRegistered, chainID)
		}
		if !rc.registry.IsActive(chainID) {
			return nil, fmt.Errorf("%w: chain %d", ErrChainNotActive, chainID)
		}
	}

	req := &RebalanceRequest{
		ID:        rc.nextID,
		FromChain: fromChain,
		ToChain:   toChain,
		Asset:     asset,
		Amount:    new(big.Int).Set(amount),
	}
	rc.requests[req.ID] = req
	rc.nextID++
	return req, nil
}

// Execute applies a rebalance on the local node. If the local chain is the
// declared source its tracked collateral is decremented (floored at the
// current value, no underflow); if it is the declared destination it is
// incremented. The two legs are independent conditionals: a node that is
// both source and destination applies both.
func (rc *RebalanceCoordinator) Execute(id uint64, localChainID uint64) (*RebalanceRequest, error) {
	req, ok := rc.requests[id]
	if !ok || req.Amount.Sign() == 0 {
		return nil, fmt.Errorf("%w: id %d", ErrRebalanceNotFound, id)
	}
	if req.Executed {
		return nil, fmt.Errorf("%w: id %d", ErrAlreadyExecuted, id)
	}

	if req.FromChain == localChainID {
		dep := rc.registry.Get(localChainID)
		if dep != nil {
			debit := req.Amount
			if dep.LockedCollateral.Cmp(debit) < 0 {
				debit = new(big.Int).Set(dep.LockedCollateral)
			}
			dep.LockedCollateral.Sub(dep.LockedCollateral, debit)
		}
	}
	if req.ToChain == localChainID {
		dep := rc.registry.Get(localChainID)
		if dep != nil {
			dep.LockedCollateral.Add(dep.LockedCollateral, req.Amount)
		}
	}

	req.Executed = true
	return req, nil
}

// Get returns the request for an id, or nil.
func (rc *RebalanceCoordinator) Get(id uint64) *RebalanceRequest {
	return rc.requests[id]
}

// NextID returns the next id to be allocated.
func (rc *RebalanceCoordinator) NextID() uint64 {
	return rc.nextID
}

// Restore re-inserts a request during recovery and advances the id
// counter past it.
func (rc *RebalanceCoordinator) Restore(req *RebalanceRequest) {
	rc.requests[req.ID] = req
	if req.ID >= rc.nextID {
		rc.nextID = req.ID + 1
	}
}
