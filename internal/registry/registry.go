package registry

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"
)

// MaxChains is the fixed registry capacity, self-registration included.
// Interop-critical protocol parameter.
const MaxChains = 32

var (
	ErrAlreadyRegistered = errors.New("chain already registered")
	ErrCapacityExceeded  = errors.New("registry capacity exceeded")
	ErrNotRegistered     = errors.New("chain not registered")
)

// ChainDeployment is one registered peer deployment (including self).
// A deployment with an empty handle is the "not registered" sentinel,
// never a valid entry. Deployments are never deleted, only flagged
// inactive.
type ChainDeployment struct {
	ChainID uint64
	Handle  string // remote deployment address; empty means unregistered
	Active  bool

	// Cumulative bookkeeping counters, maintained by sync and rebalance
	// operations. These are per-chain running totals, not the aggregate.
	LockedCollateral *big.Int
	PositionValue    *big.Int // signed
	LastSyncAt       time.Time
}

// Registry is the set of known peer deployments. It is the single source
// of truth the aggregation engine enumerates: registered chains contribute
// to aggregation regardless of the active flag; "active" only gates new
// lock and rebalance operations.
// Not thread-safe; only accessed from the single-threaded node.
type Registry struct {
	deployments map[uint64]*ChainDeployment
	selfChainID uint64
}

// New creates a registry and self-registers the local chain. The self
// entry counts toward the capacity limit.
func New(selfChainID uint64, selfHandle string) *Registry {
	r := &Registry{
		deployments: make(map[uint64]*ChainDeployment),
		selfChainID: selfChainID,
	}
	r.deployments[selfChainID] = &ChainDeployment{
		ChainID:          selfChainID,
		Handle:           selfHandle,
		Active:           true,
		LockedCollateral: new(big.Int),
		PositionValue:    new(big.Int),
	}
	return r
}

// Register adds a peer deployment. Chain ids are immutable once
// registered.
func (r *Registry) Register(chainID uint64, handle string) error {
	if existing, ok := r.deployments[chainID]; ok && existing.Handle != "" {
		return fmt.Errorf("%w: chain %d", ErrAlreadyRegistered, chainID)
	}
	if len(r.deployments) >= MaxChains {
		return fmt.Errorf("%w: %d chains registered", ErrCapacityExceeded, len(r.deployments))
	}

	r.deployments[chainID] = &ChainDeployment{
		ChainID:          chainID,
		Handle:           handle,
		Active:           true,
		LockedCollateral: new(big.Int),
		PositionValue:    new(big.Int),
	}
	return nil
}

// Deactivate flags a chain inactive. Idempotent: deactivating an already
// inactive chain succeeds silently.
func (r *Registry) Deactivate(chainID uint64) error {
	dep, ok := r.deployments[chainID]
	if !ok {
		return fmt.Errorf("%w: chain %d", ErrNotRegistered, chainID)
	}
	dep.Active = false
	return nil
}

// Activate flags a chain active. Idempotent.
func (r *Registry) Activate(chainID uint64) error {
	dep, ok := r.deployments[chainID]
	if !ok {
		return fmt.Errorf("%w: chain %d", ErrNotRegistered, chainID)
	}
	dep.Active = true
	return nil
}

// Get returns the deployment for a chain, or nil if unregistered.
func (r *Registry) Get(chainID uint64) *ChainDeployment {
	return r.deployments[chainID]
}

// IsRegistered reports whether a chain holds a non-empty handle.
func (r *Registry) IsRegistered(chainID uint64) bool {
	dep, ok := r.deployments[chainID]
	return ok && dep.Handle != ""
}

// IsActive reports whether a chain is registered and active.
func (r *Registry) IsActive(chainID uint64) bool {
	dep, ok := r.deployments[chainID]
	return ok && dep.Active
}

// ChainIDs returns all registered chain ids in ascending order,
// active or not. Deterministic ordering keeps aggregation and
// settlement iteration reproducible.
func (r *Registry) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(r.deployments))
	for id := range r.deployments {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the number of registered chains.
func (r *Registry) Count() int {
	return len(r.deployments)
}

// SelfChainID returns the local chain id.
func (r *Registry) SelfChainID() uint64 {
	return r.selfChainID
}

// Restore re-inserts a deployment during recovery.
func (r *Registry) Restore(dep *ChainDeployment) {
	if dep.LockedCollateral == nil {
		dep.LockedCollateral = new(big.Int)
	}
	if dep.PositionValue == nil {
		dep.PositionValue = new(big.Int)
	}
	r.deployments[dep.ChainID] = dep
}
