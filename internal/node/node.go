package node

import (
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"SettleHub/internal/attest"
	"SettleHub/internal/fpmath"
	"SettleHub/internal/message"
	"SettleHub/internal/observability"
	"SettleHub/internal/position"
	"SettleHub/internal/registry"
	"SettleHub/internal/settlement"
	"SettleHub/internal/vault"
)

// MinSyncInterval is the minimum elapsed time between position syncs for
// one chain. Interop-critical protocol parameter.
const MinSyncInterval = 5 * time.Minute

// Config describes one settlement node deployment.
type Config struct {
	ChainID         uint64
	Handle          string // this deployment's own address/handle
	HubChainID      uint64
	Owner           string
	CollateralAsset string
}

// IsHub reports whether this node is the designated settlement authority.
func (c Config) IsHub() bool {
	return c.ChainID == c.HubChainID
}

// Output is one committed state change, emitted to the persistence worker
// after every successful entrypoint. Fields are nil when the entrypoint
// did not touch them.
type Output struct {
	Message   *message.CrossChainMessage
	Snapshot  *position.ChainPositionSnapshot
	Aggregate *position.AggregatedPosition
	Rebalance *settlement.RebalanceRequest
}

// Node is the per-chain settlement node: registry + message ledger +
// snapshot store + aggregation + settlement + rebalancing behind role
// gates. Every entrypoint either fully commits or fully aborts; all
// validation runs before the first mutation.
//
// Not thread-safe. All access must go through a single goroutine (see
// Loop); the surrounding environment guarantees one state-changing call
// completes before the next begins.
type Node struct {
	cfg        Config
	registry   *registry.Registry
	ledger     *message.Ledger
	store      *position.Store
	engine     *settlement.Engine
	rebalancer *settlement.RebalanceCoordinator
	attestor   attest.Attestor
	relayers   *attest.Allowlist // nil when a custom attestor is injected
	vault      vault.OptionVault // optional, notified after hub settlement

	totalLocalCollateral *big.Int
	collateralAsset      string
	paused               bool
	now                  func() time.Time

	metrics *observability.Metrics

	// persistChan blocks (backpressure); outboundChan drops when full
	// because the relayer can recover from the persisted ledger.
	persistChan  chan<- Output
	outboundChan chan<- *message.CrossChainMessage
}

// New constructs a node with the default allowlist attestor and
// self-registers the local chain.
func New(cfg Config, persistChan chan<- Output, outboundChan chan<- *message.CrossChainMessage, metrics *observability.Metrics) *Node {
	relayers := attest.NewAllowlist()
	n := NewWithAttestor(cfg, relayers, persistChan, outboundChan, metrics)
	n.relayers = relayers
	return n
}

// NewWithAttestor constructs a node with a custom attestation capability.
// SetRelayer is unavailable on such nodes; relayer authorization is the
// attestor's concern.
func NewWithAttestor(cfg Config, attestor attest.Attestor, persistChan chan<- Output, outboundChan chan<- *message.CrossChainMessage, metrics *observability.Metrics) *Node {
	reg := registry.New(cfg.ChainID, cfg.Handle)
	store := position.NewStore()

	return &Node{
		cfg:                  cfg,
		registry:             reg,
		ledger:               message.NewLedger(),
		store:                store,
		engine:               settlement.NewEngine(store, reg),
		rebalancer:           settlement.NewRebalanceCoordinator(reg),
		attestor:             attestor,
		totalLocalCollateral: new(big.Int),
		collateralAsset:      cfg.CollateralAsset,
		now:                  time.Now,
		metrics:              metrics,
		persistChan:          persistChan,
		outboundChan:         outboundChan,
	}
}

// SetClock overrides the time source (recovery and tests). The override
// propagates to the message ledger.
func (n *Node) SetClock(now func() time.Time) {
	n.now = now
	n.ledger.SetClock(now)
}

// SetVault attaches the local option vault. Must be called before the
// command loop starts.
func (n *Node) SetVault(v vault.OptionVault) {
	n.vault = v
}

// --- Role gates ---

func (n *Node) requireOwner(caller string) error {
	if caller != n.cfg.Owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, caller)
	}
	return nil
}

func (n *Node) requireRelayer(caller string) error {
	return n.attestor.Verify(caller)
}

func (n *Node) requireUnpaused() error {
	if n.paused {
		return ErrPaused
	}
	return nil
}

// --- Owner-gated administration ---

// RegisterChain adds a peer deployment to the registry.
func (n *Node) RegisterChain(caller string, chainID uint64, handle string) error {
	if err := n.requireOwner(caller); err != nil {
		return err
	}
	return n.registry.Register(chainID, handle)
}

// DeactivateChain flags a chain inactive. Inactive chains still
// contribute to aggregation; only new lock/rebalance operations are gated.
func (n *Node) DeactivateChain(caller string, chainID uint64) error {
	if err := n.requireOwner(caller); err != nil {
		return err
	}
	return n.registry.Deactivate(chainID)
}

// ActivateChain flags a chain active.
func (n *Node) ActivateChain(caller string, chainID uint64) error {
	if err := n.requireOwner(caller); err != nil {
		return err
	}
	return n.registry.Activate(chainID)
}

// SetRelayer grants or revokes the relayer role for an address.
func (n *Node) SetRelayer(caller string, relayer string, allowed bool) error {
	if err := n.requireOwner(caller); err != nil {
		return err
	}
	if n.relayers == nil {
		return errors.New("relayer authorization is managed by an external attestor")
	}
	n.relayers.Authorize(relayer, allowed)
	return nil
}

// Pause stops all state-changing entrypoints.
func (n *Node) Pause(caller string) error {
	if err := n.requireOwner(caller); err != nil {
		return err
	}
	n.paused = true
	return nil
}

// Unpause resumes state-changing entrypoints.
func (n *Node) Unpause(caller string) error {
	if err := n.requireOwner(caller); err != nil {
		return err
	}
	n.paused = false
	return nil
}

// SetCollateralAsset sets the collateral asset handle.
func (n *Node) SetCollateralAsset(caller string, asset string) error {
	if err := n.requireOwner(caller); err != nil {
		return err
	}
	n.collateralAsset = asset
	return nil
}

// EmergencyWithdraw removes collateral from the node's tracked total.
// The actual value movement is the vault's concern, not this ledger's.
func (n *Node) EmergencyWithdraw(caller string, amount *big.Int) error {
	if err := n.requireOwner(caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() == 0 {
		return ErrZeroAmount
	}
	if n.totalLocalCollateral.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %v, want %v", ErrInsufficientCollateral, n.totalLocalCollateral, amount)
	}
	n.totalLocalCollateral.Sub(n.totalLocalCollateral, amount)
	return nil
}

// --- Open entrypoints ---

// LockCollateral locks collateral against a series on the local chain.
// Additive: repeated locks accumulate. Spokes notify the hub.
func (n *Node) LockCollateral(caller string, seriesID uint64, amount *big.Int) error {
	if err := n.requireUnpaused(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() == 0 {
		return fmt.Errorf("%w: lock on series %d", ErrZeroAmount, seriesID)
	}
	if n.store.IsSettled(seriesID) {
		return fmt.Errorf("%w: series %d", ErrAlreadySettled, seriesID)
	}

	snap := n.store.ApplyLock(seriesID, n.cfg.ChainID, amount)
	n.totalLocalCollateral.Add(n.totalLocalCollateral, amount)

	self := n.registry.Get(n.cfg.ChainID)
	self.LockedCollateral.Add(self.LockedCollateral, amount)

	agg := n.recompute(seriesID)

	out := Output{Snapshot: snap, Aggregate: agg}
	if !n.cfg.IsHub() {
		out.Message = n.send(n.cfg.HubChainID, message.OpLockCollateral, seriesID, amount, nil, caller)
	}
	n.emit(out)

	if n.metrics != nil {
		n.metrics.CollateralLocks.Inc()
	}
	return nil
}

// --- Relayer-gated entrypoints ---

// ReleaseCollateral releases previously locked collateral for a series.
func (n *Node) ReleaseCollateral(caller string, seriesID uint64, amount *big.Int) error {
	if err := n.requireRelayer(caller); err != nil {
		return err
	}
	if err := n.requireUnpaused(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() == 0 {
		return fmt.Errorf("%w: release on series %d", ErrZeroAmount, seriesID)
	}

	snap := n.store.Snapshot(seriesID, n.cfg.ChainID)
	if snap == nil || snap.LockedCollateral.Cmp(amount) < 0 {
		have := new(big.Int)
		if snap != nil {
			have = snap.LockedCollateral
		}
		return fmt.Errorf("%w: series %d has %v, release %v", ErrInsufficientCollateral, seriesID, have, amount)
	}

	n.store.ApplyRelease(seriesID, n.cfg.ChainID, amount)
	n.totalLocalCollateral.Sub(n.totalLocalCollateral, amount)

	self := n.registry.Get(n.cfg.ChainID)
	self.LockedCollateral.Sub(self.LockedCollateral, amount)

	agg := n.recompute(seriesID)

	out := Output{Snapshot: snap, Aggregate: agg}
	if !n.cfg.IsHub() {
		out.Message = n.send(n.cfg.HubChainID, message.OpReleaseCollateral, seriesID, amount, nil, caller)
	}
	n.emit(out)

	if n.metrics != nil {
		n.metrics.CollateralReleases.Inc()
	}
	return nil
}

// SyncPosition overwrites the local chain's reported long/short for a
// series. Last report wins. Spokes forward the sync to the hub.
func (n *Node) SyncPosition(caller string, seriesID uint64, long, short *big.Int) error {
	if err := n.requireRelayer(caller); err != nil {
		return err
	}
	if err := n.requireUnpaused(); err != nil {
		return err
	}

	self := n.registry.Get(n.cfg.ChainID)
	if !self.Active {
		return fmt.Errorf("%w: chain %d", ErrChainNotActive, n.cfg.ChainID)
	}
	if elapsed := n.now().Sub(self.LastSyncAt); elapsed < MinSyncInterval {
		if n.metrics != nil {
			n.metrics.SyncsRejected.WithLabelValues("too_frequent").Inc()
		}
		return fmt.Errorf("%w: %s since last sync on chain %d", ErrSyncTooFrequent, elapsed, n.cfg.ChainID)
	}

	snap := n.store.ApplySync(seriesID, n.cfg.ChainID, long, short)
	self.LastSyncAt = n.now()
	self.PositionValue.Add(self.PositionValue, new(big.Int).Sub(long, short))

	agg := n.recompute(seriesID)

	out := Output{Snapshot: snap, Aggregate: agg}
	if !n.cfg.IsHub() {
		out.Message = n.send(n.cfg.HubChainID, message.OpSyncPosition, seriesID, long, nil, caller)
	}
	n.emit(out)

	if n.metrics != nil {
		n.metrics.SyncsApplied.WithLabelValues("local").Inc()
	}
	return nil
}

// ReceivePositionSync applies a spoke's full position report on the hub.
// Overwrite semantics make relayer redelivery idempotent.
func (n *Node) ReceivePositionSync(caller string, sourceChainID, seriesID uint64, long, short, collateral *big.Int) error {
	if err := n.requireRelayer(caller); err != nil {
		return err
	}
	if err := n.requireUnpaused(); err != nil {
		return err
	}
	if !n.cfg.IsHub() {
		return fmt.Errorf("%w: receivePositionSync on chain %d", ErrNotHub, n.cfg.ChainID)
	}
	dep := n.registry.Get(sourceChainID)
	if dep == nil || dep.Handle == "" {
		return fmt.Errorf("%w: chain %d", registry.ErrNotRegistered, sourceChainID)
	}

	snap := n.store.ApplyFullSync(seriesID, sourceChainID, long, short, collateral)
	agg := n.recompute(seriesID)
	dep.LastSyncAt = n.now()

	n.emit(Output{Snapshot: snap, Aggregate: agg})

	if n.metrics != nil {
		n.metrics.SyncsApplied.WithLabelValues("received").Inc()
	}
	return nil
}

// ExecuteSettlement applies a hub-computed settlement delta on a spoke.
func (n *Node) ExecuteSettlement(caller string, seriesID uint64, delta *big.Int) error {
	if err := n.requireRelayer(caller); err != nil {
		return err
	}
	if err := n.requireUnpaused(); err != nil {
		return err
	}
	if n.cfg.IsHub() {
		return fmt.Errorf("%w: executeSettlement on the hub", ErrNotSpoke)
	}

	if err := n.engine.Execute(seriesID, delta); err != nil {
		return err
	}

	n.emit(Output{
		Snapshot:  n.store.Snapshot(seriesID, n.cfg.ChainID),
		Aggregate: n.store.Aggregate(seriesID),
	})

	if n.metrics != nil {
		n.metrics.SettlementsExecuted.Inc()
	}
	return nil
}

// ConfirmMessage records relayer attestation of delivery.
func (n *Node) ConfirmMessage(caller string, id message.ID) error {
	if err := n.requireRelayer(caller); err != nil {
		return err
	}

	msg, err := n.ledger.Confirm(id)
	if err != nil {
		if n.metrics != nil && errors.Is(err, message.ErrExpired) {
			n.metrics.MessagesExpired.Inc()
		}
		return err
	}

	n.emit(Output{Message: msg})
	if n.metrics != nil {
		n.metrics.MessagesConfirmed.Inc()
	}
	return nil
}

// FailMessage records relayer attestation of failure.
func (n *Node) FailMessage(caller string, id message.ID) error {
	if err := n.requireRelayer(caller); err != nil {
		return err
	}

	msg, err := n.ledger.Fail(id)
	if err != nil {
		return err
	}

	n.emit(Output{Message: msg})
	if n.metrics != nil {
		n.metrics.MessagesFailed.Inc()
	}
	return nil
}

// ExecuteRebalance applies the locally-relevant legs of a rebalance.
func (n *Node) ExecuteRebalance(caller string, id uint64) error {
	if err := n.requireRelayer(caller); err != nil {
		return err
	}
	if err := n.requireUnpaused(); err != nil {
		return err
	}

	req, err := n.rebalancer.Execute(id, n.cfg.ChainID)
	if err != nil {
		return err
	}

	n.emit(Output{Rebalance: req})
	if n.metrics != nil {
		n.metrics.RebalanceExecutions.Inc()
	}
	return nil
}

// --- Owner-gated settlement and rebalancing ---

// InitiateSettlement settles a series at the hub: per-chain deltas are
// computed, the global balance invariant is checked, and Settle messages
// carrying each remote chain's delta are enqueued.
func (n *Node) InitiateSettlement(caller string, seriesID uint64, settlementPrice, strike *big.Int, isCall bool) error {
	if err := n.requireOwner(caller); err != nil {
		return err
	}
	if err := n.requireUnpaused(); err != nil {
		return err
	}
	if !n.cfg.IsHub() {
		return fmt.Errorf("%w: initiateSettlement on chain %d", ErrNotHub, n.cfg.ChainID)
	}

	result, err := n.engine.Initiate(seriesID, settlementPrice, strike, isCall)
	if err != nil {
		if n.metrics != nil {
			switch {
			case errors.Is(err, settlement.ErrImbalance):
				n.metrics.SettlementsRejected.WithLabelValues("imbalance").Inc()
			case errors.Is(err, settlement.ErrAlreadySettled):
				n.metrics.SettlementsRejected.WithLabelValues("already_settled").Inc()
			default:
				n.metrics.SettlementsRejected.WithLabelValues("invalid").Inc()
			}
		}
		return err
	}

	for _, d := range result.Deltas {
		out := Output{Snapshot: n.store.Snapshot(seriesID, d.ChainID)}
		if d.Remote {
			// The envelope carries the hub-computed delta explicitly so
			// the relayer does not depend on a side-channel read.
			out.Message = n.send(d.ChainID, message.OpSettle, seriesID, d.Long, d.Delta, caller)
		}
		n.emit(out)
	}
	n.emit(Output{Aggregate: n.store.Aggregate(seriesID)})

	if n.vault != nil {
		// Best effort: the coordination state is already committed, the
		// vault catches up on its own retry path.
		if err := n.vault.Settle(seriesID, settlementPrice); err != nil {
			log.Printf("WARN: vault settle for series %d: %v", seriesID, err)
		}
	}

	if n.metrics != nil {
		n.metrics.SettlementsInitiated.Inc()
		ratio := fpmath.RelativeImbalance(result.Net, result.Notional)
		f, _ := new(big.Float).Quo(
			new(big.Float).SetInt(ratio),
			new(big.Float).SetInt(fpmath.Scale),
		).Float64()
		n.metrics.ImbalanceRatio.Set(f)
	}
	return nil
}

// RequestRebalance creates a liquidity-movement instruction between two
// chains and enqueues the coordination message.
func (n *Node) RequestRebalance(caller string, fromChain, toChain uint64, amount *big.Int) (uint64, error) {
	if err := n.requireOwner(caller); err != nil {
		return 0, err
	}
	if err := n.requireUnpaused(); err != nil {
		return 0, err
	}

	req, err := n.rebalancer.Request(fromChain, toChain, n.collateralAsset, amount)
	if err != nil {
		return 0, err
	}

	// Rebalance messages travel from->to, not self->hub.
	msg := n.ledger.Send(fromChain, toChain, message.OpLiquidityRebalance, req.ID, amount, nil, caller)
	if n.metrics != nil {
		n.metrics.MessagesSent.WithLabelValues(message.OpLiquidityRebalance.String()).Inc()
		n.metrics.MessageNonce.Set(float64(n.ledger.Nonce()))
	}
	n.emit(Output{Rebalance: req, Message: msg})

	if n.metrics != nil {
		n.metrics.RebalanceRequests.Inc()
	}
	return req.ID, nil
}

// --- Read-only surface ---

func (n *Node) Config() Config             { return n.cfg }
func (n *Node) RegisteredChains() []uint64 { return n.registry.ChainIDs() }
func (n *Node) ChainDeployment(chainID uint64) *registry.ChainDeployment {
	return n.registry.Get(chainID)
}
func (n *Node) IsChainActive(chainID uint64) bool { return n.registry.IsActive(chainID) }
func (n *Node) AggregatedPosition(seriesID uint64) *position.AggregatedPosition {
	return n.store.Aggregate(seriesID)
}
func (n *Node) ChainSnapshot(seriesID, chainID uint64) *position.ChainPositionSnapshot {
	return n.store.Snapshot(seriesID, chainID)
}
func (n *Node) Message(id message.ID) *message.CrossChainMessage { return n.ledger.Get(id) }
func (n *Node) Messages() []*message.CrossChainMessage           { return n.ledger.All() }
func (n *Node) MessageNonce() uint64                             { return n.ledger.Nonce() }
func (n *Node) RebalanceRequest(id uint64) *settlement.RebalanceRequest {
	return n.rebalancer.Get(id)
}
func (n *Node) TotalLocalCollateral() *big.Int {
	return new(big.Int).Set(n.totalLocalCollateral)
}
func (n *Node) CollateralAsset() string { return n.collateralAsset }
func (n *Node) IsPaused() bool          { return n.paused }

// TotalCollateralAcrossChains returns the aggregate collateral for a
// series, zero for unknown series.
func (n *Node) TotalCollateralAcrossChains(seriesID uint64) *big.Int {
	agg := n.store.Aggregate(seriesID)
	if agg == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(agg.TotalCollateral)
}

// SettlementDelta returns a chain's signed settlement delta for a series,
// zero before settlement.
func (n *Node) SettlementDelta(seriesID, chainID uint64) *big.Int {
	snap := n.store.Snapshot(seriesID, chainID)
	if snap == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(snap.SettlementDelta)
}

// --- Internals ---

func (n *Node) recompute(seriesID uint64) *position.AggregatedPosition {
	agg := n.store.Recompute(seriesID, n.registry.ChainIDs())
	if n.metrics != nil {
		n.metrics.AggRecomputes.Inc()
	}
	return agg
}

func (n *Node) send(dest uint64, op message.OpKind, seriesID uint64, amount, delta *big.Int, sender string) *message.CrossChainMessage {
	msg := n.ledger.Send(n.cfg.ChainID, dest, op, seriesID, amount, delta, sender)
	if n.metrics != nil {
		n.metrics.MessagesSent.WithLabelValues(op.String()).Inc()
		n.metrics.MessageNonce.Set(float64(n.ledger.Nonce()))
	}
	return msg
}

// emit pushes a committed state change to the persistence worker
// (blocking: the node stalls rather than lose audit rows) and, when a
// message is attached, to the outbound relay publisher (non-blocking:
// the relayer can always recover from the ledger).
func (n *Node) emit(out Output) {
	if n.persistChan != nil {
		n.persistChan <- out
	}
	if out.Message != nil && n.outboundChan != nil {
		select {
		case n.outboundChan <- out.Message:
		default:
			// Dropped; relay catches up from the persisted ledger.
		}
	}
}
