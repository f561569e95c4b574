package node

import (
	"math/big"

	"SettleHub/internal/message"
	"SettleHub/internal/position"
	"SettleHub/internal/registry"
	"SettleHub/internal/settlement"
)

// SnapshotState holds the serializable in-memory state for restore.
// On warm restart the shell loads the latest persisted snapshot and
// replays it through RestoreFromSnapshot before serving traffic.
type SnapshotState struct {
	MessageNonce         uint64
	TotalLocalCollateral *big.Int
	CollateralAsset      string
	Paused               bool

	Deployments []*registry.ChainDeployment
	Messages    []*message.CrossChainMessage
	Snapshots   []*position.ChainPositionSnapshot
	Aggregates  []*position.AggregatedPosition
	Rebalances  []*settlement.RebalanceRequest
	Relayers    []string
}

// CreateSnapshotState captures the current in-memory state.
func (n *Node) CreateSnapshotState() *SnapshotState {
	snap := &SnapshotState{
		MessageNonce:         n.ledger.Nonce(),
		TotalLocalCollateral: new(big.Int).Set(n.totalLocalCollateral),
		CollateralAsset:      n.collateralAsset,
		Paused:               n.paused,
		Messages:             n.ledger.All(),
		Snapshots:            n.store.Snapshots(),
	}

	for _, chainID := range n.registry.ChainIDs() {
		snap.Deployments = append(snap.Deployments, n.registry.Get(chainID))
	}
	for _, seriesID := range n.store.SeriesIDs() {
		snap.Aggregates = append(snap.Aggregates, n.store.Aggregate(seriesID))
	}
	for id := uint64(1); id < n.rebalancer.NextID(); id++ {
		if req := n.rebalancer.Get(id); req != nil {
			snap.Rebalances = append(snap.Rebalances, req)
		}
	}
	if n.relayers != nil {
		snap.Relayers = n.relayers.Authorized()
	}

	return snap
}

// RestoreFromSnapshot restores the node's in-memory state. Must run
// before the command loop starts.
func (n *Node) RestoreFromSnapshot(snap *SnapshotState) {
	n.ledger.RestoreNonce(snap.MessageNonce)
	if snap.TotalLocalCollateral != nil {
		n.totalLocalCollateral.Set(snap.TotalLocalCollateral)
	}
	if snap.CollateralAsset != "" {
		n.collateralAsset = snap.CollateralAsset
	}
	n.paused = snap.Paused

	for _, dep := range snap.Deployments {
		n.registry.Restore(dep)
	}
	for _, msg := range snap.Messages {
		n.ledger.Restore(msg)
	}
	for _, s := range snap.Snapshots {
		n.store.RestoreSnapshot(s)
	}
	for _, agg := range snap.Aggregates {
		n.store.RestoreAggregate(agg)
	}
	for _, req := range snap.Rebalances {
		n.rebalancer.Restore(req)
	}
	if n.relayers != nil {
		for _, addr := range snap.Relayers {
			n.relayers.Authorize(addr, true)
		}
	}
}
