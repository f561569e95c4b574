package position

import (
	"math/big"
	"sort"
)

// SnapshotKey identifies a per-(series, chain) reported position.
type SnapshotKey struct {
	SeriesID uint64
	ChainID  uint64
}

// ChainPositionSnapshot is the chain-local, last-reported-wins position
// state for one series on one chain. Long/short/locked-collateral are
// overwritten by sync receipts, not accumulated; SettlementDelta is zero
// until settlement assigns it. Snapshots are created lazily and never
// deleted.
type ChainPositionSnapshot struct {
	ChainID          uint64
	SeriesID         uint64
	Long             *big.Int
	Short            *big.Int
	LockedCollateral *big.Int
	SettlementDelta  *big.Int // signed, meaningful only post-settlement
}

// AggregatedPosition is the per-series cross-chain total. All three
// totals are derived by Recompute; there is no incremental maintenance
// path. Once Settled is set the aggregate is immutable.
type AggregatedPosition struct {
	SeriesID        uint64
	TotalLong       *big.Int
	TotalShort      *big.Int
	TotalCollateral *big.Int
	NetSettlement   *big.Int // signed
	Settled         bool
}

// Store holds snapshots and aggregates for the local node.
// Not thread-safe; only accessed from the single-threaded node.
type Store struct {
	snapshots  map[SnapshotKey]*ChainPositionSnapshot
	aggregates map[uint64]*AggregatedPosition
}

func NewStore() *Store {
	return &Store{
		snapshots:  make(map[SnapshotKey]*ChainPositionSnapshot),
		aggregates: make(map[uint64]*AggregatedPosition),
	}
}

// Snapshot returns the snapshot for (series, chain), or nil.
func (s *Store) Snapshot(seriesID, chainID uint64) *ChainPositionSnapshot {
	return s.snapshots[SnapshotKey{SeriesID: seriesID, ChainID: chainID}]
}

// GetOrCreateSnapshot returns the existing snapshot or lazily creates a
// zero one.
func (s *Store) GetOrCreateSnapshot(seriesID, chainID uint64) *ChainPositionSnapshot {
	key := SnapshotKey{SeriesID: seriesID, ChainID: chainID}
	snap := s.snapshots[key]
	if snap == nil {
		snap = &ChainPositionSnapshot{
			ChainID:          chainID,
			SeriesID:         seriesID,
			Long:             new(big.Int),
			Short:            new(big.Int),
			LockedCollateral: new(big.Int),
			SettlementDelta:  new(big.Int),
		}
		s.snapshots[key] = snap
	}
	return snap
}

// Aggregate returns the aggregate for a series, or nil.
func (s *Store) Aggregate(seriesID uint64) *AggregatedPosition {
	return s.aggregates[seriesID]
}

// GetOrCreateAggregate returns the existing aggregate or lazily creates a
// zero one.
func (s *Store) GetOrCreateAggregate(seriesID uint64) *AggregatedPosition {
	agg := s.aggregates[seriesID]
	if agg == nil {
		agg = &AggregatedPosition{
			SeriesID:        seriesID,
			TotalLong:       new(big.Int),
			TotalShort:      new(big.Int),
			TotalCollateral: new(big.Int),
			NetSettlement:   new(big.Int),
		}
		s.aggregates[seriesID] = agg
	}
	return agg
}

// IsSettled reports whether a series' aggregate is terminally settled.
func (s *Store) IsSettled(seriesID uint64) bool {
	agg := s.aggregates[seriesID]
	return agg != nil && agg.Settled
}

// ApplyLock adds locked collateral to the (series, chain) snapshot.
// Lock amounts are additive at the snapshot level; the aggregate total is
// re-derived by Recompute afterwards.
func (s *Store) ApplyLock(seriesID, chainID uint64, amount *big.Int) *ChainPositionSnapshot {
	snap := s.GetOrCreateSnapshot(seriesID, chainID)
	snap.LockedCollateral.Add(snap.LockedCollateral, amount)
	return snap
}

// ApplyRelease removes locked collateral from the snapshot, floored at
// zero by the caller's sufficiency check.
func (s *Store) ApplyRelease(seriesID, chainID uint64, amount *big.Int) *ChainPositionSnapshot {
	snap := s.GetOrCreateSnapshot(seriesID, chainID)
	snap.LockedCollateral.Sub(snap.LockedCollateral, amount)
	return snap
}

// ApplySync overwrites the snapshot's long/short with the reported values.
// Last report wins: repeated delivery of the same report is idempotent.
func (s *Store) ApplySync(seriesID, chainID uint64, long, short *big.Int) *ChainPositionSnapshot {
	snap := s.GetOrCreateSnapshot(seriesID, chainID)
	snap.Long.Set(long)
	snap.Short.Set(short)
	return snap
}

// ApplyFullSync overwrites long/short/locked-collateral in one shot
// (hub-side receipt of a spoke's full report).
func (s *Store) ApplyFullSync(seriesID, chainID uint64, long, short, collateral *big.Int) *ChainPositionSnapshot {
	snap := s.ApplySync(seriesID, chainID, long, short)
	snap.LockedCollateral.Set(collateral)
	return snap
}

// Recompute overwrites the aggregate's totals with a full resummation of
// every given chain's snapshot for the series. It is idempotent: re-running
// it with unchanged snapshots is a no-op, in any order, any number of
// times. This is the single authoritative aggregate-maintenance path.
func (s *Store) Recompute(seriesID uint64, chainIDs []uint64) *AggregatedPosition {
	agg := s.GetOrCreateAggregate(seriesID)

	long := new(big.Int)
	short := new(big.Int)
	collateral := new(big.Int)

	for _, chainID := range chainIDs {
		snap := s.snapshots[SnapshotKey{SeriesID: seriesID, ChainID: chainID}]
		if snap == nil {
			continue
		}
		long.Add(long, snap.Long)
		short.Add(short, snap.Short)
		collateral.Add(collateral, snap.LockedCollateral)
	}

	agg.TotalLong = long
	agg.TotalShort = short
	agg.TotalCollateral = collateral
	return agg
}

// MarkSettled terminally settles a series with its net settlement amount.
func (s *Store) MarkSettled(seriesID uint64, net *big.Int) *AggregatedPosition {
	agg := s.GetOrCreateAggregate(seriesID)
	agg.NetSettlement = new(big.Int).Set(net)
	agg.Settled = true
	return agg
}

// SeriesIDs returns all known series ids in ascending order.
func (s *Store) SeriesIDs() []uint64 {
	ids := make([]uint64, 0, len(s.aggregates))
	for id := range s.aggregates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshots returns every snapshot, ordered by (series, chain) for
// deterministic persistence and hashing.
func (s *Store) Snapshots() []*ChainPositionSnapshot {
	keys := make([]SnapshotKey, 0, len(s.snapshots))
	for k := range s.snapshots {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SeriesID != keys[j].SeriesID {
			return keys[i].SeriesID < keys[j].SeriesID
		}
		return keys[i].ChainID < keys[j].ChainID
	})

	out := make([]*ChainPositionSnapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.snapshots[k])
	}
	return out
}

// RestoreSnapshot re-inserts a snapshot during recovery.
func (s *Store) RestoreSnapshot(snap *ChainPositionSnapshot) {
	s.snapshots[SnapshotKey{SeriesID: snap.SeriesID, ChainID: snap.ChainID}] = snap
}

// RestoreAggregate re-inserts an aggregate during recovery.
func (s *Store) RestoreAggregate(agg *AggregatedPosition) {
	s.aggregates[agg.SeriesID] = agg
}
