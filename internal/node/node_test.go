package node_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"SettleHub/internal/attest"
	"SettleHub/internal/fpmath"
	"SettleHub/internal/message"
	"SettleHub/internal/node"
	"SettleHub/internal/registry"
	"SettleHub/internal/settlement"
	"SettleHub/internal/vault"
)

const (
	hubChain   = uint64(1)
	spokeChain = uint64(42161)

	owner   = "owner-addr"
	relayer = "relayer-addr"
)

func scaled(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fpmath.Scale)
}

// newHub builds a hub node with one authorized relayer and a buffered
// persist channel so entrypoints never block in tests.
func newHub(t *testing.T) (*node.Node, chan node.Output, chan *message.CrossChainMessage) {
	t.Helper()
	return newNode(t, hubChain)
}

func newSpoke(t *testing.T) (*node.Node, chan node.Output, chan *message.CrossChainMessage) {
	t.Helper()
	return newNode(t, spokeChain)
}

func newNode(t *testing.T, chainID uint64) (*node.Node, chan node.Output, chan *message.CrossChainMessage) {
	t.Helper()

	persistChan := make(chan node.Output, 256)
	outboundChan := make(chan *message.CrossChainMessage, 256)

	n := node.New(node.Config{
		ChainID:         chainID,
		Handle:          "local-deployment",
		HubChainID:      hubChain,
		Owner:           owner,
		CollateralAsset: "USDC",
	}, persistChan, outboundChan, nil)

	if err := n.SetRelayer(owner, relayer, true); err != nil {
		t.Fatalf("set relayer: %v", err)
	}
	return n, persistChan, outboundChan
}

func drainOutbound(ch chan *message.CrossChainMessage) []*message.CrossChainMessage {
	var out []*message.CrossChainMessage
	for {
		select {
		case msg := <-ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}

// ============================================================================
// Test: role gates
// ============================================================================

func TestOwnerGates(t *testing.T) {
	n, _, _ := newHub(t)

	if err := n.RegisterChain("mallory", spokeChain, "spoke"); !errors.Is(err, node.ErrNotOwner) {
		t.Errorf("RegisterChain: got %v, want ErrNotOwner", err)
	}
	if err := n.Pause("mallory"); !errors.Is(err, node.ErrNotOwner) {
		t.Errorf("Pause: got %v, want ErrNotOwner", err)
	}
	if err := n.InitiateSettlement("mallory", 7, scaled(100), scaled(90), true); !errors.Is(err, node.ErrNotOwner) {
		t.Errorf("InitiateSettlement: got %v, want ErrNotOwner", err)
	}
	if _, err := n.RequestRebalance("mallory", hubChain, spokeChain, big.NewInt(1)); !errors.Is(err, node.ErrNotOwner) {
		t.Errorf("RequestRebalance: got %v, want ErrNotOwner", err)
	}
}

func TestRelayerGates(t *testing.T) {
	n, _, _ := newHub(t)

	if err := n.SyncPosition("mallory", 7, big.NewInt(1), big.NewInt(1)); !errors.Is(err, attest.ErrNotAuthorized) {
		t.Errorf("SyncPosition: got %v, want ErrNotAuthorized", err)
	}
	if err := n.ConfirmMessage("mallory", message.ID{}); !errors.Is(err, attest.ErrNotAuthorized) {
		t.Errorf("ConfirmMessage: got %v, want ErrNotAuthorized", err)
	}
	if err := n.ExecuteRebalance("mallory", 1); !errors.Is(err, attest.ErrNotAuthorized) {
		t.Errorf("ExecuteRebalance: got %v, want ErrNotAuthorized", err)
	}

	// Revocation takes effect immediately.
	if err := n.SetRelayer(owner, relayer, false); err != nil {
		t.Fatalf("revoke relayer: %v", err)
	}
	if err := n.ExecuteRebalance(relayer, 1); !errors.Is(err, attest.ErrNotAuthorized) {
		t.Errorf("revoked relayer: got %v, want ErrNotAuthorized", err)
	}
}

func TestPauseBlocksStateChanges(t *testing.T) {
	n, _, _ := newHub(t)
	if err := n.Pause(owner); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if err := n.LockCollateral("alice", 7, big.NewInt(100)); !errors.Is(err, node.ErrPaused) {
		t.Errorf("LockCollateral while paused: got %v, want ErrPaused", err)
	}
	if err := n.SyncPosition(relayer, 7, big.NewInt(1), big.NewInt(1)); !errors.Is(err, node.ErrPaused) {
		t.Errorf("SyncPosition while paused: got %v, want ErrPaused", err)
	}

	if err := n.Unpause(owner); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if err := n.LockCollateral("alice", 7, big.NewInt(100)); err != nil {
		t.Errorf("LockCollateral after unpause: %v", err)
	}
}

// ============================================================================
// Test: collateral
// ============================================================================

func TestLockCollateral_Accumulates(t *testing.T) {
	n, _, _ := newHub(t)

	if err := n.LockCollateral("alice", 7, big.NewInt(1000)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := n.LockCollateral("bob", 7, big.NewInt(500)); err != nil {
		t.Fatalf("lock: %v", err)
	}

	if got := n.ChainSnapshot(7, hubChain).LockedCollateral; got.Cmp(big.NewInt(1500)) != 0 {
		t.Errorf("snapshot collateral: got %v, want 1500", got)
	}
	if got := n.TotalLocalCollateral(); got.Cmp(big.NewInt(1500)) != 0 {
		t.Errorf("node total: got %v, want 1500", got)
	}
	if got := n.TotalCollateralAcrossChains(7); got.Cmp(big.NewInt(1500)) != 0 {
		t.Errorf("aggregate collateral: got %v, want 1500", got)
	}
}

func TestLockCollateral_ZeroRejected(t *testing.T) {
	n, _, _ := newHub(t)
	if err := n.LockCollateral("alice", 7, new(big.Int)); !errors.Is(err, node.ErrZeroAmount) {
		t.Errorf("got %v, want ErrZeroAmount", err)
	}
	if err := n.LockCollateral("alice", 7, nil); !errors.Is(err, node.ErrZeroAmount) {
		t.Errorf("nil amount: got %v, want ErrZeroAmount", err)
	}
}

func TestLockCollateral_SpokeNotifiesHub(t *testing.T) {
	n, _, outbound := newSpoke(t)

	if err := n.LockCollateral("alice", 7, big.NewInt(1000)); err != nil {
		t.Fatalf("lock: %v", err)
	}

	msgs := drainOutbound(outbound)
	if len(msgs) != 1 {
		t.Fatalf("got %d outbound messages, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.Op != message.OpLockCollateral {
		t.Errorf("op: got %s, want %s", msg.Op, message.OpLockCollateral)
	}
	if msg.SourceChain != spokeChain || msg.DestChain != hubChain {
		t.Errorf("routing: got %d->%d, want %d->%d", msg.SourceChain, msg.DestChain, spokeChain, hubChain)
	}
	if msg.Status != message.StatusPending {
		t.Errorf("status: got %s, want pending", msg.Status)
	}
}

func TestLockCollateral_HubSendsNothing(t *testing.T) {
	n, _, outbound := newHub(t)
	if err := n.LockCollateral("alice", 7, big.NewInt(1000)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if msgs := drainOutbound(outbound); len(msgs) != 0 {
		t.Errorf("hub lock should not emit messages, got %d", len(msgs))
	}
	if n.MessageNonce() != 0 {
		t.Errorf("hub nonce should stay 0, got %d", n.MessageNonce())
	}
}

func TestReleaseCollateral_Insufficient(t *testing.T) {
	n, _, _ := newHub(t)
	n.LockCollateral("alice", 7, big.NewInt(100))

	err := n.ReleaseCollateral(relayer, 7, big.NewInt(200))
	if !errors.Is(err, node.ErrInsufficientCollateral) {
		t.Errorf("got %v, want ErrInsufficientCollateral", err)
	}

	// Unknown series behaves like zero balance.
	err = n.ReleaseCollateral(relayer, 99, big.NewInt(1))
	if !errors.Is(err, node.ErrInsufficientCollateral) {
		t.Errorf("unknown series: got %v, want ErrInsufficientCollateral", err)
	}
}

func TestEmergencyWithdraw(t *testing.T) {
	n, _, _ := newHub(t)
	n.LockCollateral("alice", 7, big.NewInt(1000))

	if err := n.EmergencyWithdraw(owner, big.NewInt(400)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := n.TotalLocalCollateral(); got.Cmp(big.NewInt(600)) != 0 {
		t.Errorf("total after withdraw: got %v, want 600", got)
	}

	if err := n.EmergencyWithdraw(owner, big.NewInt(601)); !errors.Is(err, node.ErrInsufficientCollateral) {
		t.Errorf("overdraw: got %v, want ErrInsufficientCollateral", err)
	}
}

// ============================================================================
// Test: position sync
// ============================================================================

func TestSyncPosition_ThrottledAtFiveMinutes(t *testing.T) {
	n, _, _ := newHub(t)
	now := time.Unix(1700000000, 0)
	n.SetClock(func() time.Time { return now })

	if err := n.SyncPosition(relayer, 7, big.NewInt(10), big.NewInt(5)); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	now = now.Add(node.MinSyncInterval - time.Second)
	if err := n.SyncPosition(relayer, 7, big.NewInt(11), big.NewInt(5)); !errors.Is(err, node.ErrSyncTooFrequent) {
		t.Errorf("got %v, want ErrSyncTooFrequent", err)
	}

	now = now.Add(2 * time.Second)
	if err := n.SyncPosition(relayer, 7, big.NewInt(11), big.NewInt(5)); err != nil {
		t.Errorf("sync after interval: %v", err)
	}
	if got := n.ChainSnapshot(7, hubChain).Long; got.Cmp(big.NewInt(11)) != 0 {
		t.Errorf("long: got %v, want 11", got)
	}
}

func TestSyncPosition_InactiveLocalChain(t *testing.T) {
	n, _, _ := newHub(t)
	if err := n.DeactivateChain(owner, hubChain); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := n.SyncPosition(relayer, 7, big.NewInt(1), big.NewInt(1)); !errors.Is(err, node.ErrChainNotActive) {
		t.Errorf("got %v, want ErrChainNotActive", err)
	}
}

func TestReceivePositionSync_HubOnly(t *testing.T) {
	n, _, _ := newSpoke(t)
	err := n.ReceivePositionSync(relayer, hubChain, 7, big.NewInt(1), big.NewInt(1), big.NewInt(1))
	if !errors.Is(err, node.ErrNotHub) {
		t.Errorf("got %v, want ErrNotHub", err)
	}
}

func TestReceivePositionSync_UnregisteredSource(t *testing.T) {
	n, _, _ := newHub(t)
	err := n.ReceivePositionSync(relayer, 999, 7, big.NewInt(1), big.NewInt(1), big.NewInt(1))
	if !errors.Is(err, registry.ErrNotRegistered) {
		t.Errorf("got %v, want ErrNotRegistered", err)
	}
}

func TestReceivePositionSync_OverwriteIdempotent(t *testing.T) {
	n, _, _ := newHub(t)
	if err := n.RegisterChain(owner, spokeChain, "spoke"); err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 0; i < 3; i++ {
		err := n.ReceivePositionSync(relayer, spokeChain, 7, big.NewInt(10), big.NewInt(4), big.NewInt(500))
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
	}

	agg := n.AggregatedPosition(7)
	if agg.TotalLong.Cmp(big.NewInt(10)) != 0 || agg.TotalCollateral.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("redelivery inflated aggregate: long=%v collateral=%v", agg.TotalLong, agg.TotalCollateral)
	}
}

// ============================================================================
// Test: settlement
// ============================================================================

func TestInitiateSettlement_HubOnly(t *testing.T) {
	n, _, _ := newSpoke(t)
	err := n.InitiateSettlement(owner, 7, scaled(120), scaled(100), true)
	if !errors.Is(err, node.ErrNotHub) {
		t.Errorf("got %v, want ErrNotHub", err)
	}
}

func TestExecuteSettlement_SpokeOnly(t *testing.T) {
	n, _, _ := newHub(t)
	err := n.ExecuteSettlement(relayer, 7, big.NewInt(0))
	if !errors.Is(err, node.ErrNotSpoke) {
		t.Errorf("got %v, want ErrNotSpoke", err)
	}
}

func TestInitiateSettlement_SendsDeltasToRemotes(t *testing.T) {
	n, _, outbound := newHub(t)
	n.RegisterChain(owner, spokeChain, "spoke")

	// Hub long-heavy, spoke short-heavy by the same size.
	n.SetClock(func() time.Time { return time.Unix(1700000000, 0) })
	if err := n.SyncPosition(relayer, 7, scaled(10), scaled(4)); err != nil {
		t.Fatalf("hub sync: %v", err)
	}
	if err := n.ReceivePositionSync(relayer, spokeChain, 7, scaled(4), scaled(10), scaled(100)); err != nil {
		t.Fatalf("spoke sync: %v", err)
	}
	drainOutbound(outbound)

	if err := n.InitiateSettlement(owner, 7, scaled(120), scaled(100), true); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	msgs := drainOutbound(outbound)
	if len(msgs) != 1 {
		t.Fatalf("got %d settle messages, want 1 (remote chains only)", len(msgs))
	}
	msg := msgs[0]
	if msg.Op != message.OpSettle {
		t.Errorf("op: got %s, want %s", msg.Op, message.OpSettle)
	}
	if msg.DestChain != spokeChain {
		t.Errorf("dest: got %d, want %d", msg.DestChain, spokeChain)
	}
	if msg.SettlementDelta.Cmp(scaled(-120)) != 0 {
		t.Errorf("envelope delta: got %v, want %v", msg.SettlementDelta, scaled(-120))
	}

	// Hub-local delta applied without a message.
	if got := n.SettlementDelta(7, hubChain); got.Cmp(scaled(120)) != 0 {
		t.Errorf("hub delta: got %v, want %v", got, scaled(120))
	}
	if !n.AggregatedPosition(7).Settled {
		t.Error("series should be settled on the hub")
	}
}

func TestInitiateSettlement_ImbalanceRejected(t *testing.T) {
	n, _, _ := newHub(t)
	n.SetClock(func() time.Time { return time.Unix(1700000000, 0) })
	if err := n.SyncPosition(relayer, 7, scaled(10), new(big.Int)); err != nil {
		t.Fatalf("sync: %v", err)
	}

	err := n.InitiateSettlement(owner, 7, scaled(120), scaled(100), true)
	if !errors.Is(err, settlement.ErrImbalance) {
		t.Errorf("got %v, want ErrImbalance", err)
	}
	if n.AggregatedPosition(7) != nil && n.AggregatedPosition(7).Settled {
		t.Error("rejected settlement must leave the series unsettled")
	}
}

func TestLockAfterSettlementRejected(t *testing.T) {
	n, _, _ := newHub(t)
	n.SetClock(func() time.Time { return time.Unix(1700000000, 0) })
	n.SyncPosition(relayer, 7, scaled(5), scaled(5))
	if err := n.InitiateSettlement(owner, 7, scaled(120), scaled(100), true); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if err := n.LockCollateral("alice", 7, big.NewInt(100)); !errors.Is(err, node.ErrAlreadySettled) {
		t.Errorf("got %v, want ErrAlreadySettled", err)
	}
	// Other series are unaffected.
	if err := n.LockCollateral("alice", 8, big.NewInt(100)); err != nil {
		t.Errorf("lock on fresh series: %v", err)
	}
}

// ============================================================================
// Test: message lifecycle through the node
// ============================================================================

func TestConfirmMessage_EndToEnd(t *testing.T) {
	n, _, outbound := newSpoke(t)
	n.LockCollateral("alice", 7, big.NewInt(1000))

	msgs := drainOutbound(outbound)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}

	if err := n.ConfirmMessage(relayer, msgs[0].ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got := n.Message(msgs[0].ID).Status; got != message.StatusConfirmed {
		t.Errorf("status: got %s, want confirmed", got)
	}

	if err := n.ConfirmMessage(relayer, msgs[0].ID); !errors.Is(err, message.ErrAlreadyProcessed) {
		t.Errorf("double confirm: got %v, want ErrAlreadyProcessed", err)
	}
}

func TestConfirmMessage_Expired(t *testing.T) {
	n, _, outbound := newSpoke(t)
	start := time.Unix(1700000000, 0)
	now := start
	n.SetClock(func() time.Time { return now })

	n.LockCollateral("alice", 7, big.NewInt(1000))
	msgs := drainOutbound(outbound)

	now = start.Add(message.Expiry + time.Minute)
	if err := n.ConfirmMessage(relayer, msgs[0].ID); !errors.Is(err, message.ErrExpired) {
		t.Errorf("got %v, want ErrExpired", err)
	}

	// Failure is still recordable past expiry.
	if err := n.FailMessage(relayer, msgs[0].ID); err != nil {
		t.Errorf("fail after expiry: %v", err)
	}
}

// ============================================================================
// Test: rebalancing through the node
// ============================================================================

func TestRequestRebalance_MessageTravelsFromTo(t *testing.T) {
	n, _, outbound := newHub(t)
	n.RegisterChain(owner, spokeChain, "spoke")
	n.RegisterChain(owner, 10, "op")

	id, err := n.RequestRebalance(owner, spokeChain, 10, big.NewInt(500))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if id != 1 {
		t.Errorf("first rebalance id: got %d, want 1", id)
	}

	msgs := drainOutbound(outbound)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.Op != message.OpLiquidityRebalance {
		t.Errorf("op: got %s", msg.Op)
	}
	if msg.SourceChain != spokeChain || msg.DestChain != 10 {
		t.Errorf("routing: got %d->%d, want %d->10", msg.SourceChain, msg.DestChain, spokeChain)
	}
	if msg.SeriesID != id {
		t.Errorf("rebalance id rides the series field: got %d, want %d", msg.SeriesID, id)
	}

	id2, err := n.RequestRebalance(owner, 10, spokeChain, big.NewInt(200))
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if id2 != 2 {
		t.Errorf("second id: got %d, want 2", id2)
	}
}

func TestExecuteRebalance_LocalLeg(t *testing.T) {
	n, _, _ := newHub(t)
	n.RegisterChain(owner, spokeChain, "spoke")
	n.LockCollateral("alice", 7, big.NewInt(1000))

	id, err := n.RequestRebalance(owner, hubChain, spokeChain, big.NewInt(300))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if err := n.ExecuteRebalance(relayer, id); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := n.ChainDeployment(hubChain).LockedCollateral; got.Cmp(big.NewInt(700)) != 0 {
		t.Errorf("source leg: got %v, want 700", got)
	}

	if err := n.ExecuteRebalance(relayer, id); !errors.Is(err, settlement.ErrAlreadyExecuted) {
		t.Errorf("double execute: got %v, want ErrAlreadyExecuted", err)
	}
}

// ============================================================================
// Test: hub/spoke end-to-end
// ============================================================================

// A full lifecycle across a hub and one spoke: registration, lock, sync,
// settlement with a balanced book, and spoke-side execution of the
// hub-computed delta.
func TestHubSpokeLifecycle(t *testing.T) {
	hub, _, hubOutbound := newHub(t)
	spoke, _, spokeOutbound := newSpoke(t)

	clock := time.Unix(1700000000, 0)
	hub.SetClock(func() time.Time { return clock })
	spoke.SetClock(func() time.Time { return clock })

	if err := hub.RegisterChain(owner, spokeChain, "spoke-deployment"); err != nil {
		t.Fatalf("register spoke: %v", err)
	}

	// Spoke locks 1000 against series 7 and notifies the hub.
	if err := spoke.LockCollateral("alice", 7, big.NewInt(1000)); err != nil {
		t.Fatalf("spoke lock: %v", err)
	}
	lockMsgs := drainOutbound(spokeOutbound)
	if len(lockMsgs) != 1 || lockMsgs[0].Op != message.OpLockCollateral {
		t.Fatalf("expected one lock notification, got %v", lockMsgs)
	}

	// Spoke syncs a balanced book and forwards it; the relayer replays
	// the full report on the hub.
	if err := spoke.SyncPosition(relayer, 7, scaled(6), scaled(6)); err != nil {
		t.Fatalf("spoke sync: %v", err)
	}
	spokeSnap := spoke.ChainSnapshot(7, spokeChain)
	err := hub.ReceivePositionSync(relayer, spokeChain, 7,
		spokeSnap.Long, spokeSnap.Short, spokeSnap.LockedCollateral)
	if err != nil {
		t.Fatalf("hub receive: %v", err)
	}

	agg := hub.AggregatedPosition(7)
	if agg.TotalLong.Cmp(scaled(6)) != 0 || agg.TotalShort.Cmp(scaled(6)) != 0 {
		t.Fatalf("hub aggregate: long=%v short=%v", agg.TotalLong, agg.TotalShort)
	}
	if agg.TotalCollateral.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("hub aggregate collateral: %v", agg.TotalCollateral)
	}

	// Hub settles; the balanced book nets zero and the spoke's delta is
	// zero. The settle message still travels so the spoke terminates.
	if err := hub.InitiateSettlement(owner, 7, scaled(120), scaled(100), true); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	settleMsgs := drainOutbound(hubOutbound)
	if len(settleMsgs) != 1 || settleMsgs[0].Op != message.OpSettle {
		t.Fatalf("expected one settle message, got %v", settleMsgs)
	}
	if settleMsgs[0].SettlementDelta.Sign() != 0 {
		t.Errorf("balanced book delta: got %v, want 0", settleMsgs[0].SettlementDelta)
	}
	if hub.AggregatedPosition(7).NetSettlement.Sign() != 0 {
		t.Errorf("net settlement: got %v, want 0", hub.AggregatedPosition(7).NetSettlement)
	}

	// Relayer executes on the spoke and confirms delivery on the hub.
	if err := spoke.ExecuteSettlement(relayer, 7, settleMsgs[0].SettlementDelta); err != nil {
		t.Fatalf("spoke execute: %v", err)
	}
	if !spoke.AggregatedPosition(7).Settled {
		t.Error("spoke series should be settled")
	}
	if err := hub.ConfirmMessage(relayer, settleMsgs[0].ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
}

// ============================================================================
// Test: snapshot roundtrip
// ============================================================================

func TestSnapshotRoundtrip(t *testing.T) {
	n, _, outbound := newSpoke(t)
	clock := time.Unix(1700000000, 0)
	n.SetClock(func() time.Time { return clock })

	n.LockCollateral("alice", 7, big.NewInt(1000))
	n.SyncPosition(relayer, 7, scaled(6), scaled(2))
	drainOutbound(outbound)
	n.Pause(owner)
	n.SetCollateralAsset(owner, "DAI")

	snap := n.CreateSnapshotState()

	restored, _, _ := newNode(t, spokeChain)
	restored.RestoreFromSnapshot(snap)

	if restored.MessageNonce() != n.MessageNonce() {
		t.Errorf("nonce: got %d, want %d", restored.MessageNonce(), n.MessageNonce())
	}
	if restored.TotalLocalCollateral().Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("total collateral: got %v", restored.TotalLocalCollateral())
	}
	if !restored.IsPaused() {
		t.Error("paused flag should survive the roundtrip")
	}
	if restored.CollateralAsset() != "DAI" {
		t.Errorf("asset: got %q, want DAI", restored.CollateralAsset())
	}
	if got := restored.ChainSnapshot(7, spokeChain).Long; got.Cmp(scaled(6)) != 0 {
		t.Errorf("restored long: got %v", got)
	}
	if len(restored.Messages()) != len(n.Messages()) {
		t.Errorf("messages: got %d, want %d", len(restored.Messages()), len(n.Messages()))
	}
	if got := restored.AggregatedPosition(7).TotalCollateral; got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("restored aggregate collateral: got %v", got)
	}
}

// ============================================================================
// Test: vault notification
// ============================================================================

func TestInitiateSettlement_NotifiesVault(t *testing.T) {
	n, _, _ := newHub(t)
	rec := vault.NewRecorder()
	n.SetVault(rec)

	if err := n.SyncPosition(relayer, 7, scaled(5), scaled(5)); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := n.InitiateSettlement(owner, 7, scaled(120), scaled(100), true); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	price, ok := rec.Settled[7]
	if !ok {
		t.Fatal("vault was not notified of the settlement")
	}
	if price.Cmp(scaled(120)) != 0 {
		t.Errorf("vault settlement price: got %v, want %v", price, scaled(120))
	}
}

func TestInitiateSettlement_VaultFailureDoesNotAbort(t *testing.T) {
	n, _, _ := newHub(t)
	rec := vault.NewRecorder()
	rec.SettleErr = errors.New("vault unavailable")
	n.SetVault(rec)

	if err := n.SyncPosition(relayer, 7, scaled(5), scaled(5)); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := n.InitiateSettlement(owner, 7, scaled(120), scaled(100), true); err != nil {
		t.Fatalf("initiate should commit despite a vault failure: %v", err)
	}
	if !n.AggregatedPosition(7).Settled {
		t.Error("series should be settled")
	}
}

func TestPause_DoesNotBlockAttestations(t *testing.T) {
	n, _, _ := newSpoke(t)

	if err := n.LockCollateral("alice", 7, big.NewInt(1000)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := n.LockCollateral("alice", 8, big.NewInt(500)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	msgs := n.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}

	if err := n.Pause(owner); err != nil {
		t.Fatalf("pause: %v", err)
	}

	// Relayer attestations of already-sent messages must keep working
	// while paused, or in-flight deliveries could never be drained.
	if err := n.ConfirmMessage(relayer, msgs[0].ID); err != nil {
		t.Errorf("confirm while paused: %v", err)
	}
	if err := n.FailMessage(relayer, msgs[1].ID); err != nil {
		t.Errorf("fail while paused: %v", err)
	}

	// And the owner can always unpause.
	if err := n.Unpause(owner); err != nil {
		t.Errorf("unpause while paused: %v", err)
	}
}
