package registry_test

import (
	"errors"
	"fmt"
	"testing"

	"SettleHub/internal/registry"
)

// ============================================================================
// Test: registration
// ============================================================================

func TestNew_SelfRegisters(t *testing.T) {
	r := registry.New(1, "hub-handle")

	if !r.IsRegistered(1) {
		t.Error("self chain should be registered at construction")
	}
	if !r.IsActive(1) {
		t.Error("self chain should start active")
	}
	if r.Count() != 1 {
		t.Errorf("count: got %d, want 1", r.Count())
	}
	if r.SelfChainID() != 1 {
		t.Errorf("self chain id: got %d, want 1", r.SelfChainID())
	}
}

func TestRegister_Peer(t *testing.T) {
	r := registry.New(1, "hub")
	if err := r.Register(42161, "arb-deployment"); err != nil {
		t.Fatalf("register: %v", err)
	}

	dep := r.Get(42161)
	if dep == nil {
		t.Fatal("deployment should exist after register")
	}
	if dep.Handle != "arb-deployment" {
		t.Errorf("handle: got %q", dep.Handle)
	}
	if !dep.Active {
		t.Error("new deployments start active")
	}
	if dep.LockedCollateral.Sign() != 0 || dep.PositionValue.Sign() != 0 {
		t.Error("new deployments start with zero counters")
	}
}

func TestRegister_Duplicate(t *testing.T) {
	r := registry.New(1, "hub")
	if err := r.Register(10, "op"); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := r.Register(10, "op-other")
	if !errors.Is(err, registry.ErrAlreadyRegistered) {
		t.Errorf("got %v, want ErrAlreadyRegistered", err)
	}
	if r.Get(10).Handle != "op" {
		t.Error("duplicate register must not overwrite the handle")
	}
}

func TestRegister_CapacityIs32IncludingSelf(t *testing.T) {
	r := registry.New(1, "hub")

	// Self occupies one slot; 31 more fit.
	for i := uint64(2); i <= registry.MaxChains; i++ {
		if err := r.Register(i, fmt.Sprintf("chain-%d", i)); err != nil {
			t.Fatalf("register chain %d: %v", i, err)
		}
	}
	if r.Count() != registry.MaxChains {
		t.Fatalf("count: got %d, want %d", r.Count(), registry.MaxChains)
	}

	err := r.Register(99, "one-too-many")
	if !errors.Is(err, registry.ErrCapacityExceeded) {
		t.Errorf("got %v, want ErrCapacityExceeded", err)
	}
}

// ============================================================================
// Test: activation flags
// ============================================================================

func TestDeactivate_Idempotent(t *testing.T) {
	r := registry.New(1, "hub")
	r.Register(10, "op")

	for i := 0; i < 2; i++ {
		if err := r.Deactivate(10); err != nil {
			t.Fatalf("deactivate (round %d): %v", i, err)
		}
	}
	if r.IsActive(10) {
		t.Error("chain should be inactive")
	}
	if !r.IsRegistered(10) {
		t.Error("deactivation must not unregister the chain")
	}

	if err := r.Activate(10); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !r.IsActive(10) {
		t.Error("chain should be active again")
	}
}

func TestDeactivate_Unregistered(t *testing.T) {
	r := registry.New(1, "hub")
	if err := r.Deactivate(999); !errors.Is(err, registry.ErrNotRegistered) {
		t.Errorf("got %v, want ErrNotRegistered", err)
	}
	if err := r.Activate(999); !errors.Is(err, registry.ErrNotRegistered) {
		t.Errorf("got %v, want ErrNotRegistered", err)
	}
}

// ============================================================================
// Test: enumeration
// ============================================================================

func TestChainIDs_SortedIncludesInactive(t *testing.T) {
	r := registry.New(5, "hub")
	r.Register(42161, "arb")
	r.Register(10, "op")
	r.Register(137, "poly")
	r.Deactivate(137)

	ids := r.ChainIDs()
	want := []uint64{5, 10, 137, 42161}
	if len(ids) != len(want) {
		t.Fatalf("got %d ids, want %d", len(ids), len(want))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d]: got %d, want %d", i, ids[i], want[i])
		}
	}
}

func TestRestore_NilCountersBecomeZero(t *testing.T) {
	r := registry.New(1, "hub")
	r.Restore(&registry.ChainDeployment{ChainID: 10, Handle: "op", Active: true})

	dep := r.Get(10)
	if dep.LockedCollateral == nil || dep.PositionValue == nil {
		t.Fatal("restore should initialize nil counters")
	}
}
