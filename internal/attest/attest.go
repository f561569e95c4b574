package attest

import (
	"errors"
	"fmt"
)

var ErrNotAuthorized = errors.New("caller is not an authorized relayer")

// Attestor decides whether a caller may act in the relayer role. The
// protocol performs no cryptographic verification of cross-chain
// delivery; correctness rests entirely on this trust boundary. Keeping it
// behind an interface lets a hardened deployment swap in light-client
// proofs or signature aggregation without touching settlement logic.
type Attestor interface {
	// Verify returns nil if the caller may act as a relayer.
	Verify(caller string) error
}

// Allowlist is the shipped Attestor: an address-keyed authorization
// table maintained by the owner.
// Not thread-safe; only accessed from the single-threaded node.
type Allowlist struct {
	authorized map[string]bool
}

func NewAllowlist() *Allowlist {
	return &Allowlist{authorized: make(map[string]bool)}
}

// Authorize grants or revokes the relayer role for an address.
func (a *Allowlist) Authorize(caller string, allowed bool) {
	if allowed {
		a.authorized[caller] = true
	} else {
		delete(a.authorized, caller)
	}
}

// Verify implements Attestor.
func (a *Allowlist) Verify(caller string) error {
	if !a.authorized[caller] {
		return fmt.Errorf("%w: %s", ErrNotAuthorized, caller)
	}
	return nil
}

// Authorized returns all authorized addresses (for snapshots).
func (a *Allowlist) Authorized() []string {
	out := make([]string, 0, len(a.authorized))
	for addr := range a.authorized {
		out = append(out, addr)
	}
	return out
}
