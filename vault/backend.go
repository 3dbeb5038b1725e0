package vault

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Registry maps owner addresses to registered agent identities. The
// production implementation talks to the external passport service;
// tests and dev mode use StaticRegistry.
type Registry interface {
	// Registered reports whether the identity system has a mapping
	// for the owner. A missing mapping surfaces as ErrNotRegistered
	// from the client, never from here.
	Registered(ctx context.Context, owner common.Address) (bool, error)
}

// Backend executes chain operations against the vault contracts. All
// writes receive a pre-computed signature; the backend never sees key
// material.
type Backend interface {
	IsDeployed(ctx context.Context, vault common.Address) (bool, error)
	Rules(ctx context.Context, vault common.Address) ([]SpendingRule, error)
	SetRules(ctx context.Context, vault common.Address, rules []SpendingRule, sig []byte) (string, error)
	Balance(ctx context.Context, vault common.Address) (*big.Int, error)
	Transfer(ctx context.Context, vault, payee common.Address, amount *big.Int, sig []byte) (string, error)
	Deploy(ctx context.Context, owner, vault common.Address, sig []byte) (string, error)
}

// StaticRegistry registers a fixed set of owners. Useful for dev mode
// and tests.
type StaticRegistry struct {
	owners map[common.Address]bool
}

// NewStaticRegistry builds a registry from hex owner addresses;
// malformed entries are ignored.
func NewStaticRegistry(owners ...string) *StaticRegistry {
	m := make(map[common.Address]bool, len(owners))
	for _, o := range owners {
		if common.IsHexAddress(strings.TrimSpace(o)) {
			m[common.HexToAddress(o)] = true
		}
	}
	return &StaticRegistry{owners: m}
}

// Registered implements Registry.
func (r *StaticRegistry) Registered(_ context.Context, owner common.Address) (bool, error) {
	return r.owners[owner], nil
}
