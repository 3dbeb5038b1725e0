package vault

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SimBackend is an in-memory chain backend for dev mode and tests. It
// enforces the parts of vault semantics this layer depends on: writes
// need a signature, transfers need funds, rule writes replace the set.
type SimBackend struct {
	mu       sync.Mutex
	deployed map[common.Address]bool
	rules    map[common.Address][]SpendingRule
	balances map[common.Address]*big.Int
	nonce    uint64
}

// NewSimBackend returns an empty simulated chain.
func NewSimBackend() *SimBackend {
	return &SimBackend{
		deployed: make(map[common.Address]bool),
		rules:    make(map[common.Address][]SpendingRule),
		balances: make(map[common.Address]*big.Int),
	}
}

// Fund credits a vault balance, smallest units. Test/dev helper.
func (b *SimBackend) Fund(vault common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.balances[vault]
	if !ok {
		cur = new(big.Int)
	}
	b.balances[vault] = new(big.Int).Add(cur, amount)
}

// MarkDeployed flips deployment state directly. Test/dev helper.
func (b *SimBackend) MarkDeployed(vault common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deployed[vault] = true
}

func (b *SimBackend) IsDeployed(_ context.Context, vault common.Address) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deployed[vault], nil
}

func (b *SimBackend) Rules(_ context.Context, vault common.Address) ([]SpendingRule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SpendingRule, len(b.rules[vault]))
	copy(out, b.rules[vault])
	return out, nil
}

func (b *SimBackend) SetRules(_ context.Context, vault common.Address, rules []SpendingRule, sig []byte) (string, error) {
	if len(sig) == 0 {
		return "", fmt.Errorf("missing signature")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	replaced := make([]SpendingRule, len(rules))
	copy(replaced, rules)
	b.rules[vault] = replaced
	return b.nextTxHash(), nil
}

func (b *SimBackend) Balance(_ context.Context, vault common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bal, ok := b.balances[vault]
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(bal), nil
}

func (b *SimBackend) Transfer(_ context.Context, vault, payee common.Address, amount *big.Int, sig []byte) (string, error) {
	if len(sig) == 0 {
		return "", fmt.Errorf("missing signature")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bal, ok := b.balances[vault]
	if !ok || bal.Cmp(amount) < 0 {
		return "", fmt.Errorf("vault not funded")
	}
	b.balances[vault] = new(big.Int).Sub(bal, amount)
	cur, ok := b.balances[payee]
	if !ok {
		cur = new(big.Int)
	}
	b.balances[payee] = new(big.Int).Add(cur, amount)
	return b.nextTxHash(), nil
}

func (b *SimBackend) Deploy(_ context.Context, owner, vault common.Address, sig []byte) (string, error) {
	if len(sig) == 0 {
		return "", fmt.Errorf("missing signature")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deployed[vault] {
		return "", fmt.Errorf("already deployed")
	}
	b.deployed[vault] = true
	return b.nextTxHash(), nil
}

// nextTxHash synthesizes a unique, hash-shaped reference. Caller holds
// the lock.
func (b *SimBackend) nextTxHash() string {
	b.nonce++
	seed := fmt.Sprintf("sim-%d-%d", b.nonce, time.Now().UnixNano())
	return hexutil.Encode(crypto.Keccak256([]byte(seed)))
}
