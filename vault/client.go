package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/perkkite/agent-commerce/logger"
)

// Config carries the contract addresses the client derives vault
// addresses from.
type Config struct {
	// Factory is the deployer contract counterfactual addresses are
	// computed against.
	Factory common.Address

	// Implementation is the vault proxy implementation address.
	Implementation common.Address

	// SettlementToken is the token vaults hold and pay with.
	SettlementToken common.Address
}

// Client is the single abstraction over "does this agent have a
// delegated wallet, what are its rules, can it pay". Construct once at
// process start and pass by handle; there is no package-level state.
type Client struct {
	cfg      Config
	registry Registry
	backend  Backend
	log      *logger.Logger
}

// NewClient wires a vault client to its identity registry and chain
// backend.
func NewClient(cfg Config, registry Registry, backend Backend) *Client {
	return &Client{
		cfg:      cfg,
		registry: registry,
		backend:  backend,
		log:      logger.Component("vault"),
	}
}

// ResolveVaultAddress computes the owner's deterministic vault address.
// No transaction is needed to compute it; deployment is a separate
// explicit step. Returns ErrNotRegistered when the identity system has
// no mapping for the owner.
func (c *Client) ResolveVaultAddress(ctx context.Context, owner string) (common.Address, error) {
	addr, err := parseAddress(owner)
	if err != nil {
		return common.Address{}, err
	}
	ok, err := c.registry.Registered(ctx, addr)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrNotRegistered, addr.Hex())
	}
	return c.deriveVault(addr), nil
}

// deriveVault is the CREATE2-style counterfactual derivation: the same
// owner always yields the same vault address.
func (c *Client) deriveVault(owner common.Address) common.Address {
	var salt [32]byte
	copy(salt[:], crypto.Keccak256(owner.Bytes()))
	initHash := crypto.Keccak256(c.cfg.Implementation.Bytes(), c.cfg.SettlementToken.Bytes())
	return crypto.CreateAddress2(c.cfg.Factory, salt, initHash)
}

// GetSpendingRules reads the active rule set. An empty slice is a
// valid result, not an error.
func (c *Client) GetSpendingRules(ctx context.Context, vault common.Address) ([]SpendingRule, error) {
	rules, err := c.backend.Rules(ctx, vault)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	return rules, nil
}

// SetSpendingRules replaces the active rule set. Each write fully
// replaces what was there; there is no rule versioning.
func (c *Client) SetSpendingRules(ctx context.Context, owner string, vault common.Address, rules []SpendingRule, sign SignFunc) (string, error) {
	ownerAddr, err := parseAddress(owner)
	if err != nil {
		return "", err
	}
	for i, r := range rules {
		if err := validateRule(r); err != nil {
			return "", fmt.Errorf("rule %d: %w", i, err)
		}
	}
	sig, err := sign(rulesHash(ownerAddr, vault, rules))
	if err != nil {
		return "", fmt.Errorf("signing rule update: %w", err)
	}
	txHash, err := c.backend.SetRules(ctx, vault, rules, sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSettlementRejected, err)
	}
	c.log.Infof("spending rules updated vault=%s rules=%d tx=%s", vault.Hex(), len(rules), txHash)
	return txHash, nil
}

// GetBalance reads the vault's settlement-token balance.
func (c *Client) GetBalance(ctx context.Context, vault common.Address) (*big.Int, error) {
	bal, err := c.backend.Balance(ctx, vault)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	return bal, nil
}

// ApprovePayment executes the delegated, gasless payment primitive:
// amount (smallest units) from the owner's vault to payee. This is
// what the x402 resolution engine calls.
func (c *Client) ApprovePayment(ctx context.Context, owner string, payee string, amount *big.Int, sign SignFunc) (PaymentResult, error) {
	ownerAddr, err := parseAddress(owner)
	if err != nil {
		return PaymentResult{}, err
	}
	payeeAddr, err := parseAddress(payee)
	if err != nil {
		return PaymentResult{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return PaymentResult{}, fmt.Errorf("%w: non-positive amount", ErrInvalidRule)
	}
	vaultAddr, err := c.ResolveVaultAddress(ctx, owner)
	if err != nil {
		return PaymentResult{}, err
	}
	sig, err := sign(transferHash(ownerAddr, vaultAddr, payeeAddr, amount))
	if err != nil {
		return PaymentResult{}, fmt.Errorf("signing payment: %w", err)
	}
	txHash, err := c.backend.Transfer(ctx, vaultAddr, payeeAddr, amount, sig)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("%w: %v", ErrSettlementRejected, err)
	}
	status := SettlementConfirmed
	if txHash == "" {
		status = SettlementPending
	}
	c.log.Infof("delegated payment vault=%s payee=%s amount=%s tx=%s", vaultAddr.Hex(), payeeAddr.Hex(), amount.String(), txHash)
	return PaymentResult{
		Settlement: Settlement{Status: status, TxHash: txHash},
		Amount:     new(big.Int).Set(amount),
		Payee:      payeeAddr,
	}, nil
}

// DeployVault deploys the owner's vault proxy. Deployment is guarded:
// a second call for an already-deployed owner returns the existing
// address without a transaction.
func (c *Client) DeployVault(ctx context.Context, owner string, sign SignFunc) (DeployResult, error) {
	ownerAddr, err := parseAddress(owner)
	if err != nil {
		return DeployResult{}, err
	}
	vaultAddr, err := c.ResolveVaultAddress(ctx, owner)
	if err != nil {
		return DeployResult{}, err
	}
	deployed, err := c.backend.IsDeployed(ctx, vaultAddr)
	if err != nil {
		return DeployResult{}, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	if deployed {
		return DeployResult{VaultAddress: vaultAddr, AlreadyDeployed: true}, nil
	}
	sig, err := sign(deployHash(ownerAddr, vaultAddr))
	if err != nil {
		return DeployResult{}, fmt.Errorf("signing deployment: %w", err)
	}
	txHash, err := c.backend.Deploy(ctx, ownerAddr, vaultAddr, sig)
	if err != nil {
		return DeployResult{}, fmt.Errorf("%w: %v", ErrSettlementRejected, err)
	}
	c.log.Infof("vault deployed owner=%s vault=%s tx=%s", ownerAddr.Hex(), vaultAddr.Hex(), txHash)
	return DeployResult{VaultAddress: vaultAddr, TxHash: txHash}, nil
}

// VaultInfo aggregates address, deployment state, rules, and balance
// for one owner.
func (c *Client) VaultInfo(ctx context.Context, owner string) (Info, error) {
	vaultAddr, err := c.ResolveVaultAddress(ctx, owner)
	if err != nil {
		return Info{}, err
	}
	deployed, err := c.backend.IsDeployed(ctx, vaultAddr)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	rules, err := c.GetSpendingRules(ctx, vaultAddr)
	if err != nil {
		return Info{}, err
	}
	bal, err := c.GetBalance(ctx, vaultAddr)
	if err != nil {
		return Info{}, err
	}
	return Info{VaultAddress: vaultAddr, Deployed: deployed, SpendingRules: rules, Balance: bal}, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

func validateRule(r SpendingRule) error {
	if r.TimeWindow <= 0 {
		return fmt.Errorf("%w: time window must be positive", ErrInvalidRule)
	}
	if r.Budget == nil || r.Budget.Sign() <= 0 {
		return fmt.Errorf("%w: budget must be positive", ErrInvalidRule)
	}
	if r.InitialWindowStartTime < 0 {
		return fmt.Errorf("%w: negative window start", ErrInvalidRule)
	}
	return nil
}

// Operation hashes. The exact preimage layout only needs to be stable
// per operation type; signatures are verified by the backend.

func rulesHash(owner, vault common.Address, rules []SpendingRule) []byte {
	data := append(owner.Bytes(), vault.Bytes()...)
	for _, r := range rules {
		data = append(data, big.NewInt(r.TimeWindow).Bytes()...)
		data = append(data, r.Budget.Bytes()...)
		data = append(data, big.NewInt(r.InitialWindowStartTime).Bytes()...)
		for _, p := range r.TargetProviders {
			data = append(data, p.Bytes()...)
		}
	}
	return crypto.Keccak256(data)
}

func transferHash(owner, vault, payee common.Address, amount *big.Int) []byte {
	data := append(owner.Bytes(), vault.Bytes()...)
	data = append(data, payee.Bytes()...)
	data = append(data, amount.Bytes()...)
	return crypto.Keccak256(data)
}

func deployHash(owner, vault common.Address) []byte {
	return crypto.Keccak256(append(owner.Bytes(), vault.Bytes()...))
}
