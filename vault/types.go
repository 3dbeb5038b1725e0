// Package vault abstracts the delegated, gasless smart-contract wallet
// each agent pays from: deterministic address resolution, spending
// rules, balance reads, and delegated payment execution. The client
// never holds key material; every write takes a caller-supplied
// signing callback.
package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SignFunc signs an operation hash and returns the signature. The
// capability is injected per call and never stored by the client.
type SignFunc func(hash []byte) ([]byte, error)

// SpendingRule caps spend over a rolling time window. Enforcement is
// on-chain; this layer only reads and writes rule definitions.
type SpendingRule struct {
	// TimeWindow is the rolling window length in seconds.
	TimeWindow int64

	// Budget is the spend cap within one window, in smallest token
	// units.
	Budget *big.Int

	// InitialWindowStartTime anchors the window sequence, unix seconds.
	InitialWindowStartTime int64

	// TargetProviders restricts the rule to specific counterparties.
	// Empty means unrestricted.
	TargetProviders []common.Address
}

// Info is the per-agent delegated wallet state.
type Info struct {
	VaultAddress  common.Address
	Deployed      bool
	SpendingRules []SpendingRule
	Balance       *big.Int
}

// SettlementStatus tags how a payment reference was obtained, so
// callers can branch exhaustively instead of string-matching.
type SettlementStatus string

const (
	// SettlementConfirmed means the chain returned a real transaction
	// hash.
	SettlementConfirmed SettlementStatus = "confirmed"

	// SettlementPending means the payment was authorized but no
	// confirmation has arrived; the wire encoding carries the literal
	// "pending" signature downstream.
	SettlementPending SettlementStatus = "pending"

	// SettlementSimulated means a locally synthesized reference was
	// issued because the real settlement path was unreachable.
	SettlementSimulated SettlementStatus = "simulated"
)

// Settlement is a settlement reference plus its provenance.
type Settlement struct {
	Status SettlementStatus
	TxHash string
}

// Ref returns the value to place in a payment signature field: the
// transaction hash when one exists, else the pending sentinel.
func (s Settlement) Ref() string {
	if s.TxHash != "" {
		return s.TxHash
	}
	return "pending"
}

// PaymentResult is the outcome of a delegated payment.
type PaymentResult struct {
	Settlement Settlement
	Amount     *big.Int
	Payee      common.Address
}

// DeployResult is the outcome of a vault deployment. AlreadyDeployed
// is set when the guard short-circuited before any transaction.
type DeployResult struct {
	VaultAddress    common.Address
	TxHash          string
	AlreadyDeployed bool
}
