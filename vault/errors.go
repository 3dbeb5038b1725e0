package vault

import "errors"

// Sentinel errors for vault and spending-authorization operations.
var (
	// ErrNotRegistered indicates the identity system has no mapping
	// for the owner address.
	ErrNotRegistered = errors.New("vault: owner not registered")

	// ErrSettlementRejected indicates the chain rejected a write
	// operation (deploy, rule update, delegated payment).
	ErrSettlementRejected = errors.New("vault: settlement rejected")

	// ErrNetworkUnavailable indicates the RPC or facilitator endpoint
	// could not be reached. Callers take the degraded path on this.
	ErrNetworkUnavailable = errors.New("vault: network unavailable")

	// ErrInvalidRule indicates a malformed budget or time window.
	ErrInvalidRule = errors.New("vault: invalid spending rule")

	// ErrInvalidAddress indicates a string that is not a hex address.
	ErrInvalidAddress = errors.New("vault: invalid address")
)
