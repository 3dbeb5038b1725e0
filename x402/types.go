// Package x402 implements the payment-resolution protocol built on
// HTTP 402: challenge parsing, payment-header codecs, and the engine
// that drives one resource-access attempt through the full
// challenge -> authorize -> retry cycle.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Version is the protocol version this package speaks.
const Version = 1

// Wire header names.
const (
	// PaymentHeader carries the base64 payment authorization on the
	// retried request.
	PaymentHeader = "X-PAYMENT"

	// ChallengeHeader mirrors the 402 body base64-encoded for
	// non-JSON-aware clients.
	ChallengeHeader = "PAYMENT-REQUIRED"

	// ReceiptHeader carries the base64 settlement receipt on the paid
	// response.
	ReceiptHeader = "X-PAYMENT-RESPONSE"
)

// Scheme and network identifiers for the delegated-wallet payment
// method.
const (
	SchemeDelegated = "gokite-aa"
	DefaultNetwork  = "kite-testnet"
)

// PaymentRequirement is one accepted payment method for a resource.
// Immutable once issued for a given challenge.
type PaymentRequirement struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	MaxAmountRequired string                 `json:"maxAmountRequired"`
	Resource          string                 `json:"resource"`
	Description       string                 `json:"description"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Asset             string                 `json:"asset"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentChallenge is the 402 response body. It lives only for the
// duration of one resolution attempt.
type PaymentChallenge struct {
	X402Version int                  `json:"x402Version"`
	Accepts     []PaymentRequirement `json:"accepts"`
}

// Authorization is the payload the client commits to paying.
type Authorization struct {
	Amount  string `json:"amount"`
	PayTo   string `json:"payTo"`
	Asset   string `json:"asset"`
	Network string `json:"network"`
	Scheme  string `json:"scheme"`
	AgentID string `json:"agentId"`
}

// PaymentAuthorization is the client-constructed proof of payment sent
// in the X-PAYMENT header. Signature is a settlement reference or the
// literal "pending" when settlement has not confirmed.
type PaymentAuthorization struct {
	Authorization Authorization `json:"authorization"`
	Signature     string        `json:"signature"`
}

// Receipt is the settlement acknowledgement mirrored in the
// X-PAYMENT-RESPONSE header.
type Receipt struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash,omitempty"`
}

// EncodeAuthorization serializes a payment authorization for the
// X-PAYMENT header.
func EncodeAuthorization(pa PaymentAuthorization) (string, error) {
	raw, err := json.Marshal(pa)
	if err != nil {
		return "", fmt.Errorf("marshaling authorization: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeAuthorization parses an X-PAYMENT header value.
func DecodeAuthorization(encoded string) (PaymentAuthorization, error) {
	var pa PaymentAuthorization
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return pa, fmt.Errorf("decoding authorization header: %w", err)
	}
	if err := json.Unmarshal(raw, &pa); err != nil {
		return pa, fmt.Errorf("unmarshaling authorization: %w", err)
	}
	return pa, nil
}

// EncodeChallenge serializes a challenge for the PAYMENT-REQUIRED
// header mirror.
func EncodeChallenge(c PaymentChallenge) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshaling challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// EncodeReceipt serializes a settlement receipt for the
// X-PAYMENT-RESPONSE header.
func EncodeReceipt(r Receipt) (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshaling receipt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
