package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/perkkite/agent-commerce/logger"
	"github.com/perkkite/agent-commerce/vault"
)

// FailureReason classifies terminal resolution failures.
type FailureReason string

const (
	ReasonUnknownResource     FailureReason = "unknown_resource"
	ReasonMalformedChallenge  FailureReason = "malformed_challenge"
	ReasonPostPaymentDelivery FailureReason = "post_payment_delivery_failed"
	ReasonNetworkUnavailable  FailureReason = "network_unavailable"
	ReasonUnexpectedStatus    FailureReason = "unexpected_status"
)

// Outcome is the structured result of one resolution attempt. Trace is
// always populated; it is the primary observability artifact consumed
// by UIs and audits.
type Outcome struct {
	Delivered   bool
	Paid        bool
	Reason      FailureReason
	Status      int
	Service     string
	Description string
	AmountHuman string
	AmountRaw   string
	PayTo       string
	Settlement  vault.Settlement
	Content     json.RawMessage
	Trace       []string
}

// Failed reports whether the outcome is a terminal failure.
func (o Outcome) Failed() bool { return !o.Delivered }

// Approver executes the delegated payment on behalf of an agent. The
// engine degrades gracefully when approval fails: the retry still goes
// out, carrying the pending sentinel instead of a settlement reference.
type Approver interface {
	ApprovePayment(ctx context.Context, agentID, amountHuman, recipient string) (vault.Settlement, error)
}

// Engine drives one resource-access attempt through the full payment
// protocol. It performs no retries beyond the single
// challenge -> pay -> retry cycle.
type Engine struct {
	endpoint string
	client   *http.Client
	approver Approver
	log      *logger.Logger
}

// NewEngine builds an engine against a resource endpoint. The approver
// is the only payment capability the engine holds.
func NewEngine(endpoint string, client *http.Client, approver Approver) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	return &Engine{
		endpoint: endpoint,
		client:   client,
		approver: approver,
		log:      logger.Component("x402"),
	}
}

// Resolve performs the challenge -> authorize -> retry cycle for one
// service. Failures at any stage are terminal and surface as a typed
// outcome, never as an error.
func (e *Engine) Resolve(ctx context.Context, agentID, service string) Outcome {
	out := Outcome{Service: service}

	status, body, err := e.request(ctx, service, "")
	if err != nil {
		out.Reason = ReasonNetworkUnavailable
		out.Trace = append(out.Trace, fmt.Sprintf("Failed to reach service %s: %v", service, err))
		return out
	}
	out.Trace = append(out.Trace, fmt.Sprintf("Requested %s -> HTTP %d", service, status))

	switch {
	case status == http.StatusOK:
		// Free or already authorized; the engine must not pay here.
		out.Delivered = true
		out.Content = body
		out.Trace = append(out.Trace, "Service is free or already authorized; no payment needed")
		return out
	case status == http.StatusNotFound:
		out.Reason = ReasonUnknownResource
		out.Trace = append(out.Trace, fmt.Sprintf("Unknown service: %s", service))
		return out
	case status != http.StatusPaymentRequired:
		out.Reason = ReasonUnexpectedStatus
		out.Status = status
		out.Trace = append(out.Trace, fmt.Sprintf("Unexpected status %d before payment", status))
		return out
	}

	challenge, err := ParseChallenge(body)
	if err != nil {
		out.Reason = ReasonMalformedChallenge
		out.Trace = append(out.Trace, fmt.Sprintf("Malformed 402 challenge: %v", err))
		return out
	}
	// First accepted method wins; there is no bidding across methods.
	req := challenge.Accepts[0]
	out.Description = req.Description
	out.AmountRaw = req.MaxAmountRequired
	out.PayTo = req.PayTo

	human, err := ToHuman(req.MaxAmountRequired)
	if err != nil {
		out.Reason = ReasonMalformedChallenge
		out.Trace = append(out.Trace, fmt.Sprintf("Unparseable amount %q: %v", req.MaxAmountRequired, err))
		return out
	}
	out.AmountHuman = human
	out.Trace = append(out.Trace, fmt.Sprintf("Challenge: %s requires %s USDC to %s", req.Description, human, req.PayTo))

	settlement, payErr := e.approver.ApprovePayment(ctx, agentID, human, req.PayTo)
	if payErr != nil {
		// Degraded authorization: carry on with the pending sentinel
		// and let the resource server apply its own policy.
		settlement = vault.Settlement{Status: vault.SettlementPending}
		out.Trace = append(out.Trace, fmt.Sprintf("Payment failed: %v", payErr))
	} else if settlement.TxHash != "" {
		out.Trace = append(out.Trace, fmt.Sprintf("Approved %s USDC via delegated vault (gasless), tx %s", human, settlement.TxHash))
	} else {
		out.Trace = append(out.Trace, fmt.Sprintf("Approved %s USDC via delegated vault, settlement pending", human))
	}
	out.Settlement = settlement
	out.Paid = payErr == nil

	header, err := EncodeAuthorization(PaymentAuthorization{
		Authorization: Authorization{
			Amount:  req.MaxAmountRequired,
			PayTo:   req.PayTo,
			Asset:   req.Asset,
			Network: req.Network,
			Scheme:  req.Scheme,
			AgentID: agentID,
		},
		Signature: settlement.Ref(),
	})
	if err != nil {
		out.Reason = ReasonPostPaymentDelivery
		out.Trace = append(out.Trace, fmt.Sprintf("Could not encode payment authorization: %v", err))
		return out
	}

	retryStatus, retryBody, err := e.request(ctx, service, header)
	if err != nil {
		out.Reason = ReasonPostPaymentDelivery
		out.Trace = append(out.Trace, fmt.Sprintf("Retry with payment failed: %v", err))
		return out
	}
	if retryStatus != http.StatusOK {
		out.Reason = ReasonPostPaymentDelivery
		out.Status = retryStatus
		out.Trace = append(out.Trace, fmt.Sprintf("Service returned %d after payment", retryStatus))
		return out
	}

	out.Delivered = true
	out.Content, out.Settlement = extractDelivery(retryBody, settlement)
	if out.Settlement.TxHash != "" {
		out.Trace = append(out.Trace, fmt.Sprintf("Settled (tx %s)", out.Settlement.TxHash))
	} else {
		out.Trace = append(out.Trace, "Settlement pending")
	}
	out.Trace = append(out.Trace, "Service delivered")
	e.log.WithAgent(agentID).Infof("resolved %s amount=%s settlement=%s", service, human, out.Settlement.Status)
	return out
}

// request issues one POST to the resource endpoint, with the payment
// header when provided.
func (e *Engine) request(ctx context.Context, service, paymentHeader string) (int, []byte, error) {
	payload, _ := json.Marshal(map[string]string{"service": service})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if paymentHeader != "" {
		req.Header.Set(PaymentHeader, paymentHeader)
	}
	res, err := e.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, err
	}
	return res.StatusCode, body, nil
}

// extractDelivery pulls the content and settlement reference out of a
// paid response body. The server's reference wins over the approver's;
// a simulated settlement is flagged as such, never conflated with a
// real one.
func extractDelivery(body []byte, fallback vault.Settlement) (json.RawMessage, vault.Settlement) {
	var paid struct {
		TxHash  string          `json:"txHash"`
		Settled string          `json:"settled"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &paid); err != nil {
		return body, fallback
	}
	content := paid.Data
	if len(content) == 0 {
		content = body
	}
	settlement := fallback
	if paid.TxHash != "" {
		settlement.TxHash = paid.TxHash
		if paid.Settled == "simulated" {
			settlement.Status = vault.SettlementSimulated
		} else {
			settlement.Status = vault.SettlementConfirmed
		}
	}
	return content, settlement
}
