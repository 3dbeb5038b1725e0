package x402

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/perkkite/agent-commerce/vault"
)

type fakeApprover struct {
	settlement vault.Settlement
	err        error
	calls      int32
	lastAmount string
	lastPayee  string
}

func (f *fakeApprover) ApprovePayment(_ context.Context, _, amountHuman, recipient string) (vault.Settlement, error) {
	atomic.AddInt32(&f.calls, 1)
	f.lastAmount = amountHuman
	f.lastPayee = recipient
	return f.settlement, f.err
}

func testChallenge(amount string) PaymentChallenge {
	return PaymentChallenge{
		X402Version: Version,
		Accepts: []PaymentRequirement{{
			Scheme:            SchemeDelegated,
			Network:           DefaultNetwork,
			MaxAmountRequired: amount,
			Resource:          "premium-research",
			Description:       "Premium Research Report",
			PayTo:             "0x2222222222222222222222222222222222222222",
			MaxTimeoutSeconds: 300,
			Asset:             "0x0fF5393387ad2f9f691FD6Fd28e07E3969e27e63",
		}},
	}
}

// paidResourceServer answers 402 until a payment header arrives, then
// delivers. It counts total requests so tests can assert the single
// retry.
func paidResourceServer(t *testing.T, requests *int32, txHash string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(requests, 1)
		if r.Header.Get(PaymentHeader) == "" {
			w.Header().Set("Content-Type", "application/json")
			mirror, _ := EncodeChallenge(testChallenge("5000000"))
			w.Header().Set(ChallengeHeader, mirror)
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(testChallenge("5000000"))
			return
		}
		if _, err := DecodeAuthorization(r.Header.Get(PaymentHeader)); err != nil {
			http.Error(w, "bad payment header", http.StatusBadRequest)
			return
		}
		receipt, _ := EncodeReceipt(Receipt{Success: true, TxHash: txHash})
		w.Header().Set(ReceiptHeader, receipt)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"service": "premium-research",
			"txHash":  txHash,
			"data":    map[string]string{"title": "Kite L1 Analysis"},
		})
	}))
}

func TestResolvePaysAndDelivers(t *testing.T) {
	var requests int32
	srv := paidResourceServer(t, &requests, "0xabc123")
	defer srv.Close()

	approver := &fakeApprover{settlement: vault.Settlement{Status: vault.SettlementConfirmed, TxHash: "0xvaulttx"}}
	eng := NewEngine(srv.URL, srv.Client(), approver)

	out := eng.Resolve(context.Background(), "agent-1", "premium-research")
	if !out.Delivered {
		t.Fatalf("not delivered: %v", out.Trace)
	}
	if !out.Paid {
		t.Error("expected paid outcome")
	}
	if got := atomic.LoadInt32(&requests); got != 2 {
		t.Errorf("server saw %d requests, want exactly 2", got)
	}
	if approver.calls != 1 {
		t.Errorf("approver called %d times, want 1", approver.calls)
	}
	if approver.lastAmount != "5.00" {
		t.Errorf("approved amount %q, want 5.00", approver.lastAmount)
	}
	// The server's settlement reference wins over the vault's.
	if out.Settlement.TxHash != "0xabc123" {
		t.Errorf("settlement tx %q, want server reference", out.Settlement.TxHash)
	}
	if out.Settlement.Status != vault.SettlementConfirmed {
		t.Errorf("settlement status %q, want confirmed", out.Settlement.Status)
	}
	var data map[string]string
	if err := json.Unmarshal(out.Content, &data); err != nil || data["title"] == "" {
		t.Errorf("content not extracted: %s", out.Content)
	}
	if len(out.Trace) == 0 {
		t.Error("trace must always be populated")
	}
}

func TestResolveFreeResourceSkipsPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"data": "free"})
	}))
	defer srv.Close()

	approver := &fakeApprover{}
	eng := NewEngine(srv.URL, srv.Client(), approver)

	out := eng.Resolve(context.Background(), "agent-1", "open-data")
	if !out.Delivered {
		t.Fatalf("not delivered: %v", out.Trace)
	}
	if out.Paid {
		t.Error("free resource must not be paid for")
	}
	if approver.calls != 0 {
		t.Errorf("approver called %d times for a free resource", approver.calls)
	}
}

func TestResolveUnknownResource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	eng := NewEngine(srv.URL, srv.Client(), &fakeApprover{})
	out := eng.Resolve(context.Background(), "agent-1", "nope")
	if out.Delivered {
		t.Fatal("unknown resource must not deliver")
	}
	if out.Reason != ReasonUnknownResource {
		t.Errorf("reason %q, want %q", out.Reason, ReasonUnknownResource)
	}
}

func TestResolveMalformedChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"x402Version": 1, "accepts": []}`))
	}))
	defer srv.Close()

	approver := &fakeApprover{}
	eng := NewEngine(srv.URL, srv.Client(), approver)
	out := eng.Resolve(context.Background(), "agent-1", "premium-research")
	if out.Delivered {
		t.Fatal("malformed challenge must not deliver")
	}
	if out.Reason != ReasonMalformedChallenge {
		t.Errorf("reason %q, want %q", out.Reason, ReasonMalformedChallenge)
	}
	if approver.calls != 0 {
		t.Error("no payment may be attempted on a malformed challenge")
	}
}

// A failed vault approval still retries once, carrying the pending
// sentinel so the resource server can apply its own policy.
func TestResolveApprovalFailureCarriesPendingSentinel(t *testing.T) {
	var sentSignature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(PaymentHeader)
		if header == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(testChallenge("2000000"))
			return
		}
		pa, err := DecodeAuthorization(header)
		if err != nil {
			t.Errorf("undecodable payment header: %v", err)
		}
		sentSignature = pa.Signature
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "data": "ok"})
	}))
	defer srv.Close()

	approver := &fakeApprover{err: errors.New("vault unreachable")}
	eng := NewEngine(srv.URL, srv.Client(), approver)
	out := eng.Resolve(context.Background(), "agent-1", "market-data")
	if !out.Delivered {
		t.Fatalf("not delivered: %v", out.Trace)
	}
	if out.Paid {
		t.Error("outcome must not count as paid when approval failed")
	}
	if sentSignature != "pending" {
		t.Errorf("signature %q, want pending sentinel", sentSignature)
	}
}

func TestResolvePostPaymentDeliveryFailure(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if r.Header.Get(PaymentHeader) == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(testChallenge("5000000"))
			return
		}
		http.Error(w, "settlement rejected", http.StatusForbidden)
	}))
	defer srv.Close()

	approver := &fakeApprover{settlement: vault.Settlement{Status: vault.SettlementConfirmed, TxHash: "0xdead"}}
	eng := NewEngine(srv.URL, srv.Client(), approver)
	out := eng.Resolve(context.Background(), "agent-1", "premium-research")
	if out.Delivered {
		t.Fatal("rejected retry must not deliver")
	}
	if out.Reason != ReasonPostPaymentDelivery {
		t.Errorf("reason %q, want %q", out.Reason, ReasonPostPaymentDelivery)
	}
	if out.Status != http.StatusForbidden {
		t.Errorf("status %d, want 403", out.Status)
	}
	// Exactly one retry, never a loop.
	if got := atomic.LoadInt32(&requests); got != 2 {
		t.Errorf("server saw %d requests, want exactly 2", got)
	}
}

func TestResolveNetworkUnavailable(t *testing.T) {
	eng := NewEngine("http://127.0.0.1:1/x402", &http.Client{}, &fakeApprover{})
	out := eng.Resolve(context.Background(), "agent-1", "premium-research")
	if out.Delivered {
		t.Fatal("unreachable endpoint must not deliver")
	}
	if out.Reason != ReasonNetworkUnavailable {
		t.Errorf("reason %q, want %q", out.Reason, ReasonNetworkUnavailable)
	}
}

func TestResolveSimulatedSettlementFlagged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(PaymentHeader) == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(testChallenge("5000000"))
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"txHash":  "0xsim",
			"settled": "simulated",
			"data":    map[string]string{"title": "report"},
		})
	}))
	defer srv.Close()

	approver := &fakeApprover{settlement: vault.Settlement{Status: vault.SettlementPending}}
	eng := NewEngine(srv.URL, srv.Client(), approver)
	out := eng.Resolve(context.Background(), "agent-1", "premium-research")
	if !out.Delivered {
		t.Fatalf("not delivered: %v", out.Trace)
	}
	if out.Settlement.Status != vault.SettlementSimulated {
		t.Errorf("status %q, want simulated", out.Settlement.Status)
	}
	if out.Settlement.TxHash != "0xsim" {
		t.Errorf("tx %q, want 0xsim", out.Settlement.TxHash)
	}
}
