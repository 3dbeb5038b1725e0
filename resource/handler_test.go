package resource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/perkkite/agent-commerce/facilitator"
	"github.com/perkkite/agent-commerce/x402"
)

type fakeSettler struct {
	result facilitator.SettleResult
	err    error
	calls  int
}

func (f *fakeSettler) Settle(_ context.Context, _ x402.Authorization, _, _ string) (facilitator.SettleResult, error) {
	f.calls++
	return f.result, f.err
}

func post(t *testing.T, h http.Handler, body string, payment string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/x402", strings.NewReader(body))
	if payment != "" {
		req.Header.Set(x402.PaymentHeader, payment)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func paymentHeader(t *testing.T, signature string) string {
	t.Helper()
	header, err := x402.EncodeAuthorization(x402.PaymentAuthorization{
		Authorization: x402.Authorization{
			Amount:  "5000000",
			PayTo:   "0x4Fabc9B9532069b4F5B9aD6Babcb42fB1D2C1bb6",
			Asset:   SettlementToken,
			Network: x402.DefaultNetwork,
			Scheme:  x402.SchemeDelegated,
			AgentID: "agent-1",
		},
		Signature: signature,
	})
	if err != nil {
		t.Fatal(err)
	}
	return header
}

func TestChallengeUnpaidRequest(t *testing.T) {
	h := NewHandler(DefaultCatalog(), &fakeSettler{})
	rec := post(t, h, `{"service":"premium-research"}`, "")
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	challenge, err := x402.ParseChallenge(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("body is not a valid challenge: %v", err)
	}
	req := challenge.Accepts[0]
	if req.MaxAmountRequired != "5000000" || req.Scheme != x402.SchemeDelegated {
		t.Errorf("unexpected requirement: %+v", req)
	}
	if req.Asset != SettlementToken {
		t.Errorf("asset = %s, want settlement token", req.Asset)
	}
	if rec.Header().Get(x402.ChallengeHeader) == "" {
		t.Error("missing challenge header mirror")
	}
}

func TestUnknownService(t *testing.T) {
	h := NewHandler(DefaultCatalog(), &fakeSettler{})
	if rec := post(t, h, `{"service":"nope"}`, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestBadRequestBody(t *testing.T) {
	h := NewHandler(DefaultCatalog(), &fakeSettler{})
	if rec := post(t, h, `{`, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMalformedPaymentHeader(t *testing.T) {
	h := NewHandler(DefaultCatalog(), &fakeSettler{})
	if rec := post(t, h, `{"service":"premium-research"}`, "!!!not-base64!!!"); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDeliverWithConfirmedReference(t *testing.T) {
	settler := &fakeSettler{}
	h := NewHandler(DefaultCatalog(), settler)
	tx := "0x" + strings.Repeat("ab", 32)
	rec := post(t, h, `{"service":"premium-research"}`, paymentHeader(t, tx))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body)
	}
	// A real reference means the payer side already settled.
	if settler.calls != 0 {
		t.Errorf("settler called %d times with a confirmed reference", settler.calls)
	}
	var body struct {
		Success bool            `json:"success"`
		TxHash  string          `json:"txHash"`
		Settled string          `json:"settled"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Success || body.TxHash != tx || body.Settled != "" {
		t.Errorf("unexpected body: %+v", body)
	}
	if !bytes.Contains(body.Data, []byte("Kite L1 Analysis")) {
		t.Errorf("missing report content: %s", body.Data)
	}
	if rec.Header().Get(x402.ReceiptHeader) == "" {
		t.Error("missing receipt header")
	}
}

func TestPendingSignatureSettlesViaFacilitator(t *testing.T) {
	settler := &fakeSettler{result: facilitator.SettleResult{TxHash: "0xfeed"}}
	h := NewHandler(DefaultCatalog(), settler)
	rec := post(t, h, `{"service":"premium-research"}`, paymentHeader(t, "pending"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if settler.calls != 1 {
		t.Errorf("settler calls = %d, want 1", settler.calls)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["txHash"] != "0xfeed" {
		t.Errorf("txHash = %v, want facilitator reference", body["txHash"])
	}
	if _, flagged := body["settled"]; flagged {
		t.Error("real settlement must not carry the simulated flag")
	}
}

func TestFacilitatorDownFallsBackToSimulated(t *testing.T) {
	settler := &fakeSettler{err: errors.New("connection refused")}
	h := NewHandler(DefaultCatalog(), settler)
	rec := post(t, h, `{"service":"market-data"}`, paymentHeader(t, "pending"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["settled"] != "simulated" {
		t.Error("simulated settlement must be flagged")
	}
	tx, _ := body["txHash"].(string)
	if len(tx) != 66 || !strings.HasPrefix(tx, "0x") {
		t.Errorf("simulated txHash %q is not hash-shaped", tx)
	}
}
