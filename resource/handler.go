package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/perkkite/agent-commerce/facilitator"
	"github.com/perkkite/agent-commerce/logger"
	"github.com/perkkite/agent-commerce/x402"
)

// Settler executes a signed payment authorization. Satisfied by
// *facilitator.Client.
type Settler interface {
	Settle(ctx context.Context, auth x402.Authorization, signature, network string) (facilitator.SettleResult, error)
}

// Handler serves the paid catalog over the 402 protocol.
type Handler struct {
	catalog *Catalog
	settler Settler
	log     *logger.Logger
}

// NewHandler builds the paywall handler. settler may be nil, in which
// case every settlement is simulated.
func NewHandler(catalog *Catalog, settler Settler) *Handler {
	return &Handler{catalog: catalog, settler: settler, log: logger.Component("resource")}
}

type accessRequest struct {
	Service string `json:"service"`
}

// ServeHTTP implements the challenge/verify/deliver cycle for one
// service request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req accessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Service == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"service\": \"<id>\"}")
		return
	}
	svc, ok := h.catalog.Lookup(req.Service)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown service %q", req.Service))
		return
	}

	payment := r.Header.Get(x402.PaymentHeader)
	if payment == "" {
		h.challenge(w, svc)
		return
	}
	h.deliver(w, r, svc, payment)
}

// challenge answers 402 with the JSON challenge body and its base64
// header mirror.
func (h *Handler) challenge(w http.ResponseWriter, svc Service) {
	c := x402.PaymentChallenge{
		X402Version: x402.Version,
		Accepts:     []x402.PaymentRequirement{svc.Requirement()},
	}
	if mirror, err := x402.EncodeChallenge(c); err == nil {
		w.Header().Set(x402.ChallengeHeader, mirror)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(c)
	h.log.Infof("challenged for %s amount=%s", svc.ID, svc.Price)
}

func (h *Handler) deliver(w http.ResponseWriter, r *http.Request, svc Service, payment string) {
	pa, err := x402.DecodeAuthorization(payment)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed payment header")
		return
	}

	txHash := pa.Signature
	settled := ""
	if txHash == "pending" || !isTxRef(txHash) {
		// No usable settlement reference from the payer: settle
		// server-side through the facilitator, or simulate when it is
		// down.
		result, err := h.settle(r.Context(), pa)
		if err != nil {
			txHash = simulatedTxHash(pa)
			settled = "simulated"
			h.log.Warnf("facilitator unavailable, simulating settlement for %s: %v", svc.ID, err)
		} else {
			txHash = result.TxHash
		}
	}

	if receipt, err := x402.EncodeReceipt(x402.Receipt{Success: true, TxHash: txHash}); err == nil {
		w.Header().Set(x402.ReceiptHeader, receipt)
	}
	w.Header().Set("Content-Type", "application/json")
	reply := map[string]interface{}{
		"success": true,
		"service": svc.ID,
		"txHash":  txHash,
		"data":    svc.Content(),
	}
	if settled != "" {
		reply["settled"] = settled
	}
	json.NewEncoder(w).Encode(reply)
	h.log.Infof("delivered %s tx=%s settled=%s", svc.ID, txHash, settled)
}

func (h *Handler) settle(ctx context.Context, pa x402.PaymentAuthorization) (facilitator.SettleResult, error) {
	if h.settler == nil {
		return facilitator.SettleResult{}, errors.New("no facilitator configured")
	}
	return h.settler.Settle(ctx, pa.Authorization, pa.Signature, pa.Authorization.Network)
}

// isTxRef reports whether s looks like an on-chain transaction hash.
func isTxRef(s string) bool {
	if len(s) != 66 || s[:2] != "0x" {
		return false
	}
	_, err := hexutil.Decode(s)
	return err == nil
}

// simulatedTxHash derives a stable-looking reference for settlements
// that never reached a chain. Consumers must treat it as simulated.
func simulatedTxHash(pa x402.PaymentAuthorization) string {
	seed := fmt.Sprintf("%s|%s|%s|%d", pa.Authorization.AgentID, pa.Authorization.PayTo, pa.Authorization.Amount, time.Now().UnixNano())
	return hexutil.Encode(crypto.Keccak256([]byte(seed)))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
