// Package agentloop runs one conversational turn of a tool-calling
// agent: a bounded generate/execute cycle where the model decides how
// many wallet and commerce tools it needs before answering.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tmc/langchaingo/llms"

	"github.com/perkkite/agent-commerce/logger"
	"github.com/perkkite/agent-commerce/types"
	"github.com/perkkite/agent-commerce/vault"
	"github.com/perkkite/agent-commerce/x402"
)

// ExplorerBase is the block explorer transactions link to.
const ExplorerBase = "https://testnet.kitescan.ai"

// swapRouter receives funds for simulated token swaps.
const swapRouter = "0xD3c80b8297E4d0a1A954dB78C3A58e9ceF9b7cC1"

// Wallet is the slice of the vault client the toolset needs.
// *vault.Client satisfies it.
type Wallet interface {
	ResolveVaultAddress(ctx context.Context, owner string) (common.Address, error)
	GetSpendingRules(ctx context.Context, vaultAddr common.Address) ([]vault.SpendingRule, error)
	ApprovePayment(ctx context.Context, owner, payee string, amount *big.Int, sign vault.SignFunc) (vault.PaymentResult, error)
	VaultInfo(ctx context.Context, owner string) (vault.Info, error)
}

// Resolver is the payment-resolution engine surface the toolset needs.
// *x402.Engine satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, agentID, service string) x402.Outcome
}

// Toolset binds one agent's identity to the wallet and resolution
// capabilities its model may call.
type Toolset struct {
	agentID  string
	owner    string
	sign     vault.SignFunc
	wallet   Wallet
	resolver Resolver
	log      *logger.Logger
}

// NewToolset builds the tool surface for one agent.
func NewToolset(agentID, owner string, sign vault.SignFunc, wallet Wallet, resolver Resolver) *Toolset {
	return &Toolset{
		agentID:  agentID,
		owner:    owner,
		sign:     sign,
		wallet:   wallet,
		resolver: resolver,
		log:      logger.Component("tools").WithAgent(agentID),
	}
}

type toolSpec struct {
	name        string
	description string
	parameters  map[string]interface{}
	run         func(ctx context.Context, ts *Toolset, args map[string]interface{}) (string, string, string, []string)
}

// Each run returns (result text, txHash, explorerURL, trace). The
// chain fields are empty for tools that touch no chain; only the
// payment-resolution tool produces a trace.

// The capability-listing tool renders toolSpecs itself, so the table
// is assigned in init rather than in its own initializer.
var toolSpecs []toolSpec

func init() {
	toolSpecs = []toolSpec{
		{
			name:        "get_agent_identity",
			description: "Get this agent's on-chain identity: owner address and resolved smart-contract vault address.",
			parameters:  noParams(),
			run: func(ctx context.Context, ts *Toolset, _ map[string]interface{}) (string, string, string, []string) {
				addr, err := ts.wallet.ResolveVaultAddress(ctx, ts.owner)
				if err != nil {
					return fmt.Sprintf("Identity not available: %v", err), "", "", nil
				}
				return fmt.Sprintf("Owner %s, vault %s", ts.owner, addr.Hex()), "", "", nil
			},
		},
		{
			name:        "list_agent_capabilities",
			description: "List the tools this agent can use, with descriptions.",
			parameters:  noParams(),
			run: func(_ context.Context, _ *Toolset, _ map[string]interface{}) (string, string, string, []string) {
				var b strings.Builder
				for _, s := range toolSpecs {
					fmt.Fprintf(&b, "- %s: %s\n", s.name, s.description)
				}
				return b.String(), "", "", nil
			},
		},
		{
			name:        "approve_payment",
			description: "Pay an amount of USDC from this agent's vault to a recipient address. Gasless, executed through the delegated wallet.",
			parameters: params(map[string]interface{}{
				"amount":    prop("string", "Amount in USDC, e.g. \"5.00\""),
				"recipient": prop("string", "Recipient 0x address"),
				"reason":    prop("string", "Why this payment is being made"),
			}, "amount", "recipient"),
			run: func(ctx context.Context, ts *Toolset, args map[string]interface{}) (string, string, string, []string) {
				amountHuman, _ := args["amount"].(string)
				recipient, _ := args["recipient"].(string)
				rawStr, err := x402.ToRaw(amountHuman)
				if err != nil {
					return fmt.Sprintf("Payment not sent: invalid amount %q. Use a decimal USDC amount like \"5.00\".", amountHuman), "", "", nil
				}
				raw, _ := x402.ParseRaw(rawStr)
				res, err := ts.wallet.ApprovePayment(ctx, ts.owner, recipient, raw, ts.sign)
				if err != nil {
					return fmt.Sprintf("Payment failed: %v. Check the recipient address and the vault balance, then try again.", err), "", "", nil
				}
				return fmt.Sprintf("Paid %s USDC to %s (ref %s)", amountHuman, recipient, res.Settlement.Ref()),
					res.Settlement.TxHash, explorerURL(res.Settlement.TxHash), nil
			},
		},
		{
			name:        "check_spending_rules",
			description: "Read the vault's active spending rules: budget per time window and allowed providers.",
			parameters:  noParams(),
			run: func(ctx context.Context, ts *Toolset, _ map[string]interface{}) (string, string, string, []string) {
				addr, err := ts.wallet.ResolveVaultAddress(ctx, ts.owner)
				if err != nil {
					return fmt.Sprintf("Spending rules not available: %v", err), "", "", nil
				}
				rules, err := ts.wallet.GetSpendingRules(ctx, addr)
				if err != nil {
					return fmt.Sprintf("Spending rules not available: %v", err), "", "", nil
				}
				if len(rules) == 0 {
					return "No spending rules configured", "", "", nil
				}
				var b strings.Builder
				for i, r := range rules {
					human, _ := x402.ToHuman(r.Budget.String())
					fmt.Fprintf(&b, "Rule %d: %s USDC per %ds window", i+1, human, r.TimeWindow)
					if len(r.TargetProviders) > 0 {
						providers := make([]string, len(r.TargetProviders))
						for j, p := range r.TargetProviders {
							providers[j] = p.Hex()
						}
						fmt.Fprintf(&b, " (providers: %s)", strings.Join(providers, ", "))
					}
					b.WriteString("\n")
				}
				return b.String(), "", "", nil
			},
		},
		{
			name:        "get_vault_balance",
			description: "Get the vault's USDC balance and whether the vault contract is deployed.",
			parameters:  noParams(),
			run: func(ctx context.Context, ts *Toolset, _ map[string]interface{}) (string, string, string, []string) {
				info, err := ts.wallet.VaultInfo(ctx, ts.owner)
				if err != nil {
					return fmt.Sprintf("Balance not available: %v", err), "", "", nil
				}
				human, _ := x402.ToHuman(info.Balance.String())
				state := "deployed"
				if !info.Deployed {
					state = "not deployed (counterfactual address)"
				}
				return fmt.Sprintf("Vault %s holds %s USDC, %s", info.VaultAddress.Hex(), human, state), "", "", nil
			},
		},
		{
			name:        "pay_for_service",
			description: "Access a paid service through the 402 payment protocol: request, pay the challenge, and return the delivered content.",
			parameters: params(map[string]interface{}{
				"service": prop("string", "Service identifier, e.g. premium-research, security-audit, market-data"),
			}, "service"),
			run: func(ctx context.Context, ts *Toolset, args map[string]interface{}) (string, string, string, []string) {
				service, _ := args["service"].(string)
				out := ts.resolver.Resolve(ctx, ts.agentID, service)
				var b strings.Builder
				for _, step := range out.Trace {
					b.WriteString(step)
					b.WriteString("\n")
				}
				if !out.Delivered {
					fmt.Fprintf(&b, "Access failed (%s)", out.Reason)
					return b.String(), "", "", out.Trace
				}
				if out.Paid {
					fmt.Fprintf(&b, "Paid %s USDC for %s.\n", out.AmountHuman, out.Service)
				}
				fmt.Fprintf(&b, "Content: %s", string(out.Content))
				return b.String(), out.Settlement.TxHash, explorerURL(out.Settlement.TxHash), out.Trace
			},
		},
		{
			name:        "get_swap_quote",
			description: "Get an indicative quote for swapping between supported tokens (USDC, ETH, BTC, KITE).",
			parameters: params(map[string]interface{}{
				"from_token": prop("string", "Token to sell"),
				"to_token":   prop("string", "Token to buy"),
				"amount":     prop("string", "Amount of from_token to sell"),
			}, "from_token", "to_token", "amount"),
			run: func(_ context.Context, _ *Toolset, args map[string]interface{}) (string, string, string, []string) {
				from, _ := args["from_token"].(string)
				to, _ := args["to_token"].(string)
				amount, _ := args["amount"].(string)
				quote, err := swapQuote(from, to, amount)
				if err != nil {
					return fmt.Sprintf("No quote: %v", err), "", "", nil
				}
				return fmt.Sprintf("Quote: %s %s -> %s %s (indicative, 0.3%% fee included)", amount, strings.ToUpper(from), quote, strings.ToUpper(to)), "", "", nil
			},
		},
		{
			name:        "execute_swap",
			description: "Execute a token swap by paying USDC from the vault to the swap router. Only USDC-denominated sells are supported.",
			parameters: params(map[string]interface{}{
				"to_token": prop("string", "Token to buy"),
				"amount":   prop("string", "USDC amount to sell, e.g. \"10.00\""),
			}, "to_token", "amount"),
			run: func(ctx context.Context, ts *Toolset, args map[string]interface{}) (string, string, string, []string) {
				to, _ := args["to_token"].(string)
				amountHuman, _ := args["amount"].(string)
				quote, err := swapQuote("USDC", to, amountHuman)
				if err != nil {
					return fmt.Sprintf("Swap not executed: %v", err), "", "", nil
				}
				rawStr, err := x402.ToRaw(amountHuman)
				if err != nil {
					return fmt.Sprintf("Swap not executed: invalid amount %q", amountHuman), "", "", nil
				}
				raw, _ := x402.ParseRaw(rawStr)
				res, err := ts.wallet.ApprovePayment(ctx, ts.owner, swapRouter, raw, ts.sign)
				if err != nil {
					return fmt.Sprintf("Swap failed: %v. Check the vault balance and try again.", err), "", "", nil
				}
				return fmt.Sprintf("Swapped %s USDC for %s %s (ref %s)", amountHuman, quote, strings.ToUpper(to), res.Settlement.Ref()),
					res.Settlement.TxHash, explorerURL(res.Settlement.TxHash), nil
			},
		},
	}
}

// Definitions renders the toolset for the model.
func (ts *Toolset) Definitions() []llms.Tool {
	defs := make([]llms.Tool, 0, len(toolSpecs))
	for _, s := range toolSpecs {
		defs = append(defs, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        s.name,
				Description: s.description,
				Parameters:  s.parameters,
			},
		})
	}
	return defs
}

// Execute dispatches one requested tool call. It never returns an
// error; every failure becomes a normal result the model can read.
func (ts *Toolset) Execute(ctx context.Context, name, rawArgs string) (string, types.ActionLog) {
	action := types.ActionLog{
		Tool:      name,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	var args map[string]interface{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			msg := fmt.Sprintf("Tool %s received malformed arguments: %v", name, err)
			action.Result = msg
			return msg, action
		}
	}
	action.Args = args
	for _, s := range toolSpecs {
		if s.name != name {
			continue
		}
		result, txHash, explorer, trace := func() (result, tx, exp string, trace []string) {
			defer func() {
				if r := recover(); r != nil {
					result = fmt.Sprintf("Tool %s failed internally: %v", name, r)
					ts.log.Errorf("tool panic in %s: %v", name, r)
				}
			}()
			return s.run(ctx, ts, args)
		}()
		action.Result = result
		action.TxHash = txHash
		action.ExplorerURL = explorer
		action.Trace = trace
		ts.log.Debugf("tool %s executed", name)
		return result, action
	}
	msg := fmt.Sprintf("Unknown tool %q", name)
	action.Result = msg
	return msg, action
}

// Indicative mid rates, USDC per unit.
var swapRates = map[string]float64{
	"ETH":  3412.18,
	"BTC":  109244.50,
	"KITE": 0.87,
	"USDC": 1,
}

func swapQuote(from, to, amount string) (string, error) {
	fromRate, ok := swapRates[strings.ToUpper(strings.TrimSpace(from))]
	if !ok {
		return "", fmt.Errorf("unsupported token %q", from)
	}
	toRate, ok := swapRates[strings.ToUpper(strings.TrimSpace(to))]
	if !ok {
		return "", fmt.Errorf("unsupported token %q", to)
	}
	var qty float64
	if _, err := fmt.Sscanf(strings.TrimSpace(amount), "%f", &qty); err != nil || qty <= 0 {
		return "", fmt.Errorf("invalid amount %q", amount)
	}
	out := qty * fromRate / toRate * 0.997
	return fmt.Sprintf("%.6f", out), nil
}

func explorerURL(txHash string) string {
	if txHash == "" {
		return ""
	}
	return ExplorerBase + "/tx/" + txHash
}

func noParams() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func params(props map[string]interface{}, required ...string) map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func prop(typ, desc string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": desc}
}
