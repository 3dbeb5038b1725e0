// Package passport is the MCP client for the hosted wallet service
// that holds agent identities and executes delegated payments. It is
// the remote counterpart of the local vault client; agent loops use
// whichever the deployment provides.
package passport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/perkkite/agent-commerce/logger"
	"github.com/perkkite/agent-commerce/resilience"
	"github.com/perkkite/agent-commerce/vault"
)

// Tool names exposed by the passport MCP server.
const (
	toolGetPayerAddr   = "get_payer_addr"
	toolApprovePayment = "approve_payment"
)

// ErrNotConnected is returned when a call is made before Connect.
var ErrNotConnected = errors.New("passport: not connected")

// Client is a session against one passport MCP endpoint. All calls are
// scoped to the agent whose access token was presented at connect
// time.
type Client struct {
	endpoint string
	mcp      *client.Client
	close    func() error
	breaker  *resilience.Breaker
	log      *logger.Logger
}

// NewClient builds an unconnected passport client.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		breaker:  resilience.NewBreaker(3, 15*time.Second),
		log:      logger.Component("passport"),
	}
}

// Connect opens the MCP session, authenticating with the agent's
// access token.
func (c *Client) Connect(ctx context.Context, agentID, accessToken string) error {
	headers := map[string]string{"X-Agent-Id": agentID}
	if accessToken != "" {
		headers["Authorization"] = "Bearer " + accessToken
	}
	trans, err := transport.NewStreamableHTTP(c.endpoint, transport.WithHTTPHeaders(headers))
	if err != nil {
		return fmt.Errorf("passport transport: %w", err)
	}
	if err := trans.Start(ctx); err != nil {
		return fmt.Errorf("passport transport start: %w", err)
	}
	mc := client.NewClient(trans)
	_, err = mc.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "agent-commerce", Version: "1.0.0"},
		},
	})
	if err != nil {
		trans.Close()
		return fmt.Errorf("passport initialize: %w", err)
	}
	c.mcp = mc
	c.close = trans.Close
	c.log.Infof("connected to passport at %s", c.endpoint)
	return nil
}

// Close tears down the MCP session.
func (c *Client) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

// PayerAddress returns the on-chain payer address the passport holds
// for the session's agent.
func (c *Client) PayerAddress(ctx context.Context) (string, error) {
	text, err := c.callText(ctx, toolGetPayerAddr, map[string]interface{}{})
	if err != nil {
		return "", err
	}
	var payload struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err == nil && payload.Address != "" {
		return payload.Address, nil
	}
	// Some deployments return the bare address.
	addr := strings.TrimSpace(text)
	if !strings.HasPrefix(addr, "0x") {
		return "", fmt.Errorf("passport returned no payer address: %q", text)
	}
	return addr, nil
}

// ApprovePayment asks the passport to execute a delegated payment.
// The result carries the settlement status, pending when the chain
// has not yet confirmed. Satisfies the resolution engine's approver
// contract.
func (c *Client) ApprovePayment(ctx context.Context, agentID, amountHuman, recipient string) (vault.Settlement, error) {
	text, err := c.callText(ctx, toolApprovePayment, map[string]interface{}{
		"agent_id":  agentID,
		"amount":    amountHuman,
		"recipient": recipient,
	})
	if err != nil {
		return vault.Settlement{}, err
	}
	var payload struct {
		TxHash string `json:"txHash"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return vault.Settlement{}, fmt.Errorf("passport approve response: %w", err)
	}
	if payload.TxHash == "" || payload.Status == "pending" {
		return vault.Settlement{Status: vault.SettlementPending, TxHash: payload.TxHash}, nil
	}
	return vault.Settlement{Status: vault.SettlementConfirmed, TxHash: payload.TxHash}, nil
}

// Registered implements the vault registry check through the passport:
// an agent is registered iff the passport can produce a payer address
// for it. The owner address is implied by the connected session.
func (c *Client) Registered(ctx context.Context, _ common.Address) (bool, error) {
	_, err := c.PayerAddress(ctx)
	if err != nil {
		if errors.Is(err, ErrNotConnected) || errors.Is(err, resilience.ErrOpen) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (c *Client) callText(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	if c.mcp == nil {
		return "", ErrNotConnected
	}
	var result *mcp.CallToolResult
	err := c.breaker.Do(func() error {
		var err error
		result, err = c.mcp.CallTool(ctx, mcp.CallToolRequest{
			Params: mcp.CallToolParams{Name: name, Arguments: args},
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("passport %s: %w", name, err)
	}
	text := firstText(result)
	if result.IsError {
		return "", fmt.Errorf("passport %s failed: %s", name, text)
	}
	return text, nil
}

func firstText(result *mcp.CallToolResult) string {
	for _, content := range result.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}
