package passport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/perkkite/agent-commerce/vault"
)

// fakePassport serves the passport tool surface in-process.
func fakePassport(t *testing.T, confirm bool) *httptest.Server {
	t.Helper()
	srv := server.NewMCPServer("fake-passport", "0.0.1", server.WithToolCapabilities(false))

	srv.AddTool(
		mcp.NewTool(toolGetPayerAddr, mcp.WithDescription("payer address for the session agent")),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			payload, _ := json.Marshal(map[string]string{"address": "0x1111111111111111111111111111111111111111"})
			return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(string(payload))}}, nil
		},
	)
	srv.AddTool(
		mcp.NewTool(toolApprovePayment,
			mcp.WithDescription("execute a delegated payment"),
			mcp.WithString("agent_id", mcp.Required()),
			mcp.WithString("amount", mcp.Required()),
			mcp.WithString("recipient", mcp.Required()),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			if args["amount"] == "" || args["recipient"] == "" {
				return &mcp.CallToolResult{
					IsError: true,
					Content: []mcp.Content{mcp.NewTextContent("missing arguments")},
				}, nil
			}
			reply := map[string]string{"status": "pending"}
			if confirm {
				reply = map[string]string{"txHash": "0xbeef", "status": "confirmed"}
			}
			payload, _ := json.Marshal(reply)
			return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(string(payload))}}, nil
		},
	)

	handler := server.NewStreamableHTTPServer(srv, server.WithStateLess(true))
	return httptest.NewServer(handler)
}

func connect(t *testing.T, confirm bool) (*Client, func()) {
	t.Helper()
	srv := fakePassport(t, confirm)
	c := NewClient(srv.URL)
	if err := c.Connect(context.Background(), "agent-1", "token-1"); err != nil {
		srv.Close()
		t.Fatalf("connect: %v", err)
	}
	return c, func() {
		c.Close()
		srv.Close()
	}
}

func TestPayerAddress(t *testing.T) {
	c, done := connect(t, true)
	defer done()

	addr, err := c.PayerAddress(context.Background())
	if err != nil {
		t.Fatalf("PayerAddress: %v", err)
	}
	if addr != "0x1111111111111111111111111111111111111111" {
		t.Errorf("addr = %s", addr)
	}
}

func TestApprovePaymentConfirmed(t *testing.T) {
	c, done := connect(t, true)
	defer done()

	s, err := c.ApprovePayment(context.Background(), "agent-1", "5.00", "0x4Fabc9B9532069b4F5B9aD6Babcb42fB1D2C1bb6")
	if err != nil {
		t.Fatalf("ApprovePayment: %v", err)
	}
	if s.Status != vault.SettlementConfirmed || s.TxHash != "0xbeef" {
		t.Errorf("settlement = %+v", s)
	}
}

func TestApprovePaymentPending(t *testing.T) {
	c, done := connect(t, false)
	defer done()

	s, err := c.ApprovePayment(context.Background(), "agent-1", "5.00", "0x4Fabc9B9532069b4F5B9aD6Babcb42fB1D2C1bb6")
	if err != nil {
		t.Fatalf("ApprovePayment: %v", err)
	}
	if s.Status != vault.SettlementPending {
		t.Errorf("status = %s, want pending", s.Status)
	}
	if s.Ref() != "pending" {
		t.Errorf("ref = %s, want pending sentinel", s.Ref())
	}
}

func TestRegisteredSatisfiesRegistry(t *testing.T) {
	c, done := connect(t, true)
	defer done()

	// The passport client must be usable wherever a vault registry is.
	var reg vault.Registry = c
	ok, err := reg.Registered(context.Background(), common.HexToAddress("0x1111111111111111111111111111111111111111"))
	if err != nil {
		t.Fatalf("Registered: %v", err)
	}
	if !ok {
		t.Error("connected passport session must count as registered")
	}
}

func TestCallsBeforeConnect(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	if _, err := c.PayerAddress(context.Background()); err == nil {
		t.Fatal("call before Connect must fail")
	}
}
