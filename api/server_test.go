package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/perkkite/agent-commerce/agentloop"
	"github.com/perkkite/agent-commerce/team"
	"github.com/perkkite/agent-commerce/types"
	"github.com/perkkite/agent-commerce/vault"
	"github.com/perkkite/agent-commerce/websocket"
)

const (
	testOwner   = "0x1111111111111111111111111111111111111111"
	testPrivKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
)

type echoRunner struct {
	prompt string
}

func (r *echoRunner) Run(_ context.Context, systemPrompt string, _ []types.ChatMessage, userMessage string) (agentloop.Result, error) {
	r.prompt = systemPrompt
	return agentloop.Result{
		Reply: "echo: " + userMessage,
		Actions: []types.ActionLog{
			{Tool: "get_balance", Result: "0 USDT"},
			{
				Tool:   "pay_for_service",
				Result: "delivered",
				Trace:  []string{"Requested premium-research -> HTTP 402", "Service delivered"},
			},
		},
	}, nil
}

func testServer(t *testing.T) (*Server, *echoRunner) {
	t.Helper()
	sign, err := vault.NewLocalSigner(testPrivKey)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	wallet := vault.NewClient(vault.Config{}, vault.NewStaticRegistry(testOwner), vault.NewSimBackend())
	runner := &echoRunner{}
	factory := func(types.AgentInfo, int) (team.Runner, error) { return runner, nil }
	templates := team.BuiltinTemplates()
	hub := websocket.NewHub()
	go hub.Run()
	srv := NewServer(Options{
		Hub: hub,
		Loops:       factory,
		Coordinator: team.NewCoordinator(nil, factory, templates),
		Templates:   templates,
		Wallet:      wallet,
		Sign:        sign,
		Agents: []types.AgentInfo{
			{ClientID: "agent-1", Name: "Ana", Template: "research-analyst", AccessToken: "secret"},
		},
		Owners: map[string]string{"agent-1": testOwner},
	})
	return srv, runner
}

func post(t *testing.T, s *Server, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw)))
	return rec
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestChatRunsLoop(t *testing.T) {
	s, runner := testServer(t)
	rec := post(t, s, "/api/chat", types.ChatRequest{
		AgentID: "agent-1",
		Messages: []types.ChatMessage{
			{Role: "user", Content: "check my balance"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var res types.ChatResponse
	decode(t, rec, &res)
	if res.Reply != "echo: check my balance" {
		t.Errorf("reply = %q", res.Reply)
	}
	if len(res.Actions) != 2 || res.Actions[0].Tool != "get_balance" {
		t.Errorf("actions = %+v", res.Actions)
	}
	if runner.prompt == "" {
		t.Error("expected template system prompt to reach the loop")
	}
}

func TestChatValidation(t *testing.T) {
	s, _ := testServer(t)
	rec := post(t, s, "/api/chat", types.ChatRequest{
		Messages: []types.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing agentId: status = %d", rec.Code)
	}
	rec = post(t, s, "/api/chat", types.ChatRequest{AgentID: "agent-1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("no user message: status = %d", rec.Code)
	}
	var errRes types.ErrorResponse
	decode(t, rec, &errRes)
	if errRes.Error == "" {
		t.Error("expected error body")
	}
}

func TestTeamChatRequiresAgents(t *testing.T) {
	s, _ := testServer(t)
	rec := post(t, s, "/api/teams/chat", types.TeamChatRequest{
		Messages: []types.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestTeamAutoRequiresGoal(t *testing.T) {
	s, _ := testServer(t)
	rec := post(t, s, "/api/teams/auto", types.AutoRequest{
		Agents: []types.AgentInfo{{ClientID: "agent-1"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestVaultInfo(t *testing.T) {
	s, _ := testServer(t)

	rec := get(t, s, "/api/vault")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing owner: status = %d", rec.Code)
	}

	rec = get(t, s, "/api/vault?owner=0x2222222222222222222222222222222222222222")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unregistered owner: status = %d", rec.Code)
	}

	rec = get(t, s, fmt.Sprintf("/api/vault?owner=%s", testOwner))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var view vaultView
	decode(t, rec, &view)
	if view.Deployed {
		t.Error("fresh vault reported as deployed")
	}
	if len(view.VaultAddress) != 42 {
		t.Errorf("vaultAddress = %q", view.VaultAddress)
	}
	if view.BalanceHuman != "0.00" {
		t.Errorf("balanceHuman = %q", view.BalanceHuman)
	}
}

func TestVaultDeployIdempotent(t *testing.T) {
	s, _ := testServer(t)

	rec := post(t, s, "/api/vault", vaultAction{Action: "deploy", Owner: testOwner})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var first struct {
		VaultAddress    string `json:"vaultAddress"`
		TxHash          string `json:"txHash"`
		AlreadyDeployed bool   `json:"alreadyDeployed"`
	}
	decode(t, rec, &first)
	if first.AlreadyDeployed || first.TxHash == "" {
		t.Errorf("first deploy = %+v", first)
	}

	rec = post(t, s, "/api/vault", vaultAction{Action: "deploy", Owner: testOwner})
	var second struct {
		VaultAddress    string `json:"vaultAddress"`
		TxHash          string `json:"txHash"`
		AlreadyDeployed bool   `json:"alreadyDeployed"`
	}
	decode(t, rec, &second)
	if !second.AlreadyDeployed || second.TxHash != "" {
		t.Errorf("second deploy = %+v", second)
	}
	if second.VaultAddress != first.VaultAddress {
		t.Errorf("address changed across deploys: %s vs %s", first.VaultAddress, second.VaultAddress)
	}
}

func TestVaultSetRules(t *testing.T) {
	s, _ := testServer(t)
	rec := post(t, s, "/api/vault", vaultAction{
		Action: "set_rules",
		Owner:  testOwner,
		Rules: []ruleView{
			{TimeWindow: 86400, Budget: "100000000"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var res map[string]string
	decode(t, rec, &res)
	if res["txHash"] == "" {
		t.Error("expected a txHash")
	}

	rec = post(t, s, "/api/vault", vaultAction{
		Action: "set_rules",
		Owner:  testOwner,
		Rules:  []ruleView{{TimeWindow: 86400, Budget: "not-a-number"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad budget: status = %d", rec.Code)
	}
}

func TestAgentInfoHidesTokens(t *testing.T) {
	s, _ := testServer(t)
	rec := get(t, s, "/api/agent-info")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("secret")) {
		t.Error("access token leaked in agent-info")
	}
	var res struct {
		Agents []struct {
			ClientID string `json:"clientId"`
			Icon     string `json:"icon"`
			Owner    string `json:"owner"`
		} `json:"agents"`
	}
	decode(t, rec, &res)
	if len(res.Agents) != 1 || res.Agents[0].Owner != testOwner {
		t.Errorf("agents = %+v", res.Agents)
	}
	if res.Agents[0].Icon == "" {
		t.Error("expected template icon")
	}
}

func TestChatPublishesResolutionTrace(t *testing.T) {
	s, _ := testServer(t)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := gws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	// Give the subscription time to register before the chat runs.
	time.Sleep(50 * time.Millisecond)

	raw, _ := json.Marshal(types.ChatRequest{
		AgentID:  "agent-1",
		Messages: []types.ChatMessage{{Role: "user", Content: "buy the report"}},
	})
	resp, err := http.Post(srv.URL+"/api/chat", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	sawAction, sawTrace := false, false
	for !(sawAction && sawTrace) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read (action=%v trace=%v): %v", sawAction, sawTrace, err)
		}
		var ev websocket.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("unmarshal %q: %v", msg, err)
		}
		if ev.AgentID != "agent-1" {
			t.Errorf("event agent = %q", ev.AgentID)
		}
		switch ev.Type {
		case websocket.EventAction:
			sawAction = true
		case websocket.EventTrace:
			sawTrace = true
			payload, _ := json.Marshal(ev.Payload)
			if !strings.Contains(string(payload), "HTTP 402") {
				t.Errorf("trace payload = %s", payload)
			}
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _ := testServer(t)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/chat", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}
