// Package api is the HTTP facade: chat, team coordination, vault
// management, the paid-resource endpoint, and the activity stream.
package api

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/perkkite/agent-commerce/agentloop"
	"github.com/perkkite/agent-commerce/logger"
	"github.com/perkkite/agent-commerce/team"
	"github.com/perkkite/agent-commerce/types"
	"github.com/perkkite/agent-commerce/vault"
	"github.com/perkkite/agent-commerce/websocket"
	"github.com/perkkite/agent-commerce/x402"
)

// Server wires the HTTP surface to the domain components.
type Server struct {
	loops       team.LoopFactory
	coordinator *team.Coordinator
	templates   *team.TemplateSet
	wallet      *vault.Client
	sign        vault.SignFunc
	agents      []types.AgentInfo
	owners      map[string]string
	resource    http.Handler
	hub         *websocket.Hub
	log         *logger.Logger
}

// Options collects the server's dependencies.
type Options struct {
	Loops       team.LoopFactory
	Coordinator *team.Coordinator
	Templates   *team.TemplateSet
	Wallet      *vault.Client
	Sign        vault.SignFunc
	// Agents is the pre-provisioned roster; Owners maps agent client
	// ids to their owner addresses.
	Agents   []types.AgentInfo
	Owners   map[string]string
	Resource http.Handler
	Hub      *websocket.Hub
}

// NewServer builds the HTTP facade.
func NewServer(opts Options) *Server {
	return &Server{
		loops:       opts.Loops,
		coordinator: opts.Coordinator,
		templates:   opts.Templates,
		wallet:      opts.Wallet,
		sign:        opts.Sign,
		agents:      opts.Agents,
		owners:      opts.Owners,
		resource:    opts.Resource,
		hub:         opts.Hub,
		log:         logger.Component("api"),
	}
}

// RegisterRoutes attaches all endpoints to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/chat", s.withCommon(s.handleChat))
	mux.HandleFunc("/api/teams/chat", s.withCommon(s.handleTeamChat))
	mux.HandleFunc("/api/teams/auto", s.withCommon(s.handleTeamAuto))
	mux.HandleFunc("/api/vault", s.withCommon(s.handleVault))
	mux.HandleFunc("/api/agent-info", s.withCommon(s.handleAgentInfo))
	if s.resource != nil {
		mux.Handle("/api/x402", s.resource)
	}
	if s.hub != nil {
		mux.Handle("/ws", s.hub)
	}
}

// withCommon applies CORS and request logging.
func (s *Server) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		start := time.Now()
		next(w, r)
		s.log.Debugf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only", "")
		return
	}
	var req types.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agentId is required", "")
		return
	}
	message, history := lastUserMessage(req.Messages)
	if message == "" {
		writeError(w, http.StatusBadRequest, "messages must contain a user message", "")
		return
	}

	agent := s.lookupAgent(req.AgentID)
	loop, err := s.loops(agent, agentloop.SingleTurnIterations)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown agent", err.Error())
		return
	}
	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = s.templates.Lookup(agent.Template).SystemPrompt
	}
	res, err := loop.Run(r.Context(), systemPrompt, history, message)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "agent turn failed", err.Error())
		return
	}
	s.publishActivity(req.AgentID, res.Actions)
	writeJSON(w, http.StatusOK, types.ChatResponse{Reply: res.Reply, Actions: res.Actions})
}

func (s *Server) handleTeamChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only", "")
		return
	}
	var req types.TeamChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	res, err := s.coordinator.Chat(r.Context(), req)
	if err != nil {
		if errors.Is(err, team.ErrNoAgents) || errors.Is(err, team.ErrNoMessage) {
			writeError(w, http.StatusBadRequest, err.Error(), "")
			return
		}
		writeError(w, http.StatusInternalServerError, "team round failed", err.Error())
		return
	}
	for _, reply := range res.Responses {
		s.publishActivity(reply.AgentID, reply.Actions)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTeamAuto(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only", "")
		return
	}
	var req types.AutoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	// One round per call; the client carries task state and the
	// iteration counter between calls.
	store := team.NewTaskStore()
	res, err := s.coordinator.RunRound(r.Context(), req, store)
	if err != nil {
		if errors.Is(err, team.ErrNoAgents) || errors.Is(err, team.ErrNoGoal) {
			writeError(w, http.StatusBadRequest, err.Error(), "")
			return
		}
		writeError(w, http.StatusInternalServerError, "autonomous round failed", err.Error())
		return
	}
	for _, reply := range res.Responses {
		s.publishActivity(reply.AgentID, reply.Actions)
	}
	if s.hub != nil {
		s.hub.Publish(websocket.EventRound, "", res.Summary)
	}
	writeJSON(w, http.StatusOK, res)
}

// vaultView is the wire shape of vault state.
type vaultView struct {
	VaultAddress string     `json:"vaultAddress"`
	Deployed     bool       `json:"deployed"`
	Balance      string     `json:"balance"`
	BalanceHuman string     `json:"balanceHuman"`
	Rules        []ruleView `json:"rules"`
}

type ruleView struct {
	TimeWindow             int64    `json:"timeWindow"`
	Budget                 string   `json:"budget"`
	InitialWindowStartTime int64    `json:"initialWindowStartTime"`
	TargetProviders        []string `json:"targetProviders,omitempty"`
}

type vaultAction struct {
	Action string     `json:"action"`
	Owner  string     `json:"owner"`
	Rules  []ruleView `json:"rules,omitempty"`
}

func (s *Server) handleVault(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleVaultInfo(w, r)
	case http.MethodPost:
		s.handleVaultAction(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or POST only", "")
	}
}

func (s *Server) handleVaultInfo(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter is required", "")
		return
	}
	info, err := s.wallet.VaultInfo(r.Context(), owner)
	if err != nil {
		writeVaultError(w, err)
		return
	}
	human, _ := x402.ToHuman(info.Balance.String())
	view := vaultView{
		VaultAddress: info.VaultAddress.Hex(),
		Deployed:     info.Deployed,
		Balance:      info.Balance.String(),
		BalanceHuman: human,
		Rules:        rulesToView(info.SpendingRules),
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleVaultAction(w http.ResponseWriter, r *http.Request) {
	var req vaultAction
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	if req.Owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required", "")
		return
	}
	switch req.Action {
	case "deploy":
		res, err := s.wallet.DeployVault(r.Context(), req.Owner, s.sign)
		if err != nil {
			writeVaultError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"vaultAddress":    res.VaultAddress.Hex(),
			"txHash":          res.TxHash,
			"alreadyDeployed": res.AlreadyDeployed,
		})
	case "set_rules":
		rules, err := rulesFromView(req.Rules)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid rules", err.Error())
			return
		}
		vaultAddr, err := s.wallet.ResolveVaultAddress(r.Context(), req.Owner)
		if err != nil {
			writeVaultError(w, err)
			return
		}
		txHash, err := s.wallet.SetSpendingRules(r.Context(), req.Owner, vaultAddr, rules, s.sign)
		if err != nil {
			writeVaultError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"txHash": txHash})
	default:
		writeError(w, http.StatusBadRequest, "action must be deploy or set_rules", "")
	}
}

func (s *Server) handleAgentInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only", "")
		return
	}
	type agentView struct {
		types.AgentInfo
		Icon      string `json:"icon"`
		Specialty string `json:"specialty"`
		Owner     string `json:"owner,omitempty"`
	}
	out := make([]agentView, 0, len(s.agents))
	for _, a := range s.agents {
		t := s.templates.Lookup(a.Template)
		a.AccessToken = ""
		out = append(out, agentView{
			AgentInfo: a,
			Icon:      t.Icon,
			Specialty: t.Specialty,
			Owner:     s.owners[a.ClientID],
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": out})
}

// publishActivity streams a turn's tool actions, plus the payment
// resolution trace of any action that carries one.
func (s *Server) publishActivity(agentID string, actions []types.ActionLog) {
	if s.hub == nil {
		return
	}
	s.hub.PublishActions(agentID, actions)
	for _, a := range actions {
		if len(a.Trace) > 0 {
			s.hub.PublishTrace(agentID, a.Trace)
		}
	}
}

func (s *Server) lookupAgent(agentID string) types.AgentInfo {
	for _, a := range s.agents {
		if a.ClientID == agentID {
			return a
		}
	}
	return types.AgentInfo{ClientID: agentID, Name: agentID, Template: "default"}
}

func lastUserMessage(messages []types.ChatMessage) (string, []types.ChatMessage) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content, messages[:i]
		}
	}
	return "", nil
}

func rulesToView(rules []vault.SpendingRule) []ruleView {
	out := make([]ruleView, 0, len(rules))
	for _, r := range rules {
		v := ruleView{
			TimeWindow:             r.TimeWindow,
			Budget:                 r.Budget.String(),
			InitialWindowStartTime: r.InitialWindowStartTime,
		}
		for _, p := range r.TargetProviders {
			v.TargetProviders = append(v.TargetProviders, p.Hex())
		}
		out = append(out, v)
	}
	return out
}

func rulesFromView(views []ruleView) ([]vault.SpendingRule, error) {
	out := make([]vault.SpendingRule, 0, len(views))
	for _, v := range views {
		budget, ok := new(big.Int).SetString(v.Budget, 10)
		if !ok {
			return nil, errors.New("budget must be a decimal integer string")
		}
		rule := vault.SpendingRule{
			TimeWindow:             v.TimeWindow,
			Budget:                 budget,
			InitialWindowStartTime: v.InitialWindowStartTime,
		}
		for _, p := range v.TargetProviders {
			if !common.IsHexAddress(p) {
				return nil, errors.New("target provider is not a hex address")
			}
			rule.TargetProviders = append(rule.TargetProviders, common.HexToAddress(p))
		}
		out = append(out, rule)
	}
	return out, nil
}

func writeVaultError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vault.ErrInvalidAddress), errors.Is(err, vault.ErrInvalidRule):
		writeError(w, http.StatusBadRequest, err.Error(), "")
	case errors.Is(err, vault.ErrNotRegistered):
		writeError(w, http.StatusNotFound, err.Error(), "")
	case errors.Is(err, vault.ErrNetworkUnavailable):
		writeError(w, http.StatusBadGateway, err.Error(), "")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, details string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Details: details})
}
