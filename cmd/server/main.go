// cmd/server is the single process serving the agent API, the team
// coordinator, the paid-resource endpoint, and the activity stream.
package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/perkkite/agent-commerce/agentloop"
	"github.com/perkkite/agent-commerce/api"
	"github.com/perkkite/agent-commerce/config"
	"github.com/perkkite/agent-commerce/facilitator"
	"github.com/perkkite/agent-commerce/llm"
	"github.com/perkkite/agent-commerce/logger"
	"github.com/perkkite/agent-commerce/passport"
	"github.com/perkkite/agent-commerce/resource"
	"github.com/perkkite/agent-commerce/team"
	"github.com/perkkite/agent-commerce/types"
	"github.com/perkkite/agent-commerce/vault"
	"github.com/perkkite/agent-commerce/websocket"
	"github.com/perkkite/agent-commerce/x402"
)

// devPrivateKey is the default signing key for local simulation. Real
// deployments set DEV_PRIVATE_KEY or route signing through a passport.
const devPrivateKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func main() {
	cfg := config.LoadEnv()
	logger.Configure(os.Stderr, cfg.LogLevel)
	log := logger.Component("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("fatal", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.EnvConfig, log *logger.Logger) error {
	model, err := llm.New(ctx, llm.Options{
		Provider: cfg.LLMProvider,
		APIKey:   apiKey(cfg.LLMProvider),
		Model:    cfg.LLMModel,
		BaseURL:  cfg.LLMBaseURL,
	})
	if err != nil {
		return fmt.Errorf("building llm client: %w", err)
	}

	templates, err := team.LoadTemplates(cfg.TemplatesPath)
	if err != nil {
		log.Warnf("agent templates: %v, using builtins", err)
		templates = team.BuiltinTemplates()
	}

	agents, owners, err := loadAgents(cfg)
	if err != nil {
		return err
	}

	key := cfg.DevPrivateKey
	if key == "" {
		key = devPrivateKey
	}
	sign, err := vault.NewLocalSigner(key)
	if err != nil {
		return fmt.Errorf("building signer: %w", err)
	}

	registered := make([]string, 0, len(owners))
	for _, owner := range owners {
		registered = append(registered, owner)
	}
	for _, owner := range strings.Split(cfg.RegisteredOwners, ",") {
		if owner = strings.TrimSpace(owner); owner != "" {
			registered = append(registered, owner)
		}
	}

	// A configured passport supplies both the identity registry and
	// payment approval; otherwise the static registry and the local
	// vault signer do.
	var registry vault.Registry = vault.NewStaticRegistry(registered...)
	var pass *passport.Client
	if cfg.PassportURL != "" {
		pass = passport.NewClient(cfg.PassportURL)
		agentID, token := "", ""
		if len(agents) > 0 {
			agentID, token = agents[0].ClientID, agents[0].AccessToken
		}
		if err := pass.Connect(ctx, agentID, token); err != nil {
			return fmt.Errorf("connecting to passport: %w", err)
		}
		defer pass.Close()
		registry = pass
	}

	wallet := vault.NewClient(vault.Config{
		Factory:         common.HexToAddress(cfg.FactoryAddress),
		Implementation:  common.HexToAddress(cfg.ImplementationAddress),
		SettlementToken: common.HexToAddress(cfg.SettlementTokenAddress),
	}, registry, vault.NewSimBackend())

	settler := facilitator.NewClient(cfg.FacilitatorURL, nil)
	catalog := resource.DefaultCatalog()
	resourceHandler := resource.NewHandler(catalog, settler)

	resourceURL := cfg.ResourceURL
	if resourceURL == "" {
		resourceURL = fmt.Sprintf("http://localhost:%d/api/x402", cfg.Port)
	}
	var approver x402.Approver = &vaultApprover{wallet: wallet, owners: owners, sign: sign}
	if pass != nil {
		approver = pass
	}
	engine := x402.NewEngine(resourceURL, nil, approver)

	factory := func(agent types.AgentInfo, maxIterations int) (team.Runner, error) {
		owner, ok := owners[agent.ClientID]
		if !ok {
			return nil, fmt.Errorf("no owner registered for agent %q", agent.ClientID)
		}
		tools := agentloop.NewToolset(agent.ClientID, owner, sign, wallet, engine)
		return agentloop.NewWithBound(model, tools, maxIterations), nil
	}
	coordinator := team.NewCoordinator(model, factory, templates)

	hub := websocket.NewHub()
	go hub.Run()

	mux := http.NewServeMux()
	api.NewServer(api.Options{
		Loops:       factory,
		Coordinator: coordinator,
		Templates:   templates,
		Wallet:      wallet,
		Sign:        sign,
		Agents:      agents,
		Owners:      owners,
		Resource:    resourceHandler,
		Hub:         hub,
	}).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// vaultApprover adapts the vault client to the resolution engine's
// approval surface.
type vaultApprover struct {
	wallet *vault.Client
	owners map[string]string
	sign   vault.SignFunc
}

func (a *vaultApprover) ApprovePayment(ctx context.Context, agentID, amountHuman, recipient string) (vault.Settlement, error) {
	owner, ok := a.owners[agentID]
	if !ok {
		return vault.Settlement{}, fmt.Errorf("no owner registered for agent %q", agentID)
	}
	raw, err := x402.ToRaw(amountHuman)
	if err != nil {
		return vault.Settlement{}, err
	}
	amount, _ := new(big.Int).SetString(raw, 10)
	res, err := a.wallet.ApprovePayment(ctx, owner, recipient, amount, a.sign)
	if err != nil {
		return vault.Settlement{}, err
	}
	return res.Settlement, nil
}

func loadAgents(cfg *config.EnvConfig) ([]types.AgentInfo, map[string]string, error) {
	reg, err := config.LoadRegistry(cfg.AgentsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading agent registry: %w", err)
	}
	agents := make([]types.AgentInfo, 0, len(reg.Agents))
	owners := make(map[string]string, len(reg.Agents))
	for _, entry := range reg.Agents {
		agents = append(agents, types.AgentInfo{
			ClientID: entry.ClientID,
			Name:     entry.Name,
			Template: entry.Template,
		})
		owners[entry.ClientID] = entry.Owner
	}
	return agents, owners, nil
}

func apiKey(provider string) string {
	if strings.HasPrefix(strings.ToLower(provider), "g") {
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
	return os.Getenv("OPENAI_API_KEY")
}
