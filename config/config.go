// Package config loads process configuration: environment variables
// (with .env support) for secrets and endpoints, plus a YAML registry
// for demo agent identities.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvConfig holds everything read from the environment.
type EnvConfig struct {
	// Server
	Port     int
	LogLevel string

	// LLM
	LLMProvider string
	LLMModel    string
	LLMBaseURL  string

	// Payment stack
	FacilitatorURL  string
	PassportURL     string
	ResourceURL     string
	ExplorerBaseURL string

	// Vault contracts
	FactoryAddress         string
	ImplementationAddress  string
	SettlementTokenAddress string

	// Dev-mode signing key. Production deployments inject signing
	// through the passport instead.
	DevPrivateKey string

	// Registered demo owners for the static registry.
	RegisteredOwners string

	TemplatesPath string
	AgentsPath    string
}

// LoadEnv reads the environment, loading .env first when present.
func LoadEnv() *EnvConfig {
	_ = godotenv.Load()

	return &EnvConfig{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		LLMProvider: getEnv("LLM_PROVIDER", "openai"),
		LLMModel:    getEnv("LLM_MODEL", ""),
		LLMBaseURL:  getEnv("LLM_BASE_URL", ""),

		FacilitatorURL:  getEnv("FACILITATOR_URL", ""),
		PassportURL:     getEnv("PASSPORT_URL", ""),
		ResourceURL:     getEnv("RESOURCE_URL", ""),
		ExplorerBaseURL: getEnv("EXPLORER_BASE_URL", "https://testnet.kitescan.ai"),

		FactoryAddress:         getEnv("VAULT_FACTORY_ADDRESS", "0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		ImplementationAddress:  getEnv("VAULT_IMPLEMENTATION_ADDRESS", "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"),
		SettlementTokenAddress: getEnv("SETTLEMENT_TOKEN_ADDRESS", "0x0fF5393387ad2f9f691FD6Fd28e07E3969e27e63"),

		DevPrivateKey:    getEnv("DEV_PRIVATE_KEY", ""),
		RegisteredOwners: getEnv("REGISTERED_OWNERS", ""),

		TemplatesPath: getEnv("AGENT_TEMPLATES_PATH", "configs/agent_templates.yaml"),
		AgentsPath:    getEnv("AGENTS_CONFIG_PATH", "configs/agents.yaml"),
	}
}

// AgentEntry is one pre-provisioned demo agent.
type AgentEntry struct {
	ClientID string `yaml:"client_id"`
	Name     string `yaml:"name"`
	Template string `yaml:"template"`
	Owner    string `yaml:"owner"`
}

// Registry is the YAML demo-agent registry.
type Registry struct {
	Agents []AgentEntry `yaml:"agents"`
}

// LoadRegistry reads a YAML agent registry, expanding ${VAR}
// references against the environment.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent registry: %w", err)
	}
	expanded := os.Expand(string(data), os.Getenv)
	var reg Registry
	if err := yaml.Unmarshal([]byte(expanded), &reg); err != nil {
		return nil, fmt.Errorf("parsing agent registry: %w", err)
	}
	return &reg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err == nil {
			return n
		}
	}
	return defaultValue
}
