// Package team coordinates a set of specialized agent loops: reactive
// routing of one message to the right members, and an autonomous
// round-based planning mode that decomposes a goal into shared tasks.
package team

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Template describes one agent specialty: how it presents in the UI
// and the system prompt its loop runs with.
type Template struct {
	ID           string `yaml:"id" json:"id"`
	Name         string `yaml:"name" json:"name"`
	Icon         string `yaml:"icon" json:"icon"`
	Specialty    string `yaml:"specialty" json:"specialty"`
	SystemPrompt string `yaml:"system_prompt" json:"systemPrompt"`
}

// TemplateSet resolves template ids, falling back to the default
// template for unknown ids.
type TemplateSet struct {
	templates map[string]Template
}

// builtin covers the stock specialties when no YAML registry is
// configured.
var builtin = []Template{
	{
		ID:        "defi-trader",
		Name:      "DeFi Trader",
		Icon:      "📈",
		Specialty: "token swaps, market data, yield and trading strategy",
		SystemPrompt: "You are a DeFi trading agent. You analyze markets, fetch live data, " +
			"and execute swaps and payments from your delegated vault. Be precise with amounts " +
			"and always report transaction references.",
	},
	{
		ID:        "nft-collector",
		Name:      "NFT Collector",
		Icon:      "🖼️",
		Specialty: "NFT valuation, collection research, purchases",
		SystemPrompt: "You are an NFT collector agent. You research collections, assess value, " +
			"and pay for premium data when it improves a decision.",
	},
	{
		ID:        "research-analyst",
		Name:      "Research Analyst",
		Icon:      "🔬",
		Specialty: "deep research, paid reports, market analysis",
		SystemPrompt: "You are a research analyst agent. You buy and digest premium research " +
			"through the payment protocol and summarize findings with sources.",
	},
	{
		ID:        "security-auditor",
		Name:      "Security Auditor",
		Icon:      "🛡️",
		Specialty: "smart contract audits, risk assessment",
		SystemPrompt: "You are a security auditor agent. You commission paid audits, review " +
			"findings by severity, and give a clear verdict.",
	},
	{
		ID:        "social-manager",
		Name:      "Social Manager",
		Icon:      "📣",
		Specialty: "community updates, announcements, sentiment",
		SystemPrompt: "You are a social manager agent. You turn the team's findings into clear " +
			"updates and track what the community needs to know.",
	},
	{
		ID:        "dao-delegate",
		Name:      "DAO Delegate",
		Icon:      "🗳️",
		Specialty: "governance, proposal analysis, treasury policy",
		SystemPrompt: "You are a DAO delegate agent. You analyze proposals, weigh treasury " +
			"impact, and recommend votes with reasoning.",
	},
	{
		ID:        "default",
		Name:      "Agent",
		Icon:      "🤖",
		Specialty: "general assistance with payments and research",
		SystemPrompt: "You are an autonomous agent with a delegated vault. You can check your " +
			"identity and balance, follow spending rules, and pay for services when needed.",
	},
}

// BuiltinTemplates returns the stock template set.
func BuiltinTemplates() *TemplateSet {
	return newSet(builtin)
}

// LoadTemplates reads a YAML template registry. Entries override
// builtins with the same id; builtins not mentioned stay available.
func LoadTemplates(path string) (*TemplateSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading template registry: %w", err)
	}
	var file struct {
		Templates []Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing template registry: %w", err)
	}
	set := newSet(builtin)
	for _, t := range file.Templates {
		if t.ID == "" {
			return nil, fmt.Errorf("template registry entry missing id")
		}
		set.templates[t.ID] = t
	}
	return set, nil
}

func newSet(templates []Template) *TemplateSet {
	m := make(map[string]Template, len(templates))
	for _, t := range templates {
		m[t.ID] = t
	}
	return &TemplateSet{templates: m}
}

// Lookup resolves a template id, falling back to "default".
func (s *TemplateSet) Lookup(id string) Template {
	if t, ok := s.templates[id]; ok {
		return t
	}
	return s.templates["default"]
}

// All lists every template.
func (s *TemplateSet) All() []Template {
	out := make([]Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	return out
}
