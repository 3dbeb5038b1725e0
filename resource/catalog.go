// Package resource implements the paid-service side of the protocol: a
// catalog of priced services and the HTTP handler that challenges,
// verifies, and delivers.
package resource

import (
	"encoding/json"

	"github.com/perkkite/agent-commerce/x402"
)

// SettlementToken is the stablecoin every service in the catalog is
// priced in.
const SettlementToken = "0x0fF5393387ad2f9f691FD6Fd28e07E3969e27e63"

// Service is one purchasable offering.
type Service struct {
	ID          string
	Description string
	// Price in smallest token units.
	Price string
	PayTo string
	// Gasless marks offerings settled through the delegated-wallet
	// facilitator rather than by the payer directly.
	Gasless      bool
	MerchantName string
	Content      func() json.RawMessage
}

// Requirement renders the service as a challenge payment method.
func (s Service) Requirement() x402.PaymentRequirement {
	return x402.PaymentRequirement{
		Scheme:            x402.SchemeDelegated,
		Network:           x402.DefaultNetwork,
		MaxAmountRequired: s.Price,
		Resource:          s.ID,
		Description:       s.Description,
		PayTo:             s.PayTo,
		MaxTimeoutSeconds: 300,
		Asset:             SettlementToken,
		Extra: map[string]interface{}{
			"merchantName": s.MerchantName,
			"gasless":      s.Gasless,
		},
	}
}

// Catalog is an immutable service registry.
type Catalog struct {
	services map[string]Service
}

// NewCatalog indexes the given services by ID.
func NewCatalog(services ...Service) *Catalog {
	m := make(map[string]Service, len(services))
	for _, s := range services {
		m[s.ID] = s
	}
	return &Catalog{services: m}
}

// Lookup returns the service for id.
func (c *Catalog) Lookup(id string) (Service, bool) {
	s, ok := c.services[id]
	return s, ok
}

// DefaultCatalog returns the stock demo offerings.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Service{
			ID:           "premium-research",
			Description:  "Premium Research Report",
			Price:        "5000000",
			PayTo:        "0x4Fabc9B9532069b4F5B9aD6Babcb42fB1D2C1bb6",
			Gasless:      true,
			MerchantName: "Kite Research Labs",
			Content: func() json.RawMessage {
				return mustJSON(map[string]interface{}{
					"title": "Kite L1 Analysis",
					"summary": "Deep dive into the agent-native L1: consensus, " +
						"payment rails, and the identity stack.",
					"sections": []string{
						"Network architecture",
						"Stablecoin settlement throughput",
						"Agent identity and delegated wallets",
						"Competitive landscape",
					},
					"rating": "overweight",
				})
			},
		},
		Service{
			ID:           "security-audit",
			Description:  "Smart Contract Security Audit",
			Price:        "10000000",
			PayTo:        "0x91bB2a6D1F5Bf9cD6c3F19a0e8fCAB607e2cD1f4",
			Gasless:      true,
			MerchantName: "Kite Security",
			Content: func() json.RawMessage {
				return mustJSON(map[string]interface{}{
					"contract": "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
					"findings": []map[string]string{
						{"severity": "medium", "issue": "Unbounded loop in reward distribution"},
						{"severity": "low", "issue": "Missing zero-address check in setOwner"},
					},
					"verdict": "pass with recommendations",
				})
			},
		},
		Service{
			ID:           "market-data",
			Description:  "Real-Time Market Data Feed",
			Price:        "2000000",
			PayTo:        "0x7d3bD50336f64b7A82c5fF0E68e8E9f6F62814aD",
			Gasless:      true,
			MerchantName: "Kite Markets",
			Content: func() json.RawMessage {
				return mustJSON(map[string]interface{}{
					"pairs": map[string]string{
						"ETH/USDC": "3412.18",
						"BTC/USDC": "109244.50",
						"KITE/USDC": "0.87",
					},
					"asOf": "live",
				})
			},
		},
	)
}

func mustJSON(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
