package x402

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// challengeSchema is the contract a 402 body must satisfy before the
// engine will act on it. Anything that fails here is a malformed
// challenge, not a payable one.
const challengeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["x402Version", "accepts"],
  "properties": {
    "x402Version": {"type": "integer", "minimum": 1},
    "accepts": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["scheme", "network", "maxAmountRequired", "payTo", "asset"],
        "properties": {
          "scheme": {"type": "string", "minLength": 1},
          "network": {"type": "string", "minLength": 1},
          "maxAmountRequired": {"type": "string", "pattern": "^[0-9]+$"},
          "resource": {"type": "string"},
          "description": {"type": "string"},
          "payTo": {"type": "string", "minLength": 1},
          "maxTimeoutSeconds": {"type": "integer"},
          "asset": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

var compiledChallengeSchema = gojsonschema.NewStringLoader(challengeSchema)

// ParseChallenge validates and decodes a 402 body.
func ParseChallenge(body []byte) (PaymentChallenge, error) {
	var c PaymentChallenge
	result, err := gojsonschema.Validate(compiledChallengeSchema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return c, fmt.Errorf("challenge is not valid JSON: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return c, fmt.Errorf("challenge failed validation: %s", strings.Join(problems, "; "))
	}
	if err := json.Unmarshal(body, &c); err != nil {
		return c, fmt.Errorf("decoding challenge: %w", err)
	}
	return c, nil
}
