// Package decompose получает от внешнего генератора список подзадач для задачи.
package decompose

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Типы подзадач исследовательского процесса.
const (
	TypeDiscovery  = "discovery"
	TypeExtraction = "extraction"
	TypeMapping    = "mapping"
	TypeAssembly   = "assembly"
	TypeNarrative  = "narrative"
)

type Request struct {
	Title       string
	Description string
	Context     string
}

// Proposal - одна подзадача в ответе генератора. Бюджет задаётся процентом от всей задачи.
type Proposal struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Type               string   `json:"type"`
	BudgetPercent      int      `json:"budget_percent"`
	EstimatedHours     float64  `json:"estimated_hours"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
}

type Generator interface {
	Decompose(ctx context.Context, req Request) ([]Proposal, error)
}

const proposalsSchema = `{
  "type": "array",
  "minItems": 1,
  "maxItems": 20,
  "items": {
    "type": "object",
    "required": ["title", "budget_percent"],
    "properties": {
      "title": {"type": "string", "minLength": 1},
      "description": {"type": "string"},
      "type": {"enum": ["discovery", "extraction", "mapping", "assembly", "narrative", ""]},
      "budget_percent": {"type": "integer", "minimum": 1, "maximum": 100},
      "estimated_hours": {"type": "number", "minimum": 0},
      "acceptance_criteria": {"type": "array", "items": {"type": "string"}}
    }
  }
}`

var schema = jsonschema.MustCompileString("decompose/proposals.json", proposalsSchema)

// Parse проверяет ответ генератора по схеме и декодирует его.
func Parse(raw []byte) ([]Proposal, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decompose: невалидный JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("decompose: ответ не соответствует схеме: %v", err)
	}
	var out []Proposal
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decompose: %w", err)
	}
	return out, nil
}
