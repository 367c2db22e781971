// Package pricing maps models to USD-per-1M-token rates and converts
// measured usage into integer micro-dollar costs.
package pricing

import (
	"encoding/json"
	"math"
	"os"

	"github.com/pkg/errors"
)

// ModelRate holds USD per one million tokens, split by direction.
type ModelRate struct {
	InputPerMTok  float64 `json:"input"`
	OutputPerMTok float64 `json:"output"`
}

// Table resolves per-model rates. Unknown models cost zero, matching the
// behavior for locally hosted models with no metered price.
type Table struct {
	rates map[string]ModelRate
}

func NewTable(rates map[string]ModelRate) *Table {
	if rates == nil {
		rates = map[string]ModelRate{}
	}
	return &Table{rates: rates}
}

type specFile struct {
	Models []struct {
		Model   string     `json:"model"`
		Pricing *ModelRate `json:"pricing_per_1m_tokens"`
	} `json:"models"`
}

// Load reads a model specialization JSON file and extracts the pricing
// block of each model entry.
func Load(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read pricing file %s", path)
	}
	var spec specFile
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, errors.Wrapf(err, "parse pricing file %s", path)
	}
	rates := make(map[string]ModelRate, len(spec.Models))
	for _, m := range spec.Models {
		if m.Model == "" {
			continue
		}
		if m.Pricing != nil {
			rates[m.Model] = *m.Pricing
		}
	}
	return NewTable(rates), nil
}

// Rate returns the pricing for a model, defaulting to zero rates.
func (t *Table) Rate(model string) ModelRate {
	return t.rates[model]
}

// CostMicros computes the charge for one call in micro-dollars, rounded
// half up so many small debits cannot drift against the ledger.
func (t *Table) CostMicros(model string, inputTokens, outputTokens int) int64 {
	r := t.rates[model]
	inUSD := float64(inputTokens) / 1_000_000 * r.InputPerMTok
	outUSD := float64(outputTokens) / 1_000_000 * r.OutputPerMTok
	return int64(math.Floor((inUSD+outUSD)*1_000_000 + 0.5))
}
