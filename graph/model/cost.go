package model

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Pricing defines input and output token costs in USD per 1M tokens.
type Pricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Static pricing for the models the adapters default to. Prices change; use
// CostTracker.SetPricing to override.
var defaultPricing = map[string]Pricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":                {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo":              {InputPer1M: 0.50, OutputPer1M: 1.50},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-5-haiku-20241022":  {InputPer1M: 0.80, OutputPer1M: 4.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
	"gemini-2.5-flash":           {InputPer1M: 0.30, OutputPer1M: 2.50},
}

// DefaultPricing returns a copy of the built-in pricing table.
func DefaultPricing() map[string]Pricing {
	out := make(map[string]Pricing, len(defaultPricing))
	for k, v := range defaultPricing {
		out[k] = v
	}
	return out
}

// Cost returns the USD cost of usage under p.
func (p Pricing) Cost(u Usage) float64 {
	return float64(u.InputTokens)/1_000_000.0*p.InputPer1M +
		float64(u.OutputTokens)/1_000_000.0*p.OutputPer1M
}

// Call records one model invocation.
type Call struct {
	Model     string
	BlockID   string
	Usage     Usage
	CostUSD   float64
	Timestamp time.Time
}

// CostTracker accumulates token usage and cost across the model calls of a
// run. Agent blocks record every call; unknown models are recorded at zero
// cost.
//
// Example:
//
//	tracker := model.NewCostTracker()
//	tracker.Record("gpt-4o", "agent1", model.Usage{InputTokens: 1000, OutputTokens: 500})
//	fmt.Printf("$%.4f\n", tracker.Total())
type CostTracker struct {
	mu      sync.RWMutex
	pricing map[string]Pricing
	calls   []Call
	total   float64
	byModel map[string]float64
	usage   Usage
}

// NewCostTracker creates a tracker with the default pricing table.
func NewCostTracker() *CostTracker {
	return &CostTracker{
		pricing: DefaultPricing(),
		byModel: make(map[string]float64),
	}
}

// Record adds a call and returns its cost.
func (ct *CostTracker) Record(modelName, blockID string, u Usage) float64 {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	cost := ct.pricing[modelName].Cost(u)
	ct.calls = append(ct.calls, Call{
		Model:     modelName,
		BlockID:   blockID,
		Usage:     u,
		CostUSD:   cost,
		Timestamp: time.Now(),
	})
	ct.total += cost
	ct.byModel[modelName] += cost
	ct.usage.InputTokens += u.InputTokens
	ct.usage.OutputTokens += u.OutputTokens
	return cost
}

// Estimate returns the cost usage would have without recording it.
func (ct *CostTracker) Estimate(modelName string, u Usage) float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.pricing[modelName].Cost(u)
}

// SetPricing overrides the pricing of one model.
func (ct *CostTracker) SetPricing(modelName string, p Pricing) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.pricing[modelName] = p
}

// Total returns the cumulative cost in USD.
func (ct *CostTracker) Total() float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.total
}

// ByModel returns the cumulative cost per model.
func (ct *CostTracker) ByModel() map[string]float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	out := make(map[string]float64, len(ct.byModel))
	for k, v := range ct.byModel {
		out[k] = v
	}
	return out
}

// Calls returns the recorded calls in order.
func (ct *CostTracker) Calls() []Call {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return append([]Call(nil), ct.calls...)
}

// Usage returns the cumulative token usage.
func (ct *CostTracker) Usage() Usage {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.usage
}

// Reset clears recorded calls and totals. Pricing overrides are kept.
func (ct *CostTracker) Reset() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.calls = nil
	ct.total = 0
	ct.byModel = make(map[string]float64)
	ct.usage = Usage{}
}

// String summarizes the tracker, most expensive model first.
func (ct *CostTracker) String() string {
	byModel := ct.ByModel()
	models := make([]string, 0, len(byModel))
	for m := range byModel {
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool {
		if byModel[models[i]] != byModel[models[j]] {
			return byModel[models[i]] > byModel[models[j]]
		}
		return models[i] < models[j]
	})

	u := ct.Usage()
	s := fmt.Sprintf("cost $%.6f (%d calls, %d in / %d out tokens)", ct.Total(), len(ct.Calls()), u.InputTokens, u.OutputTokens)
	for _, m := range models {
		s += fmt.Sprintf("\n  %s: $%.6f", m, byModel[m])
	}
	return s
}
