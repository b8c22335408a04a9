package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/artemishq/artemis/kanban"
)

// BudgetExceededError aborts a run immediately; the supervisor never
// retries past it because retrying spends more of what is already gone.
type BudgetExceededError struct {
	Window string // "daily" or "monthly"
	Limit  float64
	Spent  float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s budget exceeded: spent %.2f of %.2f", e.Window, e.Spent, e.Limit)
}

// BudgetTracker enforces daily and monthly spend caps. A zero limit
// disables that window.
type BudgetTracker struct {
	dailyLimit   float64
	monthlyLimit float64
	metrics      *Metrics

	mu         sync.Mutex
	day        string
	month      string
	daySpent   float64
	monthSpent float64
	totalSpent float64
	now        func() time.Time
}

// NewBudgetTracker builds a tracker with the given caps in dollars.
func NewBudgetTracker(dailyLimit, monthlyLimit float64, metrics *Metrics) *BudgetTracker {
	return &BudgetTracker{
		dailyLimit:   dailyLimit,
		monthlyLimit: monthlyLimit,
		metrics:      metrics,
		now:          time.Now,
	}
}

// Charge records spend and returns BudgetExceededError when a cap is
// crossed. The charge is still recorded; the caller must stop spending.
func (t *BudgetTracker) Charge(dollars float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollWindowsLocked()

	t.daySpent += dollars
	t.monthSpent += dollars
	t.totalSpent += dollars
	if t.metrics != nil {
		t.metrics.SetBudgetSpent(t.totalSpent)
	}

	if t.dailyLimit > 0 && t.daySpent > t.dailyLimit {
		return &BudgetExceededError{Window: "daily", Limit: t.dailyLimit, Spent: t.daySpent}
	}
	if t.monthlyLimit > 0 && t.monthSpent > t.monthlyLimit {
		return &BudgetExceededError{Window: "monthly", Limit: t.monthlyLimit, Spent: t.monthSpent}
	}
	return nil
}

// Reserve admits a charge only when it stays under both caps. A refusal
// records nothing, so callers can decline the spend before it happens.
func (t *BudgetTracker) Reserve(dollars float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollWindowsLocked()

	if t.dailyLimit > 0 && t.daySpent+dollars > t.dailyLimit {
		return &BudgetExceededError{Window: "daily", Limit: t.dailyLimit, Spent: t.daySpent + dollars}
	}
	if t.monthlyLimit > 0 && t.monthSpent+dollars > t.monthlyLimit {
		return &BudgetExceededError{Window: "monthly", Limit: t.monthlyLimit, Spent: t.monthSpent + dollars}
	}

	t.daySpent += dollars
	t.monthSpent += dollars
	t.totalSpent += dollars
	if t.metrics != nil {
		t.metrics.SetBudgetSpent(t.totalSpent)
	}
	return nil
}

// Spent returns the current daily and monthly spend.
func (t *BudgetTracker) Spent() (daily, monthly float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollWindowsLocked()
	return t.daySpent, t.monthSpent
}

// rollWindowsLocked resets counters when the calendar window changes.
// Callers must hold t.mu.
func (t *BudgetTracker) rollWindowsLocked() {
	now := t.now().UTC()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")
	if day != t.day {
		t.day = day
		t.daySpent = 0
	}
	if month != t.month {
		t.month = month
		t.monthSpent = 0
	}
}

// TokenPrice is dollars per million input and output tokens for one
// provider/model pair.
type TokenPrice struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// DefaultPricing lists the models the developer pool can be pointed at,
// keyed provider/model. The "default" entry prices models not in the table.
func DefaultPricing() map[string]TokenPrice {
	return map[string]TokenPrice{
		"anthropic/claude-sonnet-4": {InputPerMTok: 3, OutputPerMTok: 15},
		"anthropic/claude-haiku-3":  {InputPerMTok: 0.25, OutputPerMTok: 1.25},
		"openai/gpt-4o":             {InputPerMTok: 2.5, OutputPerMTok: 10},
		"openai/gpt-4o-mini":        {InputPerMTok: 0.15, OutputPerMTok: 0.6},
		"default":                   {InputPerMTok: 3, OutputPerMTok: 15},
	}
}

// EstimateCost prices one model invocation. Unknown models fall back to the
// "default" entry; a table without one costs nothing.
func EstimateCost(pricing map[string]TokenPrice, model string, inputTokens, outputTokens int) float64 {
	price, ok := pricing[model]
	if !ok {
		if price, ok = pricing["default"]; !ok {
			return 0
		}
	}
	return price.InputPerMTok*float64(inputTokens)/1e6 +
		price.OutputPerMTok*float64(outputTokens)/1e6
}

// Rough prompt sizing: four characters per token, plus a fixed system
// prompt and tool schema.
const (
	promptOverheadTokens = 1200
	charsPerToken        = 4
)

// estimateAttemptTokens sizes one invocation from the card text, with
// output scaled by how much the stage writes.
func estimateAttemptTokens(stageName string, card *kanban.Card) (input, output int) {
	chars := len(card.Title) + len(card.Description)
	for _, c := range card.AcceptanceCriteria {
		chars += len(c)
	}
	input = promptOverheadTokens + chars/charsPerToken
	switch stageName {
	case "development":
		output = 6000
	case "code_review":
		output = 2500
	default:
		output = 1200
	}
	return input, output
}
