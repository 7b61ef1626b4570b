package domain

import "time"

// Plan is a subscription tier used for quota lookups.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanPro     Plan = "pro"
	PlanPremium Plan = "premium"
)

// Unlimited is the quota sentinel that skips counting.
const Unlimited = -1

// OperationType names a kind of AI work.
type OperationType string

const (
	OpGenerate    OperationType = "GENERATE"
	OpTailor      OperationType = "TAILOR"
	OpAnalyze     OperationType = "ANALYZE"
	OpCoverLetter OperationType = "COVER_LETTER"
	OpPortfolio   OperationType = "PORTFOLIO"
)

// AllOperationTypes lists every operation type.
var AllOperationTypes = []OperationType{OpGenerate, OpTailor, OpAnalyze, OpCoverLetter, OpPortfolio}

// UsageRecord is one append-only ledger row.
type UsageRecord struct {
	ID            int64         `json:"id"             db:"id"`
	PrincipalID   string        `json:"principal_id"   db:"principal_id"`
	OperationType OperationType `json:"operation_type" db:"operation_type"`
	Model         string        `json:"model"          db:"model"`
	InputTokens   int64         `json:"input_tokens"   db:"input_tokens"`
	OutputTokens  int64         `json:"output_tokens"  db:"output_tokens"`
	CostUSD       float64       `json:"cost_usd"       db:"cost_usd"`
	Success       bool          `json:"success"        db:"success"`
	ErrorSummary  string        `json:"error_summary"  db:"error_summary"`
	Timestamp     time.Time     `json:"timestamp"      db:"created_at"`
}

// TotalTokens returns input plus output tokens.
func (r UsageRecord) TotalTokens() int64 {
	return r.InputTokens + r.OutputTokens
}

// TokenUsage is the token accounting reported by the provider.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Generation is the result of one provider call.
type Generation struct {
	Content string     `json:"content"`
	Model   string     `json:"model,omitempty"`
	Usage   TokenUsage `json:"usage"`
}
