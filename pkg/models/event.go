package models

type EventKind string

const (
	TaskStartedEvent        EventKind = "task_started"
	TaskTokenEvent          EventKind = "task_token"
	TaskCompletedEvent      EventKind = "task_completed"
	TaskFailedEvent         EventKind = "task_failed"
	BillingRequiredEvent    EventKind = "billing_required"
	WalletUpdatedEvent      EventKind = "wallet_updated"
	SynthesisStartedEvent   EventKind = "synthesis_started"
	SynthesisTokenEvent     EventKind = "synthesis_token"
	SynthesisCompletedEvent EventKind = "synthesis_completed"
	RunSummaryEvent         EventKind = "run_summary"
	RunDoneEvent            EventKind = "done" // Terminal sentinel, always last
)

// Event is a transient, ordered notification pushed by the engine onto a
// run's event channel. Events for one subtask arrive in lifecycle order;
// no ordering holds between independent subtasks.
type Event struct {
	Kind EventKind `json:"event"`
	Data any       `json:"data,omitempty"`
}

type TaskStartedData struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	Model string `json:"model"`
}

type TaskTokenData struct {
	ID    int    `json:"id"`
	Token string `json:"token"`
}

type TaskCompletedData struct {
	ID       int     `json:"id"`
	Title    string  `json:"title"`
	Model    string  `json:"model"`
	Output   string  `json:"output"`
	Duration float64 `json:"duration"` // seconds
	Usage    Usage   `json:"usage"`
}

type TaskFailedData struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	Error string `json:"error"`
}

type BillingRequiredData struct {
	UserID         string `json:"user_id"`
	SubtaskID      int    `json:"subtask_id"`
	RequiredMicros int64  `json:"required_micros"`
	BalanceMicros  int64  `json:"balance_micros"`
}

type WalletUpdatedData struct {
	UserID        string `json:"user_id"`
	BalanceMicros int64  `json:"balance_micros"`
}

type SynthesisTokenData struct {
	Token string `json:"token"`
}

type SynthesisCompletedData struct {
	Output string `json:"output"`
}

// RunSummaryData aggregates run-level metrics: token and cost totals,
// emissions with a single-large-model baseline, and wall-clock vs
// sequential timing for the agent phase.
type RunSummaryData struct {
	TotalTokens        int     `json:"total_tokens"`
	TotalCostMicros    int64   `json:"total_cost_micros"`
	PipelineGCO2       float64 `json:"pipeline_gco2"`
	AgentGCO2          float64 `json:"agent_gco2"`
	BaselineGCO2       float64 `json:"baseline_gco2"`
	SavingsPct         float64 `json:"savings_pct"`
	TimeSavingsPct     float64 `json:"time_savings_pct"`
	PipelineTimeS      float64 `json:"pipeline_time_s"`
	SequentialTimeS    float64 `json:"sequential_time_s"`
	CarbonIntensity    float64 `json:"carbon_intensity"` // gCO2/kWh
	Zone               string  `json:"zone"`
	BaselineCostMicros int64   `json:"baseline_cost_micros"`
}
