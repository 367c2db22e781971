package models

import "time"

type SubtaskStatus string

const (
	PendingSubtaskStatus   SubtaskStatus = "PENDING"
	RunningSubtaskStatus   SubtaskStatus = "RUNNING"
	FailedSubtaskStatus    SubtaskStatus = "FAILED"
	CompletedSubtaskStatus SubtaskStatus = "COMPLETED"
)

type Category string

const (
	CodingCategory    Category = "coding"
	ReasoningCategory Category = "reasoning"
	ResearchCategory  Category = "research"
	WritingCategory   Category = "writing"
	VisionCategory    Category = "vision"
	MathCategory      Category = "math"
	DataCategory      Category = "data"
	GeneralCategory   Category = "general"
)

// Usage holds the measured cost of one generation call.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostMicros   int64   `json:"cost_micros"` // micro-dollars
	GramsCO2     float64 `json:"gco2"`
}

func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// Subtask is one node of the work graph, assigned to one model call.
type Subtask struct {
	ID            int           `json:"id"`                     // Unique within one run, positive
	Title         string        `json:"title"`                  // Short name (e.g., "Design schema")
	Description   string        `json:"description"`            // What the agent should produce
	Category      Category      `json:"category"`               // Drives the agent persona
	DependsOn     []int         `json:"depends_on"`             // IDs of prerequisite subtasks
	AssignedModel string        `json:"assigned_model"`         // Model resolved before execution
	Status        SubtaskStatus `json:"status"`                 // PENDING -> RUNNING -> COMPLETED/FAILED
	Output        string        `json:"output,omitempty"`       // Present only when COMPLETED
	ErrorMsg      string        `json:"error,omitempty"`        // Present only when FAILED
	StartedAt     *time.Time    `json:"started_at,omitempty"`   // Nullable start time
	CompletedAt   *time.Time    `json:"completed_at,omitempty"` // Nullable terminal time
	Usage         Usage         `json:"usage"`                  // Accumulated metering
}

// Terminal reports whether the subtask reached COMPLETED or FAILED.
func (s *Subtask) Terminal() bool {
	return s.Status == CompletedSubtaskStatus || s.Status == FailedSubtaskStatus
}
