package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentflow/agentflow/pkg/carbon"
	"github.com/agentflow/agentflow/pkg/ledger"
	"github.com/agentflow/agentflow/pkg/llm"
	"github.com/agentflow/agentflow/pkg/models"
	"github.com/agentflow/agentflow/pkg/pricing"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for the Engine
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Infof(format string, args ...interface{})  {}
func (nopLogger) Errorf(format string, args ...interface{}) {}

// Biller settles the per-subtask charge. Implementations must be safe for
// concurrent use; the ledger service satisfies this.
type Biller interface {
	Debit(userID string, subtaskID int64, model string, inputTokens, outputTokens, costMicros int64) (int64, error)
}

// Config assembles one run of the engine.
type Config struct {
	OriginalPrompt    string
	Subtasks          []models.Subtask
	OrchestratorModel string // Model used for the synthesis call
	UserID            string
	Zone              string // Grid zone for emissions estimates
	Client            llm.Client
	Biller            Biller
	Pricing           *pricing.Table
	Estimator         *carbon.Estimator
	Logger            Logger
}

const defaultEventBuffer = 256

// Engine schedules one run: every subtask gets its own goroutine at start,
// blocks on the completion signals of its dependencies, calls the
// generation client, settles the charge and emits lifecycle events onto a
// single ordered channel. The channel ends with a done sentinel and is
// then closed.
type Engine struct {
	originalPrompt    string
	orchestratorModel string
	userID            string

	client    llm.Client
	biller    Biller
	pricing   *pricing.Table
	estimator *carbon.Estimator
	logger    Logger

	graph  *TaskGraph
	events chan models.Event

	// One channel per subtask, closed exactly once when the subtask
	// reaches a terminal state. Closing wakes every waiting dependent.
	done map[int]chan struct{}

	mu              sync.Mutex
	totalTokens     int
	totalCostMicros int64
	totalGCO2       float64

	pipelineStart   time.Time
	agentsDone      time.Time
	synthesisTokens int
	synthesisGPU    time.Duration
	synthesisOutput string
}

// New builds the task graph and prepares a run. Malformed submissions
// (dangling or cyclic dependencies, duplicate IDs) fail here, before any
// goroutine starts.
func New(cfg Config) (*Engine, error) {
	if cfg.Client == nil {
		return nil, errors.New("generation client is required")
	}
	if cfg.Biller == nil {
		return nil, errors.New("biller is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("user ID is required")
	}
	graph, err := NewTaskGraph(cfg.Subtasks)
	if err != nil {
		return nil, err
	}

	if cfg.OrchestratorModel == "" {
		cfg.OrchestratorModel = "gemma3:12b"
	}
	if cfg.Pricing == nil {
		cfg.Pricing = pricing.NewTable(nil)
	}
	if cfg.Estimator == nil {
		zone := cfg.Zone
		if zone == "" {
			zone = "FR"
		}
		cfg.Estimator = carbon.NewEstimator(zone)
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}

	e := &Engine{
		originalPrompt:    cfg.OriginalPrompt,
		orchestratorModel: cfg.OrchestratorModel,
		userID:            cfg.UserID,
		client:            cfg.Client,
		biller:            cfg.Biller,
		pricing:           cfg.Pricing,
		estimator:         cfg.Estimator,
		logger:            cfg.Logger,
		graph:             graph,
		events:            make(chan models.Event, defaultEventBuffer),
		done:              make(map[int]chan struct{}, graph.Len()),
	}
	for _, id := range graph.IDs() {
		e.done[id] = make(chan struct{})
	}
	return e, nil
}

// Events returns the run's event channel. A single consumer should drain
// it until it closes; the RunDoneEvent sentinel is always the last event.
func (e *Engine) Events() <-chan models.Event {
	return e.events
}

// Graph exposes the task graph for readiness queries.
func (e *Engine) Graph() *TaskGraph {
	return e.graph
}

// Subtasks returns a snapshot of all subtasks in ascending ID order.
func (e *Engine) Subtasks() []models.Subtask {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Subtask, 0, e.graph.Len())
	for _, id := range e.graph.IDs() {
		t, _ := e.graph.Task(id)
		out = append(out, *t)
	}
	return out
}

// SynthesisOutput returns the combined artifact produced after the join
// barrier. Empty until Run finishes synthesis.
func (e *Engine) SynthesisOutput() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.synthesisOutput
}

// Run launches one goroutine per subtask, waits for all of them (the join
// is the barrier; there is no polling loop), then synthesizes, emits the
// summary and the terminal sentinel, and closes the event channel.
func (e *Engine) Run(ctx context.Context) error {
	e.pipelineStart = time.Now()
	e.logger.Infof("Starting run with %d subtasks for user %s", e.graph.Len(), e.userID)

	var wg sync.WaitGroup
	for _, id := range e.graph.IDs() {
		wg.Add(1)
		go func(taskID int) {
			defer wg.Done()
			e.runTask(ctx, taskID)
		}(id)
	}
	wg.Wait()
	e.agentsDone = time.Now()

	e.synthesize(ctx)
	e.emitSummary(ctx)
	e.emit(ctx, models.Event{Kind: models.RunDoneEvent})
	close(e.events)

	e.logger.Infof("Run finished for user %s", e.userID)
	return ctx.Err()
}

func (e *Engine) runTask(ctx context.Context, id int) {
	task, _ := e.graph.Task(id)

	// Unblock dependents exactly once, whatever the exit path.
	defer close(e.done[id])

	for _, depID := range task.DependsOn {
		select {
		case <-e.done[depID]:
		case <-ctx.Done():
			e.failTask(ctx, task, fmt.Sprintf("run cancelled: %v", ctx.Err()))
			return
		}
		dep, _ := e.graph.Task(depID)
		if e.statusOf(dep) == models.FailedSubtaskStatus {
			// Transitive: a dependent blocked on this subtask will observe
			// FAILED and propagate the same way, no graph walking needed.
			e.failTask(ctx, task, fmt.Sprintf("skipped: upstream task #%d failed", depID))
			return
		}
	}

	started := time.Now()
	e.mu.Lock()
	task.Status = models.RunningSubtaskStatus
	task.StartedAt = &started
	e.mu.Unlock()

	e.emit(ctx, models.Event{Kind: models.TaskStartedEvent, Data: models.TaskStartedData{
		ID:    id,
		Title: task.Title,
		Model: task.AssignedModel,
	}})

	deps := make([]*models.Subtask, 0, len(task.DependsOn))
	for _, depID := range task.DependsOn {
		dep, _ := e.graph.Task(depID)
		deps = append(deps, dep)
	}
	// Dependency outputs are stable here: every dep is terminal.
	messages := buildMessages(e.originalPrompt, task, deps)

	var sb strings.Builder
	var final llm.Chunk
	err := e.client.Chat(ctx, task.AssignedModel, messages, func(c llm.Chunk) error {
		if c.Token != "" {
			sb.WriteString(c.Token)
			e.emit(ctx, models.Event{Kind: models.TaskTokenEvent, Data: models.TaskTokenData{
				ID:    id,
				Token: c.Token,
			}})
		}
		if c.Done {
			final = c
		}
		return nil
	})
	if err != nil {
		e.logger.Errorf("Generation failed for subtask %d: %v", id, err)
		e.failTask(ctx, task, err.Error())
		return
	}
	output := sb.String()

	// Prefer real counts from the final chunk; fall back to the chars/4
	// estimate when the service did not report them.
	inputChars := 0
	for _, m := range messages {
		inputChars += len(m.Content)
	}
	inputTokens := maxInt(1, inputChars/4)
	outputTokens := maxInt(1, len(output)/4)
	if final.InputTokens > 0 && final.OutputTokens > 0 {
		inputTokens = final.InputTokens
		outputTokens = final.OutputTokens
	}
	totalTokens := inputTokens + outputTokens

	var gco2 float64
	if gpuTime := final.PromptDuration + final.EvalDuration; gpuTime > 0 {
		gco2 = e.estimator.EstimateGCO2FromDuration(gpuTime)
	} else {
		gco2 = e.estimator.EstimateGCO2(task.AssignedModel, totalTokens)
	}

	costMicros := e.pricing.CostMicros(task.AssignedModel, inputTokens, outputTokens)

	// The biller takes no context: an in-flight billing transaction is
	// never interrupted by run cancellation.
	balance, err := e.biller.Debit(e.userID, int64(id), task.AssignedModel,
		int64(inputTokens), int64(outputTokens), costMicros)
	var insufficient *ledger.InsufficientFundsError
	if errors.As(err, &insufficient) {
		e.emit(ctx, models.Event{Kind: models.BillingRequiredEvent, Data: models.BillingRequiredData{
			UserID:         e.userID,
			SubtaskID:      id,
			RequiredMicros: insufficient.RequiredMicros,
			BalanceMicros:  insufficient.BalanceMicros,
		}})
		// Unpaid output is discarded; the subtask is never COMPLETED.
		e.failTask(ctx, task, "insufficient wallet balance")
		return
	}
	if err != nil {
		e.logger.Errorf("Billing failed for subtask %d: %v", id, err)
		e.failTask(ctx, task, fmt.Sprintf("billing error: %v", err))
		return
	}

	completed := time.Now()
	usage := models.Usage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostMicros:   costMicros,
		GramsCO2:     gco2,
	}
	e.mu.Lock()
	task.Status = models.CompletedSubtaskStatus
	task.Output = output
	task.CompletedAt = &completed
	task.Usage = usage
	e.totalTokens += totalTokens
	e.totalCostMicros += costMicros
	e.totalGCO2 += gco2
	e.mu.Unlock()

	e.emit(ctx, models.Event{Kind: models.TaskCompletedEvent, Data: models.TaskCompletedData{
		ID:       id,
		Title:    task.Title,
		Model:    task.AssignedModel,
		Output:   output,
		Duration: completed.Sub(started).Seconds(),
		Usage:    usage,
	}})
	e.emit(ctx, models.Event{Kind: models.WalletUpdatedEvent, Data: models.WalletUpdatedData{
		UserID:        e.userID,
		BalanceMicros: balance,
	}})
}

func (e *Engine) failTask(ctx context.Context, task *models.Subtask, reason string) {
	completed := time.Now()
	e.mu.Lock()
	task.Status = models.FailedSubtaskStatus
	task.ErrorMsg = reason
	task.CompletedAt = &completed
	e.mu.Unlock()

	e.emit(ctx, models.Event{Kind: models.TaskFailedEvent, Data: models.TaskFailedData{
		ID:    task.ID,
		Title: task.Title,
		Error: reason,
	}})
}

func (e *Engine) statusOf(task *models.Subtask) models.SubtaskStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return task.Status
}

// emit pushes an event, giving up if the run is cancelled and the consumer
// stopped draining.
func (e *Engine) emit(ctx context.Context, ev models.Event) {
	select {
	case e.events <- ev:
	case <-ctx.Done():
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
