package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentflow/agentflow/pkg/carbon"
	"github.com/agentflow/agentflow/pkg/ledger"
	"github.com/agentflow/agentflow/pkg/llm"
	"github.com/agentflow/agentflow/pkg/models"
	"github.com/agentflow/agentflow/pkg/pricing"
	"github.com/agentflow/agentflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEstimator pins the grid intensity so tests never hit the network.
func testEstimator() *carbon.Estimator {
	return &carbon.Estimator{Intensity: 65.0, Zone: "FR"}
}

type testLogger struct{}

func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Errorf(format string, args ...interface{}) {}

// fakeClient scripts generation per model name: canned output, optional
// failure, optional token counts on the final chunk.
type fakeClient struct {
	mu      sync.Mutex
	calls   []string
	prompts map[string]string
	fail    map[string]bool
	outputs map[string]string
	inTok   int
	outTok  int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		prompts: make(map[string]string),
		fail:    make(map[string]bool),
		outputs: make(map[string]string),
		inTok:   100,
		outTok:  50,
	}
}

func (c *fakeClient) Chat(ctx context.Context, model string, messages []llm.Message, fn llm.StreamFunc) error {
	c.mu.Lock()
	c.calls = append(c.calls, model)
	c.prompts[model] = messages[len(messages)-1].Content
	fail := c.fail[model]
	output, ok := c.outputs[model]
	c.mu.Unlock()

	if fail {
		return errors.New("generation service unavailable")
	}
	if !ok {
		output = "output from " + model
	}
	for _, word := range strings.Fields(output) {
		if err := fn(llm.Chunk{Token: word + " "}); err != nil {
			return err
		}
	}
	return fn(llm.Chunk{
		Done:         true,
		InputTokens:  c.inTok,
		OutputTokens: c.outTok,
	})
}

func (c *fakeClient) callsFor(model string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.calls {
		if m == model {
			n++
		}
	}
	return n
}

func newFundedLedger(t *testing.T, micros int64) *ledger.LedgerService {
	t.Helper()
	svc := ledger.NewLedgerService(storage.NewMockStore(), testLogger{})
	if micros > 0 {
		_, err := svc.Credit("demo", micros, "")
		require.NoError(t, err)
	}
	return svc
}

// runEngine drains the event channel while Run executes and returns the
// events in delivery order.
func runEngine(t *testing.T, eng *Engine) []models.Event {
	t.Helper()
	var evs []models.Event
	collected := make(chan struct{})
	go func() {
		for ev := range eng.Events() {
			evs = append(evs, ev)
		}
		close(collected)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, eng.Run(ctx))

	select {
	case <-collected:
	case <-time.After(5 * time.Second):
		t.Fatal("event channel never closed")
	}
	return evs
}

func kindIndex(evs []models.Event, kind models.EventKind, taskID int) int {
	for i, ev := range evs {
		if ev.Kind != kind {
			continue
		}
		switch d := ev.Data.(type) {
		case models.TaskStartedData:
			if d.ID == taskID {
				return i
			}
		case models.TaskCompletedData:
			if d.ID == taskID {
				return i
			}
		case models.TaskFailedData:
			if d.ID == taskID {
				return i
			}
		case models.BillingRequiredData:
			if d.SubtaskID == taskID {
				return i
			}
		default:
			if taskID == 0 {
				return i
			}
		}
	}
	return -1
}

func TestEngineRun_DiamondGraphCompletes(t *testing.T) {
	client := newFakeClient()
	svc := newFundedLedger(t, 10_000_000)

	eng, err := New(Config{
		OriginalPrompt: "build something",
		Subtasks: []models.Subtask{
			{ID: 1, Title: "root", Category: models.ResearchCategory, AssignedModel: "m1"},
			{ID: 2, Title: "left", Category: models.CodingCategory, AssignedModel: "m2", DependsOn: []int{1}},
			{ID: 3, Title: "right", Category: models.WritingCategory, AssignedModel: "m3", DependsOn: []int{1}},
			{ID: 4, Title: "join", Category: models.GeneralCategory, AssignedModel: "m4", DependsOn: []int{2, 3}},
		},
		OrchestratorModel: "orch",
		UserID:            "demo",
		Client:            client,
		Biller:            svc,
		Estimator:         testEstimator(),
		Logger:            testLogger{},
	})
	require.NoError(t, err)

	evs := runEngine(t, eng)

	for _, st := range eng.Subtasks() {
		assert.Equal(t, models.CompletedSubtaskStatus, st.Status, "subtask %d", st.ID)
		assert.NotEmpty(t, st.Output, "subtask %d", st.ID)
		assert.NotNil(t, st.StartedAt, "subtask %d", st.ID)
		assert.NotNil(t, st.CompletedAt, "subtask %d", st.ID)
	}

	// Per-task lifecycle order: started before completed.
	for id := 1; id <= 4; id++ {
		started := kindIndex(evs, models.TaskStartedEvent, id)
		completed := kindIndex(evs, models.TaskCompletedEvent, id)
		require.GreaterOrEqual(t, started, 0, "task %d never started", id)
		require.Greater(t, completed, started, "task %d completed before it started", id)
	}

	// Dependencies gate starts: the join task starts after both branches finish.
	assert.Greater(t, kindIndex(evs, models.TaskStartedEvent, 4), kindIndex(evs, models.TaskCompletedEvent, 2))
	assert.Greater(t, kindIndex(evs, models.TaskStartedEvent, 4), kindIndex(evs, models.TaskCompletedEvent, 3))

	// The sentinel is the last event, preceded by the summary.
	require.NotEmpty(t, evs)
	assert.Equal(t, models.RunDoneEvent, evs[len(evs)-1].Kind)
	summaryIdx := -1
	for i, ev := range evs {
		if ev.Kind == models.RunSummaryEvent {
			summaryIdx = i
		}
	}
	assert.Equal(t, len(evs)-2, summaryIdx)

	// Synthesis saw every completed output in ascending ID order.
	prompt := client.prompts["orch"]
	require.NotEmpty(t, prompt)
	last := -1
	for id := 1; id <= 4; id++ {
		idx := strings.Index(prompt, fmt.Sprintf("### Agent %d:", id))
		require.GreaterOrEqual(t, idx, 0, "agent %d missing from synthesis prompt", id)
		assert.Greater(t, idx, last, "agent %d out of order in synthesis prompt", id)
		last = idx
	}
	assert.NotEmpty(t, eng.SynthesisOutput())
}

func TestEngineRun_UpstreamFailureCascades(t *testing.T) {
	client := newFakeClient()
	client.fail["m1"] = true
	svc := newFundedLedger(t, 10_000_000)

	eng, err := New(Config{
		OriginalPrompt: "doomed",
		Subtasks: []models.Subtask{
			{ID: 1, Title: "root", Category: models.GeneralCategory, AssignedModel: "m1"},
			{ID: 2, Title: "child", Category: models.GeneralCategory, AssignedModel: "m2", DependsOn: []int{1}},
			{ID: 3, Title: "child", Category: models.GeneralCategory, AssignedModel: "m3", DependsOn: []int{1}},
			{ID: 4, Title: "grandchild", Category: models.GeneralCategory, AssignedModel: "m4", DependsOn: []int{2}},
		},
		OrchestratorModel: "orch",
		UserID:            "demo",
		Client:            client,
		Biller:            svc,
		Estimator:         testEstimator(),
		Logger:            testLogger{},
	})
	require.NoError(t, err)

	runEngine(t, eng)

	states := eng.Subtasks()
	assert.Equal(t, models.FailedSubtaskStatus, states[0].Status)
	for _, st := range states[1:] {
		assert.Equal(t, models.FailedSubtaskStatus, st.Status, "subtask %d", st.ID)
	}
	assert.Contains(t, states[1].ErrorMsg, "upstream task #1 failed")
	assert.Contains(t, states[2].ErrorMsg, "upstream task #1 failed")
	// The cascade is transitive: 4 inherits from 2, not from 1 directly.
	assert.Contains(t, states[3].ErrorMsg, "upstream task #2 failed")

	// Skipped subtasks never reach the generation client.
	for _, model := range []string{"m2", "m3", "m4"} {
		assert.Equal(t, 0, client.callsFor(model), "model %s should never be called", model)
	}
	// Nothing was billed.
	entries, err := svc.Entries("demo")
	require.NoError(t, err)
	assert.Len(t, entries, 1) // just the topup
}

func TestEngineRun_InsufficientFunds(t *testing.T) {
	client := newFakeClient()
	client.inTok = 1000
	client.outTok = 1000
	svc := newFundedLedger(t, 5_000_000)

	table := pricing.NewTable(map[string]pricing.ModelRate{
		"m1": {InputPerMTok: 3000, OutputPerMTok: 3000}, // 6.00 USD for this call
	})

	eng, err := New(Config{
		OriginalPrompt: "expensive",
		Subtasks: []models.Subtask{
			{ID: 1, Title: "pricey", Category: models.GeneralCategory, AssignedModel: "m1"},
		},
		OrchestratorModel: "orch",
		UserID:            "demo",
		Client:            client,
		Biller:            svc,
		Pricing:           table,
		Estimator:         testEstimator(),
		Logger:            testLogger{},
	})
	require.NoError(t, err)

	evs := runEngine(t, eng)

	st := eng.Subtasks()[0]
	assert.Equal(t, models.FailedSubtaskStatus, st.Status)
	assert.Contains(t, st.ErrorMsg, "insufficient wallet balance")
	assert.Empty(t, st.Output, "unpaid output must be discarded")

	billingIdx := kindIndex(evs, models.BillingRequiredEvent, 1)
	failedIdx := kindIndex(evs, models.TaskFailedEvent, 1)
	require.GreaterOrEqual(t, billingIdx, 0)
	require.Greater(t, failedIdx, billingIdx, "billing_required must precede task_failed")

	data := evs[billingIdx].Data.(models.BillingRequiredData)
	assert.Equal(t, int64(6_000_000), data.RequiredMicros)
	assert.Equal(t, int64(5_000_000), data.BalanceMicros)

	balance, err := svc.Balance("demo")
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), balance)
}

func TestEngineRun_NoCompletedSkipsSynthesisCall(t *testing.T) {
	client := newFakeClient()
	client.fail["m1"] = true
	svc := newFundedLedger(t, 1_000_000)

	eng, err := New(Config{
		OriginalPrompt: "nothing works",
		Subtasks: []models.Subtask{
			{ID: 1, Title: "only", Category: models.GeneralCategory, AssignedModel: "m1"},
		},
		OrchestratorModel: "orch",
		UserID:            "demo",
		Client:            client,
		Biller:            svc,
		Estimator:         testEstimator(),
		Logger:            testLogger{},
	})
	require.NoError(t, err)

	evs := runEngine(t, eng)

	assert.Equal(t, 0, client.callsFor("orch"), "synthesis must short-circuit")
	assert.Equal(t, noOutputsResult, eng.SynthesisOutput())
	assert.Equal(t, models.RunDoneEvent, evs[len(evs)-1].Kind)
}

func TestEngineRun_SynthesisFailureFallsBack(t *testing.T) {
	client := newFakeClient()
	client.fail["orch"] = true
	client.outputs["m1"] = "valuable result"
	svc := newFundedLedger(t, 10_000_000)

	eng, err := New(Config{
		OriginalPrompt: "salvage",
		Subtasks: []models.Subtask{
			{ID: 1, Title: "works", Category: models.GeneralCategory, AssignedModel: "m1"},
		},
		OrchestratorModel: "orch",
		UserID:            "demo",
		Client:            client,
		Biller:            svc,
		Estimator:         testEstimator(),
		Logger:            testLogger{},
	})
	require.NoError(t, err)

	evs := runEngine(t, eng)

	// The subtask output survives the synthesis failure.
	out := eng.SynthesisOutput()
	assert.Contains(t, out, "Synthesis failed")
	assert.Contains(t, out, "valuable result")
	assert.Equal(t, models.CompletedSubtaskStatus, eng.Subtasks()[0].Status)
	assert.Equal(t, models.RunDoneEvent, evs[len(evs)-1].Kind)
}

// A wider graph: chain plus fan-out, every subtask must reach exactly one
// terminal state and the run must finish.
func TestEngineRun_NoDeadlock(t *testing.T) {
	client := newFakeClient()
	svc := newFundedLedger(t, 100_000_000)

	subtasks := []models.Subtask{
		{ID: 1, Title: "a", Category: models.GeneralCategory, AssignedModel: "m1"},
		{ID: 2, Title: "b", Category: models.GeneralCategory, AssignedModel: "m2"},
		{ID: 3, Title: "c", Category: models.GeneralCategory, AssignedModel: "m3", DependsOn: []int{1, 2}},
		{ID: 4, Title: "d", Category: models.GeneralCategory, AssignedModel: "m4", DependsOn: []int{3}},
		{ID: 5, Title: "e", Category: models.GeneralCategory, AssignedModel: "m5", DependsOn: []int{3}},
		{ID: 6, Title: "f", Category: models.GeneralCategory, AssignedModel: "m6", DependsOn: []int{4, 5, 1}},
		{ID: 7, Title: "g", Category: models.GeneralCategory, AssignedModel: "m7"},
		{ID: 8, Title: "h", Category: models.GeneralCategory, AssignedModel: "m8", DependsOn: []int{6, 7}},
	}

	eng, err := New(Config{
		OriginalPrompt:    "wide graph",
		Subtasks:          subtasks,
		OrchestratorModel: "orch",
		UserID:            "demo",
		Client:            client,
		Biller:            svc,
		Estimator:         testEstimator(),
		Logger:            testLogger{},
	})
	require.NoError(t, err)

	runEngine(t, eng)

	for _, st := range eng.Subtasks() {
		assert.True(t, st.Terminal(), "subtask %d not terminal: %s", st.ID, st.Status)
		assert.Equal(t, models.CompletedSubtaskStatus, st.Status, "subtask %d", st.ID)
	}
}

func TestEngineRun_WalletUpdatedAfterEachDebit(t *testing.T) {
	client := newFakeClient()
	client.inTok = 1000
	client.outTok = 1000
	svc := newFundedLedger(t, 10_000_000)
	table := pricing.NewTable(map[string]pricing.ModelRate{
		"m1": {InputPerMTok: 500, OutputPerMTok: 500}, // 1.00 USD per call
	})

	eng, err := New(Config{
		OriginalPrompt: "metered",
		Subtasks: []models.Subtask{
			{ID: 1, Title: "a", Category: models.GeneralCategory, AssignedModel: "m1"},
			{ID: 2, Title: "b", Category: models.GeneralCategory, AssignedModel: "m1", DependsOn: []int{1}},
		},
		OrchestratorModel: "orch",
		UserID:            "demo",
		Client:            client,
		Biller:            svc,
		Pricing:           table,
		Estimator:         testEstimator(),
		Logger:            testLogger{},
	})
	require.NoError(t, err)

	evs := runEngine(t, eng)

	var balances []int64
	for _, ev := range evs {
		if ev.Kind == models.WalletUpdatedEvent {
			balances = append(balances, ev.Data.(models.WalletUpdatedData).BalanceMicros)
		}
	}
	require.Len(t, balances, 2)
	assert.Equal(t, int64(9_000_000), balances[0])
	assert.Equal(t, int64(8_000_000), balances[1])

	balance, err := svc.Balance("demo")
	require.NoError(t, err)
	assert.Equal(t, int64(8_000_000), balance)
}

// blockingClient never produces output; it holds the call open until the
// context is cancelled.
type blockingClient struct {
	started chan struct{}
}

func (c *blockingClient) Chat(ctx context.Context, model string, messages []llm.Message, fn llm.StreamFunc) error {
	select {
	case c.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestEngineRun_CancellationTerminatesRun(t *testing.T) {
	client := &blockingClient{started: make(chan struct{}, 1)}
	svc := newFundedLedger(t, 5_000_000)

	eng, err := New(Config{
		OriginalPrompt: "never finishes",
		Subtasks: []models.Subtask{
			{ID: 1, Title: "stuck", Category: models.GeneralCategory, AssignedModel: "m1"},
			{ID: 2, Title: "waiting", Category: models.GeneralCategory, AssignedModel: "m2", DependsOn: []int{1}},
		},
		OrchestratorModel: "orch",
		UserID:            "demo",
		Client:            client,
		Biller:            svc,
		Estimator:         testEstimator(),
		Logger:            testLogger{},
	})
	require.NoError(t, err)

	collected := make(chan struct{})
	go func() {
		for range eng.Events() {
		}
		close(collected)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	// Cancel only once the first generation call is in flight, so both the
	// in-call path and the dependency-wait path are exercised.
	select {
	case <-client.started:
	case <-time.After(5 * time.Second):
		t.Fatal("generation never started")
	}
	cancel()

	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	select {
	case <-collected:
	case <-time.After(5 * time.Second):
		t.Fatal("event channel never closed")
	}

	for _, st := range eng.Subtasks() {
		assert.True(t, st.Terminal(), "subtask %d not terminal after cancel: %s", st.ID, st.Status)
		assert.Equal(t, models.FailedSubtaskStatus, st.Status, "subtask %d", st.ID)
	}

	// The cancelled generation produced nothing billable.
	entries, err := svc.Entries("demo")
	require.NoError(t, err)
	assert.Len(t, entries, 1) // just the topup
}

func TestNew_InvalidConfig(t *testing.T) {
	valid := []models.Subtask{{ID: 1, Title: "t", AssignedModel: "m"}}
	client := newFakeClient()
	svc := newFundedLedger(t, 0)

	_, err := New(Config{Subtasks: valid, UserID: "u", Biller: svc})
	assert.Error(t, err, "missing client")
	_, err = New(Config{Subtasks: valid, UserID: "u", Client: client})
	assert.Error(t, err, "missing biller")
	_, err = New(Config{Subtasks: valid, Client: client, Biller: svc})
	assert.Error(t, err, "missing user")
	_, err = New(Config{Subtasks: nil, UserID: "u", Client: client, Biller: svc})
	assert.Error(t, err, "empty graph")
}
