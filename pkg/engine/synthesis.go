package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentflow/agentflow/pkg/llm"
	"github.com/agentflow/agentflow/pkg/models"
)

const noOutputsResult = "No agent outputs to synthesise."

// synthesize runs once after the join barrier. It folds every COMPLETED
// output, in ascending ID order, into one generation call. Synthesis
// failure degrades to the raw collected outputs with a note; it never
// aborts the run.
func (e *Engine) synthesize(ctx context.Context) {
	e.emit(ctx, models.Event{Kind: models.SynthesisStartedEvent})

	var sections []string
	for _, id := range e.graph.IDs() {
		t, _ := e.graph.Task(id)
		if t.Status == models.CompletedSubtaskStatus && t.Output != "" {
			sections = append(sections, fmt.Sprintf("### Agent %d: %s (%s)\n%s",
				id, t.Title, t.AssignedModel, t.Output))
		}
	}

	if len(sections) == 0 {
		e.mu.Lock()
		e.synthesisOutput = noOutputsResult
		e.mu.Unlock()
		e.emit(ctx, models.Event{Kind: models.SynthesisCompletedEvent, Data: models.SynthesisCompletedData{
			Output: noOutputsResult,
		}})
		return
	}

	messages := buildSynthesisMessages(e.originalPrompt, sections)
	userChars := len(messages[1].Content)

	var sb strings.Builder
	var finalChunk llm.Chunk
	err := e.client.Chat(ctx, e.orchestratorModel, messages, func(c llm.Chunk) error {
		if c.Token != "" {
			sb.WriteString(c.Token)
			e.emit(ctx, models.Event{Kind: models.SynthesisTokenEvent, Data: models.SynthesisTokenData{
				Token: c.Token,
			}})
		}
		if c.Done {
			finalChunk = c
		}
		return nil
	})

	var final string
	if err != nil {
		e.logger.Errorf("Synthesis failed: %v", err)
		final = fmt.Sprintf("Synthesis failed (%v). Raw agent outputs follow.\n\n%s",
			err, strings.Join(sections, "\n\n"))
	} else {
		final = sb.String()
		tokens := (userChars + len(final)) / 4
		if finalChunk.InputTokens > 0 && finalChunk.OutputTokens > 0 {
			tokens = finalChunk.InputTokens + finalChunk.OutputTokens
		}
		e.mu.Lock()
		e.synthesisTokens = tokens
		e.synthesisGPU = finalChunk.PromptDuration + finalChunk.EvalDuration
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.synthesisOutput = final
	e.mu.Unlock()

	e.emit(ctx, models.Event{Kind: models.SynthesisCompletedEvent, Data: models.SynthesisCompletedData{
		Output: final,
	}})
}

// Blended USD per 1M tokens for a hosted dense 70B model, including
// datacenter overhead.
const baselineUSDPerMTok = 5.698270

// emitSummary aggregates run metrics: tokens, cost, emissions with a
// single-70B baseline, and parallel-vs-sequential timing for the agent
// phase. The savings figure is reported exactly as computed.
func (e *Engine) emitSummary(ctx context.Context) {
	e.mu.Lock()
	agentGCO2 := e.totalGCO2
	agentTokens := e.totalTokens
	agentCostMicros := e.totalCostMicros
	synthTokens := e.synthesisTokens
	synthGPU := e.synthesisGPU
	e.mu.Unlock()

	var sequential float64
	for _, id := range e.graph.IDs() {
		t, _ := e.graph.Task(id)
		if t.StartedAt != nil && t.CompletedAt != nil {
			sequential += t.CompletedAt.Sub(*t.StartedAt).Seconds()
		}
	}
	parallel := e.agentsDone.Sub(e.pipelineStart).Seconds()
	var timeSavingsPct float64
	if sequential > 0 {
		timeSavingsPct = (sequential - parallel) / sequential * 100
		if timeSavingsPct < 0 {
			timeSavingsPct = 0
		}
	}

	var synthGCO2 float64
	if synthGPU > 0 {
		synthGCO2 = e.estimator.EstimateGCO2FromDuration(synthGPU)
	} else {
		synthGCO2 = e.estimator.EstimateGCO2(e.orchestratorModel, synthTokens)
	}
	pipelineGCO2 := agentGCO2 + synthGCO2
	totalTokens := agentTokens + synthTokens

	baselineGCO2 := e.estimator.BaselineGCO2(totalTokens)
	var savingsPct float64
	if baselineGCO2 > 0 {
		savingsPct = (baselineGCO2 - pipelineGCO2) / baselineGCO2 * 100
	}

	baselineCostMicros := int64(float64(totalTokens) / 1_000_000 * baselineUSDPerMTok * 1_000_000)

	e.emit(ctx, models.Event{Kind: models.RunSummaryEvent, Data: models.RunSummaryData{
		TotalTokens:        totalTokens,
		TotalCostMicros:    agentCostMicros,
		PipelineGCO2:       pipelineGCO2,
		AgentGCO2:          agentGCO2,
		BaselineGCO2:       baselineGCO2,
		SavingsPct:         savingsPct,
		TimeSavingsPct:     timeSavingsPct,
		PipelineTimeS:      parallel,
		SequentialTimeS:    sequential,
		CarbonIntensity:    e.estimator.Intensity,
		Zone:               e.estimator.Zone,
		BaselineCostMicros: baselineCostMicros,
	}})
}
