package engine

import (
	"fmt"
	"strings"

	"github.com/agentflow/agentflow/pkg/llm"
	"github.com/agentflow/agentflow/pkg/models"
)

// Category-specific system personas. Each agent works on one subtask of a
// larger project and is told to stay inside its lane.
var agentPersonas = map[models.Category]string{
	models.CodingCategory: "You are an expert software engineer. Write clean, production-ready code " +
		"with clear structure. Include file paths, language tags on code blocks, " +
		"and brief inline comments only where logic is non-obvious.",
	models.ReasoningCategory: "You are a rigorous analytical thinker. Break the problem into logical steps, " +
		"evaluate trade-offs explicitly, and state your assumptions. " +
		"Use numbered reasoning chains.",
	models.ResearchCategory: "You are a thorough technical researcher. Identify key concepts, compare " +
		"alternatives with pros/cons, cite concrete details, and surface risks " +
		"or unknowns. Be comprehensive but concise.",
	models.WritingCategory: "You are a clear, professional writer. Produce well-structured prose " +
		"with headings, bullet points where helpful, and a consistent tone. " +
		"Be concise; every sentence should earn its place.",
	models.VisionCategory: "You are a visual analysis specialist. Describe visual elements precisely, " +
		"reference spatial relationships, and extract actionable information from " +
		"images or diagrams.",
	models.MathCategory: "You are a precise mathematician. Show your work step-by-step, define " +
		"variables clearly, verify results, and state the final answer explicitly.",
	models.DataCategory: "You are a data engineering and analysis expert. Design efficient schemas " +
		"and pipelines, explain transformations clearly, and consider edge cases " +
		"in data quality.",
	models.GeneralCategory: "You are a capable AI assistant. Provide thorough, actionable responses " +
		"structured with clear headings and steps.",
}

const (
	// Total character budget shared across dependency outputs, and the
	// floor any single dependency is guaranteed.
	depContextBudgetChars = 8000
	depContextFloorChars  = 2000

	truncationMarker = "\n... [output truncated to fit context]"
)

// buildMessages assembles the prompt for one subtask: persona system
// message plus the project goal, the truncated outputs of completed
// dependencies and the subtask's own assignment.
func buildMessages(originalPrompt string, task *models.Subtask, deps []*models.Subtask) []llm.Message {
	persona, ok := agentPersonas[task.Category]
	if !ok {
		persona = agentPersonas[models.GeneralCategory]
	}
	system := persona + "\n\n" +
		"You are working on one subtask of a larger project. " +
		"Focus exclusively on your assigned task. Be thorough and actionable."

	var parts []string
	parts = append(parts, fmt.Sprintf("## Overall Project Goal\n%s", originalPrompt))

	if len(deps) > 0 {
		// Budget context space evenly across dependencies.
		maxDepChars := depContextBudgetChars / len(deps)
		if maxDepChars < depContextFloorChars {
			maxDepChars = depContextFloorChars
		}
		parts = append(parts, "\n## Outputs from prerequisite tasks (use these as context):")
		for _, dep := range deps {
			output := dep.Output
			if len(output) > maxDepChars {
				output = output[:maxDepChars] + truncationMarker
			}
			parts = append(parts, fmt.Sprintf("\n### Task %d: %s\n%s", dep.ID, dep.Title, output))
		}
	}

	parts = append(parts, fmt.Sprintf("\n## Your Task\n**%s**\n%s", task.Title, task.Description))

	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: strings.Join(parts, "\n")},
	}
}

// buildSynthesisMessages folds every completed output into one prompt that
// asks the orchestrator model for only the end deliverable.
func buildSynthesisMessages(originalPrompt string, sections []string) []llm.Message {
	system := "You are a synthesis engine. Multiple specialist AI agents have each completed " +
		"a subtask of the user's original request. Their full outputs are provided below.\n\n" +
		"Your job: produce ONLY the final deliverable that directly answers the user's request.\n\n" +
		"Rules:\n" +
		"- Output ONLY the end product, the thing the user actually asked for.\n" +
		"- Do NOT include meta-commentary, reasoning, justifications, selection criteria, " +
		"or explanations of why you chose something.\n" +
		"- Do NOT label which agent produced what.\n" +
		"- Do NOT add introductions like 'Here is the result' or conclusions like 'This works because...'.\n" +
		"- Keep it concise and actionable. If the user asked for 3 tweets, output 3 tweets. " +
		"If they asked for code, output the code. Nothing extra.\n" +
		"- Use clean markdown formatting where appropriate."

	user := fmt.Sprintf("## Original Request\n%s\n\n## Agent Outputs\n%s",
		originalPrompt, strings.Join(sections, "\n\n"))

	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
}
