package engine

import (
	"fmt"
	"sort"

	"github.com/agentflow/agentflow/pkg/models"
	"github.com/pkg/errors"
)

// TaskGraph maps subtask IDs to subtasks plus a reverse index of
// dependents. It is constructed once per run; after construction no
// subtask or edge may be added. The engine owns the status mutations.
type TaskGraph struct {
	tasks      map[int]*models.Subtask
	dependents map[int][]int
	ids        []int // ascending
}

// NewTaskGraph validates the submission and builds the graph. Dangling
// dependency references, self-loops, duplicate or non-positive IDs and
// cycles are all construction-time errors; none of them can surface later
// as a runtime condition.
func NewTaskGraph(subtasks []models.Subtask) (*TaskGraph, error) {
	if len(subtasks) == 0 {
		return nil, errors.New("subtask list cannot be empty")
	}

	g := &TaskGraph{
		tasks:      make(map[int]*models.Subtask, len(subtasks)),
		dependents: make(map[int][]int),
	}
	for i := range subtasks {
		st := subtasks[i]
		if st.ID <= 0 {
			return nil, fmt.Errorf("subtask ID must be positive, got %d", st.ID)
		}
		if _, exists := g.tasks[st.ID]; exists {
			return nil, fmt.Errorf("duplicate subtask ID %d", st.ID)
		}
		st.Status = models.PendingSubtaskStatus
		g.tasks[st.ID] = &st
		g.ids = append(g.ids, st.ID)
	}
	sort.Ints(g.ids)

	for _, id := range g.ids {
		for _, dep := range g.tasks[id].DependsOn {
			if dep == id {
				return nil, fmt.Errorf("subtask %d depends on itself", id)
			}
			if _, ok := g.tasks[dep]; !ok {
				return nil, fmt.Errorf("subtask %d depends on unknown subtask %d", id, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic runs Kahn's algorithm over the dependency edges.
func (g *TaskGraph) checkAcyclic() error {
	inDegree := make(map[int]int, len(g.tasks))
	for _, id := range g.ids {
		inDegree[id] = len(g.tasks[id].DependsOn)
	}

	var queue []int
	for _, id := range g.ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range g.dependents[curr] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if visited != len(g.tasks) {
		return errors.New("cycle detected in dependencies")
	}
	return nil
}

// Task returns the subtask for an ID. The pointer is shared with the
// engine; callers outside the engine must treat it as read-only.
func (g *TaskGraph) Task(id int) (*models.Subtask, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// IDs returns all subtask IDs in ascending order.
func (g *TaskGraph) IDs() []int {
	out := make([]int, len(g.ids))
	copy(out, g.ids)
	return out
}

// Dependents returns the IDs of subtasks waiting on the given subtask.
func (g *TaskGraph) Dependents(id int) []int {
	out := make([]int, len(g.dependents[id]))
	copy(out, g.dependents[id])
	return out
}

// IsReady reports whether a subtask is PENDING with every dependency
// COMPLETED.
func (g *TaskGraph) IsReady(id int) bool {
	t, ok := g.tasks[id]
	if !ok || t.Status != models.PendingSubtaskStatus {
		return false
	}
	for _, dep := range t.DependsOn {
		if g.tasks[dep].Status != models.CompletedSubtaskStatus {
			return false
		}
	}
	return true
}

// Len returns the number of subtasks in the graph.
func (g *TaskGraph) Len() int {
	return len(g.tasks)
}
