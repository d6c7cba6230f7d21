// Package planner turns a loosely specified raw plan into a validated,
// ordered task graph with synthetic memory-compression steps injected, and
// hosts the LLM planning oracle that produces raw plans.
package planner

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"crewhub/internal/domain"
	"crewhub/internal/errors"
	"crewhub/internal/logging"
)

// RawTask is one loosely specified task descriptor from the planning oracle.
// Upstream data is frequently incomplete, so every field tolerates being
// empty or null.
type RawTask struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	ExpectedOutput string   `json:"expectedOutput"`
	AgentID        string   `json:"agentId"`
	Order          int      `json:"order"`
	ContextIDs     []string `json:"contextIds,omitempty"`
}

// RawPlan is the oracle's output before resolution.
type RawPlan struct {
	Agents      []string            `json:"agents"`
	Tasks       []RawTask           `json:"tasks"`
	Process     string              `json:"process"`
	InputSchema []domain.InputField `json:"inputSchema,omitempty"`
	Questions   []string            `json:"questions,omitempty"`
}

// Assembler resolves raw plans against candidate agents.
type Assembler struct {
	// memoryAgent, when set, owns the synthetic compression tasks injected
	// between real tasks. Supplied by policy, never by the plan itself.
	memoryAgent *domain.Agent
	logger      logging.Logger
}

// NewAssembler constructs an Assembler. memoryAgent may be nil to disable
// memory injection.
func NewAssembler(memoryAgent *domain.Agent, logger logging.Logger) *Assembler {
	return &Assembler{memoryAgent: memoryAgent, logger: logging.OrNop(logger)}
}

// Assemble resolves identifiers, fills gaps and injects memory-compression
// tasks, producing an executable plan.
func (a *Assembler) Assemble(objective string, userInputs map[string]any, candidates []domain.Agent, raw RawPlan) (*domain.Plan, error) {
	if len(raw.Tasks) == 0 {
		return nil, errors.New(errors.KindValidation, "plan has no tasks")
	}
	if len(candidates) == 0 {
		return nil, errors.New(errors.KindValidation, "no candidate agents")
	}

	resolver := newAgentResolver(candidates)

	// Resolve the oracle's agent roster. First match wins; references that
	// resolve to nothing are dropped here and degrade to the fallback agent
	// at task level.
	resolved := make([]domain.Agent, 0, len(raw.Agents))
	seen := map[string]bool{}
	for _, ref := range raw.Agents {
		agent, ok := resolver.resolve(ref)
		if !ok {
			a.logger.Warn("unresolvable agent reference %q, degrading to fallback", ref)
			continue
		}
		if !seen[agent.ID] {
			seen[agent.ID] = true
			resolved = append(resolved, agent)
		}
	}

	// Empty-plan guard: zero usable agents means the oracle hallucinated the
	// whole roster. Use every candidate rather than failing the run.
	if len(resolved) == 0 {
		a.logger.Warn("plan resolved zero agents, falling back to all %d candidates", len(candidates))
		resolved = append(resolved, candidates...)
		for _, agent := range resolved {
			seen[agent.ID] = true
		}
	}

	fallback := resolved[0]

	tasks := make([]RawTask, len(raw.Tasks))
	copy(tasks, raw.Tasks)
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Order < tasks[j].Order })

	plan := &domain.Plan{Process: processKind(raw.Process)}
	var prevID string
	for i, rt := range tasks {
		order := i + 1
		agent, ok := resolver.resolve(rt.AgentID)
		if !ok {
			agent = fallback
		}
		if !seen[agent.ID] {
			seen[agent.ID] = true
			resolved = append(resolved, agent)
		}

		task := domain.Task{
			ID:             taskSlug(order, rt.Name),
			Name:           coalesce(rt.Name, "Task"),
			Description:    rt.Description,
			ExpectedOutput: rt.ExpectedOutput,
			Order:          order,
			AgentID:        agent.ID,
		}

		// Context chaining: each task sees its predecessor's output unless
		// the raw plan supplied richer dependencies.
		if len(rt.ContextIDs) > 0 {
			task.ContextIDs = append([]string(nil), rt.ContextIDs...)
		} else if prevID != "" {
			task.ContextIDs = []string{prevID}
		}

		plan.Tasks = append(plan.Tasks, task)
		prevID = task.ID
	}
	plan.Agents = resolved

	if a.memoryAgent != nil {
		a.injectMemoryTasks(plan, objective)
	}

	return plan, nil
}

func processKind(raw string) domain.ProcessKind {
	if strings.EqualFold(strings.TrimSpace(raw), string(domain.ProcessHierarchical)) {
		return domain.ProcessHierarchical
	}
	return domain.ProcessSequential
}

func coalesce(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// taskSlug derives a stable task identifier from the 1-based order and name.
func taskSlug(order int, name string) string {
	body := slugStrip.ReplaceAllString(strings.ToLower(name), "-")
	body = strings.Trim(body, "-")
	if body == "" {
		body = "task"
	}
	return "task-" + strconv.Itoa(order) + "-" + body
}

// agentResolver matches free-form agent references against candidates by
// exact identifier first, then by a normalized substring comparison over
// identifier, display name and role title.
type agentResolver struct {
	candidates []domain.Agent
}

func newAgentResolver(candidates []domain.Agent) *agentResolver {
	return &agentResolver{candidates: candidates}
}

func (r *agentResolver) resolve(ref string) (domain.Agent, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.Agent{}, false
	}
	for _, a := range r.candidates {
		if a.ID == ref {
			return a, true
		}
	}
	norm := Normalize(ref)
	for _, a := range r.candidates {
		for _, variant := range []string{a.ID, a.Name, a.Role} {
			nv := Normalize(variant)
			if nv == "" {
				continue
			}
			if strings.Contains(nv, norm) || strings.Contains(norm, nv) {
				return a, true
			}
		}
	}
	return domain.Agent{}, false
}

var spaceCollapse = regexp.MustCompile(`\s+`)

// Normalize lowercases a label and collapses hyphens, underscores and runs of
// whitespace to single spaces so slugified variants compare equal.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", " ")
	s = strings.ReplaceAll(s, "_", " ")
	return spaceCollapse.ReplaceAllString(s, " ")
}
