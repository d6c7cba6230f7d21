package planner

import (
	"fmt"

	"crewhub/internal/domain"
)

// memoryInjectionThreshold is the task count a plan must exceed before
// compression tasks are injected. At two tasks or fewer there is nothing
// non-trivial to compress and the extra step actively confuses the pipeline.
const memoryInjectionThreshold = 2

const memoryTaskName = "Memory Summary"

const memoryPrompt = "You are the memory agent. Your ONLY job is to produce a " +
	"short, factual summary of prior task outputs for the next agent. " +
	"Do NOT call any tools. Do NOT add instructions, meta-commentary, or " +
	"workflow rules. Just summarize the salient facts, decisions, assumptions " +
	"and open questions from earlier outputs in a concise paragraph."

// injectMemoryTasks inserts a synthetic compression task before every real
// task except the first. Each synthetic task's sole predecessor is the
// previous real task, so it has content to summarize; in the following real
// task only the previous-real-task pointer is rewired to the synthetic task,
// any richer dependencies the plan declared are kept.
func (a *Assembler) injectMemoryTasks(plan *domain.Plan, objective string) {
	if a.memoryAgent == nil || len(plan.Tasks) <= memoryInjectionThreshold {
		return
	}

	prompt := memoryPrompt
	if objective != "" {
		prompt += fmt.Sprintf("\n\nThe user's original objective is: %q\n"+
			"Keep your summary focused on what is relevant to this objective.", objective)
	}

	injected := make([]domain.Task, 0, len(plan.Tasks)*2-1)
	order := 1
	prevRealID := ""

	for i, task := range plan.Tasks {
		if i > 0 && prevRealID != "" {
			summaryID := fmt.Sprintf("task-memory-%d", order)
			injected = append(injected, domain.Task{
				ID:   summaryID,
				Name: memoryTaskName,
				Description: fmt.Sprintf("%s\n\nSummarize context for: %s",
					prompt, coalesce(task.Name, "next task")),
				ExpectedOutput: "Concise summary of relevant context for the next task.",
				Order:          order,
				AgentID:        a.memoryAgent.ID,
				ContextIDs:     []string{prevRealID},
				Synthetic:      true,
			})
			order++

			rewired := make([]string, 0, len(task.ContextIDs)+1)
			for _, dep := range task.ContextIDs {
				if dep == prevRealID {
					continue
				}
				rewired = append(rewired, dep)
			}
			task.ContextIDs = append(rewired, summaryID)

			prevRealID = task.ID
			task.Order = order
			injected = append(injected, task)
		} else {
			prevRealID = task.ID
			task.Order = order
			injected = append(injected, task)
		}
		order++
	}

	plan.Tasks = injected
	plan.MemoryAgentID = a.memoryAgent.ID

	for _, existing := range plan.Agents {
		if existing.ID == a.memoryAgent.ID {
			return
		}
	}
	plan.Agents = append(plan.Agents, *a.memoryAgent)
}
