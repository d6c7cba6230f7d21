package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"crewhub/internal/domain"
	"crewhub/internal/errors"
	"crewhub/internal/executor"
	"crewhub/internal/id"
	"crewhub/internal/mcp"
	"crewhub/internal/planner"
	"crewhub/internal/store"
)

// plannerOption is the selection value meaning "let the planner assemble a
// crew" rather than using a stored one.
const plannerOption = "__planner__"

// noSkillsOption skips skill playbooks.
const noSkillsOption = "__none__"

// runCrew drives one run end to end: crew selection, skills, planning,
// clarification, execution and summary.
func (s *Session) runCrew(ctx context.Context, objective string, inputs map[string]any) error {
	candidates, memoryAgent, err := s.loadRoster(ctx)
	if err != nil {
		return err
	}

	enriched := objective
	if carry := s.buildContext(ctx); carry != "" {
		enriched = fmt.Sprintf(
			"CONVERSATION HISTORY (previous messages in this thread):\n%s\n\n---\n\nNEW USER REQUEST:\n%s",
			carry, objective)
	}

	selectedCrew, err := s.selectCrew(ctx)
	if err != nil {
		return err
	}
	if selectedCrew != nil && len(selectedCrew.AgentIDs) > 0 {
		candidates = restrictToCrew(candidates, selectedCrew.AgentIDs)
	}

	enriched, err = s.applySkills(ctx, objective, enriched, inputs)
	if err != nil {
		return err
	}

	s.send(Outbound{Type: OutSystem, Content: "Planning your workflow...", Timestamp: now()})

	raw, err := s.deps.Oracle.Plan(ctx, enriched, inputs, candidates, s.deps.OracleConfig)
	if err != nil {
		return err
	}

	// Clarifying questions ride the same suspend mechanism as every other
	// phase, combined into a single prompt.
	if len(raw.Questions) > 0 {
		answer, askErr := s.ask(ctx, "Clarifying questions:\n- "+strings.Join(raw.Questions, "\n- "), nil, "")
		if askErr != nil {
			return askErr
		}
		enriched = enriched + "\n\nAdditional context from user:\n" + answer
		inputs["clarification"] = answer
	}

	assembler := planner.NewAssembler(memoryAgent, s.logger)
	plan, err := assembler.Assemble(enriched, inputs, candidates, raw)
	if err != nil {
		return err
	}

	crewName := "Planned Crew"
	if selectedCrew != nil {
		crewName = selectedCrew.Label()
		if selectedCrew.Process != "" {
			plan.Process = selectedCrew.Process
		}
	}
	plan.Name = crewName

	s.rememberRoster(plan)

	runInputs := map[string]any{}
	for k, v := range inputs {
		runInputs[k] = v
	}
	runInputs["objective"] = enriched
	runInputs["topic"] = objective

	run := &domain.Run{
		ID:             id.NewRunID(),
		ConversationID: s.conversationID,
		Objective:      objective, // the original, not the enriched, for audit
		Status:         domain.RunPending,
		Inputs:         runInputs,
		PlannedCrew:    plan,
		CreatedAt:      now(),
	}
	if err := s.deps.Store.CreateRun(ctx, run); err != nil {
		return errors.Wrap(errors.KindPersistence, err, "create run")
	}
	if err := s.deps.Store.AddRunToConversation(ctx, s.conversationID, run.ID); err != nil {
		s.logger.Warn("attach run to conversation: %v", err)
	}
	defer func() {
		if err := s.deps.Store.SetActiveRun(context.Background(), s.conversationID, ""); err != nil {
			s.logger.Warn("clear active run: %v", err)
		}
	}()

	started := now()
	if err := s.deps.Store.SetRunStatus(ctx, run.ID, domain.RunRunning, store.RunPatch{StartedAt: &started}); err != nil {
		return errors.Wrap(errors.KindPersistence, err, "mark run running")
	}
	s.send(Outbound{Type: OutStatus, Status: string(domain.RunRunning), RunID: run.ID, Timestamp: now()})

	// Tool servers live for the duration of this run only. Failures here are
	// non-fatal: the crew runs without tools.
	manager := mcp.NewManager(s.deps.MCPServers, s.logger)
	var tools []mcp.Tool
	if err := manager.ConnectAll(ctx); err != nil {
		s.logger.Warn("tool server setup failed (non-fatal): %v", err)
	} else {
		if tools, err = manager.Tools(ctx); err != nil {
			s.logger.Warn("tool listing failed (non-fatal): %v", err)
		}
	}
	defer manager.DisconnectAll()

	events := s.deps.Executor.Execute(ctx, plan, runInputs, executor.Options{
		CrewName:  crewName,
		ClientFor: s.deps.ClientFor,
		Tools:     tools,
	})
	return s.relay(ctx, run.ID, objective, memoryAgent, events)
}

// loadRoster fetches the catalog agents and splits out the memory agent; the
// planner never sees it as a candidate.
func (s *Session) loadRoster(ctx context.Context) ([]domain.Agent, *domain.Agent, error) {
	all, err := s.deps.Store.ListAgents(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(errors.KindResolution, err, "list agents")
	}
	var memoryAgent *domain.Agent
	candidates := make([]domain.Agent, 0, len(all))
	for _, a := range all {
		if s.deps.MemoryAgentID != "" && a.ID == s.deps.MemoryAgentID {
			agent := a
			memoryAgent = &agent
			continue
		}
		candidates = append(candidates, a)
	}
	return candidates, memoryAgent, nil
}

// selectCrew offers stored crews plus the planner option. Returns nil when
// the planner should assemble the crew.
func (s *Session) selectCrew(ctx context.Context) (*domain.Crew, error) {
	crews, err := s.deps.Store.ListCrews(ctx)
	if err != nil {
		s.logger.Warn("list crews: %v", err)
		return nil, nil
	}
	crews = dedupCrews(crews)
	if len(crews) == 0 {
		return nil, nil
	}

	options := make([]Option, 0, len(crews)+1)
	for _, c := range crews {
		options = append(options, Option{
			Value:       c.ID,
			Label:       c.Label(),
			Description: clip(c.Description, 120),
		})
	}
	options = append(options, Option{
		Value:       plannerOption,
		Label:       "Let AI decide",
		Description: "The planner will assemble a custom crew for this task",
	})

	answer, err := s.ask(ctx,
		"Would you like to use an existing crew, or let the AI planner assemble one?",
		options, "radio")
	if err != nil {
		return nil, err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" || answer == plannerOption {
		return nil, nil
	}
	for _, c := range crews {
		if c.ID == answer {
			crew, err := s.deps.Store.GetCrew(ctx, c.ID)
			if err != nil {
				s.logger.Warn("get crew %s: %v", c.ID, err)
				return nil, nil
			}
			return crew, nil
		}
	}
	return nil, nil
}

// dedupCrews drops duplicate catalog documents sharing a display label.
func dedupCrews(crews []domain.Crew) []domain.Crew {
	seen := map[string]bool{}
	out := crews[:0]
	for _, c := range crews {
		label := strings.ToLower(strings.TrimSpace(c.Label()))
		if seen[label] {
			continue
		}
		seen[label] = true
		out = append(out, c)
	}
	return out
}

// applySkills lets the user attach skill playbooks, collects their required
// inputs, and folds both into the objective.
func (s *Session) applySkills(ctx context.Context, objective, enriched string, inputs map[string]any) (string, error) {
	all, err := s.deps.Store.ListSkills(ctx)
	if err != nil {
		s.logger.Warn("list skills: %v", err)
		return enriched, nil
	}
	if len(all) == 0 {
		return enriched, nil
	}

	// Keyword search first for relevance, then the full list, deduplicated.
	keywords := strings.Join(firstWords(objective, 5), " ")
	searched, err := s.deps.Store.SearchSkills(ctx, keywords, 10)
	if err != nil {
		s.logger.Warn("search skills: %v", err)
	}
	merged := mergeSkills(searched, all)

	options := make([]Option, 0, len(merged)+1)
	for _, sk := range merged {
		options = append(options, Option{
			Value:       sk.ID,
			Label:       sk.Name,
			Description: clip(sk.Description, 120),
		})
	}
	options = append(options, Option{
		Value:       noSkillsOption,
		Label:       "None — skip skills",
		Description: "Proceed without applying any predefined skill playbooks",
	})

	answer, err := s.ask(ctx,
		"Found skill playbooks that may be useful. Select any to apply (or skip):",
		options, "checkbox")
	if err != nil {
		return "", err
	}

	selected := pickSkills(merged, answer)
	if len(selected) == 0 {
		return enriched, nil
	}

	enriched, err = s.collectSkillInputs(ctx, enriched, selected, inputs)
	if err != nil {
		return "", err
	}

	var block strings.Builder
	block.WriteString("\n\nSKILL PLAYBOOKS TO FOLLOW:\n")
	for _, sk := range selected {
		block.WriteString("- " + sk.Name + ": " + sk.Description)
		if len(sk.Steps) > 0 {
			block.WriteString("\n  Steps: " + strings.Join(sk.Steps, " -> "))
		}
		block.WriteString("\n")
	}
	return enriched + block.String(), nil
}

// pickSkills parses the selection answer: JSON array, comma-separated ids, or
// a single value.
func pickSkills(merged []domain.Skill, answer string) []domain.Skill {
	answer = strings.TrimSpace(answer)
	if answer == "" || answer == noSkillsOption {
		return nil
	}
	picked := map[string]bool{}
	var asList []string
	if err := json.Unmarshal([]byte(answer), &asList); err == nil {
		for _, v := range asList {
			picked[v] = true
		}
	} else {
		for _, part := range strings.Split(answer, ",") {
			if part = strings.TrimSpace(part); part != "" {
				picked[part] = true
			}
		}
	}
	delete(picked, noSkillsOption)

	var selected []domain.Skill
	for _, sk := range merged {
		if picked[sk.ID] {
			selected = append(selected, sk)
		}
	}
	return selected
}

// collectSkillInputs asks for required schema fields the user has not already
// provided. A single missing field maps directly to its input name; several
// are folded in as free-form context.
func (s *Session) collectSkillInputs(ctx context.Context, enriched string, selected []domain.Skill, inputs map[string]any) (string, error) {
	var missing []domain.InputField
	for _, sk := range selected {
		for _, field := range sk.InputSchema {
			if field.Name == "" || !field.Required {
				continue
			}
			if v, ok := inputs[field.Name]; ok && v != nil && v != "" {
				continue
			}
			missing = append(missing, field)
		}
	}
	if len(missing) == 0 {
		return enriched, nil
	}

	prompts := make([]string, 0, len(missing))
	for _, f := range missing {
		prompts = append(prompts, f.Prompt())
	}
	answer, err := s.ask(ctx, "Before we start, I need a few details:\n- "+strings.Join(prompts, "\n- "), nil, "")
	if err != nil {
		return "", err
	}
	answer = strings.TrimSpace(answer)

	if len(missing) == 1 {
		inputs[missing[0].Name] = answer
		label := missing[0].Label
		if label == "" {
			label = missing[0].Name
		}
		return enriched + "\n\n" + label + ": " + answer, nil
	}
	inputs["skill_inputs"] = answer
	return enriched + "\n\nUser provided details:\n" + answer, nil
}

// rememberRoster records the visible crew and the lead agent (the first real
// task's agent) for mid-run quick replies.
func (s *Session) rememberRoster(plan *domain.Plan) {
	visible := plan.VisibleAgents()
	var lead *domain.Agent
	for _, t := range plan.Tasks {
		if t.Synthetic {
			continue
		}
		for i := range visible {
			if visible[i].ID == t.AgentID {
				lead = &visible[i]
			}
		}
		break
	}
	if lead == nil && len(visible) > 0 {
		lead = &visible[0]
	}

	s.mu.Lock()
	s.crew = visible
	s.lead = lead
	s.mu.Unlock()
}

// relay consumes the executor's event stream: non-ephemeral events are
// persisted and streamed, ephemeral ones streamed only.
func (s *Session) relay(ctx context.Context, runID, objective string, memoryAgent *domain.Agent, events <-chan executor.StreamEvent) error {
	for ev := range events {
		switch ev.Event {
		case executor.EventRunStarted:
			// Already announced via the status frame.

		case executor.EventAgentMessage:
			s.relayAgentMessage(ctx, runID, ev)

		case executor.EventComplete:
			completed := now()
			output := ev.FinalOutput
			if err := s.deps.Store.SetRunStatus(ctx, runID, domain.RunCompleted, store.RunPatch{
				Output:      &output,
				CompletedAt: &completed,
			}); err != nil {
				s.logger.Warn("mark run completed: %v", err)
			}
			s.send(Outbound{Type: OutComplete, RunID: runID, Output: output, Timestamp: now()})
			if err := s.deps.Store.AppendMessage(ctx, s.conversationID, domain.Message{
				Key:       id.MessageKey(),
				Sender:    domain.SenderSystem,
				Type:      domain.MessageTypeSystem,
				Content:   "Run completed.",
				Metadata:  map[string]any{"runId": runID},
				Timestamp: now(),
			}); err != nil {
				s.logger.Warn("persist completion marker: %v", err)
			}
			s.summarizeRun(ctx, objective, output, memoryAgent)

		case executor.EventError:
			if err := s.deps.Store.SetRunStatus(ctx, runID, domain.RunFailed, store.RunPatch{
				Error: &domain.RunError{Message: ev.Message},
			}); err != nil {
				s.logger.Warn("mark run failed: %v", err)
			}
			s.send(Outbound{Type: OutError, Message: ev.Message, Timestamp: now()})
		}
	}
	return nil
}

func (s *Session) relayAgentMessage(ctx context.Context, runID string, ev executor.StreamEvent) {
	wsType := OutAgentMessage
	msgType := domain.MessageTypeMessage
	switch ev.Type {
	case domain.MessageTypeThinking:
		wsType, msgType = OutThinking, domain.MessageTypeThinking
	case domain.MessageTypeToolCall:
		wsType, msgType = OutToolCall, domain.MessageTypeToolCall
	case domain.MessageTypeToolResult:
		wsType, msgType = OutToolResult, domain.MessageTypeToolResult
	case domain.MessageTypeSystem:
		wsType, msgType = OutSystem, domain.MessageTypeSystem
	}

	sender := ev.Agent
	if sender == "" {
		sender = "Agent"
	}
	s.send(Outbound{
		Type:      wsType,
		Sender:    sender,
		Content:   ev.Content,
		Tool:      ev.Tool,
		Timestamp: now(),
	})

	if msgType.Ephemeral() {
		return
	}
	meta := map[string]any{"runId": runID}
	if ev.Tool != "" {
		meta["tool"] = ev.Tool
	}
	if err := s.deps.Store.AppendMessage(ctx, s.conversationID, domain.Message{
		Key:       id.MessageKey(),
		Sender:    sender,
		Type:      msgType,
		Content:   ev.Content,
		Metadata:  meta,
		Timestamp: now(),
	}); err != nil {
		s.logger.Warn("persist agent message: %v", err)
	}
}

func restrictToCrew(candidates []domain.Agent, agentIDs []string) []domain.Agent {
	allowed := map[string]bool{}
	for _, aid := range agentIDs {
		allowed[aid] = true
	}
	out := make([]domain.Agent, 0, len(agentIDs))
	for _, a := range candidates {
		if allowed[a.ID] {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return candidates
	}
	return out
}

func mergeSkills(primary, secondary []domain.Skill) []domain.Skill {
	seen := map[string]bool{}
	var out []domain.Skill
	for _, sk := range append(append([]domain.Skill{}, primary...), secondary...) {
		if seen[sk.ID] {
			continue
		}
		seen[sk.ID] = true
		out = append(out, sk)
	}
	return out
}

func firstWords(s string, n int) []string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return words
}

func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
