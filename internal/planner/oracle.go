package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"

	"crewhub/internal/domain"
	"crewhub/internal/errors"
	"crewhub/internal/llm"
	"crewhub/internal/logging"
)

// OracleConfig tunes the planning call.
type OracleConfig struct {
	Model        string
	SystemPrompt string
	MaxAgents    int
	Process      string
}

const defaultPlannerPrompt = `You are a crew planner. Given an objective, user inputs and a roster of candidate agents, produce a JSON object with this exact shape:
{
  "agents": ["<agent id>", ...],
  "tasks": [{"name": "...", "description": "...", "expectedOutput": "...", "agentId": "<agent id>", "order": 1}, ...],
  "process": "sequential" | "hierarchical",
  "questions": ["<clarifying question>", ...]
}
Pick only agents from the roster. Order tasks so each builds on the previous one. Ask clarifying questions only when the objective is genuinely ambiguous. Respond with JSON only.`

// Oracle plans crews by prompting a language model constrained to a fixed
// JSON schema.
type Oracle struct {
	client llm.Client
	logger logging.Logger
}

// NewOracle constructs a planning oracle on top of the given client.
func NewOracle(client llm.Client, logger logging.Logger) *Oracle {
	return &Oracle{client: client, logger: logging.OrNop(logger)}
}

type oraclePayload struct {
	Objective string         `json:"objective"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	MaxAgents int            `json:"maxAgents"`
	Process   string         `json:"process"`
	Agents    []domain.Agent `json:"agents"`
}

// Plan asks the model for a raw plan. On schema-validation failure a local
// JSON repair is tried first, then one re-prompt asking the model to fix its
// own output, before surfacing a planning error.
func (o *Oracle) Plan(ctx context.Context, objective string, inputs map[string]any, agents []domain.Agent, cfg OracleConfig) (RawPlan, error) {
	system := cfg.SystemPrompt
	if system == "" {
		system = defaultPlannerPrompt
	}
	maxAgents := cfg.MaxAgents
	if maxAgents <= 0 {
		maxAgents = 6
	}
	process := cfg.Process
	if process == "" {
		process = string(domain.ProcessSequential)
	}

	payload, err := json.Marshal(oraclePayload{
		Objective: objective,
		Inputs:    inputs,
		MaxAgents: maxAgents,
		Process:   process,
		Agents:    agents,
	})
	if err != nil {
		return RawPlan{}, errors.Wrap(errors.KindPlanning, err, "encode planner payload")
	}

	opts := llm.Options{Model: cfg.Model, Temperature: 0.2, JSONMode: true}
	raw, err := o.client.Complete(ctx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: string(payload)},
	}, opts)
	if err != nil {
		return RawPlan{}, errors.Wrap(errors.KindPlanning, err, "planning call failed")
	}

	plan, parseErr := parsePlan(raw)
	if parseErr == nil {
		return plan, nil
	}
	o.logger.Warn("plan did not validate, attempting repair: %v", parseErr)

	// One re-prompt: show the model its own output and the parse error.
	repairReq := fmt.Sprintf("Your previous response was not valid plan JSON (%v). "+
		"Return the corrected JSON object only.\n\nPrevious response:\n%s", parseErr, raw)
	repaired, err := o.client.Complete(ctx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: string(payload)},
		{Role: "assistant", Content: raw},
		{Role: "user", Content: repairReq},
	}, opts)
	if err != nil {
		return RawPlan{}, errors.Wrap(errors.KindPlanning, err, "plan repair call failed")
	}
	plan, parseErr = parsePlan(repaired)
	if parseErr != nil {
		return RawPlan{}, errors.Wrap(errors.KindPlanning, parseErr, "plan failed schema validation after repair")
	}
	return plan, nil
}

// parsePlan decodes the model's output, tolerating the malformed JSON models
// habitually emit by running it through jsonrepair before giving up.
func parsePlan(raw string) (RawPlan, error) {
	var plan RawPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		fixed, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return RawPlan{}, fmt.Errorf("unmarshal plan: %w", err)
		}
		if err := json.Unmarshal([]byte(fixed), &plan); err != nil {
			return RawPlan{}, fmt.Errorf("unmarshal repaired plan: %w", err)
		}
	}
	if len(plan.Tasks) == 0 {
		return RawPlan{}, fmt.Errorf("plan has no tasks")
	}
	return plan, nil
}
