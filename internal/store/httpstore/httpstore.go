// Package httpstore implements Store against the hosted content lake. The
// catalog and run records live in the lake and are reached over its query and
// mutation HTTP APIs; conversations are process-local, so they delegate to an
// embedded in-memory store.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crewhub/internal/domain"
	"crewhub/internal/logging"
	"crewhub/internal/store"
	"crewhub/internal/store/memstore"
)

// Config locates one content-lake dataset.
type Config struct {
	ProjectID string
	Dataset   string
	APIToken  string
	// BaseURL overrides the derived endpoint, for tests.
	BaseURL string
}

// Configured reports whether the lake credentials are present.
func (c Config) Configured() bool {
	return c.ProjectID != "" && c.APIToken != ""
}

// Store reads the catalog and persists runs through the content-lake API.
type Store struct {
	queryURL  string
	mutateURL string
	token     string
	client    *http.Client
	logger    logging.Logger
	local     *memstore.Store
}

var _ store.Store = (*Store)(nil)

// New creates a content-lake store.
func New(cfg Config, logger logging.Logger) *Store {
	base := cfg.BaseURL
	if base == "" {
		base = fmt.Sprintf("https://%s.api.crewhub.dev/v1/data", cfg.ProjectID)
	}
	dataset := cfg.Dataset
	if dataset == "" {
		dataset = "production"
	}
	return &Store{
		queryURL:  base + "/query/" + dataset,
		mutateURL: base + "/mutate/" + dataset,
		token:     cfg.APIToken,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logging.OrNop(logger),
		local:     memstore.New(),
	}
}

// query executes one lake query. Parameter values are JSON-encoded per the
// lake API convention.
func (s *Store) query(ctx context.Context, q string, params map[string]any, out any) error {
	values := url.Values{}
	values.Set("query", q)
	for key, value := range params {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode param %s: %w", key, err)
		}
		values.Set("$"+key, string(encoded))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.queryURL+"?"+values.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build query request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("query lake: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read query response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lake query returned %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode query envelope: %w", err)
	}
	if out == nil || len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil
	}
	return json.Unmarshal(envelope.Result, out)
}

// mutate posts a mutation batch to the lake.
func (s *Store) mutate(ctx context.Context, mutations []map[string]any) error {
	payload, err := json.Marshal(map[string]any{"mutations": mutations})
	if err != nil {
		return fmt.Errorf("encode mutations: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.mutateURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build mutate request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("mutate lake: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("lake mutation returned %d: %s", resp.StatusCode, truncate(string(body), 300))
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	q := `*[_type == "agent"] { "id": _id, name, role, goal, backstory, "model": llmModel, "tools": tools[]->name }`
	var agents []domain.Agent
	if err := s.query(ctx, q, nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

func (s *Store) ListCrews(ctx context.Context) ([]domain.Crew, error) {
	q := `*[_type == "crew"] { "id": _id, name, displayName, description, process, "agentIds": agents[]->_id }`
	var crews []domain.Crew
	if err := s.query(ctx, q, nil, &crews); err != nil {
		return nil, err
	}
	return crews, nil
}

func (s *Store) GetCrew(ctx context.Context, id string) (*domain.Crew, error) {
	q := `*[_type == "crew" && _id == $id][0] { "id": _id, name, displayName, description, process, "agentIds": agents[]->_id }`
	var crew domain.Crew
	if err := s.query(ctx, q, map[string]any{"id": id}, &crew); err != nil {
		return nil, err
	}
	if crew.ID == "" {
		return nil, store.ErrNotFound
	}
	return &crew, nil
}

func (s *Store) ListSkills(ctx context.Context) ([]domain.Skill, error) {
	q := `*[_type == "skill" && enabled == true] { "id": _id, name, description, steps, inputSchema }`
	var skills []domain.Skill
	if err := s.query(ctx, q, nil, &skills); err != nil {
		return nil, err
	}
	return skills, nil
}

func (s *Store) SearchSkills(ctx context.Context, query string, limit int) ([]domain.Skill, error) {
	if limit <= 0 {
		limit = 10
	}
	q := `*[_type == "skill" && enabled == true && (name match $q || description match $q)] | order(_updatedAt desc) [0...$limit] { "id": _id, name, description, steps, inputSchema }`
	params := map[string]any{
		"q":     "*" + strings.TrimSpace(query) + "*",
		"limit": limit,
	}
	var skills []domain.Skill
	if err := s.query(ctx, q, params, &skills); err != nil {
		return nil, err
	}
	return skills, nil
}

// runDoc is the lake representation of a run.
type runDoc struct {
	ID             string           `json:"_id"`
	Type           string           `json:"_type"`
	ConversationID string           `json:"conversationId,omitempty"`
	Objective      string           `json:"objective,omitempty"`
	Status         string           `json:"status"`
	Inputs         map[string]any   `json:"inputs,omitempty"`
	PlannedCrew    *domain.Plan     `json:"plannedCrew,omitempty"`
	Output         string           `json:"output,omitempty"`
	Error          *domain.RunError `json:"error,omitempty"`
	CreatedAt      string           `json:"createdAt,omitempty"`
	StartedAt      string           `json:"startedAt,omitempty"`
	CompletedAt    string           `json:"completedAt,omitempty"`
}

func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	// Mirror locally so status transitions stay enforceable even when the
	// lake write is lost.
	if err := s.local.CreateRun(ctx, run); err != nil {
		return err
	}
	doc := runDoc{
		ID:             run.ID,
		Type:           "run",
		ConversationID: run.ConversationID,
		Objective:      run.Objective,
		Status:         string(run.Status),
		Inputs:         run.Inputs,
		PlannedCrew:    run.PlannedCrew,
		CreatedAt:      run.CreatedAt.Format(time.RFC3339),
	}
	var asMap map[string]any
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode run doc: %w", err)
	}
	if err := json.Unmarshal(data, &asMap); err != nil {
		return fmt.Errorf("decode run doc: %w", err)
	}
	// createOrReplace keeps a retried create from failing with a conflict.
	if err := s.mutate(ctx, []map[string]any{{"createOrReplace": asMap}}); err != nil {
		s.logger.Warn("persist run %s to lake failed: %v", run.ID, err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	if run, err := s.local.GetRun(ctx, id); err == nil {
		return run, nil
	}
	q := `*[_type == "run" && _id == $id][0] { "id": _id, conversationId, objective, status, inputs, plannedCrew, output, error, createdAt, startedAt, completedAt }`
	var doc struct {
		runDoc
		ID string `json:"id"`
	}
	if err := s.query(ctx, q, map[string]any{"id": id}, &doc); err != nil {
		return nil, err
	}
	if doc.ID == "" {
		return nil, store.ErrNotFound
	}
	return &domain.Run{
		ID:             doc.ID,
		ConversationID: doc.ConversationID,
		Objective:      doc.Objective,
		Status:         domain.RunStatus(doc.Status),
		Inputs:         doc.Inputs,
		PlannedCrew:    doc.PlannedCrew,
		Output:         doc.Output,
		Error:          doc.Error,
		CreatedAt:      parseTime(doc.CreatedAt),
		StartedAt:      parseTime(doc.StartedAt),
		CompletedAt:    parseTime(doc.CompletedAt),
	}, nil
}

func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]domain.Run, error) {
	return s.local.ListRuns(ctx, filter)
}

func (s *Store) SetRunStatus(ctx context.Context, id string, status domain.RunStatus, patch store.RunPatch) error {
	if err := s.local.SetRunStatus(ctx, id, status, patch); err != nil {
		return err
	}
	set := map[string]any{"status": string(status)}
	if patch.Output != nil {
		set["output"] = *patch.Output
	}
	if patch.Error != nil {
		set["error"] = patch.Error
	}
	if patch.Objective != nil {
		set["objective"] = *patch.Objective
	}
	if patch.StartedAt != nil {
		set["startedAt"] = patch.StartedAt.Format(time.RFC3339)
	}
	if patch.CompletedAt != nil {
		set["completedAt"] = patch.CompletedAt.Format(time.RFC3339)
	}
	// A skeleton create keeps the patch from 404ing when the original create
	// was lost to a network blip.
	mutations := []map[string]any{
		{"createIfNotExists": map[string]any{"_id": id, "_type": "run", "status": string(status)}},
		{"patch": map[string]any{"id": id, "set": set}},
	}
	if err := s.mutate(ctx, mutations); err != nil {
		s.logger.Warn("update run %s in lake failed: %v", id, err)
	}
	return nil
}

func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	return s.local.CreateConversation(ctx, conv)
}

func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	return s.local.GetConversation(ctx, id)
}

func (s *Store) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	return s.local.ListConversations(ctx)
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	return s.local.DeleteConversation(ctx, id)
}

func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg domain.Message) error {
	return s.local.AppendMessage(ctx, conversationID, msg)
}

func (s *Store) SetConversationStatus(ctx context.Context, id string, status domain.ConversationStatus) error {
	return s.local.SetConversationStatus(ctx, id, status)
}

func (s *Store) SetConversationTitle(ctx context.Context, id, title string) error {
	return s.local.SetConversationTitle(ctx, id, title)
}

func (s *Store) SetConversationSummary(ctx context.Context, id, summary string) error {
	return s.local.SetConversationSummary(ctx, id, summary)
}

func (s *Store) AddRunToConversation(ctx context.Context, conversationID, runID string) error {
	return s.local.AddRunToConversation(ctx, conversationID, runID)
}

func (s *Store) SetActiveRun(ctx context.Context, conversationID, runID string) error {
	return s.local.SetActiveRun(ctx, conversationID, runID)
}

func (s *Store) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
