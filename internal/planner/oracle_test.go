package planner

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewhub/internal/domain"
	"crewhub/internal/errors"
	"crewhub/internal/llm"
)

const validPlanJSON = `{
	"agents": ["agent-researcher"],
	"tasks": [{"name": "Research", "description": "dig in", "expectedOutput": "notes", "agentId": "agent-researcher", "order": 1}],
	"process": "sequential",
	"questions": ["Which market?"]
}`

func TestPlanParsesValidResponse(t *testing.T) {
	mock := llm.NewMock(validPlanJSON)
	oracle := NewOracle(mock, nil)

	raw, err := oracle.Plan(context.Background(), "find gaps", nil,
		[]domain.Agent{{ID: "agent-researcher"}}, OracleConfig{Model: "test-model"})
	require.NoError(t, err)

	assert.Equal(t, []string{"agent-researcher"}, raw.Agents)
	require.Len(t, raw.Tasks, 1)
	assert.Equal(t, "Research", raw.Tasks[0].Name)
	assert.Equal(t, []string{"Which market?"}, raw.Questions)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "test-model", calls[0].Opts.Model)
	assert.True(t, calls[0].Opts.JSONMode)
	assert.InDelta(t, 0.2, calls[0].Opts.Temperature, 0.001)
}

func TestPlanRepairsMalformedJSONLocally(t *testing.T) {
	// Trailing comma: invalid JSON, but repairable without a second model call.
	broken := `{"agents": ["agent-researcher"], "tasks": [{"name": "Research", "order": 1},]}`
	mock := llm.NewMock(broken)
	oracle := NewOracle(mock, nil)

	raw, err := oracle.Plan(context.Background(), "objective", nil,
		[]domain.Agent{{ID: "agent-researcher"}}, OracleConfig{})
	require.NoError(t, err)

	require.Len(t, raw.Tasks, 1)
	assert.Len(t, mock.Calls(), 1)
}

func TestPlanRepromptsOnceOnSchemaFailure(t *testing.T) {
	// First response is well-formed JSON that fails validation (no tasks),
	// second is valid.
	mock := llm.NewMock(`{"agents": [], "tasks": []}`, validPlanJSON)
	oracle := NewOracle(mock, nil)

	raw, err := oracle.Plan(context.Background(), "objective", nil,
		[]domain.Agent{{ID: "agent-researcher"}}, OracleConfig{})
	require.NoError(t, err)

	require.Len(t, raw.Tasks, 1)
	calls := mock.Calls()
	require.Len(t, calls, 2)
	// The repair prompt carries the previous response for the model to fix.
	assert.Len(t, calls[1].Messages, 4)
	assert.Equal(t, "assistant", calls[1].Messages[2].Role)
}

func TestPlanFailsAfterFailedRepair(t *testing.T) {
	mock := llm.NewMock(`{"tasks": []}`, `{"tasks": []}`)
	oracle := NewOracle(mock, nil)

	_, err := oracle.Plan(context.Background(), "objective", nil,
		[]domain.Agent{{ID: "agent-researcher"}}, OracleConfig{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindPlanning))
	assert.Len(t, mock.Calls(), 2)
}

func TestPlanWrapsTransportErrors(t *testing.T) {
	mock := llm.NewMock().FailWith(fmt.Errorf("connection refused"))
	oracle := NewOracle(mock, nil)

	_, err := oracle.Plan(context.Background(), "objective", nil,
		[]domain.Agent{{ID: "agent-researcher"}}, OracleConfig{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindPlanning))
}
