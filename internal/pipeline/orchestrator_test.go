package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedModel answers per role based on the system prompt contents.
type scriptedModel struct {
	mu        sync.Mutex
	responses map[string]string // role name -> response
	errors    map[string]error
	calls     []string
}

func (m *scriptedModel) Generate(ctx context.Context, system, prompt string, temperature float64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for role, err := range m.errors {
		if strings.Contains(system, fmt.Sprintf("the %s analyzer", role)) {
			m.calls = append(m.calls, role)
			return "", err
		}
	}
	for role, resp := range m.responses {
		if strings.Contains(system, fmt.Sprintf("the %s analyzer", role)) {
			m.calls = append(m.calls, role)
			return resp, nil
		}
	}
	return `{"insight": "nothing", "estimates": []}`, nil
}

func findingJSON(lat, lon, conf float64) string {
	return fmt.Sprintf(`{"insight": "analysis", "estimates": [{"latitude": %f, "longitude": %f, "confidence": %f, "reasoning": "seen"}]}`, lat, lon, conf)
}

func newTestOrchestrator(llm ChatModel) *Orchestrator {
	return NewOrchestrator(llm, DefaultConfig())
}

func TestOrchestratorFullRun(t *testing.T) {
	llm := &scriptedModel{responses: map[string]string{
		RoleGeographic:    findingJSON(40.7580, -73.9855, 0.6),
		RoleVisual:        findingJSON(40.7581, -73.9856, 0.5),
		RoleEnvironmental: findingJSON(40.7579, -73.9854, 0.4),
		RoleCultural:      findingJSON(40.7580, -73.9856, 0.55),
		RoleResearch:      findingJSON(40.7582, -73.9855, 0.65),
		RoleValidation:    findingJSON(40.7580, -73.9855, 0.7),
	}}

	o := newTestOrchestrator(llm)

	result, err := o.Analyze(context.Background(), AnalysisRequest{ImageRef: "test.jpg", Description: "city street"}, nil)
	require.NoError(t, err)

	assert.InDelta(t, 40.758, result.Primary.Latitude, 0.001)
	assert.Greater(t, result.Primary.Confidence, 0.7)
	assert.GreaterOrEqual(t, result.ProcessingTime, 0.0)
	assert.Len(t, result.Insights, 6)
	assert.Len(t, llm.calls, 6)
}

func TestOrchestratorProgressMonotonic(t *testing.T) {
	llm := &scriptedModel{responses: map[string]string{
		RoleGeographic: findingJSON(40, -70, 0.6),
	}}

	o := newTestOrchestrator(llm)

	var mu sync.Mutex
	var fractions []float64
	onProgress := func(fraction float64, message string) {
		mu.Lock()
		defer mu.Unlock()
		fractions = append(fractions, fraction)
	}

	_, err := o.Analyze(context.Background(), AnalysisRequest{ImageRef: "test.jpg"}, onProgress)
	require.NoError(t, err)

	require.NotEmpty(t, fractions)
	for i := 1; i < len(fractions); i++ {
		assert.Greater(t, fractions[i], fractions[i-1], "progress must be strictly increasing at index %d", i)
	}
	assert.InDelta(t, 0.1, fractions[0], 1e-9)
	assert.InDelta(t, 1.0, fractions[len(fractions)-1], 1e-9)
}

func TestOrchestratorAnalyzerFailureDegrades(t *testing.T) {
	llm := &scriptedModel{
		responses: map[string]string{
			RoleGeographic: findingJSON(40.7580, -73.9855, 0.6),
			RoleVisual:     findingJSON(40.7581, -73.9856, 0.5),
		},
		errors: map[string]error{
			RoleResearch: errors.New("model unavailable"),
		},
	}

	o := newTestOrchestrator(llm)

	result, err := o.Analyze(context.Background(), AnalysisRequest{ImageRef: "test.jpg"}, nil)
	require.NoError(t, err, "one failing analyzer must not fail the run")
	assert.InDelta(t, 40.758, result.Primary.Latitude, 0.001)
	assert.Contains(t, result.Insights[RoleResearch], "failed")
}

func TestOrchestratorValidationFailureIsFatal(t *testing.T) {
	llm := &scriptedModel{
		responses: map[string]string{
			RoleGeographic: findingJSON(40.7580, -73.9855, 0.6),
		},
		errors: map[string]error{
			RoleValidation: errors.New("model unavailable"),
		},
	}

	o := newTestOrchestrator(llm)

	_, err := o.Analyze(context.Background(), AnalysisRequest{ImageRef: "test.jpg"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation")
}

func TestOrchestratorNoLocationFound(t *testing.T) {
	llm := &scriptedModel{} // every role returns no estimates

	o := newTestOrchestrator(llm)

	_, err := o.Analyze(context.Background(), AnalysisRequest{ImageRef: "blank.jpg"}, nil)
	assert.ErrorIs(t, err, ErrNoLocationFound)
}

func TestOrchestratorProgressPanicRecovered(t *testing.T) {
	llm := &scriptedModel{responses: map[string]string{
		RoleGeographic: findingJSON(40, -70, 0.6),
	}}

	o := newTestOrchestrator(llm)

	onProgress := func(fraction float64, message string) {
		panic("broken sink")
	}

	_, err := o.Analyze(context.Background(), AnalysisRequest{ImageRef: "test.jpg"}, onProgress)
	assert.NoError(t, err)
}

func TestOrchestratorStatus(t *testing.T) {
	o := newTestOrchestrator(NoopChatModel{})

	status := o.Status()
	assert.Len(t, status, 6)
	for _, role := range []string{RoleGeographic, RoleVisual, RoleEnvironmental, RoleCultural, RoleResearch, RoleValidation} {
		assert.Equal(t, "ready", status[role])
	}
}
