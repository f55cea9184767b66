package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func estimate(lat, lon, conf float64) LocationEstimate {
	return LocationEstimate{Latitude: lat, Longitude: lon, Confidence: conf, Reasoning: "test"}
}

func TestConsensusAgreementBoostsConfidence(t *testing.T) {
	engine := NewConsensusEngine(50)

	// Five roles pointing at the same block in midtown Manhattan.
	findings := []Finding{
		{Role: RoleGeographic, Estimates: []LocationEstimate{estimate(40.7580, -73.9855, 0.6)}},
		{Role: RoleVisual, Estimates: []LocationEstimate{estimate(40.7581, -73.9856, 0.5)}},
		{Role: RoleEnvironmental, Estimates: []LocationEstimate{estimate(40.7579, -73.9854, 0.4)}},
		{Role: RoleCultural, Estimates: []LocationEstimate{estimate(40.7580, -73.9856, 0.55)}},
		{Role: RoleResearch, Estimates: []LocationEstimate{estimate(40.7582, -73.9855, 0.65)}},
	}

	primary, alternatives, err := engine.Reconcile(findings)
	require.NoError(t, err)

	assert.Empty(t, alternatives)
	assert.Greater(t, primary.Confidence, 0.65, "agreement should exceed the strongest single source")
	assert.LessOrEqual(t, primary.Confidence, 0.99)
	assert.InDelta(t, 40.758, primary.Latitude, 0.001)
	assert.InDelta(t, -73.9855, primary.Longitude, 0.001)
}

func TestConsensusAgreementBeatsLoneHighConfidence(t *testing.T) {
	engine := NewConsensusEngine(50)

	findings := []Finding{
		// Three roles agree on Paris at moderate confidence.
		{Role: RoleGeographic, Estimates: []LocationEstimate{estimate(48.8584, 2.2945, 0.5)}},
		{Role: RoleVisual, Estimates: []LocationEstimate{estimate(48.8585, 2.2946, 0.5)}},
		{Role: RoleCultural, Estimates: []LocationEstimate{estimate(48.8583, 2.2944, 0.5)}},
		// One role is very sure about Las Vegas.
		{Role: RoleResearch, Estimates: []LocationEstimate{estimate(36.1126, -115.1711, 0.9)}},
	}

	primary, alternatives, err := engine.Reconcile(findings)
	require.NoError(t, err)

	assert.InDelta(t, 48.8584, primary.Latitude, 0.001, "the agreeing cluster should win")
	require.Len(t, alternatives, 1)
	assert.InDelta(t, 36.1126, alternatives[0].Latitude, 0.001)
	assert.Less(t, alternatives[0].Confidence, primary.Confidence)
	// Single-source guesses are discounted.
	assert.InDelta(t, 0.9*engine.SingleSourceWeight, alternatives[0].Confidence, 1e-9)
}

func TestConsensusValidationBackedClusterRanksFirst(t *testing.T) {
	engine := NewConsensusEngine(50)

	findings := []Finding{
		{Role: RoleGeographic, Estimates: []LocationEstimate{estimate(51.5007, -0.1246, 0.8)}},
		{Role: RoleVisual, Estimates: []LocationEstimate{estimate(51.5008, -0.1247, 0.8)}},
		{Role: RoleCultural, Estimates: []LocationEstimate{estimate(35.6586, 139.7454, 0.3)}},
		{Role: RoleValidation, Estimates: []LocationEstimate{estimate(35.6587, 139.7455, 0.4)}},
	}

	primary, alternatives, err := engine.Reconcile(findings)
	require.NoError(t, err)

	assert.InDelta(t, 35.6586, primary.Latitude, 0.001, "validation confirmation outranks higher confidence")
	require.Len(t, alternatives, 1)
	assert.InDelta(t, 51.5007, alternatives[0].Latitude, 0.001)
}

func TestConsensusNoEstimates(t *testing.T) {
	engine := NewConsensusEngine(50)

	findings := []Finding{
		{Role: RoleGeographic, Insight: "unable to determine location"},
		{Role: RoleVisual},
		{Role: RoleValidation},
	}

	_, _, err := engine.Reconcile(findings)
	assert.ErrorIs(t, err, ErrNoLocationFound)
}

func TestConsensusDeterministic(t *testing.T) {
	engine := NewConsensusEngine(50)

	findings := []Finding{
		{Role: RoleGeographic, Estimates: []LocationEstimate{estimate(10, 10, 0.5)}},
		{Role: RoleVisual, Estimates: []LocationEstimate{estimate(20, 20, 0.5)}},
		{Role: RoleEnvironmental, Estimates: []LocationEstimate{estimate(30, 30, 0.5)}},
	}

	first, firstAlts, err := engine.Reconcile(findings)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		primary, alts, err := engine.Reconcile(findings)
		require.NoError(t, err)
		assert.Equal(t, first, primary)
		assert.Equal(t, firstAlts, alts)
	}
}

func TestConsensusAlternativesCapped(t *testing.T) {
	engine := NewConsensusEngine(50)

	// Eight scattered guesses from one role produce eight clusters.
	var estimates []LocationEstimate
	for i := 0; i < 8; i++ {
		estimates = append(estimates, estimate(float64(i*5), float64(i*5), 0.5))
	}
	findings := []Finding{{Role: RoleGeographic, Estimates: estimates}}

	_, alternatives, err := engine.Reconcile(findings)
	require.NoError(t, err)
	assert.Len(t, alternatives, engine.MaxAlternatives)
}

func TestConsensusConfidenceMonotoneInAgreement(t *testing.T) {
	engine := NewConsensusEngine(50)

	base := []Finding{
		{Role: RoleGeographic, Estimates: []LocationEstimate{estimate(40, -70, 0.5)}},
		{Role: RoleVisual, Estimates: []LocationEstimate{estimate(40, -70, 0.5)}},
	}
	primary2, _, err := engine.Reconcile(base)
	require.NoError(t, err)

	more := append(base, Finding{Role: RoleEnvironmental, Estimates: []LocationEstimate{estimate(40, -70, 0.5)}})
	primary3, _, err := engine.Reconcile(more)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, primary3.Confidence, primary2.Confidence)
}

func TestConsensusClampsOutOfRangeEstimates(t *testing.T) {
	engine := NewConsensusEngine(50)

	findings := []Finding{
		{Role: RoleGeographic, Estimates: []LocationEstimate{estimate(95, 200, 1.7)}},
	}

	primary, _, err := engine.Reconcile(findings)
	require.NoError(t, err)

	assert.LessOrEqual(t, primary.Latitude, 90.0)
	assert.LessOrEqual(t, primary.Longitude, 180.0)
	assert.LessOrEqual(t, primary.Confidence, 1.0)
	assert.GreaterOrEqual(t, primary.Confidence, 0.0)
}

func TestConsensusMergesDescriptiveFields(t *testing.T) {
	engine := NewConsensusEngine(50)

	findings := []Finding{
		{Role: RoleGeographic, Estimates: []LocationEstimate{{
			Latitude: 40.7580, Longitude: -73.9855, Confidence: 0.6,
			Reasoning: "dense urban grid", Country: "United States",
			Features: map[string]string{"terrain": "urban"},
		}}},
		{Role: RoleCultural, Estimates: []LocationEstimate{{
			Latitude: 40.7581, Longitude: -73.9856, Confidence: 0.5,
			Reasoning: "english signage", PlaceName: "Times Square", Region: "New York",
			Features: map[string]string{"language": "english"},
		}}},
	}

	primary, _, err := engine.Reconcile(findings)
	require.NoError(t, err)

	assert.Equal(t, "Times Square", primary.PlaceName)
	assert.Equal(t, "United States", primary.Country)
	assert.Equal(t, "New York", primary.Region)
	assert.Equal(t, "urban", primary.Features["terrain"])
	assert.Equal(t, "english", primary.Features["language"])
	assert.Contains(t, primary.Reasoning, "agreement across")
}
