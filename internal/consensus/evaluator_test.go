package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vasic-digital/discussiond/internal/llmgateway"
	"github.com/vasic-digital/discussiond/internal/model"
)

type stubGateway struct {
	jsonResp   string
	failJSON   bool
	jsonCalls  int
}

func (s *stubGateway) CompleteText(ctx context.Context, modelID string, transcript []llmgateway.Turn, temperature float64, maxOutputTokens int) (string, error) {
	return "final wrap-up", nil
}

func (s *stubGateway) CompleteJSON(ctx context.Context, modelID string, transcript []llmgateway.Turn, temperature float64, schemaHint string, out interface{}) error {
	s.jsonCalls++
	if s.failJSON {
		return errors.New("boom")
	}
	return json.Unmarshal([]byte(s.jsonResp), out)
}

func (s *stubGateway) Normalize(name string) string { return name }

func (s *stubGateway) ListModels(ctx context.Context) ([]string, error) { return nil, nil }

func entries(bodies ...string) []TranscriptEntry {
	out := make([]TranscriptEntry, len(bodies))
	for i, b := range bodies {
		out[i] = TranscriptEntry{RoleName: "Agent", Body: b, Turn: i + 1}
	}
	return out
}

func TestEvaluate_InsufficientExchanges(t *testing.T) {
	e := NewEvaluator(&stubGateway{}, "meta", 0.85, nil)
	snap := e.Evaluate(context.Background(), entries("a", "b"), "topic", 1, 20)

	assert.False(t, snap.Reached)
	assert.Equal(t, 0.0, snap.Confidence)
	assert.Equal(t, model.RecommendContinue, snap.Recommendation)
}

// Property 9: synthetic transcript with >2 pairs exceeding Jaccard 0.70 over
// the last 6 messages must escalate without invoking the gateway.
func TestEvaluate_StalematePredicate(t *testing.T) {
	gw := &stubGateway{}
	e := NewEvaluator(gw, "meta", 0.85, nil)

	same := "the proposal increases cost without improving outcomes for patients"
	msgs := entries(same, same, same, same, same, same)

	snap := e.Evaluate(context.Background(), msgs, "topic", 6, 20)

	assert.False(t, snap.Reached)
	assert.Equal(t, model.RecommendEscalate, snap.Recommendation)
	assert.Contains(t, snap.Disagreements, "repeated arguments without progress")
	assert.Equal(t, 0, gw.jsonCalls, "stalemate must short-circuit before calling the gateway")
}

func TestEvaluate_NoStalemateWhenMessagesDiffer(t *testing.T) {
	gw := &stubGateway{jsonResp: `{"confidence":0.4,"summary":"ongoing","agreements":[],"disagreements":["pricing"]}`}
	e := NewEvaluator(gw, "meta", 0.85, nil)

	msgs := entries(
		"cost is the primary concern for rollout",
		"safety data looks promising across trials",
		"we should consider long term side effects",
		"patient access varies significantly by region",
		"insurance coverage differs across providers",
		"a phased rollout could reduce risk overall",
	)

	snap := e.Evaluate(context.Background(), msgs, "topic", 6, 20)
	assert.Equal(t, 1, gw.jsonCalls)
	assert.False(t, snap.Reached)
}

// Property 7: reached iff confidence >= threshold.
func TestEvaluate_ThresholdLaw(t *testing.T) {
	tests := []struct {
		confidence float64
		threshold  float64
		reached    bool
	}{
		{0.9, 0.85, true},
		{0.85, 0.85, true},
		{0.84, 0.85, false},
		{0.3, 0.2, true},
	}

	for _, tt := range tests {
		gw := &stubGateway{jsonResp: fmt.Sprintf(`{"confidence":%v,"summary":"s","agreements":[],"disagreements":["x"]}`, tt.confidence)}
		e := NewEvaluator(gw, "meta", tt.threshold, nil)
		msgs := entries("alpha beta", "gamma delta", "epsilon zeta")
		snap := e.Evaluate(context.Background(), msgs, "topic", 4, 20)
		assert.Equal(t, tt.reached, snap.Reached)
	}
}

func TestEvaluate_RecommendConclude_OnTurnCapOrNoDisagreements(t *testing.T) {
	gw := &stubGateway{jsonResp: `{"confidence":0.4,"summary":"s","agreements":["a"],"disagreements":[]}`}
	e := NewEvaluator(gw, "meta", 0.85, nil)
	msgs := entries("alpha beta", "gamma delta", "epsilon zeta")

	snap := e.Evaluate(context.Background(), msgs, "topic", 5, 20)
	assert.Equal(t, model.RecommendConclude, snap.Recommendation, "no disagreements left should conclude")

	gw2 := &stubGateway{jsonResp: `{"confidence":0.4,"summary":"s","agreements":[],"disagreements":["x"]}`}
	e2 := NewEvaluator(gw2, "meta", 0.85, nil)
	snap2 := e2.Evaluate(context.Background(), msgs, "topic", 20, 20)
	assert.Equal(t, model.RecommendConclude, snap2.Recommendation, "turn cap reached should conclude")
}

func TestEvaluate_GatewayFailureReturnsNeutralSnapshot(t *testing.T) {
	gw := &stubGateway{failJSON: true}
	e := NewEvaluator(gw, "meta", 0.85, nil)
	msgs := entries("alpha beta", "gamma delta", "epsilon zeta")

	snap := e.Evaluate(context.Background(), msgs, "topic", 4, 20)
	assert.False(t, snap.Reached)
	assert.Equal(t, 0.5, snap.Confidence)
	assert.Equal(t, model.RecommendContinue, snap.Recommendation)
	assert.Equal(t, "unable to analyze", snap.Summary)
}

func TestFinalSummary_ReusesSnapshotSummaryOnFailure(t *testing.T) {
	e := NewEvaluator(&failingTextGateway{}, "meta", 0.85, nil)
	summary := e.FinalSummary(context.Background(), entries("a"), "topic", model.ConsensusSnapshot{Summary: "fallback summary"})
	require.Equal(t, "fallback summary", summary)
}

type failingTextGateway struct{ stubGateway }

func (f *failingTextGateway) CompleteText(ctx context.Context, modelID string, transcript []llmgateway.Turn, temperature float64, maxOutputTokens int) (string, error) {
	return "", errors.New("boom")
}
