// Package consensus evaluates recent exchanges for agreement, disagreement
// and a continue/conclude/escalate recommendation (spec §4.C). A lexical
// Jaccard-overlap heuristic detects stalemate without ever calling the
// meta-model.
package consensus

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/vasic-digital/discussiond/internal/llmgateway"
	"github.com/vasic-digital/discussiond/internal/model"
)

// TranscriptEntry is the typed, user-filtered input the evaluator consumes.
// The orchestrator must strip user messages before building this slice
// (spec §9 "do not let user messages into the evaluator's input").
type TranscriptEntry struct {
	RoleName string
	Body     string
	Turn     int
}

const (
	stalemateWindow           = 6
	stalemateJaccardThreshold = 0.70
	stalemateMinExceedingPairs = 2 // "more than 2 pairs" i.e. >= 3
	evaluateTemperature       = 0.2
	minMessagesToEvaluate     = 3
)

// Evaluator implements the Consensus Evaluator contract.
type Evaluator struct {
	gateway     llmgateway.Client
	metaModelID string
	threshold   float64
	logger      *logrus.Logger
}

// NewEvaluator builds an Evaluator. threshold defaults to 0.85 when <= 0.
func NewEvaluator(gateway llmgateway.Client, metaModelID string, threshold float64, logger *logrus.Logger) *Evaluator {
	if threshold <= 0 {
		threshold = 0.85
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Evaluator{gateway: gateway, metaModelID: metaModelID, threshold: threshold, logger: logger}
}

// Evaluate implements the Consensus Evaluator contract, including the
// |messages| < 3 guard, the stalemate heuristic and the meta-model call.
func (e *Evaluator) Evaluate(ctx context.Context, messages []TranscriptEntry, topic string, currentTurn, maxTurns int) model.ConsensusSnapshot {
	if len(messages) < minMessagesToEvaluate {
		return model.ConsensusSnapshot{
			Reached:        false,
			Confidence:     0.0,
			Recommendation: model.RecommendContinue,
			Summary:        "insufficient exchanges",
		}
	}

	if snap, stale := detectStalemate(messages); stale {
		return snap
	}

	var result struct {
		Confidence    float64  `json:"confidence"`
		Summary       string   `json:"summary"`
		Agreements    []string `json:"agreements"`
		Disagreements []string `json:"disagreements"`
	}

	transcript := buildEvalTranscript(messages, topic)
	if err := e.gateway.CompleteJSON(ctx, e.metaModelID, transcript, evaluateTemperature,
		`{confidence:number, summary:string, agreements:[string], disagreements:[string]}`, &result); err != nil {
		e.logger.WithError(err).Warn("consensus evaluation failed, returning neutral snapshot")
		return model.ConsensusSnapshot{
			Reached:        false,
			Confidence:     0.5,
			Recommendation: model.RecommendContinue,
			Summary:        "unable to analyze",
		}
	}

	reached := result.Confidence >= e.threshold
	recommendation := model.RecommendContinue
	if reached || currentTurn >= maxTurns || len(result.Disagreements) == 0 {
		recommendation = model.RecommendConclude
	}

	return model.ConsensusSnapshot{
		Reached:        reached,
		Confidence:     result.Confidence,
		Summary:        result.Summary,
		Agreements:     result.Agreements,
		Disagreements:  result.Disagreements,
		Recommendation: recommendation,
	}
}

// FinalSummary produces a compact prose wrap-up. On gateway failure it
// reuses snapshot.Summary per spec §4.C.
func (e *Evaluator) FinalSummary(ctx context.Context, messages []TranscriptEntry, topic string, snapshot model.ConsensusSnapshot) string {
	transcript := buildEvalTranscript(messages, topic)
	transcript = append(transcript, llmgateway.Turn{
		SpeakerKind: llmgateway.SpeakerUser,
		Text:        "Write a compact prose wrap-up: an executive summary, the main conclusions, and suggested next steps.",
	})

	text, err := e.gateway.CompleteText(ctx, e.metaModelID, transcript, evaluateTemperature, 600)
	if err != nil {
		e.logger.WithError(err).Warn("final summary generation failed, reusing snapshot summary")
		return snapshot.Summary
	}
	return text
}

func buildEvalTranscript(messages []TranscriptEntry, topic string) []llmgateway.Turn {
	recent := messages
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}

	turns := []llmgateway.Turn{
		{SpeakerKind: llmgateway.SpeakerSystem, Text: fmt.Sprintf(
			"You evaluate the state of a multi-expert discussion on %q and report consensus.", topic)},
	}
	for _, m := range recent {
		turns = append(turns, llmgateway.Turn{
			SpeakerKind: llmgateway.SpeakerUser,
			Text:        fmt.Sprintf("[%s]: %s", m.RoleName, m.Body),
		})
	}
	return turns
}

// detectStalemate implements spec §4.C step 2 and §8 property 9: over the
// last 6 agent messages, if more than 2 pairs have word-set Jaccard
// similarity exceeding 0.70, escalate without calling the meta-model.
func detectStalemate(messages []TranscriptEntry) (model.ConsensusSnapshot, bool) {
	window := messages
	if len(window) > stalemateWindow {
		window = window[len(window)-stalemateWindow:]
	}
	if len(window) < 2 {
		return model.ConsensusSnapshot{}, false
	}

	wordSets := make([]map[string]struct{}, len(window))
	for i, m := range window {
		wordSets[i] = wordSet(m.Body)
	}

	exceeding := 0
	for i := 0; i < len(wordSets); i++ {
		for j := i + 1; j < len(wordSets); j++ {
			if jaccard(wordSets[i], wordSets[j]) > stalemateJaccardThreshold {
				exceeding++
			}
		}
	}

	if exceeding > stalemateMinExceedingPairs {
		return model.ConsensusSnapshot{
			Reached:        false,
			Confidence:     0.3,
			Recommendation: model.RecommendEscalate,
			Disagreements:  []string{"repeated arguments without progress"},
		}, true
	}
	return model.ConsensusSnapshot{}, false
}

func wordSet(text string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
