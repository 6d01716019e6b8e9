// Package roles turns a free-text topic into an ordered panel of distinct
// expert personas via a two-stage meta-LLM call (spec §4.B).
package roles

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/vasic-digital/discussiond/internal/llmgateway"
	"github.com/vasic-digital/discussiond/internal/model"
)

// DefaultPanelModelIDs is the fixed default panel cycled through when the
// caller supplies no preferred models. Treated as configuration per spec §6.
var DefaultPanelModelIDs = []string{"meta/general-a", "meta/general-b", "meta/general-c"}

const (
	analyzeTemperature = 0.25
	generateTemperature = 0.7
)

type personaDraft struct {
	Name        string `json:"name"`
	Expertise   string `json:"expertise"`
	Perspective string `json:"perspective"`
}

// Synthesizer implements the Role Synthesizer contract.
type Synthesizer struct {
	gateway        llmgateway.Client
	metaModelID    string
	panelModelIDs  []string
	logger         *logrus.Logger
}

// NewSynthesizer builds a Synthesizer. panelModelIDs falls back to
// DefaultPanelModelIDs when empty.
func NewSynthesizer(gateway llmgateway.Client, metaModelID string, panelModelIDs []string, logger *logrus.Logger) *Synthesizer {
	if logger == nil {
		logger = logrus.New()
	}
	if len(panelModelIDs) == 0 {
		panelModelIDs = DefaultPanelModelIDs
	}
	return &Synthesizer{gateway: gateway, metaModelID: metaModelID, panelModelIDs: panelModelIDs, logger: logger}
}

// Synthesize produces exactly numRoles distinct personas for topic. It never
// returns an error: total failure degrades to a panel of generic experts
// (spec §4.B "Failure semantics").
func (s *Synthesizer) Synthesize(ctx context.Context, topic string, numRoles int, preferredModelIDs []string) []model.Role {
	if numRoles < 2 {
		numRoles = 2
	}
	if numRoles > 8 {
		numRoles = 8
	}

	panel := preferredModelIDs
	if len(panel) == 0 {
		panel = s.panelModelIDs
	}

	analysis, err := s.analyzeTopic(ctx, topic)
	if err != nil {
		s.logger.WithError(err).WithField("topic", topic).Warn("role synthesis: topic analysis failed, falling back to generic panel")
		return s.genericPanel(topic, numRoles, panel, "general")
	}

	drafts, err := s.generateRoles(ctx, topic, analysis, numRoles)
	if err != nil {
		s.logger.WithError(err).WithField("topic", topic).Warn("role synthesis: role generation failed, falling back to generic panel")
		return s.genericPanel(topic, numRoles, panel, "general")
	}

	drafts = padOrTruncate(drafts, numRoles, analysis.PrimaryDomain)
	drafts = disambiguate(drafts)

	result := make([]model.Role, 0, numRoles)
	for i, d := range drafts {
		modelID := panel[i%len(panel)]
		result = append(result, model.Role{
			Name:              d.Name,
			Expertise:         d.Expertise,
			Perspective:       d.Perspective,
			BackingModelID:    modelID,
			SystemInstruction: renderInstruction(d.Name, d.Expertise, d.Perspective, topic),
		})
	}
	return result
}

func (s *Synthesizer) analyzeTopic(ctx context.Context, topic string) (model.TopicAnalysis, error) {
	var analysis model.TopicAnalysis
	transcript := []llmgateway.Turn{
		{SpeakerKind: llmgateway.SpeakerSystem, Text: "You analyze discussion topics and return structured JSON describing their domain and complexity."},
		{SpeakerKind: llmgateway.SpeakerUser, Text: fmt.Sprintf("Analyze this topic: %q. Return JSON with fields: primary_domain, sub_domains, complexity (1-5), key_aspects, recommended_expert_types.", topic)},
	}
	err := s.gateway.CompleteJSON(ctx, s.metaModelID, transcript, analyzeTemperature,
		`{primary_domain:string, sub_domains:[string], complexity:number, key_aspects:[string], recommended_expert_types:[string]}`, &analysis)
	return analysis, err
}

func (s *Synthesizer) generateRoles(ctx context.Context, topic string, analysis model.TopicAnalysis, numRoles int) ([]personaDraft, error) {
	var out struct {
		Personas []personaDraft `json:"personas"`
	}
	transcript := []llmgateway.Turn{
		{SpeakerKind: llmgateway.SpeakerSystem, Text: "You design panels of distinct expert personas for moderated discussions."},
		{SpeakerKind: llmgateway.SpeakerUser, Text: fmt.Sprintf(
			"Topic: %q. Domain: %s. Key aspects: %s. Generate exactly %d distinct expert personas, each with a unique name, a one-line expertise, and a one-line perspective. Return JSON: {\"personas\":[{\"name\":...,\"expertise\":...,\"perspective\":...}]}.",
			topic, analysis.PrimaryDomain, strings.Join(analysis.KeyAspects, ", "), numRoles,
		)},
	}
	err := s.gateway.CompleteJSON(ctx, s.metaModelID, transcript, generateTemperature,
		`{personas:[{name:string, expertise:string, perspective:string}]}`, &out)
	return out.Personas, err
}

// genericPanel builds numRoles generic "Expert k" personas carrying domain
// as their expertise. Used as the fallback when either LLM call fails; a
// short generator response is padded by padOrTruncate instead.
func (s *Synthesizer) genericPanel(topic string, numRoles int, panel []string, domain string) []model.Role {
	drafts := make([]personaDraft, 0, numRoles)
	for i := 0; i < numRoles; i++ {
		drafts = append(drafts, genericDraft(i+1, domain))
	}
	drafts = disambiguate(drafts)

	result := make([]model.Role, 0, numRoles)
	for i, d := range drafts {
		modelID := panel[i%len(panel)]
		result = append(result, model.Role{
			Name:              d.Name,
			Expertise:         d.Expertise,
			Perspective:       d.Perspective,
			BackingModelID:    modelID,
			SystemInstruction: renderInstruction(d.Name, d.Expertise, d.Perspective, topic),
		})
	}
	return result
}

func genericDraft(n int, domain string) personaDraft {
	if domain == "" {
		domain = "general"
	}
	return personaDraft{
		Name:        fmt.Sprintf("Expert %d", n),
		Expertise:   fmt.Sprintf("generalist knowledge of %s", domain),
		Perspective: "a broad, balanced view informed by the available evidence",
	}
}

// padOrTruncate fills short generator responses with generic personas and
// truncates overlong ones, per spec §4.B edge cases.
func padOrTruncate(drafts []personaDraft, numRoles int, domain string) []personaDraft {
	if len(drafts) > numRoles {
		return drafts[:numRoles]
	}
	for len(drafts) < numRoles {
		drafts = append(drafts, genericDraft(len(drafts)+1, domain))
	}
	return drafts
}

// disambiguate appends a numeric suffix to colliding names while preserving
// stable ordering, per spec §4.B edge cases.
func disambiguate(drafts []personaDraft) []personaDraft {
	seen := make(map[string]int)
	out := make([]personaDraft, len(drafts))
	for i, d := range drafts {
		seen[d.Name]++
		if seen[d.Name] > 1 {
			d.Name = fmt.Sprintf("%s %d", d.Name, seen[d.Name])
		}
		out[i] = d
	}
	return out
}
