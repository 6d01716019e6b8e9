// Package model holds the domain types shared across the discussion engine:
// topics, roles, messages, discussions and consensus snapshots.
package model

import "time"

// AuthorKind identifies who produced a Message.
type AuthorKind string

const (
	AuthorSystem AuthorKind = "system"
	AuthorAgent  AuthorKind = "agent"
	AuthorUser   AuthorKind = "user"
)

// Status is the lifecycle state of a Discussion.
type Status string

const (
	StatusActive      Status = "active"
	StatusCompleted   Status = "completed"
	StatusNoConsensus Status = "no_consensus"
	StatusStopped     Status = "stopped"
	StatusFailed      Status = "failed"
)

// Terminal reports whether s is one of the four terminal states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusNoConsensus, StatusStopped, StatusFailed:
		return true
	default:
		return false
	}
}

// Recommendation is the consensus evaluator's verdict on what to do next.
type Recommendation string

const (
	RecommendContinue Recommendation = "continue"
	RecommendConclude Recommendation = "conclude"
	RecommendEscalate Recommendation = "escalate"
)

// TopicAnalysis is the transient output of the first role-synthesis stage.
type TopicAnalysis struct {
	PrimaryDomain           string   `json:"primary_domain"`
	SubDomains              []string `json:"sub_domains,omitempty"`
	Complexity              int      `json:"complexity"` // 1..5
	KeyAspects              []string `json:"key_aspects,omitempty"`
	RecommendedExpertTypes  []string `json:"recommended_expert_types,omitempty"`
}

// Role is an immutable expert persona attached to a discussion.
type Role struct {
	Name               string `json:"name"`
	Expertise          string `json:"expertise"`
	Perspective        string `json:"perspective"`
	BackingModelID     string `json:"backing_model_id"`
	SystemInstruction  string `json:"system_instruction"`
}

// Message is one append-only entry in a discussion's transcript.
type Message struct {
	Sequence       int        `json:"sequence"`
	AuthorKind     AuthorKind `json:"author_kind"`
	AuthorName     string     `json:"author_name"`
	BackingModelID string     `json:"backing_model_id,omitempty"`
	Body           string     `json:"body"`
	Turn           int        `json:"turn"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ConsensusSnapshot is the record produced by a single consensus evaluation.
type ConsensusSnapshot struct {
	Reached        bool           `json:"reached"`
	Confidence     float64        `json:"confidence"`
	Summary        string         `json:"summary"`
	Agreements     []string       `json:"agreements,omitempty"`
	Disagreements  []string       `json:"disagreements,omitempty"`
	Recommendation Recommendation `json:"recommendation"`
}

// Discussion is the core entity: topic + panel + transcript + status.
type Discussion struct {
	ID       string `json:"id"`
	Topic    string `json:"topic"`
	UserTag  string `json:"user_tag"`
	Roles    []Role `json:"roles"`
	MaxTurns int    `json:"max_turns"`

	Status            Status   `json:"status"`
	CurrentTurn       int      `json:"current_turn"`
	ConsensusReached  bool     `json:"consensus_reached"`
	ConsensusConfidence *float64 `json:"consensus_confidence,omitempty"`
	FinalSummary      string   `json:"final_summary,omitempty"`

	Messages []Message `json:"messages"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot returns a deep-enough copy of the discussion for external readers:
// the roles slice and message slice are copied so callers can't mutate the
// orchestrator's live state.
func (d *Discussion) Snapshot() *Discussion {
	cp := *d
	cp.Roles = append([]Role(nil), d.Roles...)
	cp.Messages = append([]Message(nil), d.Messages...)
	return &cp
}

// RoleByName returns the role with the given name, if present.
func (d *Discussion) RoleByName(name string) (Role, bool) {
	for _, r := range d.Roles {
		if r.Name == name {
			return r, true
		}
	}
	return Role{}, false
}
