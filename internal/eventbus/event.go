package eventbus

import "time"

// Kind is a tag in the closed event union (spec §4.D). Unknown kinds are a
// protocol error for subscribers, never silently ignored.
type Kind string

const (
	KindConnected          Kind = "connected"
	KindAgentMessage       Kind = "agent_message"
	KindUserMessage        Kind = "user_message"
	KindConsensusUpdate    Kind = "consensus_update"
	KindDiscussionComplete Kind = "discussion_complete"
	KindDiscussionStopped  Kind = "discussion_stopped"
	KindError              Kind = "error"
	KindKeepalive          Kind = "keepalive"
)

// Event is the closed tagged union every subscriber observes. All kinds
// carry DiscussionID and Timestamp; the remaining fields are populated per
// Kind and left zero otherwise.
type Event struct {
	Kind         Kind      `json:"kind"`
	DiscussionID string    `json:"discussion_id"`
	Timestamp    time.Time `json:"timestamp"`

	// agent_message
	RoleName       string `json:"role_name,omitempty"`
	BackingModelID string `json:"backing_model_id,omitempty"`
	Body           string `json:"body,omitempty"`
	Turn           int    `json:"turn,omitempty"`

	// user_message
	UserTag string `json:"user_tag,omitempty"`

	// consensus_update
	Reached        bool     `json:"reached,omitempty"`
	Confidence     float64  `json:"confidence,omitempty"`
	Summary        string   `json:"summary,omitempty"`
	Agreements     []string `json:"agreements,omitempty"`
	Disagreements  []string `json:"disagreements,omitempty"`

	// discussion_complete
	TotalTurns       int  `json:"total_turns,omitempty"`
	ConsensusReached bool `json:"consensus_reached,omitempty"`
	FinalSummary     string `json:"final_summary,omitempty"`

	// discussion_stopped / error
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Terminal reports whether this event kind is the last one any subscriber
// observes for its discussion (spec §8 property 4, §5 ordering guarantees).
func (e Event) Terminal() bool {
	switch e.Kind {
	case KindDiscussionComplete, KindDiscussionStopped, KindError:
		return true
	default:
		return false
	}
}

func newEvent(discussionID string, kind Kind) Event {
	return Event{Kind: kind, DiscussionID: discussionID, Timestamp: time.Now()}
}
