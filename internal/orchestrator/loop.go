package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vasic-digital/discussiond/internal/consensus"
	"github.com/vasic-digital/discussiond/internal/eventbus"
	"github.com/vasic-digital/discussiond/internal/llmgateway"
	"github.com/vasic-digital/discussiond/internal/metrics"
	"github.com/vasic-digital/discussiond/internal/model"
)

// runLoop drives discussionState through turns until a terminal condition
// is reached, then publishes the terminal event and releases the loop
// concurrency slot (spec §4.E turn loop, §5 "one logical task per running
// discussion").
func (o *Orchestrator) runLoop(state *discussionState) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PerCallTimeout*time.Duration(state.data.MaxTurns+5))
	defer cancel()

	if err := o.slots.acquire(ctx); err != nil {
		o.failDiscussion(state, fmt.Errorf("could not acquire discussion slot: %w", err))
		return
	}
	defer o.slots.release()

	metrics.DiscussionsActive.Inc()
	defer metrics.DiscussionsActive.Dec()

	defer func() {
		state.mu.Lock()
		state.running = false
		state.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			o.logger.WithField("discussion_id", state.data.ID).WithField("panic", r).Error("discussion loop crashed")
			o.failDiscussion(state, fmt.Errorf("panic: %v", r))
		}
	}()

	for {
		// Stop is observed here: between turns, after the previous
		// append, before the next speaker selection.
		if o.isStopped(state) {
			o.terminate(state, model.StatusStopped, nil)
			return
		}

		callCtx, callCancel := context.WithTimeout(ctx, o.cfg.PerCallTimeout)
		turn, done := o.runOneTurn(callCtx, state)
		callCancel()

		if done {
			if turn.terminalStatus != "" {
				o.terminate(state, turn.terminalStatus, turn.snapshot)
			}
			return
		}
	}
}

type turnOutcome struct {
	terminalStatus model.Status
	snapshot       *model.ConsensusSnapshot
}

// runOneTurn executes exactly one turn: speaker pick, utterance, append,
// publish, and (on even turns from 4 on) a consensus check. It returns
// done=true when the loop must stop, with terminalStatus set if the stop is
// due to convergence, escalation or turn-cap exhaustion (as opposed to an
// external Stop(), which is handled by the caller).
func (o *Orchestrator) runOneTurn(ctx context.Context, state *discussionState) (turnOutcome, bool) {
	state.mu.Lock()
	if state.data.Status != model.StatusActive || state.stopped {
		state.mu.Unlock()
		return turnOutcome{}, false
	}
	nextTurn := state.data.CurrentTurn + 1
	rolesSnapshot := append([]model.Role(nil), state.data.Roles...)
	history := append([]model.Message(nil), state.data.Messages...)
	topic := state.data.Topic
	maxTurns := state.data.MaxTurns
	state.mu.Unlock()

	speakerCtx, speakerCancel := context.WithTimeout(ctx, speakerSelectionTimeout)
	speaker := o.selectSpeaker(speakerCtx, rolesSnapshot, history, topic)
	speakerCancel()
	transcript := buildAgentTranscript(speaker, rolesSnapshot, history)

	body, err := o.gateway.CompleteText(ctx, speaker.BackingModelID, transcript, utteranceTemperature, utteranceMaxTokens)
	if err != nil {
		o.logger.WithError(err).WithField("discussion_id", state.data.ID).Warn("utterance generation failed, using placeholder")
		body = "(no response)"
	}

	// A stop may have landed while the gateway call above was in flight.
	// Observing it here discards the utterance instead of appending it
	// (spec §5: "an append after stop MUST NOT occur"); the caller's
	// isStopped check on the next loop iteration drives the actual
	// termination and discussion_stopped publish.
	state.mu.Lock()
	if state.data.Status != model.StatusActive || state.stopped {
		state.mu.Unlock()
		return turnOutcome{}, false
	}
	msg := model.Message{
		Sequence:       len(state.data.Messages) + 1,
		AuthorKind:     model.AuthorAgent,
		AuthorName:     speaker.Name,
		BackingModelID: speaker.BackingModelID,
		Body:           body,
		Turn:           nextTurn,
		CreatedAt:      time.Now(),
	}
	state.data.Messages = append(state.data.Messages, msg)
	state.data.CurrentTurn = nextTurn
	state.data.UpdatedAt = msg.CreatedAt
	fullHistory := append([]model.Message(nil), state.data.Messages...)
	state.mu.Unlock()

	o.bus.Publish(state.data.ID, eventbus.Event{
		Kind:           eventbus.KindAgentMessage,
		RoleName:       speaker.Name,
		BackingModelID: speaker.BackingModelID,
		Body:           body,
		Turn:           nextTurn,
	})
	metrics.TurnsTotal.Inc()

	if nextTurn >= 3 && nextTurn%2 == 0 {
		snap := o.evaluator.Evaluate(ctx, nonUserEntries(fullHistory), topic, nextTurn, maxTurns)
		metrics.ConsensusEvaluations.WithLabelValues(string(snap.Recommendation)).Inc()

		switch {
		case snap.Reached:
			state.mu.Lock()
			state.data.ConsensusReached = true
			conf := snap.Confidence
			state.data.ConsensusConfidence = &conf
			state.mu.Unlock()
			return turnOutcome{terminalStatus: model.StatusCompleted, snapshot: &snap}, true

		case snap.Recommendation == model.RecommendEscalate:
			return turnOutcome{terminalStatus: model.StatusNoConsensus, snapshot: &snap}, true

		default:
			o.bus.Publish(state.data.ID, eventbus.Event{
				Kind:          eventbus.KindConsensusUpdate,
				Reached:       snap.Reached,
				Confidence:    snap.Confidence,
				Summary:       snap.Summary,
				Agreements:    snap.Agreements,
				Disagreements: snap.Disagreements,
			})
		}
	}

	if nextTurn >= maxTurns {
		return turnOutcome{terminalStatus: model.StatusNoConsensus}, true
	}

	return turnOutcome{}, false
}

func (o *Orchestrator) isStopped(state *discussionState) bool {
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.stopped || state.data.Status.Terminal()
}

// terminate computes (or reuses) a final snapshot, requests the wrap-up
// summary, sets the terminal status and publishes the terminal event.
func (o *Orchestrator) terminate(state *discussionState, status model.Status, snap *model.ConsensusSnapshot) {
	state.mu.Lock()
	if state.data.Status.Terminal() {
		state.mu.Unlock()
		return
	}
	topic := state.data.Topic
	history := append([]model.Message(nil), state.data.Messages...)
	maxTurns := state.data.MaxTurns
	turn := state.data.CurrentTurn
	state.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PerCallTimeout)
	defer cancel()

	var final model.ConsensusSnapshot
	if snap != nil {
		final = *snap
	} else {
		final = o.evaluator.Evaluate(ctx, nonUserEntries(history), topic, turn, maxTurns)
	}
	summary := o.evaluator.FinalSummary(ctx, nonUserEntries(history), topic, final)

	state.mu.Lock()
	state.data.Status = status
	state.data.FinalSummary = summary
	state.data.UpdatedAt = time.Now()
	discussionID := state.data.ID
	consensusReached := state.data.ConsensusReached
	turnsNow := state.data.CurrentTurn
	state.mu.Unlock()
	metrics.DiscussionsTotal.WithLabelValues(string(status)).Inc()

	if status == model.StatusStopped {
		o.bus.Publish(discussionID, eventbus.Event{Kind: eventbus.KindDiscussionStopped, Reason: "stop requested"})
	} else {
		o.bus.Publish(discussionID, eventbus.Event{
			Kind:             eventbus.KindDiscussionComplete,
			TotalTurns:       turnsNow,
			ConsensusReached: consensusReached,
			FinalSummary:     summary,
		})
	}
	o.bus.Close(discussionID)
}

func (o *Orchestrator) failDiscussion(state *discussionState, cause error) {
	state.mu.Lock()
	if state.data.Status.Terminal() {
		state.mu.Unlock()
		return
	}
	state.data.Status = model.StatusFailed
	state.data.UpdatedAt = time.Now()
	discussionID := state.data.ID
	state.mu.Unlock()
	metrics.DiscussionsTotal.WithLabelValues(string(model.StatusFailed)).Inc()

	o.logger.WithError(cause).WithField("discussion_id", discussionID).Error("discussion failed")
	o.bus.Publish(discussionID, eventbus.Event{Kind: eventbus.KindError, Message: cause.Error()})
	o.bus.Close(discussionID)
}

// selectSpeaker asks the meta-model for the next speaker (spec §4.E step
// 2). Matching is exact case-insensitive equality, else substring
// containment either way, else the least-recently-active fallback.
func (o *Orchestrator) selectSpeaker(ctx context.Context, roles []model.Role, history []model.Message, topic string) model.Role {
	agentSpoke := false
	for _, m := range history {
		if m.AuthorKind == model.AuthorAgent {
			agentSpoke = true
			break
		}
	}
	if !agentSpoke {
		// Bootstrap turn: no agent has spoken yet, first role speaks.
		return roles[0]
	}

	picked, err := o.askSpeakerPick(ctx, roles, history, topic)
	if err == nil {
		if role, ok := matchRoleName(picked, roles); ok {
			return role
		}
	}
	return leastRecentlyActive(roles, history)
}

func (o *Orchestrator) askSpeakerPick(ctx context.Context, roles []model.Role, history []model.Message, topic string) (string, error) {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.Name
	}

	recent := history
	if len(recent) > speakerContextWindow {
		recent = recent[len(recent)-speakerContextWindow:]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s\nParticipants: %s\nRecent messages:\n", topic, strings.Join(names, ", "))
	for _, m := range recent {
		fmt.Fprintf(&sb, "[%s]: %s\n", m.AuthorName, m.Body)
	}
	sb.WriteString("Who should speak next? Reply with only their name.")

	transcript := []llmgateway.Turn{
		{SpeakerKind: llmgateway.SpeakerSystem, Text: "You choose which panelist should speak next in a moderated discussion."},
		{SpeakerKind: llmgateway.SpeakerUser, Text: sb.String()},
	}
	return o.gateway.CompleteText(ctx, o.cfg.MetaModelID, transcript, speakerSelectionTemperature, speakerSelectionMaxTokens)
}

// matchRoleName implements spec §9's required matching rule: exact
// case-insensitive equality, else substring containment either way.
func matchRoleName(picked string, roles []model.Role) (model.Role, bool) {
	cleaned := strings.TrimSpace(picked)
	lower := strings.ToLower(cleaned)

	for _, r := range roles {
		if strings.ToLower(r.Name) == lower {
			return r, true
		}
	}
	for _, r := range roles {
		rl := strings.ToLower(r.Name)
		if strings.Contains(lower, rl) || strings.Contains(rl, lower) {
			return r, true
		}
	}
	return model.Role{}, false
}

// leastRecentlyActive picks, among the roles with the minimum occurrence
// count over the last 10 messages, the first in discussion-defined order —
// a stable, deterministic fallback (spec §4.E, §9).
func leastRecentlyActive(roles []model.Role, history []model.Message) model.Role {
	window := history
	if len(window) > leastActiveWindow {
		window = window[len(window)-leastActiveWindow:]
	}

	counts := make(map[string]int, len(roles))
	for _, r := range roles {
		counts[r.Name] = 0
	}
	for _, m := range window {
		if m.AuthorKind == model.AuthorAgent {
			if _, ok := counts[m.AuthorName]; ok {
				counts[m.AuthorName]++
			}
		}
	}

	best := roles[0]
	bestCount := counts[best.Name]
	for _, r := range roles[1:] {
		if counts[r.Name] < bestCount {
			best = r
			bestCount = counts[r.Name]
		}
	}
	return best
}

// buildAgentTranscript builds the transcript handed to the chosen speaker:
// its own system_instruction as the sole system entry, then every prior
// message tagged so the speaker's own prior messages map to assistant and
// everyone else's map to user with an inline "[Name]:" prefix (spec §4.E
// step 3 and §9's deliberate third-person framing).
func buildAgentTranscript(speaker model.Role, roles []model.Role, history []model.Message) []llmgateway.Turn {
	turns := make([]llmgateway.Turn, 0, len(history)+1)
	turns = append(turns, llmgateway.Turn{SpeakerKind: llmgateway.SpeakerSystem, Text: speaker.SystemInstruction})

	for _, m := range history {
		if m.AuthorKind == model.AuthorAgent && m.AuthorName == speaker.Name {
			turns = append(turns, llmgateway.Turn{SpeakerKind: llmgateway.SpeakerAssistant, Text: m.Body})
			continue
		}
		turns = append(turns, llmgateway.Turn{
			SpeakerKind: llmgateway.SpeakerUser,
			Text:        fmt.Sprintf("[%s]: %s", m.AuthorName, m.Body),
		})
	}
	return turns
}

// nonUserEntries converts full message history into the typed input the
// consensus evaluator consumes, stripping only user messages (spec §9: "do
// not let user messages into the evaluator's input"). The turn-0 system
// framing message is kept: the source counts it toward the evaluator's
// |messages| < 3 guard and this is preserved deliberately rather than
// quietly changed (spec §9 open questions).
func nonUserEntries(history []model.Message) []consensus.TranscriptEntry {
	entries := make([]consensus.TranscriptEntry, 0, len(history))
	for _, m := range history {
		if m.AuthorKind == model.AuthorUser {
			continue
		}
		entries = append(entries, consensus.TranscriptEntry{RoleName: m.AuthorName, Body: m.Body, Turn: m.Turn})
	}
	return entries
}
