package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vasic-digital/discussiond/internal/errkind"
	"github.com/vasic-digital/discussiond/internal/eventbus"
	"github.com/vasic-digital/discussiond/internal/llmgateway"
	"github.com/vasic-digital/discussiond/internal/model"
)

// scriptedGateway is a fully deterministic stand-in for the real LLM
// gateway, letting tests drive exact discussion shapes without any network
// access (spec scenarios S1-S6 require reproducible transcripts).
type scriptedGateway struct {
	mu sync.Mutex

	// speakerOverride, if set, is returned verbatim for every speaker-pick
	// call (a short completion whose temperature is speakerSelectionTemperature).
	speakerOverride string

	// consensusConfidence drives every evaluator CompleteJSON call.
	consensusConfidence float64
	disagreements       []string

	utteranceBodies map[string]int // per-role call counter, for varied/identical text
	failUtterances  bool

	// utteranceDelay, if set, makes every non-speaker-pick call take this
	// long, so a run spans real time and can be stopped part-way through.
	utteranceDelay time.Duration
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{
		consensusConfidence: 0.2,
		disagreements:       []string{"still disagree"},
		utteranceBodies:     make(map[string]int),
	}
}

func (g *scriptedGateway) CompleteText(ctx context.Context, modelID string, transcript []llmgateway.Turn, temperature float64, maxOutputTokens int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if temperature == speakerSelectionTemperature {
		if g.speakerOverride != "" {
			return g.speakerOverride, nil
		}
		return "", fmt.Errorf("no speaker override set")
	}

	if g.utteranceDelay > 0 {
		time.Sleep(g.utteranceDelay)
	}

	if g.failUtterances {
		return "", errkind.New(errkind.Upstream, "complete_text", fmt.Errorf("boom"))
	}

	// Identify which role is speaking from its system_instruction, which is
	// always the first transcript entry and always contains the role name.
	role := "unknown"
	if len(transcript) > 0 {
		role = transcript[0].Text
	}
	g.utteranceBodies[role]++
	n := g.utteranceBodies[role]
	return fmt.Sprintf("contribution %d: point%d-a, point%d-b, point%d-c and point%d-d", n, n, n, n, n), nil
}

func (g *scriptedGateway) CompleteJSON(ctx context.Context, modelID string, transcript []llmgateway.Turn, temperature float64, schemaHint string, out interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	payload := map[string]interface{}{
		"confidence":    g.consensusConfidence,
		"summary":       "evaluator summary",
		"agreements":    []string{},
		"disagreements": g.disagreements,
	}
	raw, _ := json.Marshal(payload)
	return json.Unmarshal(raw, out)
}

func (g *scriptedGateway) Normalize(userFriendlyName string) string { return userFriendlyName }

func (g *scriptedGateway) ListModels(ctx context.Context) ([]string, error) { return nil, nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PerCallTimeout = 2 * time.Second
	cfg.MaxConcurrentDiscussions = 8
	return cfg
}

func waitTerminal(t *testing.T, o *Orchestrator, discussionID string, timeout time.Duration) *model.Discussion {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		d, err := o.Inspect(discussionID)
		require.NoError(t, err)
		if d.Status.Terminal() {
			return d
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("discussion %s did not reach a terminal status within %s", discussionID, timeout)
	return nil
}

// TestCreate_ValidatesInputRanges covers the invariants named in spec §4.E's
// create contract.
func TestCreate_ValidatesInputRanges(t *testing.T) {
	gw := newScriptedGateway()
	o := New(testConfig(), gw, nil)

	_, err := o.Create(context.Background(), "too short", "u1", 3, nil, 10)
	assert.True(t, errkind.Is(err, errkind.InvalidArgument))

	_, err = o.Create(context.Background(), strings.Repeat("a very long topic ", 40), "u1", 3, nil, 10)
	assert.True(t, errkind.Is(err, errkind.InvalidArgument))

	_, err = o.Create(context.Background(), "a perfectly reasonable discussion topic", "u1", 1, nil, 10)
	assert.True(t, errkind.Is(err, errkind.InvalidArgument))

	_, err = o.Create(context.Background(), "a perfectly reasonable discussion topic", "u1", 9, nil, 10)
	assert.True(t, errkind.Is(err, errkind.InvalidArgument))

	_, err = o.Create(context.Background(), "a perfectly reasonable discussion topic", "u1", 3, nil, 2)
	assert.True(t, errkind.Is(err, errkind.InvalidArgument))

	disc, err := o.Create(context.Background(), "a perfectly reasonable discussion topic", "u1", 3, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, disc.Status)
	assert.Len(t, disc.Roles, 3)
	assert.Equal(t, 1, disc.Messages[0].Sequence)
	assert.Equal(t, model.AuthorSystem, disc.Messages[0].AuthorKind)
}

// TestRun_S2_HappyPathConsensus covers scenario S2: consensus is reached on
// an even turn and the discussion completes with a final summary.
func TestRun_S2_HappyPathConsensus(t *testing.T) {
	gw := newScriptedGateway()
	gw.consensusConfidence = 0.95
	gw.disagreements = nil

	o := New(testConfig(), gw, nil)
	disc, err := o.Create(context.Background(), "should the team adopt a four day work week trial", "u1", 2, nil, 10)
	require.NoError(t, err)
	gw.speakerOverride = disc.Roles[0].Name

	require.NoError(t, o.Run(disc.ID))
	final := waitTerminal(t, o, disc.ID, 5*time.Second)

	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.True(t, final.ConsensusReached)
	assert.NotNil(t, final.ConsensusConfidence)
	assert.InDelta(t, 0.95, *final.ConsensusConfidence, 0.0001)
	assert.NotEmpty(t, final.FinalSummary)
	assert.GreaterOrEqual(t, final.CurrentTurn, 3)
	assert.LessOrEqual(t, final.CurrentTurn, final.MaxTurns)
}

// TestRun_S3_TurnCapExhaustion covers scenario S3: consensus never reached,
// the loop terminates at max_turns with no_consensus.
func TestRun_S3_TurnCapExhaustion(t *testing.T) {
	gw := newScriptedGateway()
	gw.consensusConfidence = 0.1
	gw.disagreements = []string{"fundamental disagreement remains"}

	o := New(testConfig(), gw, nil)
	disc, err := o.Create(context.Background(), "should the city rezone downtown for mixed use", "u1", 2, nil, 4)
	require.NoError(t, err)
	gw.speakerOverride = disc.Roles[0].Name

	require.NoError(t, o.Run(disc.ID))
	final := waitTerminal(t, o, disc.ID, 5*time.Second)

	assert.Equal(t, model.StatusNoConsensus, final.Status)
	assert.Equal(t, 4, final.CurrentTurn)
	assert.False(t, final.ConsensusReached)
}

// TestRun_S4_StalemateEscalates covers scenario S4: near-identical agent
// replies over the stalemate window trigger an escalation without ever
// calling the meta-model's JSON evaluator.
func TestRun_S4_StalemateEscalates(t *testing.T) {
	gw := newScriptedGateway()
	o := New(testConfig(), gw, nil)
	disc, err := o.Create(context.Background(), "should the committee approve the proposed budget increase", "u1", 2, nil, 20)
	require.NoError(t, err)
	gw.speakerOverride = disc.Roles[0].Name

	// Force every utterance to be identical text regardless of call count,
	// which is exactly the shape detectStalemate looks for.
	o.gateway = &identicalUtteranceGateway{scriptedGateway: gw, fixed: "I maintain my original position without any new argument here"}

	require.NoError(t, o.Run(disc.ID))
	final := waitTerminal(t, o, disc.ID, 5*time.Second)

	assert.Equal(t, model.StatusNoConsensus, final.Status)
	assert.False(t, final.ConsensusReached)
}

type identicalUtteranceGateway struct {
	*scriptedGateway
	fixed string
}

func (g *identicalUtteranceGateway) CompleteText(ctx context.Context, modelID string, transcript []llmgateway.Turn, temperature float64, maxOutputTokens int) (string, error) {
	if temperature == speakerSelectionTemperature {
		return g.scriptedGateway.speakerOverride, nil
	}
	return g.fixed, nil
}

// TestPostUserMessage_VisibleAndRejectedWhenTerminal covers scenario S5 and
// the terminated-discussion rejection edge case.
func TestPostUserMessage_VisibleAndRejectedWhenTerminal(t *testing.T) {
	gw := newScriptedGateway()
	o := New(testConfig(), gw, nil)
	disc, err := o.Create(context.Background(), "should the library extend its weekend hours", "u1", 2, nil, 10)
	require.NoError(t, err)

	require.NoError(t, o.PostUserMessage(disc.ID, "please also consider the budget impact", "u1"))

	transcript, total, err := o.Transcript(disc.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, model.AuthorUser, transcript[1].AuthorKind)
	assert.Equal(t, "please also consider the budget impact", transcript[1].Body)

	require.NoError(t, o.Stop(disc.ID))
	// Stop alone doesn't flip status until the loop observes it; force it
	// directly here since Run was never called for this discussion.
	state, err := o.get(disc.ID)
	require.NoError(t, err)
	o.terminate(state, model.StatusStopped, nil)

	err = o.PostUserMessage(disc.ID, "too late now", "u1")
	assert.True(t, errkind.Is(err, errkind.Terminated))
}

// TestStop_MidFlightEndsLoopWithoutFurtherAgentMessages covers scenario S6.
func TestStop_MidFlightEndsLoopWithoutFurtherAgentMessages(t *testing.T) {
	gw := newScriptedGateway()
	gw.consensusConfidence = 0.1
	gw.disagreements = []string{"ongoing"}
	gw.utteranceDelay = 10 * time.Millisecond

	o := New(testConfig(), gw, nil)
	disc, err := o.Create(context.Background(), "should the office switch to a fully remote policy", "u1", 2, nil, 50)
	require.NoError(t, err)
	gw.speakerOverride = disc.Roles[0].Name

	require.NoError(t, o.Run(disc.ID))

	// Let a couple of turns happen, then stop mid-flight.
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, o.Stop(disc.ID))

	final := waitTerminal(t, o, disc.ID, 5*time.Second)
	assert.Equal(t, model.StatusStopped, final.Status)

	countAtStop := final.CurrentTurn
	time.Sleep(100 * time.Millisecond)
	again, err := o.Inspect(disc.ID)
	require.NoError(t, err)
	assert.Equal(t, countAtStop, again.CurrentTurn, "no further turns after stop")
}

// stopRaceGateway lets a test pin down exactly when, relative to a call to
// Stop, the utterance call is in flight: it blocks the utterance
// CompleteText on proceed after signaling started, opening a deterministic
// window in which the caller can call Stop before the call returns. Other
// calls (speaker pick, final summary) pass straight through.
type stopRaceGateway struct {
	*scriptedGateway
	started chan struct{}
	proceed chan struct{}
}

func (g *stopRaceGateway) CompleteText(ctx context.Context, modelID string, transcript []llmgateway.Turn, temperature float64, maxOutputTokens int) (string, error) {
	if temperature != utteranceTemperature {
		return g.scriptedGateway.CompleteText(ctx, modelID, transcript, temperature, maxOutputTokens)
	}
	close(g.started)
	<-g.proceed
	return g.scriptedGateway.CompleteText(ctx, modelID, transcript, temperature, maxOutputTokens)
}

// TestRunOneTurn_StopDuringGatewayCallDiscardsAppend covers the mid-flight
// stop race: Stop landing while the utterance call is outstanding must
// discard that utterance rather than append it, and the discussion must
// still reach StatusStopped instead of hanging active forever.
func TestRunOneTurn_StopDuringGatewayCallDiscardsAppend(t *testing.T) {
	gw := newScriptedGateway()
	race := &stopRaceGateway{scriptedGateway: gw, started: make(chan struct{}), proceed: make(chan struct{})}

	o := New(testConfig(), race, nil)
	disc, err := o.Create(context.Background(), "should the warehouse shift to a four shift rotation", "u1", 2, nil, 50)
	require.NoError(t, err)
	gw.speakerOverride = disc.Roles[0].Name

	require.NoError(t, o.Run(disc.ID))

	<-race.started
	require.NoError(t, o.Stop(disc.ID))
	close(race.proceed)

	final := waitTerminal(t, o, disc.ID, 5*time.Second)
	assert.Equal(t, model.StatusStopped, final.Status)

	transcript, total, err := o.Transcript(disc.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total, "in-flight utterance must be discarded, leaving only the system framing message")
	assert.Equal(t, model.AuthorSystem, transcript[0].AuthorKind)
}

// TestSubscribe_ReceivesAgentMessagesAndTerminalEvent exercises the event
// bus wiring end to end through the orchestrator.
func TestSubscribe_ReceivesAgentMessagesAndTerminalEvent(t *testing.T) {
	gw := newScriptedGateway()
	gw.consensusConfidence = 0.95
	gw.disagreements = nil

	o := New(testConfig(), gw, nil)
	disc, err := o.Create(context.Background(), "should the conference move to a hybrid format permanently", "u1", 2, nil, 10)
	require.NoError(t, err)
	gw.speakerOverride = disc.Roles[0].Name

	sub, err := o.Subscribe(disc.ID)
	require.NoError(t, err)
	defer sub.Cancel()

	first := <-sub.Recv()
	assert.Equal(t, eventbus.KindConnected, first.Kind)

	require.NoError(t, o.Run(disc.ID))

	sawAgentMessage := false
	sawTerminal := false
	deadline := time.After(5 * time.Second)
	for !sawTerminal {
		select {
		case ev, ok := <-sub.Recv():
			if !ok {
				t.Fatal("event channel closed before terminal event observed")
			}
			if ev.Kind == eventbus.KindAgentMessage {
				sawAgentMessage = true
			}
			if ev.Terminal() {
				sawTerminal = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
	assert.True(t, sawAgentMessage)
}

// TestDelete_IsIdempotent covers the delete contract's idempotence.
func TestDelete_IsIdempotent(t *testing.T) {
	gw := newScriptedGateway()
	o := New(testConfig(), gw, nil)
	disc, err := o.Create(context.Background(), "should the park district add a new dog park", "u1", 2, nil, 10)
	require.NoError(t, err)

	require.NoError(t, o.Delete(disc.ID))
	require.NoError(t, o.Delete(disc.ID))

	_, err = o.Inspect(disc.ID)
	assert.True(t, errkind.Is(err, errkind.NotFound))
}

// TestDiscussionSlots_BoundsConcurrency covers spec §5's
// max_concurrent_discussions cap.
func TestDiscussionSlots_BoundsConcurrency(t *testing.T) {
	slots := newDiscussionSlots(1)

	require.NoError(t, slots.acquire(context.Background()))
	assert.Equal(t, 1, slots.inUse())

	full, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := slots.acquire(full)
	assert.Error(t, err, "second acquire must block while the only slot is held")

	slots.release()
	assert.Equal(t, 0, slots.inUse())

	require.NoError(t, slots.acquire(context.Background()), "slot must be available again after release")
}

// TestMatchRoleName_ExactAndSubstring covers the matching rule named in spec §9.
func TestMatchRoleName_ExactAndSubstring(t *testing.T) {
	roles := []model.Role{{Name: "Dr. Elena Vance"}, {Name: "Marcus Holt"}}

	r, ok := matchRoleName("Marcus Holt", roles)
	require.True(t, ok)
	assert.Equal(t, "Marcus Holt", r.Name)

	r, ok = matchRoleName("I think Dr. Elena Vance should respond next", roles)
	require.True(t, ok)
	assert.Equal(t, "Dr. Elena Vance", r.Name)

	_, ok = matchRoleName("Someone Else Entirely", roles)
	assert.False(t, ok)
}

// TestLeastRecentlyActive_PicksFewestRecentOccurrences covers the fallback
// rule named in spec §4.E / §9.
func TestLeastRecentlyActive_PicksFewestRecentOccurrences(t *testing.T) {
	roles := []model.Role{{Name: "A"}, {Name: "B"}, {Name: "C"}}
	history := []model.Message{
		{AuthorKind: model.AuthorAgent, AuthorName: "A"},
		{AuthorKind: model.AuthorAgent, AuthorName: "A"},
		{AuthorKind: model.AuthorAgent, AuthorName: "B"},
	}
	picked := leastRecentlyActive(roles, history)
	assert.Equal(t, "C", picked.Name)
}
