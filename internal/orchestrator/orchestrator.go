// Package orchestrator owns every live discussion: it synthesizes panels,
// drives each discussion's turn loop, selects speakers, coordinates the
// consensus evaluator and event bus, and exposes the session-level API
// described in spec §4.E and §6.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vasic-digital/discussiond/internal/consensus"
	"github.com/vasic-digital/discussiond/internal/errkind"
	"github.com/vasic-digital/discussiond/internal/eventbus"
	"github.com/vasic-digital/discussiond/internal/llmgateway"
	"github.com/vasic-digital/discussiond/internal/model"
	"github.com/vasic-digital/discussiond/internal/roles"
)

// Config holds the tunables named in spec §6's configuration surface.
type Config struct {
	MaxTurns               int
	ConsensusThreshold     float64
	PerCallTimeout         time.Duration
	MetaModelID            string
	DefaultPanelModelIDs   []string
	SubscriberQueueBound   int
	MaxConcurrentDiscussions int
}

// DefaultConfig mirrors the defaults named in spec §6.
func DefaultConfig() Config {
	return Config{
		MaxTurns:                 20,
		ConsensusThreshold:       0.85,
		PerCallTimeout:           60 * time.Second,
		MetaModelID:              "meta/general-a",
		SubscriberQueueBound:     eventbus.DefaultSubscriberQueueBound,
		MaxConcurrentDiscussions: 32,
	}
}

// speakerSelectionTemperature and speakerSelectionMaxTokens bound the
// short, cheap speaker-pick call (spec §4.E step 2).
const (
	speakerSelectionTemperature = 0.5
	speakerSelectionMaxTokens   = 50
	utteranceTemperature        = 0.7
	utteranceMaxTokens          = 500
	leastActiveWindow           = 10
	speakerContextWindow        = 5

	// speakerSelectionTimeout bounds the speaker-pick call, which is short
	// and cheap relative to a full utterance (spec §5: "speaker-selection
	// call shorter" than the default per-call deadline).
	speakerSelectionTimeout = 15 * time.Second
)

// discussionState is the orchestrator's private, mutable wrapper around a
// model.Discussion. The mutex serializes the turn loop's appends against
// the single external writer (PostUserMessage), per spec §5.
type discussionState struct {
	mu      sync.Mutex
	data    *model.Discussion
	stopped bool
	running bool
}

// discussionSlots bounds how many discussion loops may run concurrently
// (spec §5 "at most max_concurrent_discussions running loops"). A loop
// blocks in acquire until a slot frees, or until its setup context expires.
type discussionSlots struct {
	ch  chan struct{}
	mu  sync.Mutex
	cur int
}

func newDiscussionSlots(max int) *discussionSlots {
	return &discussionSlots{ch: make(chan struct{}, max)}
}

func (s *discussionSlots) acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		s.mu.Lock()
		s.cur++
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *discussionSlots) release() {
	select {
	case <-s.ch:
		s.mu.Lock()
		if s.cur > 0 {
			s.cur--
		}
		s.mu.Unlock()
	default:
	}
}

// inUse reports the current number of running discussion loops, for tests
// and observability.
func (s *discussionSlots) inUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Orchestrator implements the Discussion Orchestrator contract (spec §4.E).
type Orchestrator struct {
	cfg       Config
	gateway   llmgateway.Client
	synth     *roles.Synthesizer
	evaluator *consensus.Evaluator
	bus       *eventbus.Bus
	slots     *discussionSlots
	logger    *logrus.Logger

	mu          sync.RWMutex
	discussions map[string]*discussionState
}

// New builds an Orchestrator wired to the given collaborators.
func New(cfg Config, gateway llmgateway.Client, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultConfig().MaxTurns
	}
	if cfg.MaxConcurrentDiscussions <= 0 {
		cfg.MaxConcurrentDiscussions = DefaultConfig().MaxConcurrentDiscussions
	}

	return &Orchestrator{
		cfg:         cfg,
		gateway:     gateway,
		synth:       roles.NewSynthesizer(gateway, cfg.MetaModelID, cfg.DefaultPanelModelIDs, logger),
		evaluator:   consensus.NewEvaluator(gateway, cfg.MetaModelID, cfg.ConsensusThreshold, logger),
		bus:         eventbus.New(eventbus.Config{SubscriberQueueBound: cfg.SubscriberQueueBound, Logger: logger}),
		slots:       newDiscussionSlots(cfg.MaxConcurrentDiscussions),
		logger:      logger,
		discussions: make(map[string]*discussionState),
	}
}

// Create synthesizes a panel and registers a new active discussion. It does
// not start the turn loop; call Run to begin it (spec §4.E: "create...
// returns a handle and begins the loop in the background" — callers that
// want the background run should call Run immediately after Create, which
// is exactly what the session-level skin in internal/httpapi does).
func (o *Orchestrator) Create(ctx context.Context, topic, userTag string, numAgents int, preferredModels []string, maxTurns int) (*model.Discussion, error) {
	if len(topic) < 10 || len(topic) > 500 {
		return nil, errkind.New(errkind.InvalidArgument, "create", fmt.Errorf("topic must be 10-500 chars, got %d", len(topic)))
	}
	if numAgents < 2 || numAgents > 8 {
		return nil, errkind.New(errkind.InvalidArgument, "create", fmt.Errorf("num_agents must be in [2,8], got %d", numAgents))
	}
	if maxTurns == 0 {
		maxTurns = o.cfg.MaxTurns
	}
	if maxTurns < 3 || maxTurns > 50 {
		return nil, errkind.New(errkind.InvalidArgument, "create", fmt.Errorf("max_turns must be in [3,50], got %d", maxTurns))
	}

	panel := o.synth.Synthesize(ctx, topic, numAgents, preferredModels)

	now := time.Now()
	disc := &model.Discussion{
		ID:        uuid.NewString(),
		Topic:     topic,
		UserTag:   userTag,
		Roles:     panel,
		MaxTurns:  maxTurns,
		Status:    model.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	disc.Messages = append(disc.Messages, model.Message{
		Sequence:   1,
		AuthorKind: model.AuthorSystem,
		AuthorName: "System",
		Body:       fmt.Sprintf("Discussion started on: %s", topic),
		Turn:       0,
		CreatedAt:  now,
	})

	state := &discussionState{data: disc}

	o.mu.Lock()
	o.discussions[disc.ID] = state
	o.mu.Unlock()

	o.logger.WithFields(logrus.Fields{"discussion_id": disc.ID, "roles": len(panel)}).Info("discussion created")
	return disc.Snapshot(), nil
}

// Run starts the background turn loop for an existing discussion. At most
// one loop may run per discussion at a time (spec §4.E invariant).
func (o *Orchestrator) Run(discussionID string) error {
	state, err := o.get(discussionID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	if state.running {
		state.mu.Unlock()
		return nil
	}
	state.running = true
	state.mu.Unlock()

	go o.runLoop(state)
	return nil
}

func (o *Orchestrator) get(discussionID string) (*discussionState, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	state, ok := o.discussions[discussionID]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "lookup", fmt.Errorf("discussion %s not found", discussionID))
	}
	return state, nil
}

// Inspect returns a read-only snapshot of a discussion's current state.
func (o *Orchestrator) Inspect(discussionID string) (*model.Discussion, error) {
	state, err := o.get(discussionID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.data.Snapshot(), nil
}

// Transcript returns a page of messages ordered ascending by sequence.
func (o *Orchestrator) Transcript(discussionID string, limit, offset int) ([]model.Message, int, error) {
	state, err := o.get(discussionID)
	if err != nil {
		return nil, 0, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	all := state.data.Messages
	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []model.Message{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	page := append([]model.Message(nil), all[offset:end]...)
	return page, total, nil
}

// PostUserMessage appends a user message while the discussion is active.
// It serializes with the turn loop's own appends via the discussion's
// mutex, satisfying spec §5's single-writer requirement.
func (o *Orchestrator) PostUserMessage(discussionID, body, userTag string) error {
	if len(body) < 1 || len(body) > 2000 {
		return errkind.New(errkind.InvalidArgument, "post_user_message", fmt.Errorf("body must be 1-2000 chars"))
	}
	state, err := o.get(discussionID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	if state.data.Status != model.StatusActive {
		state.mu.Unlock()
		return errkind.New(errkind.Terminated, "post_user_message", fmt.Errorf("discussion %s is not active", discussionID))
	}
	msg := model.Message{
		Sequence:   len(state.data.Messages) + 1,
		AuthorKind: model.AuthorUser,
		AuthorName: "User",
		Body:       body,
		Turn:       state.data.CurrentTurn,
		CreatedAt:  time.Now(),
	}
	state.data.Messages = append(state.data.Messages, msg)
	state.data.UpdatedAt = msg.CreatedAt
	state.mu.Unlock()

	o.bus.Publish(discussionID, eventbus.Event{Kind: eventbus.KindUserMessage, Body: body, UserTag: userTag})
	return nil
}

// Stop marks a running discussion as stopped. The turn loop observes this
// between turns and exits without appending further agent messages.
func (o *Orchestrator) Stop(discussionID string) error {
	state, err := o.get(discussionID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	if state.data.Status.Terminal() {
		state.mu.Unlock()
		return nil
	}
	state.stopped = true
	state.mu.Unlock()
	return nil
}

// Delete removes a discussion from the registry. Idempotent: deleting an
// absent or already-deleted discussion succeeds with no side effects.
func (o *Orchestrator) Delete(discussionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if state, ok := o.discussions[discussionID]; ok {
		state.mu.Lock()
		state.stopped = true
		state.mu.Unlock()
		delete(o.discussions, discussionID)
	}
	o.bus.Close(discussionID)
	return nil
}

// Subscribe returns a new subscription to discussionID's event stream.
func (o *Orchestrator) Subscribe(discussionID string) (*eventbus.Subscription, error) {
	if _, err := o.get(discussionID); err != nil {
		return nil, err
	}
	return o.bus.Subscribe(discussionID), nil
}

// ListModels reports the model ids the configured gateway currently
// serves, so a caller can discover a valid backing_model_id before
// calling Create (original_source/'s get_available_models).
func (o *Orchestrator) ListModels(ctx context.Context) ([]string, error) {
	return o.gateway.ListModels(ctx)
}

// Shutdown closes every live event stream and marks any still-active
// discussion failed, for process teardown (spec §5 cancellation rules).
func (o *Orchestrator) Shutdown() {
	o.mu.RLock()
	states := make([]*discussionState, 0, len(o.discussions))
	for _, s := range o.discussions {
		states = append(states, s)
	}
	o.mu.RUnlock()

	for _, s := range states {
		s.mu.Lock()
		if !s.data.Status.Terminal() {
			s.data.Status = model.StatusFailed
		}
		s.mu.Unlock()
	}
	o.bus.Shutdown()
}
