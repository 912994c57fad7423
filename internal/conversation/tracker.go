// Package conversation implements the Conversation Tracker (spec §4.B): it
// wraps every `question` message with a lifecycle FSM, drives timeouts and
// escalation, and surfaces every transition as an audited event.
package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev-labs/agentsquad/internal/bus"
	"github.com/kandev-labs/agentsquad/internal/common/config"
	"github.com/kandev-labs/agentsquad/internal/common/logger"
	"github.com/kandev-labs/agentsquad/internal/domain"
	"github.com/kandev-labs/agentsquad/internal/history"
)

// RoleResolver picks a live agent of the given role to hand an escalating
// conversation to. The Agent Factory/Registry (component H) implements it.
type RoleResolver interface {
	ResolveAgent(ctx context.Context, executionID string, role domain.Role) (agentID string, err error)
}

// EventHandler observes a ConversationEvent after it has been durably
// recorded. The Orchestrator and Broadcast Stream register handlers to
// react to transitions.
type EventHandler func(ctx context.Context, ev *domain.ConversationEvent)

// defaultEscalationChain is the role hierarchy walked on each escalation:
// developer-tier responders escalate to tech_lead, then project_manager.
// At escalation_level >= MaxEscalation the walk stops and a
// human_intervention_required message is published instead (spec §4.B).
var defaultEscalationChain = []domain.Role{
	domain.RoleTechLead,
	domain.RoleProjectManager,
}

// Tracker manages every live Conversation for a process.
type Tracker struct {
	mu       sync.Mutex
	timers   map[string]*time.Timer
	repo     Repository
	bus      bus.Bus
	resolver RoleResolver
	logger   *logger.Logger
	cfg      config.ConversationConfig

	// history is optional: when set, every tracker-originated message
	// (follow-up, escalation re-delivery, human-intervention notice) is
	// journalled the same way an Agent Runtime send is, so the §6
	// invariant that every Broadcast Stream message is retrievable via
	// History Store also holds for synthetic tracker messages.
	history history.Store

	handlersMu sync.RWMutex
	handlers   []EventHandler
}

// SetHistory wires the History Store that tracker-originated messages are
// journalled to before publication. Optional; without it, synthetic
// messages are still published to the bus but not journalled.
func (t *Tracker) SetHistory(h history.Store) {
	t.history = h
}

// New constructs a Tracker. resolver may be nil; escalation then always
// falls through to human_intervention_required.
func New(repo Repository, b bus.Bus, resolver RoleResolver, log *logger.Logger, cfg config.ConversationConfig) *Tracker {
	return &Tracker{
		timers:   make(map[string]*time.Timer),
		repo:     repo,
		bus:      b,
		resolver: resolver,
		logger:   log,
		cfg:      cfg,
	}
}

// OnEvent registers a handler invoked after every durably recorded
// ConversationEvent.
func (t *Tracker) OnEvent(h EventHandler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers = append(t.handlers, h)
}

// HandleMessage is the Tracker's entry point: it is invoked for every
// AgentMessage published on the bus, and applies whatever transition (if
// any) the message triggers.
func (t *Tracker) HandleMessage(ctx context.Context, msg *domain.AgentMessage) error {
	switch {
	case msg.Type == domain.MessageQuestion && msg.ConversationID == "":
		return t.initiate(ctx, msg)
	case msg.Type == domain.MessageAnswer && msg.ParentMessageID != "":
		return t.handleAnswer(ctx, msg)
	case msg.ConversationID != "":
		return t.handleAck(ctx, msg)
	}
	return nil
}

// initiate creates a new Conversation for a freshly published question.
func (t *Tracker) initiate(ctx context.Context, question *domain.AgentMessage) error {
	now := time.Now().UTC()
	conv := &domain.Conversation{
		ID:               uuid.NewString(),
		ExecutionID:      question.ExecutionID,
		InitialMessageID: question.ID,
		State:            domain.ConvInitiated,
		AskerID:          question.SenderID,
		DeadlineAt:       now.Add(t.cfg.AckTimeout()),
		CreatedAt:        now,
		Version:          0,
	}
	if question.RecipientID != "" {
		conv.CurrentResponderID = question.RecipientID
	}
	question.ConversationID = conv.ID

	if err := t.repo.Create(ctx, conv); err != nil {
		return fmt.Errorf("conversation: create: %w", err)
	}
	if err := t.recordEvent(ctx, conv, "", domain.ConvInitiated, question.ID, question.SenderID); err != nil {
		return err
	}

	t.scheduleDeadline(conv.ID, t.cfg.AckTimeout())
	t.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID), zap.String("execution_id", conv.ExecutionID))
	return nil
}

// handleAck transitions initiated -> waiting when the responder sends any
// non-question message addressed back to the asker within the conversation.
func (t *Tracker) handleAck(ctx context.Context, msg *domain.AgentMessage) error {
	if msg.Type == domain.MessageQuestion {
		return nil
	}
	conv, err := t.repo.Get(ctx, msg.ConversationID)
	if err != nil {
		return nil //nolint:nilerr // messages may reference conversations from other processes/tests
	}
	if conv.State != domain.ConvInitiated || msg.RecipientID != conv.AskerID {
		return nil
	}

	ackedAt := time.Now().UTC()
	prev := conv.State
	conv.State = domain.ConvWaiting
	conv.AckedAt = &ackedAt
	conv.DeadlineAt = ackedAt.Add(t.cfg.AnswerTimeout())
	conv.CurrentResponderID = msg.SenderID

	if err := t.applyTransition(ctx, conv, prev, msg.ID, msg.SenderID); err != nil {
		return err
	}
	t.scheduleDeadline(conv.ID, t.cfg.AnswerTimeout())
	return nil
}

// handleAnswer closes a conversation when the parent question is answered.
func (t *Tracker) handleAnswer(ctx context.Context, answer *domain.AgentMessage) error {
	conv, err := t.findByInitialMessage(ctx, answer.ParentMessageID)
	if err != nil {
		return nil //nolint:nilerr // answer may reference a question this process didn't track
	}
	if conv.State.IsTerminal() {
		return nil
	}

	closedAt := time.Now().UTC()
	prev := conv.State
	conv.State = domain.ConvAnswered
	conv.ClosedAt = &closedAt

	t.cancelTimer(conv.ID)
	return t.applyTransition(ctx, conv, prev, answer.ID, answer.SenderID)
}

// Cancel closes conversationID as cancelled by the asker.
func (t *Tracker) Cancel(ctx context.Context, conversationID, triggeredBy string) error {
	conv, err := t.repo.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.State.IsTerminal() {
		return nil
	}

	closedAt := time.Now().UTC()
	prev := conv.State
	conv.State = domain.ConvCancelled
	conv.ClosedAt = &closedAt

	t.cancelTimer(conv.ID)
	return t.applyTransition(ctx, conv, prev, "", triggeredBy)
}

// OpenConversationCount reports how many conversations tracked by this
// Tracker have not yet reached a terminal state, e.g. for a standup
// digest's "open conversations" figure.
func (t *Tracker) OpenConversationCount(ctx context.Context) (int, error) {
	pending, err := t.repo.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// scheduleDeadline arms (or re-arms) the per-conversation timer that fires
// the tracker's timeout handling.
func (t *Tracker) scheduleDeadline(conversationID string, after time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.timers[conversationID]; ok {
		existing.Stop()
	}
	t.timers[conversationID] = time.AfterFunc(after, func() {
		t.onDeadline(context.Background(), conversationID)
	})
}

func (t *Tracker) cancelTimer(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.timers[conversationID]; ok {
		existing.Stop()
		delete(t.timers, conversationID)
	}
}

// onDeadline drives initiated/waiting -> timeout -> follow_up -> escalating
// -> escalated, one step per fired deadline. escalated is not terminal: a
// further timeout there re-enters escalating to reach the next role in the
// chain, or raises human intervention once the chain is exhausted.
func (t *Tracker) onDeadline(ctx context.Context, conversationID string) {
	conv, err := t.repo.Get(ctx, conversationID)
	if err != nil || conv.State.IsTerminal() {
		return
	}

	var nextErr error
	switch conv.State {
	case domain.ConvInitiated, domain.ConvWaiting:
		nextErr = t.transitionTo(ctx, conv, domain.ConvTimeout, "", "")
		if nextErr == nil {
			t.scheduleDeadline(conv.ID, 0) // immediate: follow-up policy evaluated right away
		}
	case domain.ConvTimeout:
		if t.cfg.FollowUpPolicy == "repeated" || conv.EscalationLevel == 0 {
			nextErr = t.sendFollowUp(ctx, conv)
		} else {
			nextErr = t.beginEscalation(ctx, conv)
		}
	case domain.ConvFollowUp:
		nextErr = t.beginEscalation(ctx, conv)
	case domain.ConvEscalating:
		nextErr = t.completeEscalation(ctx, conv)
	case domain.ConvEscalated:
		// The redelivered question to the escalated responder also went
		// unanswered: re-enter escalation to reach the next role in the
		// chain, or raise human intervention once exhausted (spec §8
		// Scenario 2's "if TL also silent -> human_intervention_required").
		nextErr = t.beginEscalation(ctx, conv)
	}

	if nextErr != nil {
		t.logger.Error("conversation timer step failed",
			zap.String("conversation_id", conversationID), zap.Error(nextErr))
	}
}

func (t *Tracker) sendFollowUp(ctx context.Context, conv *domain.Conversation) error {
	prev := conv.State
	conv.State = domain.ConvFollowUp
	conv.DeadlineAt = time.Now().UTC().Add(t.cfg.AnswerTimeout())

	followUp := &domain.AgentMessage{
		ID:             uuid.NewString(),
		ExecutionID:    conv.ExecutionID,
		SenderID:       conv.AskerID,
		RecipientID:    conv.CurrentResponderID,
		Type:           domain.MessageQuestion,
		Content:        "follow up: awaiting a response to the earlier question",
		ConversationID: conv.ID,
		Flags:          domain.MessageFlags{FollowUp: true},
		CreatedAt:      time.Now().UTC(),
	}
	if err := t.publish(ctx, followUp); err != nil {
		return err
	}

	if err := t.applyTransition(ctx, conv, prev, followUp.ID, conv.AskerID); err != nil {
		return err
	}
	t.scheduleDeadline(conv.ID, t.cfg.AnswerTimeout())
	return nil
}

func (t *Tracker) beginEscalation(ctx context.Context, conv *domain.Conversation) error {
	prev := conv.State
	conv.State = domain.ConvEscalating
	conv.EscalationLevel++

	if err := t.applyTransition(ctx, conv, prev, "", ""); err != nil {
		return err
	}
	t.scheduleDeadline(conv.ID, 0)
	return nil
}

func (t *Tracker) completeEscalation(ctx context.Context, conv *domain.Conversation) error {
	prev := conv.State

	role, escalated := t.escalationTarget(conv.EscalationLevel)
	if !escalated {
		return t.raiseHumanIntervention(ctx, conv, prev)
	}

	var targetID string
	if t.resolver != nil {
		var err error
		targetID, err = t.resolver.ResolveAgent(ctx, conv.ExecutionID, role)
		if err != nil || targetID == "" {
			return t.raiseHumanIntervention(ctx, conv, prev)
		}
	} else {
		return t.raiseHumanIntervention(ctx, conv, prev)
	}

	conv.State = domain.ConvEscalated
	conv.CurrentResponderID = targetID
	conv.DeadlineAt = time.Now().UTC().Add(t.cfg.AnswerTimeout())

	redelivery := &domain.AgentMessage{
		ID:             uuid.NewString(),
		ExecutionID:    conv.ExecutionID,
		SenderID:       conv.AskerID,
		RecipientID:    targetID,
		Type:           domain.MessageQuestion,
		Content:        "escalated: please respond to the pending question",
		ConversationID: conv.ID,
		ParentMessageID: conv.InitialMessageID,
		Flags:          domain.MessageFlags{Escalation: true},
		CreatedAt:      time.Now().UTC(),
	}
	if err := t.publish(ctx, redelivery); err != nil {
		return err
	}

	if err := t.applyTransition(ctx, conv, prev, redelivery.ID, targetID); err != nil {
		return err
	}
	t.scheduleDeadline(conv.ID, t.cfg.AnswerTimeout())
	return nil
}

func (t *Tracker) raiseHumanIntervention(ctx context.Context, conv *domain.Conversation, prev domain.ConversationState) error {
	conv.State = domain.ConvEscalated
	conv.CurrentResponderID = string(domain.RoleHumanIntervention)

	notice := &domain.AgentMessage{
		ID:             uuid.NewString(),
		ExecutionID:    conv.ExecutionID,
		SenderID:       conv.AskerID,
		BroadcastScope: domain.RolePrefix(domain.RoleHumanIntervention),
		Type:           domain.MessageHumanInterventionReq,
		Content:        "escalation exhausted: human intervention required",
		ConversationID: conv.ID,
		Flags:          domain.MessageFlags{Escalation: true},
		CreatedAt:      time.Now().UTC(),
	}
	if err := t.publish(ctx, notice); err != nil {
		return err
	}
	return t.applyTransition(ctx, conv, prev, notice.ID, "")
}

// escalationTarget maps an escalation_level to the next role in the
// hierarchy, or reports that escalation is exhausted.
func (t *Tracker) escalationTarget(level int) (domain.Role, bool) {
	maxEscalation := t.cfg.MaxEscalation
	if maxEscalation <= 0 {
		maxEscalation = 2
	}
	if level >= maxEscalation {
		return "", false
	}
	idx := level - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(defaultEscalationChain) {
		return "", false
	}
	return defaultEscalationChain[idx], true
}

// transitionTo is a convenience for deadline-driven transitions that carry
// no new message.
func (t *Tracker) transitionTo(ctx context.Context, conv *domain.Conversation, to domain.ConversationState, messageID, triggeredBy string) error {
	prev := conv.State
	conv.State = to
	return t.applyTransition(ctx, conv, prev, messageID, triggeredBy)
}

// applyTransition is the single atomic operation named in spec §4.B: the
// event is durably recorded, then the row is updated under an optimistic
// version check, and only then are registered handlers notified.
func (t *Tracker) applyTransition(ctx context.Context, conv *domain.Conversation, from domain.ConversationState, messageID, triggeredBy string) error {
	ev := &domain.ConversationEvent{
		ID:                 uuid.NewString(),
		ConversationID:     conv.ID,
		EventType:          fmt.Sprintf("%s_to_%s", from, conv.State),
		FromState:          from,
		ToState:            conv.State,
		MessageID:          messageID,
		TriggeredByAgentID: triggeredBy,
		CreatedAt:          time.Now().UTC(),
	}
	if err := t.repo.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("conversation: append event: %w", err)
	}

	expectedVersion := conv.Version
	if err := t.repo.Update(ctx, conv, expectedVersion); err != nil {
		return fmt.Errorf("conversation: update: %w", err)
	}

	t.handlersMu.RLock()
	handlers := append([]EventHandler(nil), t.handlers...)
	t.handlersMu.RUnlock()
	for _, h := range handlers {
		h(ctx, ev)
	}
	return nil
}

func (t *Tracker) recordEvent(ctx context.Context, conv *domain.Conversation, from, to domain.ConversationState, messageID, triggeredBy string) error {
	ev := &domain.ConversationEvent{
		ID:                 uuid.NewString(),
		ConversationID:     conv.ID,
		EventType:          "conversation.created",
		FromState:          from,
		ToState:            to,
		MessageID:          messageID,
		TriggeredByAgentID: triggeredBy,
		CreatedAt:          time.Now().UTC(),
	}
	if err := t.repo.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("conversation: append event: %w", err)
	}
	t.handlersMu.RLock()
	handlers := append([]EventHandler(nil), t.handlers...)
	t.handlersMu.RUnlock()
	for _, h := range handlers {
		h(ctx, ev)
	}
	return nil
}

// publish sends a tracker-originated message (follow-up, escalation
// re-delivery, human-intervention notice) using the same subject scheme
// every other sender uses, so ordinary agent subscriptions pick it up
// without tracker-specific wiring. The Tracker doesn't know the target
// role, so point-to-point sends use a wildcard-compatible placeholder
// token; subscribers listening on the `*` role wildcard still match it.
func (t *Tracker) publish(ctx context.Context, msg *domain.AgentMessage) error {
	var subject string
	switch {
	case msg.BroadcastScope != "":
		subject = bus.Broadcast(msg.ExecutionID, msg.BroadcastScope)
	case msg.RecipientID != "":
		subject = bus.PointToPoint(msg.ExecutionID, "conversation", msg.RecipientID)
	default:
		subject = bus.ConversationSubject(msg.ExecutionID, msg.ConversationID)
	}
	if t.history != nil {
		if err := t.history.Append(ctx, msg); err != nil {
			return fmt.Errorf("conversation: journal message: %w", err)
		}
	}
	return t.bus.Publish(ctx, subject, msg)
}

func (t *Tracker) findByInitialMessage(ctx context.Context, initialMessageID string) (*domain.Conversation, error) {
	pending, err := t.repo.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	for _, conv := range pending {
		if conv.InitialMessageID == initialMessageID {
			return conv, nil
		}
	}
	return nil, ErrNotFound
}
