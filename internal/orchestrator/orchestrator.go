// Package orchestrator implements the Orchestrator (spec §4.F): the
// per-execution driver that dispatches work to the Project Manager
// agent, enforces delegation rules independent of any agent's own
// reasoning, and reacts to blockers and completion signals by driving
// the Workflow Engine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	agentbus "github.com/kandev-labs/agentsquad/internal/bus"
	"github.com/kandev-labs/agentsquad/internal/clarification"
	"github.com/kandev-labs/agentsquad/internal/common/logger"
	"github.com/kandev-labs/agentsquad/internal/conversation"
	"github.com/kandev-labs/agentsquad/internal/domain"
	"github.com/kandev-labs/agentsquad/internal/history"
	"github.com/kandev-labs/agentsquad/internal/registry"
	"github.com/kandev-labs/agentsquad/internal/telemetry"
	"github.com/kandev-labs/agentsquad/internal/workflow/engine"
)

// defaultInterventionOptions are offered to the operator on every
// human_intervention_required escalation; "resolve" carries the operator's
// free-text resolution forward into Engine.Resume, "abandon" fails the
// execution outright instead.
var defaultInterventionOptions = []clarification.Option{
	{ID: "resolve", Label: "Resolve", Description: "Supply a resolution and resume the execution"},
	{ID: "abandon", Label: "Abandon", Description: "Stop the execution; it will not resume"},
}

// ErrInvalidDelegation is the permanent error surfaced when a
// task_assignment violates the role hierarchy.
var ErrInvalidDelegation = errors.New("orchestrator: invalid delegation")

// ExecutionCreator inserts a brand-new TaskExecution row. Satisfied by
// both engine.MemoryStore and engine.SQLStore.
type ExecutionCreator interface {
	Create(ctx context.Context, exec *domain.TaskExecution) error
}

// Orchestrator drives a single execution_id end to end.
type Orchestrator struct {
	executionID string
	squadID     string

	engine    *engine.Engine
	execStore ExecutionCreator
	bus       agentbus.Bus
	tracker   *conversation.Tracker
	factory   *registry.Factory
	history   history.Store
	locker    Locker
	log       *logger.Logger

	lease    Lease
	leaseTTL time.Duration
	subs     []agentbus.Subscription

	pendingCompletion bool

	intervention    *clarification.Store
	pendingInterven string

	standupStop chan struct{}
}

// New wires an Orchestrator for executionID. Call Start to acquire
// ownership and begin driving it. leaseTTL of zero falls back to
// DefaultLeaseTTL; callers typically pass config.OrchestratorConfig's
// LockTTL() here.
func New(executionID, squadID string, eng *engine.Engine, execStore ExecutionCreator, b agentbus.Bus, tracker *conversation.Tracker, factory *registry.Factory, hist history.Store, locker Locker, log *logger.Logger, leaseTTL time.Duration) *Orchestrator {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &Orchestrator{
		executionID: executionID,
		squadID:     squadID,
		engine:      eng,
		execStore:   execStore,
		bus:         b,
		tracker:     tracker,
		factory:     factory,
		history:     hist,
		locker:      locker,
		log:         log.WithFields(zap.String("execution_id", executionID)),
		leaseTTL:    leaseTTL,
		intervention: clarification.NewStore(0),
	}
}

// CheckDelegation implements runtime.DelegationGuard. On a hierarchy
// violation it journals an invalid_delegation audit entry, sends the
// sender a system answer explaining the rejection, and returns
// ErrInvalidDelegation so the offending task_assignment is never
// published — the intended recipient's inbox never receives it.
func (o *Orchestrator) CheckDelegation(ctx context.Context, senderID string, senderRole domain.Role, recipientID string) error {
	recipient, ok := o.factory.Get(recipientID)
	if !ok {
		return fmt.Errorf("%w: unknown recipient %q", ErrInvalidDelegation, recipientID)
	}
	if CanDelegate(senderRole, recipient.Role) {
		return nil
	}

	audit := &domain.AgentMessage{
		ID:             uuid.NewString(),
		ExecutionID:    o.executionID,
		SenderID:       "orchestrator",
		BroadcastScope: domain.ScopeExecution,
		Type:           domain.MessageStatusUpdate,
		Content:        "invalid_delegation",
		Metadata: domain.Metadata{
			"visibility":    "internal",
			"sender_role":   string(senderRole),
			"recipient_id":  recipientID,
			"recipient_role": string(recipient.Role),
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := o.history.Append(ctx, audit); err != nil {
		o.log.Error("orchestrator: journal invalid_delegation failed", zap.Error(err))
	}

	rejection := &domain.AgentMessage{
		ID:          uuid.NewString(),
		ExecutionID: o.executionID,
		SenderID:    "orchestrator",
		RecipientID: senderID,
		Type:        domain.MessageAnswer,
		Content:     "task_assignment rejected: role_hierarchy_violation",
		Metadata:    domain.Metadata{"reason": "role_hierarchy_violation"},
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.history.Append(ctx, rejection); err != nil {
		o.log.Error("orchestrator: journal rejection answer failed", zap.Error(err))
	}
	if err := o.bus.Publish(ctx, agentbus.PointToPoint(o.executionID, senderRole, senderID), rejection); err != nil {
		o.log.Error("orchestrator: publish rejection answer failed", zap.Error(err))
	}

	return fmt.Errorf("%w: %q -> %q", ErrInvalidDelegation, senderRole, recipient.Role)
}

// Start acquires ownership of the execution, creates its TaskExecution
// row in PENDING, transitions it to ANALYZING, dispatches the task
// description to the Project Manager, and begins monitoring bus traffic
// for blockers and completion. The Project Manager agent must already
// be registered in factory under pmAgentID.
func (o *Orchestrator) Start(ctx context.Context, taskID, pmAgentID, taskDescription string) error {
	lease, err := o.locker.Acquire(ctx, o.executionID, o.leaseTTL)
	if err != nil {
		return fmt.Errorf("orchestrator: acquire execution lease: %w", err)
	}
	o.lease = lease
	go o.renewLeaseUntilDone(ctx, lease)

	exec := &domain.TaskExecution{
		ID:            o.executionID,
		TaskID:        taskID,
		SquadID:       o.squadID,
		WorkflowState: domain.StatePending,
		StartedAt:     time.Now().UTC(),
	}
	if err := o.execStore.Create(ctx, exec); err != nil {
		return fmt.Errorf("orchestrator: create execution: %w", err)
	}

	transitionCtx, transitionSpan := telemetry.TraceTransition(ctx, o.executionID, string(domain.StatePending), string(domain.StateAnalyzing))
	_, err = o.engine.Transition(transitionCtx, o.executionID, domain.StateAnalyzing, "orchestrator", "dispatch to project manager", uuid.NewString())
	telemetry.EndSpan(transitionSpan, err)
	if err != nil {
		return fmt.Errorf("orchestrator: transition to analyzing: %w", err)
	}

	dispatch := &domain.AgentMessage{
		ID:          uuid.NewString(),
		ExecutionID: o.executionID,
		SenderID:    "orchestrator",
		RecipientID: pmAgentID,
		Type:        domain.MessageTaskAssignment,
		Content:     taskDescription,
		Metadata:    domain.Metadata{"visibility": "public"},
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.history.Append(ctx, dispatch); err != nil {
		return fmt.Errorf("orchestrator: journal dispatch: %w", err)
	}

	dispatchCtx, dispatchSpan := telemetry.TraceDispatch(ctx, o.executionID, dispatch.SenderID, pmAgentID, string(dispatch.Type))
	err = o.bus.Publish(dispatchCtx, agentbus.PointToPoint(o.executionID, domain.RoleProjectManager, pmAgentID), dispatch)
	telemetry.EndSpan(dispatchSpan, err)
	if err != nil {
		return fmt.Errorf("orchestrator: dispatch to project manager: %w", err)
	}

	sub, err := o.bus.Subscribe("agent.msg."+o.executionID+".>", "orchestrator-"+o.executionID, o.handleAgentMessage)
	if err != nil {
		return fmt.Errorf("orchestrator: subscribe to agent traffic: %w", err)
	}
	o.subs = append(o.subs, sub)

	return nil
}

// handleAgentMessage implements steps 4-6 of the Orchestrator protocol:
// task_assignment observation drives PLANNING -> DELEGATED -> IN_PROGRESS,
// code_review traffic drives IN_PROGRESS -> REVIEWING -> TESTING, blockers
// drive BLOCKED, task_completion (after QA acknowledgment) drives
// TESTING -> COMPLETED, and human_intervention_required also drives
// BLOCKED, recording the escalation cause.
func (o *Orchestrator) handleAgentMessage(ctx context.Context, msg *domain.AgentMessage) (err error) {
	ctx, span := telemetry.TraceTransition(ctx, o.executionID, "reaction", string(msg.Type))
	defer func() { telemetry.EndSpan(span, err) }()

	switch {
	case msg.Type == domain.MessageHumanInterventionReq:
		_, err = o.engine.Transition(ctx, o.executionID, domain.StateBlocked, msg.SenderID, msg.Content, uuid.NewString())
		if err != nil && !errors.Is(err, engine.ErrIllegalTransition) {
			return err
		}
		err = nil
		o.pendingInterven = o.intervention.CreateRequest(&clarification.Request{
			TaskID:  o.executionID,
			Context: msg.Content,
			Question: clarification.Question{
				ID:      "resolution",
				Title:   "Blocked",
				Prompt:  msg.Content,
				Options: defaultInterventionOptions,
			},
		})
		return nil

	case msg.Type == domain.MessageStatusUpdate && msg.Metadata.Blocked():
		_, err = o.engine.Transition(ctx, o.executionID, domain.StateBlocked, msg.SenderID, "blocked: "+msg.Content, uuid.NewString())
		if err != nil && !errors.Is(err, engine.ErrIllegalTransition) {
			return err
		}
		return nil

	case msg.Type == domain.MessageTaskAssignment && msg.SenderID != "orchestrator":
		err = o.observeTaskAssignment(ctx, msg)
		return err

	case msg.Type == domain.MessageCodeReviewRequest:
		_, err = o.engine.Transition(ctx, o.executionID, domain.StateReviewing, msg.SenderID, "code review requested", uuid.NewString())
		if err != nil && !errors.Is(err, engine.ErrIllegalTransition) {
			return err
		}
		err = nil
		return nil

	case msg.Type == domain.MessageCodeReviewResponse && msg.Metadata.Approved():
		_, err = o.engine.Transition(ctx, o.executionID, domain.StateTesting, msg.SenderID, "code review approved", uuid.NewString())
		if err != nil && !errors.Is(err, engine.ErrIllegalTransition) {
			return err
		}
		err = nil
		return nil

	case msg.Type == domain.MessageCodeReviewResponse && !msg.Metadata.Approved():
		_, err = o.engine.Transition(ctx, o.executionID, domain.StateInProgress, msg.SenderID, "code review changes requested", uuid.NewString())
		if err != nil && !errors.Is(err, engine.ErrIllegalTransition) {
			return err
		}
		err = nil
		return nil

	case msg.Type == domain.MessageTaskCompletion && msg.IsBroadcast():
		o.pendingCompletion = true
		return nil

	case msg.Type == domain.MessageStatusUpdate && msg.Flags.Acknowledgment && o.pendingCompletion:
		agent, ok := o.factory.Get(msg.SenderID)
		if !ok || agent.Role != domain.RoleQATester {
			return nil
		}
		o.pendingCompletion = false
		_, err = o.engine.Transition(ctx, o.executionID, domain.StateCompleted, msg.SenderID, "qa acknowledged completion", uuid.NewString())
		return err
	}
	return nil
}

// observeTaskAssignment implements spec §4.F step 4: the PM's assignment
// to the Tech Lead advances ANALYZING -> PLANNING; a subsequent assignment
// to any other role (the Tech Lead delegating to a developer/QA/etc.)
// advances PLANNING -> DELEGATED, and since no distinct "work started"
// message exists in the protocol, the recipient is taken to begin work
// immediately, advancing straight on to IN_PROGRESS. Illegal transitions
// (out-of-order or duplicate assignments) are tolerated, matching the
// blocker/completion cases above.
func (o *Orchestrator) observeTaskAssignment(ctx context.Context, msg *domain.AgentMessage) error {
	recipient, ok := o.factory.Get(msg.RecipientID)
	if !ok {
		return nil
	}

	if recipient.Role == domain.RoleTechLead {
		_, err := o.engine.Transition(ctx, o.executionID, domain.StatePlanning, msg.SenderID, "assigned to tech lead", uuid.NewString())
		if err != nil && !errors.Is(err, engine.ErrIllegalTransition) {
			return err
		}
		return nil
	}

	_, err := o.engine.Transition(ctx, o.executionID, domain.StateDelegated, msg.SenderID, "delegated to "+string(recipient.Role), uuid.NewString())
	if err != nil && !errors.Is(err, engine.ErrIllegalTransition) {
		return err
	}
	_, err = o.engine.Transition(ctx, o.executionID, domain.StateInProgress, msg.SenderID, "work started", uuid.NewString())
	if err != nil && !errors.Is(err, engine.ErrIllegalTransition) {
		return err
	}
	return nil
}

// Resume restores a BLOCKED execution to its pre-block state, carrying
// the external resolution supplied by the operator.
func (o *Orchestrator) Resume(ctx context.Context, resolution string) (int, error) {
	return o.engine.Resume(ctx, o.executionID, "orchestrator", resolution, uuid.NewString())
}

// PendingIntervention returns the escalation question currently awaiting an
// operator's answer, if this execution is BLOCKED on human intervention.
func (o *Orchestrator) PendingIntervention() (*clarification.Request, bool) {
	if o.pendingInterven == "" {
		return nil, false
	}
	return o.intervention.GetRequest(o.pendingInterven)
}

// ResolveIntervention answers the pending escalation: selecting "abandon"
// fails the execution outright, any other option resumes it with the
// answer's free-text (or first selected option) as the resolution reason.
func (o *Orchestrator) ResolveIntervention(ctx context.Context, ans *clarification.Answer) (int, error) {
	if o.pendingInterven == "" {
		return 0, fmt.Errorf("orchestrator: no pending intervention for %q", o.executionID)
	}
	pendingID := o.pendingInterven
	o.pendingInterven = ""
	if err := o.intervention.Respond(pendingID, &clarification.Response{Answer: ans}); err != nil {
		o.log.Error("orchestrator: record intervention response failed", zap.Error(err))
	}

	for _, opt := range ans.SelectedOptions {
		if opt == "abandon" {
			return o.engine.Transition(ctx, o.executionID, domain.StateFailed, "orchestrator", "abandoned by operator", uuid.NewString())
		}
	}
	reason := ans.CustomText
	if reason == "" {
		reason = "operator resolved via " + ans.QuestionID
	}
	return o.Resume(ctx, reason)
}

// StartStandupDigests begins periodically broadcasting a synthetic
// standup message summarizing workflow_state, progress_pct, and the
// number of open conversations for this execution (the supplemented
// "Standup digests" feature named in SPEC_FULL.md). A non-positive
// interval disables it. Call at most once per Orchestrator, after Start;
// Close stops it.
func (o *Orchestrator) StartStandupDigests(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	o.standupStop = make(chan struct{})
	go o.runStandupDigests(ctx, interval)
}

func (o *Orchestrator) runStandupDigests(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.standupStop:
			return
		case <-ticker.C:
			if err := o.publishStandup(ctx); err != nil {
				o.log.Error("orchestrator: publish standup digest failed", zap.Error(err))
			}
		}
	}
}

// publishStandup composes and broadcasts one standup digest from data
// this component already tracks: no new subsystem, purely a periodic
// read-and-announce of the Workflow Engine's current row and the
// Conversation Tracker's open conversation count.
func (o *Orchestrator) publishStandup(ctx context.Context) error {
	exec, err := o.engine.Get(ctx, o.executionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	openConvs, err := o.tracker.OpenConversationCount(ctx)
	if err != nil {
		return fmt.Errorf("count open conversations: %w", err)
	}

	digest := &domain.AgentMessage{
		ID:             uuid.NewString(),
		ExecutionID:    o.executionID,
		SenderID:       "orchestrator",
		BroadcastScope: domain.ScopeExecution,
		Type:           domain.MessageStandup,
		Content: fmt.Sprintf("standup: state=%s progress=%d%% open_conversations=%d",
			exec.WorkflowState, exec.ProgressPct, openConvs),
		Metadata: domain.Metadata{
			"visibility":         "public",
			"workflow_state":     string(exec.WorkflowState),
			"progress_pct":       exec.ProgressPct,
			"open_conversations": openConvs,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := o.history.Append(ctx, digest); err != nil {
		return fmt.Errorf("journal standup digest: %w", err)
	}
	return o.bus.Publish(ctx, agentbus.Broadcast(o.executionID, domain.ScopeExecution), digest)
}

// renewLeaseUntilDone renews lease on a cadence well inside its TTL
// until ctx is cancelled or the lease is lost out from under it, at
// which point this Orchestrator instance must stop acting on the
// execution (a replacement may be elected).
func (o *Orchestrator) renewLeaseUntilDone(ctx context.Context, lease Lease) {
	ticker := time.NewTicker(o.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-lease.Lost():
			o.log.Error("orchestrator: lease lost, aborting")
			return
		case <-ticker.C:
			if err := lease.Renew(ctx); err != nil {
				o.log.Error("orchestrator: lease renewal failed", zap.Error(err))
				return
			}
		}
	}
}

// Close releases the execution lease, tears down bus subscriptions, and
// stops the standup digest ticker if one was started.
func (o *Orchestrator) Close(ctx context.Context) error {
	if o.standupStop != nil {
		close(o.standupStop)
		o.standupStop = nil
	}
	for _, sub := range o.subs {
		_ = sub.Unsubscribe()
	}
	if o.lease != nil {
		return o.lease.Release(ctx)
	}
	return nil
}
