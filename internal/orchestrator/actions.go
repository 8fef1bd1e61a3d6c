package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healops/internal/events"
	"github.com/fyrsmithlabs/healops/internal/metrics"
	"github.com/fyrsmithlabs/healops/internal/notify"
	"github.com/fyrsmithlabs/healops/internal/store"
)

// Action is one human decision on a run.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionDeny     Action = "deny"
	ActionAbort    Action = "abort"
	ActionHumanFix Action = "human-fix"
)

// ErrUnknownAction is returned for action names outside the supported set.
var ErrUnknownAction = errors.New("unknown action")

const (
	defaultDenyReason   = "fix denied by reviewer"
	defaultHumanFixNote = "fixed manually"
)

// ParseAction validates a raw action name.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionApprove, ActionDeny, ActionAbort, ActionHumanFix:
		return Action(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// Apply executes a human action against a run and returns the updated run.
// Actions apply regardless of the run's current status: a reviewer's
// decision on an already-concluded run overrides the automatic outcome.
// GitHub failures surface to the caller before any state is written, so a
// failed merge or close never leaves the run half-updated.
func (o *Orchestrator) Apply(ctx context.Context, runID string, action Action, note string) (*store.Run, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.human_action")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("action", string(action)),
	)

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	switch action {
	case ActionApprove:
		err = o.approve(ctx, run)
	case ActionDeny:
		err = o.deny(ctx, run, note)
	case ActionAbort:
		err = o.abort(ctx, run, note)
	case ActionHumanFix:
		err = o.humanFix(ctx, run, note)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	metrics.HumanActions.WithLabelValues(string(action)).Inc()
	o.logger.Info("human action applied",
		zap.String("run_id", run.ID),
		zap.String("action", string(action)),
		zap.String("status", string(run.Status)))
	return run, nil
}

// approve merges the linked PR if one is still open, then resolves the run.
func (o *Orchestrator) approve(ctx context.Context, run *store.Run) error {
	merged, err := o.mergePR(ctx, run)
	if err != nil {
		return fmt.Errorf("merging PR for run %s: %w", run.ID, err)
	}

	run.Status = store.StatusResolved
	run.ResolvedBy = store.ResolvedByHuman
	if merged {
		run.PRState = store.PRStateMerged
	}
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("updating run %s: %w", run.ID, err)
	}

	o.events.Emit(ctx, run.ID, events.TypeRunApproved, store.ActorHuman,
		"Fix approved", map[string]any{"merged": merged, "prState": run.PRState})
	notify.Try(ctx, o.notifier, notify.Notification{
		Title:    fmt.Sprintf("Run approved: %s @ %s", run.Repository, run.Branch),
		Body:     approvalBody(merged),
		Severity: notify.SeveritySuccess,
		RunID:    run.ID,
		PRURL:    run.PRURL,
	}, o.logger)
	return nil
}

func approvalBody(merged bool) string {
	if merged {
		return "Fix merged and run resolved"
	}
	return "Run resolved"
}

// deny closes the linked PR if one is still open and escalates the run with
// the reviewer's reason.
func (o *Orchestrator) deny(ctx context.Context, run *store.Run, note string) error {
	closed, err := o.closeLinkedPR(ctx, run)
	if err != nil {
		return fmt.Errorf("closing PR for run %s: %w", run.ID, err)
	}

	reason := note
	if reason == "" {
		reason = defaultDenyReason
	}
	run.Status = store.StatusEscalated
	run.ResolvedBy = store.ResolvedByHuman
	run.EscalationReason = reason
	if closed {
		run.PRState = store.PRStateClosed
	}
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("updating run %s: %w", run.ID, err)
	}

	o.events.Emit(ctx, run.ID, events.TypeRunDenied, store.ActorHuman,
		fmt.Sprintf("Fix denied: %s", reason),
		map[string]any{"reason": reason, "prState": run.PRState})
	notify.Try(ctx, o.notifier, notify.Notification{
		Title:    fmt.Sprintf("Run denied: %s @ %s", run.Repository, run.Branch),
		Body:     reason,
		Severity: notify.SeverityWarning,
		RunID:    run.ID,
	}, o.logger)
	return nil
}

// abort closes the linked PR if one is still open and abandons the run.
func (o *Orchestrator) abort(ctx context.Context, run *store.Run, note string) error {
	closed, err := o.closeLinkedPR(ctx, run)
	if err != nil {
		return fmt.Errorf("closing PR for run %s: %w", run.ID, err)
	}

	run.Status = store.StatusAborted
	run.ResolvedBy = store.ResolvedByHuman
	if note != "" {
		run.HumanNote = note
	}
	if closed {
		run.PRState = store.PRStateClosed
	}
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("updating run %s: %w", run.ID, err)
	}

	o.events.Emit(ctx, run.ID, events.TypeRunAborted, store.ActorHuman,
		"Run aborted", map[string]any{"note": note, "prState": run.PRState})
	notify.Try(ctx, o.notifier, notify.Notification{
		Title:    fmt.Sprintf("Run aborted: %s @ %s", run.Repository, run.Branch),
		Body:     note,
		Severity: notify.SeverityWarning,
		RunID:    run.ID,
	}, o.logger)
	return nil
}

// humanFix records that an engineer repaired the failure outside healops.
func (o *Orchestrator) humanFix(ctx context.Context, run *store.Run, note string) error {
	if note == "" {
		note = defaultHumanFixNote
	}
	run.Status = store.StatusResolved
	run.ResolvedBy = store.ResolvedByHuman
	run.HumanNote = note
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("updating run %s: %w", run.ID, err)
	}

	o.events.Emit(ctx, run.ID, events.TypeRunHumanFixed, store.ActorHuman,
		fmt.Sprintf("Fixed manually: %s", note), map[string]any{"note": note})
	notify.Try(ctx, o.notifier, notify.Notification{
		Title:    fmt.Sprintf("Run fixed manually: %s @ %s", run.Repository, run.Branch),
		Body:     note,
		Severity: notify.SeveritySuccess,
		RunID:    run.ID,
	}, o.logger)
	return nil
}

func (o *Orchestrator) mergePR(ctx context.Context, run *store.Run) (bool, error) {
	if o.github == nil {
		return false, nil
	}
	return o.github.Merge(ctx, run)
}

func (o *Orchestrator) closeLinkedPR(ctx context.Context, run *store.Run) (bool, error) {
	if o.github == nil {
		return false, nil
	}
	return o.github.ClosePR(ctx, run)
}
