package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/formwarden/formwarden/internal/batch"
	"github.com/formwarden/formwarden/internal/channel"
	"github.com/formwarden/formwarden/internal/metrics"
	"github.com/formwarden/formwarden/internal/retry"
	"github.com/formwarden/formwarden/internal/tracing"
	"github.com/formwarden/formwarden/internal/track"
)

// dispatchItems delivers each item of an admitted batch independently:
// partial success is expected, and every (event, target) pair is retried or
// finalized on its own. Runs off every aggregator/gate lock.
func (e *Engine) dispatchItems(ctx context.Context, batchID string, items []batch.Item) {
	for _, item := range items {
		e.dispatchItem(ctx, batchID, item)
	}
}

func (e *Engine) dispatchItem(ctx context.Context, batchID string, item batch.Item) {
	ctx, span := tracing.StartSpan(ctx, "engine.dispatch",
		attribute.String("record_id", item.RecordID),
		attribute.String("event_id", item.Event.ID),
		attribute.String("channel", string(item.Target.Channel)),
	)
	defer span.End()

	rec, err := e.tracker.Transition(ctx, item.RecordID, track.StateDispatching)
	if err != nil {
		// Cancelled or otherwise finished while queued.
		e.log.WithContext(ctx).WithRecord(item.RecordID).WithError(err).Debug("skipping dispatch")
		return
	}
	attemptNumber := rec.AttemptCount() + 1
	span.SetAttributes(attribute.Int("attempt", attemptNumber))
	started := time.Now().UTC()

	content, err := e.renderer.Render(item.Target.Role, item.Target.Channel, item.Event.SubjectType, item.Event.Payload)
	if err != nil {
		// A broken or missing template cannot be retried into existence.
		tracing.SetSpanError(ctx, err)
		e.finalizeFailure(ctx, item, track.Attempt{
			Number:      attemptNumber,
			StartedAt:   started,
			CompletedAt: time.Now().UTC(),
			Outcome:     track.OutcomePermanentFailure,
			ErrorDetail: err.Error(),
		}, track.ReasonRenderFailed)
		return
	}

	adapter, err := e.channels.Lookup(item.Target.Channel)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		e.finalizeFailure(ctx, item, track.Attempt{
			Number:      attemptNumber,
			StartedAt:   started,
			CompletedAt: time.Now().UTC(),
			Outcome:     track.OutcomePermanentFailure,
			ErrorDetail: err.Error(),
		}, track.ReasonChannelRejected)
		return
	}

	timeout := e.cfg.Dispatch.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	result := adapter.Send(sendCtx, item.Target.Address, content)
	cancel()
	completed := time.Now().UTC()
	latency := completed.Sub(started)

	span.SetAttributes(
		attribute.String("outcome", result.Class.String()),
		attribute.Int64("latency_ms", latency.Milliseconds()),
	)
	if result.StatusCode != 0 {
		span.SetAttributes(attribute.Int("status_code", result.StatusCode))
	}

	attempt := track.Attempt{
		Number:      attemptNumber,
		StartedAt:   started,
		CompletedAt: completed,
	}

	switch result.Class {
	case channel.ClassSuccess:
		attempt.Outcome = track.OutcomeSuccess
		if err := e.tracker.RecordAttempt(ctx, item.RecordID, attempt); err != nil {
			e.log.WithContext(ctx).WithRecord(item.RecordID).WithError(err).Error("attempt persist failed")
		}
		if _, err := e.tracker.Transition(ctx, item.RecordID, track.StateDelivered); err != nil {
			e.log.WithContext(ctx).WithRecord(item.RecordID).WithError(err).Error("delivered transition failed")
		}
		metrics.RecordDelivery(string(item.Target.Channel), "success", latency)
		e.forget(item.RecordID)
		e.log.WithContext(ctx).WithRecord(item.RecordID).WithBatch(batchID).
			WithChannel(string(item.Target.Channel)).WithField("attempt", attemptNumber).Info("delivered")

	case channel.ClassPermanent:
		attempt.Outcome = track.OutcomePermanentFailure
		attempt.ErrorDetail = result.Detail
		metrics.RecordDelivery(string(item.Target.Channel), "permanent_failure", latency)
		e.finalizeFailure(ctx, item, attempt, track.ReasonChannelRejected)

	default: // transient
		attempt.Outcome = track.OutcomeTransientFailure
		attempt.ErrorDetail = result.Detail
		metrics.RecordDelivery(string(item.Target.Channel), "transient_failure", latency)
		if err := e.tracker.RecordAttempt(ctx, item.RecordID, attempt); err != nil {
			e.log.WithContext(ctx).WithRecord(item.RecordID).WithError(err).Error("attempt persist failed")
		}

		e.mu.Lock()
		_, wasCancelled := e.cancelled[item.RecordID]
		e.mu.Unlock()
		if wasCancelled {
			// Cancel arrived mid-flight: the outcome is recorded above,
			// further retries are suppressed.
			if _, err := e.tracker.Transition(ctx, item.RecordID, track.StateCancelled); err != nil {
				e.log.WithContext(ctx).WithRecord(item.RecordID).WithError(err).Error("cancel transition failed")
			}
			e.forget(item.RecordID)
			return
		}

		if e.policy.Exhausted(attemptNumber) {
			e.terminate(ctx, item, track.ReasonBudgetExhausted, result.Detail)
			return
		}

		e.rngMu.Lock()
		delay := e.policy.Delay(attemptNumber, e.rng)
		e.rngMu.Unlock()
		retryAt := time.Now().UTC().Add(delay)
		if _, err := e.tracker.Transition(ctx, item.RecordID, track.StateRetryPending,
			track.WithNextRetryAt(retryAt), track.WithLastError(result.Detail)); err != nil {
			e.log.WithContext(ctx).WithRecord(item.RecordID).WithError(err).Error("retry transition failed")
			return
		}
		e.mu.Lock()
		e.queued[item.RecordID] = struct{}{}
		e.mu.Unlock()
		e.sched.Schedule(retry.Entry{Due: retryAt, Kind: retry.KindDeliveryRetry, Ref: item.RecordID})
		metrics.RecordRetry(result.Detail)
		e.log.WithContext(ctx).WithRecord(item.RecordID).WithChannel(string(item.Target.Channel)).
			WithFields(map[string]any{"attempt": attemptNumber, "delay": delay.String()}).Info("retry scheduled")
	}
}

// finalizeFailure records the attempt and terminates the record.
func (e *Engine) finalizeFailure(ctx context.Context, item batch.Item, attempt track.Attempt, reason track.FailureReason) {
	if err := e.tracker.RecordAttempt(ctx, item.RecordID, attempt); err != nil {
		e.log.WithContext(ctx).WithRecord(item.RecordID).WithError(err).Error("attempt persist failed")
	}
	e.terminate(ctx, item, reason, attempt.ErrorDetail)
}

// terminate moves the record to failed_permanent and publishes the dead
// letter envelope.
func (e *Engine) terminate(ctx context.Context, item batch.Item, reason track.FailureReason, detail string) {
	rec, err := e.tracker.Transition(ctx, item.RecordID, track.StateFailedPermanent,
		track.WithFailureReason(reason), track.WithLastError(detail))
	if err != nil {
		e.log.WithContext(ctx).WithRecord(item.RecordID).WithError(err).Error("terminal transition failed")
		return
	}
	metrics.RecordDeadLetter(string(reason))
	e.log.WithContext(ctx).WithRecord(item.RecordID).WithChannel(string(item.Target.Channel)).
		WithField("reason", string(reason)).Warn("record failed permanently")

	if e.dlq != nil {
		dl := track.NewDeadLetter(rec, reason, detail)
		if err := e.dlq.Publish(ctx, dl); err != nil {
			e.log.WithContext(ctx).WithRecord(item.RecordID).WithError(err).Error("dead letter publish failed")
		}
	}
	e.forget(item.RecordID)
}
