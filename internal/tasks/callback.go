package tasks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ob-poc/runbook-engine/internal/exec"
	"github.com/ob-poc/runbook-engine/internal/ids"
)

// CallbackHandler receives external completion events (BPMN job done,
// document uploaded, screening cleared) and resumes the runbook parked
// on the event's correlation key. The JobFrameStore dedupe in front of
// the resume is what makes a redelivered callback a no-op: the second
// delivery of job key K finds the frame already recorded and returns a
// result marked Duplicate without touching the gate. No outcome is
// stored on the frame, so a duplicate result carries no Outcome.
type CallbackHandler struct {
	frames *JobFrameStore
	gate   *exec.Gate
	log    *zap.SugaredLogger
}

func NewCallbackHandler(frames *JobFrameStore, gate *exec.Gate, log *zap.SugaredLogger) *CallbackHandler {
	return &CallbackHandler{frames: frames, gate: gate, log: log}
}

// CallbackResult reports what one delivery did.
type CallbackResult struct {
	Outcome   exec.Outcome
	Resumed   bool
	Duplicate bool
}

// OnCallback processes one external event delivery. jobKey is the
// transport's idempotency token; correlationKey is what the parked
// runbook was keyed by (the two are often equal but the BPMN transport
// may redeliver the same correlation under distinct job keys).
func (h *CallbackHandler) OnCallback(ctx context.Context, jobKey, correlationKey string) (CallbackResult, error) {
	inserted, err := h.frames.Upsert(ctx, JobFrame{
		ID:                ids.NewJobFrameID(),
		JobKey:            jobKey,
		ProcessInstanceID: correlationKey,
	})
	if err != nil {
		return CallbackResult{}, fmt.Errorf("tasks: callback frame upsert: %w", err)
	}
	if !inserted {
		frame, err := h.frames.FindByJobKey(ctx, jobKey)
		if err != nil {
			return CallbackResult{}, err
		}
		if frame.Status != JobFrameActive {
			h.log.Infow("callback redelivered for a terminal frame, returning duplicate result",
				"job_key", jobKey, "status", frame.Status)
			return CallbackResult{Duplicate: true}, nil
		}
		// Active but not first delivery: another worker is mid-resume;
		// treat as duplicate rather than racing it into the gate.
		return CallbackResult{Duplicate: true}, nil
	}

	outcome, resumed, err := h.gate.Resume(ctx, correlationKey)
	if err != nil {
		if markErr := h.frames.MarkFailed(ctx, jobKey); markErr != nil {
			h.log.Errorw("callback resume failed and frame could not be marked",
				"job_key", jobKey, "error", markErr)
		}
		return CallbackResult{}, fmt.Errorf("tasks: resume runbook for correlation %s: %w", correlationKey, err)
	}
	if !resumed {
		h.log.Warnw("callback arrived with no parked runbook on its correlation key",
			"job_key", jobKey, "correlation_key", correlationKey)
		if err := h.frames.MarkCompleted(ctx, jobKey); err != nil {
			return CallbackResult{}, err
		}
		return CallbackResult{Resumed: false}, nil
	}

	if err := h.frames.MarkCompleted(ctx, jobKey); err != nil {
		return CallbackResult{}, err
	}
	return CallbackResult{Outcome: outcome, Resumed: true}, nil
}
