package biz

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// slot probe selectors on the slot list page.
var slotEntryProbe = ProbeSpec{Selector: ".slot-row.available", Kind: "css"}

// parseRetryHint extracts a server wait hint from rate-limited page text.
// The portal renders hints like "try again in 120 seconds"; when no number
// can be found a conservative default is used.
func parseRetryHint(text string) time.Duration {
	var seconds int
	if _, err := fmt.Sscanf(text, "try again in %d seconds", &seconds); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 5 * time.Minute
}

// SlotCheckAttempt is the default per-cycle action: admit the probe through
// the rate limiter, navigate to the slot list, await a stable
// classification, and record any discovered availability exactly once
// through the idempotency store. Booking itself is a different attempt
// callback; this one only observes.
type SlotCheckAttempt struct {
	classifier  *StateClassifier
	limiter     *RateLimiterUseCase
	idempotency *IdempotencyStore
	logger      *log.Helper
}

// NewSlotCheckAttempt wires the default attempt.
func NewSlotCheckAttempt(classifier *StateClassifier, limiter *RateLimiterUseCase, idempotency *IdempotencyStore, logger log.Logger) *SlotCheckAttempt {
	return &SlotCheckAttempt{
		classifier:  classifier,
		limiter:     limiter,
		idempotency: idempotency,
		logger:      log.NewHelper(logger),
	}
}

// Run executes one slot-check pass. It satisfies AttemptFunc.
func (a *SlotCheckAttempt) Run(ctx context.Context, cycle *Cycle) error {
	if err := a.limiter.TryAcquire(ctx, ClassSlotCheck, cycle.Credential.ID); err != nil {
		return err
	}

	if err := cycle.Surface.Navigate(ctx, "slot_list"); err != nil {
		return fmt.Errorf("navigate to slot list: %w", err)
	}

	result, err := a.classifier.AwaitStable(ctx, cycle.Surface, AwaitStableOptions{
		MaxWait:             30 * time.Second,
		PollInterval:        time.Second,
		MinConfidence:       0.5,
		ConsecutiveRequired: 2,
		ExpectedStates:      []PageState{StateSlotList, StateSlotAvailable},
	})
	if err != nil {
		return fmt.Errorf("await slot list: %w", err)
	}

	switch result.State {
	case StateSlotAvailable:
		return a.recordAvailability(ctx, cycle, result)
	case StateSlotList:
		a.logger.Debugw("msg", "no slots available",
			"partition", cycle.Partition,
			"confidence", result.Confidence)
		return nil
	case StateRateLimited:
		probe, perr := cycle.Surface.Probe(ctx, ProbeSpec{Selector: ".retry-hint", Kind: "css"})
		hint := 5 * time.Minute
		if perr == nil && probe.Visible {
			hint = parseRetryHint(probe.Text)
		}
		a.limiter.NoteRetryAfter(ClassSlotCheck, hint)
		return NewRateLimitHTTPError(ClassSlotCheck, 0, hint)
	case StateSessionExpired, StateLogin:
		return fmt.Errorf("session not established for %s (state %s)", cycle.Credential.ID, result.State)
	case StateBotCheck:
		return fmt.Errorf("bot check interstitial on partition %s", cycle.Partition)
	case StateMaintenance, StateServerError:
		return fmt.Errorf("portal unavailable (state %s)", result.State)
	default:
		return fmt.Errorf("unexpected page state %s (confidence %.2f)", result.State, result.Confidence)
	}
}

// recordAvailability publishes a discovered slot exactly once per
// (partition, observed URL) identity within the idempotency TTL, so
// repeated sightings of the same availability do not produce duplicate
// notifications downstream.
func (a *SlotCheckAttempt) recordAvailability(ctx context.Context, cycle *Cycle, result *StateResult) error {
	probe, err := cycle.Surface.Probe(ctx, slotEntryProbe)
	if err != nil {
		return fmt.Errorf("read slot entry: %w", err)
	}

	params := map[string]any{
		"partition": cycle.Partition,
		"url":       result.ObservedURL,
		"slot":      probe.Text,
	}
	_, cached, err := a.idempotency.CheckAndSet(ctx, "slot_found", params, func(ctx context.Context) (any, error) {
		return map[string]any{
			"partition":   cycle.Partition,
			"slot":        probe.Text,
			"observed_at": time.Now().UTC().Format(time.RFC3339),
		}, nil
	})
	if err != nil {
		return fmt.Errorf("record availability: %w", err)
	}
	if cached {
		a.logger.Debugw("msg", "slot already recorded", "partition", cycle.Partition, "slot", probe.Text)
		return nil
	}
	a.logger.Infow("msg", "slot availability recorded",
		"partition", cycle.Partition,
		"slot", probe.Text,
		"credential", cycle.Credential.ID)
	return nil
}
