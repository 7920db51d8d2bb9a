package biz

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// PageState is a logical state of the monitored portal page.
type PageState string

const (
	StateUnknown        PageState = "unknown"
	StateLoading        PageState = "loading"
	StateLogin          PageState = "login"
	StateDashboard      PageState = "dashboard"
	StateSlotList       PageState = "slot_list"
	StateSlotAvailable  PageState = "slot_available"
	StateBookingForm    PageState = "booking_form"
	StateOTPChallenge   PageState = "otp_challenge"
	StatePaymentOTP     PageState = "payment_otp"
	StateBookingDone    PageState = "booking_done"
	StateBotCheck       PageState = "bot_check"
	StateRateLimited    PageState = "rate_limited"
	StateSessionExpired PageState = "session_expired"
	StateServerError    PageState = "server_error"
	StateMaintenance    PageState = "maintenance"
)

// priorityStates are error/interrupt states that must never be shadowed by
// lower-priority matches. They receive a confidence boost once they clear
// priorityThreshold.
var priorityStates = map[PageState]bool{
	StateBotCheck:       true,
	StateRateLimited:    true,
	StateSessionExpired: true,
	StateServerError:    true,
	StateMaintenance:    true,
}

const (
	priorityThreshold = 0.5
	priorityBoost     = 0.15
	// fallbackConfidence is assigned to title-heuristic matches.
	fallbackConfidence = 0.3
	// interruptConfidence is the bar for AwaitStable to return a priority
	// state immediately.
	interruptConfidence = 0.6
)

// StateResult is the outcome of one classification.
type StateResult struct {
	State       PageState
	Confidence  float64
	ObservedURL string
	Details     map[string]string
}

// IsPriority reports whether the result is an error/interrupt state.
func (r *StateResult) IsPriority() bool {
	return priorityStates[r.State]
}

// ClassifierRule maps one probe to a state with a weight. Rules are data:
// adding a rule is a table change, not a code change.
type ClassifierRule struct {
	Probe  ProbeSpec
	State  PageState
	Weight float64
	// StrictVisible requires the element to be visible, not merely
	// present. Off-screen or disabled elements must not classify as
	// live, actionable state.
	StrictVisible bool
}

// tieBreakRule resolves a known ambiguous state pair. The table is
// versioned so that empirically discovered pairs can be appended without
// touching the evaluation loop.
type tieBreakRule struct {
	// Winner is preferred over Loser when Applies returns true.
	Winner PageState
	Loser  PageState
	// Applies receives the matched-state set and the observed URL.
	Applies func(matched map[PageState]bool, url string) bool
}

// tieBreakTableVersion tracks revisions of the ambiguity table.
const tieBreakTableVersion = 2

var tieBreaks = []tieBreakRule{
	// A spinner plus any target state means the page is still settling:
	// prefer loading over the half-rendered target.
	{Winner: StateLoading, Loser: StateSlotList, Applies: loadingMatched},
	{Winner: StateLoading, Loser: StateSlotAvailable, Applies: loadingMatched},
	{Winner: StateLoading, Loser: StateBookingForm, Applies: loadingMatched},
	{Winner: StateLoading, Loser: StateDashboard, Applies: loadingMatched},
	// An OTP prompt inside the payment flow is the payment OTP, not the
	// login OTP. The payment context is signalled either by its own probe
	// or by the URL.
	{Winner: StatePaymentOTP, Loser: StateOTPChallenge, Applies: func(m map[PageState]bool, url string) bool {
		return m[StatePaymentOTP] || strings.Contains(strings.ToLower(url), "payment")
	}},
}

func loadingMatched(m map[PageState]bool, _ string) bool { return m[StateLoading] }

// titleHint maps a lowercase page-title substring to a state, used as the
// cheap fallback when no probe rule matched.
type titleHint struct {
	Substr string
	State  PageState
}

var titleHints = []titleHint{
	{"just a moment", StateBotCheck},
	{"attention required", StateBotCheck},
	{"too many requests", StateRateLimited},
	{"session expired", StateSessionExpired},
	{"sign in", StateLogin},
	{"login", StateLogin},
	{"maintenance", StateMaintenance},
	{"error", StateServerError},
	{"appointment", StateSlotList},
}

// DefaultClassifierRules returns the built-in rule table for the booking
// portal. Drivers with different selectors supply their own table.
func DefaultClassifierRules() []ClassifierRule {
	return []ClassifierRule{
		{Probe: ProbeSpec{Selector: ".loading-spinner", Kind: "css"}, State: StateLoading, Weight: 0.6},
		{Probe: ProbeSpec{Selector: "#overlay-progress", Kind: "css"}, State: StateLoading, Weight: 0.5},
		{Probe: ProbeSpec{Selector: "form#login [name=password]", Kind: "css"}, State: StateLogin, Weight: 0.7, StrictVisible: true},
		{Probe: ProbeSpec{Selector: "#forgot-password", Kind: "css"}, State: StateLogin, Weight: 0.3},
		{Probe: ProbeSpec{Selector: "#dashboard-nav", Kind: "css"}, State: StateDashboard, Weight: 0.7, StrictVisible: true},
		{Probe: ProbeSpec{Selector: ".appointment-table", Kind: "css"}, State: StateSlotList, Weight: 0.6, StrictVisible: true},
		{Probe: ProbeSpec{Selector: ".no-slots-message", Kind: "css"}, State: StateSlotList, Weight: 0.4},
		{Probe: ProbeSpec{Selector: ".slot-row.available", Kind: "css"}, State: StateSlotAvailable, Weight: 0.8, StrictVisible: true},
		{Probe: ProbeSpec{Selector: "form#booking", Kind: "css"}, State: StateBookingForm, Weight: 0.7, StrictVisible: true},
		{Probe: ProbeSpec{Selector: "input[name=otp]", Kind: "css"}, State: StateOTPChallenge, Weight: 0.6, StrictVisible: true},
		{Probe: ProbeSpec{Selector: "#payment-otp-frame", Kind: "css"}, State: StatePaymentOTP, Weight: 0.7, StrictVisible: true},
		{Probe: ProbeSpec{Selector: ".booking-confirmation", Kind: "css"}, State: StateBookingDone, Weight: 0.9},
		{Probe: ProbeSpec{Selector: "#challenge-form", Kind: "css"}, State: StateBotCheck, Weight: 0.8},
		{Probe: ProbeSpec{Selector: "iframe[title=captcha]", Kind: "css"}, State: StateBotCheck, Weight: 0.6},
		{Probe: ProbeSpec{Selector: "429", Kind: "text"}, State: StateRateLimited, Weight: 0.5},
		{Probe: ProbeSpec{Selector: "Too many requests", Kind: "text"}, State: StateRateLimited, Weight: 0.6},
		{Probe: ProbeSpec{Selector: "Your session has expired", Kind: "text"}, State: StateSessionExpired, Weight: 0.8},
		{Probe: ProbeSpec{Selector: "Internal server error", Kind: "text"}, State: StateServerError, Weight: 0.7},
		{Probe: ProbeSpec{Selector: "scheduled maintenance", Kind: "text"}, State: StateMaintenance, Weight: 0.7},
	}
}

// StateClassifier inspects a page through its probes and returns the most
// likely logical state with a confidence score.
type StateClassifier struct {
	rules  []ClassifierRule
	logger *log.Helper

	classifications atomic.Int64
	fallbacks       atomic.Int64
	unknowns        atomic.Int64
}

// ClassifierStats is a point-in-time snapshot for the observability layer.
type ClassifierStats struct {
	Classifications int64 `json:"classifications"`
	FallbackResults int64 `json:"fallback_results"`
	UnknownResults  int64 `json:"unknown_results"`
	RuleCount       int   `json:"rule_count"`
}

// NewStateClassifier creates a classifier with the default rule table.
func NewStateClassifier(logger log.Logger) *StateClassifier {
	return NewStateClassifierWithRules(DefaultClassifierRules(), logger)
}

// NewStateClassifierWithRules creates a classifier with a custom rule table.
func NewStateClassifierWithRules(rules []ClassifierRule, logger log.Logger) *StateClassifier {
	return &StateClassifier{
		rules:  rules,
		logger: log.NewHelper(logger),
	}
}

// Classify runs all rule probes concurrently against the surface and
// returns the highest-scoring state. Confidence is the sum of matched rule
// weights capped at 1.0.
func (c *StateClassifier) Classify(ctx context.Context, surface Surface) (*StateResult, error) {
	c.classifications.Add(1)

	type probeOutcome struct {
		rule   ClassifierRule
		result ProbeResult
		err    error
	}

	outcomes := make([]probeOutcome, len(c.rules))

	// Probes are independent and I/O-bound: run them concurrently.
	var wg sync.WaitGroup
	for i, rule := range c.rules {
		wg.Add(1)
		go func(i int, rule ClassifierRule) {
			defer wg.Done()
			res, err := surface.Probe(ctx, rule.Probe)
			outcomes[i] = probeOutcome{rule: rule, result: res, err: err}
		}(i, rule)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scores := make(map[PageState]float64)
	matched := make(map[PageState]bool)
	for _, o := range outcomes {
		if o.err != nil {
			c.logger.Debugw("msg", "probe failed",
				"selector", o.rule.Probe.Selector,
				"error", o.err)
			continue
		}
		hit := o.result.Present
		if o.rule.StrictVisible {
			hit = o.result.Visible
		}
		if !hit {
			continue
		}
		matched[o.rule.State] = true
		scores[o.rule.State] = capConfidence(scores[o.rule.State] + o.rule.Weight)
	}

	url := surface.CurrentURL()

	// Priority boost: error/interrupt states that clear the threshold are
	// lifted above whatever else matched.
	for state := range scores {
		if priorityStates[state] && scores[state] >= priorityThreshold {
			scores[state] = capConfidence(scores[state] + priorityBoost)
		}
	}

	// Ambiguity resolution over the versioned tie-break table: the
	// preferred state absorbs the shadowed state's score and the shadowed
	// state is demoted below it.
	for _, tb := range tieBreaks {
		if !matched[tb.Loser] || !tb.Applies(matched, url) {
			continue
		}
		if scores[tb.Loser] > scores[tb.Winner] {
			scores[tb.Winner] = scores[tb.Loser]
		}
		matched[tb.Winner] = true
		scores[tb.Loser] = scores[tb.Winner] - 0.05
	}

	if best, conf := bestState(scores); best != StateUnknown {
		return &StateResult{
			State:       best,
			Confidence:  conf,
			ObservedURL: url,
			Details:     map[string]string{"matched_rules": "probe"},
		}, nil
	}

	// No probe matched: fall back to title heuristics at low confidence.
	if title, err := surface.Title(ctx); err == nil && title != "" {
		lower := strings.ToLower(title)
		for _, hint := range titleHints {
			if strings.Contains(lower, hint.Substr) {
				c.fallbacks.Add(1)
				return &StateResult{
					State:       hint.State,
					Confidence:  fallbackConfidence,
					ObservedURL: url,
					Details:     map[string]string{"matched_rules": "title", "title": title},
				}, nil
			}
		}
	}

	c.unknowns.Add(1)
	return &StateResult{
		State:       StateUnknown,
		Confidence:  0,
		ObservedURL: url,
		Details:     map[string]string{},
	}, nil
}

// Stats returns a snapshot of classifier counters.
func (c *StateClassifier) Stats() ClassifierStats {
	return ClassifierStats{
		Classifications: c.classifications.Load(),
		FallbackResults: c.fallbacks.Load(),
		UnknownResults:  c.unknowns.Load(),
		RuleCount:       len(c.rules),
	}
}

// AwaitStableOptions controls the stability poll.
type AwaitStableOptions struct {
	MaxWait             time.Duration
	PollInterval        time.Duration
	MinConfidence       float64
	ConsecutiveRequired int
	// ExpectedStates optionally restricts which states count toward the
	// consecutive streak. Priority states always short-circuit.
	ExpectedStates []PageState
}

// AwaitStable polls Classify until the same state is observed
// ConsecutiveRequired times in a row at or above MinConfidence. A
// high-confidence priority state returns immediately. Once MaxWait elapses
// the best result seen so far is returned. The page renders asynchronously
// after navigation, so a single snapshot is unreliable.
func (c *StateClassifier) AwaitStable(ctx context.Context, surface Surface, opts AwaitStableOptions) (*StateResult, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.ConsecutiveRequired <= 0 {
		opts.ConsecutiveRequired = 2
	}

	expected := make(map[PageState]bool, len(opts.ExpectedStates))
	for _, s := range opts.ExpectedStates {
		expected[s] = true
	}

	deadline := time.Now().Add(opts.MaxWait)
	var best *StateResult
	var streakState PageState
	streak := 0

	for {
		result, err := c.Classify(ctx, surface)
		if err != nil {
			return nil, err
		}

		if result.IsPriority() && result.Confidence >= interruptConfidence {
			return result, nil
		}

		if best == nil || result.Confidence > best.Confidence {
			best = result
		}

		eligible := result.Confidence >= opts.MinConfidence &&
			(len(expected) == 0 || expected[result.State])
		if eligible && result.State == streakState {
			streak++
		} else if eligible {
			streakState = result.State
			streak = 1
		} else {
			streakState = ""
			streak = 0
		}
		if streak >= opts.ConsecutiveRequired {
			return result, nil
		}

		if time.Now().Add(opts.PollInterval).After(deadline) {
			return best, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.PollInterval):
		}
	}
}

// capConfidence caps a running score at 1.0.
func capConfidence(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	return v
}

// bestState picks the highest-scoring state deterministically.
func bestState(scores map[PageState]float64) (PageState, float64) {
	best := StateUnknown
	bestScore := 0.0
	for state, score := range scores {
		if score > bestScore || (score == bestScore && state < best) {
			best = state
			bestScore = score
		}
	}
	if bestScore == 0 {
		return StateUnknown, 0
	}
	return best, bestScore
}
