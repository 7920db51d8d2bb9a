package biz

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSurface is a scriptable Surface for classifier tests.
type fakeSurface struct {
	mu      sync.Mutex
	url     string
	title   string
	results map[string]ProbeResult // selector -> result
	// resultSeq, when set, overrides results per classification round;
	// perRound must then hold the number of probes per Classify call.
	resultSeq []map[string]ProbeResult
	perRound  int
	probes    int
	tornDown  bool
}

func newFakeSurface(url string) *fakeSurface {
	return &fakeSurface{url: url, results: map[string]ProbeResult{}}
}

func (f *fakeSurface) set(selector string, present, visible bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[selector] = ProbeResult{Present: present, Visible: visible}
}

func (f *fakeSurface) Probe(_ context.Context, spec ProbeSpec) (ProbeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current := f.results
	if len(f.resultSeq) > 0 && f.perRound > 0 {
		idx := f.probes / f.perRound
		if idx >= len(f.resultSeq) {
			idx = len(f.resultSeq) - 1
		}
		current = f.resultSeq[idx]
	}
	f.probes++
	return current[spec.Selector], nil
}

func (f *fakeSurface) CurrentURL() string { return f.url }

func (f *fakeSurface) Title(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.title, nil
}

func (f *fakeSurface) Navigate(context.Context, string) error { return nil }

func (f *fakeSurface) Teardown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tornDown = true
	return nil
}

func testLogger() log.Logger {
	return log.NewStdLogger(os.Stdout)
}

func TestClassify_SingleState(t *testing.T) {
	surface := newFakeSurface("https://portal/login")
	surface.set("form#login [name=password]", true, true)
	surface.set("#forgot-password", true, true)

	c := NewStateClassifier(testLogger())
	result, err := c.Classify(context.Background(), surface)
	require.NoError(t, err)

	assert.Equal(t, StateLogin, result.State)
	assert.InDelta(t, 1.0, result.Confidence, 0.001) // 0.7 + 0.3
	assert.Equal(t, "https://portal/login", result.ObservedURL)
}

func TestClassify_ConfidenceCapped(t *testing.T) {
	// Many rules for one state must never push confidence above 1.0.
	rules := []ClassifierRule{
		{Probe: ProbeSpec{Selector: "a"}, State: StateLogin, Weight: 0.7},
		{Probe: ProbeSpec{Selector: "b"}, State: StateLogin, Weight: 0.7},
		{Probe: ProbeSpec{Selector: "c"}, State: StateLogin, Weight: 0.7},
	}
	surface := newFakeSurface("https://portal")
	surface.set("a", true, true)
	surface.set("b", true, true)
	surface.set("c", true, true)

	c := NewStateClassifierWithRules(rules, testLogger())
	result, err := c.Classify(context.Background(), surface)
	require.NoError(t, err)

	assert.Equal(t, StateLogin, result.State)
	assert.LessOrEqual(t, result.Confidence, 1.0)
}

func TestClassify_StrictVisibility(t *testing.T) {
	// A present but hidden dashboard nav must not classify as dashboard.
	surface := newFakeSurface("https://portal")
	surface.set("#dashboard-nav", true, false)

	c := NewStateClassifier(testLogger())
	result, err := c.Classify(context.Background(), surface)
	require.NoError(t, err)

	assert.NotEqual(t, StateDashboard, result.State)
}

func TestClassify_LoadingWinsOverTarget(t *testing.T) {
	surface := newFakeSurface("https://portal/slots")
	surface.set(".loading-spinner", true, true)
	surface.set("#overlay-progress", true, true)
	surface.set(".appointment-table", true, true)
	surface.set(".no-slots-message", true, true)

	c := NewStateClassifier(testLogger())
	result, err := c.Classify(context.Background(), surface)
	require.NoError(t, err)

	assert.Equal(t, StateLoading, result.State)
}

func TestClassify_PaymentOTPDisambiguation(t *testing.T) {
	// OTP input plus payment context must resolve to the payment OTP.
	surface := newFakeSurface("https://portal/payment/confirm")
	surface.set("input[name=otp]", true, true)
	surface.set("#payment-otp-frame", true, true)

	c := NewStateClassifier(testLogger())
	result, err := c.Classify(context.Background(), surface)
	require.NoError(t, err)

	assert.Equal(t, StatePaymentOTP, result.State)
}

func TestClassify_PriorityBoost(t *testing.T) {
	// A bot check at threshold must shadow a stronger target match.
	surface := newFakeSurface("https://portal")
	surface.set("#challenge-form", true, true)       // bot check 0.8 -> boosted
	surface.set(".slot-row.available", true, true)   // slot available 0.8
	surface.set(".appointment-table", true, true)    // slot list 0.6

	c := NewStateClassifier(testLogger())
	result, err := c.Classify(context.Background(), surface)
	require.NoError(t, err)

	assert.Equal(t, StateBotCheck, result.State)
	assert.Greater(t, result.Confidence, 0.8)
}

func TestClassify_TitleFallback(t *testing.T) {
	surface := newFakeSurface("https://portal")
	surface.title = "Just a moment..."

	c := NewStateClassifier(testLogger())
	result, err := c.Classify(context.Background(), surface)
	require.NoError(t, err)

	assert.Equal(t, StateBotCheck, result.State)
	assert.InDelta(t, fallbackConfidence, result.Confidence, 0.001)
	assert.Equal(t, "title", result.Details["matched_rules"])
}

func TestClassify_Unknown(t *testing.T) {
	surface := newFakeSurface("https://portal")

	c := NewStateClassifier(testLogger())
	result, err := c.Classify(context.Background(), surface)
	require.NoError(t, err)

	assert.Equal(t, StateUnknown, result.State)
	assert.Zero(t, result.Confidence)

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Classifications)
	assert.EqualValues(t, 1, stats.UnknownResults)
}

func TestAwaitStable_ConsecutiveRequired(t *testing.T) {
	rules := []ClassifierRule{
		{Probe: ProbeSpec{Selector: ".loading-spinner"}, State: StateLoading, Weight: 0.6},
		{Probe: ProbeSpec{Selector: ".appointment-table"}, State: StateSlotList, Weight: 0.6},
	}
	spinner := map[string]ProbeResult{
		".loading-spinner": {Present: true, Visible: true},
	}
	slots := map[string]ProbeResult{
		".appointment-table": {Present: true, Visible: true},
	}
	surface := newFakeSurface("https://portal/slots")
	surface.resultSeq = []map[string]ProbeResult{spinner, slots, slots}
	surface.perRound = len(rules)

	c := NewStateClassifierWithRules(rules, testLogger())
	result, err := c.AwaitStable(context.Background(), surface, AwaitStableOptions{
		MaxWait:             2 * time.Second,
		PollInterval:        5 * time.Millisecond,
		MinConfidence:       0.5,
		ConsecutiveRequired: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, StateSlotList, result.State)
}

func TestAwaitStable_PriorityInterrupts(t *testing.T) {
	surface := newFakeSurface("https://portal")
	surface.set("#challenge-form", true, true)

	c := NewStateClassifier(testLogger())
	result, err := c.AwaitStable(context.Background(), surface, AwaitStableOptions{
		MaxWait:             2 * time.Second,
		PollInterval:        5 * time.Millisecond,
		MinConfidence:       0.9,
		ConsecutiveRequired: 5,
		ExpectedStates:      []PageState{StateSlotList},
	})
	require.NoError(t, err)

	// Returns immediately despite never matching the expected state.
	assert.Equal(t, StateBotCheck, result.State)
}

func TestAwaitStable_ReturnsBestSeenOnTimeout(t *testing.T) {
	surface := newFakeSurface("https://portal")
	surface.set("#forgot-password", true, true) // login at 0.3 only

	c := NewStateClassifier(testLogger())
	result, err := c.AwaitStable(context.Background(), surface, AwaitStableOptions{
		MaxWait:             30 * time.Millisecond,
		PollInterval:        5 * time.Millisecond,
		MinConfidence:       0.9,
		ConsecutiveRequired: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, StateLogin, result.State)
	assert.InDelta(t, 0.3, result.Confidence, 0.001)
}

func TestAwaitStable_ContextCancelled(t *testing.T) {
	surface := newFakeSurface("https://portal")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewStateClassifier(testLogger())
	_, err := c.AwaitStable(ctx, surface, AwaitStableOptions{
		MaxWait:             time.Second,
		PollInterval:        5 * time.Millisecond,
		MinConfidence:       0.5,
		ConsecutiveRequired: 2,
	})
	assert.Error(t, err)
}
