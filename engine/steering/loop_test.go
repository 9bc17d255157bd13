package steering

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wanshape/autoratectl/engine/config"
	"github.com/wanshape/autoratectl/engine/probe"
	"github.com/wanshape/autoratectl/engine/router"
	"github.com/wanshape/autoratectl/engine/statestore"
	"github.com/wanshape/autoratectl/engine/telemetry/logging"
	"github.com/wanshape/autoratectl/engine/telemetry/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingLogger captures warning messages for assertions.
type recordingLogger struct {
	warnings []string
}

func (r *recordingLogger) DebugCtx(context.Context, string, ...any) {}
func (r *recordingLogger) InfoCtx(context.Context, string, ...any)  {}
func (r *recordingLogger) ErrorCtx(context.Context, string, ...any) {}
func (r *recordingLogger) With(...any) logging.Logger               { return r }

func (r *recordingLogger) WarnCtx(_ context.Context, msg string, _ ...any) {
	r.warnings = append(r.warnings, msg)
}

type fakeClock struct{ now time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// scriptedSampler returns a fixed measurement the test mutates between
// cycles.
type scriptedSampler struct {
	m probe.Measurement
}

func (s *scriptedSampler) Run(context.Context) probe.Measurement { return s.m }

type fixedBaseline struct {
	value float64
	ok    bool
}

func (b fixedBaseline) BaselineRTTMs() (float64, bool) { return b.value, b.ok }

func steeringCfg(t *testing.T) config.SteeringConfig {
	t.Helper()
	dir := t.TempDir()
	return config.SteeringConfig{
		PrimaryWAN:              "wan0",
		RuleIdentifier:          "steer-latency-sensitive",
		QueueName:               "cake-download",
		CycleIntervalMs:         50,
		TargetBloatMs:           15,
		WarnBloatMs:             45,
		HardRedBloatMs:          80,
		AlphaLoad:               0.9,
		MaxRTTMs:                5000,
		DropsRateThreshold:      10,
		DropsWindowCycles:       5,
		QueueBacklogThreshold:   100_000,
		QueueConsecutiveCycles:  3,
		BadSamplesToActivate:    320,
		GoodSamplesToDeactivate: 600,
		FlapHistoryLength:       20,
		FlapMaxActivations:      3,
		FlapWindowSeconds:       300,
		Probe: config.ProbeTargets{
			Primary:   []string{"1.1.1.1"},
			TimeoutMs: 500,
		},
		LockPath: filepath.Join(dir, "steering.lock"),
		StateDir: dir,
	}
}

func newTestLoop(t *testing.T, cfg config.SteeringConfig) (*Loop, *router.Fake, *scriptedSampler, *fakeClock) {
	t.Helper()
	fake := router.NewFake()
	sampler := &scriptedSampler{m: probe.Measurement{Kind: probe.KindICMP, RTTMs: 12}}
	clock := newFakeClock()
	l, err := NewLoop(cfg, Deps{
		Clock:    clock,
		Prober:   sampler,
		Session:  fake,
		Baseline: fixedBaseline{value: 10, ok: true},
		Store:    statestore.NewSteeringStore(cfg.StateDir),
		Metrics:  metrics.NewSet(metrics.NewNoopProvider()),
	})
	require.NoError(t, err)
	return l, fake, sampler, clock
}

// driveCycle runs one cycle with the given RTT sample and queue stats.
func driveCycle(t *testing.T, l *Loop, fake *router.Fake, sampler *scriptedSampler, rttMs float64, drops uint64, backlogBytes int64) {
	t.Helper()
	sampler.m = probe.Measurement{Kind: probe.KindICMP, RTTMs: rttMs}
	fake.Stats[l.cfg.QueueName] = router.QueueStats{DropsCumulative: drops, BacklogBytes: backlogBytes}
	require.NoError(t, l.RunCycle(context.Background()))
}

// TestActivationDeactivation walks the full hysteresis cycle: the rule is
// enabled exactly at the 320th consecutive RED verdict and disabled exactly
// at the 600th consecutive GREEN verdict.
func TestActivationDeactivation(t *testing.T) {
	cfg := steeringCfg(t)
	l, fake, sampler, _ := newTestLoop(t, cfg)

	// One benign cycle primes the drops tracker so the next cycle's
	// incrementing counter registers as a drop-rate signal.
	drops := uint64(1000)
	driveCycle(t, l, fake, sampler, 12, drops, 0)
	require.Equal(t, PrimaryGood, l.State())

	// Sustained hard congestion: RTT delta ~110ms (loaded pinned at 120,
	// baseline 10) with drops climbing fast enough to corroborate.
	for i := 1; i <= 320; i++ {
		drops += 50
		driveCycle(t, l, fake, sampler, 120, drops, 0)
		if i < 320 {
			require.Equal(t, PrimaryGood, l.State(), "cycle %d activated early", i)
			require.Empty(t, fake.RuleCalls)
		}
	}
	require.Equal(t, PrimaryDegraded, l.State())
	require.Len(t, fake.RuleCalls, 1)
	assert.Equal(t, router.RuleCall{RuleIdentifier: cfg.RuleIdentifier, Enabled: true}, fake.RuleCalls[0])

	// Recovery: RTT back at baseline, drops flat, backlog zero. The drops
	// window still spans the congested tail for a few cycles, so drive until
	// the first all-GREEN verdict lands, then count the remaining 599.
	for l.goodCount == 0 {
		driveCycle(t, l, fake, sampler, 10, drops, 0)
		require.Equal(t, PrimaryDegraded, l.State())
	}
	require.Equal(t, 1, l.goodCount)
	for i := 2; i <= 600; i++ {
		driveCycle(t, l, fake, sampler, 10, drops, 0)
		if i < 600 {
			require.Equal(t, PrimaryDegraded, l.State(), "green %d deactivated early", i)
			require.Len(t, fake.RuleCalls, 1)
		}
	}
	require.Equal(t, PrimaryGood, l.State())
	require.Len(t, fake.RuleCalls, 2)
	assert.Equal(t, router.RuleCall{RuleIdentifier: cfg.RuleIdentifier, Enabled: false}, fake.RuleCalls[1])
}

// TestRTTAloneNeverActivates: hard-RED RTT with flat drops and an
// empty queue must never enable the rule.
func TestRTTAloneNeverActivates(t *testing.T) {
	cfg := steeringCfg(t)
	cfg.BadSamplesToActivate = 10
	cfg.GoodSamplesToDeactivate = 20
	l, fake, sampler, _ := newTestLoop(t, cfg)

	for i := 0; i < 100; i++ {
		driveCycle(t, l, fake, sampler, 120, 1000, 0)
	}

	assert.Equal(t, PrimaryGood, l.State())
	assert.Empty(t, fake.RuleCalls)
	assert.Zero(t, l.badCount, "YELLOW verdicts must not advance the bad counter")
}

// TestQueueBacklogCorroborates verifies the queue signal alone (with RED
// RTT) is sufficient corroboration, and that it requires the configured
// consecutive-cycles streak first.
func TestQueueBacklogCorroborates(t *testing.T) {
	cfg := steeringCfg(t)
	cfg.BadSamplesToActivate = 5
	cfg.GoodSamplesToDeactivate = 8
	l, fake, sampler, _ := newTestLoop(t, cfg)

	// Backlog above threshold, drops flat. The first two cycles are below
	// the queue tracker's consecutive requirement, so the composite stays
	// YELLOW and the bad counter holds at zero.
	driveCycle(t, l, fake, sampler, 120, 1000, 200_000)
	driveCycle(t, l, fake, sampler, 120, 1000, 200_000)
	assert.Zero(t, l.badCount)

	// From the third consecutive over-threshold cycle on, the queue signal
	// corroborates and the composite turns RED.
	for i := 0; i < 5; i++ {
		driveCycle(t, l, fake, sampler, 120, 1000, 200_000)
	}
	assert.Equal(t, PrimaryDegraded, l.State())
	require.Len(t, fake.RuleCalls, 1)
	assert.True(t, fake.RuleCalls[0].Enabled)
}

// TestGreenResetsBadCounter verifies a single GREEN verdict resets the
// activation counter mid-streak. Corroboration comes from the queue signal,
// which clears instantly when the backlog drains, so the calm cycle is a
// clean composite GREEN.
func TestGreenResetsBadCounter(t *testing.T) {
	cfg := steeringCfg(t)
	cfg.BadSamplesToActivate = 6
	cfg.GoodSamplesToDeactivate = 9
	l, fake, sampler, _ := newTestLoop(t, cfg)

	for i := 0; i < 6; i++ {
		driveCycle(t, l, fake, sampler, 120, 1000, 200_000)
	}
	// Queue corroboration starts on the third over-threshold cycle.
	assert.Equal(t, 4, l.badCount)

	// One calm cycle wipes the streak.
	driveCycle(t, l, fake, sampler, 10, 1000, 0)
	assert.Zero(t, l.badCount)
	assert.Equal(t, PrimaryGood, l.State())
	assert.Empty(t, fake.RuleCalls)
}

// TestFlapProtectionHoldsState drives repeated activate/deactivate swings
// until the flap cap is reached, then verifies further activations are held.
func TestFlapProtectionHoldsState(t *testing.T) {
	cfg := steeringCfg(t)
	cfg.BadSamplesToActivate = 2
	cfg.GoodSamplesToDeactivate = 3
	cfg.FlapMaxActivations = 2
	cfg.FlapWindowSeconds = 3600
	l, fake, sampler, _ := newTestLoop(t, cfg)

	drops := uint64(0)
	driveCycle(t, l, fake, sampler, 12, drops, 0)

	congest := func() {
		for l.State() == PrimaryGood && !l.flapHolding {
			drops += 50
			driveCycle(t, l, fake, sampler, 120, drops, 0)
		}
	}
	settle := func() {
		for l.State() == PrimaryDegraded {
			driveCycle(t, l, fake, sampler, 10, drops, 0)
		}
	}

	congest()
	settle()
	congest()
	settle()
	require.Len(t, fake.RuleCalls, 4) // two full activate/deactivate swings

	// Third congestion episode: the cap (2 within the window) is reached, so
	// the state holds at PRIMARY_GOOD and no further rule call is issued.
	for i := 0; i < 10; i++ {
		drops += 50
		driveCycle(t, l, fake, sampler, 120, drops, 0)
	}
	assert.Equal(t, PrimaryGood, l.State())
	assert.Len(t, fake.RuleCalls, 4)
	assert.True(t, l.flapHolding)
}

// TestFlapWindowExpiryReenables verifies the hold lifts once old activations
// age out of the flap window.
func TestFlapWindowExpiryReenables(t *testing.T) {
	cfg := steeringCfg(t)
	cfg.BadSamplesToActivate = 2
	cfg.GoodSamplesToDeactivate = 3
	cfg.FlapMaxActivations = 1
	cfg.FlapWindowSeconds = 60
	l, fake, sampler, clock := newTestLoop(t, cfg)

	drops := uint64(0)
	driveCycle(t, l, fake, sampler, 12, drops, 0)
	for l.State() == PrimaryGood {
		drops += 50
		driveCycle(t, l, fake, sampler, 120, drops, 0)
	}
	for l.State() == PrimaryDegraded {
		driveCycle(t, l, fake, sampler, 10, drops, 0)
	}
	require.Len(t, fake.RuleCalls, 2)

	// Immediately congested again: held by the cap.
	for i := 0; i < 5; i++ {
		drops += 50
		driveCycle(t, l, fake, sampler, 120, drops, 0)
	}
	require.Equal(t, PrimaryGood, l.State())

	// After the window passes, the same congestion pattern activates again.
	clock.Advance(2 * time.Minute)
	for i := 0; i < 5; i++ {
		drops += 50
		driveCycle(t, l, fake, sampler, 120, drops, 0)
	}
	assert.Equal(t, PrimaryDegraded, l.State())
	assert.Len(t, fake.RuleCalls, 3)
}

// TestRuleEnableErrorRetries verifies a transient router error on the toggle
// leaves the state machine at threshold so the next cycle retries.
func TestRuleEnableErrorRetries(t *testing.T) {
	cfg := steeringCfg(t)
	cfg.BadSamplesToActivate = 3
	cfg.GoodSamplesToDeactivate = 5
	l, fake, sampler, _ := newTestLoop(t, cfg)

	drops := uint64(0)
	driveCycle(t, l, fake, sampler, 12, drops, 0)
	drops += 50
	driveCycle(t, l, fake, sampler, 120, drops, 0)
	drops += 50
	driveCycle(t, l, fake, sampler, 120, drops, 0)

	fake.FailNextRule = true
	drops += 50
	driveCycle(t, l, fake, sampler, 120, drops, 0)
	assert.Equal(t, PrimaryGood, l.State(), "failed toggle must not transition")

	drops += 50
	driveCycle(t, l, fake, sampler, 120, drops, 0)
	assert.Equal(t, PrimaryDegraded, l.State())
	require.Len(t, fake.RuleCalls, 1)
	assert.True(t, fake.RuleCalls[0].Enabled)
}

// TestSteeringNeverWritesAutorateBaseline: over a full
// activation/deactivation trace the primary WAN's autorate state file is
// byte-identical before and after.
func TestSteeringNeverWritesAutorateBaseline(t *testing.T) {
	cfg := steeringCfg(t)
	cfg.BadSamplesToActivate = 3
	cfg.GoodSamplesToDeactivate = 5

	autorateStore := statestore.New(cfg.StateDir, cfg.PrimaryWAN)
	snap := autorateStore.Default()
	snap.Shared.BaselineRTTMs = 10
	snap.Shared.LoadedRTTMs = 11
	require.NoError(t, autorateStore.Save(snap))
	primaryPath := filepath.Join(cfg.StateDir, cfg.PrimaryWAN+"_state.json")
	before, err := os.ReadFile(primaryPath)
	require.NoError(t, err)

	fake := router.NewFake()
	sampler := &scriptedSampler{}
	l, err := NewLoop(cfg, Deps{
		Clock:    newFakeClock(),
		Prober:   sampler,
		Session:  fake,
		Baseline: NewStoreBaseline(autorateStore),
		Store:    statestore.NewSteeringStore(cfg.StateDir),
		Metrics:  metrics.NewSet(metrics.NewNoopProvider()),
	})
	require.NoError(t, err)

	drops := uint64(0)
	driveCycle(t, l, fake, sampler, 12, drops, 0)
	for l.State() == PrimaryGood {
		drops += 50
		driveCycle(t, l, fake, sampler, 120, drops, 0)
	}
	for l.State() == PrimaryDegraded {
		driveCycle(t, l, fake, sampler, 10, drops, 0)
	}

	after, err := os.ReadFile(primaryPath)
	require.NoError(t, err)
	assert.Equal(t, before, after, "steering must never mutate the autorate state file")
}

// TestCorruptSteeringStateLogsSingleWarning: when both the primary and
// backup steering files are unreadable, construction falls back to the
// default snapshot and emits exactly one warning.
func TestCorruptSteeringStateLogsSingleWarning(t *testing.T) {
	cfg := steeringCfg(t)
	primary := filepath.Join(cfg.StateDir, "steering_state.json")
	require.NoError(t, os.WriteFile(primary, []byte("{not json"), 0o600))
	require.NoError(t, os.WriteFile(primary+".backup", []byte("also not json"), 0o600))

	rec := &recordingLogger{}
	l, err := NewLoop(cfg, Deps{
		Clock:    newFakeClock(),
		Prober:   &scriptedSampler{},
		Session:  router.NewFake(),
		Baseline: fixedBaseline{value: 10, ok: true},
		Store:    statestore.NewSteeringStore(cfg.StateDir),
		Logger:   rec,
	})
	require.NoError(t, err)
	require.Len(t, rec.warnings, 1)
	assert.Contains(t, rec.warnings[0], "default snapshot")
	assert.Equal(t, PrimaryGood, l.State())
}

// TestResumeFromSnapshot verifies the bad counter and the steering state
// survive a restart through the steering store.
func TestResumeFromSnapshot(t *testing.T) {
	cfg := steeringCfg(t)
	cfg.BadSamplesToActivate = 10
	cfg.GoodSamplesToDeactivate = 15
	l, fake, sampler, _ := newTestLoop(t, cfg)

	drops := uint64(0)
	driveCycle(t, l, fake, sampler, 12, drops, 0)
	for i := 0; i < 4; i++ {
		drops += 50
		driveCycle(t, l, fake, sampler, 120, drops, 0)
	}
	require.Equal(t, 4, l.badCount)

	l2, _, _, _ := newTestLoop(t, cfg)
	assert.Equal(t, 4, l2.badCount)
	assert.Equal(t, PrimaryGood, l2.State())
}

// TestProbeFailHoldsEverything verifies a FAIL probe cycle touches neither
// the state machine nor the router.
func TestProbeFailHoldsEverything(t *testing.T) {
	cfg := steeringCfg(t)
	l, fake, sampler, _ := newTestLoop(t, cfg)

	sampler.m = probe.Measurement{Kind: probe.KindFail}
	fake.Stats[cfg.QueueName] = router.QueueStats{}
	for i := 0; i < 5; i++ {
		require.NoError(t, l.RunCycle(context.Background()))
	}

	assert.Equal(t, 5, l.consecutiveFailures)
	assert.False(t, l.Healthy())
	assert.Empty(t, fake.RuleCalls)
	assert.Equal(t, PrimaryGood, l.State())
}
