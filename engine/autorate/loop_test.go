package autorate

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

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return nil
}

type scriptedSampler struct {
	m probe.Measurement
}

func (s *scriptedSampler) Run(context.Context) probe.Measurement { return s.m }

func uploadCfg() config.DirectionConfig {
	return config.DirectionConfig{
		HasSoftRed:           false,
		InitialRateBps:       40_000_000,
		CeilingBps:           50_000_000,
		FloorGreenBps:        40_000_000,
		FloorYellowBps:       30_000_000,
		FloorRedBps:          10_000_000,
		StepUpBps:            500_000,
		FactorDown:           0.92,
		GreenSamplesRequired: 5,
		QueueName:            "cake-upload",
	}
}

func wanCfg(t *testing.T) config.WANConfig {
	t.Helper()
	dir := t.TempDir()
	return config.WANConfig{
		Name:                      "wan0",
		CycleIntervalMs:           50,
		TargetBloatMs:             15,
		WarnBloatMs:               45,
		HardRedBloatMs:            80,
		AlphaBaseline:             0.1,
		AlphaLoad:                 0.5,
		BaselineUpdateThresholdMs: 5,
		BaselineInitialHintMs:     10,
		MaxRTTMs:                  5000,
		SoftRedEntrySeconds:       0.15,
		MaxConsecutiveFailures:    3,
		Probe: config.ProbeTargets{
			Primary:   []string{"1.1.1.1"},
			TimeoutMs: 500,
		},
		RateLimiter: config.RateLimiterConfig{MaxEvents: 100, WindowSeconds: 60},
		Download:    downloadCfg(),
		Upload:      uploadCfg(),
		LockPath:    dir + "/wan0.lock",
		StateDir:    dir,
		SchemaVersion: "1.0",
	}
}

func newTestLoop(t *testing.T, cfg config.WANConfig) (*Loop, *router.Fake, *scriptedSampler) {
	t.Helper()
	fake := router.NewFake()
	sampler := &scriptedSampler{m: probe.Measurement{Kind: probe.KindICMP, RTTMs: 10}}
	l, err := NewLoop(cfg.Name, cfg, Deps{
		Clock:   &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		Prober:  sampler,
		Store:   statestore.New(cfg.StateDir, cfg.Name),
		Session: fake,
	})
	require.NoError(t, err)
	return l, fake, sampler
}

// TestCorruptStateLogsSingleWarning: when both the primary and backup state
// files are unreadable, construction falls back to the default snapshot and
// emits exactly one warning.
func TestCorruptStateLogsSingleWarning(t *testing.T) {
	cfg := wanCfg(t)
	primary := filepath.Join(cfg.StateDir, cfg.Name+"_state.json")
	require.NoError(t, os.WriteFile(primary, []byte("{not json"), 0o600))
	require.NoError(t, os.WriteFile(primary+".backup", []byte("also not json"), 0o600))

	rec := &recordingLogger{}
	l, err := NewLoop(cfg.Name, cfg, Deps{
		Clock:   &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		Prober:  &scriptedSampler{m: probe.Measurement{Kind: probe.KindICMP, RTTMs: 10}},
		Store:   statestore.New(cfg.StateDir, cfg.Name),
		Session: router.NewFake(),
		Logger:  rec,
	})
	require.NoError(t, err)
	require.Len(t, rec.warnings, 1)
	assert.Contains(t, rec.warnings[0], "default snapshot")
	assert.Equal(t, Green, l.download.state)
}

// TestTCPFallbackSampleIsUsed: a TCP_OK measurement
// is a legitimate RTT proxy. The loaded EWMA takes the handshake time, the
// baseline stays frozen (the sample is far outside the update threshold),
// and the consecutive-failure counter is untouched.
func TestTCPFallbackSampleIsUsed(t *testing.T) {
	cfg := wanCfg(t)
	l, _, sampler := newTestLoop(t, cfg)

	sampler.m = probe.Measurement{Kind: probe.KindTCPOK, RTTMs: 28, Target: "fallback"}
	require.NoError(t, l.RunCycle(context.Background()))

	loaded, set := l.loadedEWMA.Value()
	require.True(t, set)
	assert.Equal(t, 28.0, loaded)
	baseline, _ := l.baselineEWMA.Value()
	assert.Equal(t, 10.0, baseline, "baseline must not absorb a loaded sample")
	assert.Zero(t, l.consecutiveFailures)
	assert.Equal(t, 28.0, l.lastRTTMs)
}

// TestGatewayFallbackSampleIsUsed verifies GATEWAY_OK measurements feed the
// loaded EWMA the same way.
func TestGatewayFallbackSampleIsUsed(t *testing.T) {
	cfg := wanCfg(t)
	l, _, sampler := newTestLoop(t, cfg)

	sampler.m = probe.Measurement{Kind: probe.KindGatewayOK, RTTMs: 3, Target: "gw"}
	require.NoError(t, l.RunCycle(context.Background()))

	loaded, set := l.loadedEWMA.Value()
	require.True(t, set)
	assert.Equal(t, 3.0, loaded)
	assert.Zero(t, l.consecutiveFailures)
}

// TestBaselineFrozenUnderLoad: neither a far-from-baseline sample
// nor a sample arriving while the previous state was non-GREEN may move the
// baseline.
func TestBaselineFrozenUnderLoad(t *testing.T) {
	cfg := wanCfg(t)
	l, _, sampler := newTestLoop(t, cfg)
	ctx := context.Background()

	// Far-from-baseline sample while GREEN: frozen.
	sampler.m = probe.Measurement{Kind: probe.KindICMP, RTTMs: 100}
	require.NoError(t, l.RunCycle(ctx))
	baseline, _ := l.baselineEWMA.Value()
	assert.Equal(t, 10.0, baseline)

	// Previous state is now RED (delta 90 > 80); even a near-baseline sample
	// must not thaw it.
	assert.Equal(t, Red, l.download.state)
	sampler.m = probe.Measurement{Kind: probe.KindICMP, RTTMs: 11}
	require.NoError(t, l.RunCycle(ctx))
	baseline, _ = l.baselineEWMA.Value()
	assert.Equal(t, 10.0, baseline)
}

// TestBaselineTracksIdleSamples verifies the baseline does move when the
// link is idle: near-baseline sample, previous state GREEN.
func TestBaselineTracksIdleSamples(t *testing.T) {
	cfg := wanCfg(t)
	l, _, sampler := newTestLoop(t, cfg)

	sampler.m = probe.Measurement{Kind: probe.KindICMP, RTTMs: 11}
	require.NoError(t, l.RunCycle(context.Background()))

	baseline, _ := l.baselineEWMA.Value()
	assert.InDelta(t, 10.1, baseline, 1e-9) // 0.1*11 + 0.9*10
}

// TestProbeFailWithholdsHeartbeat verifies FAIL cycles count consecutively,
// leave EWMAs and the router untouched, and flip Healthy() at the threshold.
func TestProbeFailWithholdsHeartbeat(t *testing.T) {
	cfg := wanCfg(t)
	l, fake, sampler := newTestLoop(t, cfg)
	ctx := context.Background()

	sampler.m = probe.Measurement{Kind: probe.KindFail}
	for i := 1; i <= 3; i++ {
		require.NoError(t, l.RunCycle(ctx))
		assert.Equal(t, i, l.consecutiveFailures)
	}
	assert.False(t, l.Healthy())
	_, set := l.loadedEWMA.Value()
	assert.False(t, set)
	assert.Empty(t, fake.RateCalls)

	// A single good sample recovers.
	sampler.m = probe.Measurement{Kind: probe.KindICMP, RTTMs: 10}
	require.NoError(t, l.RunCycle(ctx))
	assert.Zero(t, l.consecutiveFailures)
	assert.True(t, l.Healthy())
}

// TestInvalidSampleCountsAsFailure covers the EWMA InvalidInput row of the
// failure table: the sample is discarded and the cycle behaves like a probe
// FAIL, accumulating with real FAILs.
func TestInvalidSampleCountsAsFailure(t *testing.T) {
	cfg := wanCfg(t)
	l, fake, sampler := newTestLoop(t, cfg)
	ctx := context.Background()

	sampler.m = probe.Measurement{Kind: probe.KindFail}
	require.NoError(t, l.RunCycle(ctx))
	sampler.m = probe.Measurement{Kind: probe.KindICMP, RTTMs: cfg.MaxRTTMs + 1}
	require.NoError(t, l.RunCycle(ctx))

	assert.Equal(t, 2, l.consecutiveFailures)
	_, set := l.loadedEWMA.Value()
	assert.False(t, set)
	assert.Empty(t, fake.RateCalls)
}

// TestCyclePersistsSnapshot verifies each successful cycle lands on disk and
// round-trips through the store.
func TestCyclePersistsSnapshot(t *testing.T) {
	cfg := wanCfg(t)
	l, _, sampler := newTestLoop(t, cfg)

	sampler.m = probe.Measurement{Kind: probe.KindICMP, RTTMs: 11}
	require.NoError(t, l.RunCycle(context.Background()))

	res, err := statestore.New(cfg.StateDir, cfg.Name).Load()
	require.NoError(t, err)
	require.False(t, res.UsedDefault)
	assert.Equal(t, uint64(1), res.Snapshot.Shared.CycleCount)
	assert.Equal(t, 11.0, res.Snapshot.Shared.LastRTTMs)
	assert.Equal(t, l.Snapshot().Download, res.Snapshot.Download)
	assert.Equal(t, l.Snapshot().Upload, res.Snapshot.Upload)
}

// TestResumeFromPersistedState verifies a restarted loop picks up the rate,
// state, and counters its predecessor persisted.
func TestResumeFromPersistedState(t *testing.T) {
	cfg := wanCfg(t)
	l, _, sampler := newTestLoop(t, cfg)
	ctx := context.Background()

	// Drive into congestion so the persisted state is distinctive.
	sampler.m = probe.Measurement{Kind: probe.KindICMP, RTTMs: 200}
	require.NoError(t, l.RunCycle(ctx))
	require.Equal(t, Red, l.download.state)
	wantRate := l.download.rateBps

	l2, _, _ := newTestLoop(t, cfg)
	assert.Equal(t, Red, l2.download.state)
	assert.Equal(t, wantRate, l2.download.rateBps)
	assert.Equal(t, uint64(1), l2.CycleCount())
}

// TestUplinkIndependentOfDownlink verifies the uplink's 3-state machine
// classifies the shared delta independently: a delta in the downlink's
// SOFT_RED band is already RED for the uplink.
func TestUplinkIndependentOfDownlink(t *testing.T) {
	cfg := wanCfg(t)
	l, _, sampler := newTestLoop(t, cfg)
	ctx := context.Background()

	// delta ~60ms: downlink YELLOW (SOFT_RED unconfirmed), uplink RED.
	sampler.m = probe.Measurement{Kind: probe.KindICMP, RTTMs: 70}
	require.NoError(t, l.RunCycle(ctx))

	assert.Equal(t, Yellow, l.download.state)
	assert.Equal(t, Red, l.upload.state)
}

// TestRunStopsOnCancel verifies the loop exits promptly when the shutdown
// token fires.
func TestRunStopsOnCancel(t *testing.T) {
	cfg := wanCfg(t)
	l, _, _ := newTestLoop(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
