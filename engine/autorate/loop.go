package autorate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wanshape/autoratectl/engine/config"
	"github.com/wanshape/autoratectl/engine/ewma"
	internaltracing "github.com/wanshape/autoratectl/engine/internal/tracing"
	"github.com/wanshape/autoratectl/engine/probe"
	"github.com/wanshape/autoratectl/engine/ratelimit"
	"github.com/wanshape/autoratectl/engine/router"
	"github.com/wanshape/autoratectl/engine/statestore"
	"github.com/wanshape/autoratectl/engine/telemetry/logging"
	"github.com/wanshape/autoratectl/engine/telemetry/metrics"
)

// ErrLockLost is a defensive fatal condition: the process
// believed it held the WAN lock but a subsequent check disagrees.
var ErrLockLost = errors.New("autorate: lock lost")

// Clock is the monotonic time source a Loop suspends on, isolated for
// deterministic tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// realClock sleeps against the real wall clock, honoring ctx cancellation.
type realClock struct{ start time.Time }

func NewRealClock() *realClock { return &realClock{start: time.Now()} }

func (c *realClock) Now() time.Time { return time.Now() }

func (c *realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Elapsed returns the monotonic duration since the clock's construction.
func (c *realClock) Elapsed() time.Duration { return time.Since(c.start) }

// Loop is the per-WAN autorate control loop. One Loop owns one
// WAN's probe, baseline, two Directions, and state store; the WAN lock is
// held by the caller.
type Loop struct {
	wan string
	cfg config.WANConfig

	// mu guards the controller record against concurrent Snapshot/Healthy
	// reads from the health surface; the cycle itself is single-tasked.
	mu sync.Mutex

	clock   Clock
	start   time.Time
	prober  probe.Sampler
	store   *statestore.Store
	session router.Session

	baselineEWMA *ewma.Filter
	loadedEWMA   *ewma.Filter

	download *Direction
	upload   *Direction

	consecutiveFailures int
	cycleCount          uint64
	prevStateWasGreen   bool
	lastRTTMs           float64

	logger logging.Logger
	metrics metrics.Set
}

// Deps bundles a Loop's external collaborators.
type Deps struct {
	Clock   Clock
	Prober  probe.Sampler
	Store   *statestore.Store
	Session router.Session
	Logger  logging.Logger
	Metrics metrics.Set
}

// NewLoop constructs a Loop for wan, resuming from the store's last
// snapshot (or its default if none exists).
func NewLoop(wan string, cfg config.WANConfig, deps Deps) (*Loop, error) {
	if deps.Clock == nil {
		deps.Clock = NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewForWAN(nil, wan)
	}
	if deps.Metrics.CyclesTotal == nil {
		deps.Metrics = metrics.NewSet(metrics.NewNoopProvider())
	}

	loadResult, err := deps.Store.Load()
	if err != nil {
		return nil, err
	}
	if loadResult.Warning != "" {
		deps.Logger.WarnCtx(context.Background(), loadResult.Warning, "quarantined", loadResult.QuarantinedPrimary)
	}
	snap := loadResult.Snapshot

	baselineHint := cfg.BaselineInitialHintMs
	if snap.Shared.BaselineRTTMs > 0 {
		baselineHint = snap.Shared.BaselineRTTMs
	}
	baselineEWMA := ewma.New(cfg.AlphaBaseline, cfg.MaxRTTMs)
	if baselineHint > 0 {
		_, _ = baselineEWMA.Update(baselineHint)
	}
	loadedEWMA := ewma.New(cfg.AlphaLoad, cfg.MaxRTTMs)
	if snap.Shared.LoadedRTTMs > 0 {
		_, _ = loadedEWMA.Update(snap.Shared.LoadedRTTMs)
	}

	dlLimiter := ratelimit.New(cfg.RateLimiter.MaxEvents, cfg.RateLimiter.Window())
	ulLimiter := ratelimit.New(cfg.RateLimiter.MaxEvents, cfg.RateLimiter.Window())

	download := NewDirection("download", wan, cfg.Download, cfg.SoftRedEntryCycles(), dlLimiter, deps.Session, snap.Download)
	upload := NewDirection("upload", wan, cfg.Upload, 1, ulLimiter, deps.Session, snap.Upload)

	return &Loop{
		wan:                 wan,
		cfg:                 cfg,
		clock:               deps.Clock,
		start:               deps.Clock.Now(),
		prober:              deps.Prober,
		store:               deps.Store,
		session:             deps.Session,
		baselineEWMA:        baselineEWMA,
		loadedEWMA:          loadedEWMA,
		download:            download,
		upload:              upload,
		consecutiveFailures: snap.Shared.ConsecutiveFailures,
		cycleCount:          snap.Shared.CycleCount,
		lastRTTMs:           snap.Shared.LastRTTMs,
		prevStateWasGreen:   download.state == Green,
		logger:              deps.Logger,
		metrics:             deps.Metrics,
	}, nil
}

// Healthy reports whether this loop's consecutive failure count is within
// the configured threshold (drives the watchdog heartbeat).
func (l *Loop) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.healthyLocked()
}

func (l *Loop) healthyLocked() bool { return l.consecutiveFailures < l.cfg.MaxConsecutiveFailures }

// CycleCount returns the cycle count restored from the store's last
// persisted snapshot plus the cycles completed in this process.
func (l *Loop) CycleCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cycleCount
}

// Snapshot returns the current in-memory shared/controller records for the
// health surface and for persistence.
func (l *Loop) Snapshot() statestore.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Loop) snapshotLocked() statestore.Snapshot {
	baseline, _ := l.baselineEWMA.Value()
	loaded, _ := l.loadedEWMA.Value()
	return statestore.Snapshot{
		SchemaVersion: l.cfg.SchemaVersion,
		WAN:           l.wan,
		Shared: statestore.SharedRecord{
			BaselineRTTMs:       baseline,
			LoadedRTTMs:         loaded,
			LastRTTMs:           l.lastRTTMs,
			CycleCount:          l.cycleCount,
			ConsecutiveFailures: l.consecutiveFailures,
			LastCycleAt:         l.clock.Now(),
		},
		Download: l.download.Record(),
		Upload:   l.upload.Record(),
	}
}

// RunCycle executes exactly one cycle: probe, EWMA update, classify and
// select rate for both directions, elide-or-write, persist. It never
// sleeps; callers in single-cycle (-once) mode call this directly, and Run
// wraps it with the inter-cycle sleep.
func (l *Loop) RunCycle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := internaltracing.NewCycleTracer().StartSpan(internaltracing.WithTraceID(ctx, cycleTraceID(l.wan, l.cycleCount)), "cycle")
	defer span.End()

	m := l.prober.Run(ctx)
	if m.Kind == probe.KindFail {
		l.mu.Lock()
		l.consecutiveFailures++
		failures := l.consecutiveFailures
		healthy := l.healthyLocked()
		l.mu.Unlock()
		l.logger.WarnCtx(ctx, "probe failed", "consecutive_failures", failures)
		if !healthy {
			l.logger.WarnCtx(ctx, "watchdog heartbeat withheld", "consecutive_failures", failures)
		}
		return nil
	}

	l.mu.Lock()
	if _, err := l.loadedEWMA.Update(m.RTTMs); err != nil {
		// Treated exactly like a probe FAIL: counted, sample
		// discarded, no state machine or router activity this cycle.
		l.consecutiveFailures++
		failures := l.consecutiveFailures
		l.mu.Unlock()
		l.logger.WarnCtx(ctx, "loaded ewma rejected sample", "err", err, "consecutive_failures", failures)
		return nil
	}
	l.consecutiveFailures = 0
	l.lastRTTMs = m.RTTMs
	loaded, _ := l.loadedEWMA.Value()

	baselineBefore, baselineSet := l.baselineEWMA.Value()
	if l.shouldUpdateBaseline(m.RTTMs, baselineBefore, baselineSet) {
		if _, err := l.baselineEWMA.Update(m.RTTMs); err != nil {
			l.logger.WarnCtx(ctx, "baseline ewma rejected sample", "err", err)
		}
	}
	baseline, _ := l.baselineEWMA.Value()
	delta := loaded - baseline

	elapsed := l.clock.Now().Sub(l.start)

	dlRes := l.download.Step(ctx, delta, l.cfg.HardRedBloatMs, l.cfg.WarnBloatMs, l.cfg.TargetBloatMs, elapsed)
	ulRes := l.upload.Step(ctx, delta, l.cfg.HardRedBloatMs, l.cfg.WarnBloatMs, l.cfg.TargetBloatMs, elapsed)

	l.prevStateWasGreen = dlRes.State == Green
	l.cycleCount++
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.logCycleResult(ctx, "download", dlRes)
	l.logCycleResult(ctx, "upload", ulRes)
	l.recordMetrics(baseline, loaded, delta, dlRes, ulRes)

	if err := l.store.Save(snap); err != nil {
		l.logger.WarnCtx(ctx, "state persist failed", "err", err)
	}

	for _, res := range []CycleResult{dlRes, ulRes} {
		if errors.Is(res.RouterErr, router.ErrFatal) {
			return res.RouterErr
		}
	}

	return nil
}

// shouldUpdateBaseline implements the "baseline frozen under load" gate:
// the sample must be close to the current baseline AND the
// previous cycle's downlink state must have been GREEN. An unset baseline
// always accepts its first sample.
func (l *Loop) shouldUpdateBaseline(sampleRTT, currentBaseline float64, baselineSet bool) bool {
	if !baselineSet {
		return true
	}
	if !l.prevStateWasGreen {
		return false
	}
	diff := sampleRTT - currentBaseline
	if diff < 0 {
		diff = -diff
	}
	return diff < l.cfg.BaselineUpdateThresholdMs
}

func (l *Loop) logCycleResult(ctx context.Context, direction string, res CycleResult) {
	if res.StateChanged {
		l.logger.InfoCtx(ctx, "state transition", "direction", direction, "state", string(res.State), "rate_bps", res.RateBps)
	}
	if res.Wrote {
		l.logger.InfoCtx(ctx, "router write", "direction", direction, "rate_bps", res.RateBps)
	}
	if res.Throttled {
		l.logger.WarnCtx(ctx, "router write throttled", "direction", direction, "rate_bps", res.RateBps)
	}
	if res.RouterErr != nil {
		l.logger.WarnCtx(ctx, "router write failed", "direction", direction, "err", res.RouterErr)
	}
}

func (l *Loop) recordMetrics(baseline, loaded, delta float64, dl, ul CycleResult) {
	l.metrics.BaselineRTTMs.Set(baseline, l.wan)
	l.metrics.LoadedRTTMs.Set(loaded, l.wan)
	l.metrics.DeltaRTTMs.Set(delta, l.wan)
	l.metrics.ShaperRateBps.Set(float64(dl.RateBps), l.wan, "download")
	l.metrics.ShaperRateBps.Set(float64(ul.RateBps), l.wan, "upload")
	l.metrics.ControllerState.Set(metrics.StateCode(string(dl.State)), l.wan, "download")
	l.metrics.ControllerState.Set(metrics.StateCode(string(ul.State)), l.wan, "upload")
	l.metrics.CyclesTotal.Inc(1, l.wan)
	if dl.Throttled {
		l.metrics.ThrottledWrites.Inc(1, l.wan, "download")
	}
	if ul.Throttled {
		l.metrics.ThrottledWrites.Inc(1, l.wan, "upload")
	}
}

// Run drives RunCycle at the configured interval until ctx is canceled. The
// current cycle is always allowed to finish its commit step; no new router
// writes are issued once ctx is done (RunCycle itself returns early on a
// canceled context at its next invocation).
func (l *Loop) Run(ctx context.Context) error {
	interval := l.cfg.CycleInterval()
	for {
		if err := l.RunCycle(ctx); err != nil {
			return err
		}
		if err := l.clock.Sleep(ctx, interval); err != nil {
			return nil
		}
	}
}

func cycleTraceID(wan string, cycle uint64) string {
	return wan + "-" + itoaPadded(cycle)
}

func itoaPadded(n uint64) string {
	const width = 8
	digits := [20]byte{}
	i := len(digits)
	if n == 0 {
		i--
		digits[i] = '0'
	}
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	s := string(digits[i:])
	for len(s) < width {
		s = "0" + s
	}
	return s
}
