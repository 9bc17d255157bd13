package steering

import (
	"context"
	"sync"
	"time"

	"github.com/wanshape/autoratectl/engine/config"
	"github.com/wanshape/autoratectl/engine/ewma"
	internaltracing "github.com/wanshape/autoratectl/engine/internal/tracing"
	"github.com/wanshape/autoratectl/engine/probe"
	"github.com/wanshape/autoratectl/engine/router"
	"github.com/wanshape/autoratectl/engine/statestore"
	"github.com/wanshape/autoratectl/engine/telemetry/logging"
	"github.com/wanshape/autoratectl/engine/telemetry/metrics"
)

// State is the binary steering state.
type State string

const (
	PrimaryGood     State = "PRIMARY_GOOD"
	PrimaryDegraded State = "PRIMARY_DEGRADED"
)

// Clock is the monotonic time source the loop suspends on, isolated for
// deterministic tests. Steering runs its own clock, independent of any
// autorate loop's.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func NewRealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
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

// BaselineReader supplies the primary WAN's autorate baseline RTT. Steering
// reads it as a hint and is structurally unable to write it back: the
// autorate baseline is authoritative RTT ground truth.
type BaselineReader interface {
	BaselineRTTMs() (float64, bool)
}

// StoreBaseline reads the baseline from the primary WAN's persisted autorate
// snapshot, tolerating partial or corrupt files via the store's own load
// protocol. It holds no write capability.
type StoreBaseline struct {
	store *statestore.Store
}

// NewStoreBaseline wraps the primary WAN's state store read-only.
func NewStoreBaseline(store *statestore.Store) *StoreBaseline {
	return &StoreBaseline{store: store}
}

func (b *StoreBaseline) BaselineRTTMs() (float64, bool) {
	res, err := b.store.Load()
	if err != nil || res.UsedDefault {
		return 0, false
	}
	if res.Snapshot.Shared.BaselineRTTMs <= 0 {
		return 0, false
	}
	return res.Snapshot.Shared.BaselineRTTMs, true
}

// defaultMaxConsecutiveFailures mirrors the autorate watchdog default when
// the steering config leaves max_consecutive_failures unset.
const defaultMaxConsecutiveFailures = 3

// Loop is the steering controller. It owns one probe, one loaded-RTT EWMA,
// the drops/queue trackers, the hysteresis state machine, and the steering
// state file; it shares nothing mutable with any autorate loop.
type Loop struct {
	cfg config.SteeringConfig

	// mu guards the state machine against concurrent reads from the health
	// surface; the cycle itself is single-tasked.
	mu sync.Mutex

	clock    Clock
	start    time.Time
	prober   probe.Sampler
	session  router.Session
	baseline BaselineReader
	store    *statestore.SteeringStore

	loadedEWMA *ewma.Filter

	state        State
	badCount     int
	goodCount    int
	transitionAt time.Duration

	drops *dropsTracker
	queue *queueTracker

	verdicts    []string    // bounded recent-composite-verdict deque, newest last
	activations []time.Time // bounded recent-activation deque, newest last
	flapHolding bool

	consecutiveFailures int
	maxFailures         int
	cycleCount          uint64
	activeDuration      time.Duration

	logger  logging.Logger
	metrics metrics.Set
}

// Deps bundles the Loop's external collaborators.
type Deps struct {
	Clock    Clock
	Prober   probe.Sampler
	Session  router.Session
	Baseline BaselineReader
	Store    *statestore.SteeringStore
	Logger   logging.Logger
	Metrics  metrics.Set
}

// NewLoop constructs the steering loop, resuming counters and the flap
// history from the store's last snapshot.
func NewLoop(cfg config.SteeringConfig, deps Deps) (*Loop, error) {
	if deps.Clock == nil {
		deps.Clock = NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewForWAN(nil, cfg.PrimaryWAN)
	}
	if deps.Metrics.SteeringActivations == nil {
		deps.Metrics = metrics.NewSet(metrics.NewNoopProvider())
	}
	maxFailures := cfg.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = defaultMaxConsecutiveFailures
	}

	loadResult, err := deps.Store.Load(cfg.PrimaryWAN)
	if err != nil {
		return nil, err
	}
	if loadResult.Warning != "" {
		deps.Logger.WarnCtx(context.Background(), loadResult.Warning, "quarantined", loadResult.QuarantinedPrimary)
	}
	snap := loadResult.Snapshot

	state := State(snap.State)
	if state != PrimaryGood && state != PrimaryDegraded {
		state = PrimaryGood
	}

	return &Loop{
		cfg:         cfg,
		clock:       deps.Clock,
		start:       deps.Clock.Now(),
		prober:      deps.Prober,
		session:     deps.Session,
		baseline:    deps.Baseline,
		store:       deps.Store,
		loadedEWMA:  ewma.New(cfg.AlphaLoad, cfg.MaxRTTMs),
		state:       state,
		badCount:    snap.ConsecutiveBad,
		goodCount:   snap.ConsecutiveGood,
		drops:       newDropsTracker(cfg.DropsWindowCycles, cfg.DropsRateThreshold),
		queue:       newQueueTracker(cfg.QueueBacklogThreshold, cfg.QueueConsecutiveCycles),
		verdicts:    append([]string(nil), snap.RecentVerdicts...),
		activations: append([]time.Time(nil), snap.RecentActivations...),
		maxFailures: maxFailures,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
	}, nil
}

// State returns the current steering state for the health surface.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ActiveDuration returns the cumulative time spent in PRIMARY_DEGRADED.
func (l *Loop) ActiveDuration() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeDuration
}

// Healthy reports whether consecutive sample failures are within the
// watchdog threshold.
func (l *Loop) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consecutiveFailures < l.maxFailures
}

// RunCycle executes exactly one steering cycle: read queue stats, probe,
// update the loaded EWMA, read the autorate baseline, compute the composite
// verdict, and drive the hysteresis state machine.
func (l *Loop) RunCycle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := internaltracing.NewCycleTracer().StartSpan(ctx, "steering-cycle")
	defer span.End()

	stats, err := l.session.ReadQueueStats(ctx, l.cfg.QueueName)
	if err != nil {
		l.countFailure(ctx, "queue stats read failed", err)
		return nil
	}

	m := l.prober.Run(ctx)
	if m.Kind == probe.KindFail {
		l.countFailure(ctx, "steering probe failed", nil)
		return nil
	}

	l.mu.Lock()
	if _, err := l.loadedEWMA.Update(m.RTTMs); err != nil {
		failures := l.bumpFailuresLocked()
		l.mu.Unlock()
		l.logger.WarnCtx(ctx, "steering loaded ewma rejected sample", "err", err, "consecutive_failures", failures)
		return nil
	}
	l.consecutiveFailures = 0
	loaded, _ := l.loadedEWMA.Value()
	l.mu.Unlock()

	baseline, ok := l.baseline.BaselineRTTMs()
	if !ok {
		// No autorate baseline to measure bloat against yet; hold all
		// counters rather than guess.
		l.logger.DebugCtx(ctx, "autorate baseline unavailable; holding steering state")
		return nil
	}
	delta := loaded - baseline

	l.mu.Lock()
	periodSeconds := l.cfg.CycleInterval().Seconds()
	rttVerdict := classifyRTT(delta, l.cfg.TargetBloatMs, l.cfg.HardRedBloatMs)
	dropsVerdict := l.drops.observe(stats.DropsCumulative, periodSeconds)
	queueVerdict := l.queue.observe(stats.BacklogBytes)
	verdict := composite(rttVerdict, dropsVerdict, queueVerdict)

	l.recordVerdict(verdict)
	l.step(ctx, verdict)

	l.cycleCount++
	if l.state == PrimaryDegraded {
		l.activeDuration += l.cfg.CycleInterval()
		l.metrics.SteeringActiveSeconds.Inc(periodSeconds, l.cfg.PrimaryWAN)
	}
	snap := l.snapshotLocked()
	l.mu.Unlock()

	if err := l.store.Save(snap); err != nil {
		l.logger.WarnCtx(ctx, "steering state persist failed", "err", err)
	}
	return nil
}

func (l *Loop) countFailure(ctx context.Context, msg string, err error) {
	l.mu.Lock()
	failures := l.bumpFailuresLocked()
	l.mu.Unlock()
	if err != nil {
		l.logger.WarnCtx(ctx, msg, "err", err, "consecutive_failures", failures)
	} else {
		l.logger.WarnCtx(ctx, msg, "consecutive_failures", failures)
	}
}

func (l *Loop) bumpFailuresLocked() int {
	l.consecutiveFailures++
	return l.consecutiveFailures
}

// step advances the hysteresis state machine one verdict.
// Bad counts only on RED and resets on GREEN; good counts only on GREEN and
// resets on anything else. Deactivation takes strictly more consecutive
// samples than activation.
func (l *Loop) step(ctx context.Context, verdict Verdict) {
	switch l.state {
	case PrimaryGood:
		switch verdict {
		case VerdictRed:
			l.badCount++
		case VerdictGreen:
			l.badCount = 0
		}
		if l.badCount >= l.cfg.BadSamplesToActivate {
			l.activate(ctx)
		}
	case PrimaryDegraded:
		if verdict == VerdictGreen {
			l.goodCount++
		} else {
			l.goodCount = 0
		}
		if l.goodCount >= l.cfg.GoodSamplesToDeactivate {
			l.deactivate(ctx)
		}
	}
}

// activate enables the steering rule and transitions to PRIMARY_DEGRADED,
// unless flap protection holds the current state. A router error leaves the
// counters at threshold so the next cycle retries the toggle.
func (l *Loop) activate(ctx context.Context) {
	if l.flapCapExceeded() {
		if !l.flapHolding {
			l.flapHolding = true
			l.logger.WarnCtx(ctx, "steering flap cap exceeded; holding state",
				"recent_activations", len(l.activations), "window_seconds", l.cfg.FlapWindowSeconds)
		}
		return
	}
	if err := l.session.SetRuleEnabled(ctx, l.cfg.RuleIdentifier, true); err != nil {
		l.logger.WarnCtx(ctx, "steering rule enable failed", "err", err)
		return
	}
	now := l.clock.Now()
	l.state = PrimaryDegraded
	l.badCount = 0
	l.goodCount = 0
	l.flapHolding = false
	l.transitionAt = now.Sub(l.start)
	l.activations = append(l.activations, now)
	if len(l.activations) > l.cfg.FlapHistoryLength {
		l.activations = l.activations[len(l.activations)-l.cfg.FlapHistoryLength:]
	}
	l.metrics.SteeringActivations.Inc(1, l.cfg.PrimaryWAN)
	l.logger.InfoCtx(ctx, "steering activated", "rule", l.cfg.RuleIdentifier)
}

// deactivate disables the steering rule and transitions back to
// PRIMARY_GOOD.
func (l *Loop) deactivate(ctx context.Context) {
	if err := l.session.SetRuleEnabled(ctx, l.cfg.RuleIdentifier, false); err != nil {
		l.logger.WarnCtx(ctx, "steering rule disable failed", "err", err)
		return
	}
	l.state = PrimaryGood
	l.badCount = 0
	l.goodCount = 0
	l.transitionAt = l.clock.Now().Sub(l.start)
	l.logger.InfoCtx(ctx, "steering deactivated", "rule", l.cfg.RuleIdentifier)
}

// flapCapExceeded reports whether the configured number of activations has
// already occurred within the trailing flap window.
func (l *Loop) flapCapExceeded() bool {
	cutoff := l.clock.Now().Add(-l.cfg.FlapWindow())
	recent := 0
	for _, t := range l.activations {
		if t.After(cutoff) {
			recent++
		}
	}
	return recent >= l.cfg.FlapMaxActivations
}

func (l *Loop) recordVerdict(v Verdict) {
	l.verdicts = append(l.verdicts, string(v))
	if len(l.verdicts) > l.cfg.FlapHistoryLength {
		l.verdicts = l.verdicts[len(l.verdicts)-l.cfg.FlapHistoryLength:]
	}
}

func (l *Loop) snapshotLocked() statestore.SteeringSnapshot {
	return statestore.SteeringSnapshot{
		SchemaVersion:           statestore.SchemaVersion,
		PrimaryWAN:              l.cfg.PrimaryWAN,
		State:                   string(l.state),
		ConsecutiveBad:          l.badCount,
		ConsecutiveGood:         l.goodCount,
		LastTransitionAtSeconds: l.transitionAt.Seconds(),
		RecentVerdicts:          append([]string(nil), l.verdicts...),
		RecentActivations:       append([]time.Time(nil), l.activations...),
	}
}

// Run drives RunCycle at the configured interval until ctx is canceled.
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
