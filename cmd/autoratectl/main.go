// Command autoratectl runs one autorate control loop per configured WAN,
// plus the optional steering controller, against a CAKE-shaped router. It
// also serves the health and metrics HTTP surfaces and implements the admin
// switches: -once, -reset, -validate.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/wanshape/autoratectl/engine/autorate"
	"github.com/wanshape/autoratectl/engine/config"
	"github.com/wanshape/autoratectl/engine/lock"
	"github.com/wanshape/autoratectl/engine/probe"
	"github.com/wanshape/autoratectl/engine/router"
	"github.com/wanshape/autoratectl/engine/statestore"
	"github.com/wanshape/autoratectl/engine/steering"
	"github.com/wanshape/autoratectl/engine/telemetry/health"
	"github.com/wanshape/autoratectl/engine/telemetry/httpsurface"
	"github.com/wanshape/autoratectl/engine/telemetry/logging"
	"github.com/wanshape/autoratectl/engine/telemetry/metrics"
)

// Exit codes per the admin contract: 0 clean shutdown or successful
// validation, 1 validation/config error, 2 lock contention.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitLockContention = 2
)

func main() {
	os.Exit(run())
}

type options struct {
	configPath     string
	wanFilter      string
	once           bool
	reset          bool
	validateOnly   bool
	dryRun         bool
	healthAddr     string
	metricsAddr    string
	metricsBackend string
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.configPath, "config", "", "Path to the YAML configuration document")
	flag.StringVar(&o.wanFilter, "wan", "", "Run only the named WAN's controller")
	flag.BoolVar(&o.once, "once", false, "Run exactly one cycle per controller, then exit")
	flag.BoolVar(&o.reset, "reset", false, "Erase persisted state files (and backups) for the selected WANs, then exit")
	flag.BoolVar(&o.validateOnly, "validate", false, "Load and validate the configuration, then exit 0/1")
	flag.BoolVar(&o.dryRun, "dry-run", false, "Use the in-memory fake router session instead of a real transport")
	flag.StringVar(&o.healthAddr, "health-addr", "127.0.0.1:9101", "Health endpoint listen address (empty disables)")
	flag.StringVar(&o.metricsAddr, "metrics-addr", "", "Metrics endpoint listen address, e.g. 127.0.0.1:9100 (empty disables)")
	flag.StringVar(&o.metricsBackend, "metrics-backend", "prom", "Metrics backend: prom|otel|noop")
	flag.Parse()
	return o
}

func run() int {
	o := parseFlags()

	if o.configPath == "" {
		fmt.Fprintln(os.Stderr, "autoratectl: -config is required")
		return exitConfigError
	}

	doc, err := config.Load(o.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "autoratectl: %v\n", err)
		return exitConfigError
	}
	if o.validateOnly {
		fmt.Printf("autoratectl: %s: configuration valid (%d wan(s), steering=%v)\n",
			o.configPath, len(doc.WANs), doc.Steering != nil)
		return exitOK
	}

	if o.reset {
		wans, err := selectWANs(doc, o.wanFilter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "autoratectl: %v\n", err)
			return exitConfigError
		}
		return resetState(doc, wans)
	}

	base := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(base)

	provider, err := buildProvider(o.metricsBackend)
	if err != nil {
		fmt.Fprintf(os.Stderr, "autoratectl: %v\n", err)
		return exitConfigError
	}
	set := metrics.NewSet(provider)

	session, err := buildSession(o.dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "autoratectl: %v\n", err)
		return exitConfigError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	holder := new(atomic.Pointer[controllerSet])

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("signal received; initiating graceful shutdown...")
		cancel()
		<-sigCh
		log.Println("second signal received; forcing exit")
		if cs := holder.Load(); cs != nil {
			cs.release()
		}
		os.Exit(1)
	}()

	if o.once {
		cs, code := buildControllers(doc, o, base, set, session)
		if code != exitOK {
			return code
		}
		defer cs.release()
		return cs.runOnce(ctx)
	}

	// Daemon mode: the config file is watched; a validated change tears the
	// controllers down and rebuilds them. An invalid change never reaches
	// Updates(), so the running set keeps its last-known-good parameters.
	watcher, err := config.LoadAndWatch(o.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "autoratectl: %v\n", err)
		return exitConfigError
	}
	defer watcher.Close()
	doc = watcher.Current()

	cs, code := buildControllers(doc, o, base, set, session)
	if code != exitOK {
		return code
	}
	holder.Store(cs)

	start := time.Now()
	if o.healthAddr != "" {
		serveHealth(ctx, o.healthAddr, start, holder)
	}
	if o.metricsAddr != "" {
		serveMetrics(ctx, o.metricsAddr, provider)
	}

	for {
		runCtx, stopControllers := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			cs.runAll(runCtx)
			close(done)
		}()

		select {
		case <-ctx.Done():
			stopControllers()
			<-done
			cs.release()
			return exitOK
		case newDoc := <-watcher.Updates():
			log.Println("configuration reloaded; restarting controllers")
			stopControllers()
			<-done
			cs.release()

			cs, code = buildControllers(newDoc, o, base, set, session)
			if code != exitOK {
				return code
			}
			holder.Store(cs)
		}
	}
}

// controllerSet is one generation of running controllers: the autorate loops,
// the optional steering loop, and the locks they hold.
type controllerSet struct {
	loops []*autorate.Loop
	steer *steering.Loop
	locks []*lock.Lock
}

func (cs *controllerSet) release() {
	for _, l := range cs.locks {
		_ = l.Release()
	}
}

// runAll drives every controller until ctx is canceled.
func (cs *controllerSet) runAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, l := range cs.loops {
		wg.Add(1)
		go func(l *autorate.Loop) {
			defer wg.Done()
			if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("autorate loop exited: %v", err)
			}
		}(l)
	}
	if cs.steer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cs.steer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("steering loop exited: %v", err)
			}
		}()
	}
	wg.Wait()
}

// runOnce executes exactly one cycle per controller for -once mode.
func (cs *controllerSet) runOnce(ctx context.Context) int {
	for _, l := range cs.loops {
		if err := l.RunCycle(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "autoratectl: cycle: %v\n", err)
			return exitConfigError
		}
	}
	if cs.steer != nil {
		if err := cs.steer.RunCycle(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "autoratectl: steering cycle: %v\n", err)
			return exitConfigError
		}
	}
	return exitOK
}

// buildControllers acquires every lock and constructs the controllers for
// one configuration generation. On any failure it releases whatever it had
// already acquired.
func buildControllers(doc *config.Document, o options, base *slog.Logger, set metrics.Set, session router.Session) (*controllerSet, int) {
	wans, err := selectWANs(doc, o.wanFilter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "autoratectl: %v\n", err)
		return nil, exitConfigError
	}

	cs := &controllerSet{}
	fail := func(code int) (*controllerSet, int) {
		cs.release()
		return nil, code
	}

	for _, w := range wans {
		l, err := lock.Acquire(w.LockPath)
		if err != nil {
			if errors.Is(err, lock.ErrAlreadyHeld) {
				fmt.Fprintf(os.Stderr, "autoratectl: wan %s: %v\n", w.Name, err)
				return fail(exitLockContention)
			}
			fmt.Fprintf(os.Stderr, "autoratectl: wan %s: acquire lock: %v\n", w.Name, err)
			return fail(exitConfigError)
		}
		cs.locks = append(cs.locks, l)

		loop, err := autorate.NewLoop(w.Name, w, autorate.Deps{
			Prober:  buildProber(w.Probe, o.dryRun),
			Store:   statestore.New(w.StateDir, w.Name),
			Session: session,
			Logger:  logging.NewForWAN(base, w.Name),
			Metrics: set,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "autoratectl: wan %s: %v\n", w.Name, err)
			return fail(exitConfigError)
		}
		cs.loops = append(cs.loops, loop)
	}

	if doc.Steering != nil && steeringSelected(*doc.Steering, wans) {
		sc := *doc.Steering
		l, err := lock.Acquire(sc.LockPath)
		if err != nil {
			if errors.Is(err, lock.ErrAlreadyHeld) {
				fmt.Fprintf(os.Stderr, "autoratectl: steering: %v\n", err)
				return fail(exitLockContention)
			}
			fmt.Fprintf(os.Stderr, "autoratectl: steering: acquire lock: %v\n", err)
			return fail(exitConfigError)
		}
		cs.locks = append(cs.locks, l)

		primary := primaryWANConfig(wans, sc.PrimaryWAN)
		cs.steer, err = steering.NewLoop(sc, steering.Deps{
			Prober:   buildProber(sc.Probe, o.dryRun),
			Session:  session,
			Baseline: steering.NewStoreBaseline(statestore.New(primary.StateDir, primary.Name)),
			Store:    statestore.NewSteeringStore(sc.StateDir),
			Logger:   logging.NewForWAN(base, sc.PrimaryWAN).With(slog.String("component", "steering")),
			Metrics:  set,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "autoratectl: steering: %v\n", err)
			return fail(exitConfigError)
		}
	}

	return cs, exitOK
}

// selectWANs applies the -wan filter against the configured WAN list.
func selectWANs(doc *config.Document, filter string) ([]config.WANConfig, error) {
	if filter == "" {
		return doc.WANs, nil
	}
	for _, w := range doc.WANs {
		if w.Name == filter {
			return []config.WANConfig{w}, nil
		}
	}
	return nil, fmt.Errorf("wan %q is not present in the configuration", filter)
}

// steeringSelected reports whether the steering controller's primary WAN is
// among the WANs this invocation runs.
func steeringSelected(sc config.SteeringConfig, wans []config.WANConfig) bool {
	for _, w := range wans {
		if w.Name == sc.PrimaryWAN {
			return true
		}
	}
	return false
}

func primaryWANConfig(wans []config.WANConfig, name string) config.WANConfig {
	for _, w := range wans {
		if w.Name == name {
			return w
		}
	}
	return config.WANConfig{}
}

// resetState erases the selected WANs' state files and backups (and the
// steering record when its primary WAN is selected), per the -reset switch.
func resetState(doc *config.Document, wans []config.WANConfig) int {
	remove := func(path string) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "autoratectl: reset: %v\n", err)
		}
	}
	for _, w := range wans {
		primary := filepath.Join(w.StateDir, w.Name+"_state.json")
		remove(primary)
		remove(primary + ".backup")
		fmt.Printf("autoratectl: reset state for wan %s\n", w.Name)
	}
	if doc.Steering != nil && steeringSelected(*doc.Steering, wans) {
		primary := filepath.Join(doc.Steering.StateDir, "steering_state.json")
		remove(primary)
		remove(primary + ".backup")
		fmt.Println("autoratectl: reset steering state")
	}
	return exitOK
}

func buildProvider(backend string) (metrics.Provider, error) {
	switch backend {
	case "prom":
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{}), nil
	case "otel":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: "autoratectl"}), nil
	case "noop":
		return metrics.NewNoopProvider(), nil
	default:
		return nil, fmt.Errorf("unknown metrics backend %q (want prom|otel|noop)", backend)
	}
}

// buildSession selects the router transport. Real transports (REST, SSH)
// plug in via router.Session; this binary ships only the in-memory fake for
// dry runs and local testing.
func buildSession(dryRun bool) (router.Session, error) {
	if dryRun {
		return router.NewFake(), nil
	}
	return nil, errors.New("no router transport is linked into this build; run with -dry-run or provide a transport")
}

// syntheticPinger serves -dry-run invocations: a flat low RTT so the
// control loops exercise their full cycle without network access.
type syntheticPinger struct{}

func (syntheticPinger) Ping(ctx context.Context, _ string, _ time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return 10 * time.Millisecond, nil
}

// failingPinger stands in when no raw-socket ICMP implementation is linked:
// the primary targets and the gateway (pinged through the same pinger) both
// fail, so every cycle falls through to the TCP fallback, whose handshake
// time is a legitimate RTT proxy.
type failingPinger struct{}

func (failingPinger) Ping(context.Context, string, time.Duration) (time.Duration, error) {
	return 0, errors.New("icmp pinger not available in this build")
}

func buildProber(pt config.ProbeTargets, dryRun bool) *probe.Prober {
	cfg := probe.Config{
		PrimaryTargets:  pt.Primary,
		GatewayTarget:   pt.Gateway,
		TCPFallbackHost: pt.TCPFallbackHost,
		TCPFallbackPort: pt.TCPFallbackPort,
		Timeout:         pt.Timeout(),
		MedianOfThree:   pt.MedianOfThree,
	}
	var pinger probe.Pinger = syntheticPinger{}
	if !dryRun {
		pinger = failingPinger{}
	}
	return probe.New(cfg, pinger, nil)
}

// wanHealth is one WAN's entry in the health document.
type wanHealth struct {
	Name                string  `json:"name"`
	BaselineRTTMs       float64 `json:"baseline_rtt_ms"`
	LoadedRTTMs         float64 `json:"loaded_rtt_ms"`
	DeltaRTTMs          float64 `json:"delta_rtt_ms"`
	DownloadState       string  `json:"download_state"`
	DownloadRateBps     int64   `json:"download_rate_bps"`
	UploadState         string  `json:"upload_state"`
	UploadRateBps       int64   `json:"upload_rate_bps"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	CycleCount          uint64  `json:"cycle_count"`
}

type steeringHealth struct {
	State         string  `json:"state"`
	ActiveSeconds float64 `json:"active_seconds"`
	Healthy       bool    `json:"healthy"`
}

type healthDocument struct {
	Status              string          `json:"status"`
	UptimeSeconds       float64         `json:"uptime_seconds"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	WANs                []wanHealth     `json:"wans"`
	Steering            *steeringHealth `json:"steering,omitempty"`
}

func buildHealthDocument(start time.Time, cs *controllerSet) healthDocument {
	doc := healthDocument{
		Status:        "healthy",
		UptimeSeconds: time.Since(start).Seconds(),
	}
	if cs == nil {
		return doc
	}
	for _, l := range cs.loops {
		snap := l.Snapshot()
		if snap.Shared.ConsecutiveFailures > doc.ConsecutiveFailures {
			doc.ConsecutiveFailures = snap.Shared.ConsecutiveFailures
		}
		if !l.Healthy() {
			doc.Status = "degraded"
		}
		doc.WANs = append(doc.WANs, wanHealth{
			Name:                snap.WAN,
			BaselineRTTMs:       snap.Shared.BaselineRTTMs,
			LoadedRTTMs:         snap.Shared.LoadedRTTMs,
			DeltaRTTMs:          snap.Shared.LoadedRTTMs - snap.Shared.BaselineRTTMs,
			DownloadState:       snap.Download.State,
			DownloadRateBps:     snap.Download.RateBps,
			UploadState:         snap.Upload.State,
			UploadRateBps:       snap.Upload.RateBps,
			ConsecutiveFailures: snap.Shared.ConsecutiveFailures,
			CycleCount:          snap.Shared.CycleCount,
		})
	}
	if cs.steer != nil {
		if !cs.steer.Healthy() {
			doc.Status = "degraded"
		}
		doc.Steering = &steeringHealth{
			State:         string(cs.steer.State()),
			ActiveSeconds: cs.steer.ActiveDuration().Seconds(),
			Healthy:       cs.steer.Healthy(),
		}
	}
	return doc
}

// buildEvaluator backs /health and /ready with two rollup probes that read
// the live controller generation at check time, so a config reload swaps
// them transparently.
func buildEvaluator(holder *atomic.Pointer[controllerSet]) *health.Evaluator {
	autorateProbe := health.ProbeFunc(func(context.Context) health.ProbeResult {
		cs := holder.Load()
		if cs == nil {
			return health.Unknown("autorate", "controllers not started")
		}
		for _, l := range cs.loops {
			if !l.Healthy() {
				snap := l.Snapshot()
				return health.Degraded("autorate", fmt.Sprintf("wan %s: %d consecutive probe failures", snap.WAN, snap.Shared.ConsecutiveFailures))
			}
		}
		return health.Healthy("autorate")
	})
	steeringProbe := health.ProbeFunc(func(context.Context) health.ProbeResult {
		cs := holder.Load()
		if cs == nil || cs.steer == nil {
			return health.Healthy("steering")
		}
		if !cs.steer.Healthy() {
			return health.Degraded("steering", "consecutive sample failures over threshold")
		}
		return health.Healthy("steering")
	})
	return health.NewEvaluator(time.Second, autorateProbe, steeringProbe)
}

func serveHealth(ctx context.Context, addr string, start time.Time, holder *atomic.Pointer[controllerSet]) {
	opts := httpsurface.HealthHandlerOptions{Evaluator: buildEvaluator(holder), IncludeProbes: true}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(buildHealthDocument(start, holder.Load()))
	})
	mux.Handle("/health", httpsurface.NewHealthHandler(opts))
	mux.Handle("/ready", httpsurface.NewReadinessHandler(opts))
	startServer(ctx, addr, mux, "health")
}

func serveMetrics(ctx context.Context, addr string, provider metrics.Provider) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", httpsurface.NewMetricsHandler(provider))
	startServer(ctx, addr, mux, "metrics")
}

func startServer(ctx context.Context, addr string, handler http.Handler, name string) {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.Printf("%s endpoint listening on %s", name, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("%s endpoint: %v", name, err)
		}
	}()
}
