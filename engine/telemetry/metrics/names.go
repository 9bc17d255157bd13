package metrics

// Set bundles the instruments a controller emits against, built once at
// startup: shaper rate and RTT gauges per WAN/direction,
// congestion state (encoded 1..4), cycle count, throttled-write count, and
// steering activation bookkeeping.
type Set struct {
	ShaperRateBps  Gauge
	BaselineRTTMs  Gauge
	LoadedRTTMs    Gauge
	DeltaRTTMs     Gauge
	ControllerState Gauge
	CyclesTotal    Counter
	ThrottledWrites Counter

	SteeringActiveSeconds Counter
	SteeringActivations   Counter
}

const namespace = "autoratectl"

// NewSet registers the full instrument bundle against p. Labels are
// "wan" and "direction" (download/upload) for per-controller series;
// steering instruments carry only "wan".
func NewSet(p Provider) Set {
	return Set{
		ShaperRateBps: p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{
			Namespace: namespace, Name: "shaper_rate_bps",
			Help:   "current shaped rate in bits per second",
			Labels: []string{"wan", "direction"},
		}}),
		BaselineRTTMs: p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{
			Namespace: namespace, Name: "baseline_rtt_ms",
			Help:   "idle-baseline RTT estimate in milliseconds",
			Labels: []string{"wan"},
		}}),
		LoadedRTTMs: p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{
			Namespace: namespace, Name: "loaded_rtt_ms",
			Help:   "loaded RTT EWMA in milliseconds",
			Labels: []string{"wan"},
		}}),
		DeltaRTTMs: p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{
			Namespace: namespace, Name: "delta_rtt_ms",
			Help:   "loaded minus baseline RTT in milliseconds",
			Labels: []string{"wan"},
		}}),
		ControllerState: p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{
			Namespace: namespace, Name: "controller_state",
			Help:   "congestion state, encoded GREEN=1 YELLOW=2 SOFT_RED=3 RED=4",
			Labels: []string{"wan", "direction"},
		}}),
		CyclesTotal: p.NewCounter(CounterOpts{CommonOpts: CommonOpts{
			Namespace: namespace, Name: "cycles_total",
			Help:   "completed control loop cycles",
			Labels: []string{"wan"},
		}}),
		ThrottledWrites: p.NewCounter(CounterOpts{CommonOpts: CommonOpts{
			Namespace: namespace, Name: "throttled_writes_total",
			Help:   "router writes elided by the rate limiter",
			Labels: []string{"wan", "direction"},
		}}),
		SteeringActiveSeconds: p.NewCounter(CounterOpts{CommonOpts: CommonOpts{
			Namespace: namespace, Name: "steering_active_seconds_total",
			Help:   "cumulative seconds steering has spent in the active state",
			Labels: []string{"wan"},
		}}),
		SteeringActivations: p.NewCounter(CounterOpts{CommonOpts: CommonOpts{
			Namespace: namespace, Name: "steering_activations_total",
			Help:   "count of transitions into the steering active state",
			Labels: []string{"wan"},
		}}),
	}
}

// StateCode maps a congestion state name to its numeric encoding for the
// ControllerState gauge.
func StateCode(state string) float64 {
	switch state {
	case "GREEN":
		return 1
	case "YELLOW":
		return 2
	case "SOFT_RED":
		return 3
	case "RED":
		return 4
	default:
		return 0
	}
}
