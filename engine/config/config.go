// Package config loads and validates the closed-record YAML documents that
// parameterize autorate and steering controllers, and
// hot-reloads them via fsnotify with an atomic pointer swap so a running
// process never observes a half-applied document.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/wanshape/autoratectl/engine/router"
)

// ProbeTargets is the probe input set shared by autorate and steering.
type ProbeTargets struct {
	Primary         []string `yaml:"primary"`
	Gateway         string   `yaml:"gateway,omitempty"`
	TCPFallbackHost string   `yaml:"tcp_fallback_host,omitempty"`
	TCPFallbackPort string   `yaml:"tcp_fallback_port,omitempty"`
	TimeoutMs       int      `yaml:"timeout_ms"`
	MedianOfThree   bool     `yaml:"median_of_three"`
}

func (p ProbeTargets) validate(path string) error {
	if len(p.Primary) == 0 {
		return fmt.Errorf("%s: at least one primary probe target required", path)
	}
	for _, host := range p.Primary {
		if err := router.ValidateHost(host); err != nil {
			return fmt.Errorf("%s: primary target: %w", path, err)
		}
	}
	if p.Gateway != "" {
		if err := router.ValidateHost(p.Gateway); err != nil {
			return fmt.Errorf("%s: gateway: %w", path, err)
		}
	}
	if p.TimeoutMs <= 0 {
		return fmt.Errorf("%s: timeout_ms must be positive", path)
	}
	if p.TCPFallbackHost != "" {
		if err := router.ValidateHost(p.TCPFallbackHost); err != nil {
			return fmt.Errorf("%s: tcp_fallback_host: %w", path, err)
		}
		if p.TCPFallbackPort == "" {
			return fmt.Errorf("%s: tcp_fallback_port required when tcp_fallback_host is set", path)
		}
	}
	return nil
}

// Timeout returns the probe timeout as a time.Duration.
func (p ProbeTargets) Timeout() time.Duration { return time.Duration(p.TimeoutMs) * time.Millisecond }

// DirectionConfig is the per-direction rate-selection parameter set.
// FloorSoftRedBps is meaningful only for directions classified
// with the 4-state set (download); it is ignored (and must be zero) for
// 3-state (upload) directions.
type DirectionConfig struct {
	HasSoftRed           bool  `yaml:"has_soft_red"`
	InitialRateBps       int64 `yaml:"initial_rate_bps"`
	CeilingBps           int64 `yaml:"ceiling_bps"`
	FloorGreenBps        int64 `yaml:"floor_green_bps"`
	FloorYellowBps       int64 `yaml:"floor_yellow_bps"`
	FloorSoftRedBps      int64 `yaml:"floor_soft_red_bps,omitempty"`
	FloorRedBps          int64 `yaml:"floor_red_bps"`
	StepUpBps            int64 `yaml:"step_up_bps"`
	FactorDown           float64 `yaml:"factor_down"`
	GreenSamplesRequired int   `yaml:"green_samples_required"`
	QueueName            string `yaml:"queue_name"`
}

func (d DirectionConfig) validate(path string) error {
	if d.QueueName == "" {
		return fmt.Errorf("%s: queue_name required", path)
	}
	if err := router.ValidateIdentifier(d.QueueName); err != nil {
		return fmt.Errorf("%s: queue_name: %w", path, err)
	}
	if d.HasSoftRed {
		if !(d.FloorRedBps <= d.FloorSoftRedBps && d.FloorSoftRedBps <= d.FloorYellowBps && d.FloorYellowBps <= d.FloorGreenBps && d.FloorGreenBps <= d.CeilingBps) {
			return fmt.Errorf("%s: floors must satisfy floor_red <= floor_soft_red <= floor_yellow <= floor_green <= ceiling", path)
		}
	} else {
		if d.FloorSoftRedBps != 0 {
			return fmt.Errorf("%s: floor_soft_red_bps must be zero when has_soft_red is false", path)
		}
		if !(d.FloorRedBps <= d.FloorYellowBps && d.FloorYellowBps <= d.FloorGreenBps && d.FloorGreenBps <= d.CeilingBps) {
			return fmt.Errorf("%s: floors must satisfy floor_red <= floor_yellow <= floor_green <= ceiling", path)
		}
	}
	if d.FactorDown <= 0 || d.FactorDown >= 1 {
		return fmt.Errorf("%s: factor_down must be in (0,1)", path)
	}
	if d.StepUpBps <= 0 {
		return fmt.Errorf("%s: step_up_bps must be positive", path)
	}
	if d.GreenSamplesRequired <= 0 {
		return fmt.Errorf("%s: green_samples_required must be positive", path)
	}
	if d.InitialRateBps < d.FloorGreenBps || d.InitialRateBps > d.CeilingBps {
		return fmt.Errorf("%s: initial_rate_bps must lie within [floor_green_bps, ceiling_bps]", path)
	}
	return nil
}

// RateLimiterConfig parameterizes the sliding-window router-write limiter.
type RateLimiterConfig struct {
	MaxEvents     int `yaml:"max_events"`
	WindowSeconds int `yaml:"window_seconds"`
}

func (r RateLimiterConfig) validate(path string) error {
	if r.MaxEvents <= 0 {
		return fmt.Errorf("%s: max_events must be positive", path)
	}
	if r.WindowSeconds <= 0 {
		return fmt.Errorf("%s: window_seconds must be positive", path)
	}
	return nil
}

func (r RateLimiterConfig) Window() time.Duration { return time.Duration(r.WindowSeconds) * time.Second }

// WANConfig is the closed per-WAN configuration record.
type WANConfig struct {
	Name string `yaml:"name"`

	CycleIntervalMs           int     `yaml:"cycle_interval_ms"`
	TargetBloatMs             float64 `yaml:"target_bloat_ms"`
	WarnBloatMs               float64 `yaml:"warn_bloat_ms"`
	HardRedBloatMs            float64 `yaml:"hard_red_bloat_ms"`
	AlphaBaseline             float64 `yaml:"alpha_baseline"`
	AlphaLoad                 float64 `yaml:"alpha_load"`
	BaselineUpdateThresholdMs float64 `yaml:"baseline_update_threshold_ms"`
	BaselineInitialHintMs     float64 `yaml:"baseline_initial_hint_ms"`
	MaxRTTMs                  float64 `yaml:"max_rtt_ms"`

	// SoftRedEntrySeconds is the wall-clock confirmation window for SOFT_RED
	// entry; the sample count is derived as ceil(seconds / cycle_interval)
	// at startup and never configured directly.
	SoftRedEntrySeconds float64 `yaml:"soft_red_entry_seconds"`

	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`

	Probe       ProbeTargets      `yaml:"probe"`
	RateLimiter RateLimiterConfig `yaml:"rate_limiter"`

	Download DirectionConfig `yaml:"download"`
	Upload   DirectionConfig `yaml:"upload"`

	LockPath  string `yaml:"lock_path"`
	StateDir  string `yaml:"state_dir"`

	SchemaVersion string `yaml:"schema_version"`
}

// CycleInterval returns the configured cycle period.
func (w WANConfig) CycleInterval() time.Duration {
	return time.Duration(w.CycleIntervalMs) * time.Millisecond
}

// SoftRedEntryCycles derives the confirmation sample count from the
// configured wall-clock window.
func (w WANConfig) SoftRedEntryCycles() int {
	if w.CycleIntervalMs <= 0 {
		return 1
	}
	n := int((w.SoftRedEntrySeconds*1000)+float64(w.CycleIntervalMs)-1) / w.CycleIntervalMs
	if n < 1 {
		return 1
	}
	return n
}

// Validate checks every configuration invariant expressible without
// runtime state.
func (w WANConfig) Validate() error {
	if w.Name == "" {
		return errors.New("config: wan name required")
	}
	prefix := "wan " + w.Name
	if w.CycleIntervalMs <= 0 {
		return fmt.Errorf("%s: cycle_interval_ms must be positive", prefix)
	}
	if !(0 < w.TargetBloatMs && w.TargetBloatMs < w.WarnBloatMs) {
		return fmt.Errorf("%s: require 0 < target_bloat_ms < warn_bloat_ms", prefix)
	}
	if w.Download.HasSoftRed && w.WarnBloatMs >= w.HardRedBloatMs {
		return fmt.Errorf("%s: require warn_bloat_ms < hard_red_bloat_ms when download has SOFT_RED", prefix)
	}
	if !(0 < w.AlphaBaseline && w.AlphaBaseline < w.AlphaLoad && w.AlphaLoad < 1) {
		return fmt.Errorf("%s: require 0 < alpha_baseline < alpha_load < 1", prefix)
	}
	if w.BaselineUpdateThresholdMs <= 0 {
		return fmt.Errorf("%s: baseline_update_threshold_ms must be positive", prefix)
	}
	if w.MaxRTTMs <= 0 {
		return fmt.Errorf("%s: max_rtt_ms must be positive", prefix)
	}
	if w.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("%s: max_consecutive_failures must be positive", prefix)
	}
	if !w.Download.HasSoftRed {
		return fmt.Errorf("%s: download direction must classify with the 4-state (SOFT_RED-capable) set", prefix)
	}
	if w.Upload.HasSoftRed {
		return fmt.Errorf("%s: upload direction must classify with the 3-state set (no SOFT_RED)", prefix)
	}
	if err := w.Probe.validate(prefix + " probe"); err != nil {
		return err
	}
	if err := w.RateLimiter.validate(prefix + " rate_limiter"); err != nil {
		return err
	}
	if err := w.Download.validate(prefix + " download"); err != nil {
		return err
	}
	if err := w.Upload.validate(prefix + " upload"); err != nil {
		return err
	}
	if w.LockPath == "" {
		return fmt.Errorf("%s: lock_path required", prefix)
	}
	if w.StateDir == "" {
		return fmt.Errorf("%s: state_dir required", prefix)
	}
	if w.SchemaVersion == "" {
		return fmt.Errorf("%s: schema_version required", prefix)
	}
	return nil
}

// SteeringConfig is the closed steering-controller configuration record.
type SteeringConfig struct {
	PrimaryWAN     string `yaml:"primary_wan"`
	RuleIdentifier string `yaml:"rule_identifier"`
	QueueName      string `yaml:"queue_name"`

	CycleIntervalMs int     `yaml:"cycle_interval_ms"`
	TargetBloatMs   float64 `yaml:"target_bloat_ms"`
	WarnBloatMs     float64 `yaml:"warn_bloat_ms"`
	HardRedBloatMs  float64 `yaml:"hard_red_bloat_ms"`
	AlphaLoad       float64 `yaml:"alpha_load"`
	MaxRTTMs        float64 `yaml:"max_rtt_ms"`

	DropsRateThreshold     float64 `yaml:"drops_rate_threshold"`
	DropsWindowCycles      int     `yaml:"drops_window_cycles"`
	QueueBacklogThreshold  int64   `yaml:"queue_backlog_threshold_bytes"`
	QueueConsecutiveCycles int     `yaml:"queue_consecutive_cycles"`

	BadSamplesToActivate    int `yaml:"bad_samples_to_activate"`
	GoodSamplesToDeactivate int `yaml:"good_samples_to_deactivate"`

	// MaxConsecutiveFailures bounds sample failures before the watchdog
	// heartbeat is withheld; zero means the built-in default.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures,omitempty"`

	FlapHistoryLength int `yaml:"flap_history_length"`
	FlapMaxActivations int `yaml:"flap_max_activations"`
	FlapWindowSeconds  int `yaml:"flap_window_seconds"`

	Probe ProbeTargets `yaml:"probe"`

	LockPath string `yaml:"lock_path"`
	StateDir string `yaml:"state_dir"`
}

func (s SteeringConfig) CycleInterval() time.Duration {
	return time.Duration(s.CycleIntervalMs) * time.Millisecond
}

func (s SteeringConfig) FlapWindow() time.Duration {
	return time.Duration(s.FlapWindowSeconds) * time.Second
}

// Validate checks the steering invariants, including the strict ordering
// of activation vs. deactivation thresholds.
func (s SteeringConfig) Validate() error {
	if s.PrimaryWAN == "" {
		return errors.New("config: steering primary_wan required")
	}
	prefix := "steering"
	if s.RuleIdentifier == "" {
		return fmt.Errorf("%s: rule_identifier required", prefix)
	}
	if err := router.ValidateIdentifier(s.RuleIdentifier); err != nil {
		return fmt.Errorf("%s: rule_identifier: %w", prefix, err)
	}
	if s.QueueName == "" {
		return fmt.Errorf("%s: queue_name required", prefix)
	}
	if err := router.ValidateIdentifier(s.QueueName); err != nil {
		return fmt.Errorf("%s: queue_name: %w", prefix, err)
	}
	if s.CycleIntervalMs <= 0 {
		return fmt.Errorf("%s: cycle_interval_ms must be positive", prefix)
	}
	if !(0 < s.TargetBloatMs && s.TargetBloatMs < s.WarnBloatMs && s.WarnBloatMs < s.HardRedBloatMs) {
		return fmt.Errorf("%s: require 0 < target_bloat_ms < warn_bloat_ms < hard_red_bloat_ms", prefix)
	}
	if !(0 < s.AlphaLoad && s.AlphaLoad < 1) {
		return fmt.Errorf("%s: alpha_load must be in (0,1)", prefix)
	}
	if s.MaxRTTMs <= 0 {
		return fmt.Errorf("%s: max_rtt_ms must be positive", prefix)
	}
	if s.DropsRateThreshold <= 0 {
		return fmt.Errorf("%s: drops_rate_threshold must be positive", prefix)
	}
	if s.DropsWindowCycles <= 0 {
		return fmt.Errorf("%s: drops_window_cycles must be positive", prefix)
	}
	if s.QueueBacklogThreshold <= 0 {
		return fmt.Errorf("%s: queue_backlog_threshold_bytes must be positive", prefix)
	}
	if s.QueueConsecutiveCycles <= 0 {
		return fmt.Errorf("%s: queue_consecutive_cycles must be positive", prefix)
	}
	if s.BadSamplesToActivate <= 0 {
		return fmt.Errorf("%s: bad_samples_to_activate must be positive", prefix)
	}
	if s.GoodSamplesToDeactivate <= s.BadSamplesToActivate {
		return fmt.Errorf("%s: good_samples_to_deactivate must exceed bad_samples_to_activate (asymmetric hysteresis)", prefix)
	}
	if s.FlapHistoryLength <= 0 {
		return fmt.Errorf("%s: flap_history_length must be positive", prefix)
	}
	if s.FlapMaxActivations <= 0 {
		return fmt.Errorf("%s: flap_max_activations must be positive", prefix)
	}
	if s.FlapWindowSeconds <= 0 {
		return fmt.Errorf("%s: flap_window_seconds must be positive", prefix)
	}
	if err := s.Probe.validate(prefix + " probe"); err != nil {
		return err
	}
	if s.LockPath == "" {
		return fmt.Errorf("%s: lock_path required", prefix)
	}
	if s.StateDir == "" {
		return fmt.Errorf("%s: state_dir required", prefix)
	}
	return nil
}

// Document is the top-level file shape: one or more WAN configs plus an
// optional steering config.
type Document struct {
	WANs     []WANConfig     `yaml:"wans"`
	Steering *SteeringConfig `yaml:"steering,omitempty"`
}

// Validate validates every WAN, the steering config if present, and cross-
// document invariants (distinct lock/state paths per WAN, steering's
// primary_wan must name a configured WAN).
func (d Document) Validate() error {
	if len(d.WANs) == 0 {
		return errors.New("config: at least one wan required")
	}
	seenNames := make(map[string]bool, len(d.WANs))
	seenLocks := make(map[string]bool, len(d.WANs))
	seenState := make(map[string]bool, len(d.WANs))
	for _, w := range d.WANs {
		if err := w.Validate(); err != nil {
			return err
		}
		if seenNames[w.Name] {
			return fmt.Errorf("config: duplicate wan name %q", w.Name)
		}
		seenNames[w.Name] = true
		if seenLocks[w.LockPath] {
			return fmt.Errorf("config: wan %q reuses a lock_path already assigned to another wan", w.Name)
		}
		seenLocks[w.LockPath] = true
		if seenState[w.StateDir+"/"+w.Name] {
			return fmt.Errorf("config: wan %q reuses a state file identity", w.Name)
		}
		seenState[w.StateDir+"/"+w.Name] = true
	}
	if d.Steering != nil {
		if err := d.Steering.Validate(); err != nil {
			return err
		}
		if !seenNames[d.Steering.PrimaryWAN] {
			return fmt.Errorf("config: steering primary_wan %q is not a configured wan", d.Steering.PrimaryWAN)
		}
	}
	return nil
}
