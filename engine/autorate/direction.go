// Package autorate implements the per-WAN control loop: a
// fixed-interval probe -> EWMA update -> classify -> rate selection -> write
// elision -> persist cycle run independently per direction.
package autorate

import (
	"context"
	"fmt"
	"time"

	"github.com/wanshape/autoratectl/engine/config"
	"github.com/wanshape/autoratectl/engine/ratelimit"
	"github.com/wanshape/autoratectl/engine/router"
	"github.com/wanshape/autoratectl/engine/statestore"
)

// State is a congestion classification. The 4-state set (download) adds
// SoftRed between Yellow and Red; uplink never produces it.
type State string

const (
	Green   State = "GREEN"
	Yellow  State = "YELLOW"
	SoftRed State = "SOFT_RED"
	Red     State = "RED"
)

// Direction runs the rate-selection state machine for one shaper queue
// (download or upload) within a WAN. Two Directions share the WAN's probe,
// baseline, and persistence but own independent rate/state/counters.
type Direction struct {
	name   string // "download" or "upload"
	wan    string
	cfg    config.DirectionConfig
	entryCyclesForSoftRed int

	state              State
	rateBps            int64
	lastWrittenRateBps int64
	consecutiveGreen   int
	consecutiveSoftRed int
	transitionAt       time.Duration

	limiter *ratelimit.Limiter
	session router.Session
}

// NewDirection constructs a Direction from configuration and prior
// persisted state (rec.LastWrittenRateBps == -1 means never written).
func NewDirection(name, wan string, cfg config.DirectionConfig, softRedEntryCycles int, limiter *ratelimit.Limiter, session router.Session, rec statestore.ControllerRecord) *Direction {
	d := &Direction{
		name:                  name,
		wan:                   wan,
		cfg:                   cfg,
		entryCyclesForSoftRed: softRedEntryCycles,
		limiter:               limiter,
		session:               session,
	}
	if rec.RateBps != 0 {
		d.rateBps = rec.RateBps
		d.state = State(rec.State)
		d.consecutiveGreen = rec.ConsecutiveGreen
		d.consecutiveSoftRed = rec.ConsecutiveSoftRed
		d.lastWrittenRateBps = rec.LastWrittenRateBps
	} else {
		d.rateBps = cfg.InitialRateBps
		d.state = Green
		d.lastWrittenRateBps = -1
	}
	return d
}

// floorFor returns the rate floor for state per this direction's config.
func (d *Direction) floorFor(s State) int64 {
	switch s {
	case Red:
		return d.cfg.FloorRedBps
	case SoftRed:
		return d.cfg.FloorSoftRedBps
	case Yellow:
		return d.cfg.FloorYellowBps
	default:
		return d.cfg.FloorGreenBps
	}
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// classifyDownlink maps delta onto the 4-state downlink table, with SOFT_RED
// entry gated on entryCyclesForSoftRed consecutive qualifying samples and
// immediate exit on any lower-severity classification.
func (d *Direction) classifyDownlink(deltaMs float64, hardRedBloatMs, warnBloatMs, targetBloatMs float64) State {
	switch {
	case deltaMs > hardRedBloatMs:
		d.consecutiveSoftRed = 0
		return Red
	case deltaMs > warnBloatMs:
		// Candidate SOFT_RED band: confirm only after N consecutive cycles.
		d.consecutiveSoftRed++
		if d.state == SoftRed || d.consecutiveSoftRed >= d.entryCyclesForSoftRed {
			return SoftRed
		}
		return Yellow
	case deltaMs > targetBloatMs:
		d.consecutiveSoftRed = 0
		return Yellow
	default:
		d.consecutiveSoftRed = 0
		return Green
	}
}

// classifyUplink implements the 3-state set: no SOFT_RED, immediate in
// both directions of severity.
func classifyUplink(deltaMs, warnBloatMs, targetBloatMs float64) State {
	switch {
	case deltaMs > warnBloatMs:
		return Red
	case deltaMs > targetBloatMs:
		return Yellow
	default:
		return Green
	}
}

// selectRate applies the asymmetric rate-selection rules given the
// new classification.
func (d *Direction) selectRate(newState State) int64 {
	rCur := d.rateBps
	floor := d.floorFor(newState)
	ceiling := d.cfg.CeilingBps

	var rNew int64
	switch newState {
	case Red:
		rNew = int64(float64(rCur) * d.cfg.FactorDown)
		if rNew < floor {
			rNew = floor
		}
		d.consecutiveGreen = 0
	case SoftRed:
		rNew = rCur
		if rNew < floor {
			rNew = floor
		}
		d.consecutiveGreen = 0
	case Yellow:
		rNew = rCur
		d.consecutiveGreen = 0
	case Green:
		d.consecutiveGreen++
		if d.consecutiveGreen >= d.cfg.GreenSamplesRequired {
			rNew = rCur + d.cfg.StepUpBps
			if rNew > ceiling {
				rNew = ceiling
			}
			d.consecutiveGreen = 0
		} else {
			rNew = rCur
		}
	default:
		rNew = rCur
	}

	return clamp(rNew, floor, ceiling)
}

// CycleResult reports what one Direction cycle did, for logging/metrics and
// for tests asserting clamp, elision, and asymmetry behavior without
// reaching into private fields.
type CycleResult struct {
	State          State
	RateBps        int64
	Wrote          bool
	Throttled      bool
	RouterErr      error
	StateChanged   bool
}

// Step runs one cycle of the rate-selection and write-elision state machine
// given this cycle's delta (loaded - baseline RTT, ms). It does not probe or
// update EWMAs; the owning Loop does that once per cycle and hands both
// directions the same delta computed from the WAN's shared baseline/loaded
// pair; each direction classifies it independently. elapsed is
// the monotonic duration since process start, stamped onto the record on any
// state transition.
func (d *Direction) Step(ctx context.Context, deltaMs, hardRedBloatMs, warnBloatMs, targetBloatMs float64, elapsed time.Duration) CycleResult {
	prevState := d.state
	var newState State
	if d.cfg.HasSoftRed {
		newState = d.classifyDownlink(deltaMs, hardRedBloatMs, warnBloatMs, targetBloatMs)
	} else {
		newState = classifyUplink(deltaMs, warnBloatMs, targetBloatMs)
	}

	rNew := d.selectRate(newState)

	changed := newState != prevState
	d.state = newState
	if changed {
		d.transitionAt = elapsed
	}
	d.rateBps = rNew

	result := CycleResult{State: newState, RateBps: rNew, StateChanged: changed}

	if rNew == d.lastWrittenRateBps {
		return result
	}

	if !d.limiter.TryAcquire() {
		result.Throttled = true
		return result
	}

	if err := d.session.SetQueueRate(ctx, d.cfg.QueueName, rNew); err != nil {
		result.RouterErr = err
		return result
	}

	d.lastWrittenRateBps = rNew
	result.Wrote = true
	return result
}

// Record returns the current persistable snapshot of this direction.
func (d *Direction) Record() statestore.ControllerRecord {
	return statestore.ControllerRecord{
		RateBps:            d.rateBps,
		LastWrittenRateBps: d.lastWrittenRateBps,
		State:              string(d.state),
		ConsecutiveGreen:   d.consecutiveGreen,
		ConsecutiveSoftRed: d.consecutiveSoftRed,
		TransitionAt:       d.transitionAt.Seconds(),
	}
}

// String renders the direction's identity for log lines.
func (d *Direction) String() string { return fmt.Sprintf("%s/%s", d.wan, d.name) }
