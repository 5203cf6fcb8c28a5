package mux

import "fmt"

// attChunk is the ATT payload unit the bandwidth coalescer aligns writes to.
const attChunk = 20

const (
	maxSchedulingBoost = 3

	// duty-cycle targets: sub-threshold transfers let the radio idle
	dutyIdleTarget   = 0.25
	dutyActiveTarget = 1.0
	smallTransfer    = 64
)

type transferDir uint8

const (
	dirRead transferDir = iota
	dirWrite
)

// transferPlan is the outcome of running one data-path operation through the
// optimization policy. It is computed from a record snapshot outside the
// table guard and applied under it.
type transferPlan struct {
	// effective is the byte count reported to the caller and added to the
	// record. Never exceeds the supplied length.
	effective int

	boost     bool    // raise SchedulingBoost one step
	duty      float64 // new duty cycle when hasDuty
	hasDuty   bool
	optimized bool // at least one sub-behavior executed
}

// planTransfer is the single dispatch point between the policy variants.
// Unknown modes panic: the mode set is closed and a new variant must be
// handled here.
func planTransfer(mode OptimizationMode, params OptimizationParams, rec ConnectionRecord, n int, dir transferDir) transferPlan {
	switch mode {
	case ModeStandard:
		return transferPlan{effective: n}
	case ModeOptimized:
		return planOptimized(params, rec, n, dir)
	default:
		panic(fmt.Sprintf("unhandled optimization mode %d", mode))
	}
}

// planOptimized applies the enabled sub-behaviors in order. Whatever subset
// fires, the operation counts as one applied optimization.
func planOptimized(params OptimizationParams, rec ConnectionRecord, n int, dir transferDir) transferPlan {
	plan := transferPlan{effective: n}

	// Bandwidth coalescing shapes writes to whole ATT chunks; the caller
	// resubmits the remainder. Reads pass through untouched.
	if params.BandwidthOptimization && dir == dirWrite && n >= attChunk {
		plan.effective = n - n%attChunk
		plan.optimized = true
	}

	if params.LatencyReduction && rec.SchedulingBoost < maxSchedulingBoost {
		plan.boost = true
		plan.optimized = true
	}

	if params.PowerSaving {
		target := dutyActiveTarget
		if n < smallTransfer {
			target = dutyIdleTarget
		}
		plan.duty = clamp01(smooth(rec.DutyCycle, target, params.alpha()))
		plan.hasDuty = true
		plan.optimized = true
	}

	return plan
}

// passPlan is the periodic pass outcome for one record: hints re-derived
// from priority and recent traffic.
type passPlan struct {
	boost   uint8
	duty    float64
	hasDuty bool
	touched bool
}

// planPass re-derives the advisory hints for one occupied record. Boost
// follows priority (critical rides highest); duty follows whether the record
// moved packets since the previous pass.
func planPass(params OptimizationParams, rec ConnectionRecord) passPlan {
	var plan passPlan

	if params.LatencyReduction {
		plan.boost = maxSchedulingBoost - uint8(rec.Priority)
		plan.touched = true
	}

	if params.PowerSaving {
		target := dutyActiveTarget
		if rec.PacketsProcessed == rec.passPackets {
			target = dutyIdleTarget
		}
		plan.duty = clamp01(smooth(rec.DutyCycle, target, params.alpha()))
		plan.hasDuty = true
		plan.touched = true
	}

	return plan
}

// smooth is the bounded exponential update new = old·(1−α) + sample·α.
// A zero prior adopts the sample outright.
func smooth(old, sample, alpha float64) float64 {
	if old == 0 {
		return sample
	}
	return old*(1-alpha) + sample*alpha
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
