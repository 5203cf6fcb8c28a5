package mux

import (
	"math"
	"time"

	"github.com/mcuadros/go-defaults"
)

// OptimizationMode selects the data-path variant. The set is closed: new
// variants mean a new constant and a new case in the dispatch switch.
type OptimizationMode uint8

const (
	ModeStandard OptimizationMode = iota
	ModeOptimized
)

func (m OptimizationMode) String() string {
	if m == ModeOptimized {
		return "optimized"
	}
	return "standard"
}

// OptimizationParams are the device-wide optimization tunables. Defaults
// mirror a freshly initialized engine: everything on, conservative learning
// rate, one pass per second.
type OptimizationParams struct {
	Enabled bool `json:"enabled" yaml:"enabled" default:"true"`

	PredictiveConnect     bool `json:"predictive_connect" yaml:"predictive_connect" default:"true"`
	BandwidthOptimization bool `json:"bandwidth_optimization" yaml:"bandwidth_optimization" default:"true"`
	PowerSaving           bool `json:"power_saving" yaml:"power_saving" default:"true"`
	LatencyReduction      bool `json:"latency_reduction" yaml:"latency_reduction" default:"true"`

	// LearningRate feeds the signal and duty-cycle smoothing factor.
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate" default:"0.01"`

	// Interval is the periodic pass cadence; zero disables the pass.
	Interval time.Duration `json:"interval" yaml:"interval" default:"1s"`
}

// DefaultParams returns the engine defaults.
func DefaultParams() OptimizationParams {
	var p OptimizationParams
	defaults.SetDefaults(&p)
	return p
}

// Mode maps the enable flag onto the dispatch variant.
func (p *OptimizationParams) Mode() OptimizationMode {
	if p.Enabled {
		return ModeOptimized
	}
	return ModeStandard
}

// alpha is the smoothing factor, clamped to [0,1].
func (p *OptimizationParams) alpha() float64 {
	switch {
	case math.IsNaN(p.LearningRate), p.LearningRate < 0:
		return 0
	case p.LearningRate > 1:
		return 1
	default:
		return p.LearningRate
	}
}

func (p *OptimizationParams) validate() error {
	if math.IsNaN(p.LearningRate) || math.IsInf(p.LearningRate, 0) {
		return invalidf("learning rate must be finite")
	}
	if p.LearningRate < 0 || p.LearningRate > 1 {
		return invalidf("learning rate %v outside [0,1]", p.LearningRate)
	}
	if p.Interval < 0 {
		return invalidf("optimization interval must not be negative")
	}
	return nil
}

// ParamsPatch is a partial parameter update; nil fields keep their current
// values.
type ParamsPatch struct {
	Enabled               *bool          `json:"enabled,omitempty"`
	PredictiveConnect     *bool          `json:"predictive_connect,omitempty"`
	BandwidthOptimization *bool          `json:"bandwidth_optimization,omitempty"`
	PowerSaving           *bool          `json:"power_saving,omitempty"`
	LatencyReduction      *bool          `json:"latency_reduction,omitempty"`
	LearningRate          *float64       `json:"learning_rate,omitempty"`
	Interval              *time.Duration `json:"interval,omitempty"`
}

func (p OptimizationParams) apply(patch ParamsPatch) OptimizationParams {
	if patch.Enabled != nil {
		p.Enabled = *patch.Enabled
	}
	if patch.PredictiveConnect != nil {
		p.PredictiveConnect = *patch.PredictiveConnect
	}
	if patch.BandwidthOptimization != nil {
		p.BandwidthOptimization = *patch.BandwidthOptimization
	}
	if patch.PowerSaving != nil {
		p.PowerSaving = *patch.PowerSaving
	}
	if patch.LatencyReduction != nil {
		p.LatencyReduction = *patch.LatencyReduction
	}
	if patch.LearningRate != nil {
		p.LearningRate = *patch.LearningRate
	}
	if patch.Interval != nil {
		p.Interval = *patch.Interval
	}
	return p
}
