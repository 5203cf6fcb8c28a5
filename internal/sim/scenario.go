// Package sim drives a multiplexer through scripted multi-device scenarios
// over the loopback transport. A scenario names a device roster with traffic
// shapes and optional IoT command rotations, plus scripted churn steps; the
// runner admits the roster, generates traffic for a number of cycles, and
// reports per-cycle progress and a final statistics snapshot.
package sim

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srg/btmux/pkg/bt"
)

const (
	// DefaultCycles is the cycle count when the document does not set one.
	DefaultCycles = 20

	// DefaultTick is the delay between cycles when the document does not
	// set one.
	DefaultTick = 500 * time.Millisecond

	defaultTrafficMin = 100
	defaultTrafficMax = 5000
)

// Step actions.
const (
	ActionConnect     = "connect"
	ActionDisconnect  = "disconnect"
	ActionSetPriority = "set-priority"
	ActionOffline     = "offline"
	ActionOnline      = "online"
)

// TrafficSpec bounds the random write size a device generates per cycle.
// Min and Max both zero keeps the device silent.
type TrafficSpec struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// DeviceSpec is one roster entry. Deferred devices are created but not
// admitted until a connect step names them.
type DeviceSpec struct {
	Name     string       `yaml:"name"`
	Address  string       `yaml:"address"`
	Class    string       `yaml:"class"`
	Priority string       `yaml:"priority"`
	// Quality pins the device's reported link quality in dBm. Absent
	// means a stable per-address default.
	Quality  *float64     `yaml:"quality"`
	Echo     *bool        `yaml:"echo"`
	Deferred bool         `yaml:"deferred"`
	Traffic  *TrafficSpec `yaml:"traffic"`
	Commands []string     `yaml:"commands"`

	addr     bt.Addr
	class    bt.DeviceClass
	priority *bt.Priority
	commands []bt.Command
}

// Step is a scripted action applied when its cycle begins. Cycles are
// numbered from 1.
type Step struct {
	At       int    `yaml:"at"`
	Action   string `yaml:"action"`
	Device   string `yaml:"device"`
	Priority string `yaml:"priority"`

	priority bt.Priority
}

// ParamsSpec patches the optimization tunables before the first cycle.
// Absent fields keep the engine defaults.
type ParamsSpec struct {
	Enabled               *bool          `yaml:"enabled"`
	PredictiveConnect     *bool          `yaml:"predictive_connect"`
	BandwidthOptimization *bool          `yaml:"bandwidth_optimization"`
	PowerSaving           *bool          `yaml:"power_saving"`
	LatencyReduction      *bool          `yaml:"latency_reduction"`
	LearningRate          *float64       `yaml:"learning_rate"`
	Interval              *time.Duration `yaml:"interval"`
}

// Scenario is one simulation document.
type Scenario struct {
	Name    string        `yaml:"name"`
	Seed    int64         `yaml:"seed"`
	Cycles  int           `yaml:"cycles"`
	Tick    time.Duration `yaml:"tick"`
	Params  *ParamsSpec   `yaml:"params"`
	Devices []DeviceSpec  `yaml:"devices"`
	Steps   []Step        `yaml:"steps"`
}

// Parse decodes and validates a scenario document and fills in defaults.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if err := sc.compile(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Load reads and parses a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// compile validates the document and resolves its textual fields into their
// typed forms.
func (s *Scenario) compile() error {
	if s.Name == "" {
		s.Name = "unnamed"
	}
	if s.Cycles < 0 {
		return fmt.Errorf("cycles must not be negative")
	}
	if s.Cycles == 0 {
		s.Cycles = DefaultCycles
	}
	if s.Tick < 0 {
		return fmt.Errorf("tick must not be negative")
	}
	if s.Tick == 0 {
		s.Tick = DefaultTick
	}
	if len(s.Devices) == 0 {
		return fmt.Errorf("scenario %q has no devices", s.Name)
	}
	if err := s.compileParams(); err != nil {
		return err
	}

	names := make(map[string]bool, len(s.Devices))
	addrs := make(map[bt.Addr]bool, len(s.Devices))
	for i := range s.Devices {
		d := &s.Devices[i]
		if err := d.compile(); err != nil {
			return err
		}
		if names[d.Name] {
			return fmt.Errorf("duplicate device name %q", d.Name)
		}
		if addrs[d.addr] {
			return fmt.Errorf("duplicate device address %s", d.addr)
		}
		names[d.Name] = true
		addrs[d.addr] = true
	}

	for i := range s.Steps {
		st := &s.Steps[i]
		if err := st.compile(names); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *Scenario) compileParams() error {
	p := s.Params
	if p == nil {
		return nil
	}
	if p.LearningRate != nil && (*p.LearningRate < 0 || *p.LearningRate > 1) {
		return fmt.Errorf("params: learning rate %v outside [0,1]", *p.LearningRate)
	}
	if p.Interval != nil && *p.Interval < 0 {
		return fmt.Errorf("params: interval must not be negative")
	}
	return nil
}

func (d *DeviceSpec) compile() error {
	if d.Name == "" {
		return fmt.Errorf("device with address %q has no name", d.Address)
	}

	addr, err := bt.ParseAddr(d.Address)
	if err != nil {
		return fmt.Errorf("device %q: %w", d.Name, err)
	}
	d.addr = addr

	d.class = bt.ClassGeneric
	if d.Class != "" {
		if d.class, err = bt.ParseClass(d.Class); err != nil {
			return fmt.Errorf("device %q: %w", d.Name, err)
		}
	}

	if d.Priority != "" {
		prio, err := bt.ParsePriority(d.Priority)
		if err != nil {
			return fmt.Errorf("device %q: %w", d.Name, err)
		}
		d.priority = &prio
	}

	if d.Quality != nil && *d.Quality >= 0 {
		return fmt.Errorf("device %q: quality %.2f is not a dBm reading (want a negative value)",
			d.Name, *d.Quality)
	}

	if d.Traffic == nil {
		d.Traffic = &TrafficSpec{Min: defaultTrafficMin, Max: defaultTrafficMax}
	}
	if d.Traffic.Min < 0 || d.Traffic.Max < d.Traffic.Min {
		return fmt.Errorf("device %q: traffic bounds [%d,%d] are invalid",
			d.Name, d.Traffic.Min, d.Traffic.Max)
	}

	d.commands = d.commands[:0]
	for _, name := range d.Commands {
		cmd, err := bt.ParseCommand(name)
		if err != nil {
			return fmt.Errorf("device %q: %w", d.Name, err)
		}
		d.commands = append(d.commands, cmd)
	}
	if len(d.commands) > 0 && !d.class.IsIoT() {
		return fmt.Errorf("device %q: commands configured on non-IoT class %s",
			d.Name, d.class)
	}
	return nil
}

func (st *Step) compile(names map[string]bool) error {
	if st.At < 1 {
		return fmt.Errorf("cycle number %d is before the first cycle", st.At)
	}
	switch st.Action {
	case ActionConnect, ActionDisconnect, ActionOffline, ActionOnline:
	case ActionSetPriority:
		prio, err := bt.ParsePriority(st.Priority)
		if err != nil {
			return err
		}
		st.priority = prio
	default:
		return fmt.Errorf("unknown action %q", st.Action)
	}
	if !names[st.Device] {
		return fmt.Errorf("action %s names unknown device %q", st.Action, st.Device)
	}
	return nil
}
