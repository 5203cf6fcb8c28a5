package sim_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	btmux "github.com/srg/btmux"
	"github.com/srg/btmux/internal/sim"
	"github.com/srg/btmux/pkg/mux"
)

type SimTestSuite struct {
	suite.Suite
}

func TestSimSuite(t *testing.T) {
	suite.Run(t, new(SimTestSuite))
}

// parse compiles a scenario document and fails the test on any error.
func (suite *SimTestSuite) parse(doc string) *sim.Scenario {
	sc, err := sim.Parse([]byte(doc))
	suite.Require().NoError(err, "scenario MUST parse")
	return sc
}

// run executes a document to completion and returns the result.
func (suite *SimTestSuite) run(doc string) *sim.Result {
	r, err := sim.NewRunner(suite.parse(doc), nil)
	suite.Require().NoError(err, "runner MUST construct")
	defer r.Close()

	res, err := r.Run(context.Background())
	suite.Require().NoError(err, "run MUST complete")
	suite.Require().NotNil(res)
	return res
}

func (suite *SimTestSuite) TestDefaultsApplied() {
	// GOAL: Verify a minimal document gets working defaults
	//
	// TEST SCENARIO: Parse a document with one bare device → default cycle
	// count, tick, and traffic bounds filled in

	sc := suite.parse(`
name: bare
devices:
  - name: "only"
    address: "AA:BB:CC:00:00:01"
`)
	suite.Assert().Equal(sim.DefaultCycles, sc.Cycles, "cycle count MUST default")
	suite.Assert().Equal(sim.DefaultTick, sc.Tick, "tick MUST default")
	suite.Require().NotNil(sc.Devices[0].Traffic, "traffic bounds MUST be normalized")
	suite.Assert().Equal(100, sc.Devices[0].Traffic.Min)
	suite.Assert().Equal(5000, sc.Devices[0].Traffic.Max)
}

func (suite *SimTestSuite) TestDocumentValidation() {
	// GOAL: Verify malformed documents are rejected with telling errors
	//
	// TEST SCENARIO: Parse a grid of broken documents → each fails naming
	// the offending field

	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"no devices", "name: empty\n", "has no devices"},
		{"unnamed device", `
devices:
  - address: "AA:BB:CC:00:00:01"
`, "has no name"},
		{"bad address", `
devices:
  - name: "x"
    address: "not-an-address"
`, "not-an-address"},
		{"bad class", `
devices:
  - name: "x"
    address: "AA:BB:CC:00:00:01"
    class: toaster
`, "unknown device class"},
		{"bad priority", `
devices:
  - name: "x"
    address: "AA:BB:CC:00:00:01"
    priority: urgent
`, "unknown priority"},
		{"commands on generic class", `
devices:
  - name: "x"
    address: "AA:BB:CC:00:00:01"
    commands: [turn-on]
`, "non-IoT"},
		{"fractional quality", `
devices:
  - name: "x"
    address: "AA:BB:CC:00:00:01"
    quality: 0.9
`, "not a dBm reading"},
		{"bad traffic bounds", `
devices:
  - name: "x"
    address: "AA:BB:CC:00:00:01"
    traffic: { min: 50, max: 10 }
`, "traffic bounds"},
		{"duplicate name", `
devices:
  - name: "x"
    address: "AA:BB:CC:00:00:01"
  - name: "x"
    address: "AA:BB:CC:00:00:02"
`, "duplicate device name"},
		{"duplicate address", `
devices:
  - name: "x"
    address: "AA:BB:CC:00:00:01"
  - name: "y"
    address: "AA:BB:CC:00:00:01"
`, "duplicate device address"},
		{"unknown action", `
devices:
  - name: "x"
    address: "AA:BB:CC:00:00:01"
steps:
  - at: 1
    action: explode
    device: "x"
`, "unknown action"},
		{"step names unknown device", `
devices:
  - name: "x"
    address: "AA:BB:CC:00:00:01"
steps:
  - at: 1
    action: disconnect
    device: "y"
`, "unknown device"},
		{"step before first cycle", `
devices:
  - name: "x"
    address: "AA:BB:CC:00:00:01"
steps:
  - at: 0
    action: disconnect
    device: "x"
`, "before the first cycle"},
		{"learning rate out of range", `
params: { learning_rate: 1.5 }
devices:
  - name: "x"
    address: "AA:BB:CC:00:00:01"
`, "outside [0,1]"},
	}

	for _, tc := range cases {
		_, err := sim.Parse([]byte(tc.doc))
		suite.Require().Error(err, "%s MUST be rejected", tc.name)
		suite.Assert().ErrorContains(err, tc.want, "%s MUST name the offense", tc.name)
	}
}

func (suite *SimTestSuite) TestEmbeddedRosterSignalDomain() {
	// GOAL: Verify the shipped smart-home roster reports link quality in dBm
	//
	// TEST SCENARIO: Parse the embedded document → every pinned quality is
	// a negative dBm reading → a short run settles each record's signal
	// strength in the same domain

	sc := suite.parse(btmux.DefaultScenarioYAML)
	for _, dev := range sc.Devices {
		suite.Require().NotNil(dev.Quality, "device %s MUST pin its link quality", dev.Name)
		suite.Assert().Negative(*dev.Quality, "device %s quality MUST be a dBm reading", dev.Name)
	}

	sc.Cycles = 2
	sc.Tick = time.Millisecond

	r, err := sim.NewRunner(sc, nil)
	suite.Require().NoError(err, "runner MUST construct")
	defer r.Close()

	res, err := r.Run(context.Background())
	suite.Require().NoError(err, "run MUST complete")
	for _, rec := range res.Connections {
		suite.Assert().Negative(rec.SignalStrength,
			"device %s MUST settle at a negative dBm signal", rec.Name)
	}
}

func (suite *SimTestSuite) TestRosterRunDeliversTraffic() {
	// GOAL: Verify a full run moves bytes both ways and routes IoT commands
	//
	// TEST SCENARIO: Three devices, one an IoT appliance polling its
	// status, run for three fast cycles → every write echoed back and
	// drained, one command per cycle answered, no errors

	res := suite.run(`
name: basic
seed: 7
cycles: 3
tick: 1ms
params: { interval: 0s }
devices:
  - name: "headset"
    address: "AA:BB:CC:00:00:01"
  - name: "tablet"
    address: "AA:BB:CC:00:00:02"
  - name: "fridge"
    address: "AA:BB:CC:00:00:03"
    class: refrigerator
    commands: [get-status]
`)

	suite.Assert().Equal("basic", res.Scenario)
	suite.Assert().Equal(3, res.Cycles, "all cycles MUST complete")
	suite.Assert().Positive(res.BytesWritten, "traffic MUST flow")
	suite.Assert().Equal(res.BytesWritten, res.BytesRead,
		"every echoed byte MUST be drained back")
	suite.Assert().EqualValues(3, res.CommandsSent, "one command per cycle MUST be routed")
	suite.Assert().EqualValues(3, res.CommandReplies, "status polls MUST surface replies")
	suite.Assert().Zero(res.TrafficErrors)
	suite.Assert().Zero(res.StepErrors)

	suite.Assert().EqualValues(3, res.Stats.ActiveConnections)
	suite.Assert().EqualValues(3, res.EventCounts[string(mux.EventConnected)])
	suite.Assert().EqualValues(3, res.EventCounts[string(mux.EventCommandSent)])
	suite.Assert().EqualValues(1, res.EventCounts[string(mux.EventParamsUpdated)])

	// Slot totals: both transfer directions plus one 11-byte command frame
	// per cycle.
	suite.Assert().Equal(res.BytesWritten+res.BytesRead+3*11, res.Stats.TotalBytesTransferred,
		"slot totals MUST cover writes, reads, and command frames")
}

func (suite *SimTestSuite) TestDeferredJoinPreempts() {
	// GOAL: Verify a late high-importance joiner preempts the weakest slot
	//
	// TEST SCENARIO: Seven devices fill the table with a single low
	// occupant, an eighth deferred device connects at cycle 2 → the low
	// occupant is evicted, no capacity failure, and its retired handle
	// generates no stale traffic errors

	res := suite.run(`
name: preemption
seed: 11
cycles: 3
tick: 1ms
params: { interval: 0s }
devices:
  - { name: "a", address: "AA:BB:CC:00:00:01", priority: high }
  - { name: "victim", address: "AA:BB:CC:00:00:02", priority: low }
  - { name: "c", address: "AA:BB:CC:00:00:03", priority: medium }
  - { name: "d", address: "AA:BB:CC:00:00:04", priority: medium }
  - { name: "e", address: "AA:BB:CC:00:00:05", priority: high }
  - { name: "f", address: "AA:BB:CC:00:00:06", priority: medium }
  - { name: "g", address: "AA:BB:CC:00:00:07", priority: medium }
  - { name: "newcomer", address: "AA:BB:CC:00:00:08", priority: high, deferred: true }
steps:
  - at: 2
    action: connect
    device: "newcomer"
`)

	suite.Assert().EqualValues(1, res.Stats.Preemptions, "the join MUST preempt")
	suite.Assert().Zero(res.Stats.ConnectionFailures, "preemption is not a failure")
	suite.Assert().EqualValues(1, res.EventCounts[string(mux.EventEvicted)])
	suite.Assert().EqualValues(8, res.EventCounts[string(mux.EventConnected)])
	suite.Assert().Zero(res.TrafficErrors, "the evicted handle MUST be retired before writing")
	suite.Assert().Zero(res.StepErrors)

	names := make(map[string]bool, len(res.Connections))
	for _, rec := range res.Connections {
		names[rec.Name] = true
	}
	suite.Assert().True(names["newcomer"], "the newcomer MUST hold a slot")
	suite.Assert().False(names["victim"], "the low occupant MUST be gone")
}

func (suite *SimTestSuite) TestOfflineWindowSurfacesTransportErrors() {
	// GOAL: Verify an offline device fails fast and recovers cleanly
	//
	// TEST SCENARIO: One device goes offline for cycles 2 and 3 and
	// returns at cycle 4 → exactly one write error per offline cycle, the
	// slot stays occupied throughout, traffic resumes after recovery

	res := suite.run(`
name: outage
seed: 3
cycles: 4
tick: 1ms
params: { interval: 0s }
devices:
  - name: "flaky"
    address: "AA:BB:CC:00:00:01"
steps:
  - { at: 2, action: offline, device: "flaky" }
  - { at: 4, action: online, device: "flaky" }
`)

	suite.Assert().EqualValues(2, res.TrafficErrors, "each offline cycle MUST count one failed write")
	suite.Assert().EqualValues(1, res.Stats.ActiveConnections, "transport failure MUST NOT vacate the slot")
	suite.Assert().Positive(res.BytesWritten, "traffic MUST resume after recovery")
	suite.Assert().Equal(res.BytesWritten, res.BytesRead)
	suite.Assert().Zero(res.Stats.ConnectionFailures)
}

func (suite *SimTestSuite) TestChurnReconnects() {
	// GOAL: Verify scripted disconnect and reconnect drive the lifecycle
	//
	// TEST SCENARIO: One device disconnects at cycle 2 and rejoins at
	// cycle 3 → two admissions and one departure on the books, slot
	// occupied at the end

	res := suite.run(`
name: churn
seed: 5
cycles: 3
tick: 1ms
params: { interval: 0s }
devices:
  - name: "wanderer"
    address: "AA:BB:CC:00:00:01"
steps:
  - { at: 2, action: disconnect, device: "wanderer" }
  - { at: 3, action: connect, device: "wanderer" }
`)

	suite.Assert().EqualValues(2, res.Stats.TotalConnections)
	suite.Assert().EqualValues(2, res.EventCounts[string(mux.EventConnected)])
	suite.Assert().EqualValues(1, res.EventCounts[string(mux.EventDisconnected)])
	suite.Assert().EqualValues(1, res.Stats.ActiveConnections)
	suite.Assert().Zero(res.TrafficErrors)
	suite.Assert().Zero(res.StepErrors)
}

func (suite *SimTestSuite) TestSeededRunsAreReproducible() {
	// GOAL: Verify the seed pins every random draw
	//
	// TEST SCENARIO: Run the same seeded document twice → identical bytes
	// moved and commands issued

	const doc = `
name: pinned
seed: 42
cycles: 3
tick: 1ms
params: { interval: 0s }
devices:
  - name: "a"
    address: "AA:BB:CC:00:00:01"
  - name: "ac"
    address: "AA:BB:CC:00:00:02"
    class: air-conditioner
    commands: [set-temperature, set-mode]
`
	first := suite.run(doc)
	second := suite.run(doc)

	suite.Assert().Equal(first.BytesWritten, second.BytesWritten,
		"seeded traffic sizes MUST repeat")
	suite.Assert().Equal(first.CommandsSent, second.CommandsSent)
	suite.Assert().Equal(first.Stats.TotalBytesTransferred, second.Stats.TotalBytesTransferred)
}

func (suite *SimTestSuite) TestConnResolvesRosterDevices() {
	// GOAL: Verify console bridges can borrow a live connection by name or
	// address
	//
	// TEST SCENARIO: Set up a roster with one deferred device → lookups by
	// name and address resolve, the deferred and unknown ones explain
	// themselves

	sc := suite.parse(`
name: lookup
devices:
  - name: "headset"
    address: "AA:BB:CC:00:00:01"
  - name: "later"
    address: "AA:BB:CC:00:00:02"
    deferred: true
`)
	r, err := sim.NewRunner(sc, nil)
	suite.Require().NoError(err)
	defer r.Close()
	suite.Require().NoError(r.Setup())

	conn, err := r.Conn("headset")
	suite.Require().NoError(err, "lookup by name MUST resolve")
	suite.Assert().Equal(0, conn.Slot())

	byAddr, err := r.Conn("AA:BB:CC:00:00:01")
	suite.Require().NoError(err, "lookup by address MUST resolve")
	suite.Assert().Equal(conn.Slot(), byAddr.Slot())

	_, err = r.Conn("later")
	suite.Assert().ErrorContains(err, "not connected", "deferred device MUST explain itself")

	_, err = r.Conn("toaster")
	suite.Assert().ErrorContains(err, "no roster device")
}

func (suite *SimTestSuite) TestCycleReportsStream() {
	// GOAL: Verify the per-cycle callback sees every cycle in order
	//
	// TEST SCENARIO: Run two cycles with a collector → two reports with
	// ascending cycle numbers, live records, and admission events in the
	// first

	sc := suite.parse(`
name: reports
seed: 9
cycles: 2
tick: 1ms
params: { interval: 0s }
devices:
  - name: "only"
    address: "AA:BB:CC:00:00:01"
`)

	var reports []sim.CycleReport
	r, err := sim.NewRunner(sc, &sim.Options{
		OnCycle: func(rep sim.CycleReport) { reports = append(reports, rep) },
	})
	suite.Require().NoError(err)
	defer r.Close()

	_, err = r.Run(context.Background())
	suite.Require().NoError(err)

	suite.Require().Len(reports, 2, "every cycle MUST report")
	for i, rep := range reports {
		suite.Assert().Equal(i+1, rep.Cycle)
		suite.Assert().Equal(2, rep.Cycles)
		suite.Require().Len(rep.Records, 1)
		suite.Assert().Equal("only", rep.Records[0].Name)
	}

	kinds := make(map[mux.EventKind]int)
	for _, ev := range reports[0].Events {
		kinds[ev.Kind]++
	}
	suite.Assert().Equal(1, kinds[mux.EventConnected],
		"the admission MUST surface in the first report")
}

func (suite *SimTestSuite) TestCancelledRunReturnsPartialResult() {
	// GOAL: Verify cancellation stops the run without losing the tallies
	//
	// TEST SCENARIO: Run with an already-cancelled context → zero cycles
	// executed, the partial result still present alongside the context
	// error

	sc := suite.parse(`
name: cancelled
devices:
  - name: "only"
    address: "AA:BB:CC:00:00:01"
`)
	r, err := sim.NewRunner(sc, nil)
	suite.Require().NoError(err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := r.Run(ctx)
	suite.Assert().ErrorIs(err, context.Canceled)
	suite.Require().NotNil(res, "the partial result MUST survive cancellation")
	suite.Assert().Zero(res.Cycles, "no cycle ran")
	suite.Assert().EqualValues(1, res.Stats.ActiveConnections,
		"setup admissions happen before the first cycle check")
}

func (suite *SimTestSuite) TestRunnerOverridesDocument() {
	// GOAL: Verify runner options trump the document's cycles and tick
	//
	// TEST SCENARIO: Document says twenty slow cycles, options say two
	// fast ones → the run finishes promptly with two cycles on the books

	sc := suite.parse(`
name: overridden
seed: 1
params: { interval: 0s }
devices:
  - name: "only"
    address: "AA:BB:CC:00:00:01"
`)
	r, err := sim.NewRunner(sc, &sim.Options{Cycles: 2, Tick: time.Millisecond})
	suite.Require().NoError(err)
	defer r.Close()

	res, err := r.Run(context.Background())
	suite.Require().NoError(err)
	suite.Assert().Equal(2, res.Cycles, "the override MUST bound the run")
}
