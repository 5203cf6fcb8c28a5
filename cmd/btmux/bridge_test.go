package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/suite"
)

// BridgeTestSuite provides testify/suite for proper test isolation
type BridgeTestSuite struct {
	CommandTestSuite
	originalFlags struct {
		scenario string
		symlink  string
		radio    bool
		verbose  bool
	}
}

// SetupSuite runs once before all tests in the suite
func (suite *BridgeTestSuite) SetupSuite() {
	suite.originalFlags.scenario = bridgeScenarioFlag
	suite.originalFlags.symlink = bridgeSymlinkFlag
	suite.originalFlags.radio = bridgeRadioFlag
	suite.originalFlags.verbose = bridgeVerboseFlag
}

// TearDownSuite runs once after all tests in the suite
func (suite *BridgeTestSuite) TearDownSuite() {
	bridgeScenarioFlag = suite.originalFlags.scenario
	bridgeSymlinkFlag = suite.originalFlags.symlink
	bridgeRadioFlag = suite.originalFlags.radio
	bridgeVerboseFlag = suite.originalFlags.verbose
}

// SetupTest runs before each test in the suite
func (suite *BridgeTestSuite) SetupTest() {
	bridgeScenarioFlag = ""
	bridgeSymlinkFlag = ""
	bridgeRadioFlag = false
	bridgeVerboseFlag = false
}

func (suite *BridgeTestSuite) TestBridgeCmd_Help() {
	// GOAL: Verify bridge command displays help text with all flags
	//
	// TEST SCENARIO: Execute bridge --help → returns success → output documents flags and usage

	cmd := &cobra.Command{}
	cmd.AddCommand(bridgeCmd)

	output, err := suite.ExecuteCommand(cmd, "bridge", "--help")
	suite.Require().NoError(err, "help command MUST succeed")

	suite.Assert().Contains(output, "pseudo-terminal", "help MUST describe the PTY surface")
	suite.Assert().Contains(output, "--scenario", "help MUST document --scenario flag")
	suite.Assert().Contains(output, "--symlink", "help MUST document --symlink flag")
	suite.Assert().Contains(output, "--radio", "help MUST document --radio flag")
}

func (suite *BridgeTestSuite) TestBridgeCmd_RadioNeedsAddress() {
	// GOAL: Verify radio bridging validates the address before touching the radio
	//
	// TEST SCENARIO: Execute bridge --radio with a roster name → address parsing fails → no dial attempted

	cmd := &cobra.Command{}
	cmd.AddCommand(bridgeCmd)

	_, err := suite.ExecuteCommand(cmd, "bridge", "--radio", "Kitchen Fridge")

	suite.Require().Error(err, "non-address target MUST return error")
	suite.Assert().Contains(err.Error(), "invalid device address", "error MUST report the address parse failure")
}

func (suite *BridgeTestSuite) TestBridgeCmd_RequiresDevice() {
	// GOAL: Verify bridge command demands exactly one device argument
	//
	// TEST SCENARIO: Execute bridge with no arguments → argument validation rejects the call

	cmd := &cobra.Command{}
	cmd.AddCommand(bridgeCmd)

	_, err := suite.ExecuteCommand(cmd, "bridge")

	suite.Require().Error(err, "missing device argument MUST return error")
	suite.Assert().Contains(err.Error(), "accepts 1 arg", "error MUST state the expected argument count")
}

func (suite *BridgeTestSuite) TestBridgeCmd_UnknownDevice() {
	// GOAL: Verify bridging an unknown device fails before any PTY is created
	//
	// TEST SCENARIO: Execute bridge with a name outside the roster → roster lookup fails → error names the device

	cmd := &cobra.Command{}
	cmd.AddCommand(bridgeCmd)

	_, err := suite.ExecuteCommand(cmd, "bridge", "nobody-home")

	suite.Require().Error(err, "unknown device MUST return error")
	suite.Assert().Contains(err.Error(), "no roster device", "error MUST report the failed lookup")
	suite.Assert().Contains(err.Error(), "nobody-home", "error MUST name the device")
}

// TestBridgeCommandSuite runs the test suite
func TestBridgeCommandSuite(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}
