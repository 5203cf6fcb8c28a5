// Package btmux embeds the assets shipped with the multiplexer.
package btmux

import _ "embed"

// DefaultScenarioYAML is the smart-home simulation used when no scenario
// file is given.
//
//go:embed examples/scenarios/smart-home.yaml
var DefaultScenarioYAML string
