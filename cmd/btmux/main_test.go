package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatVersion(t *testing.T) {
	// GOAL: Verify version formatting adds 'v' prefix only for numeric versions
	//
	// TEST SCENARIO: Format various version strings → digit-leading versions gain prefix, others unchanged

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "release version", input: "1.2.3", expected: "v1.2.3"},
		{name: "already prefixed", input: "v1.2.3", expected: "v1.2.3"},
		{name: "dev build", input: "dev", expected: "dev"},
		{name: "empty", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatVersion(tt.input), "formatted version MUST match")
		})
	}
}

func TestRootCmd_Help(t *testing.T) {
	// GOAL: Verify the root command lists both subcommands
	//
	// TEST SCENARIO: Execute --help → output documents simulate and bridge

	output, err := executeCommand(rootCmd, "--help")
	require.NoError(t, err, "help MUST succeed")

	assert.Contains(t, output, "simulate", "help MUST list the simulate command")
	assert.Contains(t, output, "bridge", "help MUST list the bridge command")
	assert.Contains(t, output, "--log-level", "help MUST document the global log level flag")
}
