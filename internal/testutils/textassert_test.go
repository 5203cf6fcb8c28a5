package testutils

import (
	"strings"
	"testing"
)

// recordingT captures Errorf calls so assertion failures can be inspected
// without failing the enclosing test.
type recordingT struct {
	failures []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.failures = append(r.failures, format)
}

func TestTextAsserter_BasicComparison(t *testing.T) {
	t.Run("IdenticalStrings", func(t *testing.T) {
		ta := NewTextAsserter(t)
		if diff := ta.diff("hello world", "hello world"); diff != "" {
			t.Errorf("Expected no diff for identical strings, got: %s", diff)
		}
	})

	t.Run("DifferentStrings", func(t *testing.T) {
		ta := NewTextAsserter(t)
		if diff := ta.diff("hello world", "hello universe"); diff == "" {
			t.Error("Expected diff for different strings")
		}
	})
}

func TestTextAsserter_TableFriendlyDefaults(t *testing.T) {
	// Rendered tables pad columns and end with a newline; the defaults
	// absorb both.
	actual := "SLOT  NAME   \n0     headset  \n"
	expected := "SLOT  NAME\n0     headset"

	ta := NewTextAsserter(t)
	if diff := ta.diff(actual, expected); diff != "" {
		t.Errorf("Expected padding to be ignored by default, got: %s", diff)
	}
}

func TestTextAsserter_StrictWhitespace(t *testing.T) {
	ta := NewTextAsserter(t).WithOptions(
		WithIgnoreTrailingWhitespace(false),
		WithTrimSpace(false),
	)
	if diff := ta.diff("line  ", "line"); diff == "" {
		t.Error("Expected trailing whitespace to matter in strict mode")
	}
}

func TestTextAsserter_IgnoreEmptyLines(t *testing.T) {
	ta := NewTextAsserter(t).WithOptions(WithIgnoreEmptyLines(true))
	if diff := ta.diff("a\n\n\nb", "a\nb"); diff != "" {
		t.Errorf("Expected blank lines to be skipped, got: %s", diff)
	}
}

func TestTextAsserter_ColorizedDiff(t *testing.T) {
	ta := NewTextAsserter(t).WithOptions(WithEnableColors(true))
	diff := ta.diff("one", "two")
	if diff == "" {
		t.Fatal("Expected a diff")
	}
	if !strings.Contains(diff, "\x1b[") {
		t.Error("Expected ANSI color codes in the colorized diff")
	}
}

func TestTextAsserter_AssertReportsFailure(t *testing.T) {
	rec := &recordingT{}
	ta := NewTextAsserterWithInterface(rec)

	ta.Assert("same", "same")
	if len(rec.failures) != 0 {
		t.Errorf("Expected no failure for equal text, got %d", len(rec.failures))
	}

	ta.Assert("actual", "expected")
	if len(rec.failures) != 1 {
		t.Errorf("Expected one failure for differing text, got %d", len(rec.failures))
	}
}

func TestHighlightWhitespace(t *testing.T) {
	got := highlightWhitespace("-a b\tc")
	if !strings.Contains(got, "·") || !strings.Contains(got, "→") {
		t.Errorf("Expected visible whitespace markers, got: %s", got)
	}
}
