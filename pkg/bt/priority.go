package bt

import "fmt"

// Priority orders connections for admission and eviction. Numerically lower
// values are MORE important: a Critical occupant is never evicted for a
// Medium candidate.
type Priority uint8

const (
	PriorityCritical Priority = 0 // real-time audio, input
	PriorityHigh     Priority = 1 // wearables, interactive
	PriorityMedium   Priority = 2 // file transfer, IoT appliances
	PriorityLow      Priority = 3 // background sync
)

var priorityNames = [...]string{"critical", "high", "medium", "low"}

// ParsePriority parses the textual priority name.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if name == s {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q (want critical, high, medium, or low)", s)
}

// Valid reports whether the value belongs to the closed priority set.
func (p Priority) Valid() bool {
	return p <= PriorityLow
}

// Outranks reports whether p is strictly more important than other.
func (p Priority) Outranks(other Priority) bool {
	return p < other
}

func (p Priority) String() string {
	if p.Valid() {
		return priorityNames[p]
	}
	return fmt.Sprintf("priority(%d)", uint8(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
