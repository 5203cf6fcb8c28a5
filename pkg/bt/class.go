package bt

import "fmt"

// DeviceClass identifies the kind of peripheral occupying a slot. The set is
// closed: Generic covers every non-IoT device (phones, audio, input), the
// remaining values are the supported IoT appliance classes.
type DeviceClass uint8

const (
	ClassGeneric        DeviceClass = 0x00
	ClassAirConditioner DeviceClass = 0x01
	ClassRefrigerator   DeviceClass = 0x02
	ClassSmartTV        DeviceClass = 0x03
	ClassSmartSpeaker   DeviceClass = 0x04
	ClassIoTGeneric     DeviceClass = 0xFF
)

var classNames = map[DeviceClass]string{
	ClassGeneric:        "generic",
	ClassAirConditioner: "air-conditioner",
	ClassRefrigerator:   "refrigerator",
	ClassSmartTV:        "smart-tv",
	ClassSmartSpeaker:   "smart-speaker",
	ClassIoTGeneric:     "iot-generic",
}

// ParseClass parses the textual class name used in configuration and
// scenario files.
func ParseClass(s string) (DeviceClass, error) {
	for c, name := range classNames {
		if name == s {
			return c, nil
		}
	}
	return ClassGeneric, fmt.Errorf("unknown device class %q", s)
}

// Valid reports whether the value belongs to the closed class set.
func (c DeviceClass) Valid() bool {
	_, ok := classNames[c]
	return ok
}

// IsIoT reports whether the class designates an IoT appliance. Generic
// devices never accept IoT command envelopes.
func (c DeviceClass) IsIoT() bool {
	return c != ClassGeneric && c.Valid()
}

// DefaultPriority returns the admission priority inferred for the class when
// the caller does not declare one. Speakers carry real-time audio; the
// appliance classes are bulk/IoT traffic.
func (c DeviceClass) DefaultPriority() Priority {
	if c == ClassSmartSpeaker {
		return PriorityCritical
	}
	return PriorityMedium
}

func (c DeviceClass) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("class(0x%02X)", uint8(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c DeviceClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *DeviceClass) UnmarshalText(text []byte) error {
	parsed, err := ParseClass(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Capabilities describes what the capability directory knows about a device.
// Admission uses it to normalize a candidate's declared class and IoT flag.
type Capabilities struct {
	Class DeviceClass `json:"class"`
	IoT   bool        `json:"iot"`
}
