package bt

import (
	"encoding/binary"
	"fmt"
)

// Command is an IoT control command code. The set is closed; unknown codes
// are rejected before any transport contact.
type Command uint8

const (
	CmdTurnOn         Command = 0x01
	CmdTurnOff        Command = 0x02
	CmdSetTemperature Command = 0x03
	CmdGetStatus      Command = 0x04
	CmdSetMode        Command = 0x05
	CmdGetSensorData  Command = 0x06
)

var commandNames = map[Command]string{
	CmdTurnOn:         "turn-on",
	CmdTurnOff:        "turn-off",
	CmdSetTemperature: "set-temperature",
	CmdGetStatus:      "get-status",
	CmdSetMode:        "set-mode",
	CmdGetSensorData:  "get-sensor-data",
}

// ParseCommand parses the textual command name used by the CLI and scenario
// files.
func ParseCommand(s string) (Command, error) {
	for c, name := range commandNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown IoT command %q", s)
}

// Valid reports whether the code belongs to the closed command set.
func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(0x%02X)", uint8(c))
}

// Temperature bounds accepted by CmdSetTemperature, degrees Celsius.
const (
	MinTemperature = -20
	MaxTemperature = 40
)

// MaxEnvelopePayload bounds the opaque payload carried by one envelope.
const MaxEnvelopePayload = 256

// envelopeHeaderLen is command(1) + param1(4) + param2(4) + payload len(2).
const envelopeHeaderLen = 11

// EnvelopeLen returns the wire frame length for a payload of payloadLen bytes.
func EnvelopeLen(payloadLen int) int {
	return envelopeHeaderLen + payloadLen
}

// Envelope is one IoT command addressed to a connected appliance. Param1 and
// Param2 meanings are command-specific (SetTemperature carries the target
// degrees in Param1); Payload is opaque command data.
type Envelope struct {
	Command Command `json:"command"`
	Param1  int32   `json:"param1"`
	Param2  int32   `json:"param2"`
	Payload []byte  `json:"payload,omitempty"`
}

// MarshalBinary encodes the envelope into its big-endian wire frame:
// command byte, two 4-byte params, 2-byte payload length, payload.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	if !e.Command.Valid() {
		return nil, fmt.Errorf("cannot encode %v", e.Command)
	}
	if len(e.Payload) > MaxEnvelopePayload {
		return nil, fmt.Errorf("payload %d bytes exceeds limit %d", len(e.Payload), MaxEnvelopePayload)
	}
	buf := make([]byte, envelopeHeaderLen+len(e.Payload))
	buf[0] = byte(e.Command)
	binary.BigEndian.PutUint32(buf[1:5], uint32(e.Param1))
	binary.BigEndian.PutUint32(buf[5:9], uint32(e.Param2))
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(e.Payload)))
	copy(buf[envelopeHeaderLen:], e.Payload)
	return buf, nil
}

// UnmarshalBinary decodes a wire frame produced by MarshalBinary.
func (e *Envelope) UnmarshalBinary(data []byte) error {
	if len(data) < envelopeHeaderLen {
		return fmt.Errorf("envelope frame too short: %d bytes", len(data))
	}
	cmd := Command(data[0])
	if !cmd.Valid() {
		return fmt.Errorf("envelope carries %v", cmd)
	}
	n := int(binary.BigEndian.Uint16(data[9:11]))
	if n > MaxEnvelopePayload {
		return fmt.Errorf("envelope payload length %d exceeds limit %d", n, MaxEnvelopePayload)
	}
	if len(data) != envelopeHeaderLen+n {
		return fmt.Errorf("envelope frame length %d does not match payload length %d", len(data), n)
	}
	e.Command = cmd
	e.Param1 = int32(binary.BigEndian.Uint32(data[1:5]))
	e.Param2 = int32(binary.BigEndian.Uint32(data[5:9]))
	if n > 0 {
		e.Payload = append([]byte(nil), data[envelopeHeaderLen:]...)
	} else {
		e.Payload = nil
	}
	return nil
}
