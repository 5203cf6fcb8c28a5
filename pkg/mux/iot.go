package mux

import (
	"fmt"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/btmux/pkg/bt"
)

// commandSpec describes one member of the closed IoT command set.
type commandSpec struct {
	Name         string
	ExpectsReply bool
	Validate     func(*bt.Envelope) error
}

// commandRegistry maps command codes to their specs in code order, so
// SupportedCommands and CLI help render deterministically. The set is
// closed: nothing registers into it at runtime.
var commandRegistry = buildCommandRegistry()

func buildCommandRegistry() *orderedmap.OrderedMap[bt.Command, commandSpec] {
	reg := orderedmap.New[bt.Command, commandSpec]()
	reg.Set(bt.CmdTurnOn, commandSpec{Name: "turn-on"})
	reg.Set(bt.CmdTurnOff, commandSpec{Name: "turn-off"})
	reg.Set(bt.CmdSetTemperature, commandSpec{
		Name: "set-temperature",
		Validate: func(e *bt.Envelope) error {
			if e.Param1 < bt.MinTemperature || e.Param1 > bt.MaxTemperature {
				return invalidf("temperature %d outside %d..%d",
					e.Param1, bt.MinTemperature, bt.MaxTemperature)
			}
			return nil
		},
	})
	reg.Set(bt.CmdGetStatus, commandSpec{Name: "get-status", ExpectsReply: true})
	reg.Set(bt.CmdSetMode, commandSpec{Name: "set-mode"})
	reg.Set(bt.CmdGetSensorData, commandSpec{Name: "get-sensor-data", ExpectsReply: true})
	return reg
}

// SupportedCommands lists the closed IoT command set in code order.
func SupportedCommands() []bt.Command {
	out := make([]bt.Command, 0, commandRegistry.Len())
	for pair := commandRegistry.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// SendCommand routes one IoT command envelope to the device at addr.
//
// The target must occupy a slot and be an IoT device; the command must
// belong to the closed set and pass its parameter validation. The encoded
// frame goes to the transport outside the table guard, exactly once: a
// transport failure propagates as a transport error with no counter or
// record mutation, and retrying is the transport's business, not ours.
//
// The reply payload is returned for get-status and get-sensor-data;
// other commands acknowledge with a nil reply.
func (m *Multiplexer) SendCommand(addr bt.Addr, env bt.Envelope) ([]byte, error) {
	idx, rec, ok := m.table.lookup(addr)
	if !ok || !rec.IoT {
		return nil, errf(KindNotAnIoTDevice, "%s is not a connected IoT device", addr)
	}

	spec, known := commandRegistry.Get(env.Command)
	if !known {
		return nil, errf(KindUnsupportedCommand, "command 0x%02X", uint8(env.Command))
	}
	if len(env.Payload) > bt.MaxEnvelopePayload {
		return nil, invalidf("payload %d bytes exceeds limit %d", len(env.Payload), bt.MaxEnvelopePayload)
	}
	if spec.Validate != nil {
		if err := spec.Validate(&env); err != nil {
			return nil, err
		}
	}

	frame, err := env.MarshalBinary()
	if err != nil {
		return nil, invalidf("encoding %s envelope: %v", spec.Name, err)
	}

	reply, err := m.transport.SendToDevice(addr, frame)
	if err != nil {
		return nil, transportErr(err, "%s to %s", spec.Name, addr)
	}

	if !m.table.mutate(idx, addr, func(r *ConnectionRecord) {
		r.BytesTransferred += uint64(len(frame))
		r.PacketsProcessed++
	}) {
		return nil, connNotFoundf(addr, idx)
	}

	m.log.WithFields(logrus.Fields{
		"address": addr.String(),
		"command": spec.Name,
		"bytes":   len(frame),
	}).Debug("IoT command delivered")

	m.feed.publish(Event{
		Time:     m.clock.Now(),
		Kind:     EventCommandSent,
		Address:  addr,
		Name:     rec.Name,
		Class:    rec.Class,
		Priority: rec.Priority,
		Slot:     idx,
		Detail:   fmt.Sprintf("%s (%d bytes)", spec.Name, len(frame)),
	})

	if !spec.ExpectsReply {
		return nil, nil
	}
	return reply, nil
}
