package loopback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/btmux/pkg/bt"
)

func encodeEnvelope(t *testing.T, env bt.Envelope) []byte {
	t.Helper()
	frame, err := env.MarshalBinary()
	require.NoError(t, err)
	return frame
}

func TestEchoRoundTrip(t *testing.T) {
	tr := New(nil)
	addr := bt.MustParseAddr("AA:BB:CC:DD:EE:01")
	tr.AddDevice(addr, WithName("echo"))

	n, err := tr.Send(addr, []byte("hello fabric"))
	require.NoError(t, err)
	assert.Equal(t, 12, n, "send accepts the whole buffer")

	buf := make([]byte, 64)
	n, err = tr.Recv(addr, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello fabric", string(buf[:n]), "echoed bytes come back")

	n, err = tr.Recv(addr, buf)
	require.NoError(t, err)
	assert.Zero(t, n, "drained device reads as zero")
}

func TestPartialDrainKeepsTail(t *testing.T) {
	tr := New(nil)
	addr := bt.MustParseAddr("AA:BB:CC:DD:EE:02")
	dev := tr.AddDevice(addr, WithEcho(false))

	dev.FeedHost([]byte("abcdefgh"))

	buf := make([]byte, 3)
	n, err := tr.Recv(addr, buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n]))

	big := make([]byte, 16)
	n, err = tr.Recv(addr, big)
	require.NoError(t, err)
	assert.Equal(t, "defgh", string(big[:n]), "unread tail survives across reads")
}

func TestSinkDeviceSwallowsWrites(t *testing.T) {
	tr := New(nil)
	addr := bt.MustParseAddr("AA:BB:CC:DD:EE:03")
	dev := tr.AddDevice(addr, WithEcho(false))

	_, err := tr.Send(addr, make([]byte, 40))
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := tr.Recv(addr, buf)
	require.NoError(t, err)
	assert.Zero(t, n, "sink device echoes nothing")
	assert.EqualValues(t, 40, dev.Stats().BytesIn)
}

func TestUnknownDevice(t *testing.T) {
	tr := New(nil)
	addr := bt.MustParseAddr("AA:BB:CC:DD:EE:04")

	_, err := tr.Send(addr, []byte("x"))
	assert.Error(t, err)

	_, err = tr.Recv(addr, make([]byte, 4))
	assert.Error(t, err)

	_, err = tr.SendToDevice(addr, []byte{0x01})
	assert.Error(t, err)

	_, ok := tr.LinkQuality(addr)
	assert.False(t, ok)
}

func TestOfflineDeviceFails(t *testing.T) {
	tr := New(nil)
	addr := bt.MustParseAddr("AA:BB:CC:DD:EE:05")
	dev := tr.AddDevice(addr)
	dev.SetOffline(true)

	_, err := tr.Send(addr, []byte("x"))
	assert.Error(t, err)

	_, err = tr.SendToDevice(addr, encodeEnvelope(t, bt.Envelope{Command: bt.CmdTurnOn}))
	assert.Error(t, err)

	_, ok := tr.LinkQuality(addr)
	assert.False(t, ok, "offline device reports no link quality")

	dev.SetOffline(false)
	_, err = tr.Send(addr, []byte("x"))
	assert.NoError(t, err)
}

func TestCommandsDriveApplianceState(t *testing.T) {
	tr := New(nil)
	addr := bt.MustParseAddr("AA:BB:CC:DD:EE:06")
	tr.AddDevice(addr, WithClass(bt.ClassAirConditioner))

	reply, err := tr.SendToDevice(addr, encodeEnvelope(t, bt.Envelope{Command: bt.CmdTurnOn}))
	require.NoError(t, err)
	assert.Nil(t, reply)

	_, err = tr.SendToDevice(addr, encodeEnvelope(t, bt.Envelope{Command: bt.CmdSetTemperature, Param1: 18}))
	require.NoError(t, err)
	_, err = tr.SendToDevice(addr, encodeEnvelope(t, bt.Envelope{Command: bt.CmdSetMode, Param1: 2}))
	require.NoError(t, err)

	dev, ok := tr.Device(addr)
	require.True(t, ok)
	power, mode, temp := dev.State()
	assert.True(t, power)
	assert.EqualValues(t, 2, mode)
	assert.EqualValues(t, 18, temp)

	status, err := tr.SendToDevice(addr, encodeEnvelope(t, bt.Envelope{Command: bt.CmdGetStatus}))
	require.NoError(t, err)
	require.Len(t, status, 9)
	assert.EqualValues(t, 1, status[0], "status leads with the power flag")

	sensor, err := tr.SendToDevice(addr, encodeEnvelope(t, bt.Envelope{Command: bt.CmdGetSensorData}))
	require.NoError(t, err)
	require.Len(t, sensor, 8)

	assert.EqualValues(t, 5, dev.Stats().Commands)
}

func TestMalformedFrameRejected(t *testing.T) {
	tr := New(nil)
	addr := bt.MustParseAddr("AA:BB:CC:DD:EE:07")
	tr.AddDevice(addr)

	_, err := tr.SendToDevice(addr, []byte{0x01, 0x02})
	assert.Error(t, err, "short frame cannot decode")
}

func TestDefaultQualityStable(t *testing.T) {
	tr := New(nil)
	addr := bt.MustParseAddr("AA:BB:CC:DD:EE:08")
	tr.AddDevice(addr)

	first, ok := tr.LinkQuality(addr)
	require.True(t, ok)
	second, ok := tr.LinkQuality(addr)
	require.True(t, ok)
	assert.Equal(t, first, second, "unconfigured quality is stable")
	assert.GreaterOrEqual(t, first, -80.0)
	assert.Less(t, first, -40.0)

	dev, _ := tr.Device(addr)
	dev.SetQuality(-55)
	q, ok := tr.LinkQuality(addr)
	require.True(t, ok)
	assert.Equal(t, -55.0, q)
}
