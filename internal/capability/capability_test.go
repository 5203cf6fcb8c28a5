package capability

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/btmux/pkg/bt"
)

func TestRegisterResolve(t *testing.T) {
	d := NewDirectory(nil)
	addr := bt.MustParseAddr("AA:BB:CC:DD:EE:01")

	_, ok := d.Resolve(addr)
	assert.False(t, ok, "empty directory resolves nothing")

	d.Register(addr, bt.Capabilities{Class: bt.ClassAirConditioner, IoT: true})

	caps, ok := d.Resolve(addr)
	require.True(t, ok)
	assert.Equal(t, bt.ClassAirConditioner, caps.Class)
	assert.True(t, caps.IoT)

	d.Register(addr, bt.Capabilities{Class: bt.ClassGeneric})
	caps, ok = d.Resolve(addr)
	require.True(t, ok)
	assert.Equal(t, bt.ClassGeneric, caps.Class, "re-register replaces the entry")
	assert.False(t, caps.IoT)
}

func TestForget(t *testing.T) {
	d := NewDirectory(nil)
	addr := bt.MustParseAddr("AA:BB:CC:DD:EE:02")

	d.Register(addr, bt.Capabilities{Class: bt.ClassSmartTV, IoT: true})
	d.Forget(addr)

	_, ok := d.Resolve(addr)
	assert.False(t, ok)
	assert.Zero(t, d.Len())
}

func TestSnapshot(t *testing.T) {
	d := NewDirectory(nil)
	want := map[bt.Addr]bt.Capabilities{
		bt.MustParseAddr("AA:BB:CC:DD:EE:01"): {Class: bt.ClassSmartSpeaker, IoT: true},
		bt.MustParseAddr("AA:BB:CC:DD:EE:02"): {Class: bt.ClassGeneric},
	}
	for addr, caps := range want {
		d.Register(addr, caps)
	}

	assert.Equal(t, want, d.Snapshot())
}

func TestConcurrentAccess(t *testing.T) {
	d := NewDirectory(nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := bt.MustParseAddr(fmt.Sprintf("AA:BB:CC:DD:EE:%02X", i))
			d.Register(addr, bt.Capabilities{Class: bt.ClassIoTGeneric, IoT: true})
			caps, ok := d.Resolve(addr)
			assert.True(t, ok)
			assert.Equal(t, bt.ClassIoTGeneric, caps.Class)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, d.Len())
}
