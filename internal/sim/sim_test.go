package sim

import (
	"testing"
	"time"

	"fanctl-go/drivers/ds18b20"
	"fanctl-go/drivers/onewire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThermometer_ROM(t *testing.T) {
	th := NewThermometer(0x0102030405, nil)
	assert.True(t, th.ROM.Valid())
	assert.Equal(t, byte(ds18b20.FamilyCode), th.ROM.Family())
}

func TestSegment_NoDevices(t *testing.T) {
	seg := NewSegment()
	assert.ErrorIs(t, seg.Reset(), onewire.ErrNoPresence)
}

func TestSegment_ReadROMSingle(t *testing.T) {
	th := NewThermometer(7, nil)
	seg := NewSegment(th)
	rom, err := onewire.ReadROM(seg)
	require.NoError(t, err)
	assert.Equal(t, th.ROM, rom)
}

func TestSegment_ConvertAndRead(t *testing.T) {
	th := NewThermometer(1, func() float32 { return 24.5 })
	seg := NewSegment(th)

	require.NoError(t, onewire.Send(seg, &th.ROM, 0x44))
	require.NoError(t, onewire.Send(seg, &th.ROM, 0xBE))
	var pad ds18b20.Scratchpad
	onewire.Read(seg, pad[:])
	assert.True(t, pad.Valid())
	assert.Equal(t, int32(24500), pad.MilliCelsius())
}

func TestSegment_Stuck(t *testing.T) {
	seg := NewSegment(NewThermometer(1, nil))
	seg.SetStuck(true)
	assert.ErrorIs(t, seg.Reset(), onewire.ErrBusStuck)
}

func TestPlant_FanCools(t *testing.T) {
	p := NewPlant(PlantConfig{Ambient: 20, Load: 20, Cooling: 15, Tau: time.Second, Initial: 40})
	for i := 0; i < 100; i++ {
		p.Step(100 * time.Millisecond)
	}
	assert.InDelta(t, 40, p.Temperature(), 0.01)

	p.SetDuty(100)
	for i := 0; i < 100; i++ {
		p.Step(100 * time.Millisecond)
	}
	assert.InDelta(t, 25, p.Temperature(), 0.01)
	assert.Equal(t, float32(100), p.Duty())
}
