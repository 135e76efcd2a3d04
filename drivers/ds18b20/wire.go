package ds18b20

import (
	"fanctl-go/drivers/onewire"

	xds "tinygo.org/x/drivers/ds18b20"
)

// wire adapts a onewire.Bus to the tinygo driver's OneWireDevice. That
// driver ignores Select errors and returns only two scratchpad bytes, so
// wire keeps the addressing error of the current command and the last frame
// handed to the CRC check. Once addressing fails the command's writes are
// dropped and reads return an idle line.
type wire struct {
	bus   onewire.Bus
	err   error
	frame Scratchpad
}

// Select addresses rom, or every device when rom is nil.
func (w *wire) Select(rom []uint8) error {
	if rom == nil {
		w.err = onewire.SkipAll(w.bus)
		return w.err
	}
	var r onewire.ROM
	copy(r[:], rom)
	w.err = onewire.Select(w.bus, r)
	return w.err
}

func (w *wire) Write(v uint8) {
	if w.err == nil {
		onewire.WriteByte(w.bus, v)
	}
}

func (w *wire) Read() uint8 {
	if w.err != nil {
		return 0xFF
	}
	return onewire.ReadByte(w.bus)
}

// Сrc8 is spelled with a Cyrillic capital Es, as in the driver interface.
func (w *wire) Сrc8(p []uint8) uint8 {
	copy(w.frame[:], p)
	return onewire.CRC8(p)
}

var _ xds.OneWireDevice = (*wire)(nil)
