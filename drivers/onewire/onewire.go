// Package onewire implements the 1-Wire link layer: reset/presence, bit and
// byte I/O, ROM addressing and the ROM search algorithm.
//
// Timing-critical work lives behind the Bus interface. Master provides a
// bit-banged implementation over an open-drain Line; a simulated segment for
// host runs implements Bus directly.
//
// Bits and bytes travel LSB first.
package onewire

import "errors"

// ROM commands.
const (
	CmdSearch      = 0xF0
	CmdReadROM     = 0x33
	CmdMatchROM    = 0x55
	CmdSkipROM     = 0xCC
	CmdAlarmSearch = 0xEC
	CmdReadPower   = 0xB4
)

var (
	ErrNoPresence = errors.New("onewire: no presence pulse")
	ErrBusStuck   = errors.New("onewire: line held low")
	ErrSearch     = errors.New("onewire: search lost devices")
	ErrCRC        = errors.New("onewire: crc mismatch")
)

// ROM is a 64-bit device address: family, 48-bit serial, CRC-8.
type ROM [8]byte

func (r ROM) Family() byte { return r[0] }

// Valid reports whether the ROM carries a correct CRC and is not all zero.
func (r ROM) Valid() bool {
	return r != ROM{} && CRC8(r[:7]) == r[7]
}

// Bus is the timing-accurate primitive layer. Implementations perform each
// slot atomically; callers never see a partial slot.
type Bus interface {
	// Reset issues a reset pulse and reports ErrNoPresence when no device
	// answered.
	Reset() error
	WriteBit(bit bool)
	ReadBit() bool
}

func WriteByte(b Bus, v byte) {
	for i := 0; i < 8; i++ {
		b.WriteBit(v&(1<<i) != 0)
	}
}

func ReadByte(b Bus) byte {
	var v byte
	for i := 0; i < 8; i++ {
		if b.ReadBit() {
			v |= 1 << i
		}
	}
	return v
}

func Write(b Bus, p []byte) {
	for _, v := range p {
		WriteByte(b, v)
	}
}

func Read(b Bus, p []byte) {
	for i := range p {
		p[i] = ReadByte(b)
	}
}

// Select resets the bus and addresses a single device.
func Select(b Bus, rom ROM) error {
	if err := b.Reset(); err != nil {
		return err
	}
	WriteByte(b, CmdMatchROM)
	Write(b, rom[:])
	return nil
}

// SkipAll resets the bus and addresses every device at once.
func SkipAll(b Bus) error {
	if err := b.Reset(); err != nil {
		return err
	}
	WriteByte(b, CmdSkipROM)
	return nil
}

// ReadROM works only with a single device on the segment.
func ReadROM(b Bus) (ROM, error) {
	var rom ROM
	if err := b.Reset(); err != nil {
		return rom, err
	}
	WriteByte(b, CmdReadROM)
	Read(b, rom[:])
	if !rom.Valid() {
		return rom, ErrCRC
	}
	return rom, nil
}

// Send addresses rom (or every device when rom is nil) and writes cmd.
func Send(b Bus, rom *ROM, cmd byte) error {
	var err error
	if rom == nil {
		err = SkipAll(b)
	} else {
		err = Select(b, *rom)
	}
	if err != nil {
		return err
	}
	WriteByte(b, cmd)
	return nil
}

// ParasitePowered reports whether any addressed device draws power from the
// data line. Such devices pull the line low on a read slot.
func ParasitePowered(b Bus, rom *ROM) (bool, error) {
	if err := Send(b, rom, CmdReadPower); err != nil {
		return false, err
	}
	return !b.ReadBit(), nil
}
