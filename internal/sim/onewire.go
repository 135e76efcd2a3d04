// Package sim provides host stand-ins for the hardware: a bit-level 1-Wire
// segment populated with DS18B20 thermometers, and a first-order thermal
// plant the thermometers sample.
package sim

import (
	"sync"

	"fanctl-go/drivers/ds18b20"
	"fanctl-go/drivers/onewire"
)

// Thermometer is one simulated DS18B20.
type Thermometer struct {
	ROM onewire.ROM

	mu      sync.Mutex
	source  func() float32
	offset  float32
	res     ds18b20.Resolution
	th, tl  int8
	scratch ds18b20.Scratchpad
	absent  bool
	corrupt int
	reads   int
}

// NewThermometer builds a device whose ROM is derived from serial.
// Its scratchpad holds the 85 °C power-on value until the first conversion.
func NewThermometer(serial uint64, source func() float32) *Thermometer {
	var rom onewire.ROM
	rom[0] = ds18b20.FamilyCode
	for i := 1; i < 7; i++ {
		rom[i] = byte(serial >> (8 * (i - 1)))
	}
	rom[7] = onewire.CRC8(rom[:7])
	t := &Thermometer{ROM: rom, source: source, res: ds18b20.Bits12, th: 75, tl: 70}
	t.scratch = ds18b20.EncodeScratchpad(85000, t.res, t.th, t.tl)
	return t
}

// SetFamily rewrites the ROM family code, making the device look like
// another part to discovery. Call it before attaching to a segment.
func (t *Thermometer) SetFamily(f byte) {
	t.mu.Lock()
	t.ROM[0] = f
	t.ROM[7] = onewire.CRC8(t.ROM[:7])
	t.mu.Unlock()
}

// SetOffset adds a fixed calibration error to every conversion.
func (t *Thermometer) SetOffset(c float32) {
	t.mu.Lock()
	t.offset = c
	t.mu.Unlock()
}

// SetPresent attaches or detaches the device from the segment.
func (t *Thermometer) SetPresent(on bool) {
	t.mu.Lock()
	t.absent = !on
	t.mu.Unlock()
}

// Corrupt flips one bit in each of the next n scratchpad reads.
func (t *Thermometer) Corrupt(n int) {
	t.mu.Lock()
	t.corrupt = n
	t.mu.Unlock()
}

// Reads counts scratchpad reads served.
func (t *Thermometer) Reads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reads
}

func (t *Thermometer) present() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.absent
}

func (t *Thermometer) convert() {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.offset
	if t.source != nil {
		c += t.source()
	}
	t.scratch = ds18b20.EncodeScratchpad(int32(c*1000), t.res, t.th, t.tl)
}

func (t *Thermometer) readScratch() ds18b20.Scratchpad {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reads++
	s := t.scratch
	if t.corrupt > 0 {
		t.corrupt--
		s[t.reads%len(s)] ^= 1 << uint(t.reads%8)
	}
	return s
}

func (t *Thermometer) writeScratch(th, tl, cfg byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.th, t.tl = int8(th), int8(tl)
	if r, err := ds18b20.ParseResolution(cfg); err == nil {
		t.res = r
	}
	s := t.scratch
	s[2], s[3], s[4] = th, tl, cfg
	s[8] = onewire.CRC8(s[:8])
	t.scratch = s
}

type phase uint8

const (
	phIdle phase = iota
	phROMCmd
	phMatch
	phFunc
	phSearch
	phOut
	phWriteScratch
	phPower
)

// Segment is a simulated 1-Wire segment. It implements onewire.Bus.
type Segment struct {
	mu   sync.Mutex
	devs []*Thermometer

	ph       phase
	inByte   byte
	inBits   int
	in       []byte
	selected []*Thermometer
	out      []byte
	outBit   int

	searchBit int  // 0..63
	searchCmp bool // next read is the complement bit

	resets int
	stuck  bool
}

func NewSegment(devs ...*Thermometer) *Segment {
	return &Segment{devs: devs}
}

func (s *Segment) Attach(t *Thermometer) {
	s.mu.Lock()
	s.devs = append(s.devs, t)
	s.mu.Unlock()
}

// SetStuck simulates a shorted data line.
func (s *Segment) SetStuck(on bool) {
	s.mu.Lock()
	s.stuck = on
	s.mu.Unlock()
}

// Resets counts reset pulses seen.
func (s *Segment) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

func (s *Segment) presentLocked() []*Thermometer {
	var out []*Thermometer
	for _, d := range s.devs {
		if d.present() {
			out = append(out, d)
		}
	}
	return out
}

func (s *Segment) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	if s.stuck {
		return onewire.ErrBusStuck
	}
	s.ph = phIdle
	s.inBits, s.inByte, s.in = 0, 0, s.in[:0]
	s.out, s.outBit = nil, 0
	s.selected = s.presentLocked()
	if len(s.selected) == 0 {
		return onewire.ErrNoPresence
	}
	s.ph = phROMCmd
	return nil
}

func romBit(r onewire.ROM, i int) bool { return r[i/8]&(1<<(i%8)) != 0 }

func (s *Segment) WriteBit(bit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ph == phSearch {
		// Direction chosen by the master: devices that disagree drop out.
		keep := s.selected[:0]
		for _, d := range s.selected {
			if romBit(d.ROM, s.searchBit) == bit {
				keep = append(keep, d)
			}
		}
		s.selected = keep
		s.searchBit++
		s.searchCmp = false
		if s.searchBit == 64 {
			s.ph = phIdle
		}
		return
	}

	if bit {
		s.inByte |= 1 << s.inBits
	}
	s.inBits++
	if s.inBits < 8 {
		return
	}
	v := s.inByte
	s.inByte, s.inBits = 0, 0
	s.handleByte(v)
}

// caller holds lock
func (s *Segment) handleByte(v byte) {
	switch s.ph {
	case phROMCmd:
		switch v {
		case onewire.CmdSkipROM:
			s.ph = phFunc
		case onewire.CmdMatchROM:
			s.ph = phMatch
			s.in = s.in[:0]
		case onewire.CmdSearch:
			s.ph = phSearch
			s.searchBit, s.searchCmp = 0, false
		case onewire.CmdAlarmSearch:
			s.ph = phSearch
			s.searchBit, s.searchCmp = 0, false
			s.selected = s.selected[:0] // no simulated alarms
		case onewire.CmdReadROM:
			if len(s.selected) == 1 {
				r := s.selected[0].ROM
				s.out = append([]byte(nil), r[:]...)
			}
			s.ph = phOut
		default:
			s.ph = phIdle
		}
	case phMatch:
		s.in = append(s.in, v)
		if len(s.in) < 8 {
			return
		}
		var rom onewire.ROM
		copy(rom[:], s.in)
		var sel []*Thermometer
		for _, d := range s.selected {
			if d.ROM == rom {
				sel = append(sel, d)
			}
		}
		s.selected = sel
		s.ph = phFunc
	case phFunc:
		switch v {
		case 0x44: // convert
			for _, d := range s.selected {
				d.convert()
			}
			s.ph = phIdle
		case 0xBE: // read scratchpad
			s.out = nil
			if len(s.selected) > 0 {
				pad := s.selected[0].readScratch()
				for _, d := range s.selected[1:] {
					o := d.readScratch()
					for i := range pad {
						pad[i] &= o[i]
					}
				}
				s.out = pad[:]
			}
			s.outBit = 0
			s.ph = phOut
		case 0x4E:
			s.ph = phWriteScratch
			s.in = s.in[:0]
		case onewire.CmdReadPower:
			s.ph = phPower
		default:
			s.ph = phIdle
		}
	case phWriteScratch:
		s.in = append(s.in, v)
		if len(s.in) == 3 {
			for _, d := range s.selected {
				d.writeScratch(s.in[0], s.in[1], s.in[2])
			}
			s.ph = phIdle
		}
	}
}

func (s *Segment) ReadBit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.ph {
	case phSearch:
		// Wired-AND: any device driving 0 wins.
		v := true
		for _, d := range s.selected {
			b := romBit(d.ROM, s.searchBit)
			if s.searchCmp {
				b = !b
			}
			v = v && b
		}
		s.searchCmp = !s.searchCmp
		return v
	case phOut:
		i := s.outBit
		s.outBit++
		if i/8 >= len(s.out) {
			return true
		}
		return s.out[i/8]&(1<<(i%8)) != 0
	case phPower:
		return true
	}
	return true
}

var _ onewire.Bus = (*Segment)(nil)
