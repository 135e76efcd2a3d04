// Package ds18b20 drives Maxim DS18B20 temperature sensors on a 1-Wire bus.
// It exposes the same two-phase measurement API as the other drivers:
//
//	d.Trigger()          // start a conversion (fast)
//	// wait d.TriggerHint()
//	err := d.Collect()   // read and verify the scratchpad
//
// Several sensors on one segment are usually converted together with
// ConvertAll and then collected one by one.
//
// Temperatures are fixed-point milli-degrees Celsius, as tinygo drivers do.
package ds18b20

import (
	"errors"
	"time"

	"fanctl-go/drivers/onewire"

	"tinygo.org/x/drivers"
	xds "tinygo.org/x/drivers/ds18b20"
)

const FamilyCode = 0x28

// Function commands beyond the ones the tinygo driver defines.
const (
	cmdCopyScratch    = 0x48
	cmdRecallEEPROM   = 0xB8
	scratchpadLen     = 9
	defaultRetries    = 3
	powerOnMilliC     = 85000
	undefinedBitsMask = 0x07
)

var (
	ErrFamily     = errors.New("ds18b20: family code mismatch")
	ErrCRC        = errors.New("ds18b20: scratchpad crc mismatch")
	ErrResolution = errors.New("ds18b20: invalid resolution byte")
)

// Resolution is the thermometer resolution as encoded in the config register.
type Resolution uint8

const (
	Bits9  Resolution = 0x1F
	Bits10 Resolution = 0x3F
	Bits11 Resolution = 0x5F
	Bits12 Resolution = 0x7F
)

// ParseResolution validates a config register value.
func ParseResolution(cfg byte) (Resolution, error) {
	switch r := Resolution(cfg); r {
	case Bits9, Bits10, Bits11, Bits12:
		return r, nil
	}
	return 0, ErrResolution
}

// ResolutionFromBits maps 9..12 to a Resolution.
func ResolutionFromBits(bits int) (Resolution, error) {
	switch bits {
	case 9:
		return Bits9, nil
	case 10:
		return Bits10, nil
	case 11:
		return Bits11, nil
	case 12:
		return Bits12, nil
	}
	return 0, ErrResolution
}

func (r Resolution) Bits() int { return 9 + int(r>>5) }

// ConversionTime is the datasheet maximum conversion latency.
func (r Resolution) ConversionTime() time.Duration {
	switch r {
	case Bits9:
		return 94 * time.Millisecond
	case Bits10:
		return 188 * time.Millisecond
	case Bits11:
		return 375 * time.Millisecond
	default:
		return 750 * time.Millisecond
	}
}

// Scratchpad is the 9-byte device memory image: temperature LSB/MSB, TH, TL,
// config, three reserved bytes, CRC.
type Scratchpad [scratchpadLen]byte

func (s Scratchpad) Valid() bool {
	return onewire.CRC8(s[:8]) == s[8]
}

func (s Scratchpad) Resolution() (Resolution, error) { return ParseResolution(s[4]) }

func (s Scratchpad) AlarmHigh() int8 { return int8(s[2]) }
func (s Scratchpad) AlarmLow() int8  { return int8(s[3]) }

// MilliCelsius decodes the temperature register. The register is always in
// 1/16 °C units; bits below the configured resolution are undefined and
// masked off.
func (s Scratchpad) MilliCelsius() int32 {
	raw := int16(uint16(s[0]) | uint16(s[1])<<8)
	if r, err := s.Resolution(); err == nil {
		drop := uint(12 - r.Bits())
		raw &^= int16(undefinedBitsMask >> (3 - drop))
	}
	return int32(raw) * 1000 / 16
}

func (s Scratchpad) Celsius() float32 { return float32(s.MilliCelsius()) / 1000 }

// IsPowerOn reports the 85 °C register reset value.
func (s Scratchpad) IsPowerOn() bool { return s.MilliCelsius() == powerOnMilliC }

// EncodeScratchpad builds a scratchpad image with a correct CRC, the way a
// device would present it. Reserved bytes carry the datasheet values.
func EncodeScratchpad(milliC int32, res Resolution, th, tl int8) Scratchpad {
	raw := int16(milliC * 16 / 1000)
	var s Scratchpad
	s[0] = byte(uint16(raw))
	s[1] = byte(uint16(raw) >> 8)
	s[2] = byte(th)
	s[3] = byte(tl)
	s[4] = byte(res)
	s[5] = 0xFF
	s[6] = 0x0C
	s[7] = 0x10
	s[8] = onewire.CRC8(s[:8])
	return s
}

// ConvertAll starts a conversion on every device of the segment.
func ConvertAll(b onewire.Bus) error {
	w := &wire{bus: b}
	xds.New(w).RequestTemperature(nil)
	return w.err
}

// Config controls non-hardware behaviour. All fields are optional.
type Config struct {
	// Resolution defaults to 12 bit.
	Resolution Resolution
	// Retries bounds how often Collect re-reads a scratchpad failing CRC.
	// Default 3.
	Retries int
	// AlarmHigh/AlarmLow are written with the resolution on Configure.
	AlarmHigh int8
	AlarmLow  int8
}

// Device is one DS18B20 on a shared segment.
type Device struct {
	bus onewire.Bus
	ROM onewire.ROM

	w   *wire
	dev xds.Device

	cfg     Config
	last    Scratchpad
	milliC  int32
	retries int // re-reads used by the last Collect
}

// New binds a device to a ROM. It does not touch the bus.
func New(b onewire.Bus, rom onewire.ROM) (Device, error) {
	if rom.Family() != FamilyCode {
		return Device{}, ErrFamily
	}
	w := &wire{bus: b}
	return Device{
		bus: b,
		ROM: rom,
		w:   w,
		dev: xds.New(w),
		cfg: Config{Resolution: Bits12, Retries: defaultRetries},
	}, nil
}

// Configure writes TH, TL and the resolution to the scratchpad (volatile).
func (d *Device) Configure(cfg Config) error {
	if cfg.Resolution == 0 {
		cfg.Resolution = Bits12
	}
	if _, err := ParseResolution(byte(cfg.Resolution)); err != nil {
		return err
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = defaultRetries
	}
	d.cfg = cfg
	// ThermometerResolution in the tinygo driver fixes TH/TL, so the
	// alarm bytes are written here.
	if err := d.w.Select(d.ROM[:]); err != nil {
		return err
	}
	for _, v := range []byte{xds.WRITE_SCRATCHPAD, byte(cfg.AlarmHigh), byte(cfg.AlarmLow), byte(cfg.Resolution)} {
		d.w.Write(v)
	}
	return nil
}

// Persist copies TH, TL and config to EEPROM.
func (d *Device) Persist() error {
	return onewire.Send(d.bus, &d.ROM, cmdCopyScratch)
}

// Recall reloads TH, TL and config from EEPROM into the scratchpad.
func (d *Device) Recall() error {
	return onewire.Send(d.bus, &d.ROM, cmdRecallEEPROM)
}

// Trigger starts a conversion on this device only.
func (d *Device) Trigger() error {
	d.dev.RequestTemperature(d.ROM[:])
	return d.w.err
}

// TriggerHint returns the conversion time to wait before Collect.
func (d *Device) TriggerHint() time.Duration {
	return d.cfg.Resolution.ConversionTime()
}

// ReadScratchpad reads the raw 9 bytes. A CRC mismatch is not an error
// here; callers check Valid.
func (d *Device) ReadScratchpad() (Scratchpad, error) {
	d.w.frame = Scratchpad{}
	_, _ = d.dev.ReadTemperatureRaw(d.ROM[:])
	if d.w.err != nil {
		return Scratchpad{}, d.w.err
	}
	return d.w.frame, nil
}

// Collect reads the scratchpad, re-reading up to Retries times on CRC
// failure. The cached temperature only changes on a verified frame.
func (d *Device) Collect() error {
	d.retries = 0
	for {
		s, err := d.ReadScratchpad()
		if err != nil {
			return err
		}
		if s.Valid() {
			d.last = s
			d.milliC = s.MilliCelsius()
			return nil
		}
		if d.retries >= d.cfg.Retries {
			return ErrCRC
		}
		d.retries++
	}
}

// Update implements drivers.Sensor. It blocks for the conversion time.
func (d *Device) Update(which drivers.Measurement) error {
	if which&drivers.Temperature == 0 {
		return nil
	}
	if err := d.Trigger(); err != nil {
		return err
	}
	time.Sleep(d.TriggerHint())
	return d.Collect()
}

// Temperature returns the last verified reading in milli-°C.
func (d *Device) Temperature() int32 { return d.milliC }

func (d *Device) Celsius() float32 { return float32(d.milliC) / 1000 }

func (d *Device) Scratchpad() Scratchpad { return d.last }

// Retries returns how many re-reads the last Collect needed.
func (d *Device) Retries() int { return d.retries }

var _ drivers.Sensor = (*Device)(nil)
