package onewire

// Line is an open-drain data line with an external pull-up.
type Line interface {
	Low()
	Release()
	High() bool
}

// Slot timings in microseconds. Datasheet minimums plus a small margin.
const (
	resetLowUs    = 480 + 24
	presenceUs    = 480 + 24
	presencePoll  = 20
	idleWaitUs    = 250
	idlePoll      = 10
	slotUs        = 60 + 20
	recoveryUs    = 2
	write1LowUs   = 5
	readLowUs     = 6
	readSampleUs  = 9
	readReleaseUs = 55
)

// MasterConfig wires the platform pieces a bit-banged master needs.
type MasterConfig struct {
	// Delay waits the given number of microseconds. Required.
	Delay func(us uint32)
	// Critical runs fn with interrupts masked. Optional; without it slots
	// may be stretched by interrupt service time.
	Critical func(fn func())
}

// Master bit-bangs the 1-Wire protocol over a Line.
type Master struct {
	line Line
	cfg  MasterConfig
}

func NewMaster(line Line, cfg MasterConfig) *Master {
	if cfg.Critical == nil {
		cfg.Critical = func(fn func()) { fn() }
	}
	return &Master{line: line, cfg: cfg}
}

func (m *Master) waitIdle() error {
	for t := 0; t < idleWaitUs; t += idlePoll {
		if m.line.High() {
			return nil
		}
		m.cfg.Delay(idlePoll)
	}
	return ErrBusStuck
}

func (m *Master) Reset() error {
	if err := m.waitIdle(); err != nil {
		return err
	}
	present := false
	m.cfg.Critical(func() {
		m.line.Low()
		m.cfg.Delay(resetLowUs)
		m.line.Release()
	})
	// Devices answer 15-60 µs after release for 60-240 µs.
	for t := 0; t < presenceUs; t += presencePoll {
		if !present && !m.line.High() {
			present = true
		}
		m.cfg.Delay(presencePoll)
	}
	if !present {
		return ErrNoPresence
	}
	return nil
}

func (m *Master) WriteBit(bit bool) {
	m.cfg.Delay(recoveryUs)
	m.cfg.Critical(func() {
		m.line.Low()
		if bit {
			m.cfg.Delay(write1LowUs)
			m.line.Release()
			m.cfg.Delay(slotUs - write1LowUs)
			return
		}
		m.cfg.Delay(slotUs)
		m.line.Release()
	})
}

func (m *Master) ReadBit() bool {
	var v bool
	m.cfg.Critical(func() {
		m.line.Low()
		m.cfg.Delay(readLowUs)
		m.line.Release()
		m.cfg.Delay(readSampleUs)
		v = m.line.High()
	})
	m.cfg.Delay(readReleaseUs)
	return v
}
