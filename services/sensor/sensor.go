// Package sensor owns the 1-Wire segment. It discovers DS18B20 devices once
// at start, then runs a sampling cycle per interval: broadcast conversion,
// wait the conversion latency, read every slot in discovery order, and fold
// valid readings into one aggregate for the control loop.
package sensor

import (
	"context"
	"errors"
	"sync"
	"time"

	"fanctl-go/drivers/ds18b20"
	"fanctl-go/drivers/onewire"
	"fanctl-go/errcode"
	"fanctl-go/types"
	"fanctl-go/x/logx"
	"fanctl-go/x/timex"
)

// MaxSensors is the capacity of the slot arena.
const MaxSensors = 8

// searchLimit bounds the ROM search. Other device families on the segment
// are found and skipped, so it is larger than the arena.
const searchLimit = 8 * MaxSensors

type Policy string

const (
	PolicyMean    Policy = "mean"
	PolicyPrimary Policy = "primary"
	PolicyMax     Policy = "max"
)

type Config struct {
	Interval        time.Duration `yaml:"interval"`
	ResolutionBits  int           `yaml:"resolution_bits"`
	ChecksumRetries int           `yaml:"checksum_retries"`
	// ExcludeAfter is the fault count above which a slot stops contributing.
	ExcludeAfter int    `yaml:"exclude_after"`
	Policy       Policy `yaml:"policy"`
	// Primary selects the slot for PolicyPrimary; empty means the first
	// discovered sensor.
	Primary string `yaml:"primary"`
	// Static pins ROMs instead of searching the segment.
	Static []string `yaml:"static"`
}

func DefaultConfig() Config {
	return Config{
		Interval:        5 * time.Second,
		ResolutionBits:  12,
		ChecksumRetries: 3,
		ExcludeAfter:    3,
		Policy:          PolicyMean,
	}
}

func (c *Config) ensureDefaults() {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.ResolutionBits == 0 {
		c.ResolutionBits = d.ResolutionBits
	}
	if c.ChecksumRetries < 0 {
		c.ChecksumRetries = 0
	}
	if c.ExcludeAfter <= 0 {
		c.ExcludeAfter = d.ExcludeAfter
	}
	if c.Policy == "" {
		c.Policy = d.Policy
	}
}

// Publisher receives a topology copy after every cycle.
type Publisher interface {
	PublishSensors(types.SensorTopology)
}

// Recorder receives fault accounting; metrics implement it.
type Recorder interface {
	SensorFault(id string, code errcode.Code)
	ChecksumRetries(n int)
}

type nopRecorder struct{}

func (nopRecorder) SensorFault(string, errcode.Code) {}
func (nopRecorder) ChecksumRetries(int)              {}

type slot struct {
	dev   ds18b20.Device
	state types.SensorSlot
}

type Subsystem struct {
	bus  onewire.Bus
	cfg  Config
	res  ds18b20.Resolution
	log  logx.Logger
	pub  Publisher
	rec  Recorder
	now  func() time.Time
	wait func(context.Context, time.Duration) error

	// Only the Run goroutine touches slots[:n] and the bus. mu guards the
	// copy-out views below.
	slots   [MaxSensors]slot
	n       int
	primary int
	cycles  uint64

	mu   sync.Mutex
	agg  types.Aggregate
	topo types.SensorTopology
}

type Option func(*Subsystem)

func WithLogger(l logx.Logger) Option  { return func(s *Subsystem) { s.log = logx.Or(l) } }
func WithPublisher(p Publisher) Option { return func(s *Subsystem) { s.pub = p } }
func WithRecorder(r Recorder) Option   { return func(s *Subsystem) { s.rec = r } }
func WithClock(now func() time.Time) Option {
	return func(s *Subsystem) { s.now = now }
}

// WithWait replaces the conversion wait (tests use a no-op).
func WithWait(w func(context.Context, time.Duration) error) Option {
	return func(s *Subsystem) { s.wait = w }
}

func New(b onewire.Bus, cfg Config, opts ...Option) (*Subsystem, error) {
	cfg.ensureDefaults()
	res, err := ds18b20.ResolutionFromBits(cfg.ResolutionBits)
	if err != nil {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "sensor", Msg: "resolution_bits must be 9..12", Err: err}
	}
	switch cfg.Policy {
	case PolicyMean, PolicyPrimary, PolicyMax:
	default:
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "sensor", Msg: "unknown policy " + string(cfg.Policy)}
	}
	s := &Subsystem{
		bus:  b,
		cfg:  cfg,
		res:  res,
		log:  logx.NullLogger{},
		rec:  nopRecorder{},
		now:  time.Now,
		wait: timex.Sleep,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Discover fills the slot arena. It returns errcode.NoSensors when nothing
// usable answered; the subsystem then reports no valid reading forever.
func (s *Subsystem) Discover(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	roms, err := s.candidates()
	if err != nil && !errors.Is(err, onewire.ErrNoPresence) {
		s.log.Warnf("discovery: %v", err)
	}

	s.n = 0
	for _, rom := range roms {
		if !rom.Valid() {
			s.log.Warnf("discovery: rom %x fails crc, skipped", rom)
			continue
		}
		dev, derr := ds18b20.New(s.bus, rom)
		if derr != nil {
			s.log.Debugf("discovery: rom %x is not a ds18b20, skipped", rom)
			continue
		}
		if s.n == MaxSensors {
			s.log.Warnf("discovery: more than %d sensors, ignoring the rest", MaxSensors)
			break
		}
		cfgErr := dev.Configure(ds18b20.Config{Resolution: s.res, Retries: s.retries(), AlarmHigh: 75, AlarmLow: 70})
		sl := &s.slots[s.n]
		*sl = slot{dev: dev, state: types.SensorSlot{ID: types.SensorID(rom)}}
		if cfgErr != nil {
			s.log.Warnf("sensor %s: configure: %v", sl.state.ID, cfgErr)
			sl.state.LastError = string(codeOf(cfgErr))
		}
		s.log.Infof("sensor %s in slot %d", sl.state.ID, s.n)
		s.n++
	}

	s.primary = 0
	if s.cfg.Primary != "" {
		s.primary = -1
		for i := 0; i < s.n; i++ {
			if s.slots[i].state.ID.String() == s.cfg.Primary {
				s.primary = i
			}
		}
		if s.primary < 0 {
			s.log.Warnf("primary sensor %s not found", s.cfg.Primary)
		}
	}

	s.publish(types.Aggregate{})
	if s.n == 0 {
		s.log.Errorf("no sensors discovered")
		return errcode.NoSensors
	}
	return nil
}

func (s *Subsystem) retries() int {
	if s.cfg.ChecksumRetries == 0 {
		return -1 // ds18b20 treats negative as "no retries"
	}
	return s.cfg.ChecksumRetries
}

func (s *Subsystem) candidates() ([]onewire.ROM, error) {
	if len(s.cfg.Static) == 0 {
		return onewire.Search(s.bus, false, searchLimit)
	}
	roms := make([]onewire.ROM, 0, len(s.cfg.Static))
	for _, str := range s.cfg.Static {
		id, err := types.ParseSensorID(str)
		if err != nil {
			s.log.Warnf("static sensor %q: %v", str, err)
			continue
		}
		roms = append(roms, onewire.ROM(id))
	}
	return roms, nil
}

// Cycle runs one sampling cycle and returns the new aggregate. Per-sensor
// failures are absorbed into slot fault counters.
func (s *Subsystem) Cycle(ctx context.Context) (types.Aggregate, error) {
	s.cycles++
	if s.n == 0 {
		agg := types.Aggregate{At: s.now(), Cycle: s.cycles}
		s.publish(agg)
		return agg, nil
	}

	if err := ds18b20.ConvertAll(s.bus); err != nil {
		for i := 0; i < s.n; i++ {
			s.fault(&s.slots[i], err)
		}
		agg := s.aggregate()
		s.publish(agg)
		return agg, nil
	}
	if err := s.wait(ctx, s.res.ConversionTime()); err != nil {
		return types.Aggregate{}, err
	}

	for i := 0; i < s.n; i++ {
		sl := &s.slots[i]
		if err := sl.dev.Collect(); err != nil {
			s.rec.ChecksumRetries(sl.dev.Retries())
			s.fault(sl, err)
			continue
		}
		if r := sl.dev.Retries(); r > 0 {
			s.rec.ChecksumRetries(r)
			s.log.Debugf("sensor %s: %d checksum retries", sl.state.ID, r)
		}
		if sl.state.Faults > 0 {
			s.log.Infof("sensor %s recovered after %d faults", sl.state.ID, sl.state.Faults)
		}
		sl.state.Faults = 0
		sl.state.LastError = ""
		sl.state.LastKnownGood = types.TemperatureReading{
			SensorID:   sl.state.ID,
			Value:      sl.dev.Celsius(),
			CapturedAt: s.now(),
			Valid:      true,
		}
	}

	agg := s.aggregate()
	s.publish(agg)
	return agg, nil
}

func (s *Subsystem) fault(sl *slot, err error) {
	code := codeOf(err)
	sl.state.Faults++
	sl.state.TotalFaults++
	sl.state.LastError = string(code)
	s.rec.SensorFault(sl.state.ID.String(), code)
	if sl.state.Faults == s.cfg.ExcludeAfter+1 {
		s.log.Warnf("sensor %s excluded after %d faults (%s)", sl.state.ID, sl.state.Faults-1, code)
	} else {
		s.log.Debugf("sensor %s fault %d: %v", sl.state.ID, sl.state.Faults, err)
	}
}

func (s *Subsystem) usable(i int) bool {
	st := s.slots[i].state
	return st.LastKnownGood.Valid && st.Faults <= s.cfg.ExcludeAfter
}

// caller owns the bus goroutine
func (s *Subsystem) aggregate() types.Aggregate {
	agg := types.Aggregate{At: s.now(), Cycle: s.cycles}
	switch s.cfg.Policy {
	case PolicyPrimary:
		if s.primary >= 0 && s.primary < s.n && s.usable(s.primary) {
			agg.Value, agg.OK = s.slots[s.primary].state.LastKnownGood.Value, true
		}
	case PolicyMax:
		for i := 0; i < s.n; i++ {
			if !s.usable(i) {
				continue
			}
			v := s.slots[i].state.LastKnownGood.Value
			if !agg.OK || v > agg.Value {
				agg.Value = v
			}
			agg.OK = true
		}
	default:
		var sum float32
		var cnt int
		for i := 0; i < s.n; i++ {
			if s.usable(i) {
				sum += s.slots[i].state.LastKnownGood.Value
				cnt++
			}
		}
		if cnt > 0 {
			agg.Value, agg.OK = sum/float32(cnt), true
		}
	}
	return agg
}

func (s *Subsystem) publish(agg types.Aggregate) {
	topo := types.SensorTopology{
		Slots:      make([]types.SensorSlot, s.n),
		Resolution: s.res.Bits(),
		Policy:     string(s.cfg.Policy),
		Cycles:     s.cycles,
	}
	for i := 0; i < s.n; i++ {
		topo.Slots[i] = s.slots[i].state
		topo.Slots[i].Excluded = s.slots[i].state.Faults > s.cfg.ExcludeAfter
	}

	s.mu.Lock()
	s.agg = agg
	s.topo = topo
	s.mu.Unlock()

	if s.pub != nil {
		s.pub.PublishSensors(topo)
	}
}

// Latest returns the most recent aggregate. Safe from any goroutine.
func (s *Subsystem) Latest() types.Aggregate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agg
}

// Topology returns the most recent copy-out view.
func (s *Subsystem) Topology() types.SensorTopology {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topo
}

func (s *Subsystem) Name() string { return "sensor" }

// Run discovers once, then samples every Interval until ctx ends.
func (s *Subsystem) Run(ctx context.Context) error {
	_ = s.Discover(ctx)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		start := s.now()
		if _, err := s.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		timex.ResetTimer(timer, s.cfg.Interval-s.now().Sub(start))
	}
}

func codeOf(err error) errcode.Code {
	switch {
	case errors.Is(err, onewire.ErrNoPresence):
		return errcode.NoPresence
	case errors.Is(err, onewire.ErrBusStuck):
		return errcode.BusStuck
	case errors.Is(err, ds18b20.ErrCRC), errors.Is(err, onewire.ErrCRC):
		return errcode.CRCMismatch
	case errors.Is(err, ds18b20.ErrFamily):
		return errcode.FamilyMismatch
	}
	return errcode.Of(err)
}
