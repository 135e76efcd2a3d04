package platform

import (
	"context"
	"time"

	"fanctl-go/errcode"
	"fanctl-go/internal/sim"
	"fanctl-go/services/config"
	"fanctl-go/services/sched"
)

const plantStep = 100 * time.Millisecond

// simulation is an in-memory segment of thermometers sampling one plant,
// cooled by a fan whose PWM feeds back into the plant.
type simulation struct {
	plant   *sim.Plant
	segment *sim.Segment
	pwm     *plantPWM
	therms  []*sim.Thermometer
}

func newSimulation(cfg config.PlatformConfig) *simulation {
	pc := sim.DefaultPlant()
	if cfg.SimAmbient > 0 {
		pc.Ambient = cfg.SimAmbient
	}
	s := &simulation{plant: sim.NewPlant(pc)}
	s.segment = sim.NewSegment()
	for i := 0; i < cfg.SimSensors; i++ {
		t := sim.NewThermometer(uint64(0x5eed00+i), s.plant.Temperature)
		t.SetOffset(float32(i) * 0.25)
		s.segment.Attach(t)
		s.therms = append(s.therms, t)
	}
	s.pwm = &plantPWM{plant: s.plant}
	return s
}

// stepper advances the plant in wall-clock time.
func (s *simulation) stepper() sched.Task {
	return sched.Func{N: "plant", F: func(ctx context.Context) error {
		t := time.NewTicker(plantStep)
		defer t.Stop()
		last := time.Now()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-t.C:
				s.plant.Step(now.Sub(last))
				last = now
			}
		}
	}}
}

type plantPWM struct {
	plant *sim.Plant
	top   uint16
}

func (p *plantPWM) Configure(_ uint64, top uint16) error {
	if top == 0 {
		return &errcode.E{C: errcode.InvalidParams, Op: "pwm", Msg: "top must be positive"}
	}
	p.top = top
	return nil
}

func (p *plantPWM) Set(level uint16) {
	if p.top == 0 {
		return
	}
	if level > p.top {
		level = p.top
	}
	p.plant.SetDuty(float32(level) * 100 / float32(p.top))
}
