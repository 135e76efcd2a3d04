package sim

import (
	"sync"
	"time"
)

// PlantConfig describes a first-order thermal enclosure cooled by a fan.
type PlantConfig struct {
	Ambient float32       // °C the enclosure relaxes to with the fan off
	Load    float32       // °C rise above ambient produced by the heat source
	Cooling float32       // °C removed at 100 % duty at equilibrium
	Tau     time.Duration // time constant
	Initial float32
}

func DefaultPlant() PlantConfig {
	return PlantConfig{Ambient: 22, Load: 25, Cooling: 20, Tau: 60 * time.Second, Initial: 30}
}

// Plant integrates T' = (Ambient + Load - Cooling*duty - T) / Tau.
type Plant struct {
	mu   sync.Mutex
	cfg  PlantConfig
	temp float32
	duty float32
}

func NewPlant(cfg PlantConfig) *Plant {
	if cfg.Tau <= 0 {
		cfg.Tau = time.Minute
	}
	return &Plant{cfg: cfg, temp: cfg.Initial}
}

// SetDuty records the fan duty in percent.
func (p *Plant) SetDuty(pct float32) {
	p.mu.Lock()
	p.duty = pct
	p.mu.Unlock()
}

func (p *Plant) Duty() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duty
}

func (p *Plant) Step(dt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	target := p.cfg.Ambient + p.cfg.Load - p.cfg.Cooling*p.duty/100
	k := float32(dt.Seconds() / p.cfg.Tau.Seconds())
	if k > 1 {
		k = 1
	}
	p.temp += (target - p.temp) * k
}

// Temperature is suitable as a Thermometer source.
func (p *Plant) Temperature() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.temp
}
