// Package state is the single source of truth for live telemetry and control
// parameters. Every write builds a new immutable Snapshot and publishes it
// with one atomic pointer swap, so readers never see fields from two
// different updates.
//
// Field groups have one writer each:
//
//	Params   web and console, through the validated Set* methods
//	Control  the control loop (PublishControl)
//	Sensors  the sensor subsystem (PublishSensors)
//	Net      the network session manager (PublishNetwork)
package state

import (
	"sync"
	"sync/atomic"
	"time"

	"fanctl-go/bus"
	"fanctl-go/types"
)

// Retained bus topics mirroring each field group.
var (
	TopicParams  = bus.T("state", "params")
	TopicControl = bus.T("state", "control")
	TopicSensors = bus.T("state", "sensors")
	TopicNet     = bus.T("state", "net")
)

// Snapshot is never mutated after publication.
type Snapshot struct {
	Version uint64
	Boot    string
	Params  types.ControlParameters
	Control types.ControlState
	Sensors types.SensorTopology
	Net     types.NetworkState
}

func DefaultParams() types.ControlParameters {
	return types.ControlParameters{
		Setpoint:  35,
		OutputMin: 0,
		OutputMax: 100,
	}
}

type Store struct {
	snap   atomic.Pointer[Snapshot]
	mu     sync.Mutex // serializes copy-and-swap writers
	limits Limits
	conn   *bus.Connection
	now    func() time.Time
}

type Option func(*Store)

// WithBus mirrors every publish as a retained message.
func WithBus(conn *bus.Connection) Option {
	return func(s *Store) { s.conn = conn }
}

func WithLimits(l Limits) Option {
	return func(s *Store) { s.limits = l }
}

func WithBoot(id string) Option {
	return func(s *Store) { s.snap.Load().Boot = id }
}

// New initializes the store with the given parameters, which must satisfy
// the limits. Control starts in WARMUP and the network DISCONNECTED.
func New(params types.ControlParameters, opts ...Option) (*Store, error) {
	s := &Store{limits: DefaultLimits(), now: time.Now}
	initial := &Snapshot{
		Params: params,
		Control: types.ControlState{
			Mode: types.ModeWarmup,
		},
		Net: types.NetworkState{Phase: types.NetDisconnected},
	}
	s.snap.Store(initial)
	for _, o := range opts {
		o(s)
	}
	if err := Validate(params, s.limits); err != nil {
		return nil, err
	}
	initial.Net.Since = s.now()
	s.publish(initial, TopicParams, TopicControl, TopicSensors, TopicNet)
	return s, nil
}

// Snapshot returns the current consistent view. Callers must not modify it.
func (s *Store) Snapshot() *Snapshot { return s.snap.Load() }

func (s *Store) Params() types.ControlParameters { return s.snap.Load().Params }

func (s *Store) Limits() Limits { return s.limits }

// update copies the current snapshot, applies fn and swaps it in. fn returns
// an error to abandon the write.
func (s *Store) update(fn func(*Snapshot) error, topics ...bus.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *s.snap.Load()
	if err := fn(&next); err != nil {
		return err
	}
	next.Version++
	s.snap.Store(&next)
	s.publish(&next, topics...)
	return nil
}

func (s *Store) publish(snap *Snapshot, topics ...bus.Topic) {
	if s.conn == nil {
		return
	}
	for _, t := range topics {
		var payload any
		switch t[1] {
		case "params":
			payload = snap.Params
		case "control":
			payload = snap.Control
		case "sensors":
			payload = snap.Sensors
		case "net":
			payload = snap.Net
		}
		s.conn.Publish(s.conn.NewMessage(t, payload, true))
	}
}

// SetParams validates and replaces all control parameters at once.
func (s *Store) SetParams(p types.ControlParameters) error {
	if err := Validate(p, s.limits); err != nil {
		return err
	}
	return s.update(func(n *Snapshot) error {
		n.Params = p
		return nil
	}, TopicParams)
}

// SetSetpoint changes only the setpoint.
func (s *Store) SetSetpoint(v float32) error {
	return s.update(func(n *Snapshot) error {
		p := n.Params
		p.Setpoint = v
		if err := Validate(p, s.limits); err != nil {
			return err
		}
		n.Params = p
		return nil
	}, TopicParams)
}

// SetPID changes the three gains together.
func (s *Store) SetPID(kp, ki, kd float32) error {
	return s.update(func(n *Snapshot) error {
		p := n.Params
		p.Kp, p.Ki, p.Kd = kp, ki, kd
		if err := Validate(p, s.limits); err != nil {
			return err
		}
		n.Params = p
		return nil
	}, TopicParams)
}

func (s *Store) PublishControl(cs types.ControlState) {
	_ = s.update(func(n *Snapshot) error {
		n.Control = cs
		return nil
	}, TopicControl)
}

func (s *Store) PublishSensors(t types.SensorTopology) {
	_ = s.update(func(n *Snapshot) error {
		n.Sensors = t
		return nil
	}, TopicSensors)
}

func (s *Store) PublishNetwork(ns types.NetworkState) {
	_ = s.update(func(n *Snapshot) error {
		n.Net = ns
		return nil
	}, TopicNet)
}

// Status renders the public status view from one snapshot.
func (s *Store) Status() types.Status {
	return StatusOf(s.snap.Load())
}

func StatusOf(snap *Snapshot) types.Status {
	st := types.Status{
		Setpoint:         snap.Params.Setpoint,
		OutputDuty:       snap.Control.LastOutput,
		Mode:             snap.Control.Mode,
		SensorFaultCount: snap.Sensors.FaultCount(),
	}
	if snap.Control.Mode != types.ModeWarmup {
		t := snap.Control.FilteredTemperature
		st.CurrentTemperature = &t
	}
	return st
}
