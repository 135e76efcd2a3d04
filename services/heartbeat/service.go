// Package heartbeat emits a periodic liveness record with uptime and heap
// figures. The interval follows the retained config/heartbeat section.
package heartbeat

import (
	"context"
	"runtime"
	"time"

	"fanctl-go/bus"
	"fanctl-go/types"
	"fanctl-go/x/logx"
)

var (
	topicConfigHeartbeat = bus.T("config", "heartbeat")
	// Topic carries one types.Heartbeat per beat.
	Topic = bus.T("heartbeat")
)

const minInterval = 10 * time.Millisecond

type Config struct {
	Interval time.Duration `yaml:"interval"`
}

func DefaultConfig() Config { return Config{Interval: 10 * time.Second} }

type Service struct {
	conn     *bus.Connection
	log      logx.Logger
	boot     string
	start    time.Time
	interval time.Duration
	seq      uint64
}

type Option func(*Service)

func WithLogger(l logx.Logger) Option { return func(s *Service) { s.log = logx.Or(l) } }

// New builds the service. boot identifies this power cycle in every record.
func New(conn *bus.Connection, boot string, opts ...Option) *Service {
	s := &Service{
		conn:     conn,
		log:      logx.NullLogger{},
		boot:     boot,
		start:    time.Now(),
		interval: DefaultConfig().Interval,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Name() string { return "heartbeat" }

func (s *Service) Run(ctx context.Context) error {
	cfgSub := s.conn.Subscribe(topicConfigHeartbeat)
	defer s.conn.Unsubscribe(cfgSub)

	tick := time.NewTicker(s.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Infof("heartbeat service stopping")
			return nil
		case <-tick.C:
			s.beat()
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				return nil
			}
			if iv, ok := intervalOf(msg.Payload); ok && iv != s.interval {
				s.interval = iv
				tick.Reset(iv)
				s.log.Infof("heartbeat interval set to %s", iv)
			}
		}
	}
}

// intervalOf accepts the typed section or a decoded map with interval in
// seconds.
func intervalOf(p any) (time.Duration, bool) {
	var iv time.Duration
	switch v := p.(type) {
	case Config:
		iv = v.Interval
	case map[string]any:
		f, ok := v["interval"].(float64)
		if !ok {
			return 0, false
		}
		iv = time.Duration(f * float64(time.Second))
	default:
		return 0, false
	}
	if iv < minInterval {
		return 0, false
	}
	return iv, true
}

func (s *Service) beat() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.seq++
	hb := types.Heartbeat{
		Boot:     s.boot,
		UptimeMs: time.Since(s.start).Milliseconds(),
		Seq:      s.seq,
		HeapUsed: ms.HeapAlloc,
		HeapSys:  ms.HeapSys,
	}
	s.log.Debugf("heartbeat seq=%d uptime=%s heap=%d/%d", hb.Seq,
		time.Duration(hb.UptimeMs)*time.Millisecond, hb.HeapUsed, hb.HeapSys)
	s.conn.Publish(s.conn.NewMessage(Topic, hb, false))
}
