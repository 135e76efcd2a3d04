// Package netmgr owns the network session:
//
//	DISCONNECTED -> ASSOCIATING -> OBTAINING_ADDRESS -> CONNECTED
//
// A failed step waits out an exponential backoff and starts again at
// ASSOCIATING. While CONNECTED the manager owns the TCP listener and lends
// it to the web server as a Session; link loss closes it and drops back to
// DISCONNECTED.
package netmgr

import (
	"context"
	"net"
	"strconv"
	"time"

	"fanctl-go/errcode"
	"fanctl-go/types"
	"fanctl-go/x/logx"
	"fanctl-go/x/timex"
)

// Link is the radio or interface driver.
type Link interface {
	Associate(ctx context.Context) error
	AcquireAddress(ctx context.Context) (string, error)
	// Watch blocks while the link is up. It returns an error on link loss
	// and nil when ctx ends.
	Watch(ctx context.Context) error
}

// Publisher receives every phase change.
type Publisher interface {
	PublishNetwork(types.NetworkState)
}

// Session is valid until Done closes; the listener is closed by then.
type Session struct {
	Listener net.Listener
	Address  string
	Done     <-chan struct{}
}

type Config struct {
	Port           int           `yaml:"port"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	StepTimeout    time.Duration `yaml:"step_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Port:           8080,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		StepTimeout:    15 * time.Second,
	}
}

func (c *Config) ensureDefaults() {
	d := DefaultConfig()
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = d.Port
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(d.MaxBackoff, c.InitialBackoff)
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = d.StepTimeout
	}
}

// Backoff doubles from Initial up to Max.
type Backoff struct {
	Initial, Max time.Duration
	next         time.Duration
}

func (b *Backoff) Next() time.Duration {
	if b.next == 0 {
		b.next = b.Initial
	}
	d := b.next
	b.next = min(b.next*2, b.Max)
	return d
}

func (b *Backoff) Reset() { b.next = 0 }

type Manager struct {
	cfg      Config
	link     Link
	pubs     []Publisher
	log      logx.Logger
	listen   func(network, addr string) (net.Listener, error)
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	sessions chan Session
	st       types.NetworkState
}

type Option func(*Manager)

func WithLogger(l logx.Logger) Option  { return func(m *Manager) { m.log = logx.Or(l) } }
func WithPublisher(p Publisher) Option { return func(m *Manager) { m.pubs = append(m.pubs, p) } }

func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(m *Manager) { m.sleep = fn }
}

func WithListen(fn func(network, addr string) (net.Listener, error)) Option {
	return func(m *Manager) { m.listen = fn }
}

func New(link Link, cfg Config, opts ...Option) *Manager {
	cfg.ensureDefaults()
	m := &Manager{
		cfg:      cfg,
		link:     link,
		log:      logx.NullLogger{},
		listen:   net.Listen,
		sleep:    timex.Sleep,
		now:      time.Now,
		sessions: make(chan Session, 1),
		st:       types.NetworkState{Phase: types.NetDisconnected},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Name() string { return "netmgr" }

// Sessions delivers one Session per CONNECTED period.
func (m *Manager) Sessions() <-chan Session { return m.sessions }

// State is the manager's own copy; read it only after Run returns.
func (m *Manager) State() types.NetworkState { return m.st }

func (m *Manager) enter(p types.NetPhase) {
	if m.st.Phase != p {
		m.log.Debugf("%s -> %s", m.st.Phase, p)
		m.st.Since = m.now()
	}
	m.st.Phase = p
	if p != types.NetConnected {
		m.st.Address, m.st.Listen = "", ""
	}
	for _, pub := range m.pubs {
		pub.PublishNetwork(m.st)
	}
}

func (m *Manager) step(ctx context.Context, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.StepTimeout)
	defer cancel()
	err := fn(sctx)
	if err != nil && sctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return &errcode.E{C: errcode.Timeout, Op: "net", Msg: err.Error(), Err: err}
	}
	return err
}

// Run drives the state machine until ctx ends. Failures never escape: they
// are published as LastError and retried.
func (m *Manager) Run(ctx context.Context) error {
	var bo Backoff
	bo.Initial, bo.Max = m.cfg.InitialBackoff, m.cfg.MaxBackoff
	m.enter(types.NetDisconnected)

	for ctx.Err() == nil {
		m.st.Attempts++
		if err := m.connect(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			m.st.LastError = err.Error()
			m.st.Backoff = bo.Next()
			m.log.Warnf("attempt %d failed: %v; retrying in %s", m.st.Attempts, err, m.st.Backoff)
			m.enter(types.NetAssociating)
			if m.sleep(ctx, m.st.Backoff) != nil {
				break
			}
			continue
		}
		bo.Reset()
		if m.sleep(ctx, m.cfg.InitialBackoff) != nil {
			break
		}
	}
	m.enter(types.NetDisconnected)
	return nil
}

// connect runs one association attempt and, once CONNECTED, holds the
// session until the link drops. A nil return means the session ended
// after connecting.
func (m *Manager) connect(ctx context.Context) error {
	m.enter(types.NetAssociating)
	if err := m.step(ctx, m.link.Associate); err != nil {
		return err
	}

	m.enter(types.NetObtainingAddress)
	var addr string
	err := m.step(ctx, func(c context.Context) (e error) {
		addr, e = m.link.AcquireAddress(c)
		return e
	})
	if err != nil {
		return err
	}

	ln, err := m.listen("tcp", net.JoinHostPort(addr, strconv.Itoa(m.cfg.Port)))
	if err != nil {
		return &errcode.E{C: errcode.Unavailable, Op: "net", Msg: "listen", Err: err}
	}
	done := make(chan struct{})
	m.st.Address, m.st.Listen = addr, ln.Addr().String()
	m.st.Attempts, m.st.Backoff, m.st.LastError = 0, 0, ""
	m.enter(types.NetConnected)
	m.log.Infof("connected as %s, serving on %s", addr, m.st.Listen)

	select {
	case <-m.sessions: // never picked up; already closed
	default:
	}
	select {
	case m.sessions <- Session{Listener: ln, Address: addr, Done: done}:
	case <-ctx.Done():
	}

	werr := m.link.Watch(ctx)
	ln.Close()
	close(done)
	if werr != nil {
		m.st.LastError = werr.Error()
		m.log.Warnf("link lost: %v", werr)
	}
	m.enter(types.NetDisconnected)
	return nil
}
