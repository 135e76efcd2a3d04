// Package telemetry pushes the status view and heartbeats to an MQTT broker
// while the network session is CONNECTED. It only reads the store.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fanctl-go/bus"
	"fanctl-go/errcode"
	"fanctl-go/services/heartbeat"
	"fanctl-go/services/state"
	"fanctl-go/types"
	"fanctl-go/x/logx"
	"fanctl-go/x/strx"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Config struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	Interval       time.Duration `yaml:"interval"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       "fanctl",
		TopicPrefix:    "fanctl",
		Interval:       10 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

func (c *Config) ensureDefaults() {
	d := DefaultConfig()
	c.Broker = strx.Coalesce(c.Broker, d.Broker)
	c.ClientID = strx.Coalesce(c.ClientID, d.ClientID)
	c.TopicPrefix = strx.Coalesce(c.TopicPrefix, d.TopicPrefix)
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.QoS > 2 {
		c.QoS = 0
	}
}

// Report is the periodic status record.
type Report struct {
	Boot string    `json:"boot"`
	At   time.Time `json:"at"`
	types.Status
}

// Client is the broker connection the uplink publishes through.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload any) error
	IsConnected() bool
	Disconnect(quiesceMs uint)
}

// Dialer opens a Client. will is the availability topic that the broker
// sets to "offline" if the connection drops.
type Dialer func(cfg Config, will string) (Client, error)

type StatusSource interface {
	Status() types.Status
}

type Uplink struct {
	cfg    Config
	conn   *bus.Connection
	src    StatusSource
	boot   string
	dial   Dialer
	log    logx.Logger
	now    func() time.Time
	client Client
	linkUp bool
}

type Option func(*Uplink)

func WithLogger(l logx.Logger) Option { return func(u *Uplink) { u.log = logx.Or(l) } }
func WithDialer(d Dialer) Option      { return func(u *Uplink) { u.dial = d } }

func New(cfg Config, conn *bus.Connection, src StatusSource, boot string, opts ...Option) *Uplink {
	cfg.ensureDefaults()
	u := &Uplink{
		cfg:  cfg,
		conn: conn,
		src:  src,
		boot: boot,
		dial: DialPaho,
		log:  logx.NullLogger{},
		now:  time.Now,
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

func (u *Uplink) Name() string { return "telemetry" }

func (u *Uplink) topic(leaf string) string { return u.cfg.TopicPrefix + "/" + leaf }

// Run follows state/net: it connects when the session reaches CONNECTED and
// disconnects when it leaves. Broker failures are logged and retried on the
// next report tick; they never fault the task.
func (u *Uplink) Run(ctx context.Context) error {
	if !u.cfg.Enabled {
		u.log.Infof("telemetry disabled")
		return nil
	}
	netSub := u.conn.Subscribe(state.TopicNet)
	defer u.conn.Unsubscribe(netSub)
	hbSub := u.conn.Subscribe(heartbeat.Topic)
	defer u.conn.Unsubscribe(hbSub)
	defer u.disconnect()

	tick := time.NewTicker(u.cfg.Interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-netSub.Channel():
			if !ok {
				return nil
			}
			ns, _ := m.Payload.(types.NetworkState)
			u.linkUp = ns.Phase == types.NetConnected
			if u.linkUp {
				u.connect()
			} else {
				u.disconnect()
			}
		case m, ok := <-hbSub.Channel():
			if !ok {
				return nil
			}
			u.send(u.topic("heartbeat"), m.Payload, false)
		case <-tick.C:
			if u.linkUp && u.client == nil {
				u.connect()
			}
			u.report()
		}
	}
}

func (u *Uplink) connect() {
	if u.client != nil {
		return
	}
	c, err := u.dial(u.cfg, u.topic("availability"))
	if err != nil {
		u.log.Warnf("broker %s: %v", u.cfg.Broker, err)
		return
	}
	u.client = c
	u.log.Infof("connected to %s", u.cfg.Broker)
	u.send(u.topic("availability"), "online", true)
	u.report()
}

func (u *Uplink) disconnect() {
	if u.client == nil {
		return
	}
	u.send(u.topic("availability"), "offline", true)
	u.client.Disconnect(250)
	u.client = nil
	u.log.Infof("disconnected from %s", u.cfg.Broker)
}

func (u *Uplink) report() {
	if u.client == nil {
		return
	}
	u.send(u.topic("status"), Report{Boot: u.boot, At: u.now(), Status: u.src.Status()}, false)
}

func (u *Uplink) send(topic string, payload any, retained bool) {
	if u.client == nil {
		return
	}
	if err := u.client.Publish(topic, u.cfg.QoS, retained, payload); err != nil {
		u.log.Warnf("publish %s: %v", topic, err)
	}
}

// -----------------------------------------------------------------------------
// paho client
// -----------------------------------------------------------------------------

type pahoClient struct {
	c       mqtt.Client
	timeout time.Duration
}

// DialPaho connects with auto-reconnect and an "offline" last will.
func DialPaho(cfg Config, will string) (Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetWill(will, "offline", cfg.QoS, true)

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(cfg.ConnectTimeout) {
		c.Disconnect(0)
		return nil, &errcode.E{C: errcode.Timeout, Op: "mqtt connect", Msg: cfg.Broker}
	}
	if err := tok.Error(); err != nil {
		return nil, &errcode.E{C: errcode.Unavailable, Op: "mqtt connect", Msg: err.Error(), Err: err}
	}
	return &pahoClient{c: c, timeout: cfg.ConnectTimeout}, nil
}

func (p *pahoClient) Publish(topic string, qos byte, retained bool, payload any) error {
	var b []byte
	switch v := payload.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		var err error
		if b, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}
	tok := p.c.Publish(topic, qos, retained, b)
	if !tok.WaitTimeout(p.timeout) {
		return &errcode.E{C: errcode.Timeout, Op: "mqtt publish", Msg: topic}
	}
	return tok.Error()
}

func (p *pahoClient) IsConnected() bool { return p.c.IsConnected() }

func (p *pahoClient) Disconnect(quiesceMs uint) { p.c.Disconnect(quiesceMs) }
