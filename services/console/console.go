// Package console is the line-oriented operator interface on the serial
// port. It reads and writes the state store only and does not depend on the
// network.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"fanctl-go/bus"
	"fanctl-go/errcode"
	"fanctl-go/services/memlog"
	"fanctl-go/services/state"
	"fanctl-go/x/logx"
	"fanctl-go/x/strx"
	"fanctl-go/x/timex"

	"github.com/google/shlex"
)

var commands = [...][2]string{
	{"status", "setpoint, temperature, output, mode, faults"},
	{"set setpoint <float>", "change the target temperature"},
	{"set pid <kp> <ki> <kd>", "change all three gains at once"},
	{"sensors", "discovered thermometers and their faults"},
	{"net", "network session state"},
	{"log", "in-memory log, oldest first"},
	{"log clear", "empty the in-memory log"},
	{"watch", "status on every control tick until Ctrl-C or Ctrl-D"},
	{"help", "this list"},
}

func helpText() string {
	lines := make([]string, len(commands))
	for i, c := range commands {
		lines[i] = strx.Pad(c[0], 24) + c[1]
	}
	return strings.Join(lines, "\r\n")
}

type Store interface {
	Snapshot() *state.Snapshot
	SetSetpoint(v float32) error
	SetPID(kp, ki, kd float32) error
}

type Logs interface {
	Records() []memlog.Record
	Clear()
}

type Config struct {
	MaxLine    int           `yaml:"max_line"`
	RetryPause time.Duration `yaml:"retry_pause"`
	Prompt     string        `yaml:"prompt"`
	WatchEvery time.Duration `yaml:"watch_every"`
}

func DefaultConfig() Config {
	return Config{MaxLine: 100, RetryPause: time.Second, Prompt: "> ", WatchEvery: time.Second}
}

type Console struct {
	cfg    Config
	store  Store
	logs   Logs
	conn   *bus.Connection
	log    logx.Logger
	banner string
}

type Option func(*Console)

func WithLogger(l logx.Logger) Option    { return func(c *Console) { c.log = logx.Or(l) } }
func WithLogs(l Logs) Option             { return func(c *Console) { c.logs = l } }
func WithBanner(b string) Option         { return func(c *Console) { c.banner = b } }
func WithBus(conn *bus.Connection) Option { return func(c *Console) { c.conn = conn } }

func New(store Store, cfg Config, opts ...Option) *Console {
	d := DefaultConfig()
	if cfg.MaxLine <= 0 {
		cfg.MaxLine = d.MaxLine
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = d.RetryPause
	}
	if cfg.Prompt == "" {
		cfg.Prompt = d.Prompt
	}
	if cfg.WatchEvery <= 0 {
		cfg.WatchEvery = d.WatchEvery
	}
	c := &Console{cfg: cfg, store: store, log: logx.NullLogger{}, banner: "fanctl"}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Console) Name() string { return "console" }

// Run serves the port until ctx ends or the port reaches EOF. A write error
// drops the session and starts a fresh one after RetryPause.
func (c *Console) Run(ctx context.Context, port io.ReadWriter) error {
	in := newLineReader(port, c.cfg.MaxLine)
	for {
		err := c.session(ctx, port, in)
		switch {
		case ctx.Err() != nil, errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, errReadClosed):
			in = newLineReader(port, c.cfg.MaxLine)
		}
		if err != nil {
			c.log.Warnf("serial error: %v", err)
		}
		if timex.Sleep(ctx, c.cfg.RetryPause) != nil {
			return nil
		}
	}
}

var errReadClosed = errors.New("console input closed")

func (c *Console) session(ctx context.Context, w io.Writer, in *lineReader) error {
	if _, err := io.WriteString(w, "\r\n"+c.banner+"\r\n"); err != nil {
		return err
	}
	for {
		if _, err := io.WriteString(w, c.cfg.Prompt); err != nil {
			return err
		}
		var ev input
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-in.Events():
			if !ok {
				return errReadClosed
			}
			ev = e
		}
		switch {
		case ev.err != nil:
			if errors.Is(ev.err, io.EOF) {
				return ev.err
			}
			return fmt.Errorf("%w: %v", errReadClosed, ev.err)
		case ev.intr:
			if _, err := io.WriteString(w, "\r\n"); err != nil {
				return err
			}
			continue
		case ev.long:
			if _, err := fmt.Fprintf(w, "Line too long (max %d bytes)\r\n", c.cfg.MaxLine); err != nil {
				return err
			}
			continue
		}

		var resp string
		if strings.TrimSpace(ev.line) == "watch" {
			if err := c.watch(ctx, w, in); err != nil {
				return err
			}
		} else {
			resp = c.Exec(ev.line)
		}
		if resp != "" {
			if _, err := io.WriteString(w, resp+"\r\n"); err != nil {
				return err
			}
		}
	}
}

// Exec runs one command line and returns the reply. A command either
// applies completely or not at all.
func (c *Console) Exec(line string) string {
	args, err := shlex.Split(line)
	if err != nil {
		return "Parse error: " + err.Error()
	}
	if len(args) == 0 {
		return "Please enter a command"
	}
	switch args[0] {
	case "help":
		return helpText()
	case "status":
		return c.statusLine()
	case "set":
		return c.set(args[1:])
	case "sensors":
		return c.sensors()
	case "net":
		return c.net()
	case "log":
		return c.logCmd(args[1:])
	case "watch":
		return "Unexpected arguments for 'watch'"
	}
	return "Unrecognized command '" + args[0] + "'"
}

func (c *Console) set(args []string) string {
	if len(args) == 0 {
		return "Subcommand required for 'set'"
	}
	switch args[0] {
	case "setpoint":
		if len(args) != 2 {
			return "Usage: set setpoint <float>"
		}
		v, err := parseFloat(args[1])
		if err != nil {
			return "Invalid value '" + args[1] + "' for setpoint"
		}
		if err := c.store.SetSetpoint(v); err != nil {
			return rejected(err)
		}
		c.log.Infof("setpoint set to %.2f from console", v)
		return fmt.Sprintf("Setpoint set to %.2f", v)
	case "pid":
		if len(args) != 4 {
			return "Usage: set pid <kp> <ki> <kd>"
		}
		var g [3]float32
		for i, s := range args[1:] {
			v, err := parseFloat(s)
			if err != nil {
				return "Invalid value '" + s + "' for " + [...]string{"kp", "ki", "kd"}[i]
			}
			g[i] = v
		}
		if err := c.store.SetPID(g[0], g[1], g[2]); err != nil {
			return rejected(err)
		}
		c.log.Infof("gains set to kp=%g ki=%g kd=%g from console", g[0], g[1], g[2])
		return fmt.Sprintf("PID set to kp=%g ki=%g kd=%g", g[0], g[1], g[2])
	}
	return "Invalid subcommand for 'set'"
}

func parseFloat(s string) (float32, error) {
	v, err := strconv.ParseFloat(s, 32)
	return float32(v), err
}

func rejected(err error) string {
	var e *errcode.E
	if errors.As(err, &e) {
		return "Rejected (" + string(e.C) + "): " + e.Msg
	}
	return "Rejected: " + err.Error()
}

func (c *Console) statusLine() string {
	st := state.StatusOf(c.store.Snapshot())
	temp := "--"
	if st.CurrentTemperature != nil {
		temp = fmt.Sprintf("%.2f", *st.CurrentTemperature)
	}
	return fmt.Sprintf("setpoint=%.2f temperature=%s output=%.1f%% mode=%s faults=%d",
		st.Setpoint, temp, st.OutputDuty, st.Mode, st.SensorFaultCount)
}

func (c *Console) sensors() string {
	topo := c.store.Snapshot().Sensors
	if len(topo.Slots) == 0 {
		return "No sensors"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d sensors, %d-bit, policy %s, %d cycles", len(topo.Slots), topo.Resolution, topo.Policy, topo.Cycles)
	for i, sl := range topo.Slots {
		val := "--"
		if sl.LastKnownGood.Valid {
			val = fmt.Sprintf("%.4f", sl.LastKnownGood.Value)
		}
		fmt.Fprintf(&b, "\r\n%d %s %s faults=%d total=%d", i, sl.ID, val, sl.Faults, sl.TotalFaults)
		if sl.Excluded {
			b.WriteString(" excluded")
		}
		if sl.LastError != "" {
			b.WriteString(" last_error=" + sl.LastError)
		}
	}
	return b.String()
}

func (c *Console) net() string {
	n := c.store.Snapshot().Net
	s := n.Phase.String()
	if n.Address != "" {
		s += " " + n.Address
	}
	if n.Listen != "" {
		s += " listening on " + n.Listen
	}
	if n.Attempts > 0 {
		s += fmt.Sprintf(" attempts=%d backoff=%s", n.Attempts, n.Backoff)
	}
	if n.LastError != "" {
		s += " last_error=" + n.LastError
	}
	return s
}

func (c *Console) logCmd(args []string) string {
	if len(args) == 1 && args[0] == "clear" {
		if c.logs != nil {
			c.logs.Clear()
		}
		return "Logs cleared"
	}
	if len(args) > 0 {
		return "Invalid subcommand for 'log'"
	}
	if c.logs == nil {
		return ""
	}
	recs := c.logs.Records()
	lines := make([]string, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		lines = append(lines, recs[i].String())
	}
	return strings.Join(lines, "\r\n")
}

// watch prints a status line on every control update until the operator
// sends Ctrl-C or Ctrl-D.
func (c *Console) watch(ctx context.Context, w io.Writer, in *lineReader) error {
	var updates <-chan *bus.Message
	var tick <-chan time.Time
	if c.conn != nil {
		sub := c.conn.Subscribe(state.TopicControl)
		defer c.conn.Unsubscribe(sub)
		updates = sub.Channel()
	} else {
		t := time.NewTicker(c.cfg.WatchEvery)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-in.Events():
			if !ok {
				return errReadClosed
			}
			if ev.err != nil {
				return ev.err
			}
			if ev.intr {
				return nil
			}
		case _, ok := <-updates:
			if !ok {
				return nil
			}
		case <-tick:
		}
		if _, err := io.WriteString(w, c.statusLine()+"\r\n"); err != nil {
			return err
		}
	}
}
