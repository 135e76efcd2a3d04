//go:build rp2040 || rp2350

package platform

import (
	"context"
	"machine"
	"runtime/interrupt"
	"time"

	"fanctl-go/drivers/onewire"
	"fanctl-go/errcode"
	"fanctl-go/services/config"
	"fanctl-go/services/sched"
	"fanctl-go/x/logx"
	"fanctl-go/x/timex"

	"github.com/jangala-dev/tinygo-uartx/uartx"
)

// Open builds the Pico bindings: a bit-banged 1-Wire master on one GPIO, a
// hardware PWM channel for the fan and UART0 for the console. The board has
// no radio, so the link never associates.
func Open(cfg config.PlatformConfig, log logx.Logger) (*Hardware, error) {
	log = logx.Or(log)
	if cfg.OneWire < 0 || cfg.OneWire > 28 || cfg.FanPWM < 0 || cfg.FanPWM > 28 {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "platform", Msg: "pins must be GP0..GP28"}
	}
	line := &rp2Line{p: machine.Pin(cfg.OneWire)}
	line.Release()
	master := onewire.NewMaster(line, onewire.MasterConfig{Delay: busyWait, Critical: critical})

	pwm, err := newRP2PWM(cfg.FanPWM)
	if err != nil {
		return nil, err
	}

	u := uartx.UART0
	if err := u.Configure(uartx.UARTConfig{
		BaudRate: uint32(cfg.Baud),
		TX:       machine.UART0_TX_PIN,
		RX:       machine.UART0_RX_PIN,
	}); err != nil {
		return nil, &errcode.E{C: errcode.Unavailable, Op: "uart0", Msg: err.Error(), Err: err}
	}

	return &Hardware{
		Name:    "pico",
		OneWire: master,
		FanPWM:  pwm,
		Console: &rp2Serial{u: u},
		Link:    noLink{},
		Reset: func(f *sched.Fault) {
			log.Errorf("resetting after fault in %s", f.Task)
			time.Sleep(100 * time.Millisecond) // let the UART drain
			machine.CPUReset()
		},
	}, nil
}

// ---- 1-Wire line ----

// rp2Line drives the pin low as an output and releases it by switching to
// input with the pull-up enabled.
type rp2Line struct{ p machine.Pin }

func (l *rp2Line) Low() {
	l.p.Configure(machine.PinConfig{Mode: machine.PinOutput})
	l.p.Low()
}

func (l *rp2Line) Release()   { l.p.Configure(machine.PinConfig{Mode: machine.PinInputPullup}) }
func (l *rp2Line) High() bool { return l.p.Get() }

// busyWait spins; time.Sleep granularity is too coarse for 1-Wire slots.
func busyWait(us uint32) {
	end := time.Now().Add(time.Duration(us) * time.Microsecond)
	for time.Now().Before(end) {
	}
}

func critical(fn func()) {
	st := interrupt.Disable()
	fn()
	interrupt.Restore(st)
}

// ---- PWM ----

type pwmCtrl interface {
	Configure(cfg machine.PWMConfig) error
	Channel(pin machine.Pin) (uint8, error)
	Top() uint32
	Set(channel uint8, value uint32)
}

func pwmGroupBySlice(slice uint8) pwmCtrl {
	switch slice {
	case 0:
		return machine.PWM0
	case 1:
		return machine.PWM1
	case 2:
		return machine.PWM2
	case 3:
		return machine.PWM3
	case 4:
		return machine.PWM4
	case 5:
		return machine.PWM5
	case 6:
		return machine.PWM6
	default:
		return machine.PWM7
	}
}

// rp2PWM scales a logical level 0..top onto the slice counter.
type rp2PWM struct {
	pin   machine.Pin
	ctrl  pwmCtrl
	ch    uint8
	top   uint16
	hwTop uint32
}

func newRP2PWM(n int) (*rp2PWM, error) {
	pin := machine.Pin(n)
	slice, err := machine.PWMPeripheral(pin)
	if err != nil {
		return nil, &errcode.E{C: errcode.Unsupported, Op: "pwm", Msg: err.Error(), Err: err}
	}
	return &rp2PWM{pin: pin, ctrl: pwmGroupBySlice(slice)}, nil
}

func (p *rp2PWM) Configure(freqHz uint64, top uint16) error {
	if freqHz == 0 || top == 0 {
		return &errcode.E{C: errcode.InvalidParams, Op: "pwm", Msg: "frequency and top must be positive"}
	}
	if err := p.ctrl.Configure(machine.PWMConfig{Period: timex.PeriodFromHz(freqHz)}); err != nil {
		return err
	}
	ch, err := p.ctrl.Channel(p.pin)
	if err != nil {
		return err
	}
	p.ch, p.top, p.hwTop = ch, top, p.ctrl.Top()
	return nil
}

func (p *rp2PWM) Set(level uint16) {
	if p.top == 0 {
		return
	}
	if level > p.top {
		level = p.top
	}
	p.ctrl.Set(p.ch, uint32(level)*p.hwTop/uint32(p.top))
}

// ---- console UART ----

type rp2Serial struct{ u *uartx.UART }

func (s *rp2Serial) Write(b []byte) (int, error) { return s.u.Write(b) }
func (s *rp2Serial) Read(b []byte) (int, error) {
	return s.u.RecvSomeContext(context.Background(), b)
}

// ---- link ----

type noLink struct{}

func (noLink) Associate(context.Context) error {
	return &errcode.E{C: errcode.Unsupported, Op: "link", Msg: "no radio on this board"}
}

func (noLink) AcquireAddress(context.Context) (string, error) { return "", errcode.Unsupported }
func (noLink) Watch(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
