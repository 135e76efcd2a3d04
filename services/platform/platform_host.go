//go:build !rp2040 && !rp2350

package platform

import (
	"io"
	"os"

	"fanctl-go/errcode"
	"fanctl-go/services/config"
	"fanctl-go/services/netmgr"
	"fanctl-go/services/sched"
	"fanctl-go/x/logx"

	"go.bug.st/serial"
)

type stdio struct {
	io.Reader
	io.Writer
}

// Open builds the host bindings. The host has no 1-Wire master, so the
// segment, plant and fan are always simulated.
func Open(cfg config.PlatformConfig, log logx.Logger) (*Hardware, error) {
	log = logx.Or(log)
	if !cfg.Simulate {
		return nil, &errcode.E{C: errcode.Unsupported, Op: "platform", Msg: "host needs platform.simulate"}
	}
	s := newSimulation(cfg)
	hw := &Hardware{
		Name:    "host-sim",
		OneWire: s.segment,
		FanPWM:  s.pwm,
		Link:    netmgr.NewHostLink(cfg.Interface),
		Tasks:   []sched.Task{s.stepper()},
	}

	if cfg.Serial != "" {
		port, err := serial.Open(cfg.Serial, &serial.Mode{BaudRate: cfg.Baud})
		if err != nil {
			return nil, &errcode.E{C: errcode.Unavailable, Op: "serial " + cfg.Serial, Msg: err.Error(), Err: err}
		}
		hw.Console = port
		hw.closers = append(hw.closers, port)
	} else {
		hw.Console = stdio{os.Stdin, os.Stdout}
	}

	hw.Reset = func(f *sched.Fault) {
		log.Errorf("resetting after fault in %s", f.Task)
		_ = hw.Close()
		os.Exit(3)
	}
	log.Infof("host simulation with %d sensors", cfg.SimSensors)
	return hw, nil
}
