// Package platform binds the runtime to a board: the 1-Wire data line, the
// fan PWM channel, the console port, the network link and the reset hook.
// Build tags pick the host simulator or the rp2 machine bindings.
package platform

import (
	"errors"
	"io"

	"fanctl-go/drivers/onewire"
	"fanctl-go/services/actuator"
	"fanctl-go/services/netmgr"
	"fanctl-go/services/sched"
)

type Hardware struct {
	Name    string
	OneWire onewire.Bus
	FanPWM  actuator.PWM
	Console io.ReadWriter
	Link    netmgr.Link
	// Reset is called by the scheduler on a fatal fault.
	Reset func(*sched.Fault)
	// Tasks are board-side loops that run alongside the services.
	Tasks []sched.Task

	closers []io.Closer
}

func (h *Hardware) Close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		errs = append(errs, h.closers[i].Close())
	}
	h.closers = nil
	return errors.Join(errs...)
}
