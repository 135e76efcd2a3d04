package netmgr

import (
	"context"
	"net"
	"time"

	"fanctl-go/errcode"

	"golang.org/x/exp/slices"
)

// Probe reports whether an interface is up and which IPv4 addresses it
// holds. An empty name picks the first usable interface, non-loopback first.
type Probe func(name string) (ifname string, up bool, addrs []string, err error)

// HostLink treats an existing OS interface as the link. Association checks
// the interface is up, the address is its first IPv4 address, and Watch
// polls both.
type HostLink struct {
	Interface string
	Poll      time.Duration
	Probe     Probe

	ifname string
	addr   string
}

func NewHostLink(iface string) *HostLink {
	return &HostLink{Interface: iface, Poll: 5 * time.Second, Probe: SystemProbe}
}

func (h *HostLink) Associate(context.Context) error {
	name, up, _, err := h.Probe(h.Interface)
	if err != nil {
		return &errcode.E{C: errcode.Unavailable, Op: "associate", Msg: err.Error(), Err: err}
	}
	if !up {
		return &errcode.E{C: errcode.Unavailable, Op: "associate", Msg: name + " is down"}
	}
	h.ifname = name
	return nil
}

func (h *HostLink) AcquireAddress(context.Context) (string, error) {
	_, up, addrs, err := h.Probe(h.ifname)
	switch {
	case err != nil:
		return "", &errcode.E{C: errcode.Unavailable, Op: "address", Msg: err.Error(), Err: err}
	case !up || len(addrs) == 0:
		return "", &errcode.E{C: errcode.Unavailable, Op: "address", Msg: "no IPv4 address on " + h.ifname}
	}
	h.addr = addrs[0]
	return h.addr, nil
}

func (h *HostLink) Watch(ctx context.Context) error {
	poll := h.Poll
	if poll <= 0 {
		poll = 5 * time.Second
	}
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		_, up, addrs, err := h.Probe(h.ifname)
		if err != nil {
			return &errcode.E{C: errcode.Unavailable, Op: "watch", Msg: err.Error(), Err: err}
		}
		if !up || !slices.Contains(addrs, h.addr) {
			return &errcode.E{C: errcode.Unavailable, Op: "watch", Msg: h.ifname + " lost " + h.addr}
		}
	}
}

// SystemProbe reads the host's interface table.
func SystemProbe(name string) (string, bool, []string, error) {
	if name != "" {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return name, false, nil, err
		}
		return describe(ifi)
	}
	ifs, err := net.Interfaces()
	if err != nil {
		return "", false, nil, err
	}
	var loop *net.Interface
	for i := range ifs {
		ifi := &ifs[i]
		if ifi.Flags&net.FlagUp == 0 {
			continue
		}
		if ifi.Flags&net.FlagLoopback != 0 {
			if loop == nil {
				loop = ifi
			}
			continue
		}
		if n, up, addrs, err := describe(ifi); err == nil && len(addrs) > 0 {
			return n, up, addrs, nil
		}
	}
	if loop != nil {
		return describe(loop)
	}
	return "", false, nil, &errcode.E{C: errcode.NotFound, Op: "probe", Msg: "no usable interface"}
}

func describe(ifi *net.Interface) (string, bool, []string, error) {
	as, err := ifi.Addrs()
	if err != nil {
		return ifi.Name, false, nil, err
	}
	var v4 []string
	for _, a := range as {
		if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
			v4 = append(v4, ipn.IP.String())
		}
	}
	return ifi.Name, ifi.Flags&net.FlagUp != 0, v4, nil
}
