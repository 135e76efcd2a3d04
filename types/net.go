package types

import (
	"errors"
	"time"
)

type NetPhase uint8

const (
	NetDisconnected NetPhase = iota
	NetAssociating
	NetObtainingAddress
	NetConnected
)

var phaseNames = [...]string{"DISCONNECTED", "ASSOCIATING", "OBTAINING_ADDRESS", "CONNECTED"}

func (p NetPhase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "UNKNOWN"
}

func (p NetPhase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *NetPhase) UnmarshalText(b []byte) error {
	for i, n := range phaseNames {
		if n == string(b) {
			*p = NetPhase(i)
			return nil
		}
	}
	return errors.New("unknown phase: " + string(b))
}

// NetworkState is owned by the network session manager.
type NetworkState struct {
	Phase     NetPhase      `json:"phase"`
	Address   string        `json:"address,omitempty"`
	Listen    string        `json:"listen,omitempty"`
	Attempts  int           `json:"attempts"`
	Backoff   time.Duration `json:"backoff_ns"`
	LastError string        `json:"last_error,omitempty"`
	Since     time.Time     `json:"since"`
}
