package types

import (
	"encoding/hex"
	"time"
)

// SensorID is a 1-Wire ROM code: family byte, 48-bit serial, CRC-8.
type SensorID [8]byte

func (id SensorID) Family() byte { return id[0] }

// String renders the ROM most-significant byte first, the way it is
// usually printed on datasheets and labels.
func (id SensorID) String() string {
	var rev [8]byte
	for i := range id {
		rev[i] = id[7-i]
	}
	return hex.EncodeToString(rev[:])
}

func (id SensorID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// ParseSensorID is the inverse of String.
func ParseSensorID(s string) (SensorID, error) {
	var id SensorID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, hex.ErrLength
	}
	for i := range id {
		id[i] = b[7-i]
	}
	return id, nil
}

// TemperatureReading is immutable once produced; a newer reading for the
// same sensor supersedes it.
type TemperatureReading struct {
	SensorID   SensorID  `json:"sensor_id"`
	Value      float32   `json:"value"`
	CapturedAt time.Time `json:"captured_at"`
	Valid      bool      `json:"valid"`
}

// SensorSlot is one entry of the fixed-capacity topology arena.
type SensorSlot struct {
	ID            SensorID           `json:"id"`
	LastKnownGood TemperatureReading `json:"last_known_good"`
	Faults        int                `json:"faults"`
	TotalFaults   uint32             `json:"total_faults"`
	LastError     string             `json:"last_error,omitempty"`
	Excluded      bool               `json:"excluded"`
}

// SensorTopology is a copy-out view of the discovered sensors.
type SensorTopology struct {
	Slots      []SensorSlot `json:"slots"`
	Resolution int          `json:"resolution_bits"`
	Policy     string       `json:"policy"`
	Cycles     uint64       `json:"cycles"`
}

// FaultCount sums lifetime fault counters over all slots.
func (t SensorTopology) FaultCount() uint32 {
	var n uint32
	for _, s := range t.Slots {
		n += s.TotalFaults
	}
	return n
}

// Aggregate is what the control loop consumes once per tick.
type Aggregate struct {
	Value float32
	OK    bool
	At    time.Time
	Cycle uint64
}
