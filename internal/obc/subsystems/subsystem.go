// Package subsystems defines the shared contract implemented by every
// simulated spacecraft subsystem (power, thermal, comms).
package subsystems

import "fmt"

// ID identifies one of the simulated subsystems.
type ID int

const (
	Power ID = iota
	Thermal
	Comms
)

func (id ID) String() string {
	names := []string{"Power", "Thermal", "Comms"}
	if int(id) < len(names) {
		return names[id]
	}
	return "Unknown"
}

// FaultType categorizes the severity of a subsystem fault.
type FaultType int

const (
	Degraded FaultType = iota
	Failed
	Offline
)

func (f FaultType) String() string {
	names := []string{"Degraded", "Failed", "Offline"}
	if int(f) < len(names) {
		return names[f]
	}
	return "Unknown"
}

// Fault records a fault occurrence against a subsystem at a point in time.
type Fault struct {
	Subsystem ID        `json:"subsystem"`
	Type      FaultType `json:"fault_type"`
	Timestamp uint64    `json:"timestamp"`
}

// MaxFaults names a bound on the faults carried in a telemetry snapshot;
// packet assembly does not enforce it.
const MaxFaults = 16

// FaultError wraps a FaultType so it can travel through the standard error
// interface while still being recoverable with errors.As.
type FaultError struct {
	Type FaultType
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("subsystem fault: %s", e.Type)
}

// AsFault extracts the FaultType carried by err, if any.
func AsFault(err error) (FaultType, bool) {
	fe, ok := err.(*FaultError)
	if !ok {
		return 0, false
	}
	return fe.Type, true
}

// Subsystem is the uniform contract every simulated subsystem implements.
// Generic methods are expressed per-subsystem (Go lacks associated types),
// this interface documents the shape they share.
type Subsystem interface {
	Update(dtMS uint16) error
	InjectFault(fault FaultType)
	ClearFaults()
	IsHealthy() bool
}
