// Package faultinjector probabilistically injects and recovers subsystem
// faults using a deterministic pseudo-random generator, so fault scenarios
// are reproducible across runs given the same seed.
package faultinjector

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/saint0x/satbus-go/internal/obc/subsystems"
)

const (
	maxActiveFaults = 8

	powerFaultRatePercent   = 0.3
	thermalFaultRatePercent = 0.5
	commsFaultRatePercent   = 0.7

	degradedWeight = 70
	failedWeight   = 25
	offlineWeight  = 5

	minFaultDurationS      = 10
	maxFaultDurationS      = 60
	permanentFaultProbability = 0.2

	permanentDuration = ^uint32(0)

	lcgMultiplier = 1664525
	lcgIncrement  = 1013904223
	defaultSeed   = 0x123456789ABCDEF0
)

// Action describes a fault-injector decision for one subsystem this tick:
// either a new fault to apply, or a recovery (nil Fault) to clear one.
type Action struct {
	Subsystem subsystems.ID
	Fault     *subsystems.FaultType
}

// ActiveFault tracks a currently-injected fault's remaining lifetime.
type ActiveFault struct {
	Fault              subsystems.Fault
	DurationRemainingS uint32
	AutoRecoverable    bool
	InjectedAtCycle    uint64
}

// Stats accumulates fault-injection statistics for telemetry reporting.
type Stats struct {
	TotalFaultsInjected  uint32 `json:"total_faults_injected"`
	PowerFaultsInjected  uint32 `json:"power_faults_injected"`
	ThermalFaultsInjected uint32 `json:"thermal_faults_injected"`
	CommsFaultsInjected  uint32 `json:"comms_faults_injected"`
	DegradedFaults       uint32 `json:"degraded_faults"`
	FailedFaults         uint32 `json:"failed_faults"`
	OfflineFaults        uint32 `json:"offline_faults"`
	AutoRecoveredFaults  uint32 `json:"auto_recovered_faults"`
	ManualClearedFaults  uint32 `json:"manual_cleared_faults"`
	CurrentActiveFaults  uint8  `json:"current_active_faults"`
}

// Config tunes fault injection rates, weights and durations.
type Config struct {
	Enabled              bool
	PowerRatePercent     float64
	ThermalRatePercent   float64
	CommsRatePercent     float64
	DegradedWeight       uint8
	FailedWeight         uint8
	OfflineWeight        uint8
	MinDurationS         uint32
	MaxDurationS         uint32
	PermanentProbability float64
}

// DefaultConfig returns the production fault-injector configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		PowerRatePercent:     powerFaultRatePercent,
		ThermalRatePercent:   thermalFaultRatePercent,
		CommsRatePercent:     commsFaultRatePercent,
		DegradedWeight:       degradedWeight,
		FailedWeight:         failedWeight,
		OfflineWeight:        offlineWeight,
		MinDurationS:         minFaultDurationS,
		MaxDurationS:         maxFaultDurationS,
		PermanentProbability: permanentFaultProbability,
	}
}

// Injector is the probabilistic fault injection engine.
type Injector struct {
	mu sync.Mutex

	cfg          Config
	activeFaults []ActiveFault
	stats        Stats
	cycleCount   uint64
	rngState     uint64

	logger *logrus.Logger
}

// New constructs a fault injector with the default configuration and the
// fixed deterministic seed.
func New(logger *logrus.Logger) *Injector {
	return NewWithConfig(DefaultConfig(), logger)
}

// NewWithConfig constructs a fault injector with an explicit configuration.
func NewWithConfig(cfg Config, logger *logrus.Logger) *Injector {
	return &Injector{
		cfg:      cfg,
		rngState: defaultSeed,
		logger:   logger,
	}
}

func (fi *Injector) nextRandom() uint64 {
	fi.rngState = fi.rngState*lcgMultiplier + lcgIncrement
	return fi.rngState
}

func (fi *Injector) randomU8() uint8 {
	return uint8(fi.nextRandom() >> 24)
}

func (fi *Injector) randomU32() uint32 {
	return uint32(fi.nextRandom() >> 16)
}

func (fi *Injector) randomFloat() float64 {
	return float64(fi.nextRandom()>>40) / float64(1<<24)
}

// Update runs one fault-injection cycle and returns the actions the
// orchestrator should apply to its subsystems.
func (fi *Injector) Update(currentTimeMS uint64) []Action {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	if !fi.cfg.Enabled {
		return nil
	}

	fi.cycleCount++
	var actions []Action

	fi.updateActiveFaults(&actions)
	fi.attemptFaultInjection(currentTimeMS, &actions)

	fi.stats.CurrentActiveFaults = uint8(len(fi.activeFaults))
	return actions
}

func (fi *Injector) updateActiveFaults(actions *[]Action) {
	var recovered []int

	for i := range fi.activeFaults {
		af := &fi.activeFaults[i]
		if !af.AutoRecoverable {
			continue
		}
		if af.DurationRemainingS > 0 {
			af.DurationRemainingS--
		} else {
			recovered = append(recovered, i)
			if len(*actions) >= maxActiveFaults {
				break
			}
			*actions = append(*actions, Action{Subsystem: af.Fault.Subsystem, Fault: nil})
		}
	}

	for i := len(recovered) - 1; i >= 0; i-- {
		idx := recovered[i]
		fi.activeFaults[idx] = fi.activeFaults[len(fi.activeFaults)-1]
		fi.activeFaults = fi.activeFaults[:len(fi.activeFaults)-1]
		fi.stats.AutoRecoveredFaults++
	}
}

func (fi *Injector) attemptFaultInjection(currentTimeMS uint64, actions *[]Action) {
	type candidate struct {
		id   subsystems.ID
		rate float64
	}
	subsystemsToCheck := []candidate{
		{subsystems.Power, fi.cfg.PowerRatePercent},
		{subsystems.Thermal, fi.cfg.ThermalRatePercent},
		{subsystems.Comms, fi.cfg.CommsRatePercent},
	}

	for _, c := range subsystemsToCheck {
		if fi.hasActiveFault(c.id) {
			continue
		}
		if !fi.shouldInjectFault(c.rate) {
			continue
		}
		faultType, ok := fi.selectFaultType()
		if !ok {
			continue
		}

		fault := subsystems.Fault{Subsystem: c.id, Type: faultType, Timestamp: currentTimeMS}

		var duration uint32
		autoRecoverable := true
		if fi.randomFloat() < fi.cfg.PermanentProbability {
			duration = uint32(permanentDuration)
			autoRecoverable = false
		} else {
			duration = fi.randomDuration()
		}

		if len(fi.activeFaults) >= maxActiveFaults {
			continue
		}
		fi.activeFaults = append(fi.activeFaults, ActiveFault{
			Fault:              fault,
			DurationRemainingS: duration,
			AutoRecoverable:    autoRecoverable,
			InjectedAtCycle:    fi.cycleCount,
		})

		ft := faultType
		*actions = append(*actions, Action{Subsystem: c.id, Fault: &ft})
		fi.updateInjectionStats(c.id, faultType)

		if fi.logger != nil {
			fi.logger.WithFields(logrus.Fields{
				"subsystem": c.id,
				"fault":     faultType,
				"duration":  duration,
			}).Warn("fault injected")
		}
	}
}

func (fi *Injector) hasActiveFault(id subsystems.ID) bool {
	for _, af := range fi.activeFaults {
		if af.Fault.Subsystem == id {
			return true
		}
	}
	return false
}

func (fi *Injector) shouldInjectFault(ratePercent float64) bool {
	return fi.randomFloat() < (ratePercent / 100.0)
}

func (fi *Injector) selectFaultType() (subsystems.FaultType, bool) {
	randomValue := fi.randomU8()
	totalWeight := uint16(fi.cfg.DegradedWeight) + uint16(fi.cfg.FailedWeight) + uint16(fi.cfg.OfflineWeight)
	if totalWeight == 0 {
		return 0, false
	}

	normalized := uint8(uint16(randomValue) * totalWeight / 255)

	switch {
	case normalized < fi.cfg.DegradedWeight:
		return subsystems.Degraded, true
	case normalized < fi.cfg.DegradedWeight+fi.cfg.FailedWeight:
		return subsystems.Failed, true
	default:
		return subsystems.Offline, true
	}
}

func (fi *Injector) randomDuration() uint32 {
	rangeS := fi.cfg.MaxDurationS - fi.cfg.MinDurationS
	if rangeS == 0 {
		return fi.cfg.MinDurationS
	}
	return fi.cfg.MinDurationS + fi.randomU32()%rangeS
}

func (fi *Injector) updateInjectionStats(id subsystems.ID, faultType subsystems.FaultType) {
	fi.stats.TotalFaultsInjected++

	switch id {
	case subsystems.Power:
		fi.stats.PowerFaultsInjected++
	case subsystems.Thermal:
		fi.stats.ThermalFaultsInjected++
	case subsystems.Comms:
		fi.stats.CommsFaultsInjected++
	}

	switch faultType {
	case subsystems.Degraded:
		fi.stats.DegradedFaults++
	case subsystems.Failed:
		fi.stats.FailedFaults++
	case subsystems.Offline:
		fi.stats.OfflineFaults++
	}
}

// ClearFaults manually clears active faults, either for a single subsystem
// (when id is non-nil) or across all subsystems.
func (fi *Injector) ClearFaults(id *subsystems.ID) {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	initial := len(fi.activeFaults)
	if id == nil {
		fi.activeFaults = nil
	} else {
		kept := fi.activeFaults[:0]
		for _, af := range fi.activeFaults {
			if af.Fault.Subsystem != *id {
				kept = append(kept, af)
			}
		}
		fi.activeFaults = kept
	}
	fi.stats.ManualClearedFaults += uint32(initial - len(fi.activeFaults))
}

// GetStats returns a copy of the current fault-injection statistics.
func (fi *Injector) GetStats() Stats {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return fi.stats
}

// GetConfig returns a copy of the current configuration.
func (fi *Injector) GetConfig() Config {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return fi.cfg
}

// SetEnabled toggles fault injection on or off.
func (fi *Injector) SetEnabled(enabled bool) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.cfg.Enabled = enabled
}

// GetActiveFaults returns a copy of the currently active faults.
func (fi *Injector) GetActiveFaults() []ActiveFault {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	out := make([]ActiveFault, len(fi.activeFaults))
	copy(out, fi.activeFaults)
	return out
}
