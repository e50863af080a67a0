// Package power simulates the spacecraft's electrical power subsystem:
// battery state of charge, solar input and charging behavior.
package power

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/saint0x/satbus-go/internal/obc/subsystems"
)

const (
	nominalVoltageMV    = 3700
	criticalVoltageMV   = 3200
	maxVoltageMV        = 4200
	voltageToleranceMV  = 50
	nominalCurrentMA    = 500
	solarCurrentMA      = 800
	degradedResistance  = 200
	nominalResistance   = 100
)

// Command is the set of operator commands the power subsystem accepts.
type Command int

const (
	CmdSetSolarPanel Command = iota
	CmdSetPowerSave
	CmdReboot
)

// State is the externally observable snapshot of the power subsystem.
type State struct {
	BatteryVoltageMV    uint16 `json:"battery_voltage_mv"`
	BatteryCurrentMA    int16  `json:"battery_current_ma"`
	SolarVoltageMV      uint16 `json:"solar_voltage_mv"`
	SolarCurrentMA      uint16 `json:"solar_current_ma"`
	Charging            bool   `json:"charging"`
	BatteryLevelPercent uint8  `json:"battery_level_percent"`
	PowerDrawMW         uint16 `json:"power_draw_mw"`
}

// Config tunes the power subsystem's simulated electrical characteristics.
type Config struct {
	SolarEnabledAtBoot bool
}

// DefaultConfig returns the production power-subsystem configuration.
func DefaultConfig() Config {
	return Config{SolarEnabledAtBoot: true}
}

// System models the satellite's electrical power subsystem.
type System struct {
	mu sync.RWMutex

	cfg Config
	st  State

	solarEnabled      bool
	powerSaveMode     bool
	fault             *subsystems.FaultType
	internalResMOhm   uint16
	elapsedMS         uint32

	logger *logrus.Logger
}

// New constructs a power subsystem with the default configuration.
func New(logger *logrus.Logger) *System {
	return NewWithConfig(DefaultConfig(), logger)
}

// NewWithConfig constructs a power subsystem with an explicit configuration.
func NewWithConfig(cfg Config, logger *logrus.Logger) *System {
	return &System{
		cfg: cfg,
		st: State{
			BatteryVoltageMV:    nominalVoltageMV,
			BatteryCurrentMA:    -int16(nominalCurrentMA),
			BatteryLevelPercent: 85,
			PowerDrawMW:         uint16(uint32(nominalVoltageMV) * uint32(nominalCurrentMA) / 1000),
		},
		solarEnabled:    cfg.SolarEnabledAtBoot,
		internalResMOhm: nominalResistance,
		logger:          logger,
	}
}

func clampU8(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return uint8(v)
}

func (s *System) calculateBatteryLevel() uint8 {
	voltageRange := maxVoltageMV - criticalVoltageMV
	currentRange := int(s.st.BatteryVoltageMV) - criticalVoltageMV
	if currentRange < 0 {
		currentRange = 0
	}
	return clampU8(currentRange * 100 / voltageRange)
}

func (s *System) simulateSolarInput() {
	if !s.solarEnabled {
		s.st.SolarVoltageMV = 0
		s.st.SolarCurrentMA = 0
		return
	}

	timeFactor := math.Abs(math.Sin(float64(s.elapsedMS) * 0.001))
	efficiency := 0.7 + 0.3*timeFactor

	s.st.SolarVoltageMV = uint16(4200.0 * efficiency)
	s.st.SolarCurrentMA = uint16(float64(solarCurrentMA) * efficiency)
}

func (s *System) updateBatteryState(dtMS uint16) error {
	dtS := float64(dtMS) / 1000.0

	loadCurrent := uint16(nominalCurrentMA)
	if s.powerSaveMode {
		loadCurrent = nominalCurrentMA / 2
	}

	netCurrent := int16(s.st.SolarCurrentMA) - int16(loadCurrent)
	s.st.BatteryCurrentMA = netCurrent
	s.st.Charging = netCurrent > 0

	voltageDelta := int16(float64(netCurrent) * float64(s.internalResMOhm) / 1000.0)
	targetVoltage := int32(nominalVoltageMV) + int32(voltageDelta)
	if targetVoltage < 0 {
		targetVoltage = 0
	}

	voltageDiff := targetVoltage - int32(s.st.BatteryVoltageMV)
	voltageChange := int32(float64(voltageDiff) * dtS * 0.1)

	newVoltage := int32(s.st.BatteryVoltageMV) + voltageChange
	if newVoltage < 0 {
		newVoltage = 0
	}
	if newVoltage > maxVoltageMV {
		newVoltage = maxVoltageMV
	}
	s.st.BatteryVoltageMV = uint16(newVoltage)

	s.st.BatteryLevelPercent = s.calculateBatteryLevel()
	s.st.PowerDrawMW = uint16(uint32(s.st.BatteryVoltageMV) * uint32(loadCurrent) / 1000)

	if s.st.BatteryVoltageMV < criticalVoltageMV {
		return &subsystems.FaultError{Type: subsystems.Failed}
	}
	if s.st.BatteryVoltageMV > maxVoltageMV+voltageToleranceMV {
		return &subsystems.FaultError{Type: subsystems.Degraded}
	}
	return nil
}

// Update advances the power subsystem by dtMS milliseconds.
func (s *System) Update(dtMS uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fault != nil {
		switch *s.fault {
		case subsystems.Failed, subsystems.Offline:
			return &subsystems.FaultError{Type: *s.fault}
		case subsystems.Degraded:
			s.internalResMOhm = degradedResistance
		}
	}

	s.elapsedMS += uint32(dtMS)
	s.simulateSolarInput()
	return s.updateBatteryState(dtMS)
}

// ExecuteCommand applies an operator command to the power subsystem.
func (s *System) ExecuteCommand(cmd Command, arg bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd {
	case CmdSetSolarPanel:
		s.solarEnabled = arg
	case CmdSetPowerSave:
		s.powerSaveMode = arg
	case CmdReboot:
		s.fault = nil
	}
	return nil
}

// GetState returns a copy of the current power state.
func (s *System) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st
}

// InjectFault marks the subsystem as carrying the given fault.
func (s *System) InjectFault(fault subsystems.FaultType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := fault
	s.fault = &f
	if s.logger != nil {
		s.logger.WithField("fault", fault).Warn("power fault injected")
	}
}

// ClearFaults clears any active fault and restores nominal resistance.
func (s *System) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = nil
	s.internalResMOhm = nominalResistance
}

// IsHealthy reports whether the power subsystem is within nominal bounds.
func (s *System) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fault == nil && s.st.BatteryVoltageMV >= criticalVoltageMV && s.st.BatteryLevelPercent > 10
}
