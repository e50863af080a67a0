// Package thermal simulates the spacecraft's thermal subsystem: orbital
// ambient cycling, heater control and core/battery/panel temperatures.
package thermal

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/saint0x/satbus-go/internal/obc/subsystems"
)

const (
	nominalTempC       = 20
	criticalTempHighC  = 75
	criticalTempLowC   = -40
	heaterPowerW       = 50
	thermalMassJPerK   = 2000.0
	historySize        = 16
	variancethreshold  = 15.0
	orbitalPeriodS     = 5400.0
)

// Mode selects how aggressively the heater responds to temperature.
type Mode int

const (
	ModeNominal Mode = iota
	ModeSurvival
	ModePowerSave
)

func (m Mode) String() string {
	names := []string{"Nominal", "Survival", "PowerSave"}
	if int(m) < len(names) {
		return names[m]
	}
	return "Unknown"
}

// Command is the set of operator commands the thermal subsystem accepts.
type Command int

const (
	CmdSetHeaterState Command = iota
	CmdSetThermalMode
	CmdCalibrateTemp
)

// State is the externally observable snapshot of the thermal subsystem.
type State struct {
	CoreTempC          int8   `json:"core_temp_c"`
	BatteryTempC       int8   `json:"battery_temp_c"`
	SolarPanelTempC    int8   `json:"solar_panel_temp_c"`
	HeaterPowerW       uint16 `json:"heater_power_w"`
	PowerDissipationW  uint16 `json:"power_dissipation_w"`
}

// Config tunes the thermal subsystem's simulated characteristics.
type Config struct {
	InitialAmbientC int8
	Conductivity    float64
}

// DefaultConfig returns the production thermal-subsystem configuration.
func DefaultConfig() Config {
	return Config{InitialAmbientC: -20, Conductivity: 0.95}
}

// System models the satellite's thermal subsystem.
type System struct {
	mu sync.RWMutex

	st   State
	mode Mode

	fault           *subsystems.FaultType
	ambientC        int8
	conductivity    float64
	tempHistory     [historySize]float64
	historyIdx      int
	uptimeS         uint32

	logger *logrus.Logger
}

// New constructs a thermal subsystem with the default configuration.
func New(logger *logrus.Logger) *System {
	return NewWithConfig(DefaultConfig(), logger)
}

// NewWithConfig constructs a thermal subsystem with an explicit configuration.
func NewWithConfig(cfg Config, logger *logrus.Logger) *System {
	s := &System{
		st: State{
			CoreTempC:         nominalTempC,
			BatteryTempC:      nominalTempC + 5,
			SolarPanelTempC:   nominalTempC - 10,
			PowerDissipationW: 25,
		},
		mode:         ModeNominal,
		ambientC:     cfg.InitialAmbientC,
		conductivity: cfg.Conductivity,
		logger:       logger,
	}
	for i := range s.tempHistory {
		s.tempHistory[i] = float64(nominalTempC)
	}
	return s
}

func (s *System) calculateThermalGradient() float64 {
	diff := float64(s.st.CoreTempC) - float64(s.ambientC)
	return diff * s.conductivity
}

func (s *System) updateAmbientTemperature() {
	orbitalPhase := (float64(s.uptimeS) / orbitalPeriodS) * 2.0 * math.Pi
	solarExposure := math.Cos(orbitalPhase)
	spaceTemp := -150.0 + (solarExposure+1.0)*135.0
	s.ambientC = int8(spaceTemp)
}

func saturatingAddI8(a int8, b int) int8 {
	sum := int(a) + b
	if sum > 127 {
		return 127
	}
	if sum < -128 {
		return -128
	}
	return int8(sum)
}

func (s *System) simulateThermalDynamics(dtMS uint16) error {
	dtS := float64(dtMS) / 1000.0

	internalHeatW := float64(s.st.PowerDissipationW)
	heaterHeatW := 0.0
	if s.st.HeaterPowerW > 0 {
		switch s.mode {
		case ModeNominal:
			heaterHeatW = float64(s.st.HeaterPowerW)
		case ModeSurvival:
			heaterHeatW = float64(s.st.HeaterPowerW) * 0.5
		case ModePowerSave:
			heaterHeatW = float64(s.st.HeaterPowerW) * 0.25
		}
	}

	thermalGradient := s.calculateThermalGradient()
	heatLossW := thermalGradient * 10.0

	netHeatW := internalHeatW + heaterHeatW - heatLossW
	tempChangeC := netHeatW * dtS / thermalMassJPerK

	newCoreTemp := float64(s.st.CoreTempC) + tempChangeC
	s.st.CoreTempC = int8(math.Round(newCoreTemp))

	s.st.BatteryTempC = saturatingAddI8(s.st.CoreTempC, int(float64(s.st.PowerDissipationW)*0.1))
	s.st.SolarPanelTempC = saturatingAddI8(s.ambientC, (int(s.ambientC)-int(s.st.CoreTempC))/3)

	s.tempHistory[s.historyIdx] = float64(s.st.CoreTempC)
	s.historyIdx = (s.historyIdx + 1) % historySize

	if s.st.CoreTempC > criticalTempHighC {
		return &subsystems.FaultError{Type: subsystems.Failed}
	}
	if s.st.CoreTempC < criticalTempLowC {
		return &subsystems.FaultError{Type: subsystems.Failed}
	}

	if s.calculateTemperatureStdDev() > variancethreshold {
		return &subsystems.FaultError{Type: subsystems.Degraded}
	}
	return nil
}

// calculateTemperatureStdDev uses gonum's stat package over the rolling
// temperature-history ring, rather than a hand-rolled variance loop.
func (s *System) calculateTemperatureStdDev() float64 {
	return stat.StdDev(s.tempHistory[:], nil)
}

func (s *System) autoThermalControl() {
	switch s.mode {
	case ModeNominal:
		if s.st.CoreTempC < 10 {
			s.st.HeaterPowerW = heaterPowerW
		} else if s.st.CoreTempC > 30 {
			s.st.HeaterPowerW = 0
		}
	case ModeSurvival:
		if s.st.CoreTempC < 5 {
			s.st.HeaterPowerW = heaterPowerW
		} else if s.st.CoreTempC > 25 {
			s.st.HeaterPowerW = 0
		}
	case ModePowerSave:
		if s.st.CoreTempC < -10 {
			s.st.HeaterPowerW = heaterPowerW / 4
		} else if s.st.CoreTempC > 15 {
			s.st.HeaterPowerW = 0
		}
	}
}

// Update advances the thermal subsystem by dtMS milliseconds.
func (s *System) Update(dtMS uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fault != nil {
		switch *s.fault {
		case subsystems.Failed, subsystems.Offline:
			return &subsystems.FaultError{Type: *s.fault}
		case subsystems.Degraded:
			s.conductivity = 0.5
		}
	}

	s.uptimeS += uint32(dtMS) / 1000
	s.updateAmbientTemperature()
	s.autoThermalControl()
	return s.simulateThermalDynamics(dtMS)
}

// ExecuteCommand applies an operator command to the thermal subsystem.
func (s *System) ExecuteCommand(cmd Command, heaterOn bool, mode Mode, calibrateOffset int8) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd {
	case CmdSetHeaterState:
		if heaterOn {
			s.st.HeaterPowerW = heaterPowerW
		} else {
			s.st.HeaterPowerW = 0
		}
	case CmdSetThermalMode:
		s.mode = mode
	case CmdCalibrateTemp:
		s.st.CoreTempC = saturatingAddI8(s.st.CoreTempC, int(calibrateOffset))
	}
	return nil
}

// GetState returns a copy of the current thermal state.
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
		s.logger.WithField("fault", fault).Warn("thermal fault injected")
	}
}

// ClearFaults clears any active fault and restores nominal conductivity.
func (s *System) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = nil
	s.conductivity = 0.95
}

// IsHealthy reports whether the thermal subsystem is within nominal bounds.
func (s *System) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fault == nil && s.st.CoreTempC > criticalTempLowC && s.st.CoreTempC < criticalTempHighC
}
