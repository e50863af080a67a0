// Package comms simulates the spacecraft's RF communications subsystem:
// link budget, bit-error-rate, downlink queueing and uplink activity.
package comms

import (
	"errors"
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/saint0x/satbus-go/internal/obc/subsystems"
)

const (
	maxDownlinkQueue       = 32
	maxMessageSize         = 256
	nominalSignalDBm       = -80
	criticalSignalDBm      = -120
	heartbeatIntervalMS    = 5000
)

// Command is the set of operator commands the comms subsystem accepts.
type Command int

const (
	CmdSetLinkState Command = iota
	CmdSetTxPower
	CmdSetDataRate
	CmdTransmitMessage
	CmdFlushQueue
)

// State is the externally observable snapshot of the comms subsystem.
type State struct {
	LinkUp              bool   `json:"link_up"`
	SignalStrengthDBm    int8   `json:"signal_strength_dbm"`
	TxPowerDBm           int8   `json:"tx_power_dbm"`
	DataRateBPS          uint32 `json:"data_rate_bps"`
	RXPackets            uint32 `json:"rx_packets"`
	TXPackets            uint32 `json:"tx_packets"`
	PacketLossPercent    uint8  `json:"packet_loss_percent"`
	QueueDepth           int    `json:"queue_depth"`
	UplinkActive         bool   `json:"uplink_active"`
	DownlinkActive       bool   `json:"downlink_active"`
}

// Config tunes the comms subsystem's simulated RF characteristics.
type Config struct {
	AntennaGainDB  int8
	PathLossDB     uint8
	NoiseFloorDBm  int8
}

// DefaultConfig returns the production comms-subsystem configuration.
func DefaultConfig() Config {
	return Config{AntennaGainDB: 3, PathLossDB: 140, NoiseFloorDBm: -110}
}

// System models the satellite's communications subsystem.
type System struct {
	mu sync.RWMutex

	st    State
	fault *subsystems.FaultType

	downlinkQueue []string

	antennaGainDB int8
	pathLossDB    uint8
	noiseFloorDBm int8

	bitErrorRate   float64
	lastPacketMS   uint32

	logger *logrus.Logger
}

// New constructs a comms subsystem with the default configuration.
func New(logger *logrus.Logger) *System {
	return NewWithConfig(DefaultConfig(), logger)
}

// NewWithConfig constructs a comms subsystem with an explicit configuration.
func NewWithConfig(cfg Config, logger *logrus.Logger) *System {
	return &System{
		st: State{
			LinkUp:            true,
			SignalStrengthDBm: nominalSignalDBm,
			TxPowerDBm:        20,
			DataRateBPS:       9600,
		},
		antennaGainDB: cfg.AntennaGainDB,
		pathLossDB:    cfg.PathLossDB,
		noiseFloorDBm: cfg.NoiseFloorDBm,
		bitErrorRate:  0.0001,
		logger:        logger,
	}
}

func saturatingAddI8(a, b int8) int8 {
	sum := int(a) + int(b)
	if sum > 127 {
		return 127
	}
	if sum < -128 {
		return -128
	}
	return int8(sum)
}

func (s *System) calculateLinkBudget() int8 {
	budget := int(s.st.TxPowerDBm) + int(s.antennaGainDB) - int(s.pathLossDB) + int(s.antennaGainDB)
	if budget > 127 {
		return 127
	}
	if budget < -128 {
		return -128
	}
	return int8(budget)
}

func (s *System) simulateRFEnvironment() {
	timeFactor := math.Sin(float64(s.lastPacketMS) * 0.001)
	atmosphericLoss := 2.0 + math.Abs(timeFactor)*5.0

	base := s.calculateLinkBudget()
	s.st.SignalStrengthDBm = saturatingAddI8(base, -int8(atmosphericLoss))

	s.st.LinkUp = s.st.SignalStrengthDBm >= criticalSignalDBm

	snr := s.st.SignalStrengthDBm - s.noiseFloorDBm
	switch {
	case snr > 10:
		s.bitErrorRate = 0.0001
	case snr > 5:
		s.bitErrorRate = 0.001
	default:
		s.bitErrorRate = 0.01
	}

	loss := s.bitErrorRate * 100.0
	if loss > 99.0 {
		loss = 99.0
	}
	s.st.PacketLossPercent = uint8(loss)

	switch {
	case s.st.SignalStrengthDBm > -90:
		s.st.DataRateBPS = 19200
	case s.st.SignalStrengthDBm > -100:
		s.st.DataRateBPS = 9600
	default:
		s.st.DataRateBPS = 4800
	}
}

func (s *System) processDownlinkQueue(dtMS uint16) error {
	if !s.st.LinkUp {
		return nil
	}

	if len(s.downlinkQueue) > 0 {
		s.downlinkQueue = s.downlinkQueue[1:]
		s.st.TXPackets++
		s.st.DownlinkActive = true
		s.lastPacketMS += uint32(dtMS)
	} else {
		s.st.DownlinkActive = false
	}

	s.st.QueueDepth = len(s.downlinkQueue)
	if s.st.QueueDepth >= maxDownlinkQueue-2 {
		return &subsystems.FaultError{Type: subsystems.Degraded}
	}
	return nil
}

func (s *System) simulateUplinkActivity() {
	uplinkProbability := 0.0
	if s.st.LinkUp {
		uplinkProbability = 0.1
	}
	if float64(s.lastPacketMS%100) < uplinkProbability*100.0 {
		s.st.UplinkActive = true
		s.st.RXPackets++
	} else {
		s.st.UplinkActive = false
	}
}

func (s *System) queueTelemetryMessage(message string) error {
	if len(message) > maxMessageSize {
		return errors.New("message too long")
	}
	if len(s.downlinkQueue) >= maxDownlinkQueue {
		return errors.New("queue full")
	}
	s.downlinkQueue = append(s.downlinkQueue, message)
	return nil
}

// Update advances the comms subsystem by dtMS milliseconds.
func (s *System) Update(dtMS uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fault != nil {
		switch *s.fault {
		case subsystems.Failed, subsystems.Offline:
			s.st.LinkUp = false
			return &subsystems.FaultError{Type: *s.fault}
		case subsystems.Degraded:
			s.st.TxPowerDBm = saturatingAddI8(s.st.TxPowerDBm, -6)
			s.antennaGainDB = saturatingAddI8(s.antennaGainDB, -2)
		}
	}

	s.simulateRFEnvironment()
	if err := s.processDownlinkQueue(dtMS); err != nil {
		return err
	}
	s.simulateUplinkActivity()

	if s.st.LinkUp && (s.lastPacketMS%heartbeatIntervalMS) < uint32(dtMS) {
		_ = s.queueTelemetryMessage("HEARTBEAT")
	}
	return nil
}

// ExecuteCommand applies an operator command to the comms subsystem.
func (s *System) ExecuteCommand(cmd Command, boolArg bool, i8Arg int8, u32Arg uint32, strArg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd {
	case CmdSetLinkState:
		s.st.LinkUp = boolArg && s.fault == nil
		return nil
	case CmdSetTxPower:
		if i8Arg < 0 || i8Arg > 30 {
			return errors.New("invalid power level")
		}
		s.st.TxPowerDBm = i8Arg
		return nil
	case CmdSetDataRate:
		if u32Arg < 1200 || u32Arg > 38400 {
			return errors.New("invalid data rate")
		}
		s.st.DataRateBPS = u32Arg
		return nil
	case CmdTransmitMessage:
		return s.queueTelemetryMessage(strArg)
	case CmdFlushQueue:
		s.downlinkQueue = nil
		return nil
	}
	return nil
}

// GetState returns a copy of the current comms state.
func (s *System) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.st
	st.QueueDepth = len(s.downlinkQueue)
	return st
}

// InjectFault marks the subsystem as carrying the given fault.
func (s *System) InjectFault(fault subsystems.FaultType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := fault
	s.fault = &f
	if s.logger != nil {
		s.logger.WithField("fault", fault).Warn("comms fault injected")
	}
}

// ClearFaults clears any active fault and restores nominal RF parameters.
func (s *System) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = nil
	s.st.TxPowerDBm = 20
	s.antennaGainDB = 3
}

// IsHealthy reports whether the comms subsystem is within nominal bounds.
func (s *System) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fault == nil && s.st.LinkUp &&
		s.st.SignalStrengthDBm > criticalSignalDBm &&
		s.st.PacketLossPercent < 50
}
