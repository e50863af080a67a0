// Package protocol defines the command/response/telemetry wire types, the
// ACK/NACK command tracker, and the serialization boundary used by the
// line-framed transport.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/saint0x/satbus-go/internal/obc/subsystems"
	"github.com/saint0x/satbus-go/internal/obc/subsystems/comms"
	"github.com/saint0x/satbus-go/internal/obc/subsystems/power"
	"github.com/saint0x/satbus-go/internal/obc/subsystems/thermal"
)

const (
	maxCommandSize       = 512
	maxResponseSize      = 1024
	telemetryTargetSize  = 2048
	maxTrackedCommands   = 16
)

// CommandKind enumerates the commands the agent accepts.
type CommandKind int

const (
	CmdPing CommandKind = iota
	CmdSystemStatus
	CmdSetHeaterState
	CmdSetCommsLink
	CmdSetSolarPanel
	CmdSetTxPower
	CmdSimulateFault
	CmdClearFaults
	CmdClearSafetyEvents
	CmdSetSafeMode
	CmdTransmitMessage
	CmdSystemReboot
	CmdSetFaultInjection
	CmdGetFaultInjectionStatus
)

func (k CommandKind) String() string {
	names := []string{
		"Ping", "SystemStatus", "SetHeaterState", "SetCommsLink", "SetSolarPanel",
		"SetTxPower", "SimulateFault", "ClearFaults", "ClearSafetyEvents",
		"SetSafeMode", "TransmitMessage", "SystemReboot", "SetFaultInjection",
		"GetFaultInjectionStatus",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "Unknown"
}

// CommandType carries a CommandKind plus whichever parameters that kind
// requires. Unused fields are left at their zero value.
type CommandType struct {
	Kind CommandKind `json:"kind"`

	On      bool           `json:"on,omitempty"`
	Enabled bool           `json:"enabled,omitempty"`
	PowerDBm int8          `json:"power_dbm,omitempty"`
	Target  *subsystems.ID `json:"target,omitempty"`
	Fault   subsystems.FaultType `json:"fault,omitempty"`
	Force   bool           `json:"force,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Command is an inbound request, optionally tagged with a future execution
// time for the scheduler.
type Command struct {
	ID            uint32      `json:"id"`
	Timestamp     uint64      `json:"timestamp"`
	CommandType   CommandType `json:"command_type"`
	ExecutionTime *uint64     `json:"execution_time,omitempty"`
}

// ResponseStatus enumerates the lifecycle states of a command response.
type ResponseStatus int

const (
	StatusAcknowledged ResponseStatus = iota
	StatusExecutionStarted
	StatusSuccess
	StatusExecutionFailed
	StatusNegativeAck
	StatusTimeout
	StatusError
	StatusScheduled
	StatusInvalidCommand
	StatusInvalidParameter
	StatusMessageTooLarge
	StatusInvalidJSON
)

func (s ResponseStatus) String() string {
	names := []string{
		"Acknowledged", "ExecutionStarted", "Success", "ExecutionFailed",
		"NegativeAck", "Timeout", "Error", "Scheduled", "InvalidCommand",
		"InvalidParameter", "MessageTooLarge", "InvalidJson",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "Unknown"
}

// CommandResponse is the reply sent for a single command.
type CommandResponse struct {
	ID        uint32         `json:"id"`
	Timestamp uint64         `json:"timestamp"`
	Status    ResponseStatus `json:"status"`
	Message   *string        `json:"message,omitempty"`
}

// ResetReason enumerates why the system most recently booted.
type ResetReason int

const (
	ResetPowerOn ResetReason = iota
	ResetWatchdog
	ResetCommand
	ResetFault
)

func (r ResetReason) String() string {
	names := []string{"PowerOn", "Watchdog", "Command", "Fault"}
	if int(r) < len(names) {
		return names[r]
	}
	return "Unknown"
}

// SystemState carries OBC-level status not owned by any one subsystem.
type SystemState struct {
	SafeMode             bool        `json:"safe_mode"`
	UptimeSeconds        uint64      `json:"uptime_seconds"`
	CPUUsagePercent      uint8       `json:"cpu_usage_percent"`
	MemoryUsagePercent   uint8       `json:"memory_usage_percent"`
	LastCommandID        uint32      `json:"last_command_id"`
	TelemetryRateHz      uint8       `json:"telemetry_rate_hz"`
	BootCount            uint16      `json:"boot_count"`
	SystemVoltageMV      uint16      `json:"system_voltage_mv"`
	LastResetReason      ResetReason `json:"last_reset_reason"`
	FirmwareHash         uint32      `json:"firmware_hash"`
	SystemTemperatureC   int8        `json:"system_temperature_c"`
}

// PerformanceSnapshot is one sample of the agent's loop-timing history.
type PerformanceSnapshot struct {
	LoopTimeUS               uint32 `json:"loop_time_us"`
	CommandProcessingTimeUS  uint32 `json:"command_processing_time_us"`
	TelemetryGenerationTimeUS uint32 `json:"telemetry_generation_time_us"`
	SafetyCheckTimeUS        uint32 `json:"safety_check_time_us"`
	MemoryUsageBytes         uint32 `json:"memory_usage_bytes"`
}

// SafetyEventSummary is a compact telemetry projection of one safety event.
type SafetyEventSummary struct {
	Event     int           `json:"event"`
	Level     int           `json:"level"`
	Subsystem subsystems.ID `json:"subsystem"`
	Timestamp uint64        `json:"timestamp"`
	Resolved  bool          `json:"resolved"`
}

// SubsystemDiagnostics summarizes per-subsystem health scores (0-100).
type SubsystemDiagnostics struct {
	PowerHealthScore   uint8 `json:"power_health_score"`
	ThermalHealthScore uint8 `json:"thermal_health_score"`
	CommsHealthScore   uint8 `json:"comms_health_score"`
}

// MissionPhase enumerates the coarse phase of the simulated mission.
type MissionPhase int

const (
	PhaseLaunch MissionPhase = iota
	PhaseCommissioning
	PhaseNominalOps
	PhaseDeorbit
)

func (p MissionPhase) String() string {
	names := []string{"Launch", "Commissioning", "NominalOps", "Deorbit"}
	if int(p) < len(names) {
		return names[p]
	}
	return "Unknown"
}

// PayloadStatus reports whether the mission payload is active.
type PayloadStatus struct {
	Active    bool   `json:"active"`
	DutyCycle uint8  `json:"duty_cycle_percent"`
}

// MissionData carries mission-level context for ground operators.
type MissionData struct {
	Phase   MissionPhase  `json:"phase"`
	OrbitNumber uint32    `json:"orbit_number"`
	Payload PayloadStatus `json:"payload"`
}

// OrbitalData carries the ambient orbital-mechanics context the thermal
// model derives its ambient-temperature cycle from.
type OrbitalData struct {
	OrbitalPeriodS   float64 `json:"orbital_period_s"`
	OrbitalPhaseRad  float64 `json:"orbital_phase_rad"`
	EclipseActive    bool    `json:"eclipse_active"`
	AltitudeKM       float64 `json:"altitude_km"`
}

// TelemetryPacket is the full snapshot transmitted once per collection
// interval.
type TelemetryPacket struct {
	SequenceNumber uint32 `json:"sequence_number"`
	Timestamp      uint64 `json:"timestamp"`

	SystemState SystemState   `json:"system_state"`
	Power       power.State   `json:"power"`
	Thermal     thermal.State `json:"thermal"`
	Comms       comms.State   `json:"comms"`

	Faults []subsystems.Fault `json:"faults"`

	PerformanceHistory [4]PerformanceSnapshot `json:"performance_history"`
	SafetyEvents       []SafetyEventSummary    `json:"safety_events"`
	SubsystemDiagnostics SubsystemDiagnostics  `json:"subsystem_diagnostics"`
	MissionData        MissionData             `json:"mission_data"`
	OrbitalData        OrbitalData             `json:"orbital_data"`

	Padding []byte `json:"padding,omitempty"`
}

var (
	// ErrMessageTooLarge is returned when a command exceeds maxCommandSize.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrInvalidJSON is returned when a command fails to parse.
	ErrInvalidJSON = errors.New("invalid json")
	// ErrInvalidCommand is returned when a command fails structural validation.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrInvalidParameter is returned when a command parameter is out of range.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrDuplicateCommand is returned when a command id is already tracked.
	ErrDuplicateCommand = errors.New("command already being tracked")
)

// CommandTracker records the ACK/NACK lifecycle of one in-flight command.
type CommandTracker struct {
	CommandID         uint32         `json:"command_id"`
	Timestamp         uint64         `json:"timestamp"`
	Status            ResponseStatus `json:"status"`
	ExecutionStartTime *uint64       `json:"execution_start_time,omitempty"`
	TimeoutMS         uint64         `json:"timeout_ms"`
	RetryCount        uint8          `json:"retry_count"`
	LastUpdate        uint64         `json:"last_update"`
}

// IsExpired reports whether the tracker has outlived its timeout.
func (t *CommandTracker) IsExpired(currentTimeMS uint64) bool {
	return currentTimeMS > t.Timestamp+t.TimeoutMS
}

// Handler serializes protocol messages and tracks in-flight commands.
type Handler struct {
	sequenceCounter uint32
	commandCounter  uint32
	tracked         []CommandTracker
}

// NewHandler constructs a protocol handler with sequence numbering starting
// at 1.
func NewHandler() *Handler {
	return &Handler{sequenceCounter: 1}
}

// ParseCommand decodes a single command line, enforcing the command size
// limit before attempting to unmarshal.
func (h *Handler) ParseCommand(raw []byte) (Command, error) {
	if len(raw) > maxCommandSize {
		return Command{}, ErrMessageTooLarge
	}
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, ErrInvalidJSON
	}
	return cmd, nil
}

// ValidateCommand enforces structural invariants on an inbound command.
func (h *Handler) ValidateCommand(cmd Command) error {
	if cmd.ID == 0 {
		return ErrInvalidCommand
	}
	switch cmd.CommandType.Kind {
	case CmdSetTxPower:
		if cmd.CommandType.PowerDBm < 0 || cmd.CommandType.PowerDBm > 30 {
			return ErrInvalidParameter
		}
	case CmdTransmitMessage:
		if strings.TrimSpace(cmd.CommandType.Message) == "" {
			return ErrInvalidParameter
		}
	}
	return nil
}

// CreateResponse builds a response with an optional message. The message is
// not truncated; SerializeResponse rejects a response over maxResponseSize.
func (h *Handler) CreateResponse(id uint32, status ResponseStatus, message *string) CommandResponse {
	resp := CommandResponse{ID: id, Status: status, Message: message}
	return resp
}

// CreateAckResponse builds an Acknowledged response for id.
func (h *Handler) CreateAckResponse(id uint32) CommandResponse {
	return h.CreateResponse(id, StatusAcknowledged, nil)
}

// CreateNackResponse builds a NegativeAck response carrying reason.
func (h *Handler) CreateNackResponse(id uint32, reason string) CommandResponse {
	return h.CreateResponse(id, StatusNegativeAck, &reason)
}

// CreateExecutionStartedResponse builds an ExecutionStarted response for id.
func (h *Handler) CreateExecutionStartedResponse(id uint32) CommandResponse {
	return h.CreateResponse(id, StatusExecutionStarted, nil)
}

// CreateExecutionFailedResponse builds an ExecutionFailed response carrying
// reason.
func (h *Handler) CreateExecutionFailedResponse(id uint32, reason string) CommandResponse {
	return h.CreateResponse(id, StatusExecutionFailed, &reason)
}

// CreateTimeoutResponse builds a Timeout response for id.
func (h *Handler) CreateTimeoutResponse(id uint32) CommandResponse {
	return h.CreateResponse(id, StatusTimeout, nil)
}

// SerializeResponse marshals resp to JSON, enforcing maxResponseSize.
func (h *Handler) SerializeResponse(resp CommandResponse) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	if len(data) > maxResponseSize {
		return nil, ErrMessageTooLarge
	}
	return data, nil
}

// nextSequenceNumber advances and returns the telemetry sequence number,
// wrapping 65535 -> 1 per the spec's explicit wraparound requirement.
func (h *Handler) nextSequenceNumber() uint32 {
	seq := h.sequenceCounter
	h.sequenceCounter = (h.sequenceCounter % 65535) + 1
	return seq
}

// CreateTelemetryPacket assembles a packet from current subsystem state,
// padding it to the target telemetry size.
func (h *Handler) CreateTelemetryPacket(
	sysState SystemState,
	powerState power.State,
	thermalState thermal.State,
	commsState comms.State,
	faults []subsystems.Fault,
	perfHistory [4]PerformanceSnapshot,
	safetyEvents []SafetyEventSummary,
	diagnostics SubsystemDiagnostics,
	mission MissionData,
	orbital OrbitalData,
) TelemetryPacket {
	packet := TelemetryPacket{
		SequenceNumber:       h.nextSequenceNumber(),
		Timestamp:            sysState.UptimeSeconds * 1000,
		SystemState:          sysState,
		Power:                powerState,
		Thermal:              thermalState,
		Comms:                commsState,
		Faults:               faults,
		PerformanceHistory:   perfHistory,
		SafetyEvents:         safetyEvents,
		SubsystemDiagnostics: diagnostics,
		MissionData:          mission,
		OrbitalData:          orbital,
	}

	currentSize := h.estimatedSize(packet)
	paddingNeeded := telemetryTargetSize - currentSize - 150
	if paddingNeeded < 1 {
		paddingNeeded = 1
	}
	if paddingNeeded > 500 {
		paddingNeeded = 500
	}
	packet.Padding = make([]byte, paddingNeeded)
	return packet
}

func (h *Handler) estimatedSize(packet TelemetryPacket) int {
	data, err := json.Marshal(packet)
	if err != nil {
		return telemetryTargetSize
	}
	return len(data)
}

// SerializeTelemetry marshals packet to JSON. No size limit is checked here;
// the packet's size is shaped only by the padding CreateTelemetryPacket adds.
func (h *Handler) SerializeTelemetry(packet TelemetryPacket) ([]byte, error) {
	return json.Marshal(packet)
}

// TrackCommand begins tracking id's ACK/NACK lifecycle, rejecting duplicate
// in-flight ids and evicting the oldest tracker on overflow.
func (h *Handler) TrackCommand(id uint32, currentTimeMS, timeoutMS uint64) error {
	for _, t := range h.tracked {
		if t.CommandID == id {
			return ErrDuplicateCommand
		}
	}

	if len(h.tracked) >= maxTrackedCommands {
		h.tracked = h.tracked[1:]
	}

	h.tracked = append(h.tracked, CommandTracker{
		CommandID:  id,
		Timestamp:  currentTimeMS,
		Status:     StatusAcknowledged,
		TimeoutMS:  timeoutMS,
		LastUpdate: currentTimeMS,
	})
	return nil
}

// UpdateCommandStatus advances the tracked status of id.
func (h *Handler) UpdateCommandStatus(id uint32, status ResponseStatus, currentTimeMS uint64) error {
	for i := range h.tracked {
		if h.tracked[i].CommandID == id {
			h.tracked[i].Status = status
			h.tracked[i].LastUpdate = currentTimeMS
			if status == StatusExecutionStarted {
				t := currentTimeMS
				h.tracked[i].ExecutionStartTime = &t
			}
			return nil
		}
	}
	return errors.New("command not tracked")
}

// GetCommandStatus returns the tracked status of id, if any.
func (h *Handler) GetCommandStatus(id uint32) (ResponseStatus, bool) {
	for _, t := range h.tracked {
		if t.CommandID == id {
			return t.Status, true
		}
	}
	return 0, false
}

// CleanupExpiredCommands drops trackers that have outlived their
// timeout without reaching a terminal status.
func (h *Handler) CleanupExpiredCommands(currentTimeMS uint64) {
	kept := h.tracked[:0]
	for _, t := range h.tracked {
		if t.IsExpired(currentTimeMS) && t.Status != StatusSuccess && t.Status != StatusExecutionFailed {
			continue
		}
		kept = append(kept, t)
	}
	h.tracked = kept
}

// GetTrackedCommands returns the currently tracked commands.
func (h *Handler) GetTrackedCommands() []CommandTracker {
	return h.tracked
}
