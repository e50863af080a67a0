// Package agent implements the deterministic 1Hz tick orchestrator that
// wires the power, thermal and comms subsystems together with fault
// injection, scheduling, safety supervision, protocol handling and
// telemetry collection.
package agent

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saint0x/satbus-go/internal/obc/faultinjector"
	"github.com/saint0x/satbus-go/internal/obc/protocol"
	"github.com/saint0x/satbus-go/internal/obc/safety"
	"github.com/saint0x/satbus-go/internal/obc/scheduler"
	"github.com/saint0x/satbus-go/internal/obc/subsystems"
	"github.com/saint0x/satbus-go/internal/obc/subsystems/comms"
	"github.com/saint0x/satbus-go/internal/obc/subsystems/power"
	"github.com/saint0x/satbus-go/internal/obc/subsystems/thermal"
	"github.com/saint0x/satbus-go/internal/obc/telemetry"
)

const (
	mainLoopPeriodMS = 1000

	maxCommandQueue      = 32
	maxCommandRatePerSec = 5
	avgCommandRatePerSec = 2
	rateLimitWindowMS    = 1000

	defaultCommandTimeoutMS = 30000

	performanceHistorySize = 16
)

// Errors of the agent. SubmitCommand returns ErrCommandQueueFull and
// ErrRateLimitExceeded. ErrSubsystemOffline is not returned by any
// operation: a fault reported by any subsystem's Update, Offline included,
// is recorded in State.LastError and the tick continues.
var (
	ErrCommandQueueFull     = errors.New("command queue full")
	ErrRateLimitExceeded    = errors.New("command rate limit exceeded")
	ErrSubsystemOffline     = errors.New("critical subsystem offline")
)

// PerformanceStats samples one tick's timing and resource usage.
type PerformanceStats struct {
	LoopTimeUS              uint32
	CommandProcessingTimeUS uint32
	TelemetryGenerationTimeUS uint32
	SafetyCheckTimeUS       uint32
}

// State reports the agent's overall run status for diagnostics.
type State struct {
	Running         bool
	UptimeSeconds   uint64
	CommandCount    uint64
	TelemetryCount  uint64
	LastError       string
}

// Agent is the satellite on-board-computer simulator: it owns every
// subsystem and drives them through one fixed-order update per tick.
type Agent struct {
	mu sync.Mutex

	power   *power.System
	thermal *thermal.System
	comms   *comms.System

	protocolHandler *protocol.Handler
	telemetryCollector *telemetry.Collector
	safetyManager   *safety.Manager
	faultInjector   *faultinjector.Injector
	commandScheduler *scheduler.Scheduler

	state State

	commandQueue      []protocol.Command
	commandTimestamps []uint64
	responseBuffer    []protocol.CommandResponse

	performanceHistory [performanceHistorySize]PerformanceStats
	perfIdx            int

	uptimeMS uint64

	logger *logrus.Logger
}

// Config holds the agent's boot-time options, set from CLI flags.
type Config struct {
	FaultInjectionEnabled bool
	TelemetryRateHz       uint8
}

// DefaultConfig returns the agent's default boot configuration.
func DefaultConfig() Config {
	return Config{FaultInjectionEnabled: true, TelemetryRateHz: 1}
}

// New constructs a fully wired agent with default configuration.
func New(logger *logrus.Logger) *Agent {
	return NewWithConfig(DefaultConfig(), logger)
}

// NewWithConfig constructs a fully wired agent using the given boot config.
func NewWithConfig(cfg Config, logger *logrus.Logger) *Agent {
	handler := protocol.NewHandler()
	faultInjector := faultinjector.New(logger)
	faultInjector.SetEnabled(cfg.FaultInjectionEnabled)
	return &Agent{
		power:              power.New(logger),
		thermal:            thermal.New(logger),
		comms:              comms.New(logger),
		protocolHandler:    handler,
		telemetryCollector: telemetry.NewCollector(handler, cfg.TelemetryRateHz, logger),
		safetyManager:      safety.New(logger),
		faultInjector:      faultInjector,
		commandScheduler:   scheduler.New(),
		logger:             logger,
	}
}

// GetState returns a copy of the agent's run-level state.
func (a *Agent) GetState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// DrainTelemetryBatches flushes any batches ready for downlink and returns
// their packets in transmission order, for the livefeed to broadcast.
func (a *Agent) DrainTelemetryBatches(currentTimeMS uint64) []*protocol.TelemetryPacket {
	a.mu.Lock()
	defer a.mu.Unlock()

	var packets []*protocol.TelemetryPacket
	for _, batch := range a.telemetryCollector.GetReadyBatches(currentTimeMS) {
		for i := range batch.Packets {
			packets = append(packets, &batch.Packets[i])
		}
	}
	return packets
}

// SubmitCommand enqueues an inbound command, applying rate limiting before
// admitting it to the queue.
func (a *Agent) SubmitCommand(cmd protocol.Command, currentTimeMS uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := uint64(0)
	if currentTimeMS > rateLimitWindowMS {
		cutoff = currentTimeMS - rateLimitWindowMS
	}
	kept := a.commandTimestamps[:0]
	for _, ts := range a.commandTimestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	a.commandTimestamps = kept

	if len(a.commandTimestamps) >= maxCommandRatePerSec {
		return ErrRateLimitExceeded
	}
	if len(a.commandTimestamps) >= avgCommandRatePerSec*2 {
		// sustained burst above twice the average rate still admitted,
		// but flagged for operators via debug logging.
		if a.logger != nil {
			a.logger.Debug("command rate above sustained average, admitting within burst ceiling")
		}
	}

	if len(a.commandQueue) >= maxCommandQueue {
		return ErrCommandQueueFull
	}

	if len(a.commandTimestamps) >= maxCommandRatePerSec {
		a.commandTimestamps = a.commandTimestamps[1:]
	}
	a.commandTimestamps = append(a.commandTimestamps, currentTimeMS)
	a.commandQueue = append(a.commandQueue, cmd)
	return nil
}

// Tick runs one full update cycle: scheduled-command release, queued
// command execution, subsystem updates, fault injection, safety checks,
// and telemetry generation, in that fixed order.
func (a *Agent) Tick(currentTimeMS uint64) []protocol.CommandResponse {
	start := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	a.uptimeMS = currentTimeMS
	a.state.Running = true
	a.state.UptimeSeconds = currentTimeMS / 1000

	a.commandScheduler.CleanupExpiredCommands(currentTimeMS)
	a.protocolHandler.CleanupExpiredCommands(currentTimeMS)

	a.processScheduledCommandsLocked(currentTimeMS)

	cmdStart := time.Now()
	responses := a.processCommandsLocked(currentTimeMS)
	cmdElapsed := time.Since(cmdStart)

	a.updateSubsystemsLocked()
	a.processFaultInjectionLocked(currentTimeMS)

	safetyStart := time.Now()
	a.performSafetyChecksLocked(currentTimeMS)
	safetyElapsed := time.Since(safetyStart)

	telemetryStart := time.Now()
	a.generateTelemetryLocked(currentTimeMS)
	telemetryElapsed := time.Since(telemetryStart)

	a.recordPerformanceLocked(PerformanceStats{
		LoopTimeUS:                uint32(time.Since(start).Microseconds()),
		CommandProcessingTimeUS:   uint32(cmdElapsed.Microseconds()),
		TelemetryGenerationTimeUS: uint32(telemetryElapsed.Microseconds()),
		SafetyCheckTimeUS:         uint32(safetyElapsed.Microseconds()),
	})

	return responses
}

func (a *Agent) processScheduledCommandsLocked(currentTimeMS uint64) {
	ready := a.commandScheduler.GetReadyCommands(currentTimeMS)
	for _, cmd := range ready {
		cmd.ExecutionTime = nil
		a.commandQueue = append(a.commandQueue, cmd)
	}
}

func (a *Agent) processCommandsLocked(currentTimeMS uint64) []protocol.CommandResponse {
	var responses []protocol.CommandResponse
	queue := a.commandQueue
	a.commandQueue = nil

	for _, cmd := range queue {
		resp := a.executeCommandLocked(cmd, currentTimeMS)
		responses = append(responses, resp)
		a.state.CommandCount++

		if len(a.responseBuffer) >= 16 {
			a.responseBuffer = a.responseBuffer[1:]
		}
		a.responseBuffer = append(a.responseBuffer, resp)
	}
	return responses
}

func (a *Agent) executeCommandLocked(cmd protocol.Command, currentTimeMS uint64) protocol.CommandResponse {
	_ = a.protocolHandler.TrackCommand(cmd.ID, currentTimeMS, defaultCommandTimeoutMS)

	if cmd.ExecutionTime != nil && *cmd.ExecutionTime > currentTimeMS {
		if err := a.commandScheduler.ScheduleCommand(cmd, currentTimeMS); err != nil {
			reason := err.Error()
			return a.protocolHandler.CreateNackResponse(cmd.ID, reason)
		}
		return a.protocolHandler.CreateResponse(cmd.ID, protocol.StatusScheduled, nil)
	}

	if err := a.protocolHandler.ValidateCommand(cmd); err != nil {
		reason := err.Error()
		_ = a.protocolHandler.UpdateCommandStatus(cmd.ID, protocol.StatusNegativeAck, currentTimeMS)
		return a.protocolHandler.CreateNackResponse(cmd.ID, reason)
	}
	_ = a.protocolHandler.UpdateCommandStatus(cmd.ID, protocol.StatusAcknowledged, currentTimeMS)

	if a.safetyManager.IsSafeModeActive() && !isSafeModeExemptLocked(cmd.CommandType.Kind) {
		reason := "command blocked: safe mode active"
		_ = a.protocolHandler.UpdateCommandStatus(cmd.ID, protocol.StatusNegativeAck, currentTimeMS)
		return a.protocolHandler.CreateNackResponse(cmd.ID, reason)
	}

	_ = a.protocolHandler.UpdateCommandStatus(cmd.ID, protocol.StatusExecutionStarted, currentTimeMS)

	status, message := a.dispatchCommandLocked(cmd, currentTimeMS)
	if status == protocol.StatusSuccess {
		_ = a.protocolHandler.UpdateCommandStatus(cmd.ID, protocol.StatusSuccess, currentTimeMS)
	} else {
		status = protocol.StatusExecutionFailed
		_ = a.protocolHandler.UpdateCommandStatus(cmd.ID, protocol.StatusExecutionFailed, currentTimeMS)
	}
	return a.protocolHandler.CreateResponse(cmd.ID, status, message)
}

func isSafeModeExemptLocked(kind protocol.CommandKind) bool {
	switch kind {
	case protocol.CmdPing, protocol.CmdSystemStatus, protocol.CmdClearFaults,
		protocol.CmdClearSafetyEvents, protocol.CmdSetSafeMode:
		return true
	default:
		return false
	}
}

func (a *Agent) dispatchCommandLocked(cmd protocol.Command, currentTimeMS uint64) (protocol.ResponseStatus, *string) {
	ct := cmd.CommandType
	switch ct.Kind {
	case protocol.CmdPing, protocol.CmdSystemStatus:
		return protocol.StatusSuccess, nil

	case protocol.CmdSetHeaterState:
		if err := a.thermal.ExecuteCommand(thermal.CmdSetHeaterState, ct.On, thermal.ModeNominal, 0); err != nil {
			return fail(err)
		}
		return protocol.StatusSuccess, nil

	case protocol.CmdSetCommsLink:
		if err := a.comms.ExecuteCommand(comms.CmdSetLinkState, ct.Enabled, 0, 0, ""); err != nil {
			return fail(err)
		}
		return protocol.StatusSuccess, nil

	case protocol.CmdSetSolarPanel:
		if err := a.power.ExecuteCommand(power.CmdSetSolarPanel, ct.Enabled); err != nil {
			return fail(err)
		}
		return protocol.StatusSuccess, nil

	case protocol.CmdSetTxPower:
		if err := a.comms.ExecuteCommand(comms.CmdSetTxPower, false, ct.PowerDBm, 0, ""); err != nil {
			return fail(err)
		}
		return protocol.StatusSuccess, nil

	case protocol.CmdSimulateFault:
		if ct.Target == nil {
			return fail(errors.New("missing fault target"))
		}
		a.injectFaultLocked(*ct.Target, ct.Fault)
		return protocol.StatusSuccess, nil

	case protocol.CmdClearFaults:
		a.clearFaultsLocked(ct.Target)
		return protocol.StatusSuccess, nil

	case protocol.CmdClearSafetyEvents:
		a.safetyManager.ClearEvents(ct.Force)
		return protocol.StatusSuccess, nil

	case protocol.CmdSetSafeMode:
		var actions safety.Actions
		if ct.Enabled {
			actions = a.safetyManager.EnterSafeMode(currentTimeMS)
		} else {
			actions = a.safetyManager.DisableSafeMode(currentTimeMS)
		}
		a.applySafetyActionsLocked(actions)
		return protocol.StatusSuccess, nil

	case protocol.CmdTransmitMessage:
		if err := a.comms.ExecuteCommand(comms.CmdTransmitMessage, false, 0, 0, ct.Message); err != nil {
			return fail(err)
		}
		return protocol.StatusSuccess, nil

	case protocol.CmdSystemReboot:
		if err := a.power.ExecuteCommand(power.CmdReboot, true); err != nil {
			return fail(err)
		}
		return protocol.StatusSuccess, nil

	case protocol.CmdSetFaultInjection:
		a.faultInjector.SetEnabled(ct.Enabled)
		return protocol.StatusSuccess, nil

	case protocol.CmdGetFaultInjectionStatus:
		return a.faultInjectionStatusLocked()

	default:
		return fail(errors.New("unknown command type"))
	}
}

func fail(err error) (protocol.ResponseStatus, *string) {
	msg := err.Error()
	return protocol.StatusError, &msg
}

// faultInjectionStatusLocked builds the GetFaultInjectionStatus response
// body from the fault injector's current config and stats.
func (a *Agent) faultInjectionStatusLocked() (protocol.ResponseStatus, *string) {
	cfg := a.faultInjector.GetConfig()
	stats := a.faultInjector.GetStats()

	body := struct {
		Config struct {
			Enabled            bool    `json:"enabled"`
			PowerRatePercent   float64 `json:"power_rate_percent"`
			ThermalRatePercent float64 `json:"thermal_rate_percent"`
			CommsRatePercent   float64 `json:"comms_rate_percent"`
		} `json:"config"`
		Stats struct {
			TotalFaultsInjected uint32 `json:"total_faults_injected"`
			CurrentActiveFaults int    `json:"current_active_faults"`
		} `json:"stats"`
	}{}

	body.Config.Enabled = cfg.Enabled
	body.Config.PowerRatePercent = cfg.PowerRatePercent
	body.Config.ThermalRatePercent = cfg.ThermalRatePercent
	body.Config.CommsRatePercent = cfg.CommsRatePercent
	body.Stats.TotalFaultsInjected = stats.TotalFaultsInjected
	body.Stats.CurrentActiveFaults = len(a.faultInjector.GetActiveFaults())

	encoded, err := json.Marshal(body)
	if err != nil {
		return fail(err)
	}
	msg := string(encoded)
	return protocol.StatusSuccess, &msg
}

func (a *Agent) injectFaultLocked(target subsystems.ID, fault subsystems.FaultType) {
	switch target {
	case subsystems.Power:
		a.power.InjectFault(fault)
	case subsystems.Thermal:
		a.thermal.InjectFault(fault)
	case subsystems.Comms:
		a.comms.InjectFault(fault)
	}
}

func (a *Agent) clearFaultsLocked(target *subsystems.ID) {
	if target == nil {
		a.power.ClearFaults()
		a.thermal.ClearFaults()
		a.comms.ClearFaults()
		a.faultInjector.ClearFaults(nil)
		return
	}
	a.injectFaultClearLocked(*target)
	a.faultInjector.ClearFaults(target)
}

func (a *Agent) injectFaultClearLocked(target subsystems.ID) {
	switch target {
	case subsystems.Power:
		a.power.ClearFaults()
	case subsystems.Thermal:
		a.thermal.ClearFaults()
	case subsystems.Comms:
		a.comms.ClearFaults()
	}
}

func (a *Agent) updateSubsystemsLocked() {
	if err := a.power.Update(mainLoopPeriodMS); err != nil {
		if _, ok := subsystems.AsFault(err); ok {
			a.state.LastError = err.Error()
		}
	}
	if err := a.thermal.Update(mainLoopPeriodMS); err != nil {
		if _, ok := subsystems.AsFault(err); ok {
			a.state.LastError = err.Error()
		}
	}
	if err := a.comms.Update(mainLoopPeriodMS); err != nil {
		// comms offline is non-critical to the main loop: the
		// satellite survives without a link, it just goes deaf.
		if _, ok := subsystems.AsFault(err); ok {
			a.state.LastError = err.Error()
		}
	}
}

func (a *Agent) processFaultInjectionLocked(currentTimeMS uint64) {
	actions := a.faultInjector.Update(currentTimeMS)
	for _, action := range actions {
		if action.Fault == nil {
			a.injectFaultClearLocked(action.Subsystem)
			continue
		}
		a.injectFaultLocked(action.Subsystem, *action.Fault)
	}
}

func (a *Agent) performSafetyChecksLocked(currentTimeMS uint64) {
	powerState := a.power.GetState()
	thermalState := a.thermal.GetState()
	commsState := a.comms.GetState()

	var faults []subsystems.Fault
	for _, af := range a.faultInjector.GetActiveFaults() {
		faults = append(faults, af.Fault)
	}

	_, actions := a.safetyManager.UpdateSafetyState(
		currentTimeMS,
		powerState.BatteryVoltageMV,
		powerState.BatteryCurrentMA,
		a.power.IsHealthy(),
		thermalState.CoreTempC,
		a.thermal.IsHealthy(),
		commsState.LinkUp,
		commsState.PacketLossPercent,
		a.comms.IsHealthy(),
		faults,
	)

	a.applySafetyActionsLocked(actions)
}

// applySafetyActionsLocked dispatches the subsystem commands implied by a
// safety.Actions bitset, whether it came from this tick's rule evaluation
// or from a manual SetSafeMode command.
func (a *Agent) applySafetyActionsLocked(actions safety.Actions) {
	if actions.EnablePowerSave || actions.EnableEmergencyPowerSave {
		_ = a.power.ExecuteCommand(power.CmdSetPowerSave, true)
	}
	switch {
	case actions.EnableEmergencyHeaters:
		_ = a.thermal.ExecuteCommand(thermal.CmdSetHeaterState, true, thermal.ModeSurvival, 0)
	case actions.EnableHeaters:
		_ = a.thermal.ExecuteCommand(thermal.CmdSetHeaterState, true, thermal.ModeNominal, 0)
	}
	if actions.DisableHeaters {
		_ = a.thermal.ExecuteCommand(thermal.CmdSetHeaterState, false, thermal.ModeNominal, 0)
	}
	if actions.DisableNonEssentialSystems {
		_ = a.comms.ExecuteCommand(comms.CmdSetLinkState, false, 0, 0, "")
	}
	if actions.RestoreNormalOperations {
		_ = a.comms.ExecuteCommand(comms.CmdSetLinkState, true, 0, 0, "")
	}
}

func (a *Agent) generateTelemetryLocked(currentTimeMS uint64) {
	if !a.telemetryCollector.ShouldCollect(currentTimeMS) {
		return
	}

	sysState := protocol.SystemState{
		SafeMode:           a.safetyManager.IsSafeModeActive(),
		UptimeSeconds:      currentTimeMS / 1000,
		LastCommandID:      0,
		TelemetryRateHz:    1,
		SystemTemperatureC: a.thermal.GetState().CoreTempC,
	}

	var perfHistory [4]protocol.PerformanceSnapshot
	for i := 0; i < 4; i++ {
		idx := (a.perfIdx - 1 - i + performanceHistorySize*2) % performanceHistorySize
		ps := a.performanceHistory[idx]
		perfHistory[i] = protocol.PerformanceSnapshot{
			LoopTimeUS:                ps.LoopTimeUS,
			CommandProcessingTimeUS:   ps.CommandProcessingTimeUS,
			TelemetryGenerationTimeUS: ps.TelemetryGenerationTimeUS,
			SafetyCheckTimeUS:         ps.SafetyCheckTimeUS,
		}
	}

	var safetyEvents []protocol.SafetyEventSummary
	for _, e := range a.safetyManager.GetEvents() {
		safetyEvents = append(safetyEvents, protocol.SafetyEventSummary{
			Event:     int(e.Event),
			Level:     int(e.Level),
			Subsystem: e.Subsystem,
			Timestamp: e.Timestamp,
			Resolved:  e.Resolved,
		})
	}

	snapshot := telemetry.Snapshot{
		SystemState: sysState,
		Power:       a.power.GetState(),
		Thermal:     a.thermal.GetState(),
		Comms:       a.comms.GetState(),
		PerformanceHistory: perfHistory,
		SafetyEvents:       safetyEvents,
	}

	a.telemetryCollector.CollectTelemetry(currentTimeMS, snapshot)
	a.state.TelemetryCount++
}

func (a *Agent) recordPerformanceLocked(ps PerformanceStats) {
	a.performanceHistory[a.perfIdx%performanceHistorySize] = ps
	a.perfIdx++
}
