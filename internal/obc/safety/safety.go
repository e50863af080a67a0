// Package safety tracks safety-relevant events across subsystems, escalates
// an overall safety level, and decides when the agent must enter or may
// leave safe mode.
package safety

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/saint0x/satbus-go/internal/obc/subsystems"
)

const (
	maxEventHistory = 32

	manualOverrideDurationMS = 10 * 60 * 1000

	batteryCriticalMV        = 3200
	batteryWarningMV         = 3400
	batteryCurrentUnstableMA = 1000

	tempCriticalHighC = 75
	tempWarningHighC  = 65
	tempCriticalLowC  = -40
	tempWarningLowC   = -30

	packetLossCautionPercent = 50
)

// Level orders the overall safety posture from best to worst.
type Level int

const (
	Normal Level = iota
	Caution
	Warning
	Critical
	Emergency
)

func (l Level) String() string {
	names := []string{"Normal", "Caution", "Warning", "Critical", "Emergency"}
	if int(l) < len(names) {
		return names[l]
	}
	return "Unknown"
}

// Event enumerates the kinds of safety-relevant conditions the supervisor
// watches for. The set is closed at exactly these ten kinds.
type Event int

const (
	EventBatteryLow Event = iota
	EventTemperatureHigh
	EventTemperatureLow
	EventCommsLinkLost
	EventSystemOverload
	EventPowerSystemFailure
	EventThermalSystemFailure
	EventCommsSystemFailure
	EventWatchdogTimeout
	EventBatteryVoltageUnstable
)

func (e Event) String() string {
	names := []string{
		"BatteryLow", "TemperatureHigh", "TemperatureLow", "CommsLinkLost",
		"SystemOverload", "PowerSystemFailure", "ThermalSystemFailure",
		"CommsSystemFailure", "WatchdogTimeout", "BatteryVoltageUnstable",
	}
	if int(e) < len(names) {
		return names[e]
	}
	return "Unknown"
}

// EventRecord is one recorded occurrence of an Event against a subsystem.
// The level a given Event kind is recorded at varies by which threshold
// tripped it (e.g. BatteryLow can be Warning or Critical), so it travels
// with the record rather than being intrinsic to the Event kind.
type EventRecord struct {
	Event     Event         `json:"event"`
	Level     Level         `json:"level"`
	Subsystem subsystems.ID `json:"subsystem"`
	Timestamp uint64        `json:"timestamp"`
	Resolved  bool          `json:"resolved"`
}

// State is the overall safety posture reported to telemetry.
type State struct {
	Level                Level  `json:"level"`
	SafeModeActive       bool   `json:"safe_mode_active"`
	ManualOverrideActive bool   `json:"manual_override_active"`
	OverrideExpiresAtMS  uint64 `json:"override_expires_at_ms"`
	UnresolvedEventCount int    `json:"unresolved_event_count"`
	SafeModeEntryCount   uint32 `json:"safe_mode_entry_count"`
}

// Actions tells the agent which corrective subsystem commands to issue this
// tick as a consequence of the current safety state.
type Actions struct {
	EnablePowerSave            bool
	EnableEmergencyPowerSave   bool
	EnableHeaters              bool
	EnableEmergencyHeaters     bool
	DisableHeaters             bool
	DisableNonEssentialSystems bool
	EnableSurvivalMode         bool
	RestoreNormalOperations    bool
}

// Manager is the safety supervisor: it records events, escalates the
// overall level, and governs safe-mode entry/exit.
type Manager struct {
	mu sync.Mutex

	events               []EventRecord
	safeModeActive       bool
	safeModeEntryCount   uint32
	manualOverrideActive bool
	overrideExpiresAtMS  uint64
	lastWatchdogResetMS  uint64

	logger *logrus.Logger
}

// New constructs an empty safety manager.
func New(logger *logrus.Logger) *Manager {
	return &Manager{logger: logger}
}

// recordUnlocked is the single recording implementation shared by the
// public RecordEvent wrapper and the rule evaluation in UpdateSafetyState;
// the caller must already hold m.mu. Idempotent per (event, subsystem,
// unresolved): a matching unresolved record already present has its
// timestamp and level refreshed rather than being duplicated; otherwise a
// new record is appended, evicting the oldest on overflow.
func (m *Manager) recordUnlocked(event Event, level Level, subsystem subsystems.ID, currentTimeMS uint64) {
	for i := range m.events {
		if m.events[i].Event == event && m.events[i].Subsystem == subsystem && !m.events[i].Resolved {
			m.events[i].Timestamp = currentTimeMS
			m.events[i].Level = level
			return
		}
	}

	if len(m.events) >= maxEventHistory {
		m.events = m.events[1:]
	}

	m.events = append(m.events, EventRecord{
		Event:     event,
		Level:     level,
		Subsystem: subsystem,
		Timestamp: currentTimeMS,
		Resolved:  false,
	})

	if m.logger != nil {
		m.logger.WithFields(logrus.Fields{
			"event":     event,
			"subsystem": subsystem,
			"level":     level,
		}).Warn("safety event recorded")
	}
}

// resolveUnlocked is the single resolution implementation shared by the
// public ResolveEvent wrapper and the rule evaluation in
// UpdateSafetyState; the caller must already hold m.mu.
func (m *Manager) resolveUnlocked(event Event, subsystem subsystems.ID) {
	for i := range m.events {
		if m.events[i].Event == event && m.events[i].Subsystem == subsystem && !m.events[i].Resolved {
			m.events[i].Resolved = true
		}
	}
}

// RecordEvent records an occurrence of event against subsystem at level,
// at currentTimeMS.
func (m *Manager) RecordEvent(event Event, level Level, subsystem subsystems.ID, currentTimeMS uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordUnlocked(event, level, subsystem, currentTimeMS)
}

// ResolveEvent marks every unresolved record matching event+subsystem as
// resolved.
func (m *Manager) ResolveEvent(event Event, subsystem subsystems.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolveUnlocked(event, subsystem)
}

func (m *Manager) currentLevelLocked() Level {
	level := Normal
	for _, e := range m.events {
		if !e.Resolved && e.Level > level {
			level = e.Level
		}
	}
	return level
}

func (m *Manager) hasUnresolvedAtOrAbove(threshold Level) bool {
	for _, e := range m.events {
		if !e.Resolved && e.Level >= threshold {
			return true
		}
	}
	return false
}

func (m *Manager) resolveAllAtOrAbove(threshold Level) {
	for i := range m.events {
		if !m.events[i].Resolved && m.events[i].Level >= threshold {
			m.events[i].Resolved = true
		}
	}
}

// resolveAllUnresolvedLocked clears every unresolved event regardless of
// level, used on autonomous safe-mode exit where active_events must reset
// to zero.
func (m *Manager) resolveAllUnresolvedLocked() {
	for i := range m.events {
		m.events[i].Resolved = true
	}
}

// UpdateSafetyState evaluates current subsystem readings, records any new
// events, and decides whether safe mode must be entered or may be exited,
// then returns the resulting state and the corrective actions for this
// tick.
func (m *Manager) UpdateSafetyState(
	currentTimeMS uint64,
	batteryVoltageMV uint16,
	batteryCurrentMA int16,
	powerHealthy bool,
	coreTempC int8,
	thermalHealthy bool,
	linkUp bool,
	packetLossPercent uint8,
	commsHealthy bool,
	faults []subsystems.Fault,
) (State, Actions) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastWatchdogResetMS = currentTimeMS

	var actions Actions

	switch {
	case batteryVoltageMV < batteryCriticalMV:
		m.recordUnlocked(EventBatteryLow, Critical, subsystems.Power, currentTimeMS)
		actions.EnableEmergencyPowerSave = true
	case batteryVoltageMV < batteryWarningMV:
		m.recordUnlocked(EventBatteryLow, Warning, subsystems.Power, currentTimeMS)
		actions.EnablePowerSave = true
	default:
		m.resolveUnlocked(EventBatteryLow, subsystems.Power)
	}

	batteryCurrentAbs := batteryCurrentMA
	if batteryCurrentAbs < 0 {
		batteryCurrentAbs = -batteryCurrentAbs
	}
	if int(batteryCurrentAbs) > batteryCurrentUnstableMA {
		m.recordUnlocked(EventBatteryVoltageUnstable, Caution, subsystems.Power, currentTimeMS)
	} else {
		m.resolveUnlocked(EventBatteryVoltageUnstable, subsystems.Power)
	}

	if !powerHealthy {
		m.recordUnlocked(EventPowerSystemFailure, Critical, subsystems.Power, currentTimeMS)
	} else {
		m.resolveUnlocked(EventPowerSystemFailure, subsystems.Power)
	}

	switch {
	case coreTempC > tempCriticalHighC:
		m.recordUnlocked(EventTemperatureHigh, Critical, subsystems.Thermal, currentTimeMS)
		actions.DisableHeaters = true
		actions.EnableEmergencyPowerSave = true
	case coreTempC > tempWarningHighC:
		m.recordUnlocked(EventTemperatureHigh, Warning, subsystems.Thermal, currentTimeMS)
		actions.DisableHeaters = true
	default:
		m.resolveUnlocked(EventTemperatureHigh, subsystems.Thermal)
	}

	switch {
	case coreTempC < tempCriticalLowC:
		m.recordUnlocked(EventTemperatureLow, Critical, subsystems.Thermal, currentTimeMS)
		actions.EnableEmergencyHeaters = true
	case coreTempC < tempWarningLowC:
		m.recordUnlocked(EventTemperatureLow, Warning, subsystems.Thermal, currentTimeMS)
		actions.EnableHeaters = true
	default:
		m.resolveUnlocked(EventTemperatureLow, subsystems.Thermal)
	}

	if !thermalHealthy {
		m.recordUnlocked(EventThermalSystemFailure, Critical, subsystems.Thermal, currentTimeMS)
	} else {
		m.resolveUnlocked(EventThermalSystemFailure, subsystems.Thermal)
	}

	switch {
	case !linkUp:
		m.recordUnlocked(EventCommsLinkLost, Warning, subsystems.Comms, currentTimeMS)
	case packetLossPercent > packetLossCautionPercent:
		m.recordUnlocked(EventCommsLinkLost, Caution, subsystems.Comms, currentTimeMS)
	default:
		m.resolveUnlocked(EventCommsLinkLost, subsystems.Comms)
	}

	if !commsHealthy {
		m.recordUnlocked(EventCommsSystemFailure, Critical, subsystems.Comms, currentTimeMS)
	} else {
		m.resolveUnlocked(EventCommsSystemFailure, subsystems.Comms)
	}

	// Active injected faults reach the supervisor directly, independent of
	// each subsystem's own healthy flag, so a fault-triggered *SystemFailure
	// event always fires even if a subsystem's health heuristic disagrees.
	for _, f := range faults {
		if f.Type != subsystems.Failed && f.Type != subsystems.Offline {
			continue
		}
		switch f.Subsystem {
		case subsystems.Power:
			m.recordUnlocked(EventPowerSystemFailure, Critical, subsystems.Power, currentTimeMS)
		case subsystems.Thermal:
			m.recordUnlocked(EventThermalSystemFailure, Critical, subsystems.Thermal, currentTimeMS)
		case subsystems.Comms:
			m.recordUnlocked(EventCommsSystemFailure, Critical, subsystems.Comms, currentTimeMS)
		}
	}

	if m.manualOverrideActive && currentTimeMS >= m.overrideExpiresAtMS {
		m.manualOverrideActive = false
	}

	shouldEnter := m.hasUnresolvedAtOrAbove(Critical) && !m.manualOverrideActive

	switch {
	case !m.safeModeActive && shouldEnter:
		entryActions := m.enterSafeModeUnlocked(currentTimeMS)
		actions.EnableEmergencyPowerSave = actions.EnableEmergencyPowerSave || entryActions.EnableEmergencyPowerSave
		actions.DisableNonEssentialSystems = entryActions.DisableNonEssentialSystems
		actions.EnableSurvivalMode = entryActions.EnableSurvivalMode
	case m.safeModeActive && !shouldEnter:
		exitActions := m.exitSafeModeUnlocked()
		actions.RestoreNormalOperations = exitActions.RestoreNormalOperations
	}

	state := State{
		Level:                m.currentLevelLocked(),
		SafeModeActive:       m.safeModeActive,
		ManualOverrideActive: m.manualOverrideActive,
		OverrideExpiresAtMS:  m.overrideExpiresAtMS,
		SafeModeEntryCount:   m.safeModeEntryCount,
	}
	for _, e := range m.events {
		if !e.Resolved {
			state.UnresolvedEventCount++
		}
	}

	return state, actions
}

// enterSafeModeUnlocked performs the entry side effects mandated for every
// safe-mode entry, whether triggered autonomously by UpdateSafetyState or
// forced by EnterSafeMode: sets the flag, increments the entry counter,
// records a SystemOverload/Emergency event, and returns the actions the
// agent must issue this tick. The caller must already hold m.mu.
func (m *Manager) enterSafeModeUnlocked(currentTimeMS uint64) Actions {
	m.safeModeActive = true
	m.safeModeEntryCount++
	// SystemOverload is system-wide rather than tied to one subsystem;
	// recorded against Power since emergency power save is its lead action.
	m.recordUnlocked(EventSystemOverload, Emergency, subsystems.Power, currentTimeMS)

	if m.logger != nil {
		m.logger.WithField("entry_count", m.safeModeEntryCount).Warn("entering safe mode")
	}

	return Actions{
		EnableEmergencyPowerSave:   true,
		DisableNonEssentialSystems: true,
		EnableSurvivalMode:         true,
	}
}

// exitSafeModeUnlocked performs the exit side effects: clears the flag,
// resolves every unresolved event so level/count reset to Normal/0, and
// returns restore_normal_operations. The caller must already hold m.mu.
func (m *Manager) exitSafeModeUnlocked() Actions {
	m.safeModeActive = false
	m.resolveAllUnresolvedLocked()

	if m.logger != nil {
		m.logger.Info("exiting safe mode")
	}

	return Actions{RestoreNormalOperations: true}
}

// EnterSafeMode forces safe mode on unconditionally, performing the same
// entry side effects as an autonomous trigger, and returns the resulting
// actions for the agent to apply.
func (m *Manager) EnterSafeMode(currentTimeMS uint64) Actions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enterSafeModeUnlocked(currentTimeMS)
}

// DisableSafeMode exits safe mode by resolving every unresolved Critical or
// Emergency event (lower-level events stay unresolved), and
// always arms a manual-override window (even if safe mode was not
// actually active), so a ground operator's explicit disable command is
// never immediately re-entered by the next safety evaluation. Returns the
// resulting actions for the agent to apply.
func (m *Manager) DisableSafeMode(currentTimeMS uint64) Actions {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resolveAllAtOrAbove(Critical)
	m.safeModeActive = false
	m.manualOverrideActive = true
	m.overrideExpiresAtMS = currentTimeMS + manualOverrideDurationMS

	return Actions{RestoreNormalOperations: true}
}

// IsSafeModeActive reports whether the agent is currently in safe mode.
func (m *Manager) IsSafeModeActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.safeModeActive
}

// ClearEvents clears resolved events, or all events when force is true.
func (m *Manager) ClearEvents(force bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	initial := len(m.events)
	if force {
		m.events = nil
		return initial
	}

	kept := m.events[:0]
	for _, e := range m.events {
		if !e.Resolved {
			kept = append(kept, e)
		}
	}
	m.events = kept
	return initial - len(m.events)
}

// GetEvents returns a copy of the current event history.
func (m *Manager) GetEvents() []EventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventRecord, len(m.events))
	copy(out, m.events)
	return out
}
