package safety

import (
	"testing"

	"github.com/saint0x/satbus-go/internal/obc/subsystems"
)

func TestRecordEventIsIdempotent(t *testing.T) {
	m := New(nil)
	m.RecordEvent(EventCommsLinkLost, Warning, subsystems.Comms, 1000)
	m.RecordEvent(EventCommsLinkLost, Warning, subsystems.Comms, 2000)

	events := m.GetEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event after duplicate record, got %d", len(events))
	}
	if events[0].Timestamp != 2000 {
		t.Fatalf("expected timestamp refreshed to 2000, got %d", events[0].Timestamp)
	}
}

func TestRecordEventAfterResolveCreatesNewEntry(t *testing.T) {
	m := New(nil)
	m.RecordEvent(EventCommsLinkLost, Warning, subsystems.Comms, 1000)
	m.ResolveEvent(EventCommsLinkLost, subsystems.Comms)
	m.RecordEvent(EventCommsLinkLost, Warning, subsystems.Comms, 2000)

	events := m.GetEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 events (one resolved, one new), got %d", len(events))
	}
}

func TestSafeModeEntersOnCriticalHighTemperature(t *testing.T) {
	m := New(nil)
	state, actions := m.UpdateSafetyState(1000, 3800, 0, true, 80, true, true, 0, true, nil)
	if !state.SafeModeActive {
		t.Fatal("expected safe mode to activate on critical high temperature")
	}
	if state.Level != Emergency {
		t.Fatalf("expected Emergency level (safe-mode entry records SystemOverload/Emergency), got %v", state.Level)
	}
	if !actions.EnableEmergencyPowerSave || !actions.DisableNonEssentialSystems || !actions.EnableSurvivalMode {
		t.Fatalf("expected full safe-mode entry action set, got %+v", actions)
	}
	if state.SafeModeEntryCount != 1 {
		t.Fatalf("expected safe_mode_entry_count of 1, got %d", state.SafeModeEntryCount)
	}
}

func TestSafeModeExitsAutonomouslyWhenConditionClears(t *testing.T) {
	m := New(nil)
	m.UpdateSafetyState(1000, 3800, 0, true, 80, true, true, 0, true, nil)
	if !m.IsSafeModeActive() {
		t.Fatal("expected safe mode active after critical temperature")
	}

	// The SystemOverload/Emergency record made on entry is not tied to a
	// reading, so it keeps safe mode latched until it is resolved.
	m.ResolveEvent(EventSystemOverload, subsystems.Power)

	state, actions := m.UpdateSafetyState(2000, 3800, 0, true, 20, true, true, 0, true, nil)
	if state.SafeModeActive {
		t.Fatal("expected safe mode to exit once the critical condition clears")
	}
	if !actions.RestoreNormalOperations {
		t.Fatal("expected restore_normal_operations on autonomous exit")
	}
	if state.Level != Normal || state.UnresolvedEventCount != 0 {
		t.Fatalf("expected Normal level and zero unresolved events on exit, got %v/%d", state.Level, state.UnresolvedEventCount)
	}
}

func TestSafeModeDoesNotEnterDuringManualOverride(t *testing.T) {
	m := New(nil)
	m.DisableSafeMode(0)

	state, _ := m.UpdateSafetyState(1000, 3800, 0, true, 80, true, true, 0, true, nil)
	if state.SafeModeActive {
		t.Fatal("expected safe mode suppressed during manual override window")
	}
	if !state.ManualOverrideActive {
		t.Fatal("expected manual override to be active")
	}
}

func TestDisableSafeModeAlwaysArmsOverrideEvenWhenInactive(t *testing.T) {
	m := New(nil)
	if m.IsSafeModeActive() {
		t.Fatal("expected safe mode inactive at creation")
	}

	m.DisableSafeMode(5000)
	if !m.manualOverrideActive {
		t.Fatal("expected DisableSafeMode to arm manual override regardless of prior safe-mode state")
	}
	if m.overrideExpiresAtMS != 5000+manualOverrideDurationMS {
		t.Fatalf("expected override window of %dms, got expiry %d", manualOverrideDurationMS, m.overrideExpiresAtMS)
	}
}

func TestManualOverrideExpires(t *testing.T) {
	m := New(nil)
	m.DisableSafeMode(0)

	state, _ := m.UpdateSafetyState(manualOverrideDurationMS+1, 3800, 0, true, 80, true, true, 0, true, nil)
	if state.ManualOverrideActive {
		t.Fatal("expected manual override to have expired")
	}
	if !state.SafeModeActive {
		t.Fatal("expected safe mode to re-enter once override expires with a critical condition present")
	}
}

func TestLevelEscalatesToMaxOfUnresolved(t *testing.T) {
	m := New(nil)
	m.RecordEvent(EventBatteryVoltageUnstable, Caution, subsystems.Power, 0)
	m.RecordEvent(EventCommsLinkLost, Warning, subsystems.Comms, 0)

	// Readings keep both conditions present so the update does not
	// auto-resolve either event.
	state, _ := m.UpdateSafetyState(1000, 3800, 1500, true, 20, true, false, 0, true, nil)
	if state.Level != Warning {
		t.Fatalf("expected Warning (max of Caution, Warning), got %v", state.Level)
	}
}

func TestBatteryRuleTableRecordsCorrectKindAndLevel(t *testing.T) {
	m := New(nil)

	state, actions := m.UpdateSafetyState(1000, 3100, 0, true, 20, true, true, 0, true, nil)
	if !actions.EnableEmergencyPowerSave {
		t.Fatal("expected emergency power save below 3200mV")
	}
	events := m.GetEvents()
	if len(events) != 2 || events[0].Event != EventBatteryLow || events[0].Level != Critical || events[1].Event != EventSystemOverload {
		t.Fatalf("expected BatteryLow/Critical followed by the safe-mode SystemOverload event, got %+v", events)
	}
	if state.Level != Emergency {
		t.Fatalf("expected Emergency level after safe-mode entry, got %v", state.Level)
	}

	m2 := New(nil)
	_, actions2 := m2.UpdateSafetyState(1000, 3300, 0, true, 20, true, true, 0, true, nil)
	if !actions2.EnablePowerSave {
		t.Fatal("expected power save between 3200 and 3400mV")
	}
	events2 := m2.GetEvents()
	if len(events2) != 1 || events2[0].Event != EventBatteryLow || events2[0].Level != Warning {
		t.Fatalf("expected one BatteryLow/Warning event, got %+v", events2)
	}
}

func TestBatteryCurrentUnstableRule(t *testing.T) {
	m := New(nil)
	m.UpdateSafetyState(1000, 3800, 1500, true, 20, true, true, 0, true, nil)
	events := m.GetEvents()
	if len(events) != 1 || events[0].Event != EventBatteryVoltageUnstable || events[0].Level != Caution {
		t.Fatalf("expected one BatteryVoltageUnstable/Caution event, got %+v", events)
	}

	m.UpdateSafetyState(2000, 3800, -1500, true, 20, true, true, 0, true, nil)
	events = m.GetEvents()
	for _, e := range events {
		if e.Event == EventBatteryVoltageUnstable && e.Resolved {
			t.Fatal("did not expect the unstable-current event to resolve while |current| is still over threshold")
		}
	}
}

func TestTemperatureWarningBandsRecordEvents(t *testing.T) {
	m := New(nil)
	_, actions := m.UpdateSafetyState(1000, 3800, 0, true, 70, true, true, 0, true, nil)
	if !actions.DisableHeaters {
		t.Fatal("expected disable_heaters above 65C")
	}
	events := m.GetEvents()
	if len(events) != 1 || events[0].Event != EventTemperatureHigh || events[0].Level != Warning {
		t.Fatalf("expected one TemperatureHigh/Warning event, got %+v", events)
	}

	m2 := New(nil)
	_, actions2 := m2.UpdateSafetyState(1000, 3800, 0, true, -35, true, true, 0, true, nil)
	if !actions2.EnableHeaters {
		t.Fatal("expected enable_heaters below -30C")
	}
	events2 := m2.GetEvents()
	if len(events2) != 1 || events2[0].Event != EventTemperatureLow || events2[0].Level != Warning {
		t.Fatalf("expected one TemperatureLow/Warning event, got %+v", events2)
	}
}

func TestSubsystemFailureRulesRecordCriticalEvents(t *testing.T) {
	m := New(nil)
	state, _ := m.UpdateSafetyState(1000, 3800, 0, false, 20, false, true, 0, false, nil)
	if state.Level != Emergency {
		t.Fatalf("expected Emergency level (Critical failures trigger safe-mode entry) when all three subsystems unhealthy, got %v", state.Level)
	}
	kinds := map[Event]bool{}
	for _, e := range m.GetEvents() {
		kinds[e.Event] = true
	}
	for _, want := range []Event{EventPowerSystemFailure, EventThermalSystemFailure, EventCommsSystemFailure} {
		if !kinds[want] {
			t.Fatalf("expected %v event to be recorded", want)
		}
	}
}

func TestCommsLinkLostRule(t *testing.T) {
	m := New(nil)
	m.UpdateSafetyState(1000, 3800, 0, true, 20, true, false, 0, true, nil)
	events := m.GetEvents()
	if len(events) != 1 || events[0].Event != EventCommsLinkLost || events[0].Level != Warning {
		t.Fatalf("expected one CommsLinkLost/Warning event for link down, got %+v", events)
	}

	m2 := New(nil)
	m2.UpdateSafetyState(1000, 3800, 0, true, 20, true, true, 60, true, nil)
	events2 := m2.GetEvents()
	if len(events2) != 1 || events2[0].Event != EventCommsLinkLost || events2[0].Level != Caution {
		t.Fatalf("expected one CommsLinkLost/Caution event for packet loss, got %+v", events2)
	}
}

func TestFaultTriggeredSafeModeFiresFromActiveFaults(t *testing.T) {
	m := New(nil)
	faults := []subsystems.Fault{{Subsystem: subsystems.Comms, Type: subsystems.Offline, Timestamp: 500}}
	state, _ := m.UpdateSafetyState(1000, 3800, 0, true, 20, true, true, 0, true, faults)
	if !state.SafeModeActive {
		t.Fatal("expected an Offline fault to trigger safe mode even with otherwise-healthy readings")
	}
}

func TestClearEventsForceRemovesAll(t *testing.T) {
	m := New(nil)
	m.RecordEvent(EventBatteryLow, Caution, subsystems.Power, 0)
	m.RecordEvent(EventCommsLinkLost, Warning, subsystems.Comms, 0)

	cleared := m.ClearEvents(true)
	if cleared != 2 {
		t.Fatalf("expected 2 cleared, got %d", cleared)
	}
	if len(m.GetEvents()) != 0 {
		t.Fatal("expected no events remaining")
	}
}
