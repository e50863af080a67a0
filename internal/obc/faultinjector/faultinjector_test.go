package faultinjector

import (
	"testing"

	"github.com/saint0x/satbus-go/internal/obc/subsystems"
)

func TestNewInjectorDefaults(t *testing.T) {
	fi := New(nil)
	stats := fi.GetStats()

	if stats.TotalFaultsInjected != 0 {
		t.Fatalf("expected zero faults at creation, got %d", stats.TotalFaultsInjected)
	}
	if !fi.GetConfig().Enabled {
		t.Fatal("expected fault injection enabled by default")
	}
}

func TestDisabledInjectorProducesNoActions(t *testing.T) {
	fi := New(nil)
	fi.SetEnabled(false)

	for i := uint64(0); i < 1000; i++ {
		if actions := fi.Update(i * 1000); len(actions) != 0 {
			t.Fatalf("expected no actions while disabled, got %v", actions)
		}
	}
}

func TestDeterministicSequenceIsReproducible(t *testing.T) {
	a := New(nil)
	b := New(nil)

	for i := uint64(0); i < 500; i++ {
		aa := a.Update(i * 1000)
		bb := b.Update(i * 1000)
		if len(aa) != len(bb) {
			t.Fatalf("tick %d: action count diverged: %d vs %d", i, len(aa), len(bb))
		}
		for j := range aa {
			if aa[j].Subsystem != bb[j].Subsystem {
				t.Fatalf("tick %d: subsystem diverged", i)
			}
		}
	}
}

func TestFaultTypeSelectionRespectsWeights(t *testing.T) {
	fi := New(nil)
	counts := map[subsystems.FaultType]int{}

	for i := 0; i < 10000; i++ {
		ft, ok := fi.selectFaultType()
		if !ok {
			t.Fatal("expected a fault type selection")
		}
		counts[ft]++
	}

	if counts[subsystems.Degraded] <= counts[subsystems.Failed] {
		t.Fatalf("expected Degraded to dominate Failed: %v", counts)
	}
	if counts[subsystems.Failed] <= counts[subsystems.Offline] {
		t.Fatalf("expected Failed to dominate Offline: %v", counts)
	}
}

func TestManualFaultClearing(t *testing.T) {
	fi := New(nil)
	power := subsystems.Power
	fi.activeFaults = []ActiveFault{
		{Fault: subsystems.Fault{Subsystem: subsystems.Power}},
		{Fault: subsystems.Fault{Subsystem: subsystems.Thermal}},
	}

	fi.ClearFaults(&power)
	if len(fi.activeFaults) != 1 {
		t.Fatalf("expected 1 remaining fault after targeted clear, got %d", len(fi.activeFaults))
	}

	fi.ClearFaults(nil)
	if len(fi.activeFaults) != 0 {
		t.Fatalf("expected all faults cleared, got %d", len(fi.activeFaults))
	}

	stats := fi.GetStats()
	if stats.ManualClearedFaults != 2 {
		t.Fatalf("expected 2 manual clears recorded, got %d", stats.ManualClearedFaults)
	}
}

func TestAtMostOneActiveFaultPerSubsystem(t *testing.T) {
	fi := New(nil)
	for i := uint64(0); i < 5000; i++ {
		fi.Update(i * 1000)
		seen := map[subsystems.ID]bool{}
		for _, af := range fi.activeFaults {
			if seen[af.Fault.Subsystem] {
				t.Fatalf("duplicate active fault for subsystem %v at cycle %d", af.Fault.Subsystem, i)
			}
			seen[af.Fault.Subsystem] = true
		}
	}
}
