package comms

import (
	"testing"

	"github.com/saint0x/satbus-go/internal/obc/subsystems"
)

func TestNewDefaults(t *testing.T) {
	c := New(nil)
	st := c.GetState()

	if !st.LinkUp {
		t.Fatal("expected link up at boot")
	}
	if st.TxPowerDBm != 20 {
		t.Fatalf("expected tx power 20, got %d", st.TxPowerDBm)
	}
}

func TestUpdateAdaptsDataRate(t *testing.T) {
	c := New(nil)
	for i := 0; i < 20; i++ {
		_ = c.Update(1000)
	}

	st := c.GetState()
	if st.DataRateBPS != 19200 && st.DataRateBPS != 9600 && st.DataRateBPS != 4800 {
		t.Fatalf("unexpected data rate %d", st.DataRateBPS)
	}
}

func TestSetTxPowerValidation(t *testing.T) {
	c := New(nil)
	if err := c.ExecuteCommand(CmdSetTxPower, false, 50, 0, ""); err == nil {
		t.Fatal("expected invalid power level to be rejected")
	}
	if err := c.ExecuteCommand(CmdSetTxPower, false, 10, 0, ""); err != nil {
		t.Fatalf("unexpected error for valid power level: %v", err)
	}
}

func TestTransmitMessageQueueing(t *testing.T) {
	c := New(nil)
	if err := c.ExecuteCommand(CmdTransmitMessage, false, 0, 0, "hello"); err != nil {
		t.Fatalf("unexpected error queueing message: %v", err)
	}
	if len(c.downlinkQueue) != 1 {
		t.Fatalf("expected 1 queued message, got %d", len(c.downlinkQueue))
	}
}

func TestFlushQueueEmptiesDownlink(t *testing.T) {
	c := New(nil)
	_ = c.ExecuteCommand(CmdTransmitMessage, false, 0, 0, "a")
	_ = c.ExecuteCommand(CmdTransmitMessage, false, 0, 0, "b")
	_ = c.ExecuteCommand(CmdFlushQueue, false, 0, 0, "")

	if len(c.downlinkQueue) != 0 {
		t.Fatalf("expected empty queue after flush, got %d", len(c.downlinkQueue))
	}
}

func TestDegradedFaultReducesTxPower(t *testing.T) {
	c := New(nil)
	before := c.GetState().TxPowerDBm
	c.InjectFault(subsystems.Degraded)
	_ = c.Update(1000)

	after := c.GetState().TxPowerDBm
	if after >= before {
		t.Fatalf("expected tx power to drop under degraded fault: before=%d after=%d", before, after)
	}
}

func TestOfflineFaultDropsLink(t *testing.T) {
	c := New(nil)
	c.InjectFault(subsystems.Offline)
	_ = c.Update(1000)

	if c.GetState().LinkUp {
		t.Fatal("expected link down under offline fault")
	}
	if c.IsHealthy() {
		t.Fatal("expected unhealthy under offline fault")
	}
}

func TestQueueOverflowReportsDegraded(t *testing.T) {
	c := New(nil)
	for i := 0; i < maxDownlinkQueue; i++ {
		_ = c.queueTelemetryMessage("x")
	}

	err := c.processDownlinkQueue(0)
	ft, ok := subsystems.AsFault(err)
	if !ok || ft != subsystems.Degraded {
		t.Fatalf("expected Degraded fault from queue overflow, got %v", err)
	}
}
