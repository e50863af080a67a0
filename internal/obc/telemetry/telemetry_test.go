package telemetry

import (
	"testing"

	"github.com/saint0x/satbus-go/internal/obc/protocol"
)

func testHandler() *protocol.Handler { return protocol.NewHandler() }

func TestShouldCollectRespectsRate(t *testing.T) {
	c := NewCollector(testHandler(), 1, nil)
	if !c.ShouldCollect(0) {
		t.Fatal("expected first collection to be due immediately")
	}
	c.CollectTelemetry(0, Snapshot{})
	if c.ShouldCollect(500) {
		t.Fatal("expected collection not due before 1s interval elapses")
	}
	if !c.ShouldCollect(1000) {
		t.Fatal("expected collection due at the 1s boundary")
	}
}

func TestCollectTelemetryAssignsSequentialSequenceNumbers(t *testing.T) {
	c := NewCollector(testHandler(), 10, nil)
	p1 := c.CollectTelemetry(0, Snapshot{})
	p2 := c.CollectTelemetry(100, Snapshot{})
	if p2.SequenceNumber != p1.SequenceNumber+1 {
		t.Fatalf("expected sequential sequence numbers, got %d then %d", p1.SequenceNumber, p2.SequenceNumber)
	}
}

func TestBufferEvictsOldestOnOverflow(t *testing.T) {
	c := NewCollector(testHandler(), 10, nil)
	for i := 0; i < bufferSize+10; i++ {
		c.CollectTelemetry(uint64(i*100), Snapshot{})
	}
	if len(c.GetBufferedPackets()) != bufferSize {
		t.Fatalf("expected buffer capped at %d, got %d", bufferSize, len(c.GetBufferedPackets()))
	}
}

func TestBatchFinalizesOnCount(t *testing.T) {
	c := NewCollector(testHandler(), 10, nil)
	for i := 0; i < maxBatchSize; i++ {
		c.CollectTelemetry(uint64(i*10), Snapshot{})
	}
	ready := c.GetReadyBatches(uint64(maxBatchSize * 10))
	if len(ready) != 1 {
		t.Fatalf("expected 1 ready batch after filling to capacity, got %d", len(ready))
	}
	if len(ready[0].Packets) != maxBatchSize {
		t.Fatalf("expected full batch of %d packets, got %d", maxBatchSize, len(ready[0].Packets))
	}
}

func TestBatchFinalizesOnTimeout(t *testing.T) {
	c := NewCollector(testHandler(), 10, nil)
	c.CollectTelemetry(0, Snapshot{})
	ready := c.GetReadyBatches(batchTimeoutMS + 1)
	if len(ready) != 1 {
		t.Fatalf("expected expired batch to finalize, got %d ready", len(ready))
	}
}

func TestPriorityAssignsHighForFaultsAndSafeMode(t *testing.T) {
	c := NewCollector(testHandler(), 10, nil)
	snap := Snapshot{SystemState: protocol.SystemState{SafeMode: true}}
	priority := assignPriority(snap)
	if priority != priorityHigh {
		t.Fatalf("expected priorityHigh for safe mode, got %d", priority)
	}
	_ = c
}
