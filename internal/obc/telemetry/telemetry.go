// Package telemetry collects periodic system snapshots into
// priority-ordered, size- and time-bounded batches ready for downlink.
package telemetry

import (
	"sync"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/saint0x/satbus-go/internal/obc/protocol"
	"github.com/saint0x/satbus-go/internal/obc/subsystems"
	"github.com/saint0x/satbus-go/internal/obc/subsystems/comms"
	"github.com/saint0x/satbus-go/internal/obc/subsystems/power"
	"github.com/saint0x/satbus-go/internal/obc/subsystems/thermal"
)

const (
	bufferSize       = 128
	maxBatchSize     = 8
	batchTimeoutMS   = 5000
	maxReadyBatches  = 4
	maxCompletedBatches = 16

	priorityHigh   = 1
	priorityNormal = 2
	priorityLow    = 3

	minRateHz = 1
	maxRateHz = 10
)

// SequencedPacket pairs a telemetry packet with its assigned batch and
// transmission priority.
type SequencedPacket struct {
	Packet         protocol.TelemetryPacket
	Priority       uint8
	BatchID        uint32
	CreatedAtMS    uint64
	RetransmitCount uint8
}

// Batch groups packets of the same priority for a single downlink
// transmission.
type Batch struct {
	BatchID        uint32                     `json:"batch_id"`
	SequenceStart  uint32                     `json:"sequence_start"`
	SequenceEnd    uint32                     `json:"sequence_end"`
	Priority       uint8                      `json:"priority"`
	CreatedAtMS    uint64                     `json:"created_at_ms"`
	Packets        []protocol.TelemetryPacket `json:"packets"`
	Checksum       uint32                     `json:"checksum"`
}

func (b *Batch) addPacket(p protocol.TelemetryPacket) {
	if len(b.Packets) == 0 {
		b.SequenceStart = p.SequenceNumber
	}
	b.SequenceEnd = p.SequenceNumber
	b.Checksum ^= p.SequenceNumber
	b.Packets = append(b.Packets, p)
}

func (b *Batch) isFull() bool {
	return len(b.Packets) >= maxBatchSize
}

func (b *Batch) isExpired(currentTimeMS uint64) bool {
	return currentTimeMS > b.CreatedAtMS+batchTimeoutMS
}

func (b *Batch) sizeBytes() int {
	total := 0
	for _, p := range b.Packets {
		total += len(p.Padding) + 256
	}
	return total
}

// BatchingStats accumulates batcher activity counters for telemetry
// reporting.
type BatchingStats struct {
	TotalPacketsBatched   uint32  `json:"total_packets_batched"`
	TotalBatchesCreated   uint32  `json:"total_batches_created"`
	TotalBatchesTransmitted uint32 `json:"total_batches_transmitted"`
	AverageBatchSize      float64 `json:"average_batch_size"`
	BatchSizeStdDev       float64 `json:"batch_size_stddev"`
	PacketsRetransmitted  uint32  `json:"packets_retransmitted"`
	SequenceGapsDetected  uint32  `json:"sequence_gaps_detected"`
}

const batchSizeHistoryLen = 32

// Batcher groups queued telemetry packets into priority batches bounded by
// size and time.
type Batcher struct {
	currentBatches   map[uint8]*Batch
	completedBatches []*Batch
	nextBatchID      uint32
	stats            BatchingStats
	batchSizeHistory []float64
}

func newBatcher() *Batcher {
	return &Batcher{currentBatches: map[uint8]*Batch{}, nextBatchID: 1}
}

func (b *Batcher) queuePacket(packet protocol.TelemetryPacket, priority uint8, currentTimeMS uint64) {
	batch, ok := b.currentBatches[priority]
	if ok && (batch.isFull() || batch.isExpired(currentTimeMS)) {
		b.finalizeBatch(priority)
		batch, ok = nil, false
	}
	if !ok {
		batch = &Batch{BatchID: b.nextBatchID, Priority: priority, CreatedAtMS: currentTimeMS}
		b.nextBatchID++
		b.currentBatches[priority] = batch
		b.stats.TotalBatchesCreated++
	}

	batch.addPacket(packet)
	b.stats.TotalPacketsBatched++

	if batch.isFull() {
		b.finalizeBatch(priority)
	}
}

func (b *Batcher) finalizeBatch(priority uint8) {
	batch, ok := b.currentBatches[priority]
	if !ok || len(batch.Packets) == 0 {
		return
	}
	if len(b.completedBatches) >= maxCompletedBatches {
		b.completedBatches = b.completedBatches[1:]
	}
	b.completedBatches = append(b.completedBatches, batch)
	delete(b.currentBatches, priority)
	b.stats.TotalBatchesTransmitted++

	if len(b.batchSizeHistory) >= batchSizeHistoryLen {
		b.batchSizeHistory = b.batchSizeHistory[1:]
	}
	b.batchSizeHistory = append(b.batchSizeHistory, float64(len(batch.Packets)))

	b.stats.AverageBatchSize = stat.Mean(b.batchSizeHistory, nil)
	if len(b.batchSizeHistory) > 1 {
		b.stats.BatchSizeStdDev = stat.StdDev(b.batchSizeHistory, nil)
	}
}

func (b *Batcher) flushExpired(currentTimeMS uint64) {
	for priority, batch := range b.currentBatches {
		if batch.isExpired(currentTimeMS) {
			b.finalizeBatch(priority)
		}
	}
}

func (b *Batcher) getReadyBatches() []*Batch {
	n := len(b.completedBatches)
	if n > maxReadyBatches {
		n = maxReadyBatches
	}
	ready := b.completedBatches[:n]
	b.completedBatches = b.completedBatches[n:]
	return ready
}

// SystemStats simulates coarse OS-level utilization figures reported in
// telemetry.
type SystemStats struct {
	CPUUsagePercent    uint8
	MemoryUsagePercent uint8
}

func (s *SystemStats) update(uptimeSeconds uint64) {
	phase := float64(uptimeSeconds%60) / 60.0 * 2 * 3.14159265358979
	s.CPUUsagePercent = uint8(15 + 10*sinApprox(phase))
	s.MemoryUsagePercent = uint8(40 + 5*sinApprox(phase/2))
}

func sinApprox(x float64) float64 {
	for x > 3.14159265358979 {
		x -= 2 * 3.14159265358979
	}
	for x < -3.14159265358979 {
		x += 2 * 3.14159265358979
	}
	x2 := x * x
	return x * (1 - x2/6*(1-x2/20))
}

// Collector gathers subsystem state into telemetry packets at a configured
// rate and feeds them into the batcher.
type Collector struct {
	mu sync.Mutex

	handler *protocol.Handler

	rateHz             uint8
	lastCollectionMS   uint64
	packetCounter      uint64
	buffer             []protocol.TelemetryPacket
	stats              SystemStats
	batcher            *Batcher

	expectedSequence uint32
	sequenceGaps     uint32

	logger *logrus.Logger
}

// NewCollector constructs a telemetry collector sampling at rateHz,
// clamped to the supported 1-10Hz range.
func NewCollector(handler *protocol.Handler, rateHz uint8, logger *logrus.Logger) *Collector {
	if rateHz < minRateHz {
		rateHz = minRateHz
	}
	if rateHz > maxRateHz {
		rateHz = maxRateHz
	}
	return &Collector{
		handler: handler,
		rateHz:  rateHz,
		batcher: newBatcher(),
		logger:  logger,
	}
}

// ShouldCollect reports whether enough time has elapsed since the last
// collection to sample again at the configured rate. Before the first
// collection it always reports true.
func (c *Collector) ShouldCollect(currentTimeMS uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.packetCounter == 0 {
		return true
	}
	intervalMS := uint64(1000) / uint64(c.rateHz)
	return currentTimeMS >= c.lastCollectionMS+intervalMS
}

// Snapshot bundles everything the agent has gathered this tick that the
// collector needs in order to build one telemetry packet.
type Snapshot struct {
	SystemState          protocol.SystemState
	Power                power.State
	Thermal              thermal.State
	Comms                comms.State
	Faults               []subsystems.Fault
	PerformanceHistory   [4]protocol.PerformanceSnapshot
	SafetyEvents         []protocol.SafetyEventSummary
	SubsystemDiagnostics protocol.SubsystemDiagnostics
	MissionData          protocol.MissionData
	OrbitalData          protocol.OrbitalData
}

func assignPriority(snapshot Snapshot) uint8 {
	if snapshot.SystemState.SafeMode || len(snapshot.Faults) > 0 {
		return priorityHigh
	}
	if snapshot.SystemState.UptimeSeconds < 300 {
		return priorityLow
	}
	return priorityNormal
}

// CollectTelemetry builds a full telemetry packet from current subsystem
// and safety state, assigns it a downlink priority, queues it into the
// batcher, retains it in the local ring buffer, and returns the packet.
func (c *Collector) CollectTelemetry(currentTimeMS uint64, snapshot Snapshot) protocol.TelemetryPacket {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastCollectionMS = currentTimeMS
	c.packetCounter++
	c.stats.update(snapshot.SystemState.UptimeSeconds)

	packet := c.handler.CreateTelemetryPacket(
		snapshot.SystemState,
		snapshot.Power,
		snapshot.Thermal,
		snapshot.Comms,
		snapshot.Faults,
		snapshot.PerformanceHistory,
		snapshot.SafetyEvents,
		snapshot.SubsystemDiagnostics,
		snapshot.MissionData,
		snapshot.OrbitalData,
	)

	c.validateSequenceNumber(packet.SequenceNumber)

	priority := assignPriority(snapshot)
	c.batcher.queuePacket(packet, priority, currentTimeMS)

	if len(c.buffer) >= bufferSize {
		c.buffer = c.buffer[1:]
	}
	c.buffer = append(c.buffer, packet)

	return packet
}

func (c *Collector) validateSequenceNumber(seq uint32) {
	if c.expectedSequence == 0 {
		c.expectedSequence = (seq % 65535) + 1
		return
	}
	if seq != c.expectedSequence {
		c.sequenceGaps++
		c.batcher.stats.SequenceGapsDetected++
	}
	c.expectedSequence = (seq % 65535) + 1
}

// GetReadyBatches flushes any expired in-flight batches, then returns up to
// maxReadyBatches completed batches ready for transmission.
func (c *Collector) GetReadyBatches(currentTimeMS uint64) []*Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batcher.flushExpired(currentTimeMS)
	return c.batcher.getReadyBatches()
}

// GetBatchingStats returns the current batching statistics.
func (c *Collector) GetBatchingStats() BatchingStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batcher.stats
}

// GetBufferedPackets returns a copy of the local telemetry ring buffer.
func (c *Collector) GetBufferedPackets() []protocol.TelemetryPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.TelemetryPacket, len(c.buffer))
	copy(out, c.buffer)
	return out
}

// SetRateHz updates the collection rate, clamped to the supported range.
func (c *Collector) SetRateHz(rateHz uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rateHz < minRateHz {
		rateHz = minRateHz
	}
	if rateHz > maxRateHz {
		rateHz = maxRateHz
	}
	c.rateHz = rateHz
}

// CSVHeaders lists the column headers produced by PacketCSVRow.
func CSVHeaders() []string {
	return []string{
		"sequence_number", "timestamp", "battery_voltage_mv", "core_temp_c",
		"signal_strength_dbm", "safe_mode",
	}
}

// PacketCSVRow renders a packet as one CSV row matching CSVHeaders, for
// ground-side offline analysis exports.
func PacketCSVRow(p protocol.TelemetryPacket) []string {
	return []string{
		itoa(int64(p.SequenceNumber)),
		itoa(int64(p.Timestamp)),
		itoa(int64(p.Power.BatteryVoltageMV)),
		itoa(int64(p.Thermal.CoreTempC)),
		itoa(int64(p.Comms.SignalStrengthDBm)),
		boolToStr(p.SystemState.SafeMode),
	}
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
