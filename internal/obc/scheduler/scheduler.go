// Package scheduler holds commands tagged with a future execution time and
// releases them once that time has been reached.
package scheduler

import (
	"errors"
	"sort"

	"github.com/saint0x/satbus-go/internal/obc/protocol"
)

const (
	maxScheduledCommands = 32
	maxReadyPerCall       = 8
	pastTimeToleranceMS   = 5000
)

var (
	// ErrTooFarInFuture is returned when a command's execution time exceeds
	// the scheduler's configured timeout horizon.
	ErrTooFarInFuture = errors.New("execution time too far in future")
	// ErrInPast is returned when a command's execution time is further in
	// the past than the scheduler's tolerance allows.
	ErrInPast = errors.New("execution time in the past")
	// ErrSchedulerFull is returned when the scheduler is at capacity.
	ErrSchedulerFull = errors.New("scheduler queue full")
)

// ScheduledCommand pairs a command with when it was scheduled and when it
// should execute.
type ScheduledCommand struct {
	Command       protocol.Command
	ExecutionTime uint64
	ScheduledAt   uint64
}

// Stats accumulates scheduler activity counters for telemetry reporting.
type Stats struct {
	TotalScheduled     uint32 `json:"total_scheduled"`
	TotalExecuted      uint32 `json:"total_executed"`
	TotalExpired       uint32 `json:"total_expired"`
	CurrentlyScheduled uint8  `json:"currently_scheduled"`
}

// Scheduler holds time-tagged commands in execution-time order.
type Scheduler struct {
	scheduled        []ScheduledCommand
	stats            Stats
	commandTimeoutS  uint64
}

// New constructs a scheduler with the default 1-hour command timeout.
func New() *Scheduler {
	return &Scheduler{commandTimeoutS: 3600}
}

// ScheduleCommand inserts cmd into the scheduler in execution-time order.
func (s *Scheduler) ScheduleCommand(cmd protocol.Command, currentTimeMS uint64) error {
	executionTime := currentTimeMS
	if cmd.ExecutionTime != nil {
		executionTime = *cmd.ExecutionTime
	}

	if executionTime > currentTimeMS+s.commandTimeoutS*1000 {
		return ErrTooFarInFuture
	}
	var pastFloor uint64
	if currentTimeMS > pastTimeToleranceMS {
		pastFloor = currentTimeMS - pastTimeToleranceMS
	}
	if executionTime < pastFloor {
		return ErrInPast
	}

	if len(s.scheduled) >= maxScheduledCommands {
		return ErrSchedulerFull
	}

	entry := ScheduledCommand{Command: cmd, ExecutionTime: executionTime, ScheduledAt: currentTimeMS}

	insertAt := sort.Search(len(s.scheduled), func(i int) bool {
		return s.scheduled[i].ExecutionTime > executionTime
	})
	s.scheduled = append(s.scheduled, ScheduledCommand{})
	copy(s.scheduled[insertAt+1:], s.scheduled[insertAt:])
	s.scheduled[insertAt] = entry

	s.stats.TotalScheduled++
	s.stats.CurrentlyScheduled = uint8(len(s.scheduled))
	return nil
}

// GetReadyCommands removes and returns, in chronological order, every
// scheduled command whose execution time has arrived, up to a per-call cap.
func (s *Scheduler) GetReadyCommands(currentTimeMS uint64) []protocol.Command {
	var ready []protocol.Command
	removeCount := 0

	for _, sc := range s.scheduled {
		if sc.ExecutionTime > currentTimeMS {
			break
		}
		if len(ready) >= maxReadyPerCall {
			break
		}
		ready = append(ready, sc.Command)
		removeCount++
	}

	if removeCount > 0 {
		s.scheduled = s.scheduled[removeCount:]
		s.stats.TotalExecuted += uint32(removeCount)
	}
	s.stats.CurrentlyScheduled = uint8(len(s.scheduled))
	return ready
}

// CleanupExpiredCommands drops scheduled commands older than the configured
// timeout, regardless of whether their execution time has passed.
func (s *Scheduler) CleanupExpiredCommands(currentTimeMS uint64) {
	var threshold uint64
	timeoutMS := s.commandTimeoutS * 1000
	if currentTimeMS > timeoutMS {
		threshold = currentTimeMS - timeoutMS
	}

	initial := len(s.scheduled)
	kept := s.scheduled[:0]
	for _, sc := range s.scheduled {
		if sc.ScheduledAt > threshold {
			kept = append(kept, sc)
		}
	}
	s.scheduled = kept

	s.stats.TotalExpired += uint32(initial - len(s.scheduled))
	s.stats.CurrentlyScheduled = uint8(len(s.scheduled))
}

// GetStats returns the current scheduler statistics.
func (s *Scheduler) GetStats() Stats {
	return s.stats
}

// GetScheduledCommands returns the currently scheduled commands.
func (s *Scheduler) GetScheduledCommands() []ScheduledCommand {
	return s.scheduled
}

// ClearAllScheduled discards every scheduled command.
func (s *Scheduler) ClearAllScheduled() {
	cleared := len(s.scheduled)
	s.scheduled = nil
	s.stats.TotalExpired += uint32(cleared)
	s.stats.CurrentlyScheduled = 0
}

// SetTimeoutSeconds overrides the scheduler's command timeout horizon.
func (s *Scheduler) SetTimeoutSeconds(timeoutS uint64) {
	s.commandTimeoutS = timeoutS
}
