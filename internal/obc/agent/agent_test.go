package agent

import (
	"strings"
	"testing"

	"github.com/saint0x/satbus-go/internal/obc/protocol"
)

func TestTickRunsWithoutCommands(t *testing.T) {
	a := New(nil)
	responses := a.Tick(1000)
	if len(responses) != 0 {
		t.Fatalf("expected no responses with empty queue, got %d", len(responses))
	}
	if !a.GetState().Running {
		t.Fatal("expected agent to report running after first tick")
	}
}

func TestSubmitAndExecutePingCommand(t *testing.T) {
	a := New(nil)
	cmd := protocol.Command{ID: 1, Timestamp: 1000, CommandType: protocol.CommandType{Kind: protocol.CmdPing}}

	if err := a.SubmitCommand(cmd, 1000); err != nil {
		t.Fatalf("unexpected error submitting command: %v", err)
	}

	responses := a.Tick(1000)
	if len(responses) != 1 {
		t.Fatalf("expected 1 response, got %d", len(responses))
	}
	if responses[0].Status != protocol.StatusSuccess {
		t.Fatalf("expected Success, got %v", responses[0].Status)
	}
}

func TestInvalidCommandReturnsNack(t *testing.T) {
	a := New(nil)
	cmd := protocol.Command{ID: 0, Timestamp: 1000, CommandType: protocol.CommandType{Kind: protocol.CmdPing}}

	if err := a.SubmitCommand(cmd, 1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	responses := a.Tick(1000)
	if len(responses) != 1 || responses[0].Status != protocol.StatusNegativeAck {
		t.Fatalf("expected NegativeAck for zero-id command, got %v", responses)
	}
}

func TestFutureCommandIsScheduled(t *testing.T) {
	a := New(nil)
	execTime := uint64(5000)
	cmd := protocol.Command{
		ID: 1, Timestamp: 1000,
		CommandType:   protocol.CommandType{Kind: protocol.CmdPing},
		ExecutionTime: &execTime,
	}
	if err := a.SubmitCommand(cmd, 1000); err != nil {
		t.Fatal(err)
	}

	responses := a.Tick(1000)
	if len(responses) != 1 || responses[0].Status != protocol.StatusScheduled {
		t.Fatalf("expected Scheduled response, got %v", responses)
	}

	responses = a.Tick(5000)
	if len(responses) != 1 || responses[0].Status != protocol.StatusSuccess {
		t.Fatalf("expected scheduled command to execute at its time, got %v", responses)
	}
}

func TestCommandQueueRejectsOverflow(t *testing.T) {
	a := New(nil)
	var lastErr error
	for i := uint32(1); i <= maxCommandQueue+5; i++ {
		// One submission per second keeps the rate limiter out of the way,
		// so only the queue capacity can reject.
		cmd := protocol.Command{ID: i, Timestamp: uint64(i) * 1000, CommandType: protocol.CommandType{Kind: protocol.CmdPing}}
		lastErr = a.SubmitCommand(cmd, uint64(i)*1000)
	}
	if lastErr != ErrCommandQueueFull {
		t.Fatalf("expected queue overflow to return ErrCommandQueueFull, got %v", lastErr)
	}
}

func TestSafeModeBlocksNonExemptCommands(t *testing.T) {
	a := New(nil)
	a.safetyManager.EnterSafeMode(1000)

	cmd := protocol.Command{ID: 1, Timestamp: 1000, CommandType: protocol.CommandType{Kind: protocol.CmdSetSolarPanel, Enabled: true}}
	if err := a.SubmitCommand(cmd, 1000); err != nil {
		t.Fatal(err)
	}
	responses := a.Tick(1000)
	if len(responses) != 1 || responses[0].Status != protocol.StatusNegativeAck {
		t.Fatalf("expected safe-mode block to NACK non-exempt command, got %v", responses)
	}
}

func TestGetFaultInjectionStatusReturnsConfigAndStats(t *testing.T) {
	a := New(nil)
	cmd := protocol.Command{ID: 1, Timestamp: 1000, CommandType: protocol.CommandType{Kind: protocol.CmdGetFaultInjectionStatus}}
	if err := a.SubmitCommand(cmd, 1000); err != nil {
		t.Fatal(err)
	}

	responses := a.Tick(1000)
	if len(responses) != 1 || responses[0].Status != protocol.StatusSuccess {
		t.Fatalf("expected Success, got %v", responses)
	}
	if responses[0].Message == nil {
		t.Fatal("expected a status body, got nil message")
	}
	body := *responses[0].Message
	if !strings.Contains(body, "total_faults_injected") || !strings.Contains(body, "current_active_faults") || !strings.Contains(body, "enabled") {
		t.Fatalf("expected config and stats fields in status body, got %s", body)
	}
}

func TestSetSafeModeCommandDisablesCommsLinkAndRestoresOnExit(t *testing.T) {
	a := New(nil)

	enable := protocol.Command{ID: 1, Timestamp: 1000, CommandType: protocol.CommandType{Kind: protocol.CmdSetSafeMode, Enabled: true}}
	if err := a.SubmitCommand(enable, 1000); err != nil {
		t.Fatal(err)
	}
	a.Tick(1000)
	if a.comms.GetState().LinkUp {
		t.Fatal("expected comms link disabled on safe-mode entry (disable_non_essential_systems)")
	}

	disable := protocol.Command{ID: 2, Timestamp: 2000, CommandType: protocol.CommandType{Kind: protocol.CmdSetSafeMode, Enabled: false}}
	if err := a.SubmitCommand(disable, 2000); err != nil {
		t.Fatal(err)
	}
	a.Tick(2000)
	if !a.comms.GetState().LinkUp {
		t.Fatal("expected comms link restored on safe-mode exit (restore_normal_operations)")
	}
}
