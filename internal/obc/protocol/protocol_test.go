package protocol

import "testing"

func TestParseCommandRejectsOversized(t *testing.T) {
	h := NewHandler()
	raw := make([]byte, maxCommandSize+1)
	if _, err := h.ParseCommand(raw); err != ErrMessageTooLarge {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestParseCommandRejectsInvalidJSON(t *testing.T) {
	h := NewHandler()
	if _, err := h.ParseCommand([]byte("not json")); err != ErrInvalidJSON {
		t.Fatalf("expected ErrInvalidJSON, got %v", err)
	}
}

func TestValidateCommandRejectsZeroID(t *testing.T) {
	h := NewHandler()
	cmd := Command{ID: 0, CommandType: CommandType{Kind: CmdPing}}
	if err := h.ValidateCommand(cmd); err != ErrInvalidCommand {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
}

func TestValidateCommandRejectsOutOfRangeTxPower(t *testing.T) {
	h := NewHandler()
	cmd := Command{ID: 1, CommandType: CommandType{Kind: CmdSetTxPower, PowerDBm: 40}}
	if err := h.ValidateCommand(cmd); err != ErrInvalidParameter {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
}

func TestValidateCommandRejectsEmptyMessage(t *testing.T) {
	h := NewHandler()
	cmd := Command{ID: 1, CommandType: CommandType{Kind: CmdTransmitMessage, Message: "  "}}
	if err := h.ValidateCommand(cmd); err != ErrInvalidParameter {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
}

func TestSequenceNumberWrapsAt65535(t *testing.T) {
	h := NewHandler()
	h.sequenceCounter = 65535

	first := h.nextSequenceNumber()
	if first != 65535 {
		t.Fatalf("expected 65535, got %d", first)
	}
	second := h.nextSequenceNumber()
	if second != 1 {
		t.Fatalf("expected wrap to 1, got %d", second)
	}
}

func TestTrackCommandRejectsDuplicates(t *testing.T) {
	h := NewHandler()
	if err := h.TrackCommand(1, 0, 30000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.TrackCommand(1, 0, 30000); err != ErrDuplicateCommand {
		t.Fatalf("expected ErrDuplicateCommand, got %v", err)
	}
}

func TestTrackCommandEvictsOldestOnOverflow(t *testing.T) {
	h := NewHandler()
	for i := uint32(1); i <= maxTrackedCommands; i++ {
		if err := h.TrackCommand(i, 0, 30000); err != nil {
			t.Fatalf("unexpected error tracking %d: %v", i, err)
		}
	}
	if err := h.TrackCommand(maxTrackedCommands+1, 0, 30000); err != nil {
		t.Fatalf("unexpected error on overflow insert: %v", err)
	}

	tracked := h.GetTrackedCommands()
	if len(tracked) != maxTrackedCommands {
		t.Fatalf("expected tracker to stay at cap %d, got %d", maxTrackedCommands, len(tracked))
	}
	if _, ok := h.GetCommandStatus(1); ok {
		t.Fatal("expected oldest tracked command to be evicted")
	}
	if _, ok := h.GetCommandStatus(maxTrackedCommands + 1); !ok {
		t.Fatal("expected newest command to be tracked")
	}
}

func TestCleanupExpiredCommandsDropsTimedOut(t *testing.T) {
	h := NewHandler()
	if err := h.TrackCommand(1, 0, 1000); err != nil {
		t.Fatal(err)
	}
	h.CleanupExpiredCommands(5000)
	if _, ok := h.GetCommandStatus(1); ok {
		t.Fatal("expected expired command to be cleaned up")
	}
}

func TestCleanupExpiredCommandsKeepsTerminalStatus(t *testing.T) {
	h := NewHandler()
	if err := h.TrackCommand(1, 0, 1000); err != nil {
		t.Fatal(err)
	}
	if err := h.UpdateCommandStatus(1, StatusSuccess, 500); err != nil {
		t.Fatal(err)
	}
	h.CleanupExpiredCommands(5000)
	if _, ok := h.GetCommandStatus(1); !ok {
		t.Fatal("expected terminal-status command to survive cleanup")
	}
}
