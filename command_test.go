package prefork

import (
	"errors"
	"testing"
)

func TestCommandNames(t *testing.T) {
	cases := []struct {
		cmd  Command
		name string
	}{
		{CmdStop, "stop"},
		{CmdHalt, "halt"},
		{CmdRestart, "restart"},
		{CmdPhasedRestart, "phased-restart"},
		{CmdRefork, "refork"},
		{CmdStats, "stats"},
		{CmdGC, "gc"},
		{CmdGCStats, "gc-stats"},
		{CmdStatus, "status"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cmd.String(); got != tc.name {
				t.Errorf("String() = %q, want %q", got, tc.name)
			}
			if got := ParseCommand(tc.name); got != tc.cmd {
				t.Errorf("ParseCommand(%q) = %v, want %v", tc.name, got, tc.cmd)
			}
		})
	}
}

func TestParseCommandUnknown(t *testing.T) {
	for _, s := range []string{"", "STOP", "stop ", "kill", "phased_restart"} {
		if got := ParseCommand(s); got != CmdUnknown {
			t.Errorf("ParseCommand(%q) = %v, want CmdUnknown", s, got)
		}
	}
	if CmdUnknown.String() != "unknown" {
		t.Errorf("CmdUnknown.String() = %q", CmdUnknown.String())
	}
}

func TestReplyTexts(t *testing.T) {
	if got := SuccessReply(CmdPhasedRestart); got != "Command phased-restart sent success" {
		t.Errorf("SuccessReply = %q", got)
	}
	if got := ErrorReply(errors.New("not clustered")); got != "Command error: not clustered" {
		t.Errorf("ErrorReply = %q", got)
	}
	if ReplyInvalidToken != "Command error: invalid_token" {
		t.Errorf("ReplyInvalidToken = %q", ReplyInvalidToken)
	}
	if ReplyUnknownCommand != "Command error: unknown command" {
		t.Errorf("ReplyUnknownCommand = %q", ReplyUnknownCommand)
	}
}
