package prefork

import "fmt"

// Command represents a control protocol command. The wire format is textual
// (one line per request) but commands are decoded into this closed set at the
// protocol boundary and matched exhaustively from then on.
type Command int

const (
	// CmdUnknown represents an unrecognized command
	CmdUnknown Command = iota
	// CmdStop requests a graceful shutdown: drain in-flight work, then exit
	CmdStop
	// CmdHalt requests an immediate shutdown with no draining
	CmdHalt
	// CmdRestart requests an in-place re-exec of the master, preserving
	// listening sockets
	CmdRestart
	// CmdPhasedRestart requests a rolling replacement of all workers
	CmdPhasedRestart
	// CmdRefork requests re-deriving all workers except the fork source
	CmdRefork
	// CmdStats requests the aggregated cluster report as JSON
	CmdStats
	// CmdGC triggers a garbage collection pass in the master
	CmdGC
	// CmdGCStats requests GC counters as JSON
	CmdGCStats
	// CmdStatus is resolved client-side from the state file; it is never
	// dispatched over the control socket
	CmdStatus
)

// Command wire name constants
const (
	cmdUnknownStr       = "unknown"
	cmdStopStr          = "stop"
	cmdHaltStr          = "halt"
	cmdRestartStr       = "restart"
	cmdPhasedRestartStr = "phased-restart"
	cmdReforkStr        = "refork"
	cmdStatsStr         = "stats"
	cmdGCStr            = "gc"
	cmdGCStatsStr       = "gc-stats"
	cmdStatusStr        = "status"
)

// String returns the wire name of the command
func (c Command) String() string {
	switch c {
	case CmdStop:
		return cmdStopStr
	case CmdHalt:
		return cmdHaltStr
	case CmdRestart:
		return cmdRestartStr
	case CmdPhasedRestart:
		return cmdPhasedRestartStr
	case CmdRefork:
		return cmdReforkStr
	case CmdStats:
		return cmdStatsStr
	case CmdGC:
		return cmdGCStr
	case CmdGCStats:
		return cmdGCStatsStr
	case CmdStatus:
		return cmdStatusStr
	default:
		return cmdUnknownStr
	}
}

// ParseCommand decodes a wire name into a Command. Unrecognized names map to
// CmdUnknown; the caller replies with the unknown-command error text.
func ParseCommand(s string) Command {
	switch s {
	case cmdStopStr:
		return CmdStop
	case cmdHaltStr:
		return CmdHalt
	case cmdRestartStr:
		return CmdRestart
	case cmdPhasedRestartStr:
		return CmdPhasedRestart
	case cmdReforkStr:
		return CmdRefork
	case cmdStatsStr:
		return CmdStats
	case cmdGCStr:
		return CmdGC
	case cmdGCStatsStr:
		return CmdGCStats
	case cmdStatusStr:
		return CmdStatus
	default:
		return CmdUnknown
	}
}

// Control protocol reply texts. These are a compatibility surface for
// administrative tooling and must stay stable.
const (
	// ReplyInvalidToken is sent when token auth fails
	ReplyInvalidToken = "Command error: invalid_token"

	// ReplyUnknownCommand is sent for an unrecognized command name
	ReplyUnknownCommand = "Command error: unknown command"
)

// SuccessReply returns the success reply line for a command
func SuccessReply(c Command) string {
	return fmt.Sprintf("Command %s sent success", c)
}

// ErrorReply returns the error reply line for a failed command
func ErrorReply(err error) string {
	return fmt.Sprintf("Command error: %v", err)
}
