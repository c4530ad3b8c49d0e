// Package machine implements the pure Raft state machine described in
// the consensus core: given one inbound Msg it mutates its own
// in-memory state and returns an Effects value describing the log
// operations and outbound messages the driver must carry out. The
// Machine performs no I/O and starts no goroutines of its own.
package machine

import "github.com/ocireg/raftcore/internal/action"

// Kind identifies the payload carried by a Msg.
type Kind int

const (
	Tick Kind = iota
	PreVote
	PreVoteReply
	Vote
	VoteReply
	AppendEntries
	AppendEntriesReply
	ProposeEntry
)

func (k Kind) String() string {
	switch k {
	case Tick:
		return "Tick"
	case PreVote:
		return "PreVote"
	case PreVoteReply:
		return "PreVoteReply"
	case Vote:
		return "Vote"
	case VoteReply:
		return "VoteReply"
	case AppendEntries:
		return "AppendEntries"
	case AppendEntriesReply:
		return "AppendEntriesReply"
	case ProposeEntry:
		return "ProposeEntry"
	default:
		return "Unknown"
	}
}

// LogEntry is one entry in the replicated log: the term under which it
// was proposed, and the action it carries. The zero-value Action is
// the no-op entry a new leader appends on taking office.
type LogEntry struct {
	Term   uint64        `json:"term"`
	Action action.Action `json:"action"`
}

// Msg is one inbound event fed to Machine.Step: a tick from the local
// clock, an inbound RPC from a peer, an RPC reply, or a local client
// proposal. Source/Dest are node identifiers; Dest is empty for
// messages addressed to the local node (Tick, ProposeEntry).
type Msg struct {
	Kind Kind
	Src  string
	Dest string
	Term uint64

	// PreVote / Vote request payload.
	LastIndex uint64
	LastTerm  uint64

	// PreVoteReply / VoteReply payload.
	Reject bool

	// AppendEntries payload.
	PrevIndex    uint64
	PrevTerm     uint64
	Entries      []LogEntry
	LeaderCommit uint64

	// AppendEntriesReply payload.
	LogIndex uint64

	// ProposeEntry payload.
	ProposedAction action.Action
}
