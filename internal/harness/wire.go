package harness

import (
	"github.com/ocireg/raftcore/internal/action"
	"github.com/ocireg/raftcore/internal/machine"
)

// wireEntry is the over-the-wire shape of a machine.LogEntry.
type wireEntry struct {
	Term   uint64        `json:"term"`
	Action action.Action `json:"action"`
}

func toWireEntries(entries []machine.LogEntry) []wireEntry {
	if len(entries) == 0 {
		return nil
	}
	out := make([]wireEntry, len(entries))
	for i, e := range entries {
		out[i] = wireEntry{Term: e.Term, Action: e.Action}
	}
	return out
}

func fromWireEntries(entries []wireEntry) []machine.LogEntry {
	if len(entries) == 0 {
		return nil
	}
	out := make([]machine.LogEntry, len(entries))
	for i, e := range entries {
		out[i] = machine.LogEntry{Term: e.Term, Action: e.Action}
	}
	return out
}

// appendEntriesRequest is the JSON body POSTed to /append-entries.
type appendEntriesRequest struct {
	Term         uint64      `json:"term"`
	LeaderID     string      `json:"leader_id"`
	PrevIndex    uint64      `json:"prev_index"`
	PrevTerm     uint64      `json:"prev_term"`
	Entries      []wireEntry `json:"entries"`
	LeaderCommit uint64      `json:"leader_commit"`
}

type appendEntriesResponse struct {
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
}

// voteRequest is the JSON body POSTed to /request-vote and /pre-vote;
// both endpoints share the same shape, only the handling differs.
type voteRequest struct {
	Term        uint64 `json:"term"`
	CandidateID string `json:"candidate_id"`
	LastTerm    uint64 `json:"last_term"`
	LastIndex   uint64 `json:"last_index"`
}

type voteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

// addEntriesResponse is returned by /add-entries on success.
type addEntriesResponse struct {
	LastTerm  uint64 `json:"last_term"`
	LastIndex uint64 `json:"last_index"`
}

// addEntriesError is returned by /add-entries when this node cannot
// accept the write itself.
type addEntriesError struct {
	Reason     string `json:"reason"`
	LeaderHint string `json:"leader_hint,omitempty"`
}

// statusResponse is returned by /status.
type statusResponse struct {
	Status          string `json:"status"`
	LogLastIndex    uint64 `json:"log_last_index"`
	LogLastTerm     uint64 `json:"log_last_term"`
	AppliedIndex    uint64 `json:"applied_index"`
	CommittedIndex  uint64 `json:"committed_index"`
	Consensus       bool   `json:"consensus"`
	Term            uint64 `json:"term"`
	Leader          string `json:"leader"`
	Blobs           int    `json:"blobs"`
	Manifests       int    `json:"manifests"`
	Tags            int    `json:"tags"`
	Orphans         int    `json:"orphans"`
}
