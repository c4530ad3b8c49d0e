package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/ocireg/raftcore/internal/machine"
)

// dispatchOutbound ships every message in eff.Outbox to its
// destination peer, each in its own goroutine so a slow or unreachable
// peer never holds up the others or the caller of Step. A peer that
// cannot be reached, times out, or answers non-2xx is treated as "no
// reply" rather than a fatal error — the next election timeout or
// heartbeat will simply try again.
func (h *Harness) dispatchOutbound(eff machine.Effects) {
	for _, msg := range eff.Outbox {
		msg := msg
		base, ok := h.peers[msg.Dest]
		if !ok {
			continue
		}
		go h.sendOne(base, msg)
	}
}

func (h *Harness) sendOne(baseURL string, msg machine.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RPCTimeout)
	defer cancel()

	switch msg.Kind {
	case machine.PreVote:
		h.sendVoteLike(ctx, baseURL+"/pre-vote", msg, machine.PreVoteReply)
	case machine.Vote:
		h.sendVoteLike(ctx, baseURL+"/request-vote", msg, machine.VoteReply)
	case machine.AppendEntries:
		h.sendAppendEntries(ctx, baseURL, msg)
	default:
		// PreVoteReply/VoteReply/AppendEntriesReply are never enqueued
		// to Outbox as an outbound send: they travel back as the HTTP
		// response to the request that produced them.
	}
}

func (h *Harness) sendVoteLike(ctx context.Context, url string, msg machine.Msg, replyKind machine.Kind) {
	body, err := json.Marshal(voteRequest{
		Term: msg.Term, CandidateID: msg.Src,
		LastTerm: msg.LastTerm, LastIndex: msg.LastIndex,
	})
	if err != nil {
		return
	}

	var resp voteResponse
	if !h.post(ctx, url, body, &resp) {
		return
	}

	h.Step(machine.Msg{
		Kind: replyKind, Src: msg.Dest, Dest: h.id,
		Term: resp.Term, Reject: !resp.VoteGranted,
	})
}

func (h *Harness) sendAppendEntries(ctx context.Context, baseURL string, msg machine.Msg) {
	body, err := json.Marshal(appendEntriesRequest{
		Term: msg.Term, LeaderID: msg.Src,
		PrevIndex: msg.PrevIndex, PrevTerm: msg.PrevTerm,
		Entries: toWireEntries(msg.Entries), LeaderCommit: msg.LeaderCommit,
	})
	if err != nil {
		return
	}

	var resp appendEntriesResponse
	if !h.post(ctx, baseURL+"/append-entries", body, &resp) {
		return
	}

	logIndex := msg.PrevIndex + uint64(len(msg.Entries))
	h.Step(machine.Msg{
		Kind: machine.AppendEntriesReply, Src: msg.Dest, Dest: h.id,
		Term: resp.Term, Reject: !resp.Success, LogIndex: logIndex,
	})
}

// post issues a JSON POST and decodes a 2xx JSON response into out.
// Any transport error, non-2xx status, or malformed body is reported
// as false ("no reply") rather than propagated, matching the Raft
// RPC contract: the caller always has a safe default (retry later).
func (h *Harness) post(ctx context.Context, url string, body []byte, out interface{}) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	return json.NewDecoder(resp.Body).Decode(out) == nil
}
