package harness

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/ocireg/raftcore/internal/action"
	"github.com/ocireg/raftcore/internal/machine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Router builds the gin engine serving the five Raft endpoints plus
// the additive /watch status stream, with CORS open for Raft-to-Raft
// calls and operator tooling.
func (h *Harness) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), h.requestIDMiddleware())

	r.POST("/append-entries", h.handleAppendEntries)
	r.POST("/request-vote", h.handleRequestVote)
	r.POST("/pre-vote", h.handlePreVote)
	r.POST("/add-entries", h.handleAddEntries)
	r.GET("/status", h.handleStatus)
	r.GET("/watch", h.handleWatch)

	return cors.AllowAll().Handler(r)
}

func (h *Harness) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// HandleInbound runs msg through Step and returns the single reply
// addressed back to msg.Src, if Step produced one — the HTTP handlers
// use this to answer the request synchronously instead of routing the
// reply back out over the network as a second RPC.
func (h *Harness) HandleInbound(msg machine.Msg) (reply machine.Msg, found bool) {
	h.mu.Lock()
	eff := h.m.Step(msg)
	h.persistLocked(eff)
	h.applyCommittedLocked(eff)
	h.mu.Unlock()

	for _, out := range eff.Outbox {
		if out.Dest == msg.Src {
			reply, found = out, true
		}
	}
	h.dispatchOutbound(eff)
	h.publishStatus()
	return reply, found
}

func (h *Harness) handleAppendEntries(c *gin.Context) {
	var req appendEntriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "BAD_REQUEST"})
		return
	}
	reply, _ := h.HandleInbound(machine.Msg{
		Kind: machine.AppendEntries, Src: req.LeaderID, Dest: h.id,
		Term: req.Term, PrevIndex: req.PrevIndex, PrevTerm: req.PrevTerm,
		Entries: fromWireEntries(req.Entries), LeaderCommit: req.LeaderCommit,
	})
	c.JSON(http.StatusOK, appendEntriesResponse{Term: reply.Term, Success: !reply.Reject})
}

func (h *Harness) handleRequestVote(c *gin.Context) {
	h.handleVoteLike(c, machine.Vote)
}

func (h *Harness) handlePreVote(c *gin.Context) {
	h.handleVoteLike(c, machine.PreVote)
}

func (h *Harness) handleVoteLike(c *gin.Context, kind machine.Kind) {
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "BAD_REQUEST"})
		return
	}
	reply, _ := h.HandleInbound(machine.Msg{
		Kind: kind, Src: req.CandidateID, Dest: h.id,
		Term: req.Term, LastTerm: req.LastTerm, LastIndex: req.LastIndex,
	})
	c.JSON(http.StatusOK, voteResponse{Term: reply.Term, VoteGranted: !reply.Reject})
}

func (h *Harness) handleAddEntries(c *gin.Context) {
	var entries []action.Action
	if err := c.ShouldBindJSON(&entries); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "BAD_REQUEST"})
		return
	}

	var lastIndex, lastTerm uint64
	for _, a := range entries {
		idx, term, err := h.Append(c.Request.Context(), a)
		if err != nil {
			switch e := err.(type) {
			case *ErrNotLeader:
				c.JSON(http.StatusBadRequest, addEntriesError{Reason: "NOT_A_LEADER", LeaderHint: e.Hint})
			default:
				c.JSON(http.StatusBadRequest, addEntriesError{Reason: "NOT_A_LEADER"})
			}
			return
		}
		lastIndex, lastTerm = idx, term
	}
	c.JSON(http.StatusOK, addEntriesResponse{LastTerm: lastTerm, LastIndex: lastIndex})
}

func (h *Harness) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.statusSnapshot())
}

func (h *Harness) statusSnapshot() statusResponse {
	h.mu.Lock()
	state := h.m.State()
	term := h.m.CurrentTerm()
	leader := h.m.Leader()
	lastIndex := h.m.LastIndex()
	lastTerm := h.m.LastTerm()
	applied := h.m.AppliedIndex()
	committed := h.m.CommitIndex()
	h.mu.Unlock()

	stats := h.red.GetStats()

	return statusResponse{
		Status:         state.String(),
		LogLastIndex:   lastIndex,
		LogLastTerm:    lastTerm,
		AppliedIndex:   applied,
		CommittedIndex: committed,
		Consensus:      state == machine.Leader || leader != "",
		Term:           term,
		Leader:         leader,
		Blobs:          stats.Blobs,
		Manifests:      stats.Manifests,
		Tags:           stats.Tags,
		Orphans:        stats.Orphans,
	}
}

// publishStatus pushes the current status to every /watch subscriber,
// dropping the frame for any subscriber whose buffer is full rather
// than let a slow reader stall the harness.
func (h *Harness) publishStatus() {
	h.watchMu.Lock()
	defer h.watchMu.Unlock()
	if len(h.watchers) == 0 {
		return
	}
	data, err := json.Marshal(h.statusSnapshot())
	if err != nil {
		return
	}
	for ch := range h.watchers {
		select {
		case ch <- data:
		default:
		}
	}
}

func (h *Harness) handleWatch(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := make(chan []byte, 8)
	h.watchMu.Lock()
	h.watchers[ch] = struct{}{}
	h.watchMu.Unlock()
	defer func() {
		h.watchMu.Lock()
		delete(h.watchers, ch)
		h.watchMu.Unlock()
	}()

	if data, err := json.Marshal(h.statusSnapshot()); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}

	conn.SetReadDeadline(time.Now().Add(time.Hour))
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				// Unregister before closing so publishStatus can never
				// send on ch after it is closed.
				h.watchMu.Lock()
				delete(h.watchers, ch)
				h.watchMu.Unlock()
				close(ch)
				return
			}
		}
	}()

	for data := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}
