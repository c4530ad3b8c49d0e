package machine

// TermVote is the durable (current_term, voted_for) pair a Step may
// require the driver to persist before any reply referencing it is sent.
type TermVote struct {
	Term     uint64
	VotedFor string
}

// Effects is everything a single Step call produced: log mutations the
// driver must make durable, and messages to enqueue for delivery. The
// driver applies these in order (SetTerm, then Rollback, then Append)
// before draining Outbox, so a crash between Step and the driver
// finishing never leaves storage ahead of what Step computed.
type Effects struct {
	// SetTerm is non-nil when current_term/voted_for must be persisted
	// before anything else this Step produced is allowed to be acted on.
	SetTerm *TermVote

	// RollbackTo is non-nil when the log tail after this index must be
	// discarded before Append is applied.
	RollbackTo *uint64

	// Append holds entries to durably append, in order, after any rollback.
	Append []LogEntry

	// Outbox holds messages to ship to peers as a result of this Step.
	// ProposeEntry outcomes, rejections included, are in Propose instead.
	Outbox []Msg

	// Committed holds the inclusive range of newly committed entries
	// (by log index) the driver must hand to the Reducer, in order.
	// Empty when commit_index did not advance this Step.
	CommittedFrom, CommittedTo uint64

	// Propose is non-nil only for a ProposeEntry Step: the outcome of
	// a local client write, handed back synchronously rather than
	// routed through Outbox since it never crosses the network.
	Propose *ProposeResult
}

// ProposeResult is the outcome of a ProposeEntry Step.
type ProposeResult struct {
	Accepted bool

	// Index/Term identify the log position the driver must wait to
	// see committed before acknowledging the client, valid only when
	// Accepted.
	Index uint64
	Term  uint64

	// LeaderHint is the last known leader id, valid only when
	// !Accepted; empty when no leader is currently known.
	LeaderHint string
}

func (e *Effects) enqueue(msg Msg) {
	e.Outbox = append(e.Outbox, msg)
}

func (e *Effects) hasCommitAdvance() bool {
	return e.CommittedTo >= e.CommittedFrom && e.CommittedTo != 0
}
