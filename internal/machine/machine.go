package machine

// State is one of the four roles a node cycles through.
type State int

const (
	Follower State = iota
	PreCandidate
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case PreCandidate:
		return "pre-candidate"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

type peerState struct {
	nextIndex  uint64
	matchIndex uint64
}

// Machine is the pure Raft core for a single node. Its fields are
// mutated only by Step, LoadPersisted and MarkApplied; the driver owns
// no mutable state of its own beyond what Effects hands back, and must serialize calls to
// Step (see the harness package) since Machine is not reentrant.
type Machine struct {
	id    string
	peers []string
	cfg   Config

	// Persistent state. A Machine built by New starts with an empty log
	// holding only the index-0 sentinel (term 0, no action); callers
	// recovering from storage use LoadPersisted to restore the rest.
	currentTerm uint64
	votedFor    string
	log         []LogEntry

	// Volatile state.
	state        State
	commitIndex  uint64
	appliedIndex uint64
	obedient     bool
	leader       string
	tick         uint64

	electionTimeout uint64

	// Election bookkeeping, live only while PreCandidate/Candidate.
	preVoteGrants map[string]bool
	voteGrants    map[string]bool

	// Leader-only per-peer replication state.
	peerState map[string]*peerState
}

// New constructs a Machine for id among the given peers (which must
// not include id itself), with an empty log and a freshly randomized
// election timeout.
func New(id string, peers []string, cfg Config) *Machine {
	m := &Machine{
		id:    id,
		peers: append([]string(nil), peers...),
		cfg:   cfg,
		log:   []LogEntry{{Term: 0}},
		state: Follower,
	}
	m.electionTimeout = m.cfg.randomTimeout()
	return m
}

// LoadPersisted restores persistent state recovered from storage. log
// must include the index-0 sentinel; callers recovering an empty
// journal pass a single {Term: 0} entry.
func (m *Machine) LoadPersisted(term uint64, votedFor string, log []LogEntry) {
	if len(log) == 0 {
		log = []LogEntry{{Term: 0}}
	}
	m.currentTerm = term
	m.votedFor = votedFor
	m.log = log
}

// Accessors used by the harness for status reporting and the commit
// pipeline; none of them mutate state.

func (m *Machine) ID() string             { return m.id }
func (m *Machine) State() State           { return m.state }
func (m *Machine) CurrentTerm() uint64    { return m.currentTerm }
func (m *Machine) VotedFor() string       { return m.votedFor }
func (m *Machine) CommitIndex() uint64    { return m.commitIndex }
func (m *Machine) AppliedIndex() uint64   { return m.appliedIndex }
func (m *Machine) Leader() string         { return m.leader }
func (m *Machine) LastIndex() uint64      { return m.lastIndex() }
func (m *Machine) LastTerm() uint64       { return m.lastTerm() }
func (m *Machine) EntryAt(i uint64) LogEntry {
	return m.log[i]
}

// MarkApplied records that the driver has handed log entries up to
// and including index to the Reducer. Separate from commitIndex so
// the driver can apply in its own batches without the Machine needing
// to know about Reducer timing.
func (m *Machine) MarkApplied(index uint64) {
	if index > m.appliedIndex {
		m.appliedIndex = index
	}
}

func (m *Machine) lastIndex() uint64 { return uint64(len(m.log) - 1) }
func (m *Machine) lastTerm() uint64  { return m.log[m.lastIndex()].Term }

func (m *Machine) quorum() int {
	return (len(m.peers)+1)/2 + 1
}

// Step is the single entry point: it applies one inbound event to
// the Machine and returns the log mutations and outbound messages the
// driver must carry out. Step never performs I/O and never blocks.
func (m *Machine) Step(msg Msg) Effects {
	switch msg.Kind {
	case Tick:
		return m.stepTick()
	case PreVote:
		return m.stepPreVoteRequest(msg)
	case PreVoteReply:
		return m.stepPreVoteReply(msg)
	case Vote:
		return m.stepVoteRequest(msg)
	case VoteReply:
		return m.stepVoteReply(msg)
	case AppendEntries:
		return m.stepAppendEntriesRequest(msg)
	case AppendEntriesReply:
		return m.stepAppendEntriesReply(msg)
	case ProposeEntry:
		return m.stepPropose(msg)
	default:
		return Effects{}
	}
}

func (m *Machine) resetElectionTimer() {
	m.tick = 0
	m.electionTimeout = m.cfg.randomTimeout()
}

func (m *Machine) stepTick() Effects {
	var eff Effects
	m.tick++
	switch m.state {
	case Follower:
		if m.tick >= m.electionTimeout {
			m.obedient = false
			m.becomePreCandidate(&eff)
		}
	case PreCandidate, Candidate:
		if m.tick >= m.electionTimeout {
			m.becomeFollower(&eff, m.currentTerm)
		}
	case Leader:
		if m.tick >= m.cfg.HeartbeatTicks {
			m.tick = 0
			m.sendAppendEntries(&eff)
		}
	}
	return eff
}

func (m *Machine) becomePreCandidate(eff *Effects) {
	m.state = PreCandidate
	m.leader = ""
	m.tick = 0
	m.electionTimeout = m.cfg.randomTimeout()
	m.preVoteGrants = map[string]bool{m.id: true}

	li, lt := m.lastIndex(), m.lastTerm()
	for _, p := range m.peers {
		eff.enqueue(Msg{
			Kind: PreVote, Src: m.id, Dest: p,
			Term: m.currentTerm, LastIndex: li, LastTerm: lt,
		})
	}
}

func (m *Machine) becomeCandidate(eff *Effects) {
	m.state = Candidate
	m.tick = 0
	m.electionTimeout = m.cfg.randomTimeout()
	m.currentTerm++
	m.votedFor = m.id
	eff.SetTerm = &TermVote{Term: m.currentTerm, VotedFor: m.id}
	m.voteGrants = map[string]bool{m.id: true}

	li, lt := m.lastIndex(), m.lastTerm()
	for _, p := range m.peers {
		eff.enqueue(Msg{
			Kind: Vote, Src: m.id, Dest: p,
			Term: m.currentTerm, LastIndex: li, LastTerm: lt,
		})
	}
}

func (m *Machine) becomeLeader(eff *Effects) {
	m.state = Leader
	m.leader = m.id
	m.tick = 0
	m.peerState = make(map[string]*peerState, len(m.peers))
	for _, p := range m.peers {
		m.peerState[p] = &peerState{nextIndex: m.lastIndex() + 1}
	}

	// A leader entering office appends a no-op entry in its own term
	// before anything else, so a later commit-index advance can never
	// be forced to reach back and directly commit an entry from an
	// earlier term (the previous-term commit safety rule).
	entry := LogEntry{Term: m.currentTerm}
	m.log = append(m.log, entry)
	eff.Append = append(eff.Append, entry)

	m.sendAppendEntries(eff)
}

// becomeFollower steps down to Follower. term is the term to adopt;
// passing m.currentTerm is a no-op term change (used for election
// timeouts, where a losing candidate/pre-candidate steps down without
// seeing a higher term).
func (m *Machine) becomeFollower(eff *Effects, term uint64) {
	m.state = Follower
	if term > m.currentTerm {
		m.currentTerm = term
		m.votedFor = ""
		eff.SetTerm = &TermVote{Term: term, VotedFor: ""}
	}
	m.leader = ""
	m.tick = 0
	m.electionTimeout = m.cfg.randomTimeout()
	m.peerState = nil
	m.preVoteGrants = nil
	m.voteGrants = nil
}

// sendAppendEntries enqueues one AppendEntries message per peer,
// carrying whatever entries that peer's next_index says it is still
// missing. Used both as the heartbeat and to ship a freshly-proposed
// entry without waiting for the next heartbeat tick.
func (m *Machine) sendAppendEntries(eff *Effects) {
	for _, p := range m.peers {
		ps := m.peerState[p]
		prevIndex := ps.nextIndex - 1
		var prevTerm uint64
		if prevIndex > 0 {
			prevTerm = m.log[prevIndex].Term
		}
		var entries []LogEntry
		if ps.nextIndex <= m.lastIndex() {
			entries = append([]LogEntry(nil), m.log[ps.nextIndex:]...)
		}
		eff.enqueue(Msg{
			Kind: AppendEntries, Src: m.id, Dest: p,
			Term: m.currentTerm, PrevIndex: prevIndex, PrevTerm: prevTerm,
			Entries: entries, LeaderCommit: m.commitIndex,
		})
	}
}

// canGrantVote evaluates the shared voting rules. isPreVote suppresses
// the voted_for check (a pre-vote is a dry run, it never consumes the
// vote for this term) and the caller must not have already adopted
// msg.Term (PreVote never does).
func (m *Machine) canGrantVote(msg Msg, isPreVote bool) bool {
	if msg.Term < m.currentTerm {
		return false
	}
	if m.obedient {
		return false
	}
	if !isPreVote && m.votedFor != "" && m.votedFor != msg.Src {
		return false
	}
	lt, li := m.lastTerm(), m.lastIndex()
	if msg.LastTerm != lt {
		return msg.LastTerm > lt
	}
	return msg.LastIndex >= li
}

func (m *Machine) stepPreVoteRequest(msg Msg) Effects {
	var eff Effects
	granted := m.canGrantVote(msg, true)
	// A pre-vote never persists anything and never resets the
	// election timer, even on grant: it is purely advisory, so a
	// follower being polled by several would-be candidates at once
	// cannot be starved out of noticing its real leader is gone.
	eff.enqueue(Msg{
		Kind: PreVoteReply, Src: m.id, Dest: msg.Src,
		Term: m.currentTerm, Reject: !granted,
	})
	return eff
}

func (m *Machine) stepVoteRequest(msg Msg) Effects {
	var eff Effects
	if msg.Term > m.currentTerm {
		m.becomeFollower(&eff, msg.Term)
	}

	granted := m.canGrantVote(msg, false)
	if granted {
		m.votedFor = msg.Src
		eff.SetTerm = &TermVote{Term: m.currentTerm, VotedFor: msg.Src}
		m.resetElectionTimer()
	}
	eff.enqueue(Msg{
		Kind: VoteReply, Src: m.id, Dest: msg.Src,
		Term: m.currentTerm, Reject: !granted,
	})
	return eff
}

func (m *Machine) stepPreVoteReply(msg Msg) Effects {
	var eff Effects
	if msg.Term > m.currentTerm {
		m.becomeFollower(&eff, msg.Term)
		return eff
	}
	if m.state != PreCandidate {
		return eff
	}
	if !msg.Reject {
		m.preVoteGrants[msg.Src] = true
		if len(m.preVoteGrants) >= m.quorum() {
			m.becomeCandidate(&eff)
		}
	}
	return eff
}

func (m *Machine) stepVoteReply(msg Msg) Effects {
	var eff Effects
	if msg.Term > m.currentTerm {
		m.becomeFollower(&eff, msg.Term)
		return eff
	}
	if m.state != Candidate {
		return eff
	}
	if !msg.Reject {
		m.voteGrants[msg.Src] = true
		if len(m.voteGrants) >= m.quorum() {
			m.becomeLeader(&eff)
		}
	}
	return eff
}

// findFirstInconsistency returns the smallest offset at which ours and
// theirs disagree on the term of the entry at that offset, or
// min(len(ours), len(theirs)) if one is a prefix of the other. Only
// terms are compared: the Log Matching property guarantees that two
// entries with the same index and term carry the same action.
func findFirstInconsistency(ours, theirs []LogEntry) int {
	n := len(ours)
	if len(theirs) < n {
		n = len(theirs)
	}
	for i := 0; i < n; i++ {
		if ours[i].Term != theirs[i].Term {
			return i
		}
	}
	return n
}

func (m *Machine) stepAppendEntriesRequest(msg Msg) Effects {
	var eff Effects

	if msg.Term < m.currentTerm {
		eff.enqueue(Msg{
			Kind: AppendEntriesReply, Src: m.id, Dest: msg.Src,
			Term: m.currentTerm, Reject: true,
		})
		return eff
	}

	if msg.Term > m.currentTerm {
		m.becomeFollower(&eff, msg.Term)
	} else if m.state != Follower {
		// Same term, but only one leader exists per term: any
		// AppendEntries at the current term means this node lost (or
		// never ran) the election and must stand down.
		m.becomeFollower(&eff, m.currentTerm)
	}

	m.obedient = true
	m.leader = msg.Src
	m.resetElectionTimer()

	if msg.PrevIndex > m.lastIndex() {
		eff.enqueue(Msg{
			Kind: AppendEntriesReply, Src: m.id, Dest: msg.Src,
			Term: m.currentTerm, Reject: true,
		})
		return eff
	}
	if msg.PrevIndex > 0 && m.log[msg.PrevIndex].Term != msg.PrevTerm {
		eff.enqueue(Msg{
			Kind: AppendEntriesReply, Src: m.id, Dest: msg.Src,
			Term: m.currentTerm, Reject: true,
		})
		return eff
	}

	ours := m.log[msg.PrevIndex+1:]
	offset := findFirstInconsistency(ours, msg.Entries)

	if offset < len(ours) {
		truncateAt := msg.PrevIndex + uint64(offset)
		t := truncateAt
		eff.RollbackTo = &t
		m.log = m.log[:truncateAt+1]
	}

	if newEntries := msg.Entries[offset:]; len(newEntries) > 0 {
		m.log = append(m.log, newEntries...)
		eff.Append = append(eff.Append, newEntries...)
	}

	if msg.LeaderCommit > m.commitIndex {
		old := m.commitIndex
		newCommit := msg.LeaderCommit
		if newCommit > m.lastIndex() {
			newCommit = m.lastIndex()
		}
		if newCommit > old {
			m.commitIndex = newCommit
			eff.CommittedFrom, eff.CommittedTo = old+1, newCommit
		}
	}

	eff.enqueue(Msg{
		Kind: AppendEntriesReply, Src: m.id, Dest: msg.Src,
		Term: m.currentTerm, Reject: false, LogIndex: m.lastIndex(),
	})
	return eff
}

func (m *Machine) stepAppendEntriesReply(msg Msg) Effects {
	var eff Effects
	if msg.Term > m.currentTerm {
		m.becomeFollower(&eff, msg.Term)
		return eff
	}
	if m.state != Leader {
		return eff
	}
	ps, ok := m.peerState[msg.Src]
	if !ok {
		return eff
	}

	if msg.Reject {
		if ps.nextIndex > 1 {
			ps.nextIndex--
		}
		return eff
	}

	// A stale reply from an earlier, since-superseded AppendEntries
	// must never move match_index backward.
	if msg.LogIndex < ps.matchIndex {
		return eff
	}
	ps.matchIndex = msg.LogIndex
	ps.nextIndex = ps.matchIndex + 1

	m.advanceCommitIndex(&eff)
	return eff
}

// advanceCommitIndex implements the majority-replication rule: commit
// the highest index N replicated on a quorum (including self) whose
// entry was proposed in the current term. An entry from an earlier
// term is never committed directly — it can only become committed as
// a side effect of a current-term entry reaching the same majority.
func (m *Machine) advanceCommitIndex(eff *Effects) {
	best := m.commitIndex
	for n := m.commitIndex + 1; n <= m.lastIndex(); n++ {
		if m.log[n].Term != m.currentTerm {
			continue
		}
		count := 1
		for _, ps := range m.peerState {
			if ps.matchIndex >= n {
				count++
			}
		}
		if count >= m.quorum() {
			best = n
		}
	}
	if best > m.commitIndex {
		old := m.commitIndex
		m.commitIndex = best
		eff.CommittedFrom, eff.CommittedTo = old+1, best
	}
}

func (m *Machine) stepPropose(msg Msg) Effects {
	var eff Effects
	if m.state != Leader {
		eff.Propose = &ProposeResult{Accepted: false, LeaderHint: m.leader}
		return eff
	}

	entry := LogEntry{Term: m.currentTerm, Action: msg.ProposedAction}
	m.log = append(m.log, entry)
	idx := m.lastIndex()
	eff.Append = append(eff.Append, entry)
	eff.Propose = &ProposeResult{Accepted: true, Index: idx, Term: m.currentTerm}

	m.sendAppendEntries(&eff)
	return eff
}
