package machine

// EntriesInRange returns a copy of the log entries with index in
// [from, to], inclusive, for the driver to hand to the Reducer after
// a commit-index advance.
func (m *Machine) EntriesInRange(from, to uint64) []LogEntry {
	if from == 0 {
		from = 1
	}
	if to > m.lastIndex() {
		to = m.lastIndex()
	}
	if from > to {
		return nil
	}
	return append([]LogEntry(nil), m.log[from:to+1]...)
}

// EntriesThrough returns a copy of log entries 1..index, for the
// driver to pass to storage.Rollback as the surviving prefix.
func (m *Machine) EntriesThrough(index uint64) []LogEntry {
	if index > m.lastIndex() {
		index = m.lastIndex()
	}
	return append([]LogEntry(nil), m.log[1:index+1]...)
}

// Peers returns the configured peer ids (excluding self).
func (m *Machine) Peers() []string {
	return append([]string(nil), m.peers...)
}
