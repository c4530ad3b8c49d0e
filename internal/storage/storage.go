// Package storage implements the durable, crash-consistent append-only
// log used to persist the replicated log and the (current_term,
// voted_for) pair. Every mutating call fsyncs before returning, so a
// process that crashes mid-write never reports success for data that
// did not reach disk.
package storage

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/ocireg/raftcore/internal/machine"
)

const (
	journalMagic   byte = 0xC5
	journalVersion byte = 0x01
	// headerSize is magic(1) + version(1) + reserved(2) + length(4).
	headerSize = 8
	// trailerSize is the CRC32C checksum over the payload.
	trailerSize = 4

	journalFileName = "journal.log"
	termFileName    = "term.state"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Storage owns one node's on-disk state directory.
type Storage struct {
	dir      string
	journal  *os.File
	termPath string
}

// termRecord is the entire contents of term.state.
type termRecord struct {
	Term     uint64 `json:"term"`
	VotedFor string `json:"voted_for"`
}

// Open opens (creating if necessary) the storage directory at dir,
// replaying journal.log to recover the log tail and reading
// term.state to recover the persisted term/vote. entries does not
// include the index-0 sentinel: it is the full log from index 1
// onward, so callers prepend a {Term: 0} entry before passing it to
// machine.Machine.LoadPersisted, which expects the sentinel in place.
func Open(dir string) (s *Storage, entries []machine.LogEntry, term uint64, votedFor string, err error) {
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, 0, "", fmt.Errorf("storage: create dir: %w", err)
	}

	s = &Storage{dir: dir, termPath: filepath.Join(dir, termFileName)}

	entries, err = replayJournal(filepath.Join(dir, journalFileName))
	if err != nil {
		return nil, nil, 0, "", err
	}

	term, votedFor, err = readTerm(s.termPath)
	if err != nil {
		return nil, nil, 0, "", err
	}

	s.journal, err = os.OpenFile(filepath.Join(dir, journalFileName), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, 0, "", fmt.Errorf("storage: open journal: %w", err)
	}

	return s, entries, term, votedFor, nil
}

// replayJournal reads every record in the journal file, discarding a
// short or checksum-failing trailing record as evidence of a torn
// write rather than treating it as a fatal corruption.
func replayJournal(path string) ([]machine.LogEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: open journal: %w", err)
	}
	defer f.Close()

	var entries []machine.LogEntry
	r := bufio.NewReader(f)
	var goodOffset int64

	for {
		header := make([]byte, headerSize)
		n, err := io.ReadFull(r, header)
		if err == io.EOF || (err == io.ErrUnexpectedEOF && n == 0) {
			break
		}
		if err != nil {
			break // torn write mid-header; stop replay here
		}
		if header[0] != journalMagic || header[1] != journalVersion {
			break
		}
		length := binary.BigEndian.Uint32(header[4:8])

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			break // torn write mid-payload
		}
		trailer := make([]byte, trailerSize)
		if _, err := io.ReadFull(r, trailer); err != nil {
			break // torn write mid-trailer
		}
		want := binary.BigEndian.Uint32(trailer)
		if crc32.Checksum(payload, castagnoli) != want {
			break // corrupt record, never fsynced to completion
		}

		var entry machine.LogEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			break
		}
		entries = append(entries, entry)
		goodOffset += int64(headerSize) + int64(length) + int64(trailerSize)
	}

	// Truncate away anything past the last good record so a future
	// Append starts writing immediately after valid data.
	if fi, statErr := os.Stat(path); statErr == nil && fi.Size() > goodOffset {
		if err := os.Truncate(path, goodOffset); err != nil {
			return nil, fmt.Errorf("storage: truncate torn journal tail: %w", err)
		}
	}

	return entries, nil
}

func readTerm(path string) (uint64, string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("storage: read term state: %w", err)
	}
	var rec termRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// A torn write of term.state (it is rewritten via rename, so
		// this should only happen on disk corruption) is not
		// recoverable by discarding a tail the way the journal is;
		// surface it instead of silently resetting the term.
		return 0, "", fmt.Errorf("storage: corrupt term state: %w", err)
	}
	return rec.Term, rec.VotedFor, nil
}

// Append durably writes entries to the journal tail, in order, and
// fsyncs before returning.
func (s *Storage) Append(entries []machine.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("storage: encode entry: %w", err)
		}
		if len(payload) > 0xFFFFFFFF {
			return fmt.Errorf("storage: entry too large")
		}

		header := make([]byte, headerSize)
		header[0] = journalMagic
		header[1] = journalVersion
		binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))

		trailer := make([]byte, trailerSize)
		binary.BigEndian.PutUint32(trailer, crc32.Checksum(payload, castagnoli))

		if _, err := s.journal.Write(header); err != nil {
			return fmt.Errorf("storage: write journal header: %w", err)
		}
		if _, err := s.journal.Write(payload); err != nil {
			return fmt.Errorf("storage: write journal payload: %w", err)
		}
		if _, err := s.journal.Write(trailer); err != nil {
			return fmt.Errorf("storage: write journal trailer: %w", err)
		}
	}
	return s.journal.Sync()
}

// Rollback discards every journal record past keepIndex (1-indexed,
// matching machine.LogEntry indices; keepIndex 0 empties the journal).
// It rewrites the journal from the surviving prefix rather than
// seeking and truncating in place, so a crash mid-rollback leaves
// either the old file or the new one intact, never a half-written mix.
func (s *Storage) Rollback(keepIndex uint64, kept []machine.LogEntry) error {
	if err := s.journal.Close(); err != nil {
		return fmt.Errorf("storage: close journal before rollback: %w", err)
	}

	path := filepath.Join(s.dir, journalFileName)
	tmp := path + ".tmp"

	if err := writeJournalFile(tmp, kept); err != nil {
		return fmt.Errorf("storage: write rollback journal: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("storage: install rollback journal: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("storage: reopen journal after rollback: %w", err)
	}
	s.journal = f
	return nil
}

func writeJournalFile(path string, entries []machine.LogEntry) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		header := make([]byte, headerSize)
		header[0] = journalMagic
		header[1] = journalVersion
		binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
		trailer := make([]byte, trailerSize)
		binary.BigEndian.PutUint32(trailer, crc32.Checksum(payload, castagnoli))

		if _, err := f.Write(header); err != nil {
			return err
		}
		if _, err := f.Write(payload); err != nil {
			return err
		}
		if _, err := f.Write(trailer); err != nil {
			return err
		}
	}
	return f.Sync()
}

// SetTerm durably persists the (current_term, voted_for) pair by
// writing a temp file in the same directory and renaming it over
// term.state, so a crash never observes a partially written header.
func (s *Storage) SetTerm(term uint64, votedFor string) error {
	data, err := json.Marshal(termRecord{Term: term, VotedFor: votedFor})
	if err != nil {
		return fmt.Errorf("storage: encode term state: %w", err)
	}

	tmp := s.termPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("storage: open temp term state: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("storage: write temp term state: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("storage: sync temp term state: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("storage: close temp term state: %w", err)
	}
	if err := os.Rename(tmp, s.termPath); err != nil {
		return fmt.Errorf("storage: install term state: %w", err)
	}
	return nil
}

// Close releases the open journal file handle.
func (s *Storage) Close() error {
	return s.journal.Close()
}
