// Package journal keeps the command history of a BenomeDB user graph.
//
// Every successful mutating command is appended as one JSON line carrying a
// sequence number, the time, the request id, the command name and its
// arguments. Each line holds a CRC32 of its arguments, and readers skip lines
// that fail the check, so a torn final write never hides earlier history.
//
// Usage:
//
//	j, err := journal.Open(journal.Options{Path: "data/journal.log"})
//	if err != nil {
//		return err
//	}
//	defer j.Close()
//
//	j.Append("9b0c...", "add-context", map[string]any{"ParentID": 1000})
//
//	entries, err := journal.ReadEntriesAfter("data/journal.log", 40)
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Common journal errors
var (
	ErrClosed    = errors.New("journal: closed")
	ErrCorrupted = errors.New("journal: corrupted entry")
)

// Entry is a single history record.
type Entry struct {
	Sequence  uint64          `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	RequestID string          `json:"request_id,omitempty"`
	Command   string          `json:"command"`
	Args      json.RawMessage `json:"args,omitempty"`
	Checksum  uint32          `json:"checksum"`
}

// Verify checks the entry's checksum.
func (e Entry) Verify() error {
	if e.Checksum != checksum(e.Args) {
		return fmt.Errorf("%w: seq %d", ErrCorrupted, e.Sequence)
	}
	return nil
}

// Options configures a Journal.
type Options struct {
	Path string
	// Sync fsyncs after every entry. Otherwise entries are flushed to the OS
	// on each append and fsynced on Sync or Close.
	Sync bool
	Now  func() time.Time
}

// Journal appends entries to a single file. Safe for concurrent use.
type Journal struct {
	mu     sync.Mutex
	opts   Options
	file   *os.File
	writer *bufio.Writer

	sequence atomic.Uint64
	closed   atomic.Bool

	appended atomic.Int64
	bytes    atomic.Int64
	syncs    atomic.Int64
	last     atomic.Int64
}

// Stats provides observability into journal state.
type Stats struct {
	Path          string
	Sequence      uint64
	Appended      int64
	BytesWritten  int64
	TotalSyncs    int64
	LastEntryTime time.Time
	Closed        bool
}

// Open opens or creates the journal file and resumes its sequence.
func Open(opts Options) (*Journal, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("journal: path is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create directory: %w", err)
	}

	last, err := lastSequence(opts.Path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	j := &Journal{
		opts:   opts,
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
	}
	j.sequence.Store(last)
	return j, nil
}

// Append writes one entry and returns it.
func (j *Journal) Append(requestID, command string, args any) (Entry, error) {
	if j.closed.Load() {
		return Entry{}, ErrClosed
	}

	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return Entry{}, fmt.Errorf("journal: marshal args for %s: %w", command, err)
		}
		raw = data
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entry := Entry{
		Sequence:  j.sequence.Load() + 1,
		Timestamp: j.opts.Now().UTC(),
		RequestID: requestID,
		Command:   command,
		Args:      raw,
		Checksum:  checksum(raw),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: encode entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.writer.Write(line); err != nil {
		return Entry{}, fmt.Errorf("journal: write: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return Entry{}, fmt.Errorf("journal: flush: %w", err)
	}
	if j.opts.Sync {
		if err := j.syncLocked(); err != nil {
			return Entry{}, err
		}
	}

	j.sequence.Store(entry.Sequence)
	j.appended.Add(1)
	j.bytes.Add(int64(len(line)))
	j.last.Store(entry.Timestamp.UnixNano())
	return entry, nil
}

// Sync flushes and fsyncs buffered entries.
func (j *Journal) Sync() error {
	if j.closed.Load() {
		return ErrClosed
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.syncLocked()
}

func (j *Journal) syncLocked() error {
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("journal: flush: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: sync: %w", err)
	}
	j.syncs.Add(1)
	return nil
}

// Close flushes pending entries and closes the file.
func (j *Journal) Close() error {
	if j.closed.Swap(true) {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	syncErr := j.syncLocked()
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("journal: close: %w", err)
	}
	return syncErr
}

// Sequence returns the last written sequence number.
func (j *Journal) Sequence() uint64 {
	return j.sequence.Load()
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.opts.Path }

// Stats returns current journal statistics.
func (j *Journal) Stats() Stats {
	var last time.Time
	if t := j.last.Load(); t > 0 {
		last = time.Unix(0, t).UTC()
	}
	return Stats{
		Path:          j.opts.Path,
		Sequence:      j.sequence.Load(),
		Appended:      j.appended.Load(),
		BytesWritten:  j.bytes.Load(),
		TotalSyncs:    j.syncs.Load(),
		LastEntryTime: last,
		Closed:        j.closed.Load(),
	}
}

// ReadEntries reads every valid entry of the journal at path. Lines that do
// not decode or fail their checksum are skipped and counted.
func ReadEntries(path string) ([]Entry, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("journal: open: %w", err)
	}
	defer file.Close()

	var (
		entries []Entry
		skipped int
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			skipped++
			continue
		}
		if e.Verify() != nil {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, skipped, fmt.Errorf("journal: read: %w", err)
	}
	return entries, skipped, nil
}

// ReadEntriesAfter reads entries with a sequence greater than afterSeq.
func ReadEntriesAfter(path string, afterSeq uint64) ([]Entry, error) {
	all, _, err := ReadEntries(path)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.Sequence > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// Tail returns the last n valid entries (all of them when n <= 0).
func Tail(path string, n int) ([]Entry, error) {
	all, _, err := ReadEntries(path)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// lastSequence scans an existing journal for its highest sequence.
func lastSequence(path string) (uint64, error) {
	entries, _, err := ReadEntries(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var last uint64
	for _, e := range entries {
		if e.Sequence > last {
			last = e.Sequence
		}
	}
	return last, nil
}

func checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
