// Package eventlog implements the per-interface append-only event log
// of spec §4.4: sequence-numbered entries, compaction into a snapshot
// blob reference, and crash-safe recovery that truncates a torn tail
// instead of silently skipping past it.
package eventlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/indranet/core/internal/blobstore"
	"github.com/indranet/core/internal/events"
	"github.com/indranet/core/internal/metrics"
)

const (
	logFileName      = "log"
	snapshotFileName = "snapshot"
	maxEntrySize     = 1 << 20 // 1 MiB, matches the wire framing cap
)

var (
	ErrEntryTooLarge    = errors.New("eventlog: entry exceeds maximum size")
	ErrSequenceConflict = errors.New("eventlog: sequence already occupied")
)

// Entry is one record in the log.
type Entry struct {
	Sequence uint64
	Event    events.InterfaceEvent
	StoredAt time.Time
}

// CompactionThresholds configures when a caller-driven compaction
// becomes due. Any threshold being met is sufficient (spec §4.4).
type CompactionThresholds struct {
	MinEntries int
	MinBytes   int64
	MaxAge     time.Duration
}

// snapshotRecord is the on-disk header describing the current
// compaction epoch: the log's active segment only ever holds entries
// with Sequence >= StartSeq.
type snapshotRecord struct {
	StartSeq    uint64
	SnapshotRef blobstore.BlobRef
	CompactedAt time.Time
	HasSnapshot bool
}

// Log is a single interface's append-only event log, backed by a
// directory on disk.
type Log struct {
	dir string

	mu       sync.Mutex
	file     *os.File
	entries  []Entry // in-memory mirror of the active segment, oldest first
	ids      map[events.EventId]struct{}
	nextSeq  uint64
	snapshot snapshotRecord
	openedAt time.Time
	metrics  *metrics.Metrics // nil-safe
}

// SetMetrics attaches a Metrics instance the log reports compaction
// activity to. Passing nil (the default) disables reporting.
func (l *Log) SetMetrics(m *metrics.Metrics) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metrics = m
}

// Open opens or creates a log rooted at dir.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: mkdir %s: %w", dir, err)
	}
	l := &Log{dir: dir, openedAt: time.Now()}

	if rec, ok, err := readSnapshotRecord(dir); err != nil {
		return nil, err
	} else if ok {
		l.snapshot = rec
	}
	l.nextSeq = l.snapshot.StartSeq

	entries, truncatedAt, err := recoverEntries(filepath.Join(dir, logFileName), l.snapshot.StartSeq)
	if err != nil {
		return nil, err
	}
	l.entries = entries
	l.ids = make(map[events.EventId]struct{}, len(entries))
	for _, e := range entries {
		l.ids[e.Event.ID()] = struct{}{}
	}
	if len(entries) > 0 {
		l.nextSeq = entries[len(entries)-1].Sequence + 1
	}

	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open log file: %w", err)
	}
	if truncatedAt >= 0 {
		if err := f.Truncate(truncatedAt); err != nil {
			f.Close()
			return nil, fmt.Errorf("eventlog: truncate corrupted tail: %w", err)
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("eventlog: seek to end: %w", err)
	}
	l.file = f
	return l, nil
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Append writes a new entry and returns its assigned sequence number.
// It is atomic with respect to concurrent readers: Entries/EntriesSince
// observe either the full write or none of it.
func (l *Log) Append(event events.InterfaceEvent) (events.EventId, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.nextSeq
	entry := Entry{Sequence: seq, Event: event, StoredAt: time.Now()}

	payload := encodeEntry(entry)
	if len(payload) > maxEntrySize {
		return events.EventId{}, 0, ErrEntryTooLarge
	}
	if err := writeFramedEntry(l.file, payload); err != nil {
		return events.EventId{}, 0, err
	}

	l.entries = append(l.entries, entry)
	l.ids[event.ID()] = struct{}{}
	l.nextSeq++
	return event.ID(), seq, nil
}

// Contains reports whether an event with this id has ever been
// appended to this log, including one since removed from the active
// segment by compaction: once observed, an id is never reused.
func (l *Log) Contains(id events.EventId) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.ids[id]
	return ok
}

// Entries returns every entry currently held in the active segment,
// oldest first. The result is a snapshot copy taken under lock.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// EntriesSince returns an iterator over entries with Sequence >= from.
// The sequence is finite: it is materialized from a consistent snapshot
// taken at call time, so it is unaffected by appends made while the
// caller is still ranging over it.
func (l *Log) EntriesSince(from uint64) iter.Seq[Entry] {
	snapshot := l.Entries()
	return func(yield func(Entry) bool) {
		for _, e := range snapshot {
			if e.Sequence < from {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// StartSequence returns the first sequence number still present in the
// active segment (the compaction epoch boundary).
func (l *Log) StartSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot.StartSeq
}

// NextSequence returns the sequence that the next Append will assign.
func (l *Log) NextSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// DueForCompaction reports whether any configured threshold has been
// met for the current active segment.
func (l *Log) DueForCompaction(t CompactionThresholds) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.MinEntries > 0 && len(l.entries) >= t.MinEntries {
		return true
	}
	if t.MaxAge > 0 && time.Since(l.openedAt) >= t.MaxAge {
		return true
	}
	if t.MinBytes > 0 {
		if info, err := l.file.Stat(); err == nil && info.Size() >= t.MinBytes {
			return true
		}
	}
	return false
}

// Compact atomically replaces entries [StartSequence, upto) with a
// snapshot reference, keeping entries with Sequence >= upto. Readers
// always observe either the pre-compaction prefix or the snapshot,
// never a partial state, because the new segment is written to a temp
// file and renamed into place only after both the data and its
// directory are synced.
func (l *Log) Compact(upto uint64, snapshotRef blobstore.BlobRef) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	defer func() {
		if l.metrics != nil {
			l.metrics.CompactionDuration.Observe(time.Since(start).Seconds())
		}
	}()

	if upto < l.snapshot.StartSeq || upto > l.nextSeq {
		return fmt.Errorf("eventlog: compaction target %d out of range [%d, %d]", upto, l.snapshot.StartSeq, l.nextSeq)
	}

	var kept []Entry
	for _, e := range l.entries {
		if e.Sequence >= upto {
			kept = append(kept, e)
		}
	}

	tmpLogPath := filepath.Join(l.dir, logFileName+".compact.tmp")
	tmp, err := os.OpenFile(tmpLogPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog: create compaction temp file: %w", err)
	}
	for _, e := range kept {
		if err := writeFramedEntry(tmp, encodeEntry(e)); err != nil {
			tmp.Close()
			os.Remove(tmpLogPath)
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpLogPath)
		return fmt.Errorf("eventlog: fsync compacted segment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpLogPath)
		return fmt.Errorf("eventlog: close compacted segment: %w", err)
	}

	rec := snapshotRecord{StartSeq: upto, SnapshotRef: snapshotRef, CompactedAt: time.Now(), HasSnapshot: true}
	if err := writeSnapshotRecord(l.dir, rec); err != nil {
		os.Remove(tmpLogPath)
		return err
	}

	logPath := filepath.Join(l.dir, logFileName)
	if err := os.Rename(tmpLogPath, logPath); err != nil {
		return fmt.Errorf("eventlog: rename compacted segment into place: %w", err)
	}
	if err := syncDir(l.dir); err != nil {
		return fmt.Errorf("eventlog: fsync log directory: %w", err)
	}

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("eventlog: close old segment handle: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog: reopen compacted segment: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return fmt.Errorf("eventlog: seek compacted segment: %w", err)
	}

	l.file = f
	l.entries = kept
	l.snapshot = rec
	l.openedAt = time.Now()
	if l.metrics != nil {
		l.metrics.CompactionsTotal.Inc()
		l.metrics.LogEntriesRetained.Set(float64(len(kept)))
	}
	return nil
}

// SnapshotRef returns the current compaction snapshot reference, if
// any compaction has happened yet.
func (l *Log) SnapshotRef() (blobstore.BlobRef, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot.SnapshotRef, l.snapshot.HasSnapshot
}

func encodeEntry(e Entry) []byte {
	eventBytes := e.Event.Encode()
	buf := make([]byte, 0, 8+8+4+len(eventBytes))
	buf = binary.BigEndian.AppendUint64(buf, e.Sequence)
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.StoredAt.UnixMicro()))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(eventBytes)))
	buf = append(buf, eventBytes...)
	return buf
}

func decodeEntry(buf []byte) (Entry, error) {
	if len(buf) < 8+8+4 {
		return Entry{}, fmt.Errorf("eventlog: truncated entry header")
	}
	seq := binary.BigEndian.Uint64(buf[0:8])
	storedAt := time.UnixMicro(int64(binary.BigEndian.Uint64(buf[8:16])))
	n := binary.BigEndian.Uint32(buf[16:20])
	if uint32(len(buf)-20) != n {
		return Entry{}, fmt.Errorf("eventlog: entry length mismatch: want %d, have %d", n, len(buf)-20)
	}
	event, err := events.Decode(buf[20:])
	if err != nil {
		return Entry{}, err
	}
	return Entry{Sequence: seq, Event: event, StoredAt: storedAt}, nil
}

// writeFramedEntry appends one length+crc-framed entry and fsyncs it
// before returning, so Append is durable by the time it returns.
func writeFramedEntry(f *os.File, payload []byte) error {
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))
	if _, err := f.Write(header); err != nil {
		return fmt.Errorf("eventlog: write entry header: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		return fmt.Errorf("eventlog: write entry payload: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("eventlog: fsync entry: %w", err)
	}
	return nil
}

// recoverEntries replays the log file, returning the entries decoded
// successfully and the byte offset at which a corrupted or torn tail
// was found (-1 if the file ended cleanly).
func recoverEntries(path string, startSeq uint64) ([]Entry, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, -1, nil
		}
		return nil, -1, fmt.Errorf("eventlog: open log for recovery: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var entries []Entry
	var offset int64
	expectSeq := startSeq

	for {
		header := make([]byte, 8)
		n, err := io.ReadFull(r, header)
		if err == io.EOF {
			return entries, -1, nil
		}
		if err != nil || n < 8 {
			return entries, offset, nil
		}
		length := binary.BigEndian.Uint32(header[0:4])
		wantCRC := binary.BigEndian.Uint32(header[4:8])
		if length > maxEntrySize {
			return entries, offset, nil
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return entries, offset, nil
		}
		if crc32.ChecksumIEEE(payload) != wantCRC {
			return entries, offset, nil
		}
		entry, err := decodeEntry(payload)
		if err != nil {
			return entries, offset, nil
		}
		if entry.Sequence != expectSeq {
			return entries, offset, nil
		}
		entries = append(entries, entry)
		expectSeq++
		offset += int64(8 + length)
	}
}

func writeSnapshotRecord(dir string, rec snapshotRecord) error {
	buf := make([]byte, 0, 64+len(rec.SnapshotRef.Bytes()))
	buf = binary.BigEndian.AppendUint64(buf, rec.StartSeq)
	buf = binary.BigEndian.AppendUint64(buf, uint64(rec.CompactedAt.UnixMicro()))
	refBytes := rec.SnapshotRef.Bytes()
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(refBytes)))
	buf = append(buf, refBytes...)

	path := filepath.Join(dir, snapshotFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("eventlog: write snapshot record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("eventlog: rename snapshot record: %w", err)
	}
	return syncDir(dir)
}

func readSnapshotRecord(dir string) (snapshotRecord, bool, error) {
	buf, err := os.ReadFile(filepath.Join(dir, snapshotFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return snapshotRecord{}, false, nil
		}
		return snapshotRecord{}, false, fmt.Errorf("eventlog: read snapshot record: %w", err)
	}
	if len(buf) < 20 {
		return snapshotRecord{}, false, fmt.Errorf("eventlog: truncated snapshot record")
	}
	rec := snapshotRecord{HasSnapshot: true}
	rec.StartSeq = binary.BigEndian.Uint64(buf[0:8])
	rec.CompactedAt = time.UnixMicro(int64(binary.BigEndian.Uint64(buf[8:16])))
	n := binary.BigEndian.Uint32(buf[16:20])
	if uint32(len(buf)-20) != n {
		return snapshotRecord{}, false, fmt.Errorf("eventlog: snapshot ref length mismatch")
	}
	ref, err := blobstore.RefFromBytes(buf[20:])
	if err != nil {
		return snapshotRecord{}, false, err
	}
	rec.SnapshotRef = ref
	return rec, true, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
