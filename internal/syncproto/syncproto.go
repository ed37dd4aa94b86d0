// Package syncproto implements the bidirectional document and log
// reconciliation exchange of spec §4.9: each side states what it has
// already seen, the other replies with whatever delta closes the gap,
// and the exchange terminates once a response carries neither a
// document delta nor further log entries.
package syncproto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/indranet/core/internal/document"
	"github.com/indranet/core/internal/eventlog"
	"github.com/indranet/core/internal/events"
)

// DefaultLogBatchSize bounds how many log entries a single Response
// carries, so one sync round never produces an unbounded message for a
// deeply behind peer; the caller drives further rounds via NextLogSeq
// until Done is true.
const DefaultLogBatchSize = 256

// Request states what the asking side has already applied: its
// document version vector and the next log sequence it wants.
type Request struct {
	DocVV  document.VV
	LogSeq uint64
}

// Response is generated against a Request. DocDelta is the responder's
// full document state, included only when it has progressed beyond the
// asker's DocVV; it is nil otherwise, since the document snapshot isn't
// itself batched. LogEntries carries encoded InterfaceEvents starting
// at the requested sequence, capped to a batch. NextLogSeq is the
// sequence the asker should request in the following round. Done is
// true once no log entries remain beyond this batch; it does not
// depend on whether DocDelta is set.
type Response struct {
	DocDelta   []byte
	LogEntries [][]byte
	NextLogSeq uint64
	Done       bool
}

// SyncError wraps a failure encountered while applying a Response. Any
// entries already applied before the failing one remain applied: each
// log append and document admission is independently idempotent and
// valid on its own, so a partial apply never leaves the document or
// log in an inconsistent state, only a less-complete one that a
// further sync round will finish.
type SyncError struct {
	err error
}

func (e *SyncError) Error() string { return fmt.Sprintf("syncproto: %v", e.err) }
func (e *SyncError) Unwrap() error { return e.err }

// GenerateResponse builds the reply to req from the local document and
// log state, batching log entries to at most batchSize. A batchSize of
// 0 uses DefaultLogBatchSize.
func GenerateResponse(doc *document.Document, log *eventlog.Log, req Request, batchSize int) (Response, error) {
	if batchSize <= 0 {
		batchSize = DefaultLogBatchSize
	}

	var resp Response
	if doc.HasProgressBeyond(req.DocVV) {
		resp.DocDelta = document.MarshalState(doc.Snapshot())
	}

	resp.NextLogSeq = req.LogSeq
	more := false
	count := 0
	for entry := range log.EntriesSince(req.LogSeq) {
		if count >= batchSize {
			more = true
			break
		}
		resp.LogEntries = append(resp.LogEntries, entry.Event.Encode())
		resp.NextLogSeq = entry.Sequence + 1
		count++
	}

	resp.Done = !more
	return resp, nil
}

// ApplyResponse merges resp into the local document and log. changed
// reports whether anything new was admitted. Events arriving through
// sync are assumed to have already been authenticated by the channel
// the exchange runs over (a joined interface's authenticated sync
// session), so ApplyResponse does not re-verify signatures the way
// gossip delivery does.
//
// The document delta is merged first, since a freshly-bootstrapping
// document (the join path's empty starting state) needs the remote
// membership state in place before a message event's author can pass
// the document's membership check. Log entries are then deduplicated
// against the log itself, not the document's admitted-event set: the
// merge above already marks every one of these events "admitted" in
// the document, so checking admission would skip appending them to the
// log entirely.
func ApplyResponse(doc *document.Document, log *eventlog.Log, resp Response) (bool, error) {
	changed := false

	if resp.DocDelta != nil {
		state, err := document.UnmarshalState(resp.DocDelta)
		if err != nil {
			return changed, &SyncError{err: fmt.Errorf("decode document delta: %w", err)}
		}
		if refs := doc.Merge(state); len(refs) > 0 {
			changed = true
		}
	}

	for _, raw := range resp.LogEntries {
		event, err := events.Decode(raw)
		if err != nil {
			return changed, &SyncError{err: fmt.Errorf("decode log entry: %w", err)}
		}
		if log.Contains(event.ID()) {
			continue
		}
		if _, _, err := log.Append(event); err != nil {
			return changed, &SyncError{err: fmt.Errorf("append log entry: %w", err)}
		}
		if err := doc.AppendEvent(event); err != nil {
			return changed, &SyncError{err: fmt.Errorf("admit log entry: %w", err)}
		}
		changed = true
	}

	return changed, nil
}

// MarshalRequest encodes a Request for the wire (wire.TagInterfaceSyncRequest).
func MarshalRequest(req Request) []byte {
	var buf []byte
	buf = appendVV(buf, req.DocVV)
	buf = binary.BigEndian.AppendUint64(buf, req.LogSeq)
	return buf
}

// UnmarshalRequest is the inverse of MarshalRequest.
func UnmarshalRequest(buf []byte) (Request, error) {
	r := &reader{buf: buf}
	var req Request
	var err error
	if req.DocVV, err = r.vv(); err != nil {
		return req, err
	}
	seq, ok := r.u64()
	if !ok {
		return req, errTruncated
	}
	req.LogSeq = seq
	if !r.atEnd() {
		return req, errors.New("syncproto: trailing data after request")
	}
	return req, nil
}

// MarshalResponse encodes a Response for the wire (wire.TagInterfaceSyncResponse).
func MarshalResponse(resp Response) []byte {
	var buf []byte
	buf = appendBytesField(buf, resp.DocDelta)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(resp.LogEntries)))
	for _, e := range resp.LogEntries {
		buf = appendBytesField(buf, e)
	}

	buf = binary.BigEndian.AppendUint64(buf, resp.NextLogSeq)
	buf = appendBool(buf, resp.Done)
	return buf
}

// UnmarshalResponse is the inverse of MarshalResponse.
func UnmarshalResponse(buf []byte) (Response, error) {
	r := &reader{buf: buf}
	var resp Response

	delta, hasDelta, ok := r.bytesField()
	if !ok {
		return resp, errTruncated
	}
	if hasDelta {
		resp.DocDelta = delta
	}

	count, ok := r.u32()
	if !ok {
		return resp, errTruncated
	}
	for i := uint32(0); i < count; i++ {
		entry, _, ok := r.bytesField()
		if !ok {
			return resp, errTruncated
		}
		resp.LogEntries = append(resp.LogEntries, entry)
	}

	seq, ok := r.u64()
	if !ok {
		return resp, errTruncated
	}
	resp.NextLogSeq = seq

	done, err := r.boolean()
	if err != nil {
		return resp, err
	}
	resp.Done = done

	if !r.atEnd() {
		return resp, errors.New("syncproto: trailing data after response")
	}
	return resp, nil
}

var errTruncated = errors.New("syncproto: truncated message")

// appendBytesField encodes an optional byte slice as a presence flag
// followed by a length-prefixed body, so a nil DocDelta round-trips
// distinctly from an empty one.
func appendBytesField(buf []byte, b []byte) []byte {
	if b == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func appendBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendVV(buf []byte, v document.VV) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(v)))
	for id, seq := range v {
		buf = append(buf, id[:]...)
		buf = binary.BigEndian.AppendUint64(buf, seq)
	}
	return buf
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) atEnd() bool { return r.off == len(r.buf) }

func (r *reader) bytes(dst []byte) bool {
	if len(r.buf)-r.off < len(dst) {
		return false
	}
	copy(dst, r.buf[r.off:r.off+len(dst)])
	r.off += len(dst)
	return true
}

func (r *reader) u32() (uint32, bool) {
	if len(r.buf)-r.off < 4 {
		return 0, false
	}
	v := binary.BigEndian.Uint32(r.buf[r.off : r.off+4])
	r.off += 4
	return v, true
}

func (r *reader) u64() (uint64, bool) {
	if len(r.buf)-r.off < 8 {
		return 0, false
	}
	v := binary.BigEndian.Uint64(r.buf[r.off : r.off+8])
	r.off += 8
	return v, true
}

func (r *reader) boolean() (bool, error) {
	if len(r.buf)-r.off < 1 {
		return false, errTruncated
	}
	v := r.buf[r.off] != 0
	r.off++
	return v, nil
}

// bytesField decodes a field written by appendBytesField: the second
// return reports whether it was present (non-nil), the third whether
// decoding succeeded at all.
func (r *reader) bytesField() ([]byte, bool, bool) {
	if len(r.buf)-r.off < 1 {
		return nil, false, false
	}
	present := r.buf[r.off] != 0
	r.off++
	if !present {
		return nil, false, true
	}
	n, ok := r.u32()
	if !ok {
		return nil, false, false
	}
	if len(r.buf)-r.off < int(n) {
		return nil, false, false
	}
	b := append([]byte(nil), r.buf[r.off:r.off+int(n)]...)
	r.off += int(n)
	return b, true, true
}

func (r *reader) vv() (document.VV, error) {
	n, ok := r.u32()
	if !ok {
		return nil, errTruncated
	}
	v := make(document.VV, n)
	for i := uint32(0); i < n; i++ {
		var id [32]byte
		if !r.bytes(id[:]) {
			return nil, errTruncated
		}
		seq, ok := r.u64()
		if !ok {
			return nil, errTruncated
		}
		v[id] = seq
	}
	return v, nil
}
