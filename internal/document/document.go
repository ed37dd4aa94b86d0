// Package document implements the CRDT-backed Interface Document of
// spec §4.5: a replicated member set and settings register, with a
// causal record of admitted events. Merges are associative, commutative
// and idempotent; concurrent add/remove of the same member resolves to
// remove-wins per the spec's explicit mandate.
package document

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/indranet/core/internal/events"
	"github.com/indranet/core/internal/identity"
)

// VV is a version vector: the highest local_seq observed per author.
// It forms a join-semilattice under componentwise max, which is what
// makes merge associative, commutative and idempotent.
type VV map[identity.ID]uint64

func (v VV) clone() VV {
	out := make(VV, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// observe returns a copy of v with author bumped to at least seq.
func (v VV) observe(author identity.ID, seq uint64) VV {
	out := v.clone()
	if out[author] < seq {
		out[author] = seq
	}
	return out
}

// union returns the componentwise max of v and other.
func (v VV) union(other VV) VV {
	out := v.clone()
	for k, val := range other {
		if out[k] < val {
			out[k] = val
		}
	}
	return out
}

// relation describes the partial order between two version vectors.
type relation int

const (
	relEqual relation = iota
	relBefore
	relAfter
	relConcurrent
)

func compareVV(a, b VV) relation {
	aLEb, bLEa := true, true
	keys := make(map[identity.ID]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	for k := range keys {
		if a[k] > b[k] {
			aLEb = false
		}
		if b[k] > a[k] {
			bLEa = false
		}
	}
	switch {
	case aLEb && bLEa:
		return relEqual
	case aLEb:
		return relBefore
	case bLEa:
		return relAfter
	default:
		return relConcurrent
	}
}

// memberState is the CRDT state for one candidate member: the join of
// every add/remove stamp observed for it across all replicas.
type memberState struct {
	addVV    VV
	removeVV VV
	hasAdd   bool
	hasRemove bool
}

func (m memberState) present() bool {
	if !m.hasAdd {
		return false
	}
	if !m.hasRemove {
		return true
	}
	switch compareVV(m.addVV, m.removeVV) {
	case relAfter:
		return true // a later explicit re-add dominates the remove
	default:
		return false // before, equal, or concurrent: remove wins
	}
}

func (m memberState) merge(other memberState) memberState {
	out := memberState{hasAdd: m.hasAdd || other.hasAdd, hasRemove: m.hasRemove || other.hasRemove}
	if m.hasAdd && other.hasAdd {
		out.addVV = m.addVV.union(other.addVV)
	} else if m.hasAdd {
		out.addVV = m.addVV
	} else {
		out.addVV = other.addVV
	}
	if m.hasRemove && other.hasRemove {
		out.removeVV = m.removeVV.union(other.removeVV)
	} else if m.hasRemove {
		out.removeVV = m.removeVV
	} else {
		out.removeVV = other.removeVV
	}
	return out
}

// settingEntry is a last-writer-wins register, ordered by the causal
// stamp of the event that set it, with author identity as a
// deterministic tiebreaker for truly concurrent writes.
type settingEntry struct {
	value  string
	stamp  VV
	author identity.ID
}

// dominates reports whether e should win over other when both claim
// the same settings key. A causally later write always wins; a
// genuinely concurrent write is broken by comparing author identities,
// so every replica converges on the same winner regardless of merge
// order.
func (e settingEntry) dominates(other settingEntry) bool {
	switch compareVV(e.stamp, other.stamp) {
	case relAfter:
		return true
	case relBefore:
		return false
	default:
		return other.author.Less(e.author)
	}
}

// EventRef is the minimal causal-record entry the document keeps per
// admitted event: enough to detect duplicates and to ask the log for
// the full payload, without duplicating event content here.
type EventRef struct {
	ID       events.EventId
	Author   identity.ID
	LocalSeq uint64
}

var (
	ErrNotMember       = errors.New("document: actor is not a member")
	ErrAlreadyObserved = errors.New("document: event already admitted")
)

// Document is the replicated state of one N-peer interface.
type Document struct {
	mu sync.RWMutex

	interfaceID events.InterfaceId
	members     map[identity.ID]memberState
	settings    map[string]settingEntry
	vv          VV
	admitted    map[events.EventId]EventRef
}

// New creates an empty document for interfaceID, pre-populated with
// owner as its sole initial member (spec §4.6's create contract).
func New(interfaceID events.InterfaceId, owner identity.ID) *Document {
	d := NewEmpty(interfaceID)
	d.members[owner] = memberState{addVV: VV{owner: 0}, hasAdd: true}
	d.vv[owner] = 0
	return d
}

// NewEmpty creates a document with no members at all, for the join
// path: the joining peer isn't a member until a merged state (or a
// subsequently admitted membership event) says so.
func NewEmpty(interfaceID events.InterfaceId) *Document {
	return &Document{
		interfaceID: interfaceID,
		members:     make(map[identity.ID]memberState),
		settings:    make(map[string]settingEntry),
		vv:          make(VV),
		admitted:    make(map[events.EventId]EventRef),
	}
}

// Members returns a snapshot of the currently present member set.
func (d *Document) Members() []identity.ID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]identity.ID, 0, len(d.members))
	for id, st := range d.members {
		if st.present() {
			out = append(out, id)
		}
	}
	return out
}

// Admitted reports whether an event with this id has already been
// admitted into the document's causal record.
func (d *Document) Admitted(id events.EventId) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.admitted[id]
	return ok
}

// IsMember reports whether id is currently present.
func (d *Document) IsMember(id identity.ID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.members[id].present()
}

// AppendEvent attaches an admitted event to the causal frontier. The
// caller is responsible for persisting the event itself (eventlog) and
// for encryption/signing; this only updates membership/settings
// derived state and causal bookkeeping.
func (d *Document) AppendEvent(event events.InterfaceEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.appendLocked(event)
}

func (d *Document) appendLocked(event events.InterfaceEvent) error {
	if _, seen := d.admitted[event.ID()]; seen {
		return nil // idempotent: re-admitting a known event is a no-op, not an error
	}
	// Every event, a membership add included, must come from a present
	// member: a new peer is introduced by an existing one.
	if !d.members[event.Author].present() {
		return fmt.Errorf("%w: %s", ErrNotMember, event.Author)
	}

	d.vv = d.vv.observe(event.Author, event.LocalSeq)
	stamp := d.vv.clone()

	switch event.Kind {
	case events.KindMembershipChange:
		st := d.members[event.MembershipTarget]
		if event.MembershipOp == events.MembershipAdd {
			st.hasAdd = true
			if st.addVV == nil {
				st.addVV = stamp
			} else {
				st.addVV = st.addVV.union(stamp)
			}
		} else {
			st.hasRemove = true
			if st.removeVV == nil {
				st.removeVV = stamp
			} else {
				st.removeVV = st.removeVV.union(stamp)
			}
		}
		d.members[event.MembershipTarget] = st
	}

	d.admitted[event.ID()] = EventRef{ID: event.ID(), Author: event.Author, LocalSeq: event.LocalSeq}
	return nil
}

// AddMember emits a MembershipChange{Add} event for target, authored
// by actor, and admits it locally.
func (d *Document) AddMember(actor, target identity.ID, localSeq uint64, now time.Time) (events.InterfaceEvent, error) {
	return d.membershipChange(actor, target, events.MembershipAdd, localSeq, now)
}

// RemoveMember emits a MembershipChange{Remove} event for target.
func (d *Document) RemoveMember(actor, target identity.ID, localSeq uint64, now time.Time) (events.InterfaceEvent, error) {
	return d.membershipChange(actor, target, events.MembershipRemove, localSeq, now)
}

func (d *Document) membershipChange(actor, target identity.ID, op events.MembershipOp, localSeq uint64, now time.Time) (events.InterfaceEvent, error) {
	event := events.InterfaceEvent{
		InterfaceID:      d.interfaceID,
		Author:           actor,
		LocalSeq:         localSeq,
		CreatedAtMicros:  now.UnixMicro(),
		Kind:             events.KindMembershipChange,
		MembershipActor:  actor,
		MembershipTarget: target,
		MembershipOp:     op,
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.appendLocked(event); err != nil {
		return events.InterfaceEvent{}, err
	}
	return event, nil
}

// SetSetting writes a last-writer-wins settings value, stamped with the
// document's current causal frontier.
func (d *Document) SetSetting(author identity.ID, key, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := settingEntry{value: value, stamp: d.vv.clone(), author: author}
	if existing, ok := d.settings[key]; !ok || entry.dominates(existing) {
		d.settings[key] = entry
	}
}

// Setting reads a settings value.
func (d *Document) Setting(key string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.settings[key]
	return e.value, ok
}

// State is the serializable snapshot exchanged during merge and sync.
type State struct {
	InterfaceID events.InterfaceId
	Members     map[identity.ID]memberState
	Settings    map[string]settingEntry
	VV          VV
	Admitted    map[events.EventId]EventRef
}

func (d *Document) snapshotLocked() State {
	members := make(map[identity.ID]memberState, len(d.members))
	for k, v := range d.members {
		members[k] = v
	}
	settings := make(map[string]settingEntry, len(d.settings))
	for k, v := range d.settings {
		settings[k] = v
	}
	admitted := make(map[events.EventId]EventRef, len(d.admitted))
	for k, v := range d.admitted {
		admitted[k] = v
	}
	return State{InterfaceID: d.interfaceID, Members: members, Settings: settings, VV: d.vv.clone(), Admitted: admitted}
}

// VersionVector returns a copy of the document's current causal
// frontier, suitable for a sync request's state vector.
func (d *Document) VersionVector() VV {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.vv.clone()
}

// HasProgressBeyond reports whether this document has observed any
// author advance past what other (a peer's last-known state vector)
// has recorded, i.e. whether a sync response would carry new
// information for that peer.
func (d *Document) HasProgressBeyond(other VV) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rel := compareVV(d.vv, other)
	return rel == relAfter || rel == relConcurrent
}

// Snapshot returns the document's current state for transmission.
func (d *Document) Snapshot() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotLocked()
}

// Merge folds another replica's state into this one. It is associative,
// commutative and idempotent: merging the same state twice, or merging
// two states in either order, yields the same result. Returns the
// event references newly observed by this merge.
func (d *Document) Merge(other State) []EventRef {
	d.mu.Lock()
	defer d.mu.Unlock()

	var newlyObserved []EventRef
	for id, ref := range other.Admitted {
		if _, seen := d.admitted[id]; !seen {
			d.admitted[id] = ref
			newlyObserved = append(newlyObserved, ref)
		}
	}

	for member, st := range other.Members {
		existing := d.members[member]
		d.members[member] = existing.merge(st)
	}

	for key, entry := range other.Settings {
		if existing, ok := d.settings[key]; !ok || entry.dominates(existing) {
			d.settings[key] = entry
		}
	}

	d.vv = d.vv.union(other.VV)
	return newlyObserved
}

// MarshalState serializes a State for the wire (sync messages and
// document merges travel as opaque bytes per spec §4.5).
func MarshalState(s State) []byte {
	var buf []byte

	buf = append(buf, s.InterfaceID[:]...)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.Members)))
	for id, st := range s.Members {
		buf = append(buf, id[:]...)
		buf = appendBool(buf, st.hasAdd)
		buf = appendVV(buf, st.addVV)
		buf = appendBool(buf, st.hasRemove)
		buf = appendVV(buf, st.removeVV)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.Settings)))
	for key, entry := range s.Settings {
		buf = appendString(buf, key)
		buf = appendString(buf, entry.value)
		buf = append(buf, entry.author[:]...)
		buf = appendVV(buf, entry.stamp)
	}

	buf = appendVV(buf, s.VV)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.Admitted)))
	for _, ref := range s.Admitted {
		buf = append(buf, ref.ID[:]...)
		buf = append(buf, ref.Author[:]...)
		buf = binary.BigEndian.AppendUint64(buf, ref.LocalSeq)
	}
	return buf
}

// UnmarshalState parses the wire form produced by MarshalState.
func UnmarshalState(buf []byte) (State, error) {
	r := &reader{buf: buf}
	var s State
	if !r.bytes(s.InterfaceID[:]) {
		return s, errTruncated
	}

	memberCount, ok := r.u32()
	if !ok {
		return s, errTruncated
	}
	s.Members = make(map[identity.ID]memberState, memberCount)
	for i := uint32(0); i < memberCount; i++ {
		var id identity.ID
		if !r.bytes(id[:]) {
			return s, errTruncated
		}
		var st memberState
		var err error
		if st.hasAdd, err = r.boolean(); err != nil {
			return s, err
		}
		if st.addVV, err = r.vv(); err != nil {
			return s, err
		}
		if st.hasRemove, err = r.boolean(); err != nil {
			return s, err
		}
		if st.removeVV, err = r.vv(); err != nil {
			return s, err
		}
		s.Members[id] = st
	}

	settingsCount, ok := r.u32()
	if !ok {
		return s, errTruncated
	}
	s.Settings = make(map[string]settingEntry, settingsCount)
	for i := uint32(0); i < settingsCount; i++ {
		key, ok := r.str()
		if !ok {
			return s, errTruncated
		}
		value, ok := r.str()
		if !ok {
			return s, errTruncated
		}
		var entry settingEntry
		entry.value = value
		if !r.bytes(entry.author[:]) {
			return s, errTruncated
		}
		var err error
		if entry.stamp, err = r.vv(); err != nil {
			return s, err
		}
		s.Settings[key] = entry
	}

	var err error
	if s.VV, err = r.vv(); err != nil {
		return s, err
	}

	admittedCount, ok := r.u32()
	if !ok {
		return s, errTruncated
	}
	s.Admitted = make(map[events.EventId]EventRef, admittedCount)
	for i := uint32(0); i < admittedCount; i++ {
		var ref EventRef
		if !r.bytes(ref.ID[:]) {
			return s, errTruncated
		}
		if !r.bytes(ref.Author[:]) {
			return s, errTruncated
		}
		seq, ok := r.u64()
		if !ok {
			return s, errTruncated
		}
		ref.LocalSeq = seq
		s.Admitted[ref.ID] = ref
	}

	if !r.atEnd() {
		return s, errors.New("document: trailing data after state")
	}
	return s, nil
}

var errTruncated = errors.New("document: truncated state")

func appendBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendVV(buf []byte, v VV) []byte {
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

func (r *reader) str() (string, bool) {
	n, ok := r.u32()
	if !ok {
		return "", false
	}
	if len(r.buf)-r.off < int(n) {
		return "", false
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, true
}

func (r *reader) vv() (VV, error) {
	n, ok := r.u32()
	if !ok {
		return nil, errTruncated
	}
	v := make(VV, n)
	for i := uint32(0); i < n; i++ {
		var id identity.ID
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
