package types

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// ============================================================================
// Mailboxes
// ============================================================================

// Mailboxes is a total mapping from every ActorID to its pending FIFO queue.
// Actors without an entry have an empty queue, and empty queues are never
// stored, so two equal mappings are also reflect.DeepEqual.
//
// Mailboxes is a value type: every update returns a new mapping and queues
// handed out by Queue must not be modified.
type Mailboxes struct {
	queues map[ActorID][]EventKind
}

// NewMailboxes builds a mapping from the given queues. The input is copied.
func NewMailboxes(queues map[ActorID][]EventKind) Mailboxes {
	m := Mailboxes{}
	for actor, q := range queues {
		if len(q) == 0 {
			continue
		}
		if m.queues == nil {
			m.queues = make(map[ActorID][]EventKind, len(queues))
		}
		m.queues[actor] = slices.Clone(q)
	}
	return m
}

// Queue returns the pending queue of actor, oldest event first.
func (m Mailboxes) Queue(actor ActorID) []EventKind {
	return m.queues[actor]
}

// Head returns the oldest pending event of actor.
func (m Mailboxes) Head(actor ActorID) (EventKind, bool) {
	q := m.queues[actor]
	if len(q) == 0 {
		return "", false
	}
	return q[0], true
}

// With returns a copy of m where each actor in updates has the given queue.
// Untouched queues are shared with m.
func (m Mailboxes) With(updates map[ActorID][]EventKind) Mailboxes {
	if len(updates) == 0 {
		return m
	}
	next := make(map[ActorID][]EventKind, len(m.queues)+len(updates))
	for actor, q := range m.queues {
		next[actor] = q
	}
	for actor, q := range updates {
		if len(q) == 0 {
			delete(next, actor)
			continue
		}
		next[actor] = slices.Clone(q)
	}
	if len(next) == 0 {
		next = nil
	}
	return Mailboxes{queues: next}
}

// Actors returns every actor with a non-empty queue in ascending order.
func (m Mailboxes) Actors() []ActorID {
	actors := make([]ActorID, 0, len(m.queues))
	for actor := range m.queues {
		actors = append(actors, actor)
	}
	slices.Sort(actors)
	return actors
}

// Pending returns the total number of queued events.
func (m Mailboxes) Pending() int {
	n := 0
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}

// Equal reports structural equality.
func (m Mailboxes) Equal(o Mailboxes) bool {
	if len(m.queues) != len(o.queues) {
		return false
	}
	for actor, q := range m.queues {
		if !slices.Equal(q, o.queues[actor]) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the mapping as an object keyed by actor id.
func (m Mailboxes) MarshalJSON() ([]byte, error) {
	if m.queues == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m.queues)
}

// UnmarshalJSON decodes a mapping written by MarshalJSON.
func (m *Mailboxes) UnmarshalJSON(data []byte) error {
	var raw map[ActorID][]EventKind
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for actor, q := range raw {
		for _, k := range q {
			if !k.Valid() {
				return fmt.Errorf("mailbox of actor %d: unknown event kind %q", actor, k)
			}
		}
	}
	*m = NewMailboxes(raw)
	return nil
}

// ============================================================================
// Turn identity
// ============================================================================

// TurnID deterministically identifies a committed turn within its history.
type TurnID string

// GenesisID is the head id of an empty history.
const GenesisID TurnID = ""

// ComputeTurnID hashes (parent, depth, record) into a TurnID. Identical
// inputs always yield identical ids. The sample's Value and Aux are hashed
// through their JSON encoding, so records that differ only in the sampled
// value get distinct ids.
func ComputeTurnID(parent TurnID, depth int, r TurnRecord) TurnID {
	d := xxhash.New()
	var buf [8]byte
	_, _ = d.WriteString(string(parent))
	binary.LittleEndian.PutUint64(buf[:], uint64(depth))
	_, _ = d.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(r.Actor))
	_, _ = d.Write(buf[:])
	_, _ = d.WriteString(string(r.Processed))
	for _, ev := range r.Produced {
		binary.LittleEndian.PutUint64(buf[:], uint64(ev.Actor))
		_, _ = d.Write(buf[:])
		_, _ = d.WriteString(string(ev.Event))
	}
	if r.Sample != nil {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(r.Sample.LogProb))
		_, _ = d.Write(buf[:])
		for _, v := range []any{r.Sample.Value, r.Sample.Aux} {
			enc, err := json.Marshal(v)
			if err != nil {
				enc = []byte(fmt.Sprintf("%#v", v))
			}
			binary.LittleEndian.PutUint64(buf[:], uint64(len(enc)))
			_, _ = d.Write(buf[:])
			_, _ = d.Write(enc)
		}
	}
	return TurnID(fmt.Sprintf("turn_%016x", d.Sum64()))
}

// ============================================================================
// History
// ============================================================================

type historyNode struct {
	record TurnRecord
	id     TurnID
	depth  int
	next   *historyNode
}

// History is the persistent list of committed turns, most recent first.
// Push shares the existing list, so proposals derived from the same base
// never copy or alias mutable history.
type History struct {
	head *historyNode
}

// Len returns the number of committed turns.
func (h History) Len() int {
	if h.head == nil {
		return 0
	}
	return h.head.depth
}

// Head returns the most recent record.
func (h History) Head() (TurnRecord, bool) {
	if h.head == nil {
		return TurnRecord{}, false
	}
	return h.head.record, true
}

// HeadID returns the id of the most recent record, or GenesisID.
func (h History) HeadID() TurnID {
	if h.head == nil {
		return GenesisID
	}
	return h.head.id
}

// Tail returns the history without its most recent record.
func (h History) Tail() History {
	if h.head == nil {
		return h
	}
	return History{head: h.head.next}
}

// Push returns a new history with r as the most recent record.
func (h History) Push(r TurnRecord) History {
	r = r.normalized()
	depth := h.Len() + 1
	return History{head: &historyNode{
		record: r,
		id:     ComputeTurnID(h.HeadID(), depth, r),
		depth:  depth,
		next:   h.head,
	}}
}

// Records returns the records, most recent first.
func (h History) Records() []TurnRecord {
	out := make([]TurnRecord, 0, h.Len())
	for n := h.head; n != nil; n = n.next {
		out = append(out, n.record)
	}
	return out
}

// Same reports whether h and o are the same persistent list, not merely
// equal ones. A record reverted and pushed again is a different list.
func (h History) Same(o History) bool {
	return h.head == o.head
}

// Equal reports structural equality. Shared tails short-circuit.
func (h History) Equal(o History) bool {
	a, b := h.head, o.head
	for a != nil && b != nil {
		if a == b {
			return true
		}
		if a.id != b.id || !a.record.Equal(b.record) {
			return false
		}
		a, b = a.next, b.next
	}
	return a == nil && b == nil
}

// MarshalJSON encodes the records, most recent first.
func (h History) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Records())
}

// UnmarshalJSON rebuilds the list from records written most recent first.
func (h *History) UnmarshalJSON(data []byte) error {
	var records []TurnRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}
	var out History
	for i := len(records) - 1; i >= 0; i-- {
		out = out.Push(records[i])
	}
	*h = out
	return nil
}

// ============================================================================
// State
// ============================================================================

// State is an immutable global state: mailboxes plus committed history.
// Transitions build new State values.
type State struct {
	Mailboxes Mailboxes `json:"mailboxes"`
	History   History   `json:"history"`
}

// NewState returns a state with the given mailboxes and empty history.
func NewState(m Mailboxes) State {
	return State{Mailboxes: m}
}

// HeadID returns the id of the most recently committed turn.
func (s State) HeadID() TurnID {
	return s.History.HeadID()
}

// Equal reports structural equality of mailboxes and history.
func (s State) Equal(o State) bool {
	return s.Mailboxes.Equal(o.Mailboxes) && s.History.Equal(o.History)
}
