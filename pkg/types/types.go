// Package types defines the core domain model shared by every turnsmc package.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
)

// ActorID identifies an actor. Ids are never reused while the actor is alive.
type ActorID uint64

// EventKind is the structural kind of a runtime effect, drawn from a closed
// set. Payloads are abstracted away.
type EventKind string

const (
	EventAssert     EventKind = "assert"      // add an assertion
	EventRetract    EventKind = "retract"     // retract an assertion
	EventMessage    EventKind = "message"     // plain message
	EventSync       EventKind = "sync"        // sync request
	EventStopEntity EventKind = "stop-entity" // stop an entity
	EventStopFacet  EventKind = "stop-facet"  // stop a facet
)

// EventKinds lists every event kind in a fixed order.
var EventKinds = []EventKind{
	EventAssert,
	EventRetract,
	EventMessage,
	EventSync,
	EventStopEntity,
	EventStopFacet,
}

// Valid reports whether k belongs to the closed set.
func (k EventKind) Valid() bool {
	return slices.Contains(EventKinds, k)
}

// ParseEventKind parses s into an EventKind.
func ParseEventKind(s string) (EventKind, error) {
	k := EventKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown event kind %q", s)
	}
	return k, nil
}

// OutgoingEvent is an event emitted by a turn: destination actor and kind.
type OutgoingEvent struct {
	Actor ActorID   `json:"actor"` // destination
	Event EventKind `json:"event"`
}

// SampleMemory is the concrete outcome of one random choice. It is never
// modified after construction.
type SampleMemory struct {
	Value   any     `json:"value"`         // sampled value
	LogProb float64 `json:"log_prob"`      // log probability under the proposal distribution
	Aux     any     `json:"aux,omitempty"` // caller-defined data, e.g. observed features
}

// MarshalJSON encodes m. A non-finite LogProb such as -Inf is written as a
// string.
func (m SampleMemory) MarshalJSON() ([]byte, error) {
	type plain SampleMemory
	var lp any = m.LogProb
	if math.IsInf(m.LogProb, 0) || math.IsNaN(m.LogProb) {
		lp = strconv.FormatFloat(m.LogProb, 'g', -1, 64)
	}
	return json.Marshal(struct {
		plain
		LogProb any `json:"log_prob"`
	}{plain: plain(m), LogProb: lp})
}

// UnmarshalJSON decodes the output of MarshalJSON.
func (m *SampleMemory) UnmarshalJSON(data []byte) error {
	var in struct {
		Value   any             `json:"value"`
		LogProb json.RawMessage `json:"log_prob"`
		Aux     any             `json:"aux"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	out := SampleMemory{Value: in.Value, Aux: in.Aux}
	if len(in.LogProb) > 0 && in.LogProb[0] == '"' {
		var s string
		if err := json.Unmarshal(in.LogProb, &s); err != nil {
			return err
		}
		lp, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("sample log_prob: %w", err)
		}
		out.LogProb = lp
	} else if len(in.LogProb) > 0 {
		if err := json.Unmarshal(in.LogProb, &out.LogProb); err != nil {
			return err
		}
	}
	*m = out
	return nil
}

// TurnRecord is the full record of one committed turn. It is built once and
// never modified after it joins a History.
type TurnRecord struct {
	Actor     ActorID         `json:"actor"`            // actor that ran the turn
	Processed EventKind       `json:"processed"`        // the single consumed input event
	Produced  []OutgoingEvent `json:"produced"`         // emitted events, in order
	Sample    *SampleMemory   `json:"sample,omitempty"` // set only when the turn sampled
}

// HasSample reports whether r carries a SampleMemory.
func (r TurnRecord) HasSample() bool {
	return r.Sample != nil
}

// Equal reports structural equality.
func (r TurnRecord) Equal(o TurnRecord) bool {
	if r.Actor != o.Actor || r.Processed != o.Processed {
		return false
	}
	if !slices.Equal(r.Produced, o.Produced) {
		return false
	}
	return reflect.DeepEqual(r.Sample, o.Sample)
}

// normalized returns a copy that shares no backing array with the caller.
// An empty Produced becomes nil.
func (r TurnRecord) normalized() TurnRecord {
	if len(r.Produced) == 0 {
		r.Produced = nil
	} else {
		r.Produced = slices.Clone(r.Produced)
	}
	return r
}

// SnapshotData is the persisted form of a state, used for recovery.
type SnapshotData struct {
	State     State  `json:"state"`      // full global state
	SchemaVer int    `json:"schema_ver"` // schema version of the encoding
	LastSeq   uint64 `json:"last_seq"`   // last journal seq the snapshot covers
}
