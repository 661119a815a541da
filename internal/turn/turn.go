// Package turn implements the deterministic, exactly reversible turn model:
// mailbox updates and the forward/backward step relations built on them.
package turn

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ChuLiYu/turnsmc/pkg/types"
)

var (
	// ErrMailboxMismatch means the acting actor's queue is not processed :: rest.
	ErrMailboxMismatch = errors.New("turn: acting mailbox does not match processed event and rest")
	// ErrRevertMismatch means the mailboxes do not end with the produced events.
	ErrRevertMismatch = errors.New("turn: mailboxes do not match the turn being reverted")
	// ErrEmptyMailbox means the acting actor has nothing to process.
	ErrEmptyMailbox = errors.New("turn: acting mailbox is empty")
	// ErrEmptyHistory means there is no committed turn to revert.
	ErrEmptyHistory = errors.New("turn: history is empty")
	// ErrUnknownEvent means a record names an event outside the closed tag set.
	ErrUnknownEvent = errors.New("turn: unknown event kind")
)

// Updater is the pair of mailbox update hooks. Revert must be the exact
// left inverse of Apply: whenever Apply(m, r, rest) succeeds with m',
// Revert(m', r, rest) succeeds with a value equal to m.
type Updater interface {
	Apply(m types.Mailboxes, r types.TurnRecord, rest []types.EventKind) (types.Mailboxes, error)
	Revert(m types.Mailboxes, r types.TurnRecord, rest []types.EventKind) (types.Mailboxes, error)
}

// FIFO is the default Updater: the consumed event leaves the head of the
// acting queue and produced events are appended to their destinations in
// order.
type FIFO struct{}

var _ Updater = FIFO{}

// Apply removes r.Processed from the acting queue, leaving rest, and
// appends every produced event to its destination.
func (FIFO) Apply(m types.Mailboxes, r types.TurnRecord, rest []types.EventKind) (types.Mailboxes, error) {
	if err := checkRecord(r); err != nil {
		return types.Mailboxes{}, err
	}
	q := m.Queue(r.Actor)
	if len(q) == 0 || q[0] != r.Processed || !slices.Equal(q[1:], rest) {
		return types.Mailboxes{}, fmt.Errorf("%w: actor %d", ErrMailboxMismatch, r.Actor)
	}

	updates := map[types.ActorID][]types.EventKind{
		r.Actor: slices.Clone(rest),
	}
	for _, out := range r.Produced {
		cur, ok := updates[out.Actor]
		if !ok {
			cur = slices.Clone(m.Queue(out.Actor))
		}
		updates[out.Actor] = append(cur, out.Event)
	}
	return m.With(updates), nil
}

// Revert pops the produced events from their destination tails, newest
// first, and puts r.Processed back in front of rest.
func (FIFO) Revert(m types.Mailboxes, r types.TurnRecord, rest []types.EventKind) (types.Mailboxes, error) {
	if err := checkRecord(r); err != nil {
		return types.Mailboxes{}, err
	}
	updates, err := popProduced(m, r)
	if err != nil {
		return types.Mailboxes{}, err
	}
	if !slices.Equal(queueOf(m, updates, r.Actor), rest) {
		return types.Mailboxes{}, fmt.Errorf("%w: actor %d residual queue differs", ErrRevertMismatch, r.Actor)
	}

	restored := make([]types.EventKind, 0, len(rest)+1)
	restored = append(restored, r.Processed)
	restored = append(restored, rest...)
	updates[r.Actor] = restored
	return m.With(updates), nil
}

// RecoverRest returns the residual queue that r left behind in m, i.e. the
// acting queue once every produced event has been popped. It is what a
// backward step needs when the rest was not retained by the caller.
func RecoverRest(m types.Mailboxes, r types.TurnRecord) ([]types.EventKind, error) {
	updates, err := popProduced(m, r)
	if err != nil {
		return nil, err
	}
	return slices.Clone(queueOf(m, updates, r.Actor)), nil
}

func popProduced(m types.Mailboxes, r types.TurnRecord) (map[types.ActorID][]types.EventKind, error) {
	updates := make(map[types.ActorID][]types.EventKind)
	for i := len(r.Produced) - 1; i >= 0; i-- {
		out := r.Produced[i]
		cur := queueOf(m, updates, out.Actor)
		if len(cur) == 0 || cur[len(cur)-1] != out.Event {
			return nil, fmt.Errorf("%w: produced event %d (%s to actor %d) not at tail",
				ErrRevertMismatch, i, out.Event, out.Actor)
		}
		updates[out.Actor] = cur[:len(cur)-1]
	}
	return updates, nil
}

func queueOf(m types.Mailboxes, updates map[types.ActorID][]types.EventKind, actor types.ActorID) []types.EventKind {
	if q, ok := updates[actor]; ok {
		return q
	}
	return m.Queue(actor)
}

func checkRecord(r types.TurnRecord) error {
	if !r.Processed.Valid() {
		return fmt.Errorf("%w: processed %q", ErrUnknownEvent, r.Processed)
	}
	for _, out := range r.Produced {
		if !out.Event.Valid() {
			return fmt.Errorf("%w: produced %q", ErrUnknownEvent, out.Event)
		}
	}
	return nil
}
