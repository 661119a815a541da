package turn

import (
	"fmt"
	"slices"

	"github.com/ChuLiYu/turnsmc/pkg/types"
)

// Forward commits r to s. The acting queue in s must start with
// r.Processed; the remainder is returned as rest, which a later Backward
// needs unchanged.
func Forward(u Updater, s types.State, r types.TurnRecord) (types.State, []types.EventKind, error) {
	q := s.Mailboxes.Queue(r.Actor)
	if len(q) == 0 {
		return types.State{}, nil, fmt.Errorf("%w: actor %d", ErrEmptyMailbox, r.Actor)
	}
	rest := slices.Clone(q[1:])
	next, err := ForwardWithRest(u, s, r, rest)
	if err != nil {
		return types.State{}, nil, err
	}
	return next, rest, nil
}

// ForwardWithRest commits r to s using an explicit rest.
func ForwardWithRest(u Updater, s types.State, r types.TurnRecord, rest []types.EventKind) (types.State, error) {
	m, err := u.Apply(s.Mailboxes, r, rest)
	if err != nil {
		return types.State{}, err
	}
	return types.State{Mailboxes: m, History: s.History.Push(r)}, nil
}

// Backward undoes the most recent turn of s. The residual queue is
// recovered from the mailboxes with RecoverRest.
func Backward(u Updater, s types.State) (types.State, types.TurnRecord, error) {
	r, ok := s.History.Head()
	if !ok {
		return types.State{}, types.TurnRecord{}, ErrEmptyHistory
	}
	rest, err := RecoverRest(s.Mailboxes, r)
	if err != nil {
		return types.State{}, types.TurnRecord{}, err
	}
	prev, err := BackwardWithRest(u, s, rest)
	if err != nil {
		return types.State{}, types.TurnRecord{}, err
	}
	return prev, r, nil
}

// BackwardWithRest undoes the most recent turn of s using an explicit rest.
func BackwardWithRest(u Updater, s types.State, rest []types.EventKind) (types.State, error) {
	r, ok := s.History.Head()
	if !ok {
		return types.State{}, ErrEmptyHistory
	}
	m, err := u.Revert(s.Mailboxes, r, rest)
	if err != nil {
		return types.State{}, err
	}
	return types.State{Mailboxes: m, History: s.History.Tail()}, nil
}

// ValidForward reports whether from -> to is a valid forward step by r
// with residual rest.
func ValidForward(u Updater, from, to types.State, r types.TurnRecord, rest []types.EventKind) bool {
	q := from.Mailboxes.Queue(r.Actor)
	if len(q) == 0 || q[0] != r.Processed || !slices.Equal(q[1:], rest) {
		return false
	}
	want, err := ForwardWithRest(u, from, r, rest)
	if err != nil {
		return false
	}
	return want.Equal(to)
}

// ValidBackward reports whether from -> to is a valid backward step: r is
// the head of from's history, to's history is the tail, and to's
// mailboxes are the reverted ones.
func ValidBackward(u Updater, from, to types.State, r types.TurnRecord, rest []types.EventKind) bool {
	head, ok := from.History.Head()
	if !ok || !head.Equal(r) {
		return false
	}
	if !from.History.Tail().Equal(to.History) {
		return false
	}
	m, err := u.Revert(from.Mailboxes, r, rest)
	if err != nil {
		return false
	}
	return m.Equal(to.Mailboxes)
}
