package models

import "strconv"

// DeliveryState tracks an outgoing message from optimistic insert to the
// server's answer. Messages received from the backend are always Confirmed.
type DeliveryState uint8

const (
	// Pending is the state of a provisional message awaiting the REST answer.
	Pending DeliveryState = iota

	// Confirmed is the state of a message the backend has persisted.
	Confirmed

	// Failed is the state of a message whose submission was rejected or lost.
	Failed
)

// String returns a human-readable version of the state, used for logging.
func (s DeliveryState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return "invalid delivery state: " + strconv.Itoa(int(s))
	}
}

// CanTransition reports whether moving from s to next is allowed. Only a
// Pending message may change, and only to Confirmed or Failed.
func (s DeliveryState) CanTransition(next DeliveryState) bool {
	return s == Pending && (next == Confirmed || next == Failed)
}
