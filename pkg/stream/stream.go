// Package stream defines the stream lifecycle shared by the ship and the
// shore: a logical bidirectional byte channel for one user-agent request,
// identified by a monotonically increasing id and carried entirely inside
// the frames of the single active link connection.
package stream

import "fmt"

// Kind distinguishes a plain request/response exchange from an opaque
// CONNECT tunnel.
type Kind uint8

const (
	// Request is an ordinary HTTP request/response exchange.
	Request Kind = iota + 1
	// Tunnel is a CONNECT tunnel relaying opaque bytes in both directions.
	Tunnel
)

func (k Kind) String() string {
	switch k {
	case Request:
		return "REQUEST"
	case Tunnel:
		return "TUNNEL"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// State is a position in the per-stream state machine. States are identical
// on both ends of the link; which side drives a given edge is documented on
// the edge itself.
type State uint8

const (
	// Idle is the zero state before a stream has been assigned an id.
	Idle State = iota
	// Open is entered when the ship emits an OPEN frame.
	Open
	// RequestSent follows the first DATA_C2S (request head+body, or the
	// CONNECT target already carried in OPEN) plus EOF_C2S.
	RequestSent
	// Responding is entered for a REQUEST stream once the shore begins
	// sending DATA_S2C.
	Responding
	// Tunneling is entered for a TUNNEL stream once the shore has dialed
	// the origin and announced tunnel-ready.
	Tunneling
	// HalfClosed means one direction has signalled EOF but not the other.
	HalfClosed
	// Closed is terminal; the stream id is retired.
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Open:
		return "OPEN"
	case RequestSent:
		return "REQUEST_SENT"
	case Responding:
		return "RESPONDING"
	case Tunneling:
		return "TUNNELING"
	case HalfClosed:
		return "HALF_CLOSED"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Terminal reports whether s is a state from which no further transition is
// possible.
func (s State) Terminal() bool {
	return s == Closed
}

// transitions enumerates the edges CanTransition accepts, keyed by the
// state being left.
var transitions = map[State]map[State]bool{
	Idle:        {Open: true, Closed: true},
	Open:        {RequestSent: true, Closed: true},
	RequestSent: {Responding: true, Tunneling: true, HalfClosed: true, Closed: true},
	Responding:  {HalfClosed: true, Closed: true},
	Tunneling:   {HalfClosed: true, Closed: true},
	HalfClosed:  {Closed: true},
	Closed:      {},
}

// CanTransition reports whether moving from "from" to "to" is a legal edge
// of the stream state machine. CLOSE/ERROR are always legal regardless of
// the current state (modelled here as the universal edge to Closed).
func CanTransition(from, to State) bool {
	if to == Closed {
		return true
	}
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Stream is a logical channel for one user-agent request, as tracked on
// either end of the link.
type Stream struct {
	ID    uint32
	Kind  Kind
	State State
}

// New creates a stream in the Idle state.
func New(id uint32, kind Kind) *Stream {
	return &Stream{ID: id, Kind: kind, State: Idle}
}

// Transition moves the stream to "to" if the edge is legal, else returns an
// error describing the illegal transition.
func (s *Stream) Transition(to State) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("stream %d: illegal transition %s -> %s", s.ID, s.State, to)
	}
	s.State = to
	return nil
}
