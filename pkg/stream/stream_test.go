package stream

import "testing"

func TestNewStreamStartsIdle(t *testing.T) {
	s := New(1, Request)
	if s.State != Idle {
		t.Fatalf("expected Idle, got %v", s.State)
	}
}

func TestRequestLifecycleHappyPath(t *testing.T) {
	s := New(1, Request)
	steps := []State{Open, RequestSent, Responding, HalfClosed, Closed}
	for _, to := range steps {
		if err := s.Transition(to); err != nil {
			t.Fatalf("transition to %v failed: %v", to, err)
		}
	}
	if !s.State.Terminal() {
		t.Fatalf("expected terminal state after Closed")
	}
}

func TestTunnelLifecycleHappyPath(t *testing.T) {
	s := New(2, Tunnel)
	steps := []State{Open, RequestSent, Tunneling, HalfClosed, Closed}
	for _, to := range steps {
		if err := s.Transition(to); err != nil {
			t.Fatalf("transition to %v failed: %v", to, err)
		}
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	s := New(3, Request)
	if err := s.Transition(Responding); err == nil {
		t.Fatalf("expected Idle -> Responding to be rejected")
	}
}

func TestCloseIsUniversalEdge(t *testing.T) {
	for _, from := range []State{Idle, Open, RequestSent, Responding, Tunneling, HalfClosed} {
		if !CanTransition(from, Closed) {
			t.Fatalf("expected %v -> Closed to be legal", from)
		}
	}
}

func TestClosedHasNoOutgoingEdges(t *testing.T) {
	s := New(4, Request)
	if err := s.Transition(Closed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Transition(Open); err == nil {
		t.Fatalf("expected no transition out of Closed")
	}
}
