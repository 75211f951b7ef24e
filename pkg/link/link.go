// Package link owns the single TCP connection between the ship and the
// shore and multiplexes it down to at most one active stream at a time. All
// writes go through one send mutex so frames are never interleaved on the
// wire; all reads come off one dedicated reader goroutine so there is never
// any reordering.
package link

import (
	"fmt"
	"net"
	"sync"

	"github.com/shiplink/linkproxy/pkg/errors"
	"github.com/shiplink/linkproxy/pkg/frame"
	"github.com/shiplink/linkproxy/pkg/metrics"
	"github.com/shiplink/linkproxy/pkg/obslog"
)

// inboxDepth bounds how many in-order frames for the active stream may be
// buffered ahead of the consumer; the producer (read loop) blocks past this,
// which is fine since only one stream is ever active.
const inboxDepth = 8

// Link represents the current TCP connection and its single active stream.
type Link struct {
	conn  net.Conn
	codec *frame.Codec
	log   obslog.Logger

	sendMu sync.Mutex

	mu        sync.Mutex
	hasActive bool
	activeID  uint32
	inbox     chan frame.Frame
	opens     chan frame.Frame

	doneCh   chan struct{}
	doneOnce sync.Once
	err      error
	errMu    sync.Mutex
}

// New wraps conn in a Link. Call Run to start the reader loop.
func New(conn net.Conn, maxPayload uint32, log obslog.Logger) *Link {
	return &Link{
		conn:   conn,
		codec:  frame.NewCodec(conn, maxPayload),
		log:    log,
		opens:  make(chan frame.Frame, 1),
		doneCh: make(chan struct{}),
	}
}

// Run drives the reader loop until the connection fails; it always returns a
// non-nil error describing why the link died. Run must be called exactly
// once, typically in its own goroutine.
func (l *Link) Run() error {
	for {
		f, err := l.codec.ReadFrame()
		if err != nil {
			return l.fail(err)
		}
		metrics.FramesTotal.WithLabelValues("in", f.Kind.String()).Inc()
		l.route(f)
	}
}

func (l *Link) route(f frame.Frame) {
	l.mu.Lock()
	switch {
	case l.hasActive && f.StreamID == l.activeID:
		inbox := l.inbox
		l.mu.Unlock()
		select {
		case inbox <- f:
		case <-l.doneCh:
		}
	case !l.hasActive && f.Kind == frame.OPEN:
		l.mu.Unlock()
		select {
		case l.opens <- f:
		case <-l.doneCh:
		}
	default:
		l.mu.Unlock()
		l.log.Debugw("dropping frame for inactive stream", "stream", f.StreamID, "kind", f.Kind.String())
	}
}

// Activate marks id as the single active stream and returns the channel
// frames addressed to it will arrive on. Call before sending the OPEN frame
// (ship side) so no early response frame can race the activation.
func (l *Link) Activate(id uint32) <-chan frame.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hasActive = true
	l.activeID = id
	l.inbox = make(chan frame.Frame, inboxDepth)
	return l.inbox
}

// AwaitOpen blocks until the next OPEN frame for a not-yet-active stream
// arrives, activates that stream, and returns the OPEN frame and its inbox.
// Used by the shore, which never initiates a stream itself.
func (l *Link) AwaitOpen() (frame.Frame, <-chan frame.Frame, error) {
	select {
	case f := <-l.opens:
		return f, l.Activate(f.StreamID), nil
	case <-l.doneCh:
		return frame.Frame{}, nil, l.Err()
	}
}

// Deactivate clears the active stream slot if it still matches id. Safe to
// call more than once.
func (l *Link) Deactivate(id uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hasActive && l.activeID == id {
		l.hasActive = false
	}
}

// Send writes f atomically with respect to any other Send call.
func (l *Link) Send(f frame.Frame) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if err := l.codec.WriteFrame(f); err != nil {
		return l.fail(err)
	}
	metrics.FramesTotal.WithLabelValues("out", f.Kind.String()).Inc()
	return nil
}

// Done returns a channel closed once the link has failed or been closed.
func (l *Link) Done() <-chan struct{} {
	return l.doneCh
}

// Err returns the error that killed the link, if any.
func (l *Link) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Close tears down the underlying connection and wakes every blocked caller.
func (l *Link) Close() error {
	l.fail(fmt.Errorf("link closed locally"))
	return l.conn.Close()
}

func (l *Link) fail(cause error) error {
	wrapped, ok := cause.(*errors.Error)
	if !ok {
		wrapped = errors.NewLinkError("link", cause)
	}
	l.errMu.Lock()
	if l.err == nil {
		l.err = wrapped
	}
	l.errMu.Unlock()
	l.doneOnce.Do(func() {
		close(l.doneCh)
		l.conn.Close()
	})
	return wrapped
}
