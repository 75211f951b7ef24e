// Package ship implements the local-facing half of the proxy: it accepts
// plain HTTP and CONNECT requests from user agents, serializes them onto a
// single link to the shore, and relays the responses back.
package ship

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/shiplink/linkproxy/pkg/errors"
	"github.com/shiplink/linkproxy/pkg/frame"
	"github.com/shiplink/linkproxy/pkg/link"
	"github.com/shiplink/linkproxy/pkg/metrics"
	"github.com/shiplink/linkproxy/pkg/obslog"
)

// LinkManager owns the ship's single outbound connection to the shore. It
// reconnects with exponential backoff whenever the link fails and hands out
// stream IDs that reset to 1 on every new connection.
type LinkManager struct {
	addr       string
	maxPayload uint32
	log        obslog.Logger

	backoffMin time.Duration
	backoffMax time.Duration

	mu      sync.Mutex
	cur     *link.Link
	ready   chan struct{}
	nextID  uint32
	closed  bool
	closeCh chan struct{}
}

// NewLinkManager creates a manager that dials addr once Run is started.
func NewLinkManager(addr string, maxPayload uint32, backoffMin, backoffMax time.Duration, log obslog.Logger) *LinkManager {
	return &LinkManager{
		addr:       addr,
		maxPayload: maxPayload,
		log:        log,
		backoffMin: backoffMin,
		backoffMax: backoffMax,
		ready:      make(chan struct{}),
		closeCh:    make(chan struct{}),
	}
}

// Run dials and redials the shore until ctx is done. It should be run in its
// own goroutine; callers use Acquire to obtain the current link.
func (m *LinkManager) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		m.shutdown()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l, err := m.connect(ctx)
		if err != nil {
			return
		}
		metrics.LinkUp.Set(1)
		m.log.Infow("link established", "addr", m.addr)

		m.publish(l)

		runErr := l.Run()
		metrics.LinkUp.Set(0)
		if errors.IsContextCanceled(runErr) {
			m.log.Infow("link closed locally", "addr", m.addr)
		} else {
			m.log.Warnw("link lost", "addr", m.addr, "err", runErr)
		}
		m.retract()
	}
}

func (m *LinkManager) connect(ctx context.Context) (*link.Link, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.backoffMin
	bo.MaxInterval = m.backoffMax
	bo.MaxElapsedTime = 0

	var l *link.Link
	op := func() error {
		conn, err := net.Dial("tcp", m.addr)
		if err != nil {
			metrics.ReconnectsTotal.Inc()
			m.log.Debugw("dial failed, retrying", "addr", m.addr, "err", err)
			return err
		}
		if err := frame.WriteVersion(conn); err != nil {
			conn.Close()
			m.log.Debugw("version handshake failed, retrying", "addr", m.addr, "err", err)
			return err
		}
		l = link.New(conn, m.maxPayload, m.log)
		return nil
	}

	notify := func(err error, wait time.Duration) {
		m.log.Debugw("backing off before redial", "wait", wait, "err", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, errors.NewLinkError("connect", err)
	}
	return l, nil
}

func (m *LinkManager) publish(l *link.Link) {
	m.mu.Lock()
	m.cur = l
	atomic.StoreUint32(&m.nextID, 0)
	ready := m.ready
	m.ready = make(chan struct{})
	m.mu.Unlock()
	close(ready)
}

func (m *LinkManager) retract() {
	m.mu.Lock()
	if m.cur != nil {
		m.cur.Close()
	}
	m.cur = nil
	m.mu.Unlock()
}

func (m *LinkManager) shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if m.cur != nil {
		m.cur.Close()
	}
	close(m.closeCh)
}

// Acquire blocks until a link is available (reconnecting transparently) and
// returns it along with a fresh, monotonically increasing stream ID scoped
// to that link's lifetime.
func (m *LinkManager) Acquire(ctx context.Context) (*link.Link, uint32, error) {
	for {
		m.mu.Lock()
		l := m.cur
		ready := m.ready
		closed := m.closed
		m.mu.Unlock()

		if closed {
			return nil, 0, errors.NewLinkError("acquire", context.Canceled)
		}
		if l != nil {
			id := atomic.AddUint32(&m.nextID, 1)
			return l, id, nil
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, 0, errors.NewLinkError("acquire", ctx.Err())
		case <-m.closeCh:
			return nil, 0, errors.NewLinkError("acquire", context.Canceled)
		}
	}
}
