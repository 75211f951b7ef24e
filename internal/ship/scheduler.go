package ship

import (
	"context"
	"net"

	"github.com/shiplink/linkproxy/internal/shipconf"
	"github.com/shiplink/linkproxy/pkg/errors"
	"github.com/shiplink/linkproxy/pkg/metrics"
	"github.com/shiplink/linkproxy/pkg/obslog"
)

// queueDepth bounds how many accepted user-agent connections may wait for
// the single worker; Accept blocks once full, which is the desired
// backpressure since only one stream is ever in flight on the link anyway.
const queueDepth = 256

// Scheduler accepts local user-agent connections and drains them strictly
// FIFO, one at a time, through to completion — mirroring the single active
// stream the link allows.
type Scheduler struct {
	ln  net.Listener
	lm  *LinkManager
	cfg *shipconf.Config
	log obslog.Logger

	queue chan net.Conn
}

// NewScheduler wraps ln, draining accepted connections through lm.
func NewScheduler(ln net.Listener, lm *LinkManager, cfg *shipconf.Config, log obslog.Logger) *Scheduler {
	return &Scheduler{
		ln:    ln,
		lm:    lm,
		cfg:   cfg,
		log:   log,
		queue: make(chan net.Conn, queueDepth),
	}
}

// Run accepts connections and serves them FIFO until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	go s.acceptLoop(ctx)
	s.workLoop(ctx)
}

func (s *Scheduler) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.log.Warnw("accept failed", "err", err)
			continue
		}
		select {
		case s.queue <- conn:
			metrics.QueueDepth.Set(float64(len(s.queue)))
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

func (s *Scheduler) workLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case conn := <-s.queue:
			metrics.QueueDepth.Set(float64(len(s.queue)))
			s.serve(ctx, conn)
		}
	}
}

func (s *Scheduler) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	if err := HandleConnection(ctx, conn, s.lm, s.cfg, s.log); err != nil {
		if errors.IsContextCanceled(err) {
			return
		}
		s.log.Debugw("connection finished with error", "type", errors.GetErrorType(err), "err", err)
	}
}
