// Package shore implements the offshore half of the proxy: it accepts the
// single link connection from the ship, waits for streams to open, and
// dials the real origin on their behalf.
package shore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/shiplink/linkproxy/internal/shoreconf"
	"github.com/shiplink/linkproxy/pkg/buffer"
	"github.com/shiplink/linkproxy/pkg/errors"
	"github.com/shiplink/linkproxy/pkg/frame"
	"github.com/shiplink/linkproxy/pkg/httpmsg"
	"github.com/shiplink/linkproxy/pkg/link"
	"github.com/shiplink/linkproxy/pkg/metrics"
	"github.com/shiplink/linkproxy/pkg/obslog"
	"github.com/shiplink/linkproxy/pkg/stream"
)

// Dispatcher accepts the ship's link connection and serves the streams it
// opens. Only one link is ever active; a new incoming connection evicts
// whichever one is current.
type Dispatcher struct {
	ln  net.Listener
	cfg *shoreconf.Config
	log obslog.Logger

	mu  sync.Mutex
	cur *link.Link
}

// NewDispatcher wraps ln.
func NewDispatcher(ln net.Listener, cfg *shoreconf.Config, log obslog.Logger) *Dispatcher {
	return &Dispatcher{ln: ln, cfg: cfg, log: log}
}

// Run accepts link connections until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			d.log.Warnw("accept failed", "err", err)
			continue
		}
		d.adopt(ctx, conn)
	}
}

func (d *Dispatcher) adopt(ctx context.Context, conn net.Conn) {
	version, err := frame.ReadVersion(conn)
	if err != nil {
		d.log.Warnw("version handshake failed", "err", err)
		conn.Close()
		return
	}
	if version != frame.ProtocolVersion {
		d.log.Warnw("rejecting incompatible ship", "gotVersion", version, "wantVersion", frame.ProtocolVersion)
		codec := frame.NewCodec(conn, d.cfg.MaxFrame)
		codec.WriteFrame(frame.Frame{Kind: frame.ERROR, Payload: frame.EncodeError(505, fmt.Sprintf("unsupported protocol version %d, want %d", version, frame.ProtocolVersion))})
		conn.Close()
		return
	}

	d.mu.Lock()
	if d.cur != nil {
		d.log.Infow("evicting previous link for new connection")
		d.cur.Close()
	}
	l := link.New(conn, d.cfg.MaxFrame, d.log)
	d.cur = l
	d.mu.Unlock()

	go func() {
		err := l.Run()
		d.log.Warnw("link closed", "err", err)
		d.mu.Lock()
		if d.cur == l {
			d.cur = nil
		}
		d.mu.Unlock()
	}()

	go d.serveLink(ctx, l)
}

func (d *Dispatcher) serveLink(ctx context.Context, l *link.Link) {
	for {
		openFrame, inbox, err := l.AwaitOpen()
		if err != nil {
			return
		}
		d.serveStream(ctx, l, openFrame, inbox)
	}
}

func (d *Dispatcher) serveStream(ctx context.Context, l *link.Link, openFrame frame.Frame, inbox <-chan frame.Frame) {
	id := openFrame.StreamID
	kind, target, err := frame.DecodeOpen(openFrame.Payload)
	if err != nil {
		l.Send(frame.Frame{StreamID: id, Kind: frame.ERROR, Payload: frame.EncodeError(400, "malformed open")})
		l.Deactivate(id)
		return
	}

	var streamKind stream.Kind
	if kind == frame.OpenTunnel {
		streamKind = stream.Tunnel
	} else {
		streamKind = stream.Request
	}
	s := stream.New(id, streamKind)
	s.Transition(stream.Open)
	s.Transition(stream.RequestSent)

	var serveErr error
	if kind == frame.OpenTunnel {
		serveErr = d.serveTunnel(ctx, l, id, s, target, inbox)
	} else {
		serveErr = d.serveRequest(ctx, l, id, s, target, inbox)
	}
	l.Deactivate(id)

	outcome := "ok"
	if serveErr != nil {
		outcome = "error"
		d.log.Debugw("stream finished with error", "stream", id, "err", serveErr)
	}
	metrics.StreamsTotal.WithLabelValues(streamKind.String(), outcome).Inc()
}

func (d *Dispatcher) serveRequest(ctx context.Context, l *link.Link, id uint32, s *stream.Stream, authority string, inbox <-chan frame.Frame) error {
	pr, pw := io.Pipe()
	go pumpC2SIntoPipe(inbox, l.Done(), pw)

	br := bufio.NewReader(pr)
	head, err := httpmsg.ParseRequestHead(br)
	if err != nil {
		pr.CloseWithError(err)
		return sendError(l, id, 502, "malformed request")
	}

	framing, length, err := httpmsg.RequestBodyFraming(head.Headers)
	if err != nil {
		return sendError(l, id, 502, "malformed request")
	}

	dialer := net.Dialer{Timeout: d.cfg.DialTimeout}
	origin, err := dialer.DialContext(ctx, "tcp", authority)
	if err != nil {
		metrics.OriginDialFailuresTotal.Inc()
		if errors.IsTimeoutError(err) {
			d.log.Warnw("origin dial timed out", "stream", id, "authority", authority)
		}
		return sendError(l, id, 502, err.Error())
	}
	defer origin.Close()

	if _, err := origin.Write([]byte(httpmsg.WriteRequestLine(head.Method, head.Target, head.Version) + httpmsg.WriteHeaders(head.Headers))); err != nil {
		return sendError(l, id, 502, err.Error())
	}
	switch framing {
	case httpmsg.BodyFixed:
		if err := httpmsg.CopyFixedBody(br, origin, length); err != nil {
			return sendError(l, id, 502, err.Error())
		}
	}

	obr := bufio.NewReader(origin)
	respHead, err := httpmsg.ParseResponseHead(obr)
	if err != nil {
		return sendError(l, id, 502, err.Error())
	}
	s.Transition(stream.Responding)

	respFraming, respLength, err := httpmsg.ResponseBodyFraming(head.Method, respHead.Status, respHead.Headers)
	if err != nil {
		return sendError(l, id, 502, err.Error())
	}

	body := buffer.New(buffer.DefaultMemoryLimit)
	defer body.Close()
	switch respFraming {
	case httpmsg.BodyFixed:
		if err := httpmsg.CopyFixedBody(obr, bufWriter{body}, respLength); err != nil {
			return sendError(l, id, 502, err.Error())
		}
	case httpmsg.BodyChunked:
		if err := httpmsg.DechunkBody(obr, bufWriter{body}); err != nil {
			return sendError(l, id, 502, err.Error())
		}
	case httpmsg.BodyUntilClose:
		if err := httpmsg.CopyUntilClose(obr, bufWriter{body}); err != nil {
			return sendError(l, id, 502, err.Error())
		}
	}

	headers := httpmsg.StripHopByHop(respHead.Headers).Without("Content-Length")
	if body.Size() > 0 {
		headers = headers.With("Content-Length", strconv.FormatInt(body.Size(), 10))
	}
	headBytes := httpmsg.WriteStatusLine(respHead.Version, respHead.Status, respHead.Reason) + httpmsg.WriteHeaders(headers)
	if err := sendChunked(l, id, frame.DATAS2C, []byte(headBytes), d.cfg.MaxFrame); err != nil {
		return err
	}
	if err := sendBufferChunked(l, id, body, d.cfg.MaxFrame); err != nil {
		return err
	}
	if err := l.Send(frame.Frame{StreamID: id, Kind: frame.EOFS2C}); err != nil {
		return err
	}
	return transitionClosed(s)
}

func (d *Dispatcher) serveTunnel(ctx context.Context, l *link.Link, id uint32, s *stream.Stream, authority string, inbox <-chan frame.Frame) error {
	dialer := net.Dialer{Timeout: d.cfg.DialTimeout}
	origin, err := dialer.DialContext(ctx, "tcp", authority)
	if err != nil {
		metrics.OriginDialFailuresTotal.Inc()
		if errors.IsTimeoutError(err) {
			d.log.Warnw("origin dial timed out", "stream", id, "authority", authority)
		}
		return sendError(l, id, 502, err.Error())
	}
	defer origin.Close()

	if err := l.Send(frame.Frame{StreamID: id, Kind: frame.DATAS2C}); err != nil {
		return err
	}
	s.Transition(stream.Tunneling)

	errCh := make(chan error, 2)
	go func() {
		buf := make([]byte, d.cfg.MaxFrame)
		for {
			n, err := origin.Read(buf)
			if n > 0 {
				if sendErr := l.Send(frame.Frame{StreamID: id, Kind: frame.DATAS2C, Payload: append([]byte(nil), buf[:n]...)}); sendErr != nil {
					errCh <- sendErr
					return
				}
			}
			if err != nil {
				l.Send(frame.Frame{StreamID: id, Kind: frame.EOFS2C})
				errCh <- nil
				return
			}
		}
	}()
	go func() {
		for {
			select {
			case f := <-inbox:
				switch f.Kind {
				case frame.DATAC2S:
					if _, err := origin.Write(f.Payload); err != nil {
						errCh <- errors.NewDialError(authority, err)
						return
					}
				case frame.EOFC2S, frame.CLOSE:
					errCh <- nil
					return
				case frame.ERROR:
					errCh <- nil
					return
				}
			case <-l.Done():
				errCh <- errors.NewLinkError("tunnel", fmt.Errorf("link closed"))
				return
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	var first error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && first == nil {
			first = err
		}
	}
	l.Send(frame.Frame{StreamID: id, Kind: frame.CLOSE})
	if first != nil {
		return first
	}
	return transitionClosed(s)
}

func pumpC2SIntoPipe(inbox <-chan frame.Frame, done <-chan struct{}, pw *io.PipeWriter) {
	for {
		select {
		case f := <-inbox:
			switch f.Kind {
			case frame.DATAC2S:
				if _, err := pw.Write(f.Payload); err != nil {
					return
				}
			case frame.EOFC2S, frame.CLOSE:
				pw.Close()
				return
			case frame.ERROR:
				_, reason, _ := frame.DecodeError(f.Payload)
				pw.CloseWithError(fmt.Errorf("%s", reason))
				return
			}
		case <-done:
			pw.CloseWithError(fmt.Errorf("link closed"))
			return
		}
	}
}

func sendError(l *link.Link, id uint32, status uint16, reason string) error {
	l.Send(frame.Frame{StreamID: id, Kind: frame.ERROR, Payload: frame.EncodeError(status, reason)})
	return errors.NewDialError("", fmt.Errorf("%s", reason))
}

func sendChunked(l *link.Link, id uint32, kind frame.Kind, data []byte, maxFrame uint32) error {
	if len(data) == 0 {
		return l.Send(frame.Frame{StreamID: id, Kind: kind})
	}
	for off := uint32(0); off < uint32(len(data)); off += maxFrame {
		end := off + maxFrame
		if end > uint32(len(data)) {
			end = uint32(len(data))
		}
		if err := l.Send(frame.Frame{StreamID: id, Kind: kind, Payload: data[off:end]}); err != nil {
			return err
		}
	}
	return nil
}

func sendBufferChunked(l *link.Link, id uint32, buf *buffer.Buffer, maxFrame uint32) error {
	if buf.Size() == 0 {
		return nil
	}
	r, err := buf.Reader()
	if err != nil {
		return err
	}
	defer r.Close()

	chunk := make([]byte, maxFrame)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if sendErr := l.Send(frame.Frame{StreamID: id, Kind: frame.DATAS2C, Payload: append([]byte(nil), chunk[:n]...)}); sendErr != nil {
				return sendErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.NewIOError("read-buffered-body", err)
		}
	}
}

func transitionClosed(s *stream.Stream) error {
	if err := s.Transition(stream.Closed); err != nil {
		return errors.NewLinkError("transition", err).WithStream(s.ID)
	}
	return nil
}

type bufWriter struct{ buf *buffer.Buffer }

func (w bufWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
