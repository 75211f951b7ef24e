package ship

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shiplink/linkproxy/internal/shipconf"
	"github.com/shiplink/linkproxy/pkg/buffer"
	"github.com/shiplink/linkproxy/pkg/errors"
	"github.com/shiplink/linkproxy/pkg/frame"
	"github.com/shiplink/linkproxy/pkg/httpmsg"
	"github.com/shiplink/linkproxy/pkg/link"
	"github.com/shiplink/linkproxy/pkg/metrics"
	"github.com/shiplink/linkproxy/pkg/obslog"
	"github.com/shiplink/linkproxy/pkg/stream"
)

// HandleConnection serves one local user-agent connection end to end: parse
// the request, acquire a stream on the link, and relay until the stream
// closes. The caller closes conn.
func HandleConnection(ctx context.Context, conn net.Conn, lm *LinkManager, cfg *shipconf.Config, log obslog.Logger) error {
	br := bufio.NewReader(conn)
	head, err := httpmsg.ParseRequestHead(br)
	if err != nil {
		writeSimpleResponse(conn, 400, "Bad Request")
		return err
	}

	if strings.EqualFold(head.Method, "CONNECT") {
		return handleTunnel(ctx, conn, br, head, lm, cfg, log)
	}
	return handleRequest(ctx, conn, br, head, lm, cfg, log)
}

func handleRequest(ctx context.Context, conn net.Conn, br *bufio.Reader, head *httpmsg.RequestHead, lm *LinkManager, cfg *shipconf.Config, log obslog.Logger) error {
	authority, rewritten, err := resolveAuthority(head.Target, head.Headers)
	if err != nil {
		writeSimpleResponse(conn, 400, "Bad Request")
		return err
	}

	framing, length, err := httpmsg.RequestBodyFraming(head.Headers)
	if err != nil {
		writeSimpleResponse(conn, 400, "Bad Request")
		return err
	}

	if strings.EqualFold(strings.TrimSpace(head.Headers.Get("Expect")), "100-continue") {
		if _, err := conn.Write([]byte("HTTP/1.1 100 Continue\r\n\r\n")); err != nil {
			return errors.NewUserAgentError("write-100-continue", err)
		}
	}

	body := buffer.New(buffer.DefaultMemoryLimit)
	defer body.Close()
	switch framing {
	case httpmsg.BodyFixed:
		if err := copyFixedToBuffer(br, body, length); err != nil {
			writeSimpleResponse(conn, 400, "Bad Request")
			return err
		}
	case httpmsg.BodyChunked:
		if err := httpmsg.DechunkBody(br, bufferWriter{body}); err != nil {
			writeSimpleResponse(conn, 400, "Bad Request")
			return err
		}
	}

	l, id, err := lm.Acquire(ctx)
	if err != nil {
		writeSimpleResponse(conn, 502, "Bad Gateway")
		return err
	}
	log = log.With("stream", id, "authority", authority)

	s := stream.New(id, stream.Request)
	inbox := l.Activate(id)
	defer l.Deactivate(id)

	if err := transition(s, stream.Open); err != nil {
		return err
	}
	if err := l.Send(frame.Frame{StreamID: id, Kind: frame.OPEN, Payload: frame.EncodeOpen(frame.OpenRequest, authority)}); err != nil {
		recordOutcome(stream.Request, "error")
		return err
	}

	headers := httpmsg.EnsureHost(httpmsg.StripHopByHop(head.Headers), authority).Without("Content-Length")
	if body.Size() > 0 {
		headers = headers.With("Content-Length", strconv.FormatInt(body.Size(), 10))
	}
	headBytes := httpmsg.WriteRequestLine(head.Method, rewritten, head.Version) + httpmsg.WriteHeaders(headers)

	if err := sendBytes(l, id, frame.DATAC2S, []byte(headBytes), cfg.MaxFrame); err != nil {
		recordOutcome(stream.Request, "error")
		return err
	}
	if err := sendBufferContents(l, id, body, cfg.MaxFrame); err != nil {
		recordOutcome(stream.Request, "error")
		return err
	}
	if err := l.Send(frame.Frame{StreamID: id, Kind: frame.EOFC2S}); err != nil {
		recordOutcome(stream.Request, "error")
		return err
	}
	if err := transition(s, stream.RequestSent); err != nil {
		return err
	}

	err = relayResponse(ctx, conn, l, id, head.Method, s, inbox, cfg.IdleTimeout, log)
	if err != nil {
		recordOutcome(stream.Request, "error")
	} else {
		recordOutcome(stream.Request, "ok")
	}
	return err
}

func relayResponse(ctx context.Context, conn net.Conn, l *link.Link, id uint32, reqMethod string, s *stream.Stream, inbox <-chan frame.Frame, idleTimeout time.Duration, log obslog.Logger) error {
	pr, pw := io.Pipe()
	go drainData(ctx, l, id, inbox, pw, frame.DATAS2C, frame.EOFS2C, idleTimeout)

	br := bufio.NewReader(pr)
	respHead, err := httpmsg.ParseResponseHead(br)
	if err != nil {
		pr.CloseWithError(err)
		writeSimpleResponse(conn, 502, "Bad Gateway")
		return err
	}
	if err := transition(s, stream.Responding); err != nil {
		return err
	}

	framing, length, err := httpmsg.ResponseBodyFraming(reqMethod, respHead.Status, respHead.Headers)
	if err != nil {
		return err
	}
	headers := httpmsg.StripHopByHop(respHead.Headers).With("Connection", "close")
	if _, err := conn.Write([]byte(httpmsg.WriteStatusLine(respHead.Version, respHead.Status, respHead.Reason) + httpmsg.WriteHeaders(headers))); err != nil {
		return errors.NewUserAgentError("write-response-head", err).WithStream(id)
	}

	switch framing {
	case httpmsg.BodyFixed:
		if err := httpmsg.CopyFixedBody(br, conn, length); err != nil {
			return err
		}
	default:
		if _, err := io.Copy(conn, br); err != nil && err != io.EOF {
			return errors.NewUserAgentError("write-response-body", err).WithStream(id)
		}
	}

	return transition(s, stream.Closed)
}

func handleTunnel(ctx context.Context, conn net.Conn, br *bufio.Reader, head *httpmsg.RequestHead, lm *LinkManager, cfg *shipconf.Config, log obslog.Logger) error {
	authority := head.Target

	l, id, err := lm.Acquire(ctx)
	if err != nil {
		writeSimpleResponse(conn, 502, "Bad Gateway")
		return err
	}
	log = log.With("stream", id, "authority", authority)

	s := stream.New(id, stream.Tunnel)
	inbox := l.Activate(id)
	defer l.Deactivate(id)

	if err := transition(s, stream.Open); err != nil {
		return err
	}
	if err := l.Send(frame.Frame{StreamID: id, Kind: frame.OPEN, Payload: frame.EncodeOpen(frame.OpenTunnel, authority)}); err != nil {
		recordOutcome(stream.Tunnel, "error")
		return err
	}
	if err := transition(s, stream.RequestSent); err != nil {
		return err
	}

	ready, err := waitTunnelReady(inbox, l.Done(), cfg.IdleTimeout)
	if err != nil {
		if errors.GetErrorType(err) == errors.ErrorTypeTimeout {
			l.Send(frame.Frame{StreamID: id, Kind: frame.ERROR, Payload: frame.EncodeError(504, "idle timeout")})
		}
		writeSimpleResponse(conn, 502, "Bad Gateway")
		recordOutcome(stream.Tunnel, "error")
		return err
	}
	if !ready {
		writeSimpleResponse(conn, 502, "Bad Gateway")
		recordOutcome(stream.Tunnel, "error")
		return nil
	}
	if err := transition(s, stream.Tunneling); err != nil {
		return err
	}
	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return errors.NewUserAgentError("write-connect-ok", err).WithStream(id)
	}

	pumpErr := pumpTunnel(conn, br, l, id, inbox, cfg.MaxFrame, cfg.IdleTimeout)
	_ = transition(s, stream.Closed)
	if pumpErr != nil {
		recordOutcome(stream.Tunnel, "error")
	} else {
		recordOutcome(stream.Tunnel, "ok")
	}
	return pumpErr
}

// waitTunnelReady blocks for the shore's first reply: a zero-length
// DATA_S2C is the tunnel-ready signal, ERROR/CLOSE means the dial failed.
func waitTunnelReady(inbox <-chan frame.Frame, done <-chan struct{}, idleTimeout time.Duration) (bool, error) {
	var timerC <-chan time.Time
	if idleTimeout > 0 {
		timer := time.NewTimer(idleTimeout)
		defer timer.Stop()
		timerC = timer.C
	}
	select {
	case f := <-inbox:
		switch f.Kind {
		case frame.DATAS2C:
			return len(f.Payload) == 0, nil
		case frame.ERROR:
			_, reason, _ := frame.DecodeError(f.Payload)
			return false, errors.NewDialError("", fmt.Errorf("%s", reason))
		case frame.CLOSE:
			return false, errors.NewLinkError("tunnel-open", fmt.Errorf("stream closed before ready"))
		default:
			return false, errors.NewLinkError("tunnel-open", fmt.Errorf("unexpected frame %s", f.Kind))
		}
	case <-done:
		return false, errors.NewLinkError("tunnel-open", fmt.Errorf("link closed"))
	case <-timerC:
		return false, errors.NewTimeoutError("tunnel-open", idleTimeout)
	}
}

func pumpTunnel(conn net.Conn, br *bufio.Reader, l *link.Link, id uint32, inbox <-chan frame.Frame, maxFrame uint32, idleTimeout time.Duration) error {
	errCh := make(chan error, 2)

	go func() {
		buf := make([]byte, maxFrame)
		for {
			if idleTimeout > 0 {
				conn.SetReadDeadline(time.Now().Add(idleTimeout))
			}
			n, err := br.Read(buf)
			if n > 0 {
				if sendErr := l.Send(frame.Frame{StreamID: id, Kind: frame.DATAC2S, Payload: append([]byte(nil), buf[:n]...)}); sendErr != nil {
					errCh <- sendErr
					return
				}
			}
			if err != nil {
				if idleTimeout > 0 && errors.IsTimeoutError(err) {
					l.Send(frame.Frame{StreamID: id, Kind: frame.ERROR, Payload: frame.EncodeError(504, "idle timeout")})
					errCh <- errors.NewTimeoutError("tunnel-c2s", idleTimeout).WithStream(id)
					return
				}
				l.Send(frame.Frame{StreamID: id, Kind: frame.EOFC2S})
				errCh <- nil
				return
			}
		}
	}()

	go func() {
		for {
			var timerC <-chan time.Time
			var timer *time.Timer
			if idleTimeout > 0 {
				timer = time.NewTimer(idleTimeout)
				timerC = timer.C
			}
			select {
			case f := <-inbox:
				if timer != nil {
					timer.Stop()
				}
				switch f.Kind {
				case frame.DATAS2C:
					if _, err := conn.Write(f.Payload); err != nil {
						errCh <- errors.NewUserAgentError("write-tunnel-data", err).WithStream(id)
						return
					}
				case frame.EOFS2C, frame.CLOSE:
					errCh <- nil
					return
				case frame.ERROR:
					_, reason, _ := frame.DecodeError(f.Payload)
					errCh <- errors.NewLinkError("tunnel", fmt.Errorf("%s", reason))
					return
				}
			case <-l.Done():
				if timer != nil {
					timer.Stop()
				}
				errCh <- errors.NewLinkError("tunnel", fmt.Errorf("link closed"))
				return
			case <-timerC:
				l.Send(frame.Frame{StreamID: id, Kind: frame.ERROR, Payload: frame.EncodeError(504, "idle timeout")})
				errCh <- errors.NewTimeoutError("tunnel-s2c", idleTimeout).WithStream(id)
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
	return first
}

// drainData feeds payloads from data/eof frames into pw until an EOF or
// terminal frame arrives, then closes pw accordingly. An idle stream (no
// frame for idleTimeout) is reported to the shore with ERROR and aborts the
// pipe with a timeout error.
func drainData(ctx context.Context, l *link.Link, id uint32, inbox <-chan frame.Frame, pw *io.PipeWriter, dataKind, eofKind frame.Kind, idleTimeout time.Duration) {
	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		if idleTimeout > 0 {
			timer = time.NewTimer(idleTimeout)
			timerC = timer.C
		}
		select {
		case f, ok := <-inbox:
			if timer != nil {
				timer.Stop()
			}
			if !ok {
				pw.Close()
				return
			}
			switch f.Kind {
			case dataKind:
				if _, err := pw.Write(f.Payload); err != nil {
					return
				}
			case eofKind:
				pw.Close()
				return
			case frame.CLOSE:
				pw.Close()
				return
			case frame.ERROR:
				_, reason, _ := frame.DecodeError(f.Payload)
				pw.CloseWithError(fmt.Errorf("%s", reason))
				return
			}
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			pw.CloseWithError(ctx.Err())
			return
		case <-timerC:
			l.Send(frame.Frame{StreamID: id, Kind: frame.ERROR, Payload: frame.EncodeError(504, "idle timeout")})
			pw.CloseWithError(errors.NewTimeoutError("stream-idle", idleTimeout).WithStream(id))
			return
		case <-l.Done():
			if timer != nil {
				timer.Stop()
			}
			pw.CloseWithError(errors.NewLinkError("drain", fmt.Errorf("link closed")).WithStream(id))
			return
		}
	}
}

func sendBytes(l *link.Link, id uint32, kind frame.Kind, data []byte, maxFrame uint32) error {
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

func sendBufferContents(l *link.Link, id uint32, buf *buffer.Buffer, maxFrame uint32) error {
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
			if sendErr := l.Send(frame.Frame{StreamID: id, Kind: frame.DATAC2S, Payload: append([]byte(nil), chunk[:n]...)}); sendErr != nil {
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

func copyFixedToBuffer(br *bufio.Reader, buf *buffer.Buffer, length int64) error {
	_, err := io.CopyN(bufferWriter{buf}, br, length)
	if err != nil {
		return errors.NewHTTPError("read-fixed-body", err)
	}
	return nil
}

type bufferWriter struct{ buf *buffer.Buffer }

func (w bufferWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func transition(s *stream.Stream, to stream.State) error {
	if err := s.Transition(to); err != nil {
		return errors.NewLinkError("transition", err).WithStream(s.ID)
	}
	return nil
}

func recordOutcome(kind stream.Kind, outcome string) {
	metrics.StreamsTotal.WithLabelValues(kind.String(), outcome).Inc()
}

func writeSimpleResponse(conn net.Conn, status int, reason string) {
	body := reason
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", status, reason, len(body), body)
	conn.Write([]byte(resp))
}

// resolveAuthority derives the dial authority and the origin-form target to
// forward, from a parsed request-target that may be absolute-form (as sent
// by a well-behaved forward-proxy client) or origin-form (paired with a Host
// header).
func resolveAuthority(target string, headers httpmsg.HeaderList) (authority, rewritten string, err error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		u, parseErr := url.Parse(target)
		if parseErr != nil {
			return "", "", errors.NewValidationError(fmt.Sprintf("invalid request target %q", target))
		}
		host := u.Host
		if u.Port() == "" {
			if u.Scheme == "https" {
				host = net.JoinHostPort(u.Hostname(), "443")
			} else {
				host = net.JoinHostPort(u.Hostname(), "80")
			}
		}
		rewritten = u.RequestURI()
		return host, rewritten, nil
	}

	host := headers.Get("Host")
	if host == "" {
		return "", "", errors.NewValidationError("missing Host header for origin-form request")
	}
	if !strings.Contains(host, ":") {
		host = net.JoinHostPort(host, "80")
	}
	return host, target, nil
}
