// Package httpmsg reads and writes the HTTP/1.x message heads exchanged
// between the ship's local proxy listener, the link protocol, and the
// shore's origin connections. It keeps header order and duplicates intact,
// centralizes hop-by-hop stripping, and determines body framing per a
// reduced RFC 7230 reading: chunked wins over Content-Length, a missing
// length means "until close" for responses and "no body" for requests.
package httpmsg

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/shiplink/linkproxy/pkg/errors"
)

const maxHeaderBytes = 64 * 1024

// Header is a single name/value pair, order-preserved.
type Header struct {
	Name  string
	Value string
}

// HeaderList preserves header order and duplicates exactly as received.
type HeaderList []Header

// Values returns, in order, every value associated with name (compared
// case-insensitively).
func (h HeaderList) Values(name string) []string {
	var out []string
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr.Value)
		}
	}
	return out
}

// Get returns the first value for name, or "".
func (h HeaderList) Get(name string) string {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// Has reports whether any header matches name.
func (h HeaderList) Has(name string) bool {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return true
		}
	}
	return false
}

// Without returns a copy of h with every header named in names removed
// (case-insensitive).
func (h HeaderList) Without(names ...string) HeaderList {
	out := make(HeaderList, 0, len(h))
	for _, hdr := range h {
		skip := false
		for _, n := range names {
			if strings.EqualFold(hdr.Name, n) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, hdr)
		}
	}
	return out
}

// With appends a header.
func (h HeaderList) With(name, value string) HeaderList {
	return append(h, Header{Name: name, Value: value})
}

// hopByHop lists headers that never survive a proxy hop. Connection itself
// is included so it's always stripped; the tokens it names are stripped
// dynamically in StripHopByHop.
var hopByHop = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "TE", "Trailer",
	"Transfer-Encoding", "Upgrade", "Proxy-Authorization",
}

// StripHopByHop removes the standard hop-by-hop headers plus any header
// token named inside a Connection header value (e.g. "Connection: close,
// x-foo" also strips x-foo), and eagerly-handled Expect.
func StripHopByHop(h HeaderList) HeaderList {
	extra := map[string]bool{}
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" {
				extra[strings.ToLower(tok)] = true
			}
		}
	}

	names := append([]string{}, hopByHop...)
	names = append(names, "Expect")

	out := make(HeaderList, 0, len(h))
	for _, hdr := range h {
		if extra[strings.ToLower(hdr.Name)] {
			continue
		}
		skip := false
		for _, n := range names {
			if strings.EqualFold(hdr.Name, n) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, hdr)
		}
	}
	return out
}

// RequestHead is a parsed HTTP/1.x request start-line plus headers.
type RequestHead struct {
	Method  string
	Target  string
	Version string
	Headers HeaderList
}

// ResponseHead is a parsed HTTP/1.x response start-line plus headers.
type ResponseHead struct {
	Version string
	Status  int
	Reason  string
	Headers HeaderList
}

// ParseRequestHead reads a request line and headers up to the terminating
// blank line from r.
func ParseRequestHead(r *bufio.Reader) (*RequestHead, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, errors.NewHTTPError("read-request-line", err)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, errors.NewHTTPError("parse-request-line", fmt.Errorf("malformed request line %q", line))
	}
	headers, err := readHeaders(r)
	if err != nil {
		return nil, err
	}
	return &RequestHead{Method: parts[0], Target: parts[1], Version: parts[2], Headers: headers}, nil
}

// ParseResponseHead reads a status line and headers up to the terminating
// blank line from r.
func ParseResponseHead(r *bufio.Reader) (*ResponseHead, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, errors.NewHTTPError("read-status-line", err)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, errors.NewHTTPError("parse-status-line", fmt.Errorf("malformed status line %q", line))
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, errors.NewHTTPError("parse-status-line", fmt.Errorf("bad status code %q", parts[1]))
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	headers, err := readHeaders(r)
	if err != nil {
		return nil, err
	}
	return &ResponseHead{Version: parts[0], Status: status, Reason: reason, Headers: headers}, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func readHeaders(r *bufio.Reader) (HeaderList, error) {
	var headers HeaderList
	total := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, errors.NewHTTPError("read-headers", err)
		}
		total += len(line)
		if total > maxHeaderBytes {
			return nil, errors.NewHTTPError("read-headers", fmt.Errorf("headers exceed %d bytes", maxHeaderBytes))
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}

		// RFC 7230 §3.2.4 header continuation.
		if (strings.HasPrefix(trimmed, " ") || strings.HasPrefix(trimmed, "\t")) && len(headers) > 0 {
			last := &headers[len(headers)-1]
			last.Value = last.Value + " " + strings.TrimSpace(trimmed)
			continue
		}

		idx := strings.IndexByte(trimmed, ':')
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(trimmed[:idx])
		value := strings.TrimSpace(trimmed[idx+1:])
		if !httpguts.ValidHeaderFieldName(name) {
			continue
		}
		headers = append(headers, Header{Name: name, Value: value})
	}
	return headers, nil
}

// BodyFraming describes how a message body is delimited.
type BodyFraming int

const (
	// BodyNone means the message has no body regardless of headers (HEAD
	// responses, 1xx/204/304 status, or a request with no length headers).
	BodyNone BodyFraming = iota
	// BodyChunked means Transfer-Encoding: chunked governs the body.
	BodyChunked
	// BodyFixed means Content-Length governs the body.
	BodyFixed
	// BodyUntilClose means the body runs until the origin closes the
	// connection (only valid for responses).
	BodyUntilClose
)

// RequestBodyFraming determines how to read a request body.
func RequestBodyFraming(h HeaderList) (BodyFraming, int64, error) {
	if strings.Contains(strings.ToLower(h.Get("Transfer-Encoding")), "chunked") {
		return BodyChunked, 0, nil
	}
	if cl := h.Get("Content-Length"); cl != "" {
		n, err := parseContentLength(cl)
		if err != nil {
			return BodyNone, 0, err
		}
		if n == 0 {
			return BodyNone, 0, nil
		}
		return BodyFixed, n, nil
	}
	return BodyNone, 0, nil
}

// ResponseBodyFraming determines how to read a response body, given the
// request method and the response status, per RFC 9110 §6.4.1's no-body
// exceptions.
func ResponseBodyFraming(method string, status int, h HeaderList) (BodyFraming, int64, error) {
	if method == "HEAD" || (status >= 100 && status < 200) || status == 204 || status == 304 {
		return BodyNone, 0, nil
	}
	if strings.Contains(strings.ToLower(h.Get("Transfer-Encoding")), "chunked") {
		return BodyChunked, 0, nil
	}
	if cl := h.Get("Content-Length"); cl != "" {
		n, err := parseContentLength(cl)
		if err != nil {
			return BodyNone, 0, err
		}
		return BodyFixed, n, nil
	}
	return BodyUntilClose, 0, nil
}

func parseContentLength(v string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, errors.NewHTTPError("parse-content-length", fmt.Errorf("invalid Content-Length %q", v))
	}
	return n, nil
}

// WriteRequestLine formats a request start-line.
func WriteRequestLine(method, target, version string) string {
	return fmt.Sprintf("%s %s %s\r\n", method, target, version)
}

// WriteStatusLine formats a response start-line.
func WriteStatusLine(version string, status int, reason string) string {
	return fmt.Sprintf("%s %d %s\r\n", version, status, reason)
}

// WriteHeaders formats headers terminated by the blank line.
func WriteHeaders(h HeaderList) string {
	var b strings.Builder
	for _, hdr := range h {
		b.WriteString(hdr.Name)
		b.WriteString(": ")
		b.WriteString(hdr.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

// EnsureHost appends a Host header with value host if none is present.
func EnsureHost(h HeaderList, host string) HeaderList {
	if h.Has("Host") {
		return h
	}
	return h.With("Host", host)
}
