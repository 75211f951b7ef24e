package httpmsg

import (
	"bufio"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/shiplink/linkproxy/pkg/errors"
)

// CopyFixedBody copies exactly length bytes from r to dst.
func CopyFixedBody(r *bufio.Reader, dst io.Writer, length int64) error {
	if length <= 0 {
		return nil
	}
	if _, err := io.CopyN(dst, r, length); err != nil {
		return errors.NewHTTPError("read-fixed-body", err)
	}
	return nil
}

// CopyUntilClose copies from r to dst until the origin closes the connection.
func CopyUntilClose(r *bufio.Reader, dst io.Writer) error {
	if _, err := io.Copy(dst, r); err != nil && err != io.EOF {
		return errors.NewHTTPError("read-until-close", err)
	}
	return nil
}

// DechunkBody decodes a chunked transfer-coded body from r, writing the
// decoded bytes (without chunk framing or trailers) to dst. This is the
// shore's chosen convention for the open question of whether to dechunk at
// the link boundary: dechunk, then forward the decoded bytes as ordinary
// length-delimited DATA_S2C frames.
func DechunkBody(r *bufio.Reader, dst io.Writer) error {
	tp := textproto.NewReader(r)
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return errors.NewHTTPError("read-chunk-size", err)
		}
		sizeStr := strings.TrimSpace(strings.SplitN(line, ";", 2)[0])
		size, err := strconv.ParseInt(sizeStr, 16, 64)
		if err != nil {
			return errors.NewHTTPError("parse-chunk-size", err)
		}
		if size == 0 {
			break
		}
		if _, err := io.CopyN(dst, tp.R, size); err != nil {
			return errors.NewHTTPError("read-chunk-body", err)
		}
		crlf := make([]byte, 2)
		if _, err := io.ReadFull(tp.R, crlf); err != nil {
			return errors.NewHTTPError("read-chunk-crlf", err)
		}
	}
	// Trailers: drain and discard.
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return errors.NewHTTPError("read-chunk-trailer", err)
		}
		if line == "" {
			break
		}
	}
	return nil
}
