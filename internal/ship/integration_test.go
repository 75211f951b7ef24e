package ship_test

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shiplink/linkproxy/internal/ship"
	"github.com/shiplink/linkproxy/internal/shipconf"
	"github.com/shiplink/linkproxy/internal/shore"
	"github.com/shiplink/linkproxy/internal/shoreconf"
	"github.com/shiplink/linkproxy/pkg/frame"
	"github.com/shiplink/linkproxy/pkg/obslog"
)

// testRig wires a real shore dispatcher and ship scheduler over loopback TCP
// the same way cmd/ship and cmd/shore do, so these tests exercise the full
// user-agent-to-origin path rather than any single package in isolation.
type testRig struct {
	shipAddr string
	lm       *ship.LinkManager
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	shoreLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen shore: %v", err)
	}
	t.Cleanup(func() { shoreLn.Close() })

	shipLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen ship: %v", err)
	}
	t.Cleanup(func() { shipLn.Close() })

	log := obslog.New(obslog.Options{Level: "error"})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	shoreCfg := &shoreconf.Config{MaxFrame: frame.DefaultMaxPayload, DialTimeout: 2 * time.Second}
	d := shore.NewDispatcher(shoreLn, shoreCfg, log)
	go d.Run(ctx)

	lm := ship.NewLinkManager(shoreLn.Addr().String(), frame.DefaultMaxPayload, 10*time.Millisecond, 100*time.Millisecond, log)
	go lm.Run(ctx)

	shipCfg := &shipconf.Config{MaxFrame: frame.DefaultMaxPayload}
	sched := ship.NewScheduler(shipLn, lm, shipCfg, log)
	go sched.Run(ctx)

	acquireCtx, acquireCancel := context.WithTimeout(ctx, 2*time.Second)
	defer acquireCancel()
	if _, _, err := lm.Acquire(acquireCtx); err != nil {
		t.Fatalf("link never became ready: %v", err)
	}

	return &testRig{shipAddr: shipLn.Addr().String(), lm: lm}
}

func (r *testRig) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", r.shipAddr)
	if err != nil {
		t.Fatalf("dial ship: %v", err)
	}
	return conn
}

// startOriginFunc runs a TCP listener that hands each accepted connection to
// handle in its own goroutine, and closes it when the test ends.
func startOriginFunc(t *testing.T, handle func(net.Conn)) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen origin: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	return ln
}

// startOrigin runs a trivial HTTP/1.1 server that always answers "hello".
func startOrigin(t *testing.T) net.Listener {
	return startOriginFunc(t, func(c net.Conn) {
		defer c.Close()
		req, err := http.ReadRequest(bufio.NewReader(c))
		if err != nil {
			return
		}
		io.Copy(io.Discard, req.Body)
		c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
	})
}

// TestShipShoreRelaysRequestByteForByte is scenario S1: a plain GET relayed
// byte for byte end to end.
func TestShipShoreRelaysRequestByteForByte(t *testing.T) {
	origin := startOrigin(t)
	rig := newTestRig(t)

	conn := rig.dial(t)
	defer conn.Close()

	target := "http://" + origin.Addr().String() + "/"
	req := "GET " + target + " HTTP/1.1\r\nHost: " + origin.Addr().String() + "\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("got body %q, want %q", body, "hello")
	}
	if resp.StatusCode != 200 {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
}

// TestShipShoreRelaysPOSTBody is scenario S2: a POST body crosses the link
// and reaches the origin intact, with the origin's echoed response relayed
// back intact too.
func TestShipShoreRelaysPOSTBody(t *testing.T) {
	origin := startOriginFunc(t, func(c net.Conn) {
		defer c.Close()
		req, err := http.ReadRequest(bufio.NewReader(c))
		if err != nil {
			return
		}
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return
		}
		fmt.Fprintf(c, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	})
	rig := newTestRig(t)

	conn := rig.dial(t)
	defer conn.Close()

	payload := "the quick brown fox jumps over the lazy dog"
	target := "http://" + origin.Addr().String() + "/echo"
	req := fmt.Sprintf("POST %s HTTP/1.1\r\nHost: %s\r\nContent-Length: %d\r\n\r\n%s",
		target, origin.Addr().String(), len(payload), payload)
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != payload {
		t.Fatalf("got body %q, want %q", body, payload)
	}
}

// TestShipShoreTunnelsConnect is scenario S3: a CONNECT tunnel carries raw
// bytes transparently in both directions after the 200 Connection
// Established handshake.
func TestShipShoreTunnelsConnect(t *testing.T) {
	origin := startOriginFunc(t, func(c net.Conn) {
		defer c.Close()
		io.Copy(c, c)
	})
	rig := newTestRig(t)

	conn := rig.dial(t)
	defer conn.Close()

	connectReq := "CONNECT " + origin.Addr().String() + " HTTP/1.1\r\nHost: " + origin.Addr().String() + "\r\n\r\n"
	if _, err := conn.Write([]byte(connectReq)); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read CONNECT status line: %v", err)
	}
	if !strings.Contains(statusLine, "200") {
		t.Fatalf("got status line %q, want 200", statusLine)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read CONNECT headers: %v", err)
		}
		if line == "\r\n" {
			break
		}
	}

	msg := []byte("tunnel payload\n")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write tunnel data: %v", err)
	}
	echoed := make([]byte, len(msg))
	if _, err := io.ReadFull(br, echoed); err != nil {
		t.Fatalf("read echoed tunnel data: %v", err)
	}
	if string(echoed) != string(msg) {
		t.Fatalf("got %q, want %q", echoed, msg)
	}
}

// TestSequentialRequestsServeWithoutCrossTalk is scenario S4: many
// user-agent connections race to dial the ship concurrently, but the single
// active-stream link still pairs every response with its own request.
func TestSequentialRequestsServeWithoutCrossTalk(t *testing.T) {
	origin := startOriginFunc(t, func(c net.Conn) {
		defer c.Close()
		req, err := http.ReadRequest(bufio.NewReader(c))
		if err != nil {
			return
		}
		io.Copy(io.Discard, req.Body)
		reply := "reply-for-" + req.URL.Path
		fmt.Fprintf(c, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(reply), reply)
	})
	rig := newTestRig(t)

	const n = 5
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", rig.shipAddr)
			if err != nil {
				t.Errorf("dial ship for request %d: %v", i, err)
				return
			}
			defer conn.Close()

			path := fmt.Sprintf("/item/%d", i)
			target := "http://" + origin.Addr().String() + path
			req := "GET " + target + " HTTP/1.1\r\nHost: " + origin.Addr().String() + "\r\n\r\n"
			if _, err := conn.Write([]byte(req)); err != nil {
				t.Errorf("write request %d: %v", i, err)
				return
			}
			resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
			if err != nil {
				t.Errorf("read response %d: %v", i, err)
				return
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Errorf("read body %d: %v", i, err)
				return
			}
			want := "reply-for-" + path
			if string(body) != want {
				t.Errorf("request %d got %q, want %q", i, body, want)
			}
		}(i)
	}
	wg.Wait()
}

// TestOriginDialFailureReturns502 is scenario S5: the shore cannot reach the
// origin, and the ship surfaces that as a 502 rather than hanging.
func TestOriginDialFailureReturns502(t *testing.T) {
	rig := newTestRig(t)

	deadLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := deadLn.Addr().String()
	deadLn.Close()

	conn := rig.dial(t)
	defer conn.Close()

	target := "http://" + deadAddr + "/"
	req := "GET " + target + " HTTP/1.1\r\nHost: " + deadAddr + "\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != 502 {
		t.Fatalf("got status %d, want 502", resp.StatusCode)
	}
}

// TestLinkDropMidStreamRecoversForNextRequest is scenario S6: the link dies
// while a stream is in flight (synthetic 502 or silent close, either is a
// valid outcome per §4.6), and the next request after reconnect succeeds
// normally.
func TestLinkDropMidStreamRecoversForNextRequest(t *testing.T) {
	origin := startOriginFunc(t, func(c net.Conn) {
		defer c.Close()
		req, err := http.ReadRequest(bufio.NewReader(c))
		if err != nil {
			return
		}
		io.Copy(io.Discard, req.Body)
		time.Sleep(150 * time.Millisecond)
		c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
	})
	rig := newTestRig(t)

	conn := rig.dial(t)
	target := "http://" + origin.Addr().String() + "/"
	req := "GET " + target + " HTTP/1.1\r\nHost: " + origin.Addr().String() + "\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	// Give the request time to reach the shore and dial the (slow) origin,
	// then kill the underlying link mid-stream, before any reply arrives.
	time.Sleep(30 * time.Millisecond)
	killCtx, killCancel := context.WithTimeout(context.Background(), time.Second)
	defer killCancel()
	l, _, err := rig.lm.Acquire(killCtx)
	if err != nil {
		t.Fatalf("acquire link to kill it: %v", err)
	}
	l.Close()

	resp, respErr := http.ReadResponse(bufio.NewReader(conn), nil)
	if respErr == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != 502 {
			t.Fatalf("got status %d, want 502 after link drop", resp.StatusCode)
		}
	}
	conn.Close()

	reconnectCtx, reconnectCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reconnectCancel()
	if _, _, err := rig.lm.Acquire(reconnectCtx); err != nil {
		t.Fatalf("link never reconnected: %v", err)
	}

	conn2 := rig.dial(t)
	defer conn2.Close()
	if _, err := conn2.Write([]byte(req)); err != nil {
		t.Fatalf("write request after reconnect: %v", err)
	}
	resp2, err := http.ReadResponse(bufio.NewReader(conn2), nil)
	if err != nil {
		t.Fatalf("read response after reconnect: %v", err)
	}
	defer resp2.Body.Close()
	body2, err := io.ReadAll(resp2.Body)
	if err != nil {
		t.Fatalf("read body after reconnect: %v", err)
	}
	if string(body2) != "hello" {
		t.Fatalf("got body %q after reconnect, want %q", body2, "hello")
	}
}
