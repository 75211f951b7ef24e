package link

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shiplink/linkproxy/pkg/frame"
	"github.com/shiplink/linkproxy/pkg/obslog"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestLinkRoutesFramesToActiveStream(t *testing.T) {
	a, b := pipePair(t)
	l := New(a, frame.DefaultMaxPayload, obslog.New(obslog.Options{Level: "error"}))
	go l.Run()

	inbox := l.Activate(1)

	peerCodec := frame.NewCodec(b, frame.DefaultMaxPayload)
	require.NoError(t, peerCodec.WriteFrame(frame.Frame{StreamID: 1, Kind: frame.DATAC2S, Payload: []byte("hi")}))

	select {
	case f := <-inbox:
		require.Equal(t, frame.DATAC2S, f.Kind)
		require.Equal(t, []byte("hi"), f.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for routed frame")
	}
}

func TestLinkDropsFrameForInactiveStream(t *testing.T) {
	a, b := pipePair(t)
	l := New(a, frame.DefaultMaxPayload, obslog.New(obslog.Options{Level: "error"}))
	go l.Run()

	inbox := l.Activate(1)

	peerCodec := frame.NewCodec(b, frame.DefaultMaxPayload)
	require.NoError(t, peerCodec.WriteFrame(frame.Frame{StreamID: 99, Kind: frame.DATAC2S, Payload: []byte("stale")}))
	require.NoError(t, peerCodec.WriteFrame(frame.Frame{StreamID: 1, Kind: frame.DATAC2S, Payload: []byte("fresh")}))

	select {
	case f := <-inbox:
		require.Equal(t, []byte("fresh"), f.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for routed frame")
	}
}

func TestLinkAwaitOpenActivatesStream(t *testing.T) {
	a, b := pipePair(t)
	l := New(a, frame.DefaultMaxPayload, obslog.New(obslog.Options{Level: "error"}))
	go l.Run()

	peerCodec := frame.NewCodec(b, frame.DefaultMaxPayload)
	require.NoError(t, peerCodec.WriteFrame(frame.Frame{
		StreamID: 5,
		Kind:     frame.OPEN,
		Payload:  frame.EncodeOpen(frame.OpenRequest, "example.com:80"),
	}))

	openFrame, inbox, err := l.AwaitOpen()
	require.NoError(t, err)
	require.Equal(t, uint32(5), openFrame.StreamID)

	require.NoError(t, peerCodec.WriteFrame(frame.Frame{StreamID: 5, Kind: frame.EOFC2S}))
	select {
	case f := <-inbox:
		require.Equal(t, frame.EOFC2S, f.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for routed frame")
	}
}

func TestLinkFailClosesDone(t *testing.T) {
	a, _ := pipePair(t)
	l := New(a, frame.DefaultMaxPayload, obslog.New(obslog.Options{Level: "error"}))
	a.Close()

	err := l.Run()
	require.Error(t, err)
	select {
	case <-l.Done():
	default:
		t.Fatal("expected Done to be closed after Run returns")
	}
	require.Equal(t, err, l.Err())
}
