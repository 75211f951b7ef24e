package frame

import (
	"bytes"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	codec := NewCodec(buf, DefaultMaxPayload)

	in := Frame{StreamID: 7, Kind: DATAC2S, Payload: []byte("hello")}
	if err := codec.WriteFrame(in); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	out, err := codec.ReadFrame()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if out.StreamID != in.StreamID || out.Kind != in.Kind || !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestCodecRejectsOversizePayload(t *testing.T) {
	buf := &bytes.Buffer{}
	codec := NewCodec(buf, 4)

	err := codec.WriteFrame(Frame{StreamID: 1, Kind: DATAC2S, Payload: []byte("too long")})
	if err == nil {
		t.Fatalf("expected oversize payload to be rejected")
	}
}

func TestCodecRejectsUnknownKind(t *testing.T) {
	buf := &bytes.Buffer{}
	codec := NewCodec(buf, DefaultMaxPayload)

	// Hand-craft a header with an invalid kind byte.
	buf.Write([]byte{0, 0, 0, 1, 0xFF, 0, 0, 0, 0})
	if _, err := codec.ReadFrame(); err == nil {
		t.Fatalf("expected unknown kind to be rejected")
	}
}

func TestCodecMultipleFramesNoInterleave(t *testing.T) {
	buf := &bytes.Buffer{}
	codec := NewCodec(buf, DefaultMaxPayload)

	frames := []Frame{
		{StreamID: 1, Kind: DATAC2S, Payload: []byte("a")},
		{StreamID: 1, Kind: EOFC2S},
		{StreamID: 1, Kind: CLOSE},
	}
	for _, f := range frames {
		if err := codec.WriteFrame(f); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	for _, want := range frames {
		got, err := codec.ReadFrame()
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if got.Kind != want.Kind || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	}
}

func TestEncodeDecodeOpen(t *testing.T) {
	payload := EncodeOpen(OpenTunnel, "example.com:443")
	kind, target, err := DecodeOpen(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if kind != OpenTunnel || target != "example.com:443" {
		t.Fatalf("got kind=%v target=%q", kind, target)
	}
}

func TestDecodeOpenRejectsEmptyPayload(t *testing.T) {
	if _, _, err := DecodeOpen(nil); err == nil {
		t.Fatalf("expected error decoding empty OPEN payload")
	}
}

func TestEncodeDecodeError(t *testing.T) {
	payload := EncodeError(502, "dial refused")
	status, reason, err := DecodeError(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if status != 502 || reason != "dial refused" {
		t.Fatalf("got status=%d reason=%q", status, reason)
	}
}
