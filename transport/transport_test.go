package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"testing"
)

func TestNDJSONRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(&buf, &buf)

	payload := []byte(`{"jsonrpc":"2.0","id":1}`)
	if err := s.WriteFrame(payload, NDJSON); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, framing, err := s.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if framing != NDJSON {
		t.Fatalf("framing = %v, want NDJSON", framing)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %s, want %s", got, payload)
	}
}

func TestContentLengthRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(&buf, &buf)

	payload := []byte(`{"jsonrpc":"2.0","id":1}`)
	if err := s.WriteFrame(payload, ContentLength); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, framing, err := s.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if framing != ContentLength {
		t.Fatalf("framing = %v, want ContentLength", framing)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %s, want %s", got, payload)
	}
}

func TestMultipleContentLengthFrames(t *testing.T) {
	first := []byte(`{"id":1}`)
	second := []byte(`{"id":2}`)
	raw := fmt.Sprintf("Content-Length: %d\r\n\r\n%sContent-Length: %d\r\n\r\n%s",
		len(first), first, len(second), second)

	s := NewStream(bytes.NewReader([]byte(raw)), io.Discard)

	got1, _, err := s.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame 1: %v", err)
	}
	if !bytes.Equal(got1, first) {
		t.Fatalf("frame 1 = %s, want %s", got1, first)
	}

	got2, _, err := s.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame 2: %v", err)
	}
	if !bytes.Equal(got2, second) {
		t.Fatalf("frame 2 = %s, want %s", got2, second)
	}
}

func TestNDJSONAtEOFWithoutTrailingNewline(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":42}`)
	s := NewStream(bytes.NewReader(raw), io.Discard)

	got, framing, err := s.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if framing != NDJSON {
		t.Fatalf("framing = %v, want NDJSON", framing)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("payload = %s, want %s", got, raw)
	}
}

func TestTruncatedContentLengthFrameAtEOFErrors(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","id":1}`)
	raw := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body)+10, body)

	s := NewStream(bytes.NewReader([]byte(raw)), io.Discard)

	_, _, err := s.ReadFrame()
	if err == nil {
		t.Fatalf("expected error for truncated frame, got nil")
	}
}

func TestCleanEOFReturnsIOEOF(t *testing.T) {
	s := NewStream(bytes.NewReader(nil), io.Discard)

	_, _, err := s.ReadFrame()
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestNDJSONFrameWithEmbeddedNewlinesIsReadWhole(t *testing.T) {
	// A pretty-printed JSON value (json.MarshalIndent-style output) embeds
	// literal '\n' bytes before its own terminating newline; a naive split
	// on the first '\n' would cut this frame in half.
	pretty := "{\n  \"jsonrpc\": \"2.0\",\n  \"id\": 1,\n  \"method\": \"ping\"\n}"
	second := `{"jsonrpc":"2.0","id":2}`
	raw := pretty + "\n" + second + "\n"

	s := NewStream(bytes.NewReader([]byte(raw)), io.Discard)

	got1, f1, err := s.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame 1: %v", err)
	}
	if f1 != NDJSON {
		t.Fatalf("framing 1 = %v, want NDJSON", f1)
	}
	var decoded map[string]any
	if err := json.Unmarshal(got1, &decoded); err != nil {
		t.Fatalf("frame 1 did not decode as JSON: %v (got %s)", err, got1)
	}
	if decoded["method"] != "ping" {
		t.Fatalf("frame 1 method = %v, want ping", decoded["method"])
	}

	got2, f2, err := s.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame 2: %v", err)
	}
	if f2 != NDJSON {
		t.Fatalf("framing 2 = %v, want NDJSON", f2)
	}
	if !bytes.Equal(got2, []byte(second)) {
		t.Fatalf("frame 2 = %s, want %s", got2, second)
	}
}

func TestFramingSymmetryAcrossRequests(t *testing.T) {
	// A Content-Length request followed by an NDJSON request on the same
	// stream must each read back with their own framing (spec §8 scenario 3).
	clReq := []byte(`{"id":1}`)
	raw := fmt.Sprintf("Content-Length: %d\r\n\r\n%s{\"id\":2}\n", len(clReq), clReq)
	s := NewStream(bytes.NewReader([]byte(raw)), io.Discard)

	_, f1, err := s.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame 1: %v", err)
	}
	if f1 != ContentLength {
		t.Fatalf("framing 1 = %v, want ContentLength", f1)
	}

	_, f2, err := s.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame 2: %v", err)
	}
	if f2 != NDJSON {
		t.Fatalf("framing 2 = %v, want NDJSON", f2)
	}
}
