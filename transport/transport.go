// Package transport implements the dual-framing MCP stdio transport (spec
// §4.1, §6): frames may arrive as NDJSON (one JSON value, conventionally
// one per line, but read with a real JSON scanner rather than split on
// '\n' so a pretty-printed value still parses) or as Content-Length-prefixed
// HTTP-style frames, and a reply must be written back using the same
// framing the eliciting request used.
//
// The parsing rules are ported from original_source/src/mcp/transport.rs's
// extract_message/try_extract_*_message functions; the buffered-reader
// plumbing follows the teacher's main.go MessageScanner.
package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/dmccarthy/ra-mcp-bridge/protocol"
)

// Framing identifies which wire framing a message used.
type Framing int

const (
	NDJSON Framing = iota
	ContentLength
)

func (f Framing) String() string {
	if f == NDJSON {
		return "ndjson"
	}
	return "content-length"
}

// Stream reads and writes frames over a single connection (stdin/stdout, or
// a duplex pipe in tests). It is not reentrant across concurrent readers
// (spec §4.1) — callers must serialize ReadFrame calls themselves.
type Stream struct {
	r   *bufio.Reader
	w   io.Writer
	buf []byte
}

func NewStream(r io.Reader, w io.Writer) *Stream {
	return &Stream{r: bufio.NewReaderSize(r, 8192), w: w}
}

// ReadFrame returns the next frame's payload and its framing tag. It
// returns io.EOF (wrapped by neither Kind) when the stream is cleanly
// exhausted with no partial frame pending.
func (s *Stream) ReadFrame() ([]byte, Framing, error) {
	for {
		if payload, framing, ok, err := extractFrame(&s.buf); err != nil {
			return nil, 0, err
		} else if ok {
			return payload, framing, nil
		}

		chunk := make([]byte, 4096)
		n, err := s.r.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				return extractFrameAtEOF(&s.buf)
			}
			return nil, 0, protocol.Errorf(protocol.KindTransport, "read stream: %w", err)
		}
	}
}

// DiscardBuffer drops any buffered-but-unparsed bytes. The Server Loop calls
// this after a non-EOF ReadFrame error (malformed header, bad
// Content-Length) so the next ReadFrame call starts clean instead of
// re-parsing the same corrupt bytes forever (spec §4.1 — such errors are
// per-frame and recoverable, not fatal).
func (s *Stream) DiscardBuffer() {
	s.buf = nil
}

// WriteFrame emits payload using the requested framing.
func (s *Stream) WriteFrame(payload []byte, framing Framing) error {
	var err error
	switch framing {
	case NDJSON:
		_, err = s.w.Write(append(append([]byte{}, payload...), '\n'))
	case ContentLength:
		header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
		if _, werr := s.w.Write([]byte(header)); werr != nil {
			return protocol.Errorf(protocol.KindTransport, "write frame header: %w", werr)
		}
		_, err = s.w.Write(payload)
	default:
		return protocol.Errorf(protocol.KindTransport, "unknown framing %d", framing)
	}
	if err != nil {
		return protocol.Errorf(protocol.KindTransport, "write frame body: %w", err)
	}
	return nil
}

// extractFrame attempts to pull exactly one complete frame out of buf,
// consuming the bytes it used. ok is false when more input is needed.
func extractFrame(buf *[]byte) (payload []byte, framing Framing, ok bool, err error) {
	trimLeadingWhitespace(buf)
	if len(*buf) == 0 {
		return nil, 0, false, nil
	}

	if first := (*buf)[0]; first != '{' && first != '[' {
		payload, ok, err = extractContentLengthFrame(buf)
		return payload, ContentLength, ok, err
	}

	payload, ok, err = extractNDJSONFrame(buf)
	return payload, NDJSON, ok, err
}

// extractFrameAtEOF handles the end-of-stream case: a trailing NDJSON value
// with no terminating newline is still a valid frame; a partial
// Content-Length frame at EOF is a transport error.
func extractFrameAtEOF(buf *[]byte) ([]byte, Framing, error) {
	if payload, framing, ok, err := extractFrame(buf); err != nil {
		return nil, 0, err
	} else if ok {
		return payload, framing, nil
	}

	trimLeadingWhitespace(buf)
	if len(*buf) == 0 {
		return nil, 0, io.EOF
	}

	if startsWithContentLength(*buf) {
		return nil, 0, protocol.Errorf(protocol.KindTransport, "unexpected EOF mid Content-Length frame")
	}

	trailing := bytes.TrimSpace(*buf)
	*buf = nil
	if len(trailing) == 0 {
		return nil, 0, io.EOF
	}
	return trailing, NDJSON, nil
}

func extractContentLengthFrame(buf *[]byte) ([]byte, bool, error) {
	headerEnd, delimLen, found := findHeaderEnd(*buf)
	if !found {
		return nil, false, nil
	}

	length, err := parseContentLength((*buf)[:headerEnd])
	if err != nil {
		return nil, false, err
	}

	bodyStart := headerEnd + delimLen
	bodyEnd := bodyStart + length
	if len(*buf) < bodyEnd {
		return nil, false, nil
	}

	payload := make([]byte, length)
	copy(payload, (*buf)[bodyStart:bodyEnd])
	*buf = (*buf)[bodyEnd:]
	return payload, true, nil
}

// extractNDJSONFrame pulls one JSON value off the front of buf. It scans
// with encoding/json's own tokenizer (honouring strings and escapes, not a
// naive split on '\n') so a value a compliant peer pretty-printed across
// multiple lines is still read as a single frame, rather than being cut at
// the first embedded newline.
func extractNDJSONFrame(buf *[]byte) ([]byte, bool, error) {
	start := 0
	for start < len(*buf) && isASCIISpace((*buf)[start]) {
		start++
	}
	if start >= len(*buf) {
		*buf = (*buf)[start:]
		return nil, false, nil
	}

	dec := json.NewDecoder(bytes.NewReader((*buf)[start:]))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, false, nil
		}
		return nil, false, protocol.Errorf(protocol.KindTransport, "parse ndjson frame: %w", err)
	}

	consumed := start + int(dec.InputOffset())
	*buf = (*buf)[consumed:]

	payload := make([]byte, len(raw))
	copy(payload, raw)
	return payload, true, nil
}

func parseContentLength(headers []byte) (int, error) {
	for _, rawLine := range bytes.Split(headers, []byte("\n")) {
		line := bytes.TrimRight(rawLine, "\r")
		if len(line) == 0 {
			continue
		}

		colon := bytes.IndexByte(line, ':')
		if colon == -1 {
			continue
		}

		name := bytes.TrimSpace(line[:colon])
		if !bytes.EqualFold(name, []byte("Content-Length")) {
			continue
		}

		value := bytes.TrimSpace(line[colon+1:])
		n := 0
		for _, b := range value {
			if b < '0' || b > '9' {
				return 0, protocol.Errorf(protocol.KindTransport, "invalid Content-Length value %q", value)
			}
			n = n*10 + int(b-'0')
		}
		return n, nil
	}
	return 0, protocol.Errorf(protocol.KindTransport, "missing Content-Length header")
}

func trimLeadingWhitespace(buf *[]byte) {
	i := 0
	for i < len(*buf) && isASCIISpace((*buf)[i]) {
		i++
	}
	if i > 0 {
		*buf = (*buf)[i:]
	}
}

func isASCIISpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	default:
		return false
	}
}

func startsWithContentLength(buf []byte) bool {
	const prefix = "content-length:"
	if len(buf) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		if toLowerASCII(buf[i]) != prefix[i] {
			return false
		}
	}
	return true
}

func toLowerASCII(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

// findHeaderEnd locates the header/body delimiter, preferring the standard
// "\r\n\r\n" but also accepting a bare "\n\n" (spec §4.1 is lenient about
// header termination the way the original implementation is).
func findHeaderEnd(buf []byte) (index int, delimLen int, found bool) {
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i != -1 {
		return i, 4, true
	}
	if i := bytes.Index(buf, []byte("\n\n")); i != -1 {
		return i, 2, true
	}
	return 0, 0, false
}
