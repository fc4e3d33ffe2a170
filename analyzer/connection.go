// Package analyzer spawns and supervises the external language-analysis
// child process (C3). It owns the child's stdio, the JSON-RPC connection to
// it, the push Diagnostics Cache, and a bounded stderr log. Response
// correlation against the request/response stream is delegated to
// sourcegraph/jsonrpc2's Conn, which implements exactly the one-shot
// pending-slot semantics spec §3 describes; this type layers an outstanding-
// call counter on top so callers can observe when the Pending Request Table
// has drained (spec §8 invariant: empty whenever Closed).
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/dmccarthy/ra-mcp-bridge/protocol"

	"log/slog"
)

const maxStderrLines = 200

// stdioRWC adapts a child's separate stdin/stdout pipes into the single
// io.ReadWriteCloser jsonrpc2.NewBufferedStream expects.
type stdioRWC struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (s stdioRWC) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s stdioRWC) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s stdioRWC) Close() error {
	werr := s.w.Close()
	rerr := s.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Connection is a live child process plus its JSON-RPC transport. The child
// speaks Content-Length framing exclusively (spec §4.3, §6).
type Connection struct {
	cmd    *exec.Cmd
	conn   *jsonrpc2.Conn
	logger *slog.Logger

	outstanding atomic.Int64

	mu          sync.RWMutex
	diagnostics map[string][]json.RawMessage

	stderrMu  sync.Mutex
	stderrLog []string

	deadMu  sync.Mutex
	dead    bool
	deadErr error
	doneCh  chan struct{}
}

// Spawn starts the analyzer binary with stdio piped, wires the
// Content-Length JSON-RPC codec over it, and begins pumping stdout/stderr.
// The child inherits the bridge's whole environment; each name in env that
// is set is appended again with its current value, so the list does not
// restrict or add to what the child sees (spec §9 supplement: generalized
// env passthrough).
func Spawn(binary string, args []string, dir string, env []string, logger *slog.Logger) (*Connection, error) {
	cmd := exec.Command(binary, args...)
	cmd.Dir = dir
	cmd.Env = passthroughEnv(env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, protocol.Errorf(protocol.KindSession, "open analyzer stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, protocol.Errorf(protocol.KindSession, "open analyzer stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, protocol.Errorf(protocol.KindSession, "open analyzer stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, protocol.Errorf(protocol.KindSession, "start analyzer %q: %w", binary, err)
	}

	stream := jsonrpc2.NewBufferedStream(stdioRWC{r: stdout, w: stdin}, jsonrpc2.VSCodeObjectCodec{})
	c := Wrap(stream, logger)
	c.cmd = cmd

	go c.drainStderr(stderr)
	go c.awaitExit()

	return c, nil
}

// Wrap wires the JSON-RPC connection over an arbitrary stream without
// spawning a process. Spawn uses it for the subprocess case; it is also
// exported so callers (and tests) that already own a connected duplex
// stream to an analyzer can use it directly.
func Wrap(stream jsonrpc2.ObjectStream, logger *slog.Logger) *Connection {
	c := &Connection{
		logger:      logger,
		diagnostics: make(map[string][]json.RawMessage),
		doneCh:      make(chan struct{}),
	}
	c.conn = jsonrpc2.NewConn(context.Background(), stream, jsonrpc2.HandlerWithError(c.handle))
	return c
}

func passthroughEnv(names []string) []string {
	env := os.Environ()
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, fmt.Sprintf("%s=%s", name, v))
		}
	}
	return env
}

// handle is the jsonrpc2.Handler for everything the child sends that is not
// a response to one of our requests: publishDiagnostics notifications
// update the push cache; everything else is accepted and discarded (spec
// §4.3 — "no client-initiated capabilities beyond logging are required").
func (c *Connection) handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	if req.Method != "textDocument/publishDiagnostics" || req.Params == nil {
		return nil, nil
	}

	var params struct {
		URI         string            `json:"uri"`
		Diagnostics []json.RawMessage `json:"diagnostics"`
	}
	if err := json.Unmarshal(*req.Params, &params); err != nil {
		c.logger.Warn("malformed publishDiagnostics notification", "error", err)
		return nil, nil
	}

	c.mu.Lock()
	c.diagnostics[params.URI] = params.Diagnostics
	c.mu.Unlock()
	return nil, nil
}

func (c *Connection) drainStderr(r io.ReadCloser) {
	defer r.Close()
	buf := make([]byte, 4096)
	var line []byte
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			if b == '\n' {
				c.appendStderr(string(line))
				line = line[:0]
				continue
			}
			line = append(line, b)
		}
		if err != nil {
			if len(line) > 0 {
				c.appendStderr(string(line))
			}
			return
		}
	}
}

func (c *Connection) appendStderr(line string) {
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()
	c.stderrLog = append(c.stderrLog, line)
	if len(c.stderrLog) > maxStderrLines {
		c.stderrLog = c.stderrLog[len(c.stderrLog)-maxStderrLines:]
	}
}

// StderrTail returns the most recent captured stderr lines (diagnostic aid
// only — its content never affects correctness, per spec §4.3).
func (c *Connection) StderrTail() []string {
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()
	out := make([]string, len(c.stderrLog))
	copy(out, c.stderrLog)
	return out
}

func (c *Connection) awaitExit() {
	err := c.cmd.Wait()
	exitErr := protocol.Errorf(protocol.KindSession, "analyzer process exited: %w", err)
	if err == nil {
		exitErr = protocol.Errorf(protocol.KindSession, "analyzer process exited")
	}
	c.markDead(exitErr)
	_ = c.conn.Close()
	c.logger.Warn("analyzer process exited", "error", err)
}

// Alive reports whether the child is still running.
func (c *Connection) Alive() bool {
	c.deadMu.Lock()
	defer c.deadMu.Unlock()
	return !c.dead
}

// Outstanding returns the number of in-flight requests, for the Pending
// Request Table emptiness invariant (spec §8).
func (c *Connection) Outstanding() int64 {
	return c.outstanding.Load()
}

// Request issues an LSP request and waits for its response, bounded by
// timeout. A deadline expiry surfaces as a KindTimeout error; any other
// failure (including the child having exited) surfaces as KindOperation or
// KindSession respectively.
func (c *Connection) Request(ctx context.Context, timeout time.Duration, method string, params any) (json.RawMessage, error) {
	if !c.Alive() {
		return nil, protocol.Errorf(protocol.KindSession, "analyzer connection is closed")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.outstanding.Add(1)
	defer c.outstanding.Add(-1)

	var raw json.RawMessage
	if err := c.conn.Call(ctx, method, params, &raw); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, protocol.Errorf(protocol.KindTimeout, "lsp request %s timed out: %w", method, err)
		}
		if !c.Alive() {
			return nil, protocol.Errorf(protocol.KindSession, "analyzer connection closed during %s: %w", method, err)
		}
		return nil, protocol.Errorf(protocol.KindOperation, "lsp request %s failed: %w", method, err)
	}
	return raw, nil
}

// Notify sends a fire-and-forget LSP notification.
func (c *Connection) Notify(ctx context.Context, method string, params any) error {
	if !c.Alive() {
		return protocol.Errorf(protocol.KindSession, "analyzer connection is closed")
	}
	if err := c.conn.Notify(ctx, method, params); err != nil {
		return protocol.Errorf(protocol.KindSession, "lsp notify %s failed: %w", method, err)
	}
	return nil
}

// Diagnostics returns the cached push-diagnostics for uri.
func (c *Connection) Diagnostics(uri string) []json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.diagnostics[uri]
}

// AllDiagnostics returns a snapshot of the entire push cache.
func (c *Connection) AllDiagnostics() map[string][]json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]json.RawMessage, len(c.diagnostics))
	for uri, diags := range c.diagnostics {
		out[uri] = diags
	}
	return out
}

// ClearDiagnostics removes the cached entry for uri so a stale result cannot
// be observed while a didChange is in flight (spec §3, §8 invariant).
func (c *Connection) ClearDiagnostics(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.diagnostics, uri)
}

// Close shuts down the JSON-RPC connection and kills the child if it is
// still alive, waiting up to killTimeout before giving up on a clean exit.
func (c *Connection) Close(killTimeout time.Duration) error {
	_ = c.conn.Close()

	if c.cmd == nil {
		c.markDead(nil)
		return nil
	}

	if !c.Alive() {
		return nil
	}

	select {
	case <-c.doneCh:
		return nil
	case <-time.After(killTimeout):
	}

	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	<-c.doneCh
	return nil
}

func (c *Connection) markDead(err error) {
	c.deadMu.Lock()
	defer c.deadMu.Unlock()
	if c.dead {
		return
	}
	c.dead = true
	c.deadErr = err
	select {
	case <-c.doneCh:
	default:
		close(c.doneCh)
	}
}
