// Package session implements the LSP Client Session (C4): the lifecycle
// state machine, the handshake with the analyzer child, the Capability
// Memo, the Open Document Registry with its didOpen/didChange/didSave
// sequencing, and the high-level operations the Tool Dispatcher calls.
//
// The document precondition logic is a direct, generalized port of
// RustAnalyzerClient::open_document and the handler bodies in
// original_source/src/lsp/{client,handlers}.rs; the guarded-map idiom for
// the registry follows the teacher's store.Store Get/Set shape.
package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/dmccarthy/ra-mcp-bridge/analyzer"
	"github.com/dmccarthy/ra-mcp-bridge/protocol"
)

// State is the Session's lifecycle stage (spec §4.4).
type State int

const (
	Unstarted State = iota
	Starting
	Ready
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options carries every environment-sensitive reliability knob the session
// needs, sourced from config/ (CLI flags and/or a TOML file).
type Options struct {
	AnalyzerBinary string
	AnalyzerArgs   []string
	EnvPassthrough []string

	RequestTimeout     time.Duration
	DocumentOpenDelay  time.Duration
	DiagnosticsPoll    time.Duration
	DiagnosticsDeadline time.Duration
	KillDeadline       time.Duration

	// WorkspaceConfig is sent as the "settings" field of
	// workspace/didChangeConfiguration's params right after initialized, if
	// non-nil (spec §4 supplement).
	WorkspaceConfig any
	// PostInitNotification, if non-empty, is sent best-effort as a
	// notification after initialize; a send error is ignored (spec §4
	// supplement).
	PostInitNotification string

	FallbackSweepCap int
}

// DefaultOptions returns the reliability knobs at the values the teacher's
// Rust ancestor hard-coded as constants, now configurable.
func DefaultOptions() Options {
	return Options{
		AnalyzerArgs:        nil,
		RequestTimeout:      30 * time.Second,
		DocumentOpenDelay:   300 * time.Millisecond,
		DiagnosticsPoll:     150 * time.Millisecond,
		DiagnosticsDeadline: 5 * time.Second,
		KillDeadline:        3 * time.Second,
		FallbackSweepCap:    128,
	}
}

type openDocument struct {
	Version int
	Content string
}

// documentRegistry is a mutex-guarded map following the teacher's
// store.Store idiom, specialized to the Open Document Registry's shape.
type documentRegistry struct {
	mu   sync.RWMutex
	docs map[string]*openDocument
}

func newDocumentRegistry() *documentRegistry {
	return &documentRegistry{docs: make(map[string]*openDocument)}
}

func (r *documentRegistry) get(uri string) (*openDocument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[uri]
	return d, ok
}

func (r *documentRegistry) set(uri string, doc *openDocument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[uri] = doc
}

func (r *documentRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = make(map[string]*openDocument)
}

// capabilityMemo is computed once at initialize (spec §3).
type capabilityMemo struct {
	workspaceDiagnosticsSupported bool
}

// Session owns the analyzer child connection, the Open Document Registry,
// and the Capability Memo for the lifetime of one workspace (spec §3
// ownership: "the Session exclusively owns the child process handle...").
type Session struct {
	opts   Options
	logger *slog.Logger

	mu    sync.RWMutex
	state State
	root  string
	conn  *analyzer.Connection
	cap   capabilityMemo

	docs *documentRegistry
}

// New creates a Session in the Unstarted state. It does not spawn anything
// until Start is called.
func New(opts Options, logger *slog.Logger) *Session {
	return &Session{
		opts:   opts,
		logger: logger,
		state:  Unstarted,
		docs:   newDocumentRegistry(),
	}
}

// State returns the session's current lifecycle stage.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Root returns the canonicalized workspace root the session was started
// with, or "" if it has never been started.
func (s *Session) Root() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

// Start spawns the analyzer child, performs the initialize/initialized
// handshake against root, and transitions to Ready (spec §4.4 start).
func (s *Session) Start(ctx context.Context, root string) error {
	absRoot, err := canonicalizeRoot(root)
	if err != nil {
		s.setState(Failed)
		return protocol.Errorf(protocol.KindSession, "resolve workspace root %q: %w", root, err)
	}

	conn, err := analyzer.Spawn(s.opts.AnalyzerBinary, s.opts.AnalyzerArgs, absRoot, s.opts.EnvPassthrough, s.logger)
	if err != nil {
		s.setState(Failed)
		return protocol.Errorf(protocol.KindSession, "spawn analyzer: %w", err)
	}

	return s.StartWithConnection(ctx, absRoot, conn)
}

// StartWithConnection runs the handshake against an already-established
// connection, skipping Spawn. Start uses it for the subprocess case;
// callers that already own a wired analyzer.Connection (including tests
// driving a fake child over analyzer.Wrap) can use it directly.
func (s *Session) StartWithConnection(ctx context.Context, absRoot string, conn *analyzer.Connection) error {
	s.setState(Starting)

	s.mu.Lock()
	prev := s.conn
	s.conn = conn
	s.root = absRoot
	s.mu.Unlock()

	if prev != nil {
		_ = prev.Close(s.opts.KillDeadline)
	}

	if err := s.handshake(ctx); err != nil {
		s.setState(Failed)
		_ = conn.Close(s.opts.KillDeadline)
		return err
	}

	s.docs.clear()
	s.setState(Ready)
	s.logger.Info("session ready", "root", absRoot)
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	rootURI := pathToURI(s.root)

	initParams := map[string]any{
		"processId": os.Getpid(),
		"rootUri":   rootURI,
		"capabilities": map[string]any{
			"textDocument": map[string]any{
				"hover":          map[string]any{"contentFormat": []string{"markdown", "plaintext"}},
				"completion":     map[string]any{"completionItem": map[string]any{"snippetSupport": true}},
				"definition":     map[string]any{"linkSupport": true},
				"references":     map[string]any{},
				"documentSymbol": map[string]any{},
				"codeAction": map[string]any{
					"codeActionLiteralSupport": map[string]any{
						"codeActionKind": map[string]any{
							"valueSet": []string{"quickfix", "refactor", "refactor.extract", "refactor.inline", "refactor.rewrite", "source", "source.organizeImports"},
						},
					},
					"resolveSupport": map[string]any{"properties": []string{"edit"}},
				},
				"publishDiagnostics": map[string]any{"relatedInformation": true},
				"formatting":         map[string]any{},
			},
			"workspace": map[string]any{
				"didChangeConfiguration": map[string]any{"dynamicRegistration": false},
			},
		},
	}

	raw, err := s.request(ctx, "initialize", initParams)
	if err != nil {
		return protocol.Errorf(protocol.KindSession, "initialize handshake failed: %w", err)
	}

	s.mu.Lock()
	s.cap.workspaceDiagnosticsSupported = extractWorkspaceDiagnosticsSupported(raw)
	s.mu.Unlock()

	if err := s.conn.Notify(ctx, "initialized", map[string]any{}); err != nil {
		return protocol.Errorf(protocol.KindSession, "send initialized: %w", err)
	}

	if s.opts.WorkspaceConfig != nil {
		_ = s.conn.Notify(ctx, "workspace/didChangeConfiguration", map[string]any{"settings": s.opts.WorkspaceConfig})
	}

	if s.opts.PostInitNotification != "" {
		_ = s.conn.Notify(ctx, s.opts.PostInitNotification, nil)
	}

	return nil
}

// SetWorkspace switches the session to root. If already Ready on the same
// root it is a no-op; otherwise the current session is shut down and a new
// one started (spec §4.4 set_workspace).
func (s *Session) SetWorkspace(ctx context.Context, root string) error {
	absRoot, err := canonicalizeRoot(root)
	if err != nil {
		return protocol.Errorf(protocol.KindSession, "resolve workspace root %q: %w", root, err)
	}

	if s.State() == Ready && s.Root() == absRoot {
		return nil
	}

	if s.State() != Unstarted && s.State() != Closed && s.State() != Failed {
		if err := s.Shutdown(ctx); err != nil {
			s.logger.Warn("shutdown before workspace switch returned an error", "error", err)
		}
	}

	return s.Start(ctx, absRoot)
}

// Shutdown sends shutdown+exit to the child, then kills it if it has not
// exited within the configured kill deadline (spec §4.4 shutdown).
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	wasReady := s.state == Ready
	s.state = Closed
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	if wasReady {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
		_, _ = conn.Request(shutdownCtx, s.opts.RequestTimeout, "shutdown", nil)
		cancel()
		_ = conn.Notify(ctx, "exit", nil)
	}

	s.docs.clear()
	return conn.Close(s.opts.KillDeadline)
}

// request issues an LSP request with the session's configured timeout,
// requiring the connection to exist; it does not require Ready so the
// handshake itself can use it.
func (s *Session) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return nil, protocol.Errorf(protocol.KindSession, "session has no active connection")
	}
	return conn.Request(ctx, s.opts.RequestTimeout, method, params)
}

// connection returns the current analyzer connection under a read lock, so
// operations never race a concurrent SetWorkspace swap.
func (s *Session) connection() *analyzer.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// requireReady guards every high-level operation against being called
// outside the Ready state (spec §4.4 "Subsequent sends require Ready").
func (s *Session) requireReady() error {
	if st := s.State(); st != Ready {
		return protocol.Errorf(protocol.KindSession, "session is not ready (state=%s)", st)
	}
	return nil
}

func canonicalizeRoot(root string) (string, error) {
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Non-existent paths can't be resolved; fall back to the absolute
		// form rather than fail the whole start sequence on it.
		return abs, nil
	}
	return resolved, nil
}

func pathToURI(path string) string {
	if strings.HasPrefix(path, "file://") {
		return path
	}
	return "file://" + path
}

func uriToPath(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

func extractWorkspaceDiagnosticsSupported(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	var resp struct {
		Capabilities struct {
			DiagnosticProvider struct {
				WorkspaceDiagnostics bool `json:"workspaceDiagnostics"`
			} `json:"diagnosticProvider"`
		} `json:"capabilities"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false
	}
	return resp.Capabilities.DiagnosticProvider.WorkspaceDiagnostics
}

// workspaceDiagnosticsSupported reports the Capability Memo's recorded
// value for the diagnostics path's pull-vs-fallback choice (spec §4.5).
func (s *Session) workspaceDiagnosticsSupported() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cap.workspaceDiagnosticsSupported
}
