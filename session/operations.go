package session

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/dmccarthy/ra-mcp-bridge/diagnostics"
	"github.com/dmccarthy/ra-mcp-bridge/protocol"
)

// ensureDocument implements the document preconditions spec §4.4 requires
// before any position-addressed operation: read from disk, open if absent,
// change if the content differs, clearing the diagnostics cache and
// sending didSave around the change so a later poll never observes stale
// entries tagged to old content.
func (s *Session) ensureDocument(ctx context.Context, uri string) error {
	conn := s.connection()
	content, err := os.ReadFile(uriToPath(uri))
	if err != nil {
		return protocol.Errorf(protocol.KindOperation, "read %s: %w", uri, err)
	}

	existing, ok := s.docs.get(uri)

	switch {
	case ok && existing.Content == string(content):
		return nil

	case ok:
		version := existing.Version + 1
		s.docs.set(uri, &openDocument{Version: version, Content: string(content)})

		conn.ClearDiagnostics(uri)

		params := map[string]any{
			"textDocument": map[string]any{"uri": uri, "version": version},
			"contentChanges": []map[string]any{
				{"text": string(content)},
			},
		}
		if err := conn.Notify(ctx, "textDocument/didChange", params); err != nil {
			return protocol.Errorf(protocol.KindOperation, "didChange %s: %w", uri, err)
		}

	default:
		s.docs.set(uri, &openDocument{Version: 1, Content: string(content)})
		conn.ClearDiagnostics(uri)

		params := map[string]any{
			"textDocument": map[string]any{
				"uri":        uri,
				"languageId": "plaintext",
				"version":    1,
				"text":       string(content),
			},
		}
		if err := conn.Notify(ctx, "textDocument/didOpen", params); err != nil {
			return protocol.Errorf(protocol.KindOperation, "didOpen %s: %w", uri, err)
		}
	}

	saveParams := map[string]any{"textDocument": map[string]any{"uri": uri}}
	if err := conn.Notify(ctx, "textDocument/didSave", saveParams); err != nil {
		return protocol.Errorf(protocol.KindOperation, "didSave %s: %w", uri, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.opts.DocumentOpenDelay):
	}
	return nil
}

func positionParams(uri string, line, character int) map[string]any {
	return map[string]any{
		"textDocument": map[string]any{"uri": uri},
		"position":     map[string]any{"line": line, "character": character},
	}
}

// Hover issues textDocument/hover and returns the raw result.
func (s *Session) Hover(ctx context.Context, uri string, line, character int) (json.RawMessage, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	if err := s.ensureDocument(ctx, uri); err != nil {
		return nil, err
	}
	return s.request(ctx, "textDocument/hover", positionParams(uri, line, character))
}

// Definition issues textDocument/definition and returns the raw result.
func (s *Session) Definition(ctx context.Context, uri string, line, character int) (json.RawMessage, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	if err := s.ensureDocument(ctx, uri); err != nil {
		return nil, err
	}
	return s.request(ctx, "textDocument/definition", positionParams(uri, line, character))
}

// References issues textDocument/references, always including the
// declaration itself (spec §4.4 "issue the corresponding LSP request").
func (s *Session) References(ctx context.Context, uri string, line, character int) (json.RawMessage, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	if err := s.ensureDocument(ctx, uri); err != nil {
		return nil, err
	}
	params := positionParams(uri, line, character)
	params["context"] = map[string]any{"includeDeclaration": true}
	return s.request(ctx, "textDocument/references", params)
}

// Completion issues textDocument/completion and returns the raw result.
func (s *Session) Completion(ctx context.Context, uri string, line, character int) (json.RawMessage, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	if err := s.ensureDocument(ctx, uri); err != nil {
		return nil, err
	}
	return s.request(ctx, "textDocument/completion", positionParams(uri, line, character))
}

// CodeActions issues textDocument/codeAction for the given range, scoping
// the diagnostics it attaches to those overlapping the range (ported from
// handlers.rs::code_actions).
func (s *Session) CodeActions(ctx context.Context, uri string, startLine, startChar, endLine, endChar int) (json.RawMessage, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	if err := s.ensureDocument(ctx, uri); err != nil {
		return nil, err
	}

	diags, _ := s.Diagnostics(ctx, uri)
	filtered := diagnostics.FilterInRange(diags, startLine, endLine)

	params := map[string]any{
		"textDocument": map[string]any{"uri": uri},
		"range": map[string]any{
			"start": map[string]any{"line": startLine, "character": startChar},
			"end":   map[string]any{"line": endLine, "character": endChar},
		},
		"context": map[string]any{
			"diagnostics": filtered,
			"only":        []string{"quickfix", "refactor", "refactor.extract", "refactor.inline", "refactor.rewrite", "source"},
		},
	}
	return s.request(ctx, "textDocument/codeAction", params)
}

// Symbols issues textDocument/documentSymbol for uri, or workspace/symbol
// when a non-empty query is given (spec §4.4 symbols).
func (s *Session) Symbols(ctx context.Context, uri, query string) (json.RawMessage, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}

	if query != "" {
		return s.request(ctx, "workspace/symbol", map[string]any{"query": query})
	}

	if err := s.ensureDocument(ctx, uri); err != nil {
		return nil, err
	}
	return s.request(ctx, "textDocument/documentSymbol", map[string]any{
		"textDocument": map[string]any{"uri": uri},
	})
}

// Format issues textDocument/formatting and returns the edit list.
func (s *Session) Format(ctx context.Context, uri string) (json.RawMessage, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	if err := s.ensureDocument(ctx, uri); err != nil {
		return nil, err
	}
	params := map[string]any{
		"textDocument": map[string]any{"uri": uri},
		"options":      map[string]any{"tabSize": 4, "insertSpaces": true},
	}
	return s.request(ctx, "textDocument/formatting", params)
}

// Diagnostics ensures uri is open and current, then polls the push cache
// on DiagnosticsPoll until either diagnostics arrive or DiagnosticsDeadline
// elapses, returning whatever is cached (spec §4.4, §4.5 single-file path).
func (s *Session) Diagnostics(ctx context.Context, uri string) ([]json.RawMessage, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	if err := s.ensureDocument(ctx, uri); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(s.opts.DiagnosticsDeadline)
	for {
		if diags := s.connection().Diagnostics(uri); len(diags) > 0 {
			return diags, nil
		}
		if time.Now().After(deadline) {
			return s.connection().Diagnostics(uri), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.opts.DiagnosticsPoll):
		}
	}
}

// WorkspaceDiagnostics implements the hard path (spec §4.5): prefer
// workspace/diagnostic when the Capability Memo says it's supported,
// normalize either response shape, and fall back to the sweep-and-poll
// path when the analyzer doesn't support it or its response doesn't
// normalize.
func (s *Session) WorkspaceDiagnostics(ctx context.Context) (diagnostics.Report, error) {
	if err := s.requireReady(); err != nil {
		return diagnostics.Report{}, err
	}

	if s.workspaceDiagnosticsSupported() {
		raw, err := s.request(ctx, "workspace/diagnostic", map[string]any{
			"identifier":       "analyzer",
			"previousResultId": nil,
		})
		if err == nil {
			if files, ok := diagnostics.Normalize(raw); ok && len(files) > 0 {
				return diagnostics.Report{Files: files, Summary: diagnostics.Summarize(files)}, nil
			}
		} else {
			s.logger.Debug("workspace/diagnostic request failed, falling back", "error", err)
		}
	}

	return s.workspaceDiagnosticsFallback(ctx)
}

func (s *Session) workspaceDiagnosticsFallback(ctx context.Context) (diagnostics.Report, error) {
	conn := s.connection()
	all := conn.AllDiagnostics()

	if len(all) == 0 {
		for _, path := range diagnostics.FallbackSweep(s.Root(), s.opts.FallbackSweepCap) {
			uri := pathToURI(path)
			if err := s.ensureDocument(ctx, uri); err != nil {
				s.logger.Debug("fallback sweep open failed, skipping file", "uri", uri, "error", err)
				continue
			}
		}

		select {
		case <-ctx.Done():
			return diagnostics.Report{}, ctx.Err()
		case <-time.After(s.opts.DiagnosticsDeadline):
		}

		all = conn.AllDiagnostics()
	}

	return diagnostics.Report{Files: all, Summary: diagnostics.Summarize(all)}, nil
}
