// Package tools implements the Tool Dispatcher (C6): the fixed ten-tool
// catalogue, minimal schema validation kept in lockstep with the handlers,
// lazy Session startup, and the MCP content-array result wrapping.
package tools

import (
	"context"
	"encoding/json"

	"github.com/dmccarthy/ra-mcp-bridge/protocol"
	"github.com/dmccarthy/ra-mcp-bridge/session"
)

// Handler invokes one catalogue entry's operation against sess.
type Handler func(ctx context.Context, sess *session.Session, args json.RawMessage) (any, error)

// Tool is one catalogue entry: its MCP-visible name/description/schema,
// and the handler that actually executes it. Keeping all three in one
// struct is what keeps schema and execution surface from drifting apart
// (spec §4.6).
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`

	handler Handler
	schema  schema
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, v); err != nil {
		return protocol.Errorf(protocol.KindProtocol, "decode tool arguments: %w", err)
	}
	return nil
}

type positionArgs struct {
	URI       string `json:"uri"`
	Line      int    `json:"line"`
	Character int    `json:"character"`
}

func positionHandler(op func(*session.Session, context.Context, string, int, int) (json.RawMessage, error)) Handler {
	return func(ctx context.Context, sess *session.Session, raw json.RawMessage) (any, error) {
		var a positionArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return op(sess, ctx, a.URI, a.Line, a.Character)
	}
}

// Catalogue is the fixed, load-bearing set of ten tools (spec §4.6).
var Catalogue = buildCatalogue()

func buildCatalogue() []Tool {
	positionSchema := objectSchema(map[string]schemaProperty{
		"uri":       prop("string"),
		"line":      prop("integer"),
		"character": prop("integer"),
	}, "uri", "line", "character")

	uriSchema := objectSchema(map[string]schemaProperty{
		"uri": prop("string"),
	}, "uri")

	tools := []Tool{
		{
			Name:        "hover",
			Description: "Show hover information for a position in a source file.",
			schema:      positionSchema,
			handler: positionHandler(func(s *session.Session, ctx context.Context, uri string, line, character int) (json.RawMessage, error) {
				return s.Hover(ctx, uri, line, character)
			}),
		},
		{
			Name:        "definition",
			Description: "Find the definition site for a symbol at a position.",
			schema:      positionSchema,
			handler: positionHandler(func(s *session.Session, ctx context.Context, uri string, line, character int) (json.RawMessage, error) {
				return s.Definition(ctx, uri, line, character)
			}),
		},
		{
			Name:        "references",
			Description: "Find references to the symbol at a position.",
			schema:      positionSchema,
			handler: positionHandler(func(s *session.Session, ctx context.Context, uri string, line, character int) (json.RawMessage, error) {
				return s.References(ctx, uri, line, character)
			}),
		},
		{
			Name:        "completion",
			Description: "Request completion candidates at a position.",
			schema:      positionSchema,
			handler: positionHandler(func(s *session.Session, ctx context.Context, uri string, line, character int) (json.RawMessage, error) {
				return s.Completion(ctx, uri, line, character)
			}),
		},
		{
			Name:        "symbols",
			Description: "List document symbols for a URI, or search workspace symbols by query.",
			schema: objectSchema(map[string]schemaProperty{
				"uri":   prop("string"),
				"query": prop("string"),
			}),
			handler: symbolsHandler,
		},
		{
			Name:        "format",
			Description: "Format a document and return its edit list.",
			schema:      uriSchema,
			handler: func(ctx context.Context, sess *session.Session, raw json.RawMessage) (any, error) {
				var a struct {
					URI string `json:"uri"`
				}
				if err := decodeArgs(raw, &a); err != nil {
					return nil, err
				}
				return sess.Format(ctx, a.URI)
			},
		},
		{
			Name:        "code_actions",
			Description: "List available code actions for a range, scoped to overlapping diagnostics.",
			schema: objectSchema(map[string]schemaProperty{
				"uri":             prop("string"),
				"start_line":      prop("integer"),
				"start_character": prop("integer"),
				"end_line":        prop("integer"),
				"end_character":   prop("integer"),
			}, "uri", "start_line", "start_character", "end_line", "end_character"),
			handler: codeActionsHandler,
		},
		{
			Name:        "set_workspace",
			Description: "Switch the active workspace root, restarting the analyzer session against it.",
			schema: objectSchema(map[string]schemaProperty{
				"path": prop("string"),
			}, "path"),
			handler: setWorkspaceHandler,
		},
		{
			Name:        "diagnostics",
			Description: "Return cached diagnostics for a single file, syncing and polling briefly if needed.",
			schema:      uriSchema,
			handler: func(ctx context.Context, sess *session.Session, raw json.RawMessage) (any, error) {
				var a struct {
					URI string `json:"uri"`
				}
				if err := decodeArgs(raw, &a); err != nil {
					return nil, err
				}
				diags, err := sess.Diagnostics(ctx, a.URI)
				if err != nil {
					return nil, err
				}
				if diags == nil {
					diags = []json.RawMessage{}
				}
				return diags, nil
			},
		},
		{
			Name:        "workspace_diagnostics",
			Description: "Return a workspace-wide diagnostics report with per-file lists and summary counters.",
			schema:      objectSchema(map[string]schemaProperty{}),
			handler: func(ctx context.Context, sess *session.Session, _ json.RawMessage) (any, error) {
				return sess.WorkspaceDiagnostics(ctx)
			},
		},
	}

	for i := range tools {
		tools[i].InputSchema = tools[i].schema.toJSON()
	}
	return tools
}

func symbolsHandler(ctx context.Context, sess *session.Session, raw json.RawMessage) (any, error) {
	var a struct {
		URI   string `json:"uri"`
		Query string `json:"query"`
	}
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if a.URI == "" && a.Query == "" {
		return nil, protocol.Errorf(protocol.KindProtocol, "symbols requires either uri or query")
	}
	return sess.Symbols(ctx, a.URI, a.Query)
}

func codeActionsHandler(ctx context.Context, sess *session.Session, raw json.RawMessage) (any, error) {
	var a struct {
		URI            string `json:"uri"`
		StartLine      int    `json:"start_line"`
		StartCharacter int    `json:"start_character"`
		EndLine        int    `json:"end_line"`
		EndCharacter   int    `json:"end_character"`
	}
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	return sess.CodeActions(ctx, a.URI, a.StartLine, a.StartCharacter, a.EndLine, a.EndCharacter)
}

func setWorkspaceHandler(ctx context.Context, sess *session.Session, raw json.RawMessage) (any, error) {
	var a struct {
		Path string `json:"path"`
	}
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := sess.SetWorkspace(ctx, a.Path); err != nil {
		return nil, err
	}
	return map[string]string{"root": sess.Root()}, nil
}

func find(name string) (Tool, bool) {
	for _, t := range Catalogue {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}
