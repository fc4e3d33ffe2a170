package tools

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dmccarthy/ra-mcp-bridge/protocol"
	"github.com/dmccarthy/ra-mcp-bridge/session"
)

// Dispatcher routes tools/call invocations to Session operations,
// starting the Session lazily against the configured default workspace
// root on first use (spec §4.6).
type Dispatcher struct {
	sess        *session.Session
	defaultRoot string

	startOnce sync.Mutex
}

// NewDispatcher wraps sess, deferring Start until the first Dispatch call
// (set_workspace excepted — it starts the session itself via SetWorkspace).
func NewDispatcher(sess *session.Session, defaultRoot string) *Dispatcher {
	return &Dispatcher{sess: sess, defaultRoot: defaultRoot}
}

// ensureStarted brings the Session up against defaultRoot unless it is
// already Ready. Checking live session state instead of a dispatcher-local
// flag means a prior set_workspace call (which starts the Session itself,
// against whatever root the caller chose) is correctly recognized as
// already-started — otherwise the next non-set_workspace call would
// restart the analyzer against the stale default root and orphan the
// child set_workspace just spawned.
func (d *Dispatcher) ensureStarted(ctx context.Context) error {
	d.startOnce.Lock()
	defer d.startOnce.Unlock()
	if d.sess.State() == session.Ready {
		return nil
	}
	return d.sess.Start(ctx, d.defaultRoot)
}

// Dispatch validates args against name's declared schema, lazily starts
// the Session if needed, invokes the handler, and wraps the result as the
// load-bearing MCP content array (spec §4.6, §6 — "MUST NOT change").
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args json.RawMessage) (any, error) {
	tool, ok := find(name)
	if !ok {
		return nil, protocol.Errorf(protocol.KindProtocol, "unknown tool %q", name)
	}

	if err := validate(tool.schema, args); err != nil {
		return nil, err
	}

	if name != "set_workspace" {
		if err := d.ensureStarted(ctx); err != nil {
			return nil, err
		}
	}

	result, err := tool.handler(ctx, d.sess, args)
	if err != nil {
		return nil, err
	}

	return wrapContent(result)
}

// wrapContent implements the fixed MCP tool-output shape: a content array
// with one text element whose body is the JSON serialization of result
// (spec §6 — load-bearing, MUST NOT change).
func wrapContent(result any) (any, error) {
	text, err := json.Marshal(result)
	if err != nil {
		return nil, protocol.Errorf(protocol.KindOperation, "marshal tool result: %w", err)
	}
	return map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": string(text)},
		},
	}, nil
}
