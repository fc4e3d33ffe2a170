// Package server implements the Server Loop (C7): read a frame, classify it
// as a request or a notification by the presence of id, route requests by
// method, and write every response back through the same framing tag the
// eliciting frame carried.
//
// Grounded on original_source/src/mcp/server.rs's run_with_streams/
// handle_request (method routing, ctrl_c-triggered shutdown) and the
// teacher's main.go read loop (read-dispatch-respond shape over stdin).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmccarthy/ra-mcp-bridge/protocol"
	"github.com/dmccarthy/ra-mcp-bridge/session"
	"github.com/dmccarthy/ra-mcp-bridge/tools"
	"github.com/dmccarthy/ra-mcp-bridge/transport"
)

// Options carries the identity the server reports in its initialize
// response (spec §6 — "serverInfo.version equal to the package's own
// version string").
type Options struct {
	Name    string
	Version string
}

func DefaultOptions() Options {
	return Options{Name: "ra-mcp-bridge", Version: "0.1.0"}
}

// Server owns the MCP transport and routes frames to the Tool Dispatcher
// for the lifetime of the process (spec §4 — "the Server Loop owns the
// Transport and the LSP Client Session").
type Server struct {
	stream     *transport.Stream
	dispatcher *tools.Dispatcher
	sess       *session.Session
	logger     *slog.Logger
	opts       Options
}

func New(stream *transport.Stream, dispatcher *tools.Dispatcher, sess *session.Session, logger *slog.Logger, opts Options) *Server {
	return &Server{stream: stream, dispatcher: dispatcher, sess: sess, logger: logger, opts: opts}
}

// Run reads frames until ctx is cancelled or the transport hits a clean
// EOF, then shuts the Session down. Only unrecoverable transport I/O
// (EOF, or ctx cancellation from Ctrl-C/SIGTERM) stops the loop; per-frame
// transport and protocol errors are logged and skipped (spec §7).
func (s *Server) Run(ctx context.Context) error {
	defer s.shutdown(context.Background())

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		payload, framing, err := s.stream.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			s.logger.Warn("discarding malformed MCP frame", "error", err)
			s.stream.DiscardBuffer()
			continue
		}

		msg, err := protocol.ParseMessage(payload)
		if err != nil {
			s.logger.Warn("dropping unparseable MCP message", "error", err)
			continue
		}

		correlationID := uuid.NewString()
		log := s.logger.With("correlation_id", correlationID, "method", msg.Method)

		if msg.IsNotification() {
			s.handleNotification(ctx, log, msg)
			continue
		}

		response := s.handleRequest(ctx, log, msg)
		out, err := json.Marshal(response)
		if err != nil {
			log.Error("marshal MCP response", "error", err)
			continue
		}
		if err := s.stream.WriteFrame(out, framing); err != nil {
			log.Error("write MCP response", "error", err)
			return protocol.Errorf(protocol.KindTransport, "write MCP response: %w", err)
		}
	}
}

func (s *Server) handleNotification(ctx context.Context, log *slog.Logger, msg *protocol.Message) {
	switch msg.Method {
	case "notifications/initialized":
		log.Debug("client initialized")
	default:
		log.Debug("ignoring unhandled notification")
	}
}

func (s *Server) handleRequest(ctx context.Context, log *slog.Logger, msg *protocol.Message) *protocol.Message {
	log.Debug("handling request")

	switch msg.Method {
	case "initialize":
		return s.handleInitialize(msg)
	case "ping":
		result, _ := protocol.NewResult(msg.ID, map[string]any{})
		return result
	case "tools/list":
		result, err := protocol.NewResult(msg.ID, map[string]any{"tools": tools.Catalogue})
		if err != nil {
			return protocol.NewErrorResult(msg.ID, protocol.ErrCodeInternal, err.Error())
		}
		return result
	case "tools/call":
		return s.handleToolsCall(ctx, log, msg)
	default:
		return protocol.NewErrorResult(msg.ID, protocol.ErrCodeMethodNotFound, "method not found: "+msg.Method)
	}
}

func (s *Server) handleInitialize(msg *protocol.Message) *protocol.Message {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(msg.Params) > 0 {
		_ = json.Unmarshal(msg.Params, &params)
	}
	if params.ProtocolVersion == "" {
		params.ProtocolVersion = "2024-11-05"
	}

	result, err := protocol.NewResult(msg.ID, map[string]any{
		"protocolVersion": params.ProtocolVersion,
		"serverInfo": map[string]string{
			"name":    s.opts.Name,
			"version": s.opts.Version,
		},
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
	})
	if err != nil {
		return protocol.NewErrorResult(msg.ID, protocol.ErrCodeInternal, err.Error())
	}
	return result
}

func (s *Server) handleToolsCall(ctx context.Context, log *slog.Logger, msg *protocol.Message) *protocol.Message {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if len(msg.Params) == 0 {
		return protocol.NewErrorResult(msg.ID, protocol.ErrCodeInvalidParams, "invalid params")
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return protocol.NewErrorResult(msg.ID, protocol.ErrCodeInvalidParams, "missing tool name")
	}
	if len(params.Arguments) == 0 {
		params.Arguments = json.RawMessage(`{}`)
	}

	result, err := s.dispatcher.Dispatch(ctx, params.Name, params.Arguments)
	if err != nil {
		log.Warn("tool call failed", "tool", params.Name, "error", err)
		return protocol.NewErrorResult(msg.ID, protocol.ErrCodeInternal, err.Error())
	}

	response, err := protocol.NewResult(msg.ID, result)
	if err != nil {
		return protocol.NewErrorResult(msg.ID, protocol.ErrCodeInternal, err.Error())
	}
	return response
}

func (s *Server) shutdown(ctx context.Context) {
	s.logger.Info("shutting down")
	if err := s.sess.Shutdown(ctx); err != nil {
		s.logger.Warn("session shutdown", "error", err)
	}
}
