package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/require"

	"github.com/dmccarthy/ra-mcp-bridge/analyzer"
	"github.com/dmccarthy/ra-mcp-bridge/session"
	"github.com/dmccarthy/ra-mcp-bridge/tools"
	"github.com/dmccarthy/ra-mcp-bridge/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() session.Options {
	opts := session.DefaultOptions()
	opts.RequestTimeout = time.Second
	opts.DocumentOpenDelay = 5 * time.Millisecond
	opts.DiagnosticsPoll = 5 * time.Millisecond
	opts.DiagnosticsDeadline = 50 * time.Millisecond
	opts.KillDeadline = 50 * time.Millisecond
	return opts
}

// newReadyTestServer wires a Server over an in-memory MCP pipe and a
// Session already driven to Ready against a fake analyzer child, mirroring
// the net.Pipe pattern session/ and tools/ use to avoid spawning a real
// process or running the Go toolchain.
func newReadyTestServer(t *testing.T) (*Server, *bufio.ReadWriter, func()) {
	t.Helper()

	childClient, childServer := net.Pipe()
	t.Cleanup(func() { childClient.Close(); childServer.Close() })

	handler := jsonrpc2.HandlerWithError(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		switch req.Method {
		case "initialize":
			return map[string]any{"capabilities": map[string]any{}}, nil
		default:
			return map[string]any{}, nil
		}
	})
	serverStream := jsonrpc2.NewBufferedStream(childServer, jsonrpc2.VSCodeObjectCodec{})
	jsonrpc2.NewConn(context.Background(), serverStream, handler)

	clientStream := jsonrpc2.NewBufferedStream(childClient, jsonrpc2.VSCodeObjectCodec{})
	conn := analyzer.Wrap(clientStream, testLogger())

	sess := session.New(testOptions(), testLogger())
	root := t.TempDir()
	require.NoError(t, sess.StartWithConnection(context.Background(), root, conn))

	dispatcher := tools.NewDispatcher(sess, root)

	mcpClient, mcpServer := net.Pipe()
	t.Cleanup(func() { mcpClient.Close(); mcpServer.Close() })

	stream := transport.NewStream(mcpServer, mcpServer)
	srv := New(stream, dispatcher, sess, testLogger(), DefaultOptions())

	clientRW := bufio.NewReadWriter(bufio.NewReader(mcpClient), bufio.NewWriter(mcpClient))
	return srv, clientRW, func() { mcpClient.Close() }
}

func writeContentLength(t *testing.T, w *bufio.ReadWriter, body []byte) {
	t.Helper()
	_, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(body))
	require.NoError(t, err)
	_, err = w.Write(body)
	require.NoError(t, err)
	require.NoError(t, w.Flush())
}

func readContentLength(t *testing.T, r *bufio.ReadWriter) map[string]any {
	t.Helper()

	var header bytes.Buffer
	for {
		b, err := r.ReadByte()
		require.NoError(t, err)
		header.WriteByte(b)
		if bytes.HasSuffix(header.Bytes(), []byte("\r\n\r\n")) {
			break
		}
	}

	var length int
	_, err := fmt.Sscanf(header.String(), "Content-Length: %d\r\n\r\n", &length)
	require.NoError(t, err)

	body := make([]byte, length)
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	return decoded
}

func TestInitializeEchoesProtocolVersionAndServerInfo(t *testing.T) {
	srv, client, closeClient := newReadyTestServer(t)
	defer closeClient()

	go srv.Run(context.Background())

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params":  map[string]any{"protocolVersion": "2024-11-05"},
	}
	body, _ := json.Marshal(req)
	writeContentLength(t, client, body)

	resp := readContentLength(t, client)
	require.EqualValues(t, 1, resp["id"])
	result := resp["result"].(map[string]any)
	require.Equal(t, "2024-11-05", result["protocolVersion"])
	serverInfo := result["serverInfo"].(map[string]any)
	require.Equal(t, DefaultOptions().Name, serverInfo["name"])
}

func TestToolsListReturnsCatalogue(t *testing.T) {
	srv, client, closeClient := newReadyTestServer(t)
	defer closeClient()

	go srv.Run(context.Background())

	req := map[string]any{"jsonrpc": "2.0", "id": 2, "method": "tools/list"}
	body, _ := json.Marshal(req)
	writeContentLength(t, client, body)

	resp := readContentLength(t, client)
	result := resp["result"].(map[string]any)
	toolList, ok := result["tools"].([]any)
	require.True(t, ok)
	require.Len(t, toolList, len(tools.Catalogue))
}

func TestNotificationProducesNoResponse(t *testing.T) {
	srv, client, closeClient := newReadyTestServer(t)
	defer closeClient()

	go srv.Run(context.Background())

	notif := map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/initialized",
	}
	body, _ := json.Marshal(notif)
	writeContentLength(t, client, body)

	pingReq := map[string]any{"jsonrpc": "2.0", "id": 3, "method": "ping"}
	pingBody, _ := json.Marshal(pingReq)
	writeContentLength(t, client, pingBody)

	resp := readContentLength(t, client)
	require.EqualValues(t, 3, resp["id"])
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	srv, client, closeClient := newReadyTestServer(t)
	defer closeClient()

	go srv.Run(context.Background())

	req := map[string]any{"jsonrpc": "2.0", "id": 4, "method": "bogus/method"}
	body, _ := json.Marshal(req)
	writeContentLength(t, client, body)

	resp := readContentLength(t, client)
	errObj, ok := resp["error"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, -32601, errObj["code"])
}

func TestNDJSONRequestRoundTripsOnSameFraming(t *testing.T) {
	srv, client, closeClient := newReadyTestServer(t)
	defer closeClient()

	go srv.Run(context.Background())

	req := map[string]any{"jsonrpc": "2.0", "id": 5, "method": "ping"}
	body, _ := json.Marshal(req)
	_, err := client.Write(append(body, '\n'))
	require.NoError(t, err)
	require.NoError(t, client.Flush())

	line, err := client.ReadString('\n')
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	require.EqualValues(t, 5, resp["id"])
}
