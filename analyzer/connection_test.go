package analyzer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPair(t *testing.T, childHandler jsonrpc2.Handler) (*Connection, *jsonrpc2.Conn) {
	t.Helper()

	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close(); serverSide.Close() })

	serverStream := jsonrpc2.NewBufferedStream(serverSide, jsonrpc2.VSCodeObjectCodec{})
	fakeChild := jsonrpc2.NewConn(context.Background(), serverStream, childHandler)

	clientStream := jsonrpc2.NewBufferedStream(clientSide, jsonrpc2.VSCodeObjectCodec{})
	conn := Wrap(clientStream, testLogger())

	return conn, fakeChild
}

func TestRequestReturnsFakeChildResult(t *testing.T) {
	handler := jsonrpc2.HandlerWithError(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		if req.Method == "textDocument/hover" {
			return map[string]any{"ok": true}, nil
		}
		return nil, nil
	})

	conn, _ := newTestPair(t, handler)

	raw, err := conn.Request(context.Background(), time.Second, "textDocument/hover", map[string]any{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got["ok"] != true {
		t.Fatalf("result = %v, want ok=true", got)
	}

	if conn.Outstanding() != 0 {
		t.Fatalf("Outstanding() = %d, want 0 after completion", conn.Outstanding())
	}
}

func TestPublishDiagnosticsUpdatesCache(t *testing.T) {
	handler := jsonrpc2.HandlerWithError(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		return nil, nil
	})

	conn, fakeChild := newTestPair(t, handler)

	err := fakeChild.Notify(context.Background(), "textDocument/publishDiagnostics", map[string]any{
		"uri":         "file:///a.rs",
		"diagnostics": []map[string]any{{"message": "boom", "severity": 1}},
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if d := conn.Diagnostics("file:///a.rs"); len(d) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("diagnostics for file:///a.rs never arrived")
}

func TestUnrelatedNotificationIsDiscarded(t *testing.T) {
	handler := jsonrpc2.HandlerWithError(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		return nil, nil
	})
	conn, fakeChild := newTestPair(t, handler)

	if err := fakeChild.Notify(context.Background(), "window/logMessage", map[string]any{"message": "hi"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if all := conn.AllDiagnostics(); len(all) != 0 {
		t.Fatalf("AllDiagnostics() = %v, want empty", all)
	}
}

func TestRequestTimesOutWhenChildNeverReplies(t *testing.T) {
	handler := jsonrpc2.HandlerWithError(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		<-ctx.Done()
		return nil, nil
	})
	conn, _ := newTestPair(t, handler)

	_, err := conn.Request(context.Background(), 20*time.Millisecond, "textDocument/hover", map[string]any{})
	if err == nil {
		t.Fatalf("expected timeout error, got nil")
	}
}

func TestClearDiagnosticsRemovesEntry(t *testing.T) {
	handler := jsonrpc2.HandlerWithError(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		return nil, nil
	})
	conn, fakeChild := newTestPair(t, handler)

	_ = fakeChild.Notify(context.Background(), "textDocument/publishDiagnostics", map[string]any{
		"uri":         "file:///a.rs",
		"diagnostics": []map[string]any{{"message": "boom"}},
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(conn.Diagnostics("file:///a.rs")) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	conn.ClearDiagnostics("file:///a.rs")
	if d := conn.Diagnostics("file:///a.rs"); d != nil {
		t.Fatalf("Diagnostics after clear = %v, want nil", d)
	}
}
