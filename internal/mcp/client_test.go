package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/basket/capstan/internal/capability"
)

// mockTransport answers each request through a scripted handler.
type mockTransport struct {
	handler func(req jsonRPCRequest) *jsonRPCResponse

	mu       sync.Mutex
	incoming chan json.RawMessage
	closed   bool
	sent     []jsonRPCRequest
}

func newMockTransport(handler func(req jsonRPCRequest) *jsonRPCResponse) *mockTransport {
	return &mockTransport{
		handler:  handler,
		incoming: make(chan json.RawMessage, 16),
	}
}

func (m *mockTransport) Send(ctx context.Context, msg json.RawMessage) error {
	var req jsonRPCRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return err
	}
	m.mu.Lock()
	m.sent = append(m.sent, req)
	m.mu.Unlock()
	if req.ID == 0 {
		// Notification, nothing to answer.
		return nil
	}
	if resp := m.handler(req); resp != nil {
		resp.ID = req.ID
		resp.JSONRPC = "2.0"
		b, _ := json.Marshal(resp)
		m.incoming <- b
	}
	return nil
}

func (m *mockTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-m.incoming:
		if !ok {
			return nil, fmt.Errorf("transport closed")
		}
		return msg, nil
	}
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.incoming)
	}
	return nil
}

func okHandler(result string) func(req jsonRPCRequest) *jsonRPCResponse {
	return func(req jsonRPCRequest) *jsonRPCResponse {
		return &jsonRPCResponse{Result: json.RawMessage(result)}
	}
}

func TestClientCallTool(t *testing.T) {
	transport := newMockTransport(func(req jsonRPCRequest) *jsonRPCResponse {
		if req.Method != "tools/call" {
			t.Errorf("method = %s", req.Method)
		}
		return &jsonRPCResponse{Result: json.RawMessage(`{"content":[{"type":"text","text":"42"}]}`)}
	})
	client := NewClient("test", transport)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := client.CallTool(ctx, "add", json.RawMessage(`{"a":40,"b":2}`))
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if string(res) != `{"content":[{"type":"text","text":"42"}]}` {
		t.Fatalf("result = %s", res)
	}
}

func TestClientSurfacesRPCError(t *testing.T) {
	transport := newMockTransport(func(req jsonRPCRequest) *jsonRPCResponse {
		return &jsonRPCResponse{Error: &jsonRPCError{Code: -32601, Message: "method not found"}}
	})
	client := NewClient("test", transport)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.CallTool(ctx, "nope", nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestClientListTools(t *testing.T) {
	transport := newMockTransport(okHandler(`{"tools":[{"name":"add","description":"adds"},{"name":"sub","description":"subtracts"}]}`))
	client := NewClient("test", transport)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tools, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "add" {
		t.Fatalf("tools = %+v", tools)
	}
}

func TestClientInitializeSendsNotification(t *testing.T) {
	transport := newMockTransport(okHandler(`{"protocolVersion":"2024-11-05"}`))
	client := NewClient("test", transport)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	var sawNotification bool
	for _, req := range transport.sent {
		if req.Method == "notifications/initialized" {
			sawNotification = true
		}
	}
	if !sawNotification {
		t.Fatal("initialized notification not sent")
	}
}

func TestPoolCachesClients(t *testing.T) {
	pool := NewPool(slog.New(slog.DiscardHandler))
	defer pool.Close()

	var dials int
	pool.dial = func(ctx context.Context, p capability.MCPProvider) (*Client, error) {
		dials++
		return NewClient(p.ServerName, newMockTransport(okHandler(`{"content":[]}`))), nil
	}

	prov := capability.MCPProvider{ServerName: "calc", ToolName: "add"}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if _, err := pool.CallTool(ctx, prov, []byte(`{}`)); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if dials != 1 {
		t.Fatalf("dials = %d, want 1", dials)
	}
}
