package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/capstan/internal/capability"
)

const initializeTimeout = 10 * time.Second

// Pool keeps one initialized client per MCP server. Servers are started
// lazily on first use from the provider descriptor, so manifests can name a
// server that is not running yet.
type Pool struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client

	// dial is replaced in tests.
	dial func(ctx context.Context, p capability.MCPProvider) (*Client, error)
}

func NewPool(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	pool := &Pool{
		logger:  logger,
		clients: make(map[string]*Client),
	}
	pool.dial = pool.dialStdio
	return pool
}

func (p *Pool) dialStdio(ctx context.Context, prov capability.MCPProvider) (*Client, error) {
	if prov.Command == "" {
		return nil, fmt.Errorf("server %q has no launch command", prov.ServerName)
	}
	transport, err := NewReconnectableTransport(prov.Command, prov.Args, nil)
	if err != nil {
		return nil, fmt.Errorf("start server %q: %w", prov.ServerName, err)
	}

	client := NewClient(prov.ServerName, transport)
	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()
	if err := client.Initialize(initCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("initialize server %q: %w", prov.ServerName, err)
	}
	return client, nil
}

// clientFor returns the cached client for the provider's server, dialing it
// on first use.
func (p *Pool) clientFor(ctx context.Context, prov capability.MCPProvider) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[prov.ServerName]; ok {
		return client, nil
	}

	p.logger.Info("starting mcp server", "server", prov.ServerName, "command", prov.Command)
	client, err := p.dial(ctx, prov)
	if err != nil {
		return nil, err
	}
	p.clients[prov.ServerName] = client
	return client, nil
}

// CallTool routes one capability invocation to the provider's server and
// tool, bounded by the provider's timeout.
func (p *Pool) CallTool(ctx context.Context, prov capability.MCPProvider, args []byte) ([]byte, error) {
	client, err := p.clientFor(ctx, prov)
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if prov.TimeoutMS > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(prov.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	return client.CallTool(callCtx, prov.ToolName, args)
}

// Tools lists the tools of the provider's server, dialing it if needed.
func (p *Pool) Tools(ctx context.Context, prov capability.MCPProvider) ([]Tool, error) {
	client, err := p.clientFor(ctx, prov)
	if err != nil {
		return nil, err
	}
	listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return client.ListTools(listCtx)
}

// Close shuts down every running server.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, client := range p.clients {
		if err := client.Close(); err != nil {
			p.logger.Warn("error stopping mcp server", "server", name, "error", err)
		}
	}
	p.clients = make(map[string]*Client)
	return nil
}
