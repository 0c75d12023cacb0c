package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Transport is the wire layer under the JSON-RPC client. Messages are whole
// JSON-RPC frames.
type Transport interface {
	Send(ctx context.Context, msg json.RawMessage) error
	Receive(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// StdioTransport speaks newline-delimited JSON-RPC to a subprocess.
type StdioTransport struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	stderr  io.ReadCloser
	mu      sync.Mutex
	running bool
}

// NewStdioTransport starts the server process and wires up its stdio.
func NewStdioTransport(command string, args []string, env map[string]string) (*StdioTransport, error) {
	cmd := exec.Command(command, args...)

	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start server %q: %w", command, err)
	}

	t := &StdioTransport{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		stderr:  stderr,
		running: true,
	}

	go func() {
		scanner := bufio.NewScanner(t.stderr)
		for scanner.Scan() {
			slog.Debug("mcp server stderr", "command", command, "msg", scanner.Text())
		}
	}()

	return t, nil
}

func (t *StdioTransport) Send(ctx context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return fmt.Errorf("transport closed")
	}
	if _, err := t.stdin.Write(append(msg, '\n')); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Receive blocks for the next frame. The read runs in a goroutine so a
// cancelled context returns promptly even though bufio cannot be interrupted.
func (t *StdioTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	type frame struct {
		msg []byte
		err error
	}
	ch := make(chan frame, 1)

	go func() {
		line, err := t.stdout.ReadBytes('\n')
		if err != nil {
			ch <- frame{nil, err}
			return
		}
		ch <- frame{line, nil}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f := <-ch:
		if f.err != nil {
			return nil, f.err
		}
		return json.RawMessage(f.msg), nil
	}
}

// Close kills the server process.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}
	t.running = false

	_ = t.stdin.Close()
	t.stdout.Reset(nil)

	if t.cmd.Process != nil {
		return t.cmd.Process.Kill()
	}
	return nil
}

// ReconnectableTransport restarts the server process when a send fails, with
// exponential backoff. A flaky server then costs retries, not a lost table
// entry.
type ReconnectableTransport struct {
	command string
	args    []string
	env     map[string]string

	mu        sync.Mutex
	transport *StdioTransport
	maxRetry  int
}

func NewReconnectableTransport(command string, args []string, env map[string]string) (*ReconnectableTransport, error) {
	transport, err := NewStdioTransport(command, args, env)
	if err != nil {
		return nil, err
	}
	return &ReconnectableTransport{
		command:   command,
		args:      args,
		env:       env,
		transport: transport,
		maxRetry:  3,
	}, nil
}

func (r *ReconnectableTransport) Send(ctx context.Context, msg json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.transport.Send(ctx, msg)
	if err == nil {
		return nil
	}

	backoff := time.Second
	for attempt := 0; attempt < r.maxRetry; attempt++ {
		slog.Info("mcp: reconnecting", "command", r.command, "attempt", attempt+1, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		_ = r.transport.Close()
		replacement, dialErr := NewStdioTransport(r.command, r.args, r.env)
		if dialErr != nil {
			backoff *= 2
			continue
		}
		r.transport = replacement

		if sendErr := r.transport.Send(ctx, msg); sendErr == nil {
			slog.Info("mcp: reconnected", "command", r.command)
			return nil
		}
		backoff *= 2
	}

	return fmt.Errorf("mcp: reconnect failed after %d attempts: %w", r.maxRetry, err)
}

func (r *ReconnectableTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	r.mu.Lock()
	t := r.transport
	r.mu.Unlock()
	return t.Receive(ctx)
}

func (r *ReconnectableTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transport.Close()
}
