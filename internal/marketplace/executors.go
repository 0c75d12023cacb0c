package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/basket/capstan/internal/capability"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// executor dispatches one provider kind. The dispatch table maps every
// provider variant to exactly one of these; adding a kind means adding an
// executor, there is no generic fallthrough.
type executor func(ctx context.Context, m capability.Manifest, input json.RawMessage) (json.RawMessage, error)

const defaultRemoteTimeout = 30 * time.Second

func timeoutFrom(ms int64) time.Duration {
	if ms <= 0 {
		return defaultRemoteTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

// executeHTTP POSTs the input to the provider's base URL. Transport failures
// and 5xx answers are retryable ProviderUnavailable; 4xx means the input was
// bad and retrying the same call cannot help.
func (m *Marketplace) executeHTTP(ctx context.Context, manifest capability.Manifest, input json.RawMessage) (json.RawMessage, error) {
	prov := manifest.Provider.HTTP
	callCtx, cancel := context.WithTimeout(ctx, timeoutFrom(prov.TimeoutMS))
	defer cancel()

	body := bytes.NewReader(input)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, prov.BaseURL, body)
	if err != nil {
		return nil, capability.WrapError(capability.CodeInvalidInput, manifest.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if prov.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+prov.AuthToken)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, capability.WrapError(capability.CodeProviderUnavailable, manifest.ID, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, capability.WrapError(capability.CodeProviderUnavailable, manifest.ID, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, capability.NewError(capability.CodeProviderUnavailable, manifest.ID,
			fmt.Sprintf("provider returned %d: %s", resp.StatusCode, truncate(payload, 256)))
	case resp.StatusCode >= 400:
		return nil, capability.NewError(capability.CodeInvalidInput, manifest.ID,
			fmt.Sprintf("provider rejected call with %d: %s", resp.StatusCode, truncate(payload, 256)))
	}
	return payload, nil
}

// executeMCP routes through the server pool. Pool and transport errors mean
// the server could not serve, which is retryable.
func (m *Marketplace) executeMCP(ctx context.Context, manifest capability.Manifest, input json.RawMessage) (json.RawMessage, error) {
	if m.mcpPool == nil {
		return nil, capability.NewError(capability.CodeProviderUnavailable, manifest.ID, "no mcp pool configured")
	}
	out, err := m.mcpPool.CallTool(ctx, *manifest.Provider.MCP, input)
	if err != nil {
		return nil, capability.WrapError(capability.CodeProviderUnavailable, manifest.ID, err)
	}
	return out, nil
}

// a2aEnvelope is the request frame for agent-to-agent calls, carrying enough
// correlation state for the remote agent's own audit trail.
type a2aEnvelope struct {
	CapabilityID  string          `json:"capability_id"`
	CorrelationID string          `json:"correlation_id"`
	Input         json.RawMessage `json:"input"`
}

func (m *Marketplace) executeA2A(ctx context.Context, manifest capability.Manifest, input json.RawMessage) (json.RawMessage, error) {
	prov := manifest.Provider.A2A
	if prov.Protocol == "websocket" {
		return m.callWebsocket(ctx, manifest, prov.Endpoint, "", timeoutFrom(prov.TimeoutMS), input)
	}

	envelope, err := json.Marshal(a2aEnvelope{
		CapabilityID:  manifest.ID,
		CorrelationID: correlationFrom(ctx),
		Input:         input,
	})
	if err != nil {
		return nil, capability.WrapError(capability.CodeInvalidInput, manifest.ID, err)
	}

	httpManifest := manifest
	httpManifest.Provider = capability.Provider{
		Kind: capability.KindHTTP,
		HTTP: &capability.HTTPProvider{BaseURL: prov.Endpoint, TimeoutMS: prov.TimeoutMS},
	}
	return m.executeHTTP(ctx, httpManifest, envelope)
}

func (m *Marketplace) executeStream(ctx context.Context, manifest capability.Manifest, input json.RawMessage) (json.RawMessage, error) {
	prov := manifest.Provider.Stream
	return m.callWebsocket(ctx, manifest, prov.Endpoint, prov.Subject, timeoutFrom(prov.TimeoutMS), input)
}

// streamFrame is the request/response frame exchanged with stream endpoints.
type streamFrame struct {
	Subject       string          `json:"subject,omitempty"`
	CapabilityID  string          `json:"capability_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Error         string          `json:"error,omitempty"`
}

func (m *Marketplace) callWebsocket(ctx context.Context, manifest capability.Manifest, endpoint, subject string, timeout time.Duration, input json.RawMessage) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.Dial(callCtx, endpoint, nil)
	if err != nil {
		return nil, capability.WrapError(capability.CodeProviderUnavailable, manifest.ID, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	req := streamFrame{
		Subject:       subject,
		CapabilityID:  manifest.ID,
		CorrelationID: correlationFrom(ctx),
		Payload:       input,
	}
	if err := wsjson.Write(callCtx, conn, req); err != nil {
		return nil, capability.WrapError(capability.CodeProviderUnavailable, manifest.ID, err)
	}

	var resp streamFrame
	if err := wsjson.Read(callCtx, conn, &resp); err != nil {
		return nil, capability.WrapError(capability.CodeProviderUnavailable, manifest.ID, err)
	}
	if resp.Error != "" {
		return nil, capability.NewError(capability.CodeExecution, manifest.ID, resp.Error)
	}
	return resp.Payload, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
