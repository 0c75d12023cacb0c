package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/capstan/internal/capability"
	"github.com/basket/capstan/internal/sandbox"
)

// builtin pairs a manifest with its in-process handler. Builtins exist so a
// fresh install has something callable before anything is discovered; they
// also give the isolation and audit paths cheap test subjects.
type builtin struct {
	manifest capability.Manifest
	fn       sandbox.NativeFunc
}

func builtins() []builtin {
	return []builtin{
		{
			manifest: capability.Manifest{
				ID:          "text.echo",
				Name:        "Echo",
				Description: "Returns its input text unchanged.",
				Provider:    capability.Provider{Kind: capability.KindLocal},
				InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
				Source:      capability.SourceBuiltin,
			},
			fn: echoText,
		},
		{
			manifest: capability.Manifest{
				ID:          "text.upper",
				Name:        "Uppercase",
				Description: "Uppercases the input text.",
				Provider:    capability.Provider{Kind: capability.KindLocal},
				InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
				Source:      capability.SourceBuiltin,
			},
			fn: upperText,
		},
		{
			manifest: capability.Manifest{
				ID:          "time.now",
				Name:        "Current time",
				Description: "Returns the current UTC time in RFC 3339 form.",
				Provider:    capability.Provider{Kind: capability.KindLocal},
				Source:      capability.SourceBuiltin,
			},
			fn: timeNow,
		},
	}
}

type textPayload struct {
	Text string `json:"text"`
}

func echoText(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	var p textPayload
	if err := json.Unmarshal(input, &p); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	return json.Marshal(map[string]string{"text": p.Text})
}

func upperText(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	var p textPayload
	if err := json.Unmarshal(input, &p); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	return json.Marshal(map[string]string{"text": strings.ToUpper(p.Text)})
}

func timeNow(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"now": time.Now().UTC().Format(time.RFC3339)})
}

func registerBuiltins(ctx context.Context, rt *runtime) {
	for _, b := range builtins() {
		if err := rt.market.RegisterNative(ctx, b.manifest, b.fn, true); err != nil {
			rt.logger.Warn("register builtin", "capability", b.manifest.ID, "error", err)
		}
	}
}
