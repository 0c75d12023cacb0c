package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/basket/capstan/internal/capability"
)

// Remote queries a capability registry service over HTTP. The service answers
// GET {base}/v1/search?q=... with a JSON list of manifests.
type Remote struct {
	name    string
	baseURL string
	token   string
	client  *http.Client
}

func NewRemote(name, baseURL, token string) *Remote {
	return &Remote{
		name:    name,
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Remote) Name() string { return r.name }

func (r *Remote) Discover(ctx context.Context, query string) ([]Candidate, error) {
	searchURL := r.baseURL + "/v1/search?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("registry %s returned %d: %s", r.name, resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	var result struct {
		Manifests []capability.Manifest `json:"manifests"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse registry response: %w", err)
	}

	out := make([]Candidate, 0, len(result.Manifests))
	for _, m := range result.Manifests {
		// Remote manifests are always treated as discovered regardless of
		// what the registry claims; source is trust-relevant metadata.
		m.Source = capability.SourceDiscovered
		if m.Provenance.Origin == "" {
			m.Provenance.Origin = r.baseURL
		}
		out = append(out, Candidate{Manifest: m})
	}
	return out, nil
}
