package capability

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Kind tags the execution back-end of a capability. The set is closed:
// extending it means adding a constant, a descriptor struct, and an executor
// table entry in the marketplace.
type Kind string

const (
	KindLocal  Kind = "local"
	KindHTTP   Kind = "http"
	KindMCP    Kind = "mcp"
	KindA2A    Kind = "a2a"
	KindStream Kind = "stream"
)

// HTTPProvider describes a plain HTTP capability endpoint.
type HTTPProvider struct {
	BaseURL   string `yaml:"base_url" json:"base_url"`
	AuthToken string `yaml:"auth_token,omitempty" json:"auth_token,omitempty"`
	TimeoutMS int64  `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// MCPProvider describes a tool exposed by an MCP server.
type MCPProvider struct {
	ServerName string   `yaml:"server_name" json:"server_name"`
	ToolName   string   `yaml:"tool_name" json:"tool_name"`
	Command    string   `yaml:"command,omitempty" json:"command,omitempty"`
	Args       []string `yaml:"args,omitempty" json:"args,omitempty"`
	TimeoutMS  int64    `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// A2AProvider describes an agent-to-agent endpoint.
type A2AProvider struct {
	AgentID   string `yaml:"agent_id" json:"agent_id"`
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	Protocol  string `yaml:"protocol,omitempty" json:"protocol,omitempty"` // "http" or "websocket"
	TimeoutMS int64  `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// StreamProvider describes a streaming capability reached over a websocket.
type StreamProvider struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	Subject   string `yaml:"subject,omitempty" json:"subject,omitempty"`
	TimeoutMS int64  `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// Provider is the closed tagged variant over execution back-ends. Exactly the
// descriptor matching Kind is non-nil; Local carries no descriptor because
// local handlers live in the registry, keyed by id.
type Provider struct {
	Kind   Kind            `yaml:"kind" json:"kind"`
	HTTP   *HTTPProvider   `yaml:"http,omitempty" json:"http,omitempty"`
	MCP    *MCPProvider    `yaml:"mcp,omitempty" json:"mcp,omitempty"`
	A2A    *A2AProvider    `yaml:"a2a,omitempty" json:"a2a,omitempty"`
	Stream *StreamProvider `yaml:"stream,omitempty" json:"stream,omitempty"`
}

// Validate checks the kind tag against its descriptor.
func (p Provider) Validate() error {
	switch p.Kind {
	case KindLocal:
		return nil
	case KindHTTP:
		if p.HTTP == nil || p.HTTP.BaseURL == "" {
			return fmt.Errorf("http provider requires base_url")
		}
	case KindMCP:
		if p.MCP == nil || p.MCP.ServerName == "" || p.MCP.ToolName == "" {
			return fmt.Errorf("mcp provider requires server_name and tool_name")
		}
	case KindA2A:
		if p.A2A == nil || p.A2A.Endpoint == "" {
			return fmt.Errorf("a2a provider requires endpoint")
		}
	case KindStream:
		if p.Stream == nil || p.Stream.Endpoint == "" {
			return fmt.Errorf("stream provider requires endpoint")
		}
	default:
		return fmt.Errorf("unknown provider kind %q", p.Kind)
	}
	return nil
}

// Source records how a manifest entered the table.
type Source string

const (
	SourceBuiltin     Source = "builtin"
	SourceDiscovered  Source = "discovered"
	SourceSynthesized Source = "synthesized"
)

// Provenance ties a manifest to where it came from.
type Provenance struct {
	Origin      string `yaml:"origin,omitempty" json:"origin,omitempty"`
	ContentHash string `yaml:"content_hash,omitempty" json:"content_hash,omitempty"`
}

// Manifest is the stored descriptor of a capability.
type Manifest struct {
	ID           string           `yaml:"id" json:"id"`
	Name         string           `yaml:"name" json:"name"`
	Description  string           `yaml:"description,omitempty" json:"description,omitempty"`
	Provider     Provider         `yaml:"provider" json:"provider"`
	InputSchema  json.RawMessage  `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	OutputSchema json.RawMessage  `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
	Policy       *IsolationPolicy `yaml:"policy,omitempty" json:"policy,omitempty"`
	Source       Source           `yaml:"source" json:"source"`
	Provenance   Provenance       `yaml:"provenance,omitempty" json:"provenance,omitempty"`
	RegisteredAt time.Time        `yaml:"registered_at" json:"registered_at"`
}

// idPattern: lowercase dotted segments, e.g. "net.http.fetch". A capability
// id always carries a namespace so policy globs have something to match.
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*(\.[a-z0-9][a-z0-9_-]*)+$`)

// ValidateID checks capability id well-formedness.
func ValidateID(id string) error {
	if id == "" {
		return NewError(CodeInvalidInput, "", "empty capability id")
	}
	if !idPattern.MatchString(id) {
		return NewError(CodeInvalidInput, id, "capability id must be lowercase dotted segments")
	}
	return nil
}

// Validate checks a manifest for well-formedness before registration.
func (m *Manifest) Validate() error {
	if err := ValidateID(m.ID); err != nil {
		return err
	}
	if m.Name == "" {
		return NewError(CodeInvalidInput, m.ID, "manifest requires a name")
	}
	if err := m.Provider.Validate(); err != nil {
		return NewError(CodeInvalidInput, m.ID, err.Error())
	}
	return nil
}

// Fingerprint hashes the identity-bearing fields of the manifest. Stored in
// provenance so re-registration with different content is detectable in the
// audit trail.
func (m *Manifest) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", m.ID, m.Name, m.Provider.Kind, m.Description)
	if m.Provider.HTTP != nil {
		fmt.Fprintf(h, "|%s", m.Provider.HTTP.BaseURL)
	}
	if m.Provider.MCP != nil {
		fmt.Fprintf(h, "|%s/%s", m.Provider.MCP.ServerName, m.Provider.MCP.ToolName)
	}
	if m.Provider.A2A != nil {
		fmt.Fprintf(h, "|%s", m.Provider.A2A.Endpoint)
	}
	if m.Provider.Stream != nil {
		fmt.Fprintf(h, "|%s", m.Provider.Stream.Endpoint)
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
