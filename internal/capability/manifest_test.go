package capability

import (
	"errors"
	"testing"
)

func TestValidateID(t *testing.T) {
	valid := []string{"net.http.fetch", "vendor.github.issues", "data.transform-csv", "a.b"}
	for _, id := range valid {
		if err := ValidateID(id); err != nil {
			t.Errorf("ValidateID(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{"", "single", "Caps.Not.Allowed", ".leading", "trailing.", "spa ce.id"}
	for _, id := range invalid {
		err := ValidateID(id)
		if err == nil {
			t.Errorf("ValidateID(%q) = nil, want error", id)
			continue
		}
		if !IsCode(err, CodeInvalidInput) {
			t.Errorf("ValidateID(%q) code = %v, want InvalidInput", id, CodeOf(err))
		}
	}
}

func TestManifestValidate(t *testing.T) {
	m := &Manifest{
		ID:       "net.http.fetch",
		Name:     "HTTP fetch",
		Provider: Provider{Kind: KindHTTP, HTTP: &HTTPProvider{BaseURL: "https://api.example.com"}},
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("valid manifest rejected: %v", err)
	}

	bad := &Manifest{ID: "net.http.fetch", Name: "x", Provider: Provider{Kind: KindMCP}}
	if err := bad.Validate(); !IsCode(err, CodeInvalidInput) {
		t.Fatalf("mcp provider without descriptor should be InvalidInput, got %v", err)
	}
}

func TestErrorCodes(t *testing.T) {
	base := NewError(CodeResourceExceeded, "fs.file.read", "memory ceiling")
	wrapped := WrapError(CodeExecution, "fs.file.read", base)

	var ce *Error
	if !errors.As(wrapped, &ce) {
		t.Fatal("wrapped error should unwrap to *Error")
	}
	if !Retryable(base) {
		t.Fatal("ResourceExceeded must be a retry candidate")
	}
	if Retryable(NewError(CodeUserDenied, "", "denied")) {
		t.Fatal("UserDenied is a decision, never retryable")
	}
	if Retryable(NewError(CodeSecurityViolation, "x.y", "policy")) {
		t.Fatal("SecurityViolation is a decision, never retryable")
	}
	if CodeOf(errors.New("plain")) != CodeExecution {
		t.Fatal("untyped errors classify as execution failures")
	}
}

func TestFingerprintChangesWithContent(t *testing.T) {
	a := &Manifest{ID: "net.http.fetch", Name: "fetch", Provider: Provider{Kind: KindHTTP, HTTP: &HTTPProvider{BaseURL: "https://a"}}}
	b := &Manifest{ID: "net.http.fetch", Name: "fetch", Provider: Provider{Kind: KindHTTP, HTTP: &HTTPProvider{BaseURL: "https://b"}}}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("different base URLs must fingerprint differently")
	}
}
