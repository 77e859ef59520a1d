package auth

import (
	"net/http/httptest"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid", "Bearer abc123", "abc123", false},
		{"padded", "Bearer   abc123  ", "abc123", false},
		{"missing", "", "", true},
		{"wrong scheme", "Basic abc123", "", true},
		{"empty token", "Bearer    ", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractBearerToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("ExtractBearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "stage-tablet", Scopes: []string{ScopeRunsheetWrite, ScopeClockWrite, " "}},
		{Token: "wall-display", Scopes: []string{ScopeRunsheetRead, ScopeEventsRead}},
	}

	admin, ok := Authenticate("master", "master", tokens)
	if !ok || !HasAnyScope(admin, ScopeProjectsWrite) {
		t.Fatalf("api key should authenticate with every scope")
	}

	tablet, ok := Authenticate("stage-tablet", "master", tokens)
	if !ok {
		t.Fatal("stage-tablet should authenticate")
	}
	if !HasAnyScope(tablet, ScopeRunsheetRead) {
		t.Error("runsheet:rw should imply runsheet:ro")
	}
	if HasAnyScope(tablet, ScopeChangesWrite) {
		t.Error("stage-tablet must not hold changes:rw")
	}
	if _, blank := tablet.Scopes[""]; blank {
		t.Error("blank scopes must be dropped")
	}

	display, _ := Authenticate("wall-display", "master", tokens)
	if HasAnyScope(display, ScopeRunsheetWrite) {
		t.Error("read scope must not imply write")
	}

	if _, ok := Authenticate("guess", "master", tokens); ok {
		t.Error("unknown token authenticated")
	}
	if _, ok := Authenticate("", "", nil); ok {
		t.Error("empty token must never match an empty key")
	}
}

func TestHasAnyScope(t *testing.T) {
	if !HasAnyScope(Principal{}) {
		t.Error("no required scopes should always pass")
	}
	if !HasAnyScope(Anonymous(), ScopeClockWrite) {
		t.Error("anonymous principal of an open API holds every scope")
	}
	p := Principal{Scopes: map[string]struct{}{ScopeEventsRead: {}}}
	if !HasAnyScope(p, ScopeClockWrite, ScopeEventsRead) {
		t.Error("any one matching scope should pass")
	}
}
