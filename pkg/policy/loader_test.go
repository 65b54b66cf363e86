package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

const testRego = `# Denies deletion of locked resources.
# severity: error
package test.policies.locked

import rego.v1

deny contains violation if {
	input.resource.deleted
	violation := {"message": "locked", "addr": input.resource.addr}
}
`

func writePolicyFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoadFromPathsRego(t *testing.T) {
	dir := t.TempDir()
	path := writePolicyFile(t, dir, "locked.rego", testRego)

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("got %d policies, want 1", len(policies))
	}
	p := policies[0]
	if p.Name != "locked" {
		t.Errorf("name = %q, want %q", p.Name, "locked")
	}
	if p.Severity != SeverityError {
		t.Errorf("severity = %q, want %q", p.Severity, SeverityError)
	}
	if p.Description != "Denies deletion of locked resources." {
		t.Errorf("description = %q", p.Description)
	}
	if !p.Enabled {
		t.Error("loaded policy should be enabled")
	}
	if p.Rego != testRego {
		t.Error("rego source not preserved")
	}
}

func TestLoadFromPathsRegoDefaultSeverity(t *testing.T) {
	dir := t.TempDir()
	path := writePolicyFile(t, dir, "plain.rego", "package test.plain\n")

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}
	if policies[0].Severity != SeverityWarning {
		t.Errorf("severity = %q, want default %q", policies[0].Severity, SeverityWarning)
	}
}

func TestLoadFromPathsJSON(t *testing.T) {
	dir := t.TempDir()
	path := writePolicyFile(t, dir, "doc.json", `{
		"name": "doc-policy",
		"description": "from json",
		"rego": "package test.doc\n",
		"severity": "critical",
		"enabled": true
	}`)

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("got %d policies, want 1", len(policies))
	}
	if policies[0].Name != "doc-policy" {
		t.Errorf("name = %q", policies[0].Name)
	}
	if policies[0].Severity != SeverityCritical {
		t.Errorf("severity = %q", policies[0].Severity)
	}
	if policies[0].CreatedAt.IsZero() {
		t.Error("CreatedAt should be defaulted")
	}
}

func TestLoadFromPathsJSONWithoutName(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "anon.json", `{"rego": "package x\n"}`)

	loader := NewLoader(zerolog.Nop())
	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "anon.json")}); err == nil {
		t.Fatal("expected error for json policy without name")
	}
}

func TestLoadFromPathsDirectory(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "a.rego", "# first\npackage test.a\n")
	sub := filepath.Join(dir, "nested")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writePolicyFile(t, sub, "b.rego", "# second\npackage test.b\n")
	writePolicyFile(t, dir, "notes.txt", "not a policy")

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("got %d policies, want 2", len(policies))
	}
	names := map[string]bool{}
	for _, p := range policies {
		names[p.Name] = true
	}
	if !names["a"] || !names["b"] {
		t.Errorf("loaded %v, want a and b", names)
	}
}

func TestLoadFromPathsDirectorySkipsBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "good.rego", "package test.good\n")
	writePolicyFile(t, dir, "broken.json", "{not json")

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}
	if len(policies) != 1 || policies[0].Name != "good" {
		t.Fatalf("got %v, want only the good policy", policies)
	}
}

func TestLoadFromPathsNonexistent(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	if _, err := loader.LoadFromPaths(context.Background(), []string{"/no/such/path"}); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestParseHeaderSeverityValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Severity
	}{
		{"valid", "# severity: critical\npackage x\n", SeverityCritical},
		{"invalid ignored", "# severity: shouty\npackage x\n", ""},
		{"after prose", "# Checks things.\n# severity: info\npackage x\n", SeverityInfo},
		{"below code ignored", "package x\n# severity: error\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, got := parseHeader(tt.content)
			if got != tt.want {
				t.Errorf("severity = %q, want %q", got, tt.want)
			}
		})
	}
}
