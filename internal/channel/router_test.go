package channel

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRoutingFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routing.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing routing file: %v", err)
	}
	return path
}

func TestLoadRouter_EmptyPathUsesLogChannel(t *testing.T) {
	r, err := LoadRouter("")
	if err != nil {
		t.Fatalf("LoadRouter: %v", err)
	}

	route := r.Resolve("any-conversation")
	if len(route) != 1 || route[0] != DefaultChannel {
		t.Fatalf("Resolve = %v, want [%s]", route, DefaultChannel)
	}
	if _, ok := r.Adapter(DefaultChannel); !ok {
		t.Error("default log adapter missing")
	}
}

func TestLoadRouter_FullFile(t *testing.T) {
	path := writeRoutingFile(t, `
channels:
  - name: push
    type: webhook
    url: http://push.internal/hook
    timeout: 2s
  - name: audit
    type: log
routes:
  default: [push, audit]
  conversations:
    conv-vip: [push]
`)

	r, err := LoadRouter(path)
	if err != nil {
		t.Fatalf("LoadRouter: %v", err)
	}

	def := r.Resolve("conv-other")
	if len(def) != 2 || def[0] != "push" || def[1] != "audit" {
		t.Errorf("default route = %v", def)
	}

	vip := r.Resolve("conv-vip")
	if len(vip) != 1 || vip[0] != "push" {
		t.Errorf("override route = %v", vip)
	}

	for _, name := range []string{"push", "audit"} {
		if _, ok := r.Adapter(name); !ok {
			t.Errorf("adapter %q missing", name)
		}
	}
}

func TestLoadRouter_ResolveReturnsCopy(t *testing.T) {
	r, err := LoadRouter("")
	if err != nil {
		t.Fatalf("LoadRouter: %v", err)
	}

	route := r.Resolve("c1")
	route[0] = "mutated"

	if again := r.Resolve("c1"); again[0] != DefaultChannel {
		t.Error("Resolve exposes internal slice")
	}
}

func TestLoadRouter_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown channel in default route", `
channels:
  - name: push
    type: log
routes:
  default: [missing]
`},
		{"unknown channel in override", `
channels:
  - name: push
    type: log
routes:
  default: [push]
  conversations:
    c1: [missing]
`},
		{"webhook without url", `
channels:
  - name: push
    type: webhook
routes:
  default: [push]
`},
		{"unknown type", `
channels:
  - name: push
    type: carrier-pigeon
routes:
  default: [push]
`},
		{"duplicate channel", `
channels:
  - name: push
    type: log
  - name: push
    type: log
routes:
  default: [push]
`},
		{"empty default route", `
channels:
  - name: push
    type: log
routes:
  default: []
`},
		{"bad timeout", `
channels:
  - name: push
    type: webhook
    url: http://x
    timeout: later
routes:
  default: [push]
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeRoutingFile(t, tt.content)
			if _, err := LoadRouter(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadRouter_MissingFile(t *testing.T) {
	if _, err := LoadRouter(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
