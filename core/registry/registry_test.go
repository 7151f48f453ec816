package registry

import (
	"testing"

	"github.com/aureuma/botctl/core/apperr"
)

func TestLookupKnownRuntimes(t *testing.T) {
	r := New()

	py, err := r.Lookup(Python)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if py.Image != "python:3.11-slim" {
		t.Fatalf("unexpected python image: %q", py.Image)
	}
	if !py.Allowed(".py") || py.Allowed(".sh") {
		t.Fatalf("unexpected python allow-list behavior")
	}
	if !py.Allowed("") {
		t.Fatalf("empty extension (dotfile) must be allowed")
	}

	node, err := r.Lookup(Node)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !node.Allowed(".ts") {
		t.Fatalf("node runtime must allow .ts per preserved allow-list")
	}
}

func TestLookupUnknownRuntime(t *testing.T) {
	r := New()
	_, err := r.Lookup("ruby")
	if err == nil {
		t.Fatalf("expected error for unknown runtime")
	}
	if apperr.CodeOf(err) != apperr.UnsupportedRuntime {
		t.Fatalf("expected UnsupportedRuntime, got %v", apperr.CodeOf(err))
	}
}

func TestValid(t *testing.T) {
	r := New()
	if !r.Valid(Python) || !r.Valid(Node) {
		t.Fatalf("expected python and node to be valid")
	}
	if r.Valid("cobol") {
		t.Fatalf("expected cobol to be invalid")
	}
}
