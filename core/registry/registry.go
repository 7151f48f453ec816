// Package registry is the process-wide, read-only catalog of bot runtimes.
//
// It is the single source of truth for what a runtime is permitted to
// contain and execute: the Artifact Store consults it for allowed
// extensions, the Sandbox Driver for the base image and commands. No other
// package may hard-code a runtime's properties.
package registry

import "github.com/aureuma/botctl/core/apperr"

// Runtime is a registered execution profile tag.
type Runtime string

const (
	Python Runtime = "python"
	Node   Runtime = "node"
)

// Descriptor describes everything the rest of the core needs to know about
// a runtime. It is immutable once built.
type Descriptor struct {
	Image             string
	WorkingDir        string
	DefaultStartCmd   string
	BuildCmd          string
	AllowedExtensions map[string]struct{}
}

// Allowed reports whether ext (including the leading dot, or "" for no
// extension) is permitted for this runtime. Empty extensions are always
// accepted, per spec: dotfiles are not restricted.
func (d Descriptor) Allowed(ext string) bool {
	if ext == "" {
		return true
	}
	_, ok := d.AllowedExtensions[ext]
	return ok
}

// Registry is the immutable runtime catalog.
type Registry struct {
	entries map[Runtime]Descriptor
}

// New builds the standard runtime catalog described in spec §4.1.
func New() *Registry {
	return &Registry{
		entries: map[Runtime]Descriptor{
			Python: {
				Image:           "python:3.11-slim",
				WorkingDir:      "/app",
				DefaultStartCmd: "python main.py",
				BuildCmd:        "pip install --no-cache-dir -r requirements.txt",
				AllowedExtensions: exts(".py", ".txt", ".json", ".yaml", ".yml"),
			},
			Node: {
				Image:           "node:20-alpine",
				WorkingDir:      "/app",
				DefaultStartCmd: "node index.js",
				BuildCmd:        "npm install",
				// .ts is intentionally allowed with no transpile step; see
				// DESIGN.md for the caveat this preserves from the
				// original allow-list.
				AllowedExtensions: exts(".js", ".json", ".ts"),
			},
		},
	}
}

func exts(values ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

// Lookup returns the descriptor for tag, or apperr.UnsupportedRuntime.
func (r *Registry) Lookup(tag Runtime) (Descriptor, error) {
	d, ok := r.entries[tag]
	if !ok {
		return Descriptor{}, apperr.UnsupportedRuntimeErr(string(tag))
	}
	return d, nil
}

// Valid reports whether tag names a registered runtime.
func (r *Registry) Valid(tag Runtime) bool {
	_, ok := r.entries[tag]
	return ok
}
