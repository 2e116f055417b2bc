// Package policy maps script file names to sandbox execution policies.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExecutionPolicy describes how a script is launched inside the sandbox.
type ExecutionPolicy struct {
	Image   string   `yaml:"image"`
	Command []string `yaml:"command"` // "{file}" expands to the script name
}

// CommandFor returns the command line with the {file} placeholder expanded.
func (p ExecutionPolicy) CommandFor(fileName string) []string {
	out := make([]string, len(p.Command))
	for i, arg := range p.Command {
		out[i] = strings.ReplaceAll(arg, "{file}", fileName)
	}
	return out
}

// defaultPolicy executes the file directly in a minimal base image.
var defaultPolicy = ExecutionPolicy{
	Image:   "alpine:3.20",
	Command: []string{"sh", "-c", "./{file}"},
}

var builtinTable = map[string]ExecutionPolicy{
	".py": {Image: "python:3.12-slim", Command: []string{"python3", "{file}"}},
	".js": {Image: "node:22-slim", Command: []string{"node", "{file}"}},
	".rb": {Image: "ruby:3.3-slim", Command: []string{"ruby", "{file}"}},
	".go": {Image: "golang:1.23-alpine", Command: []string{"go", "run", "{file}"}},
	".sh": {Image: "alpine:3.20", Command: []string{"sh", "{file}"}},
}

// Resolver picks an ExecutionPolicy for a file name. It is pure data:
// the built-in table, optionally overlaid with entries from a YAML file.
type Resolver struct {
	table map[string]ExecutionPolicy
}

// NewResolver returns a resolver backed by the built-in policy table.
func NewResolver() *Resolver {
	table := make(map[string]ExecutionPolicy, len(builtinTable))
	for ext, p := range builtinTable {
		table[ext] = p
	}
	return &Resolver{table: table}
}

// LoadFile overlays policies from a YAML file keyed by extension
// (e.g. ".pl": {image: perl:slim, command: [perl, "{file}"]}).
func (r *Resolver) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading policy file: %w", err)
	}
	var overlay map[string]ExecutionPolicy
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parsing policy file: %w", err)
	}
	for ext, p := range overlay {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		r.table[strings.ToLower(ext)] = p
	}
	return nil
}

// Resolve returns the policy for a file name. It is total: unknown or
// missing extensions get the default direct-execution policy.
func (r *Resolver) Resolve(fileName string) ExecutionPolicy {
	ext := strings.ToLower(filepath.Ext(fileName))
	if p, ok := r.table[ext]; ok {
		return p
	}
	return defaultPolicy
}
