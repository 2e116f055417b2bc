// Package storage persists uploaded scripts by name.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// ErrNotFound is returned when a script name has no stored content.
var ErrNotFound = errors.New("script not found")

// ValidationError rejects a request before any run or write happens.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid script name: " + e.Reason
}

// MaxNameLength bounds script names.
const MaxNameLength = 128

// ValidateName rejects names that could escape the store or the sandbox
// mount: path separators, parent-directory segments, control characters,
// unbounded length.
func ValidateName(name string) error {
	switch {
	case name == "":
		return &ValidationError{Reason: "empty"}
	case len(name) > MaxNameLength:
		return &ValidationError{Reason: fmt.Sprintf("longer than %d bytes", MaxNameLength)}
	case strings.ContainsAny(name, "/\\"):
		return &ValidationError{Reason: "contains a path separator"}
	case strings.Contains(name, ".."):
		return &ValidationError{Reason: "contains a parent-directory segment"}
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return &ValidationError{Reason: "contains a control character"}
		}
	}
	return nil
}

// Script is the stored metadata for one uploaded file.
type Script struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the persistence interface for uploaded scripts.
type Store interface {
	// Save stores a script under a validated name, overwriting any
	// previous content.
	Save(ctx context.Context, name string, content []byte) error

	// Get returns a script's content, or ErrNotFound.
	Get(ctx context.Context, name string) ([]byte, error)

	// List returns metadata for all stored scripts, ordered by name.
	List(ctx context.Context) ([]Script, error)

	// Delete removes a script, or returns ErrNotFound.
	Delete(ctx context.Context, name string) error

	// Stage materializes a script into a fresh directory suitable for
	// a read-only sandbox mount and returns the directory path. The
	// caller owns the directory's removal.
	Stage(ctx context.Context, name string) (string, error)

	// Close releases resources.
	Close() error
}
