// Package imageref validates and canonicalizes the image reference a
// caller supplies in CreateOptions before it is ever sent to the manager.
// It never contacts a registry: pulling and unpacking the image remains
// the manager's job.
package imageref

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
)

// Normalize parses ref as an image reference and returns its canonical
// string form (e.g. "ubuntu" becomes "index.docker.io/library/ubuntu:latest").
// Returns an error for syntactically invalid references.
func Normalize(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("imageref: image reference must not be empty")
	}
	parsed, err := name.ParseReference(ref, name.WeakValidation)
	if err != nil {
		return "", fmt.Errorf("imageref: parse %q: %w", ref, err)
	}
	return parsed.Name(), nil
}

// Validate reports whether ref is a syntactically valid image reference,
// without normalizing it.
func Validate(ref string) error {
	if ref == "" {
		return fmt.Errorf("imageref: image reference must not be empty")
	}
	if _, err := name.ParseReference(ref, name.WeakValidation); err != nil {
		return fmt.Errorf("imageref: parse %q: %w", ref, err)
	}
	return nil
}
