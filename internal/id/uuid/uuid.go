// Package uuid mints job identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces UUID version 7 strings. The embedded timestamp makes
// ids sort in submission order, so listings come back chronological without
// a secondary sort key.
type Generator struct{}

// New returns a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID mints a fresh UUIDv7.
func (*Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("mint uuid v7: %w", err)
	}
	return id.String(), nil
}
