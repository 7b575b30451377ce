// Package uuid mints and parses run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered run ids.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewRunID returns a UUIDv7, so run ids sort by start time.
func (Generator) NewRunID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}

// Parse validates a run id taken from user input.
func Parse(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse run id %q: %w", raw, err)
	}
	return id, nil
}
