// Package uuid generates random stored-file names.
package uuid

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator creates names from 16 random bytes rendered as 32 hex characters.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewName returns "<32 hex chars>.<ext>", or just the hex when ext is empty.
func (Generator) NewName(ext string) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate random name: %w", err)
	}
	name := hex.EncodeToString(id[:])
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		return name, nil
	}
	return name + "." + ext, nil
}

// NewRequestID returns a UUIDv7 string for correlating requests in logs.
func (Generator) NewRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
