package id

import (
	"context"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// alphabet matches gonanoid's default URL-safe set.
const (
	alphabet      = "_-0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	defaultLength = 21
)

// Generator produces unique, URL-safe identifiers.
type Generator struct {
	length int
}

// New returns a Generator with the provided length. If length <= 0, a sane default is used.
func New(length int) *Generator {
	if length <= 0 {
		length = defaultLength
	}
	return &Generator{length: length}
}

// Generate returns a new identifier.
func (g *Generator) Generate(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	return gonanoid.Generate(alphabet, g.length)
}

// Valid reports whether s could have been produced by this generator. Ids that
// fail this check cannot exist in storage and are answered as not found
// without a lookup.
func (g *Generator) Valid(s string) bool {
	if len(s) != g.length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}
