// Package correlation tags request contexts with the identifier of the client
// connection that issued them, so storage logs and spans can be traced back to
// a connection.
package correlation

import (
	"context"
	"strings"

	"github.com/rs/xid"
)

// MaxIDLength defines the maximum number of characters accepted for identifiers.
const MaxIDLength = 64

type contextKey struct{}

// Set records id on ctx. Invalid identifiers leave ctx untouched.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the identifier stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries an identifier.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Normalize validates and canonicalizes an identifier.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new sortable connection identifier.
func Generate() string {
	return xid.New().String()
}
