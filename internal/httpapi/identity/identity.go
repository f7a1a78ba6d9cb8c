// Package identity carries the authenticated caller through request
// contexts.
package identity

import "context"

// Identity is the verified subject of a request token.
type Identity struct {
	ID      string
	Name    string
	Picture string
}

type ctxKey struct{}

func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
